package sse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frames(t *testing.T, wire string) []string {
	t.Helper()
	var out []string
	for _, f := range strings.Split(wire, "\n\n") {
		if strings.TrimSpace(f) != "" {
			out = append(out, f)
		}
	}
	return out
}

func TestWriterSingleDone(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")

	w.WriteData(`{"a":1}`)
	w.WriteDone()
	w.WriteDone()
	w.WriteData(`{"late":true}`)
	w.WriteFrame(DoneFrame)

	got := frames(t, buf.String())
	require.Len(t, got, 2)
	assert.Equal(t, `data: {"a":1}`, got[0])
	assert.Equal(t, "data: [DONE]", got[1])
	assert.True(t, w.WroteDone())
	assert.True(t, w.WroteAny())
}

func TestWriterNormalizesDoneFrames(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")

	w.WriteFrame("data: [DONE]")
	assert.True(t, w.WroteDone())
	assert.Equal(t, 1, strings.Count(buf.String(), "[DONE]"))
}

func TestWriterAppendsFrameBoundary(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")

	w.WriteFrame(`data: {"x":1}`)
	assert.True(t, strings.HasSuffix(buf.String(), "\n\n"))

	w.WriteFrame("")
	assert.Equal(t, 1, len(frames(t, buf.String())))
}

func TestFrameScanner(t *testing.T) {
	input := "data: {\"a\":1}\n\nevent: ping\ndata: {\"b\":2}\n\ndata: tail"
	scanner := NewFrameScanner(strings.NewReader(input))

	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{
		"data: {\"a\":1}",
		"event: ping\ndata: {\"b\":2}",
		"data: tail",
	}, got)
}

func TestFrameScannerCRLF(t *testing.T) {
	input := "data: {\"a\":1}\r\n\r\ndata: [DONE]\r\n\r\n"
	scanner := NewFrameScanner(strings.NewReader(input))

	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	require.Len(t, got, 2)
	assert.Equal(t, "[DONE]", DataPayload(got[1]))
}

func TestDataPayload(t *testing.T) {
	assert.Equal(t, `{"a":1}`, DataPayload(`data: {"a":1}`))
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}", DataPayload("data: {\"a\":1}\ndata: {\"b\":2}"))
	assert.Equal(t, `{"x":1}`, DataPayload("event: delta\ndata: {\"x\":1}"))
	assert.Equal(t, "", DataPayload(": keep-alive comment"))
	assert.Equal(t, "", DataPayload("event: ping"))
}

func TestFinishReasonTracker(t *testing.T) {
	tr := &FinishReasonTracker{}
	tr.ObserveFrame(": comment")
	tr.ObserveFrame("data: [DONE]")
	tr.ObserveFrame("data: not json at all")
	tr.ObserveFrame(`data: {"choices":[{"delta":{"content":"x"},"finish_reason":null}]}`)
	assert.Equal(t, "", tr.FinishReason())

	tr.ObserveFrame(`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`)
	assert.Equal(t, "tool_calls", tr.FinishReason())

	tr.ObserveFrame(`data: {"usage":{"prompt_tokens":12,"completion_tokens":7}}`)
	prompt, completion := tr.Usage()
	assert.Equal(t, int64(12), prompt)
	assert.Equal(t, int64(7), completion)
}

func TestFinishReasonTrackerAnthropicDialect(t *testing.T) {
	tr := &FinishReasonTracker{}
	tr.ObserveFrame("event: message_delta\ndata: " + `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}`)
	assert.Equal(t, "end_turn", tr.FinishReason())
	_, completion := tr.Usage()
	assert.Equal(t, int64(42), completion)
}
