package sse

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestSynthesizeOpenAIChat(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")

	SynthesizeOpenAIChat([]byte(`{
		"id": "chatcmpl-1",
		"model": "glm-4",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "pong"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
	}`), w)

	got := frames(t, buf.String())
	require.Len(t, got, 3)

	first := gjson.Parse(DataPayload(got[0]))
	assert.Equal(t, "pong", first.Get("choices.0.delta.content").String())
	assert.True(t, strings.HasPrefix(first.Get("id").String(), "syn_"))
	assert.Equal(t, "glm-4", first.Get("model").String())

	final := gjson.Parse(DataPayload(got[1]))
	assert.Equal(t, "stop", final.Get("choices.0.finish_reason").String())
	assert.True(t, strings.HasPrefix(final.Get("id").String(), "syn_end_"))
	assert.Equal(t, int64(4), final.Get("usage.total_tokens").Int())

	assert.Equal(t, "[DONE]", DataPayload(got[2]), "terminator is the last frame")
	assert.Equal(t, 1, strings.Count(buf.String(), "[DONE]"))
}

func TestSynthesizeOpenAIChatSegmentsLongContent(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")

	long := strings.Repeat("x", segmentMax*2+10)
	SynthesizeOpenAIChat([]byte(`{"choices":[{"message":{"content":"`+long+`"},"finish_reason":"stop"}]}`), w)

	got := frames(t, buf.String())
	require.Len(t, got, 5, "three content segments, one finish chunk, one terminator")

	var rebuilt strings.Builder
	for _, f := range got[:3] {
		rebuilt.WriteString(gjson.Parse(DataPayload(f)).Get("choices.0.delta.content").String())
	}
	assert.Equal(t, long, rebuilt.String())
}

func TestSynthesizeOpenAIChatEmptyChoices(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")

	SynthesizeOpenAIChat([]byte(`{"id":"chatcmpl-1","choices":[]}`), w)

	got := frames(t, buf.String())
	require.Len(t, got, 2)
	assert.Equal(t, "stop", gjson.Parse(DataPayload(got[0])).Get("choices.0.finish_reason").String())
	assert.Equal(t, "[DONE]", DataPayload(got[1]))
}

func TestSynthesizeOpenAIChatToolCalls(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")

	SynthesizeOpenAIChat([]byte(`{
		"choices": [{"message": {"content": "", "tool_calls": [
			{"id": "call_1", "type": "function", "function": {"name": "shell", "arguments": "{}"}}
		]}, "finish_reason": "tool_calls"}]
	}`), w)

	got := frames(t, buf.String())
	require.Len(t, got, 3)
	assert.Equal(t, "call_1", gjson.Parse(DataPayload(got[0])).Get("choices.0.delta.tool_calls.0.id").String())
	assert.Equal(t, "tool_calls", gjson.Parse(DataPayload(got[1])).Get("choices.0.finish_reason").String())
}

func eventNames(fs []string) []string {
	var names []string
	for _, f := range fs {
		for _, line := range strings.Split(f, "\n") {
			if rest, ok := strings.CutPrefix(line, "event: "); ok {
				names = append(names, rest)
			}
		}
	}
	return names
}

func TestSynthesizeAnthropic(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")

	SynthesizeAnthropic([]byte(`{
		"id": "msg_1",
		"model": "claude-sonnet-4",
		"content": [
			{"type": "text", "text": "pong"},
			{"type": "tool_use", "id": "tu_1", "name": "get_weather", "input": {"city": "Oslo"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 9, "output_tokens": 4}
	}`), w)

	got := frames(t, buf.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(got))

	start := gjson.Parse(DataPayload(got[0]))
	assert.Equal(t, "msg_1", start.Get("message.id").String())
	assert.Equal(t, int64(9), start.Get("message.usage.input_tokens").Int())

	toolStart := gjson.Parse(DataPayload(got[4]))
	assert.Equal(t, "tu_1", toolStart.Get("content_block.id").String())

	delta := gjson.Parse(DataPayload(got[7]))
	assert.Equal(t, "tool_use", delta.Get("delta.stop_reason").String())
	assert.Equal(t, int64(4), delta.Get("usage.output_tokens").Int())

	assert.NotContains(t, buf.String(), "[DONE]", "anthropic streams end with message_stop")
}

func TestSynthesizeResponses(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")

	SynthesizeResponses([]byte(`{
		"id": "resp_1",
		"object": "response",
		"status": "completed",
		"model": "gpt-test",
		"output": [{"type": "message", "id": "msg_resp_1", "role": "assistant", "content": [
			{"type": "output_text", "text": "pong"}
		]}]
	}`), w)

	got := frames(t, buf.String())
	assert.Equal(t, []string{
		"response.created",
		"response.output_text.delta",
		"response.completed",
	}, eventNames(got))

	created := gjson.Parse(DataPayload(got[0]))
	assert.Equal(t, "in_progress", created.Get("response.status").String())
	assert.Equal(t, "resp_1", created.Get("response.id").String())
	assert.Len(t, created.Get("response.output").Array(), 0, "created event carries no output yet")

	lastSeq := int64(0)
	for _, f := range got {
		seq := gjson.Parse(DataPayload(f)).Get("sequence_number").Int()
		assert.Greater(t, seq, lastSeq)
		lastSeq = seq
	}

	completed := gjson.Parse(DataPayload(got[2]))
	assert.Equal(t, "completed", completed.Get("response.status").String())
	assert.Equal(t, "pong", completed.Get("response.output.0.content.0.text").String())
}

type readCloser struct {
	io.Reader
	closed bool
}

func (r *readCloser) Close() error {
	r.closed = true
	return nil
}

func TestPassthrough(t *testing.T) {
	upstream := &readCloser{Reader: strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"po\"}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"ng\"},\"finish_reason\":\"stop\"}]}\n\n" +
			"data: [DONE]\n\n",
	)}

	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")
	tracker := &FinishReasonTracker{}

	require.NoError(t, Passthrough(upstream, w, tracker))
	assert.True(t, upstream.closed)
	assert.Equal(t, "stop", tracker.FinishReason())

	got := frames(t, buf.String())
	require.Len(t, got, 3)
	assert.Equal(t, "[DONE]", DataPayload(got[2]))
	assert.Equal(t, 1, strings.Count(buf.String(), "[DONE]"))
	assert.True(t, w.WroteDone())
}

func TestTransformToAnthropic(t *testing.T) {
	upstream := &readCloser{Reader: strings.NewReader(
		"data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"po\"}}]}\n\n" +
			"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{\"content\":\"ng\"}}]}\n\n" +
			"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
			"data: [DONE]\n\n",
	)}

	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")
	tracker := &FinishReasonTracker{}

	require.NoError(t, TransformToAnthropic(upstream, w, tracker))
	assert.True(t, upstream.closed)

	names := eventNames(frames(t, buf.String()))
	assert.Equal(t, "message_start", names[0])
	assert.Equal(t, "message_stop", names[len(names)-1])
	assert.Contains(t, names, "content_block_delta")
	assert.NotContains(t, buf.String(), "[DONE]")

	var rebuilt strings.Builder
	for _, f := range frames(t, buf.String()) {
		payload := gjson.Parse(DataPayload(f))
		if payload.Get("type").String() == "content_block_delta" {
			rebuilt.WriteString(payload.Get("delta.text").String())
		}
	}
	assert.Equal(t, "pong", rebuilt.String())
	assert.Equal(t, "stop", tracker.FinishReason())
}

func TestTransformToResponses(t *testing.T) {
	upstream := &readCloser{Reader: strings.NewReader(
		"data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n" +
			"data: {\"id\":\"c1\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
			"data: [DONE]\n\n",
	)}

	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")

	require.NoError(t, TransformToResponses(upstream, w, nil, ""))

	names := eventNames(frames(t, buf.String()))
	assert.Equal(t, "response.created", names[0])
	assert.Equal(t, "response.completed", names[len(names)-1])
	assert.Contains(t, names, "response.output_text.delta")
}

func anthropicUpstream() *readCloser {
	return &readCloser{Reader: strings.NewReader(
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-sonnet-4\",\"usage\":{\"input_tokens\":9}}}\n\n" +
			"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"pong\"}}\n\n" +
			"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":4}}\n\n" +
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	)}
}

func TestTransformFromAnthropic(t *testing.T) {
	upstream := anthropicUpstream()

	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")
	tracker := &FinishReasonTracker{}

	require.NoError(t, TransformFromAnthropic(upstream, w, tracker))
	assert.True(t, upstream.closed)

	got := frames(t, buf.String())
	assert.NotContains(t, buf.String(), "event:", "chat chunks carry no event line")

	var rebuilt strings.Builder
	var finish string
	for _, f := range got {
		payload := gjson.Parse(DataPayload(f))
		rebuilt.WriteString(payload.Get("choices.0.delta.content").String())
		if r := payload.Get("choices.0.finish_reason"); r.Type == gjson.String {
			finish = r.String()
		}
	}
	assert.Equal(t, "pong", rebuilt.String())
	assert.Equal(t, "stop", finish)

	_, completion := tracker.Usage()
	assert.Equal(t, int64(4), completion)
	assert.NotContains(t, buf.String(), "[DONE]", "the caller owns the terminator")
}

func TestTransformAnthropicToResponses(t *testing.T) {
	upstream := anthropicUpstream()

	var buf strings.Builder
	w := NewWriter(&buf, nil, "req_1")

	require.NoError(t, TransformAnthropicToResponses(upstream, w, nil, "resp_42"))

	names := eventNames(frames(t, buf.String()))
	assert.Equal(t, "response.created", names[0])
	assert.Equal(t, "response.completed", names[len(names)-1])
	assert.Contains(t, names, "response.output_text.delta")

	var rebuilt strings.Builder
	for _, f := range frames(t, buf.String()) {
		payload := gjson.Parse(DataPayload(f))
		if payload.Get("type").String() == "response.output_text.delta" {
			rebuilt.WriteString(payload.Get("delta").String())
		}
		if id := payload.Get("response.id"); id.Exists() {
			assert.Equal(t, "resp_42", id.String())
		}
	}
	assert.Equal(t, "pong", rebuilt.String())
}
