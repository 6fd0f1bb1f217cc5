package sse

import (
	"github.com/tidwall/gjson"
)

// FinishReasonTracker observes stream frames to extract the final finish
// reason and token usage for statistics. Parsing is lazy: frames without a
// data payload or with non-JSON payloads are ignored; the latest value wins.
type FinishReasonTracker struct {
	finishReason     string
	promptTokens     int64
	completionTokens int64
}

// ObserveFrame inspects one frame. Safe to call with any frame, including
// [DONE] and comments.
func (t *FinishReasonTracker) ObserveFrame(frame string) {
	payload := DataPayload(frame)
	if payload == "" || payload == "[DONE]" {
		return
	}
	parsed := gjson.Parse(payload)
	if !parsed.IsObject() {
		return
	}

	for _, choice := range parsed.Get("choices").Array() {
		if fr := choice.Get("finish_reason"); fr.Type == gjson.String && fr.String() != "" {
			t.finishReason = fr.String()
		}
	}
	// Anthropic dialect.
	if sr := parsed.Get("delta.stop_reason"); sr.Type == gjson.String && sr.String() != "" {
		t.finishReason = sr.String()
	}

	if usage := parsed.Get("usage"); usage.IsObject() {
		if v := usage.Get("prompt_tokens"); v.Exists() {
			t.promptTokens = v.Int()
		}
		if v := usage.Get("input_tokens"); v.Exists() {
			t.promptTokens = v.Int()
		}
		if v := usage.Get("completion_tokens"); v.Exists() {
			t.completionTokens = v.Int()
		}
		if v := usage.Get("output_tokens"); v.Exists() {
			t.completionTokens = v.Int()
		}
	}
}

// FinishReason returns the last observed finish reason, or "".
func (t *FinishReasonTracker) FinishReason() string { return t.finishReason }

// Usage returns the last observed prompt and completion token counts.
func (t *FinishReasonTracker) Usage() (prompt, completion int64) {
	return t.promptTokens, t.completionTokens
}
