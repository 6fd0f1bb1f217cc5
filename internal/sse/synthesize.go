package sse

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// segmentMax bounds one synthesized content delta.
const segmentMax = 200

// segments splits a string into rune-safe chunks of at most segmentMax.
func segments(s string) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := segmentMax
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

func chatChunk(id, model string) string {
	chunk := `{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	chunk, _ = sjson.Set(chunk, "id", id)
	chunk, _ = sjson.Set(chunk, "created", time.Now().Unix())
	if model != "" {
		chunk, _ = sjson.Set(chunk, "model", model)
	}
	return chunk
}

// SynthesizeOpenAIChat streams a buffered OpenAI chat completion as SSE:
// segmented content deltas, a tool_calls chunk when present, a final
// finish_reason chunk, and [DONE]. Empty choices produce exactly one final
// chunk with finish_reason "stop".
func SynthesizeOpenAIChat(payload []byte, w *Writer) {
	parsed := gjson.ParseBytes(payload)
	model := parsed.Get("model").String()
	synID := "syn_" + uuid.NewString()
	endID := "syn_end_" + uuid.NewString()

	choice := parsed.Get("choices.0")
	if !choice.Exists() {
		final := chatChunk(endID, model)
		final, _ = sjson.Set(final, "choices.0.finish_reason", "stop")
		w.WriteData(final)
		w.WriteDone()
		return
	}

	for _, segment := range segments(choice.Get("message.content").String()) {
		chunk := chatChunk(synID, model)
		chunk, _ = sjson.Set(chunk, "choices.0.delta.content", segment)
		w.WriteData(chunk)
	}

	if calls := choice.Get("message.tool_calls"); calls.IsArray() && len(calls.Array()) > 0 {
		chunk := chatChunk(synID, model)
		chunk, _ = sjson.SetRaw(chunk, "choices.0.delta.tool_calls", calls.Raw)
		w.WriteData(chunk)
	}

	finish := choice.Get("finish_reason").String()
	if finish == "" {
		finish = "stop"
	}
	final := chatChunk(endID, model)
	final, _ = sjson.Set(final, "choices.0.finish_reason", finish)
	if usage := parsed.Get("usage"); usage.IsObject() {
		final, _ = sjson.SetRaw(final, "usage", usage.Raw)
	}
	w.WriteData(final)
	w.WriteDone()
}

func anthropicFrame(name, payload string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, payload)
}

// SynthesizeAnthropic streams a buffered Anthropic Messages response as
// Anthropic events, ending with message_stop.
func SynthesizeAnthropic(payload []byte, w *Writer) {
	parsed := gjson.ParseBytes(payload)
	messageID := parsed.Get("id").String()
	if messageID == "" {
		messageID = "msg_" + uuid.NewString()
	}
	model := parsed.Get("model").String()

	start := `{"type":"message_start","message":{"type":"message","role":"assistant","content":[],"stop_reason":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	start, _ = sjson.Set(start, "message.id", messageID)
	start, _ = sjson.Set(start, "message.model", model)
	if v := parsed.Get("usage.input_tokens"); v.Exists() {
		start, _ = sjson.Set(start, "message.usage.input_tokens", v.Int())
	}
	w.WriteFrame(anthropicFrame("message_start", start))

	for i, block := range parsed.Get("content").Array() {
		switch block.Get("type").String() {
		case "text":
			open, _ := sjson.Set(`{"type":"content_block_start","content_block":{"type":"text","text":""}}`, "index", i)
			w.WriteFrame(anthropicFrame("content_block_start", open))
			for _, segment := range segments(block.Get("text").String()) {
				d := `{"type":"content_block_delta","delta":{"type":"text_delta"}}`
				d, _ = sjson.Set(d, "index", i)
				d, _ = sjson.Set(d, "delta.text", segment)
				w.WriteFrame(anthropicFrame("content_block_delta", d))
			}
		case "tool_use":
			open := `{"type":"content_block_start","content_block":{"type":"tool_use","input":{}}}`
			open, _ = sjson.Set(open, "index", i)
			open, _ = sjson.Set(open, "content_block.id", block.Get("id").String())
			open, _ = sjson.Set(open, "content_block.name", block.Get("name").String())
			w.WriteFrame(anthropicFrame("content_block_start", open))
			if input := block.Get("input"); input.Exists() && input.Raw != "{}" {
				d := `{"type":"content_block_delta","delta":{"type":"input_json_delta"}}`
				d, _ = sjson.Set(d, "index", i)
				d, _ = sjson.Set(d, "delta.partial_json", input.Raw)
				w.WriteFrame(anthropicFrame("content_block_delta", d))
			}
		default:
			continue
		}
		stop, _ := sjson.Set(`{"type":"content_block_stop"}`, "index", i)
		w.WriteFrame(anthropicFrame("content_block_stop", stop))
	}

	stopReason := parsed.Get("stop_reason").String()
	if stopReason == "" {
		stopReason = "end_turn"
	}
	d := `{"type":"message_delta","delta":{},"usage":{}}`
	d, _ = sjson.Set(d, "delta.stop_reason", stopReason)
	d, _ = sjson.Set(d, "delta.stop_sequence", nil)
	if v := parsed.Get("usage.output_tokens"); v.Exists() {
		d, _ = sjson.Set(d, "usage.output_tokens", v.Int())
	}
	w.WriteFrame(anthropicFrame("message_delta", d))
	w.WriteFrame(anthropicFrame("message_stop", `{"type":"message_stop"}`))
}

// SynthesizeResponses streams a buffered Responses-shaped payload as OpenAI
// Responses events, ending with response.completed.
func SynthesizeResponses(payload []byte, w *Writer) {
	full := payload
	parsed := gjson.ParseBytes(full)

	sequence := 0
	emit := func(name, body string) {
		sequence++
		body, _ = sjson.Set(body, "sequence_number", sequence)
		w.WriteFrame(fmt.Sprintf("event: %s\ndata: %s\n\n", name, body))
	}

	created, _ := sjson.SetRaw(`{"type":"response.created"}`, "response", string(full))
	created, _ = sjson.Set(created, "response.status", "in_progress")
	created, _ = sjson.SetRaw(created, "response.output", "[]")
	emit("response.created", created)

	for _, item := range parsed.Get("output").Array() {
		if item.Get("type").String() != "message" {
			continue
		}
		for _, part := range item.Get("content").Array() {
			text := part.Get("text").String()
			for _, segment := range segments(text) {
				d := `{"type":"response.output_text.delta","output_index":0,"content_index":0}`
				d, _ = sjson.Set(d, "item_id", item.Get("id").String())
				d, _ = sjson.Set(d, "delta", segment)
				emit("response.output_text.delta", d)
			}
		}
	}

	completed, _ := sjson.SetRaw(`{"type":"response.completed"}`, "response", string(full))
	emit("response.completed", completed)
}
