package codec

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// anthropicEvent renders one Anthropic SSE frame: event line, data line,
// blank-line terminator.
func anthropicEvent(name, payload string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, payload)
}

// AnthropicStreamState converts OpenAI Chat Completions stream chunks into
// Anthropic Messages events. One state instance serves exactly one stream;
// it is not safe for concurrent use.
type AnthropicStreamState struct {
	started      bool
	messageID    string
	model        string
	blockIndex   int
	textOpen     bool
	toolOpen     bool
	finishReason string
	outputTokens int64
}

// NewAnthropicStreamState creates stream conversion state for one request.
func NewAnthropicStreamState() *AnthropicStreamState {
	return &AnthropicStreamState{blockIndex: -1}
}

func (s *AnthropicStreamState) ensureStarted(chunk gjson.Result) []string {
	if s.started {
		return nil
	}
	s.started = true
	s.messageID = chunk.Get("id").String()
	if s.messageID == "" {
		s.messageID = "msg_stream"
	}
	s.model = chunk.Get("model").String()
	start := `{"type":"message_start","message":{"type":"message","role":"assistant","content":[],"stop_reason":null,"usage":{"input_tokens":0,"output_tokens":0}}}`
	start, _ = sjson.Set(start, "message.id", s.messageID)
	start, _ = sjson.Set(start, "message.model", s.model)
	return []string{anthropicEvent("message_start", start)}
}

func (s *AnthropicStreamState) closeOpenBlock() []string {
	if !s.textOpen && !s.toolOpen {
		return nil
	}
	s.textOpen = false
	s.toolOpen = false
	stop, _ := sjson.Set(`{"type":"content_block_stop"}`, "index", s.blockIndex)
	return []string{anthropicEvent("content_block_stop", stop)}
}

// ConvertChunk translates a single OpenAI chat.completion.chunk JSON payload
// into zero or more Anthropic SSE frames.
func (s *AnthropicStreamState) ConvertChunk(chunkJSON []byte) []string {
	chunk := gjson.ParseBytes(chunkJSON)
	frames := s.ensureStarted(chunk)

	choice := chunk.Get("choices.0")
	delta := choice.Get("delta")

	if text := delta.Get("content").String(); text != "" {
		if s.toolOpen {
			frames = append(frames, s.closeOpenBlock()...)
		}
		if !s.textOpen {
			s.blockIndex++
			s.textOpen = true
			start := `{"type":"content_block_start","content_block":{"type":"text","text":""}}`
			start, _ = sjson.Set(start, "index", s.blockIndex)
			frames = append(frames, anthropicEvent("content_block_start", start))
		}
		d := `{"type":"content_block_delta","delta":{"type":"text_delta"}}`
		d, _ = sjson.Set(d, "index", s.blockIndex)
		d, _ = sjson.Set(d, "delta.text", text)
		frames = append(frames, anthropicEvent("content_block_delta", d))
		s.outputTokens++
	}

	delta.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		if name := call.Get("function.name").String(); name != "" {
			frames = append(frames, s.closeOpenBlock()...)
			s.blockIndex++
			s.toolOpen = true
			start := `{"type":"content_block_start","content_block":{"type":"tool_use","input":{}}}`
			start, _ = sjson.Set(start, "index", s.blockIndex)
			start, _ = sjson.Set(start, "content_block.id", call.Get("id").String())
			start, _ = sjson.Set(start, "content_block.name", name)
			frames = append(frames, anthropicEvent("content_block_start", start))
		}
		if args := call.Get("function.arguments").String(); args != "" && s.toolOpen {
			d := `{"type":"content_block_delta","delta":{"type":"input_json_delta"}}`
			d, _ = sjson.Set(d, "index", s.blockIndex)
			d, _ = sjson.Set(d, "delta.partial_json", args)
			frames = append(frames, anthropicEvent("content_block_delta", d))
		}
		return true
	})

	if reason := choice.Get("finish_reason").String(); reason != "" && reason != "null" {
		s.finishReason = reason
	}
	if usage := chunk.Get("usage.completion_tokens"); usage.Exists() {
		s.outputTokens = usage.Int()
	}

	return frames
}

// Finish closes any open block and emits message_delta plus message_stop.
// Call exactly once after the upstream stream ends.
func (s *AnthropicStreamState) Finish() []string {
	frames := s.closeOpenBlock()
	reason := s.finishReason
	if reason == "" {
		reason = "stop"
	}
	d := `{"type":"message_delta","delta":{},"usage":{}}`
	d, _ = sjson.Set(d, "delta.stop_reason", StopReasonToAnthropic(reason))
	d, _ = sjson.Set(d, "delta.stop_sequence", nil)
	d, _ = sjson.Set(d, "usage.output_tokens", s.outputTokens)
	frames = append(frames, anthropicEvent("message_delta", d))
	frames = append(frames, anthropicEvent("message_stop", `{"type":"message_stop"}`))
	return frames
}

// chatChunk renders one OpenAI chat chunk frame.
func chatChunk(payload string) string {
	return "data: " + payload + "\n\n"
}

// OpenAIStreamState converts Anthropic Messages events into OpenAI Chat
// Completions chunks, the hub shape the other stream states consume. One
// instance per stream.
type OpenAIStreamState struct {
	messageID    string
	model        string
	toolIndex    int
	toolOpen     bool
	finishReason string
	inputTokens  int64
	outputTokens int64
}

// NewOpenAIStreamState creates stream conversion state for one request.
func NewOpenAIStreamState() *OpenAIStreamState {
	return &OpenAIStreamState{toolIndex: -1}
}

func (s *OpenAIStreamState) chunk() string {
	c := `{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	c, _ = sjson.Set(c, "id", s.messageID)
	c, _ = sjson.Set(c, "model", s.model)
	return c
}

// ConvertChunk translates a single Anthropic event payload into zero or more
// OpenAI chat chunk frames.
func (s *OpenAIStreamState) ConvertChunk(eventJSON []byte) []string {
	event := gjson.ParseBytes(eventJSON)
	switch event.Get("type").String() {
	case "message_start":
		s.messageID = event.Get("message.id").String()
		if s.messageID == "" {
			s.messageID = "chatcmpl_stream"
		}
		s.model = event.Get("message.model").String()
		s.inputTokens = event.Get("message.usage.input_tokens").Int()
		c, _ := sjson.Set(s.chunk(), "choices.0.delta.role", "assistant")
		return []string{chatChunk(c)}

	case "content_block_start":
		block := event.Get("content_block")
		if block.Get("type").String() != "tool_use" {
			return nil
		}
		s.toolIndex++
		s.toolOpen = true
		c := s.chunk()
		c, _ = sjson.Set(c, "choices.0.delta.tool_calls.0.index", s.toolIndex)
		c, _ = sjson.Set(c, "choices.0.delta.tool_calls.0.id", block.Get("id").String())
		c, _ = sjson.Set(c, "choices.0.delta.tool_calls.0.type", "function")
		c, _ = sjson.Set(c, "choices.0.delta.tool_calls.0.function.name", block.Get("name").String())
		c, _ = sjson.Set(c, "choices.0.delta.tool_calls.0.function.arguments", "")
		return []string{chatChunk(c)}

	case "content_block_delta":
		delta := event.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			c, _ := sjson.Set(s.chunk(), "choices.0.delta.content", delta.Get("text").String())
			return []string{chatChunk(c)}
		case "input_json_delta":
			if !s.toolOpen {
				return nil
			}
			c := s.chunk()
			c, _ = sjson.Set(c, "choices.0.delta.tool_calls.0.index", s.toolIndex)
			c, _ = sjson.Set(c, "choices.0.delta.tool_calls.0.function.arguments", delta.Get("partial_json").String())
			return []string{chatChunk(c)}
		}
		return nil

	case "content_block_stop":
		s.toolOpen = false
		return nil

	case "message_delta":
		if reason := event.Get("delta.stop_reason").String(); reason != "" {
			s.finishReason = StopReasonToOpenAI(reason)
		}
		if out := event.Get("usage.output_tokens"); out.Exists() {
			s.outputTokens = out.Int()
		}
		return nil
	}
	return nil
}

// Finish emits the terminal chunk carrying finish_reason and usage.
func (s *OpenAIStreamState) Finish() []string {
	reason := s.finishReason
	if reason == "" {
		reason = "stop"
	}
	c := s.chunk()
	c, _ = sjson.Set(c, "choices.0.finish_reason", reason)
	c, _ = sjson.Set(c, "usage.prompt_tokens", s.inputTokens)
	c, _ = sjson.Set(c, "usage.completion_tokens", s.outputTokens)
	c, _ = sjson.Set(c, "usage.total_tokens", s.inputTokens+s.outputTokens)
	return []string{chatChunk(c)}
}

// ResponsesStreamState converts OpenAI Chat Completions stream chunks into
// OpenAI Responses events. One instance per stream.
type ResponsesStreamState struct {
	started      bool
	responseID   string
	model        string
	itemOpen     bool
	sequence     int
	finishReason string
	text         string
}

// NewResponsesStreamState creates stream conversion state for one request.
// A non-empty responseID pins the emitted response id (tool-output
// submissions address an existing response by path); empty derives it from
// the first chunk.
func NewResponsesStreamState(responseID string) *ResponsesStreamState {
	return &ResponsesStreamState{responseID: responseID}
}

func (s *ResponsesStreamState) event(name, payload string) string {
	s.sequence++
	payload, _ = sjson.Set(payload, "sequence_number", s.sequence)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, payload)
}

// ConvertChunk translates a single chat.completion.chunk payload into zero or
// more Responses SSE frames.
func (s *ResponsesStreamState) ConvertChunk(chunkJSON []byte) []string {
	chunk := gjson.ParseBytes(chunkJSON)
	var frames []string

	if !s.started {
		s.started = true
		if s.responseID == "" {
			s.responseID = chunk.Get("id").String()
		}
		if s.responseID == "" {
			s.responseID = "resp_stream"
		}
		s.model = chunk.Get("model").String()
		created := `{"type":"response.created","response":{"object":"response","status":"in_progress"}}`
		created, _ = sjson.Set(created, "response.id", s.responseID)
		created, _ = sjson.Set(created, "response.model", s.model)
		frames = append(frames, s.event("response.created", created))
	}

	choice := chunk.Get("choices.0")
	delta := choice.Get("delta")

	if text := delta.Get("content").String(); text != "" {
		if !s.itemOpen {
			s.itemOpen = true
			added := `{"type":"response.output_item.added","output_index":0,"item":{"type":"message","role":"assistant","content":[]}}`
			added, _ = sjson.Set(added, "item.id", "msg_"+s.responseID)
			frames = append(frames, s.event("response.output_item.added", added))
		}
		s.text += text
		d := `{"type":"response.output_text.delta","output_index":0,"content_index":0}`
		d, _ = sjson.Set(d, "item_id", "msg_"+s.responseID)
		d, _ = sjson.Set(d, "delta", text)
		frames = append(frames, s.event("response.output_text.delta", d))
	}

	if reason := choice.Get("finish_reason").String(); reason != "" && reason != "null" {
		s.finishReason = reason
	}

	return frames
}

// Finish emits the terminal response.completed event.
func (s *ResponsesStreamState) Finish() []string {
	var frames []string
	if s.itemOpen {
		done := `{"type":"response.output_text.done","output_index":0,"content_index":0}`
		done, _ = sjson.Set(done, "item_id", "msg_"+s.responseID)
		done, _ = sjson.Set(done, "text", s.text)
		frames = append(frames, s.event("response.output_text.done", done))
	}
	completed := `{"type":"response.completed","response":{"object":"response","status":"completed"}}`
	completed, _ = sjson.Set(completed, "response.id", s.responseID)
	completed, _ = sjson.Set(completed, "response.model", s.model)
	frames = append(frames, s.event("response.completed", completed))
	return frames
}
