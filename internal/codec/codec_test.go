package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestAnthropicToOpenAIRequest(t *testing.T) {
	in := `{
		"model": "claude-test",
		"max_tokens": 512,
		"system": "be terse",
		"messages": [
			{"role": "user", "content": "ping"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "calling"},
				{"type": "tool_use", "id": "tu_1", "name": "get_weather", "input": {"city": "Oslo"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "tu_1", "content": "cloudy"}
			]}
		],
		"tools": [{"name": "get_weather", "description": "weather lookup", "input_schema": {"type": "object"}}],
		"tool_choice": {"type": "any"},
		"stop_sequences": ["END"]
	}`
	out, err := AnthropicToOpenAIRequest([]byte(in))
	require.NoError(t, err)
	root := gjson.ParseBytes(out)

	assert.Equal(t, "claude-test", root.Get("model").String())
	assert.Equal(t, "system", root.Get("messages.0.role").String())
	assert.Equal(t, "be terse", root.Get("messages.0.content").String())
	assert.Equal(t, "ping", root.Get("messages.1.content").String())
	assert.Equal(t, "calling", root.Get("messages.2.content").String())
	assert.Equal(t, "tu_1", root.Get("messages.2.tool_calls.0.id").String())
	assert.Equal(t, "get_weather", root.Get("messages.2.tool_calls.0.function.name").String())
	assert.Equal(t, `{"city": "Oslo"}`, root.Get("messages.2.tool_calls.0.function.arguments").String())
	assert.Equal(t, "tool", root.Get("messages.3.role").String())
	assert.Equal(t, "tu_1", root.Get("messages.3.tool_call_id").String())
	assert.Equal(t, "cloudy", root.Get("messages.3.content").String())
	assert.Equal(t, "get_weather", root.Get("tools.0.function.name").String())
	assert.Equal(t, "required", root.Get("tool_choice").String())
	assert.Equal(t, int64(512), root.Get("max_tokens").Int())
	assert.Equal(t, "END", root.Get("stop.0").String())
}

func TestAnthropicToOpenAIRequestMissingMessages(t *testing.T) {
	_, err := AnthropicToOpenAIRequest([]byte(`{"model":"m"}`))
	require.Error(t, err)
	var convErr *ErrConversion
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, "messages", convErr.Path)
}

func TestOpenAIToAnthropicRequest(t *testing.T) {
	in := `{
		"model": "gpt-test",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "ping"},
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "cloudy"}
		],
		"tools": [{"type": "function", "function": {"name": "get_weather", "parameters": {"type": "object"}}}],
		"tool_choice": "required",
		"stop": "END"
	}`
	out, err := OpenAIToAnthropicRequest([]byte(in))
	require.NoError(t, err)
	root := gjson.ParseBytes(out)

	assert.Equal(t, "be terse", root.Get("system").String())
	assert.Equal(t, int64(4096), root.Get("max_tokens").Int(), "omitted max_tokens gets the default ceiling")
	assert.Equal(t, "ping", root.Get("messages.0.content").String())
	assert.Equal(t, "tool_use", root.Get("messages.1.content.0.type").String())
	assert.Equal(t, "call_1", root.Get("messages.1.content.0.id").String())
	assert.Equal(t, "Oslo", root.Get("messages.1.content.0.input.city").String())
	assert.Equal(t, "tool_result", root.Get("messages.2.content.0.type").String())
	assert.Equal(t, "call_1", root.Get("messages.2.content.0.tool_use_id").String())
	assert.Equal(t, "get_weather", root.Get("tools.0.name").String())
	assert.Equal(t, "any", root.Get("tool_choice.type").String())
	assert.Equal(t, "END", root.Get("stop_sequences.0").String())
}

func TestStopReasonMaps(t *testing.T) {
	tests := []struct {
		openai    string
		anthropic string
	}{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"tool_calls", "tool_use"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.anthropic, StopReasonToAnthropic(tt.openai))
		assert.Equal(t, tt.openai, StopReasonToOpenAI(tt.anthropic))
	}
	assert.Equal(t, "weird", StopReasonToAnthropic("weird"), "unknown reasons pass through")
	assert.Equal(t, "weird", StopReasonToOpenAI("weird"))
}

func TestOpenAIToAnthropicResponse(t *testing.T) {
	in := `{
		"id": "chatcmpl-1",
		"model": "gpt-test",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "pong", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"}}
			]},
			"finish_reason": "tool_calls"
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 4}
	}`
	out, err := OpenAIToAnthropicResponse([]byte(in))
	require.NoError(t, err)
	root := gjson.ParseBytes(out)

	assert.Equal(t, "message", root.Get("type").String())
	assert.Equal(t, "assistant", root.Get("role").String())
	assert.Equal(t, "pong", root.Get("content.0.text").String())
	assert.Equal(t, "tool_use", root.Get("content.1.type").String())
	assert.Equal(t, "Oslo", root.Get("content.1.input.city").String())
	assert.Equal(t, "tool_use", root.Get("stop_reason").String())
	assert.Equal(t, int64(10), root.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(4), root.Get("usage.output_tokens").Int())
}

func TestAnthropicToOpenAIResponse(t *testing.T) {
	in := `{
		"id": "msg_1",
		"model": "claude-test",
		"content": [
			{"type": "text", "text": "pong"},
			{"type": "tool_use", "id": "tu_1", "name": "get_weather", "input": {"city": "Oslo"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 10, "output_tokens": 4}
	}`
	out, err := AnthropicToOpenAIResponse([]byte(in))
	require.NoError(t, err)
	root := gjson.ParseBytes(out)

	assert.Equal(t, "chat.completion", root.Get("object").String())
	assert.Equal(t, "pong", root.Get("choices.0.message.content").String())
	assert.Equal(t, "tu_1", root.Get("choices.0.message.tool_calls.0.id").String())
	assert.Equal(t, "tool_calls", root.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(14), root.Get("usage.total_tokens").Int())
}

func TestResponsesToOpenAIRequest(t *testing.T) {
	in := `{
		"model": "gpt-test",
		"instructions": "be terse",
		"input": [
			{"type": "message", "role": "user", "content": [{"type": "input_text", "text": "ping"}]},
			{"type": "function_call", "call_id": "call_1", "name": "get_weather", "arguments": "{\"city\":\"Oslo\"}"},
			{"type": "function_call_output", "call_id": "call_1", "output": "cloudy"}
		],
		"tools": [{"type": "function", "name": "get_weather", "parameters": {"type": "object"}}],
		"max_output_tokens": 256
	}`
	out, err := ResponsesToOpenAIRequest([]byte(in))
	require.NoError(t, err)
	root := gjson.ParseBytes(out)

	assert.Equal(t, "system", root.Get("messages.0.role").String())
	assert.Equal(t, "ping", root.Get("messages.1.content").String())
	assert.Equal(t, "call_1", root.Get("messages.2.tool_calls.0.id").String())
	assert.Equal(t, "tool", root.Get("messages.3.role").String())
	assert.Equal(t, "cloudy", root.Get("messages.3.content").String())
	assert.Equal(t, "get_weather", root.Get("tools.0.function.name").String())
	assert.Equal(t, int64(256), root.Get("max_tokens").Int())
}

func TestResponsesToOpenAIRequestStringInput(t *testing.T) {
	out, err := ResponsesToOpenAIRequest([]byte(`{"model":"m","input":"ping"}`))
	require.NoError(t, err)
	root := gjson.ParseBytes(out)
	assert.Equal(t, "user", root.Get("messages.0.role").String())
	assert.Equal(t, "ping", root.Get("messages.0.content").String())

	_, err = ResponsesToOpenAIRequest([]byte(`{"model":"m","input":7}`))
	require.Error(t, err)
}

func TestOpenAIToResponsesRequest(t *testing.T) {
	in := `{
		"model": "gpt-test",
		"max_tokens": 128,
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "ping"},
			{"role": "assistant", "content": "calling", "tool_calls": [
				{"id": "call_1", "function": {"name": "get_weather", "arguments": "{}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "cloudy"}
		]
	}`
	out, err := OpenAIToResponsesRequest([]byte(in))
	require.NoError(t, err)
	root := gjson.ParseBytes(out)

	assert.Equal(t, "be terse", root.Get("instructions").String())
	assert.Equal(t, "input_text", root.Get("input.0.content.0.type").String())
	assert.Equal(t, "output_text", root.Get("input.1.content.0.type").String())
	assert.Equal(t, "function_call", root.Get("input.2.type").String())
	assert.Equal(t, "function_call_output", root.Get("input.3.type").String())
	assert.Equal(t, int64(128), root.Get("max_output_tokens").Int())
}

func TestOpenAIToResponsesResponseIncomplete(t *testing.T) {
	in := `{
		"id": "chatcmpl-1",
		"model": "gpt-test",
		"created": 1700000000,
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "trunc"}, "finish_reason": "length"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 9, "total_tokens": 14}
	}`
	out, err := OpenAIToResponsesResponse([]byte(in))
	require.NoError(t, err)
	root := gjson.ParseBytes(out)

	assert.Equal(t, "response", root.Get("object").String())
	assert.Equal(t, "incomplete", root.Get("status").String())
	assert.Equal(t, "max_output_tokens", root.Get("incomplete_details.reason").String())
	assert.Equal(t, "trunc", root.Get("output.0.content.0.text").String())
	assert.Equal(t, int64(1700000000), root.Get("created_at").Int())
	assert.Equal(t, int64(14), root.Get("usage.total_tokens").Int())
}

func TestResponsesToOpenAIResponse(t *testing.T) {
	in := `{
		"id": "resp_1",
		"model": "gpt-test",
		"status": "completed",
		"output": [
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "pong"}]},
			{"type": "function_call", "call_id": "call_1", "name": "get_weather", "arguments": "{}"}
		],
		"usage": {"input_tokens": 5, "output_tokens": 2, "total_tokens": 7}
	}`
	out, err := ResponsesToOpenAIResponse([]byte(in))
	require.NoError(t, err)
	root := gjson.ParseBytes(out)

	assert.Equal(t, "pong", root.Get("choices.0.message.content").String())
	assert.Equal(t, "tool_calls", root.Get("choices.0.finish_reason").String())
	assert.Equal(t, "call_1", root.Get("choices.0.message.tool_calls.0.id").String())
}

func TestResponsesToOpenAIResponseNestedEnvelope(t *testing.T) {
	in := `{"response": {"id": "resp_1", "output": [{"type": "message", "content": [{"type": "output_text", "text": "pong"}]}], "status": "completed"}}`
	out, err := ResponsesToOpenAIResponse([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, "pong", gjson.GetBytes(out, "choices.0.message.content").String())
}

func TestFacadePassthroughAndHub(t *testing.T) {
	f := NewFacade()
	payload := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)

	out, err := f.ConvertRequest(payload, ProtocolOpenAI, ProtocolOpenAI, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, out, "identical protocols pass through untouched")

	out, err = f.ConvertRequest(payload, ProtocolOpenAI, ProtocolGemini, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, out, "gemini collapses onto the openai codec")

	assert.Equal(t, ProtocolOpenAI, HubProtocol(ProtocolGemini))
	assert.Equal(t, ProtocolOpenAI, HubProtocol(ProtocolGeminiCLI))
	assert.Equal(t, ProtocolAnthropic, HubProtocol(ProtocolAnthropic))
}

func TestFacadeTwoHopConversion(t *testing.T) {
	f := NewFacade()
	in := []byte(`{"model":"m","max_tokens":64,"messages":[{"role":"user","content":"ping"}]}`)

	out, err := f.ConvertRequest(in, ProtocolAnthropic, ProtocolResponses, nil)
	require.NoError(t, err)
	root := gjson.ParseBytes(out)
	assert.Equal(t, "ping", root.Get("input.0.content.0.text").String())
	assert.Equal(t, int64(64), root.Get("max_output_tokens").Int())
}

func TestFromString(t *testing.T) {
	assert.Equal(t, ProtocolOpenAI, FromString("openai"))
	assert.Equal(t, ProtocolOpenAI, FromString("openai-chat"))
	assert.Equal(t, ProtocolResponses, FromString("openai-responses"))
	assert.Equal(t, ProtocolAnthropic, FromString("anthropic"))
	assert.Equal(t, ProtocolGeminiCLI, FromString("gemini-cli"))
	assert.Equal(t, ProtocolOpenAI, FromString("unknown"))
}

func TestAnthropicStreamStateToolCallSequence(t *testing.T) {
	s := NewAnthropicStreamState()

	var events []string
	collect := func(frames []string) {
		for _, f := range frames {
			line := strings.SplitN(f, "\n", 2)[0]
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}

	collect(s.ConvertChunk([]byte(`{"id":"c1","model":"m","choices":[{"delta":{"content":"Let me check."}}]}`)))
	collect(s.ConvertChunk([]byte(`{"id":"c1","choices":[{"delta":{"tool_calls":[{"id":"call_1","function":{"name":"get_weather"}}]}}]}`)))
	collect(s.ConvertChunk([]byte(`{"id":"c1","choices":[{"delta":{"tool_calls":[{"function":{"arguments":"{\"city\":"}}]}}]}`)))
	collect(s.ConvertChunk([]byte(`{"id":"c1","choices":[{"delta":{},"finish_reason":"tool_calls"}]}`)))
	collect(s.Finish())

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
	}, events)
}

func TestAnthropicStreamStateStopReason(t *testing.T) {
	s := NewAnthropicStreamState()
	s.ConvertChunk([]byte(`{"id":"c1","choices":[{"delta":{"content":"hi"}}]}`))
	s.ConvertChunk([]byte(`{"id":"c1","choices":[{"delta":{},"finish_reason":"tool_calls"}]}`))

	frames := s.Finish()
	var deltaPayload string
	for _, f := range frames {
		if strings.HasPrefix(f, "event: message_delta") {
			for _, line := range strings.Split(f, "\n") {
				if strings.HasPrefix(line, "data: ") {
					deltaPayload = strings.TrimPrefix(line, "data: ")
				}
			}
		}
	}
	require.NotEmpty(t, deltaPayload)
	assert.Equal(t, "tool_use", gjson.Get(deltaPayload, "delta.stop_reason").String())
}

func TestResponsesStreamStateSequence(t *testing.T) {
	s := NewResponsesStreamState("")

	frames := s.ConvertChunk([]byte(`{"id":"c1","model":"m","choices":[{"delta":{"content":"po"}}]}`))
	frames = append(frames, s.ConvertChunk([]byte(`{"id":"c1","choices":[{"delta":{"content":"ng"}}]}`))...)
	frames = append(frames, s.Finish()...)

	var names []string
	lastSeq := int64(0)
	for _, f := range frames {
		lines := strings.Split(strings.TrimSpace(f), "\n")
		names = append(names, strings.TrimPrefix(lines[0], "event: "))
		payload := strings.TrimPrefix(lines[1], "data: ")
		seq := gjson.Get(payload, "sequence_number").Int()
		assert.Greater(t, seq, lastSeq, "sequence numbers strictly increase")
		lastSeq = seq
	}
	assert.Equal(t, []string{
		"response.created",
		"response.output_item.added",
		"response.output_text.delta",
		"response.output_text.delta",
		"response.output_text.done",
		"response.completed",
	}, names)

	last := frames[len(frames)-1]
	payload := strings.TrimPrefix(strings.Split(strings.TrimSpace(last), "\n")[1], "data: ")
	assert.Equal(t, "completed", gjson.Get(payload, "response.status").String())
}

func TestResponsesStreamStatePinnedID(t *testing.T) {
	s := NewResponsesStreamState("resp_from_path")

	frames := s.ConvertChunk([]byte(`{"id":"chatcmpl-9","choices":[{"delta":{"content":"x"}}]}`))
	frames = append(frames, s.Finish()...)
	for _, f := range frames {
		payload := strings.TrimPrefix(strings.Split(strings.TrimSpace(f), "\n")[1], "data: ")
		if id := gjson.Get(payload, "response.id"); id.Exists() {
			assert.Equal(t, "resp_from_path", id.String())
		}
	}
}

func TestOpenAIStreamStateFromAnthropic(t *testing.T) {
	s := NewOpenAIStreamState()

	var payloads []string
	collect := func(frames []string) {
		for _, f := range frames {
			payloads = append(payloads, strings.TrimPrefix(strings.TrimSpace(f), "data: "))
		}
	}

	collect(s.ConvertChunk([]byte(`{"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet-4","usage":{"input_tokens":9}}}`)))
	collect(s.ConvertChunk([]byte(`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)))
	collect(s.ConvertChunk([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"po"}}`)))
	collect(s.ConvertChunk([]byte(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ng"}}`)))
	collect(s.ConvertChunk([]byte(`{"type":"content_block_stop","index":0}`)))
	collect(s.ConvertChunk([]byte(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"get_weather"}}`)))
	collect(s.ConvertChunk([]byte(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":\"Oslo\"}"}}`)))
	collect(s.ConvertChunk([]byte(`{"type":"content_block_stop","index":1}`)))
	collect(s.ConvertChunk([]byte(`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":4}}`)))
	collect(s.ConvertChunk([]byte(`{"type":"message_stop"}`)))
	collect(s.Finish())

	require.Len(t, payloads, 6, "role, two text deltas, tool start, tool args, final chunk")

	first := gjson.Parse(payloads[0])
	assert.Equal(t, "msg_1", first.Get("id").String())
	assert.Equal(t, "claude-sonnet-4", first.Get("model").String())
	assert.Equal(t, "assistant", first.Get("choices.0.delta.role").String())

	var text strings.Builder
	for _, p := range payloads {
		text.WriteString(gjson.Get(p, "choices.0.delta.content").String())
	}
	assert.Equal(t, "pong", text.String())

	toolStart := gjson.Parse(payloads[3])
	assert.Equal(t, "tu_1", toolStart.Get("choices.0.delta.tool_calls.0.id").String())
	assert.Equal(t, "get_weather", toolStart.Get("choices.0.delta.tool_calls.0.function.name").String())
	assert.Equal(t, `{"city":"Oslo"}`, gjson.Get(payloads[4], "choices.0.delta.tool_calls.0.function.arguments").String())

	final := gjson.Parse(payloads[5])
	assert.Equal(t, "tool_calls", final.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(9), final.Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(4), final.Get("usage.completion_tokens").Int())
	assert.Equal(t, int64(13), final.Get("usage.total_tokens").Int())
}
