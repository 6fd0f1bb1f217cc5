package codec

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// AnthropicToOpenAIRequest converts an Anthropic Messages request into the
// OpenAI Chat Completions shape.
func AnthropicToOpenAIRequest(rawJSON []byte) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)
	if !root.Get("messages").Exists() {
		return nil, conversionErr("messages", "missing field")
	}

	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", root.Get("model").String())

	// Anthropic keeps the system prompt out of the message list.
	if system := root.Get("system"); system.Exists() {
		text := system.String()
		if system.IsArray() {
			var parts []string
			system.ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "text" {
					parts = append(parts, block.Get("text").String())
				}
				return true
			})
			text = strings.Join(parts, "\n")
		}
		if text != "" {
			out, _ = sjson.Set(out, "messages.-1", map[string]any{"role": "system", "content": text})
		}
	}

	var convErr error
	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		content := message.Get("content")

		if !content.IsArray() {
			out, _ = sjson.Set(out, "messages.-1", map[string]any{"role": role, "content": content.String()})
			return true
		}

		var textParts []string
		var toolCalls []map[string]any
		content.ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				textParts = append(textParts, block.Get("text").String())
			case "tool_use":
				args := block.Get("input").Raw
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, map[string]any{
					"id":   block.Get("id").String(),
					"type": "function",
					"function": map[string]any{
						"name":      block.Get("name").String(),
						"arguments": args,
					},
				})
			case "tool_result":
				// Tool results become their own OpenAI "tool" role messages.
				resultText := block.Get("content").String()
				if block.Get("content").IsArray() {
					var rp []string
					block.Get("content").ForEach(func(_, rb gjson.Result) bool {
						if rb.Get("type").String() == "text" {
							rp = append(rp, rb.Get("text").String())
						}
						return true
					})
					resultText = strings.Join(rp, "\n")
				}
				out, _ = sjson.Set(out, "messages.-1", map[string]any{
					"role":         "tool",
					"tool_call_id": block.Get("tool_use_id").String(),
					"content":      resultText,
				})
			case "":
				convErr = conversionErr("messages.content.type", "missing block type")
				return false
			}
			return true
		})
		if convErr != nil {
			return false
		}

		if len(textParts) > 0 || len(toolCalls) > 0 {
			msg := map[string]any{"role": role, "content": strings.Join(textParts, "")}
			if len(toolCalls) > 0 {
				msg["tool_calls"] = toolCalls
			}
			out, _ = sjson.Set(out, "messages.-1", msg)
		}
		return true
	})
	if convErr != nil {
		return nil, convErr
	}

	if tools := root.Get("tools"); tools.IsArray() {
		tools.ForEach(func(_, tool gjson.Result) bool {
			params := tool.Get("input_schema").Value()
			if params == nil {
				params = map[string]any{"type": "object"}
			}
			out, _ = sjson.Set(out, "tools.-1", map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Get("name").String(),
					"description": tool.Get("description").String(),
					"parameters":  params,
				},
			})
			return true
		})
	}

	if choice := root.Get("tool_choice"); choice.Exists() {
		switch choice.Get("type").String() {
		case "auto":
			out, _ = sjson.Set(out, "tool_choice", "auto")
		case "any":
			out, _ = sjson.Set(out, "tool_choice", "required")
		case "tool":
			out, _ = sjson.Set(out, "tool_choice", map[string]any{
				"type":     "function",
				"function": map[string]any{"name": choice.Get("name").String()},
			})
		}
	}

	for _, field := range []string{"max_tokens", "temperature", "top_p", "stream"} {
		if v := root.Get(field); v.Exists() {
			out, _ = sjson.Set(out, field, v.Value())
		}
	}
	if stops := root.Get("stop_sequences"); stops.IsArray() {
		out, _ = sjson.Set(out, "stop", stops.Value())
	}

	return []byte(out), nil
}

// OpenAIToAnthropicRequest converts an OpenAI Chat Completions request into
// the Anthropic Messages shape.
func OpenAIToAnthropicRequest(rawJSON []byte) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)
	if !root.Get("messages").Exists() {
		return nil, conversionErr("messages", "missing field")
	}

	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", root.Get("model").String())

	// Anthropic requires max_tokens; supply a ceiling when the client omits it.
	maxTokens := root.Get("max_tokens").Int()
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	out, _ = sjson.Set(out, "max_tokens", maxTokens)

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		switch role {
		case "system":
			out, _ = sjson.Set(out, "system", message.Get("content").String())
		case "tool":
			out, _ = sjson.Set(out, "messages.-1", map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": message.Get("tool_call_id").String(),
					"content":     message.Get("content").String(),
				}},
			})
		case "assistant":
			var blocks []map[string]any
			if text := message.Get("content").String(); text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			}
			message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
				var input any
				if err := json.Unmarshal([]byte(call.Get("function.arguments").String()), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    call.Get("id").String(),
					"name":  call.Get("function.name").String(),
					"input": input,
				})
				return true
			})
			if len(blocks) > 0 {
				out, _ = sjson.Set(out, "messages.-1", map[string]any{"role": "assistant", "content": blocks})
			}
		default:
			out, _ = sjson.Set(out, "messages.-1", map[string]any{"role": role, "content": message.Get("content").String()})
		}
		return true
	})

	if tools := root.Get("tools"); tools.IsArray() {
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := tool.Get("function")
			schema := fn.Get("parameters").Value()
			if schema == nil {
				schema = map[string]any{"type": "object"}
			}
			out, _ = sjson.Set(out, "tools.-1", map[string]any{
				"name":         fn.Get("name").String(),
				"description":  fn.Get("description").String(),
				"input_schema": schema,
			})
			return true
		})
	}

	if choice := root.Get("tool_choice"); choice.Exists() {
		switch {
		case choice.String() == "auto":
			out, _ = sjson.Set(out, "tool_choice", map[string]any{"type": "auto"})
		case choice.String() == "required":
			out, _ = sjson.Set(out, "tool_choice", map[string]any{"type": "any"})
		case choice.Get("function.name").Exists():
			out, _ = sjson.Set(out, "tool_choice", map[string]any{
				"type": "tool",
				"name": choice.Get("function.name").String(),
			})
		}
	}

	for _, field := range []string{"temperature", "top_p", "stream"} {
		if v := root.Get(field); v.Exists() {
			out, _ = sjson.Set(out, field, v.Value())
		}
	}
	if stop := root.Get("stop"); stop.Exists() {
		if stop.IsArray() {
			out, _ = sjson.Set(out, "stop_sequences", stop.Value())
		} else {
			out, _ = sjson.Set(out, "stop_sequences", []string{stop.String()})
		}
	}

	return []byte(out), nil
}

// StopReasonToAnthropic maps an OpenAI finish_reason to an Anthropic
// stop_reason. Unknown reasons pass through unchanged.
func StopReasonToAnthropic(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	}
	return reason
}

// StopReasonToOpenAI is the inverse of StopReasonToAnthropic.
func StopReasonToOpenAI(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	}
	return reason
}

// OpenAIToAnthropicResponse converts a non-stream OpenAI Chat Completions
// response into the Anthropic Messages shape.
func OpenAIToAnthropicResponse(rawJSON []byte) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)
	if !root.Get("choices").Exists() {
		return nil, conversionErr("choices", "missing field")
	}

	out := `{"type":"message","role":"assistant","content":[]}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "model", root.Get("model").String())

	choice := root.Get("choices.0")
	message := choice.Get("message")

	if text := message.Get("content").String(); text != "" {
		out, _ = sjson.Set(out, "content.-1", map[string]any{"type": "text", "text": text})
	}
	message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		var input any
		if err := json.Unmarshal([]byte(call.Get("function.arguments").String()), &input); err != nil {
			input = map[string]any{}
		}
		out, _ = sjson.Set(out, "content.-1", map[string]any{
			"type":  "tool_use",
			"id":    call.Get("id").String(),
			"name":  call.Get("function.name").String(),
			"input": input,
		})
		return true
	})

	out, _ = sjson.Set(out, "stop_reason", StopReasonToAnthropic(choice.Get("finish_reason").String()))
	out, _ = sjson.Set(out, "stop_sequence", nil)
	out, _ = sjson.Set(out, "usage", map[string]any{
		"input_tokens":  root.Get("usage.prompt_tokens").Int(),
		"output_tokens": root.Get("usage.completion_tokens").Int(),
	})

	return []byte(out), nil
}

// AnthropicToOpenAIResponse converts a non-stream Anthropic Messages response
// into the OpenAI Chat Completions shape.
func AnthropicToOpenAIResponse(rawJSON []byte) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)
	if !root.Get("content").Exists() {
		return nil, conversionErr("content", "missing field")
	}

	out := `{"object":"chat.completion","choices":[]}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "model", root.Get("model").String())

	var textParts []string
	var toolCalls []map[string]any
	root.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			textParts = append(textParts, block.Get("text").String())
		case "tool_use":
			args := block.Get("input").Raw
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": args,
				},
			})
		}
		return true
	})

	message := map[string]any{"role": "assistant", "content": strings.Join(textParts, "")}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	out, _ = sjson.Set(out, "choices.-1", map[string]any{
		"index":         0,
		"message":       message,
		"finish_reason": StopReasonToOpenAI(root.Get("stop_reason").String()),
	})
	out, _ = sjson.Set(out, "usage", map[string]any{
		"prompt_tokens":     root.Get("usage.input_tokens").Int(),
		"completion_tokens": root.Get("usage.output_tokens").Int(),
		"total_tokens":      root.Get("usage.input_tokens").Int() + root.Get("usage.output_tokens").Int(),
	})

	return []byte(out), nil
}
