package codec

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ResponsesToOpenAIRequest converts an OpenAI Responses request into the Chat
// Completions shape.
func ResponsesToOpenAIRequest(rawJSON []byte) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)
	input := root.Get("input")
	if !input.Exists() {
		return nil, conversionErr("input", "missing field")
	}

	out := `{"model":"","messages":[]}`
	out, _ = sjson.Set(out, "model", root.Get("model").String())

	if instructions := root.Get("instructions").String(); instructions != "" {
		out, _ = sjson.Set(out, "messages.-1", map[string]any{"role": "system", "content": instructions})
	}

	if input.Type == gjson.String {
		out, _ = sjson.Set(out, "messages.-1", map[string]any{"role": "user", "content": input.String()})
	} else if input.IsArray() {
		input.ForEach(func(_, item gjson.Result) bool {
			switch item.Get("type").String() {
			case "message", "":
				role := item.Get("role").String()
				content := item.Get("content")
				text := content.String()
				if content.IsArray() {
					var parts []string
					content.ForEach(func(_, part gjson.Result) bool {
						switch part.Get("type").String() {
						case "input_text", "output_text", "text":
							parts = append(parts, part.Get("text").String())
						}
						return true
					})
					text = strings.Join(parts, "")
				}
				out, _ = sjson.Set(out, "messages.-1", map[string]any{"role": role, "content": text})
			case "function_call":
				args := item.Get("arguments").String()
				if args == "" {
					args = "{}"
				}
				out, _ = sjson.Set(out, "messages.-1", map[string]any{
					"role":    "assistant",
					"content": "",
					"tool_calls": []map[string]any{{
						"id":   item.Get("call_id").String(),
						"type": "function",
						"function": map[string]any{
							"name":      item.Get("name").String(),
							"arguments": args,
						},
					}},
				})
			case "function_call_output":
				out, _ = sjson.Set(out, "messages.-1", map[string]any{
					"role":         "tool",
					"tool_call_id": item.Get("call_id").String(),
					"content":      item.Get("output").String(),
				})
			}
			return true
		})
	} else {
		return nil, conversionErr("input", "expected string or array")
	}

	// Responses declares tools flat; chat nests them under "function".
	if tools := root.Get("tools"); tools.IsArray() {
		tools.ForEach(func(_, tool gjson.Result) bool {
			if tool.Get("type").String() != "function" {
				return true
			}
			params := tool.Get("parameters").Value()
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
		out, _ = sjson.Set(out, "tool_choice", choice.Value())
	}

	if v := root.Get("max_output_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_tokens", v.Int())
	}
	for _, field := range []string{"temperature", "top_p", "stream"} {
		if v := root.Get(field); v.Exists() {
			out, _ = sjson.Set(out, field, v.Value())
		}
	}

	return []byte(out), nil
}

// OpenAIToResponsesRequest converts a Chat Completions request into the
// Responses shape for providers that only speak the Responses API.
func OpenAIToResponsesRequest(rawJSON []byte) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)
	if !root.Get("messages").Exists() {
		return nil, conversionErr("messages", "missing field")
	}

	out := `{"model":"","input":[]}`
	out, _ = sjson.Set(out, "model", root.Get("model").String())

	root.Get("messages").ForEach(func(_, message gjson.Result) bool {
		role := message.Get("role").String()
		switch role {
		case "system":
			out, _ = sjson.Set(out, "instructions", message.Get("content").String())
		case "tool":
			out, _ = sjson.Set(out, "input.-1", map[string]any{
				"type":    "function_call_output",
				"call_id": message.Get("tool_call_id").String(),
				"output":  message.Get("content").String(),
			})
		case "assistant":
			if text := message.Get("content").String(); text != "" {
				out, _ = sjson.Set(out, "input.-1", map[string]any{
					"type": "message",
					"role": "assistant",
					"content": []map[string]any{
						{"type": "output_text", "text": text},
					},
				})
			}
			message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
				out, _ = sjson.Set(out, "input.-1", map[string]any{
					"type":      "function_call",
					"call_id":   call.Get("id").String(),
					"name":      call.Get("function.name").String(),
					"arguments": call.Get("function.arguments").String(),
				})
				return true
			})
		default:
			out, _ = sjson.Set(out, "input.-1", map[string]any{
				"type": "message",
				"role": role,
				"content": []map[string]any{
					{"type": "input_text", "text": message.Get("content").String()},
				},
			})
		}
		return true
	})

	if tools := root.Get("tools"); tools.IsArray() {
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := tool.Get("function")
			params := fn.Get("parameters").Value()
			if params == nil {
				params = map[string]any{"type": "object"}
			}
			out, _ = sjson.Set(out, "tools.-1", map[string]any{
				"type":        "function",
				"name":        fn.Get("name").String(),
				"description": fn.Get("description").String(),
				"parameters":  params,
			})
			return true
		})
	}

	if v := root.Get("max_tokens"); v.Exists() {
		out, _ = sjson.Set(out, "max_output_tokens", v.Int())
	}
	for _, field := range []string{"temperature", "top_p", "stream"} {
		if v := root.Get(field); v.Exists() {
			out, _ = sjson.Set(out, field, v.Value())
		}
	}

	return []byte(out), nil
}

// OpenAIToResponsesResponse converts a non-stream Chat Completions response
// into the Responses shape.
func OpenAIToResponsesResponse(rawJSON []byte) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)
	if !root.Get("choices").Exists() {
		return nil, conversionErr("choices", "missing field")
	}

	out := `{"object":"response","status":"completed","output":[]}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "model", root.Get("model").String())
	if created := root.Get("created"); created.Exists() {
		out, _ = sjson.Set(out, "created_at", created.Int())
	}

	choice := root.Get("choices.0")
	message := choice.Get("message")

	if text := message.Get("content").String(); text != "" {
		out, _ = sjson.Set(out, "output.-1", map[string]any{
			"type": "message",
			"id":   "msg_" + root.Get("id").String(),
			"role": "assistant",
			"content": []map[string]any{
				{"type": "output_text", "text": text, "annotations": []any{}},
			},
		})
	}
	message.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		out, _ = sjson.Set(out, "output.-1", map[string]any{
			"type":      "function_call",
			"call_id":   call.Get("id").String(),
			"name":      call.Get("function.name").String(),
			"arguments": call.Get("function.arguments").String(),
			"status":    "completed",
		})
		return true
	})

	if choice.Get("finish_reason").String() == "length" {
		out, _ = sjson.Set(out, "status", "incomplete")
		out, _ = sjson.Set(out, "incomplete_details", map[string]any{"reason": "max_output_tokens"})
	}

	out, _ = sjson.Set(out, "usage", map[string]any{
		"input_tokens":  root.Get("usage.prompt_tokens").Int(),
		"output_tokens": root.Get("usage.completion_tokens").Int(),
		"total_tokens":  root.Get("usage.total_tokens").Int(),
	})

	return []byte(out), nil
}

// ResponsesToOpenAIResponse converts a non-stream Responses payload into the
// Chat Completions shape.
func ResponsesToOpenAIResponse(rawJSON []byte) ([]byte, error) {
	root := gjson.ParseBytes(rawJSON)
	output := root.Get("output")
	if !output.Exists() {
		if nested := root.Get("response.output"); nested.Exists() {
			root = root.Get("response")
			output = nested
		} else {
			return nil, conversionErr("output", "missing field")
		}
	}

	out := `{"object":"chat.completion","choices":[]}`
	out, _ = sjson.Set(out, "id", root.Get("id").String())
	out, _ = sjson.Set(out, "model", root.Get("model").String())
	if created := root.Get("created_at"); created.Exists() {
		out, _ = sjson.Set(out, "created", created.Int())
	}

	var textParts []string
	var toolCalls []map[string]any
	output.ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				if part.Get("type").String() == "output_text" {
					textParts = append(textParts, part.Get("text").String())
				}
				return true
			})
		case "function_call":
			args := item.Get("arguments").String()
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, map[string]any{
				"id":   item.Get("call_id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      item.Get("name").String(),
					"arguments": args,
				},
			})
		}
		return true
	})

	finishReason := "stop"
	if len(toolCalls) > 0 {
		finishReason = "tool_calls"
	} else if root.Get("status").String() == "incomplete" {
		finishReason = "length"
	}

	message := map[string]any{"role": "assistant", "content": strings.Join(textParts, "")}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	out, _ = sjson.Set(out, "choices.-1", map[string]any{
		"index":         0,
		"message":       message,
		"finish_reason": finishReason,
	})
	out, _ = sjson.Set(out, "usage", map[string]any{
		"prompt_tokens":     root.Get("usage.input_tokens").Int(),
		"completion_tokens": root.Get("usage.output_tokens").Int(),
		"total_tokens":      root.Get("usage.total_tokens").Int(),
	})

	return []byte(out), nil
}
