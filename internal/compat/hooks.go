package compat

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Hook is a named payload transformer invoked after the filter chain.
type Hook func(payload []byte) ([]byte, error)

// builtinHooks maps the hook names usable in bundle specs.
var builtinHooks = map[string]Hook{
	"iflow-request": IFlowRequestHook,
	"glm-response":  GLMResponseHook,
}

// shellArgvSchema is the argv form iFlow expects for the shell tool's command
// property.
const shellArgvSchema = `{"type":"array","items":{"type":"string"},"description":"Shell command argv tokens. Use ['bash','-lc','<cmd>'] form."}`

// IFlowRequestHook strips unsupported tool fields and rewrites the shell
// tool's command property to argv form.
func IFlowRequestHook(payload []byte) ([]byte, error) {
	tools := gjson.GetBytes(payload, "tools")
	if !tools.IsArray() {
		return payload, nil
	}
	var err error
	for i, tool := range tools.Array() {
		base := fmt.Sprintf("tools.%d.function", i)
		if tool.Get("function.strict").Exists() {
			payload, err = sjson.DeleteBytes(payload, base+".strict")
			if err != nil {
				return nil, err
			}
		}
		if tool.Get("function.name").String() != "shell" {
			continue
		}
		if tool.Get("function.parameters.properties.command").Exists() {
			payload, err = sjson.SetRawBytes(payload, base+".parameters.properties.command", []byte(shellArgvSchema))
			if err != nil {
				return nil, err
			}
		}
		required := gjson.GetBytes(payload, base+".parameters.required")
		hasCommand := false
		for _, r := range required.Array() {
			if r.String() == "command" {
				hasCommand = true
				break
			}
		}
		if !hasCommand {
			payload, err = sjson.SetBytes(payload, base+".parameters.required.-1", "command")
			if err != nil {
				return nil, err
			}
		}
	}
	return payload, nil
}

// usageRemap translates Anthropic-style usage counters to OpenAI names.
var usageRemap = map[string]string{
	"input_tokens":  "prompt_tokens",
	"output_tokens": "completion_tokens",
}

// GLMResponseHook normalizes GLM and iFlow chat responses: usage field names,
// the created timestamp, and reasoning spans embedded in message content.
func GLMResponseHook(payload []byte) ([]byte, error) {
	var err error

	if usage := gjson.GetBytes(payload, "usage"); usage.IsObject() {
		for from, to := range usageRemap {
			v := usage.Get(from)
			if !v.Exists() || usage.Get(to).Exists() {
				continue
			}
			payload, err = sjson.SetBytes(payload, "usage."+to, v.Int())
			if err != nil {
				return nil, err
			}
			payload, err = sjson.DeleteBytes(payload, "usage."+from)
			if err != nil {
				return nil, err
			}
		}
		usage = gjson.GetBytes(payload, "usage")
		if !usage.Get("total_tokens").Exists() {
			total := usage.Get("prompt_tokens").Int() + usage.Get("completion_tokens").Int()
			payload, err = sjson.SetBytes(payload, "usage.total_tokens", total)
			if err != nil {
				return nil, err
			}
		}
	}

	if created := gjson.GetBytes(payload, "created_at"); created.Exists() {
		if !gjson.GetBytes(payload, "created").Exists() {
			payload, err = sjson.SetBytes(payload, "created", created.Int())
			if err != nil {
				return nil, err
			}
		}
		payload, err = sjson.DeleteBytes(payload, "created_at")
		if err != nil {
			return nil, err
		}
	}

	for i, choice := range gjson.GetBytes(payload, "choices").Array() {
		content := choice.Get("message.content")
		if content.Type != gjson.String {
			continue
		}
		cleaned, reasoning := ExtractReasoning(content.String())
		if reasoning == "" {
			continue
		}
		base := fmt.Sprintf("choices.%d.message", i)
		payload, err = sjson.SetBytes(payload, base+".content", cleaned)
		if err != nil {
			return nil, err
		}
		if existing := choice.Get("message.reasoning_content").String(); existing != "" && existing != reasoning {
			reasoning = existing + "\n" + reasoning
		}
		payload, err = sjson.SetBytes(payload, base+".reasoning_content", reasoning)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// ExtractReasoning pulls reasoning spans out of a content string. Recognized
// delimiters: ```reasoning fenced blocks, <thinking> tags, and a leading
// [REASONING] marker. Duplicate spans collapse to one. Returns the cleaned
// content and the joined reasoning text.
func ExtractReasoning(content string) (string, string) {
	var spans []string

	content = extractDelimited(content, "```reasoning", "```", &spans)
	content = extractDelimited(content, "<thinking>", "</thinking>", &spans)

	if rest, ok := strings.CutPrefix(strings.TrimLeft(content, " \n"), "[REASONING]"); ok {
		// The marker claims text up to the first blank line.
		span := rest
		if idx := strings.Index(rest, "\n\n"); idx >= 0 {
			span = rest[:idx]
			content = strings.TrimLeft(rest[idx+2:], "\n")
		} else {
			content = ""
		}
		if s := strings.TrimSpace(span); s != "" {
			spans = append(spans, s)
		}
	}

	seen := make(map[string]bool, len(spans))
	var unique []string
	for _, s := range spans {
		if seen[s] {
			continue
		}
		seen[s] = true
		unique = append(unique, s)
	}
	return strings.TrimSpace(content), strings.Join(unique, "\n")
}

func extractDelimited(content, opener, closer string, spans *[]string) string {
	for {
		start := strings.Index(content, opener)
		if start < 0 {
			return content
		}
		rest := content[start+len(opener):]
		end := strings.Index(rest, closer)
		if end < 0 {
			return content
		}
		if span := strings.TrimSpace(rest[:end]); span != "" {
			*spans = append(*spans, span)
		}
		content = content[:start] + rest[end+len(closer):]
	}
}
