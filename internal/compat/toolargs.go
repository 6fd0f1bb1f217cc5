package compat

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/routecodex/internal/config"
)

// CommandSchema is the declared JSON type of a tool's command property.
type CommandSchema string

const (
	// CommandString declares command as a single string.
	CommandString CommandSchema = "string"
	// CommandArgv declares command as an array of string tokens.
	CommandArgv CommandSchema = "array"
)

// CollectCommandSchemas reads the declared command property type of each
// function tool in an OpenAI chat request. Used later to coerce the model's
// tool-call arguments back to the declared shape.
func CollectCommandSchemas(payload []byte) map[string]CommandSchema {
	schemas := make(map[string]CommandSchema)
	for _, tool := range gjson.GetBytes(payload, "tools").Array() {
		name := tool.Get("function.name").String()
		if name == "" {
			continue
		}
		switch tool.Get("function.parameters.properties.command.type").String() {
		case "array":
			schemas[name] = CommandArgv
		case "string":
			schemas[name] = CommandString
		}
	}
	return schemas
}

// CoerceToolArguments rewrites the command field of each tool call's arguments
// to match the declared schema: argv arrays are shell-split from strings,
// strings are joined from argv arrays. A shape that contradicts the schema in
// a way coercion cannot fix is an error.
func CoerceToolArguments(payload []byte, schemas map[string]CommandSchema) ([]byte, error) {
	safeMode := config.EnvBool(config.EnvToolSafeMode)
	var err error
	for i, choice := range gjson.GetBytes(payload, "choices").Array() {
		for j, call := range choice.Get("message.tool_calls").Array() {
			name := call.Get("function.name").String()
			schema, ok := schemas[name]
			if !ok {
				continue
			}
			rawArgs := call.Get("function.arguments").String()
			if rawArgs == "" {
				continue
			}
			fixed, changed, cerr := coerceCommand(rawArgs, schema, safeMode)
			if cerr != nil {
				return nil, fmt.Errorf("compat: tool %s: %w", name, cerr)
			}
			if !changed {
				continue
			}
			path := fmt.Sprintf("choices.%d.message.tool_calls.%d.function.arguments", i, j)
			payload, err = sjson.SetBytes(payload, path, fixed)
			if err != nil {
				return nil, err
			}
		}
	}
	return payload, nil
}

func coerceCommand(rawArgs string, schema CommandSchema, safeMode bool) (string, bool, error) {
	args := gjson.Parse(rawArgs)
	cmd := args.Get("command")
	if !cmd.Exists() {
		return rawArgs, false, nil
	}

	switch schema {
	case CommandArgv:
		switch {
		case cmd.IsArray():
			if safeMode {
				for _, tok := range cmd.Array() {
					if err := checkControlOperators(tok.String()); err != nil {
						return "", false, err
					}
				}
			}
			return rawArgs, false, nil
		case cmd.Type == gjson.String:
			if safeMode {
				if err := checkControlOperators(cmd.String()); err != nil {
					return "", false, err
				}
			}
			tokens, err := SplitShell(cmd.String())
			if err != nil {
				return "", false, err
			}
			out, err := sjson.Set(rawArgs, "command", tokens)
			return out, true, err
		default:
			return "", false, fmt.Errorf("command must be a string or argv array, got %s", cmd.Type)
		}
	case CommandString:
		switch {
		case cmd.Type == gjson.String:
			if safeMode {
				if err := checkControlOperators(cmd.String()); err != nil {
					return "", false, err
				}
			}
			return rawArgs, false, nil
		case cmd.IsArray():
			var tokens []string
			for _, tok := range cmd.Array() {
				if tok.Type != gjson.String {
					return "", false, fmt.Errorf("command argv contains non-string token %s", tok.Raw)
				}
				tokens = append(tokens, tok.String())
			}
			joined := strings.Join(tokens, " ")
			if safeMode {
				if err := checkControlOperators(joined); err != nil {
					return "", false, err
				}
			}
			out, err := sjson.Set(rawArgs, "command", joined)
			return out, true, err
		default:
			return "", false, fmt.Errorf("command must be a string or argv array, got %s", cmd.Type)
		}
	}
	return rawArgs, false, nil
}

// controlOperators are the shell metacharacters rejected under
// ROUTECODEX_TOOL_SAFE_MODE.
var controlOperators = []string{";", "&&", "||", "|", "`", "$(", ">", "<", "&", "\n"}

func checkControlOperators(command string) error {
	for _, op := range controlOperators {
		if strings.Contains(command, op) {
			return fmt.Errorf("command rejected in safe mode: contains %q", op)
		}
	}
	return nil
}

// SplitShell tokenizes a command string the way a POSIX shell would split
// words: whitespace separates tokens, single and double quotes group, a
// backslash escapes the next character outside single quotes.
func SplitShell(command string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inToken := false
	var quote rune

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				if i+1 < len(runes) {
					i++
					current.WriteRune(runes[i])
				} else {
					return nil, fmt.Errorf("trailing backslash in command")
				}
			default:
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == '\\':
			if i+1 < len(runes) {
				i++
				current.WriteRune(runes[i])
				inToken = true
			} else {
				return nil, fmt.Errorf("trailing backslash in command")
			}
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
