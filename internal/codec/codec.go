// Package codec converts payloads between the three supported wire shapes:
// OpenAI Chat Completions, OpenAI Responses, and Anthropic Messages. All
// conversions route through the OpenAI Chat shape as the hub schema and
// operate on raw JSON bytes with gjson/sjson; no typed request structs exist
// on the hot path.
package codec

import (
	"fmt"
)

// Protocol identifies a request/response wire shape.
type Protocol string

const (
	// ProtocolOpenAI is the OpenAI Chat Completions shape.
	ProtocolOpenAI Protocol = "openai"
	// ProtocolResponses is the OpenAI Responses shape.
	ProtocolResponses Protocol = "responses"
	// ProtocolAnthropic is the Anthropic Messages shape.
	ProtocolAnthropic Protocol = "anthropic"
	// ProtocolGemini marks providers that speak the OpenAI-compatible dialect
	// exposed by Gemini gateways; handled by the passthrough codec.
	ProtocolGemini Protocol = "gemini"
	// ProtocolGeminiCLI is the CLI variant of the Gemini dialect.
	ProtocolGeminiCLI Protocol = "gemini-cli"
)

// FromString normalizes a protocol label from config or metadata.
func FromString(s string) Protocol {
	switch s {
	case "openai", "openai-chat":
		return ProtocolOpenAI
	case "responses", "openai-responses":
		return ProtocolResponses
	case "anthropic":
		return ProtocolAnthropic
	case "gemini":
		return ProtocolGemini
	case "gemini-cli":
		return ProtocolGeminiCLI
	}
	return ProtocolOpenAI
}

// Context carries request identity into conversions for diagnostics.
type Context struct {
	RequestID     string
	Endpoint      string
	EntryEndpoint string
	Metadata      map[string]any
}

// ErrConversion reports a payload that does not match the expected inbound
// shape. Path names the offending field.
type ErrConversion struct {
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *ErrConversion) Error() string {
	return fmt.Sprintf("conversion failed at %q: %s", e.Path, e.Reason)
}

func conversionErr(path, reason string) error {
	return &ErrConversion{Path: path, Reason: reason}
}

// Facade exposes request/response conversion keyed by (from, to) protocols.
// The facade holds no state; every method is safe for concurrent use.
type Facade struct{}

// NewFacade constructs the codec facade.
func NewFacade() *Facade { return &Facade{} }

// hub collapses the Gemini dialects onto the OpenAI codec.
func hub(p Protocol) Protocol {
	switch p {
	case ProtocolGemini, ProtocolGeminiCLI:
		return ProtocolOpenAI
	}
	return p
}

// HubProtocol reports the codec a protocol resolves to. Callers use it to
// detect when two protocols share a wire shape and no conversion is needed.
func HubProtocol(p Protocol) Protocol { return hub(p) }

// ConvertRequest translates a request payload from the inbound protocol to
// the provider protocol. Identical protocols are a passthrough.
func (f *Facade) ConvertRequest(payload []byte, from, to Protocol, ctx *Context) ([]byte, error) {
	from, to = hub(from), hub(to)
	if from == to {
		return payload, nil
	}
	switch {
	case from == ProtocolAnthropic && to == ProtocolOpenAI:
		return AnthropicToOpenAIRequest(payload)
	case from == ProtocolOpenAI && to == ProtocolAnthropic:
		return OpenAIToAnthropicRequest(payload)
	case from == ProtocolResponses && to == ProtocolOpenAI:
		return ResponsesToOpenAIRequest(payload)
	case from == ProtocolOpenAI && to == ProtocolResponses:
		return OpenAIToResponsesRequest(payload)
	case from == ProtocolAnthropic && to == ProtocolResponses:
		hubPayload, err := AnthropicToOpenAIRequest(payload)
		if err != nil {
			return nil, err
		}
		return OpenAIToResponsesRequest(hubPayload)
	case from == ProtocolResponses && to == ProtocolAnthropic:
		hubPayload, err := ResponsesToOpenAIRequest(payload)
		if err != nil {
			return nil, err
		}
		return OpenAIToAnthropicRequest(hubPayload)
	}
	return nil, conversionErr("", fmt.Sprintf("no request codec for %s -> %s", from, to))
}

// ConvertResponse translates a provider response back to the inbound
// protocol. Identical protocols are a passthrough.
func (f *Facade) ConvertResponse(payload []byte, from, to Protocol, ctx *Context) ([]byte, error) {
	from, to = hub(from), hub(to)
	if from == to {
		return payload, nil
	}
	switch {
	case from == ProtocolOpenAI && to == ProtocolAnthropic:
		return OpenAIToAnthropicResponse(payload)
	case from == ProtocolAnthropic && to == ProtocolOpenAI:
		return AnthropicToOpenAIResponse(payload)
	case from == ProtocolOpenAI && to == ProtocolResponses:
		return OpenAIToResponsesResponse(payload)
	case from == ProtocolResponses && to == ProtocolOpenAI:
		return ResponsesToOpenAIResponse(payload)
	case from == ProtocolResponses && to == ProtocolAnthropic:
		hubPayload, err := ResponsesToOpenAIResponse(payload)
		if err != nil {
			return nil, err
		}
		return OpenAIToAnthropicResponse(hubPayload)
	case from == ProtocolAnthropic && to == ProtocolResponses:
		hubPayload, err := AnthropicToOpenAIResponse(payload)
		if err != nil {
			return nil, err
		}
		return OpenAIToResponsesResponse(hubPayload)
	}
	return nil, conversionErr("", fmt.Sprintf("no response codec for %s -> %s", from, to))
}
