// Package pipeline defines the in-flight request envelope and the
// orchestrator that drives it through the ordered node chain: protocol
// conversion, compatibility shaping, and provider invocation.
package pipeline

import (
	"io"
	"time"

	"github.com/google/uuid"
)

// Metadata keys recognized on the DTO.
const (
	MetaEntryEndpoint      = "entryEndpoint"
	MetaProviderProtocol   = "providerProtocol"
	MetaPipelineID         = "pipelineId"
	MetaStream             = "stream"
	MetaRequestID          = "requestId"
	MetaUserAgent          = "userAgent"
	MetaSessionID          = "sessionId"
	MetaTmuxSessionID      = "tmuxSessionId"
	MetaWorkdir            = "workdir"
	MetaResponseIDFromPath = "responseIdFromPath"
	MetaUpstreamEndpoint   = "upstreamEndpoint"
)

// Route is the concrete target binding attached once the router has picked
// a candidate.
type Route struct {
	ProviderID  string
	ProviderKey string
	ModelID     string
	RequestID   string
	Timestamp   time.Time
	PipelineID  string
}

// Debug holds per-stage snapshot opt-ins.
type Debug struct {
	Enabled bool
	Stages  map[string]bool
}

// StageEnabled reports whether snapshots are requested for the given stage.
// An empty stage map with Enabled set means all stages.
func (d Debug) StageEnabled(stage string) bool {
	if !d.Enabled {
		return false
	}
	if len(d.Stages) == 0 {
		return true
	}
	return d.Stages[stage]
}

// DTO is the unit of work flowing through the pipeline. Data holds the
// current JSON payload; after provider invocation either Data is a structured
// response or Stream carries the opaque upstream byte stream, never both.
type DTO struct {
	Data     []byte
	Stream   io.ReadCloser
	Route    Route
	Metadata map[string]any
	Debug    Debug
}

// NewDTO builds a DTO with a fresh request id and timestamp. The request id
// is stable for the DTO's lifetime.
func NewDTO(body []byte) *DTO {
	requestID := "req_" + uuid.NewString()
	return &DTO{
		Data: body,
		Route: Route{
			RequestID: requestID,
			Timestamp: time.Now(),
		},
		Metadata: map[string]any{MetaRequestID: requestID},
	}
}

// MetaString reads a string metadata value; missing keys yield "".
func (d *DTO) MetaString(key string) string {
	if d.Metadata == nil {
		return ""
	}
	if v, ok := d.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// MetaBool reads a bool metadata value; missing keys yield false.
func (d *DTO) MetaBool(key string) bool {
	if d.Metadata == nil {
		return false
	}
	if v, ok := d.Metadata[key].(bool); ok {
		return v
	}
	return false
}

// SetMeta stores a metadata value, allocating the map on first use.
func (d *DTO) SetMeta(key string, value any) {
	if d.Metadata == nil {
		d.Metadata = make(map[string]any)
	}
	d.Metadata[key] = value
}

// HasStream reports whether the DTO carries an upstream byte stream.
func (d *DTO) HasStream() bool { return d.Stream != nil }
