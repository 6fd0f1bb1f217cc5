package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/routecodex/internal/codec"
	"github.com/router-for-me/routecodex/internal/pipeline"
	"github.com/router-for-me/routecodex/internal/sse"
)

// setStreamHeaders must run before any body byte reaches the wire.
func setStreamHeaders(c *gin.Context, requestID string) {
	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache, no-transform")
	c.Header("Connection", "keep-alive")
	c.Header("x-request-id", requestID)
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

// writeStream delivers the provider outcome as SSE: passthrough or
// cross-protocol transformation for upstream streams, synthesis for buffered
// JSON. Failures after the headers are flushed become one in-band error
// frame followed by the terminator.
func (s *Server) writeStream(c *gin.Context, d *pipeline.DTO) {
	entry := pipeline.EntryProtocol(d.MetaString(pipeline.MetaEntryEndpoint))
	providerProtocol := codec.FromString(d.MetaString(pipeline.MetaProviderProtocol))

	setStreamHeaders(c, d.Route.RequestID)
	w := sse.NewWriter(c.Writer, s.events, d.Route.RequestID)
	tracker := &sse.FinishReasonTracker{}

	responseID := d.MetaString(pipeline.MetaResponseIDFromPath)

	var err error
	switch {
	case d.HasStream() && entry == codec.HubProtocol(providerProtocol):
		err = sse.Passthrough(d.Stream, w, tracker)
		if entry == codec.ProtocolOpenAI {
			w.WriteDone()
		}
	case d.HasStream() && providerProtocol == codec.ProtocolAnthropic && entry == codec.ProtocolOpenAI:
		err = sse.TransformFromAnthropic(d.Stream, w, tracker)
		w.WriteDone()
	case d.HasStream() && providerProtocol == codec.ProtocolAnthropic && entry == codec.ProtocolResponses:
		err = sse.TransformAnthropicToResponses(d.Stream, w, tracker, responseID)
	case d.HasStream() && entry == codec.ProtocolAnthropic:
		err = sse.TransformToAnthropic(d.Stream, w, tracker)
	case d.HasStream() && entry == codec.ProtocolResponses:
		err = sse.TransformToResponses(d.Stream, w, tracker, responseID)
	case d.HasStream():
		err = sse.Passthrough(d.Stream, w, tracker)
		w.WriteDone()
	default:
		s.synthesize(d.Data, w, tracker)
	}

	if err != nil {
		log.Warnf("stream relay for %s failed: %v", d.Route.RequestID, err)
		writeStreamError(w, d, err)
		return
	}

	prompt, completion := tracker.Usage()
	s.usage.RecordRequest(d.Route.ProviderKey, tracker.FinishReason(), prompt, completion)
}

// synthesize turns a buffered payload into the SSE dialect matching its
// shape: chat completions, Anthropic message, or Responses object. Anything
// else goes out as a single data frame plus the terminator.
func (s *Server) synthesize(payload []byte, w *sse.Writer, tracker *sse.FinishReasonTracker) {
	parsed := gjson.ParseBytes(payload)
	switch {
	case parsed.Get("choices").Exists():
		sse.SynthesizeOpenAIChat(payload, w)
	case parsed.Get("type").String() == "message" || parsed.Get("stop_reason").Exists():
		sse.SynthesizeAnthropic(payload, w)
	case parsed.Get("object").String() == "response" || parsed.Get("output").IsArray():
		sse.SynthesizeResponses(payload, w)
	default:
		w.WriteData(string(payload))
		w.WriteDone()
	}

	if tracker != nil {
		tracker.ObserveFrame("data: " + string(payload))
	}
}
