package sse

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/router-for-me/routecodex/internal/codec"
)

// coalesceWindow bounds how long consecutive text deltas are batched before
// the converted frames are flushed to the client.
const coalesceWindow = 1000 * time.Millisecond

// chunkConverter is the shared shape of the codec stream states.
type chunkConverter interface {
	ConvertChunk(chunkJSON []byte) []string
	Finish() []string
}

// TransformToAnthropic relays an upstream OpenAI chat stream as Anthropic
// Messages events.
func TransformToAnthropic(upstream io.ReadCloser, w *Writer, tracker *FinishReasonTracker) error {
	return transform(upstream, w, tracker, codec.NewAnthropicStreamState())
}

// TransformToResponses relays an upstream OpenAI chat stream as OpenAI
// Responses events. A non-empty responseID pins the emitted response id.
func TransformToResponses(upstream io.ReadCloser, w *Writer, tracker *FinishReasonTracker, responseID string) error {
	return transform(upstream, w, tracker, codec.NewResponsesStreamState(responseID))
}

// TransformFromAnthropic relays an upstream Anthropic Messages stream as
// OpenAI chat chunks. The caller owns the [DONE] terminator.
func TransformFromAnthropic(upstream io.ReadCloser, w *Writer, tracker *FinishReasonTracker) error {
	return transform(upstream, w, tracker, codec.NewOpenAIStreamState())
}

// TransformAnthropicToResponses relays an upstream Anthropic Messages stream
// as OpenAI Responses events, chaining through the chat chunk shape.
func TransformAnthropicToResponses(upstream io.ReadCloser, w *Writer, tracker *FinishReasonTracker, responseID string) error {
	return transform(upstream, w, tracker, &chainedConverter{
		first:  codec.NewOpenAIStreamState(),
		second: codec.NewResponsesStreamState(responseID),
	})
}

// chainedConverter pipes the first converter's data frames into the second.
type chainedConverter struct {
	first, second chunkConverter
}

func (c *chainedConverter) relay(frames []string) []string {
	var out []string
	for _, frame := range frames {
		payload := DataPayload(frame)
		if payload == "" || payload == "[DONE]" {
			continue
		}
		out = append(out, c.second.ConvertChunk([]byte(payload))...)
	}
	return out
}

func (c *chainedConverter) ConvertChunk(chunkJSON []byte) []string {
	return c.relay(c.first.ConvertChunk(chunkJSON))
}

func (c *chainedConverter) Finish() []string {
	return append(c.relay(c.first.Finish()), c.second.Finish()...)
}

// transform feeds upstream chunks through the converter, coalescing output
// frames inside the window so high-frequency deltas do not flush per token.
func transform(upstream io.ReadCloser, w *Writer, tracker *FinishReasonTracker, converter chunkConverter) error {
	defer func() { _ = upstream.Close() }()

	scanner := NewFrameScanner(upstream)
	var pending []string
	windowStart := time.Time{}

	flush := func() {
		for _, frame := range pending {
			w.WriteFrame(frame)
		}
		pending = pending[:0]
		windowStart = time.Time{}
	}

	for scanner.Scan() {
		frame := scanner.Text()
		payload := DataPayload(frame)
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			break
		}
		if tracker != nil {
			tracker.ObserveFrame(frame)
		}

		frames := converter.ConvertChunk([]byte(payload))
		if len(frames) == 0 {
			continue
		}
		pending = append(pending, frames...)
		if windowStart.IsZero() {
			windowStart = time.Now()
		}
		// Structural events (block starts/stops) flush immediately; pure
		// text deltas wait out the window.
		if !allTextDeltas(frames) || time.Since(windowStart) >= coalesceWindow {
			flush()
		}
	}
	flush()

	for _, frame := range converter.Finish() {
		w.WriteFrame(frame)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("sse transform read: %w", err)
	}
	return nil
}

func allTextDeltas(frames []string) bool {
	for _, frame := range frames {
		if !strings.Contains(frame, `"text_delta"`) && !strings.Contains(frame, "response.output_text.delta") {
			return false
		}
	}
	return true
}
