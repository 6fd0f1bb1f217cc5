// Package sse is the streaming substrate: passthrough of upstream event
// streams, synthesis of SSE from buffered JSON responses, and cross-protocol
// stream transformation. Every wire write is mirrored to the event log.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/router-for-me/routecodex/internal/logging"
)

// DoneFrame is the OpenAI stream terminator.
const DoneFrame = "data: [DONE]\n\n"

// Writer serializes SSE frames to the client, flushing after every frame and
// mirroring each write to the event log. It guarantees at most one [DONE].
type Writer struct {
	w         io.Writer
	flusher   http.Flusher
	events    *logging.EventLogger
	requestID string
	wroteDone bool
	wroteAny  bool
}

// NewWriter wraps the response writer. A non-flushing writer degrades to
// buffered writes, which only matters in tests.
func NewWriter(w io.Writer, events *logging.EventLogger, requestID string) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher, events: events, requestID: requestID}
}

// WroteAny reports whether any frame reached the wire.
func (w *Writer) WroteAny() bool { return w.wroteAny }

// WroteDone reports whether the terminator was written.
func (w *Writer) WroteDone() bool { return w.wroteDone }

// WriteFrame writes one complete frame (terminated with a blank line).
// Frames after [DONE] are dropped.
func (w *Writer) WriteFrame(frame string) {
	if w.wroteDone || frame == "" {
		return
	}
	if frame == DoneFrame || strings.TrimSpace(frame) == "data: [DONE]" {
		w.WriteDone()
		return
	}
	if !strings.HasSuffix(frame, "\n\n") {
		frame += "\n\n"
	}
	w.write(frame)
}

// WriteData writes one `data:` frame from a payload.
func (w *Writer) WriteData(payload string) {
	w.WriteFrame(fmt.Sprintf("data: %s\n\n", payload))
}

// WriteDone writes the terminator exactly once.
func (w *Writer) WriteDone() {
	if w.wroteDone {
		return
	}
	w.write(DoneFrame)
	w.wroteDone = true
}

func (w *Writer) write(frame string) {
	_, _ = io.WriteString(w.w, frame)
	if w.flusher != nil {
		w.flusher.Flush()
	}
	w.wroteAny = true
	w.events.Record(w.requestID, "sse-write", frame)
}

// splitFrames is a bufio.SplitFunc cutting the stream at blank-line frame
// boundaries. The trailing partial frame is surfaced at EOF.
func splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
		return idx + 2, data[:idx], nil
	}
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
		return idx + 4, data[:idx], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	if atEOF {
		return 0, nil, io.EOF
	}
	return 0, nil, nil
}

// NewFrameScanner returns a scanner yielding one frame per token, boundary
// stripped.
func NewFrameScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	scanner.Split(splitFrames)
	return scanner
}

// DataPayload extracts the JSON payload of a frame's data lines, joined when
// split across lines. Returns "" for comment-only or event-only frames.
func DataPayload(frame string) string {
	var parts []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			parts = append(parts, strings.TrimPrefix(rest, " "))
		}
	}
	return strings.Join(parts, "\n")
}
