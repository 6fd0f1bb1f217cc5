package sse

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Passthrough relays upstream frames to the client unchanged, normalizing
// frame boundaries once, logging the first and last frames, and feeding each
// frame to the tracker. The upstream reader is always closed.
func Passthrough(upstream io.ReadCloser, w *Writer, tracker *FinishReasonTracker) error {
	defer func() { _ = upstream.Close() }()

	scanner := NewFrameScanner(upstream)
	var firstFrame, lastFrame string
	for scanner.Scan() {
		frame := scanner.Text()
		if strings.TrimSpace(frame) == "" {
			continue
		}
		if firstFrame == "" {
			firstFrame = frame
			log.Debugf("sse passthrough first frame: %.200s", firstFrame)
		}
		lastFrame = frame
		if tracker != nil {
			tracker.ObserveFrame(frame)
		}
		w.WriteFrame(frame + "\n\n")
	}
	if lastFrame != "" {
		log.Debugf("sse passthrough last frame: %.200s", lastFrame)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("sse passthrough read: %w", err)
	}
	return nil
}
