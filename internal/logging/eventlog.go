package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventLogFileName is the append-only JSONL log of SSE wire events.
// Rotation is handled externally.
const EventLogFileName = "servertool-events.jsonl"

// EventLogger appends one JSON line per SSE wire write. All operations are
// best-effort: a failure to log never affects the response.
type EventLogger struct {
	mu      sync.Mutex
	file    *os.File
	enabled bool
}

type eventRecord struct {
	TS        int64  `json:"ts"`
	RequestID string `json:"requestId"`
	Event     string `json:"event"`
	Data      string `json:"data"`
}

// NewEventLogger opens (creating if needed) the event log under logDir.
// When enabled is false, all writes are discarded.
func NewEventLogger(logDir string, enabled bool) *EventLogger {
	l := &EventLogger{enabled: enabled}
	if !enabled {
		return l
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Warnf("event log directory unavailable: %v", err)
		l.enabled = false
		return l
	}
	f, err := os.OpenFile(filepath.Join(logDir, EventLogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warnf("event log unavailable: %v", err)
		l.enabled = false
		return l
	}
	l.file = f
	return l
}

// Record appends a single event line. Safe for concurrent use.
func (l *EventLogger) Record(requestID, event, data string) {
	if l == nil || !l.enabled || l.file == nil {
		return
	}
	line, err := json.Marshal(eventRecord{
		TS:        time.Now().UnixMilli(),
		RequestID: requestID,
		Event:     event,
		Data:      data,
	})
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.file.Write(append(line, '\n'))
}

// Close releases the underlying file handle.
func (l *EventLogger) Close() {
	if l == nil || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.file.Close()
	l.file = nil
	l.enabled = false
}
