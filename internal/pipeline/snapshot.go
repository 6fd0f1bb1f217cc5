package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// SnapshotSink receives before/after payload snapshots per pipeline stage.
// Sinks are best-effort: they must never block or fail the pipeline.
type SnapshotSink interface {
	Record(requestID, stage, hook string, payload []byte)
}

// DiscardSink drops all snapshots.
type DiscardSink struct{}

// Record implements SnapshotSink.
func (DiscardSink) Record(string, string, string, []byte) {}

// FileSink appends snapshots as JSON lines under dir, one file per request.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

// NewFileSink creates the snapshot directory eagerly so a misconfigured path
// is reported once, at startup.
func NewFileSink(dir string) *FileSink {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warnf("snapshot directory unavailable: %v", err)
	}
	return &FileSink{dir: dir}
}

type snapshotLine struct {
	TS    int64           `json:"ts"`
	Stage string          `json:"stage"`
	Hook  string          `json:"hook"`
	Data  json.RawMessage `json:"data"`
}

// Record implements SnapshotSink.
func (s *FileSink) Record(requestID, stage, hook string, payload []byte) {
	if requestID == "" {
		return
	}
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(payload))
		payload = quoted
	}
	line, err := json.Marshal(snapshotLine{
		TS:    time.Now().UnixMilli(),
		Stage: stage,
		Hook:  hook,
		Data:  payload,
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.dir, requestID+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.Write(append(line, '\n'))
}

// RingSink keeps the most recent snapshots in memory, mainly for tests and
// the /config debug view.
type RingSink struct {
	mu      sync.Mutex
	entries []RingEntry
	cap     int
}

// RingEntry is one recorded snapshot.
type RingEntry struct {
	RequestID string
	Stage     string
	Hook      string
	Payload   []byte
}

// NewRingSink creates a ring holding up to capacity entries.
func NewRingSink(capacity int) *RingSink {
	if capacity <= 0 {
		capacity = 64
	}
	return &RingSink{cap: capacity}
}

// Record implements SnapshotSink.
func (s *RingSink) Record(requestID, stage, hook string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.entries = append(s.entries, RingEntry{RequestID: requestID, Stage: stage, Hook: hook, Payload: cp})
	if len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
}

// Entries returns a copy of the recorded snapshots.
func (s *RingSink) Entries() []RingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RingEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
