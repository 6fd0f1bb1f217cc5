// Package usage persists per-provider request statistics in a local bbolt
// database: request counts, finish reasons, and observed token totals.
// Recording is best-effort and never blocks the request path.
package usage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRequests = []byte("requests")
	bucketFinish   = []byte("finish_reasons")
	bucketTokens   = []byte("tokens")
)

// Store wraps the bbolt database. A nil Store discards all records, which is
// how a disabled usage-db config behaves.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database at path. An empty path disables the
// store.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("usage: create db directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("usage: open db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRequests, bucketFinish, bucketTokens} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("usage: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func addCounter(b *bolt.Bucket, key []byte, delta uint64) error {
	current := uint64(0)
	if v := b.Get(key); len(v) == 8 {
		current = binary.BigEndian.Uint64(v)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, current+delta)
	return b.Put(key, buf)
}

// RecordRequest bumps the counters for one completed request.
func (s *Store) RecordRequest(providerKey, finishReason string, promptTokens, completionTokens int64) {
	if s == nil || s.db == nil || providerKey == "" {
		return
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := addCounter(tx.Bucket(bucketRequests), []byte(providerKey), 1); err != nil {
			return err
		}
		if finishReason != "" {
			key := providerKey + "|" + finishReason
			if err := addCounter(tx.Bucket(bucketFinish), []byte(key), 1); err != nil {
				return err
			}
		}
		tokens := tx.Bucket(bucketTokens)
		if promptTokens > 0 {
			if err := addCounter(tokens, []byte(providerKey+"|prompt"), uint64(promptTokens)); err != nil {
				return err
			}
		}
		if completionTokens > 0 {
			if err := addCounter(tokens, []byte(providerKey+"|completion"), uint64(completionTokens)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Debugf("usage: record failed: %v", err)
	}
}

// Requests returns the request counter for one provider key.
func (s *Store) Requests(providerKey string) uint64 {
	if s == nil || s.db == nil {
		return 0
	}
	var count uint64
	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketRequests).Get([]byte(providerKey)); len(v) == 8 {
			count = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return count
}

// Tokens returns the prompt and completion token totals for one provider key.
func (s *Store) Tokens(providerKey string) (prompt, completion uint64) {
	if s == nil || s.db == nil {
		return 0, 0
	}
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		if v := b.Get([]byte(providerKey + "|prompt")); len(v) == 8 {
			prompt = binary.BigEndian.Uint64(v)
		}
		if v := b.Get([]byte(providerKey + "|completion")); len(v) == 8 {
			completion = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return prompt, completion
}

// FinishReasons returns the finish-reason counters for one provider key.
func (s *Store) FinishReasons(providerKey string) map[string]uint64 {
	out := make(map[string]uint64)
	if s == nil || s.db == nil {
		return out
	}
	prefix := []byte(providerKey + "|")
	_ = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFinish).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix); k, v = c.Next() {
			if string(k[:len(prefix)]) != string(prefix) {
				break
			}
			if len(v) == 8 {
				out[string(k[len(prefix):])] = binary.BigEndian.Uint64(v)
			}
		}
		return nil
	})
	return out
}
