// Package watcher monitors the configuration file for changes and triggers a
// hot reload: the owner rebuilds the routing snapshot and provider handles
// from the re-parsed config and swaps them atomically.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/routecodex/internal/config"
)

// debounceDelay absorbs editor write bursts before a reload fires.
const debounceDelay = 200 * time.Millisecond

// Watcher watches one config file and invokes the reload callback with the
// re-parsed config when its content actually changes.
type Watcher struct {
	configPath string
	reload     func(*config.Config)
	watcher    *fsnotify.Watcher
	lastHash   string
}

// NewWatcher creates a watcher for configPath. The callback runs on the
// watcher goroutine; it must be quick or hand off.
func NewWatcher(configPath string, reload func(*config.Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		configPath: configPath,
		reload:     reload,
		watcher:    fsw,
	}
	w.lastHash = hashFile(configPath)
	return w, nil
}

// Start begins watching. Watching the directory instead of the file survives
// rename-based saves.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Errorf("failed to watch config directory %s: %v", dir, err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, w.maybeReload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config watcher error: %v", err)
		}
	}
}

// maybeReload re-parses the config when the file hash changed. A parse
// failure keeps the previous config running.
func (w *Watcher) maybeReload() {
	hash := hashFile(w.configPath)
	if hash == "" || hash == w.lastHash {
		return
	}
	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("config reload failed, keeping previous config: %v", err)
		return
	}
	w.lastHash = hash
	log.Infof("config file changed, reloading")
	w.reload(cfg)
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
