// Package router translates a route name into concrete provider targets and
// drives the retry engine: alias rotation, series cooldowns, attempt caps,
// and upstream error classification.
package router

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// maxCooldown caps any attached cooldown window.
const maxCooldown = 3 * time.Hour

// Model series sharing rate-limit quotas.
const (
	SeriesClaude      = "claude"
	SeriesGeminiPro   = "gemini-pro"
	SeriesGeminiFlash = "gemini-flash"
)

var (
	claudePattern = regexp.MustCompile(`(?i)claude|opus`)
	flashPattern  = regexp.MustCompile(`(?i)flash`)
	geminiPattern = regexp.MustCompile(`(?i)gemini|pro`)
)

// SeriesOf derives the quota series from a model id. Returns "" when the
// model belongs to no known series.
func SeriesOf(model string) string {
	switch {
	case claudePattern.MatchString(model):
		return SeriesClaude
	case flashPattern.MatchString(model):
		return SeriesGeminiFlash
	case geminiPattern.MatchString(model):
		return SeriesGeminiPro
	}
	return ""
}

// SeriesOfKey derives the series for a provider key, falling back to the full
// key when the model segment alone matches nothing. Some pools encode the
// model family in the alias segment.
func SeriesOfKey(providerKey, model string) string {
	if s := SeriesOf(model); s != "" {
		return s
	}
	return SeriesOf(providerKey)
}

// SeriesCooldownDetail records why a (providerId, series) pair is paused.
type SeriesCooldownDetail struct {
	Scope       string        `json:"scope"`
	ProviderID  string        `json:"providerId"`
	ProviderKey string        `json:"providerKey,omitempty"`
	Model       string        `json:"model,omitempty"`
	Series      string        `json:"series"`
	CooldownMs  int64         `json:"cooldownMs"`
	Source      string        `json:"source"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	cooldown    time.Duration `json:"-"`
}

// Registry tracks alias cooldowns, series cooldowns, and alias last-use
// times. Process-local, mutex-guarded; rebuilt on config reload.
type Registry struct {
	mu       sync.Mutex
	alias    map[string]time.Time
	series   map[string]time.Time
	lastUsed map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		alias:    make(map[string]time.Time),
		series:   make(map[string]time.Time),
		lastUsed: make(map[string]time.Time),
	}
}

func seriesKey(providerID, series string) string {
	return providerID + "|" + series
}

func clampCooldown(d time.Duration) time.Duration {
	if d > maxCooldown {
		return maxCooldown
	}
	return d
}

// CoolAlias pauses one provider key for the given window.
func (r *Registry) CoolAlias(providerKey string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alias[providerKey] = time.Now().Add(clampCooldown(d))
}

// CoolSeries pauses every key of (providerID, series) for the given window.
func (r *Registry) CoolSeries(providerID, series string, d time.Duration) {
	if series == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series[seriesKey(providerID, series)] = time.Now().Add(clampCooldown(d))
}

// AliasReady reports whether the key's alias cooldown has expired.
func (r *Registry) AliasReady(providerKey string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.alias[providerKey]
	return !ok || !now.Before(until)
}

// SeriesReady reports whether (providerID, series) is out of cooldown. An
// empty series is always ready.
func (r *Registry) SeriesReady(providerID, series string, now time.Time) bool {
	if series == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.series[seriesKey(providerID, series)]
	return !ok || !now.Before(until)
}

// Touch records a use of the key for LRU ordering.
func (r *Registry) Touch(providerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsed[providerKey] = time.Now()
}

// LastUsed returns the key's last-use time; the zero time when never used.
func (r *Registry) LastUsed(providerKey string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsed[providerKey]
}

// ProviderIDOfKey returns the provider segment of a provider key.
func ProviderIDOfKey(providerKey string) string {
	if idx := strings.Index(providerKey, "."); idx > 0 {
		return providerKey[:idx]
	}
	return providerKey
}

// ModelOfKey returns the model segment of a provider key: the last segment
// of provider.alias.model or provider.model forms. A bare provider id yields "".
func ModelOfKey(providerKey string) string {
	idx := strings.LastIndex(providerKey, ".")
	if idx < 0 || idx == len(providerKey)-1 {
		return ""
	}
	return providerKey[idx+1:]
}
