package router

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/routecodex/internal/config"
	"github.com/router-for-me/routecodex/internal/pipeline"
)

// failFastThreshold is how many consecutive identical error signatures are
// tolerated before the engine stops exhausting the pool.
const failFastThreshold = 3

// Reauthorizer runs the OAuth interactive path for one provider. Implemented
// by the provider registry; the engine calls it before rotating away from a
// reauth-classified failure.
type Reauthorizer interface {
	Reauthorize(ctx context.Context, providerID string) error
}

// routeRule is a compiled model classifier entry.
type routeRule struct {
	pattern *regexp.Regexp
	route   string
}

// Snapshot is the immutable routing view the engine works against. Rebuilt
// whole on config reload and swapped atomically by the owner.
type Snapshot struct {
	Routes    map[string][]string
	Providers map[string]*config.ProviderProfile
	rules     []routeRule
}

// NewSnapshot compiles the routing tables from config. Malformed rule
// patterns are skipped with a warning; config validation has already rejected
// structural problems.
func NewSnapshot(cfg *config.Config) *Snapshot {
	s := &Snapshot{
		Routes:    cfg.Routes,
		Providers: cfg.Providers,
	}
	for _, r := range cfg.RouteRules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			log.Warnf("router: skipping route rule %q: %v", r.Pattern, err)
			continue
		}
		s.rules = append(s.rules, routeRule{pattern: re, route: r.Route})
	}
	return s
}

// PickPool resolves the route pool name: explicit hint, then model
// classifier, then "default".
func (s *Snapshot) PickPool(routeHint, model string) string {
	if routeHint != "" {
		if _, ok := s.Routes[routeHint]; ok {
			return routeHint
		}
	}
	for _, rule := range s.rules {
		if rule.pattern.MatchString(model) {
			if _, ok := s.Routes[rule.route]; ok {
				return rule.route
			}
		}
	}
	return "default"
}

// ledger is the per-request retry state.
type ledger struct {
	tried         map[string]bool
	attempts      int
	lastSignature string
	consecutive   int
	lastReason    string
	lastErr       error
}

func newLedger() *ledger {
	return &ledger{tried: make(map[string]bool)}
}

func (l *ledger) record(providerKey string, err error, reason string) {
	l.tried[providerKey] = true
	l.attempts++
	l.lastReason = reason
	l.lastErr = err

	sig := errorSignature(err)
	if sig == l.lastSignature {
		l.consecutive++
	} else {
		l.lastSignature = sig
		l.consecutive = 1
	}
}

func errorSignature(err error) string {
	msg := err.Error()
	if len(msg) > 80 {
		msg = msg[:80]
	}
	return msg
}

// Engine is the virtual router and retry driver.
type Engine struct {
	snapshot     *Snapshot
	registry     *Registry
	orchestrator *pipeline.Orchestrator
	reauth       Reauthorizer
}

// NewEngine wires the engine. reauth may be nil when no OAuth providers are
// configured.
func NewEngine(snapshot *Snapshot, registry *Registry, orchestrator *pipeline.Orchestrator, reauth Reauthorizer) *Engine {
	return &Engine{
		snapshot:     snapshot,
		registry:     registry,
		orchestrator: orchestrator,
		reauth:       reauth,
	}
}

// SetSnapshot swaps the routing view; called by the config reloader. The
// cooldown registry survives the swap.
func (e *Engine) SetSnapshot(s *Snapshot) { e.snapshot = s }

// Snapshot returns the current routing view.
func (e *Engine) Snapshot() *Snapshot { return e.snapshot }

func attemptCapFor(providerKey string) int {
	if strings.HasPrefix(providerKey, "antigravity.") {
		return config.EnvInt(config.EnvAntigravityMaxAttempts, 20, 1, 60)
	}
	return config.EnvInt(config.EnvMaxProviderAttempts, 6, 1, 20)
}

// candidates returns the pool keys eligible right now, LRU-first, excluding
// tried keys and keys under alias or series cooldown.
func (e *Engine) candidates(pool string, tried map[string]bool, now time.Time) []string {
	keys := e.snapshot.Routes[pool]
	eligible := make([]string, 0, len(keys))
	for _, key := range keys {
		if tried[key] {
			continue
		}
		if !e.registry.AliasReady(key, now) {
			continue
		}
		providerID := ProviderIDOfKey(key)
		series := SeriesOfKey(key, ModelOfKey(key))
		if !e.registry.SeriesReady(providerID, series, now) {
			continue
		}
		eligible = append(eligible, key)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return e.registry.LastUsed(eligible[i]).Before(e.registry.LastUsed(eligible[j]))
	})
	return eligible
}

// bind attaches the target to the DTO: route fields plus the provider
// protocol metadata the conversion node keys on.
func (e *Engine) bind(d *pipeline.DTO, providerKey string) error {
	providerID := ProviderIDOfKey(providerKey)
	profile, ok := e.snapshot.Providers[providerID]
	if !ok {
		return fmt.Errorf("router: provider %q not configured", providerID)
	}
	model := ModelOfKey(providerKey)
	if model == "" && profile.Metadata.DefaultModel != "" {
		model = profile.Metadata.DefaultModel
	}

	d.Route.ProviderID = providerID
	d.Route.ProviderKey = providerKey
	d.Route.ModelID = model
	d.Route.PipelineID = "pl_" + uuid.NewString()
	d.SetMeta(pipeline.MetaProviderProtocol, profile.Protocol)
	d.SetMeta(pipeline.MetaPipelineID, d.Route.PipelineID)
	return nil
}

// Execute drives the request against the pool until success, terminal
// failure, or exhaustion. The blueprint re-runs whole per attempt so request
// shaping reflects the new target.
func (e *Engine) Execute(ctx context.Context, d *pipeline.DTO, blueprint []pipeline.Node, routeHint, requestedModel string) error {
	pool := e.snapshot.PickPool(routeHint, requestedModel)
	led := newLedger()
	original := make([]byte, len(d.Data))
	copy(original, d.Data)

	for {
		now := time.Now()
		eligible := e.candidates(pool, led.tried, now)
		if len(eligible) == 0 {
			if led.lastErr != nil {
				return fmt.Errorf("router: pool %q exhausted after %d attempts (%s): %w", pool, led.attempts, led.lastReason, led.lastErr)
			}
			return fmt.Errorf("router: no available target in pool %q", pool)
		}
		providerKey := eligible[0]
		if led.attempts >= attemptCapFor(providerKey) {
			return fmt.Errorf("router: attempt cap reached for pool %q (%d attempts): %w", pool, led.attempts, led.lastErr)
		}

		// Each attempt starts from the client's original payload.
		d.Data = append(d.Data[:0], original...)
		d.Stream = nil
		if err := e.bind(d, providerKey); err != nil {
			return err
		}
		e.registry.Touch(providerKey)

		err := e.orchestrator.Run(ctx, blueprint, d)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("router: request deadline hit on %s: %w", providerKey, err)
		}

		cls := Classify(err)
		led.record(providerKey, err, cls.Reason)
		log.Warnf("router: attempt %d on %s failed (%s): %v", led.attempts, providerKey, cls.Reason, err)

		switch cls.Kind {
		case KindTerminal:
			return err
		case KindCooldown:
			providerID := ProviderIDOfKey(providerKey)
			if cls.Series != "" {
				e.registry.CoolSeries(providerID, cls.Series, cls.Cooldown)
			} else {
				e.registry.CoolAlias(providerKey, cls.Cooldown)
			}
		case KindRotate:
			if cls.ReauthNeeded && e.reauth != nil {
				if rerr := e.reauth.Reauthorize(ctx, ProviderIDOfKey(providerKey)); rerr != nil {
					log.Warnf("router: reauth for %s failed: %v", providerKey, rerr)
				}
			}
		}

		if led.consecutive >= failFastThreshold {
			return fmt.Errorf("router: aborting after %d identical failures: %w", led.consecutive, err)
		}
	}
}
