package oauth

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/routecodex/internal/browser"
	"github.com/router-for-me/routecodex/internal/config"
)

// successThrottle is the window after a successful EnsureValid run during
// which repeated runs for the same key are skipped.
const successThrottle = 60 * time.Second

// Options tunes one EnsureValid call.
type Options struct {
	// ForceReauth skips the freshness shortcut and re-acquires.
	ForceReauth bool
	// ForceReacquireIfRefreshFails falls through to the interactive flow
	// when the refresh-token path fails.
	ForceReacquireIfRefreshFails bool
	// BypassThrottle ignores the 60s success throttle; used by the retry
	// engine's reauth path so genuine reauth requests are never hidden.
	BypassThrottle bool
}

type flight struct {
	done chan struct{}
	rec  *CredentialRecord
	err  error
}

// Manager owns the OAuth credential lifecycle. One Manager serves the whole
// process; its single-flight map guarantees at most one interactive
// acquisition per (providerType, tokenFile).
type Manager struct {
	httpClient *http.Client

	mu          sync.Mutex
	inFlight    map[string]*flight
	lastSuccess map[string]time.Time

	// autoOpen controls whether interactive flows open the browser.
	autoOpen bool
}

// NewManager constructs a Manager. httpClient may carry proxy settings; nil
// uses http.DefaultClient.
func NewManager(httpClient *http.Client, autoOpen bool) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{
		httpClient:  httpClient,
		inFlight:    make(map[string]*flight),
		lastSuccess: make(map[string]time.Time),
		autoOpen:    autoOpen,
	}
}

func flightKey(providerType, tokenFile string) string {
	return providerType + "|" + tokenFile
}

// EnsureValid guarantees a usable credential exists on disk for the provider
// and returns it. Concurrent callers with the same (providerType, tokenFile)
// join the in-flight acquisition and observe its result.
func (m *Manager) EnsureValid(ctx context.Context, providerType string, auth *config.OAuthAuth, opts Options) (*CredentialRecord, error) {
	tokenFile := auth.TokenFile
	if tokenFile == "" {
		tokenFile = DefaultTokenFile(providerType)
	}
	key := flightKey(providerType, tokenFile)

	for {
		m.mu.Lock()
		if existing, ok := m.inFlight[key]; ok {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-existing.done:
			}
			return existing.rec, existing.err
		}

		// Success throttle: a recent successful run means the file is good;
		// skip unless the caller explicitly bypasses (reauth path).
		throttled := false
		if !opts.BypassThrottle && !opts.ForceReauth {
			if last, ok := m.lastSuccess[key]; ok && time.Since(last) < successThrottle {
				throttled = true
			}
		}
		if throttled {
			m.mu.Unlock()
			if rec, _ := ReadTokenFile(tokenFile); rec != nil {
				return rec, nil
			}
			// File vanished under us; loop back into a real run.
			m.mu.Lock()
			delete(m.lastSuccess, key)
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()
		break
	}

	m.mu.Lock()
	if existing, ok := m.inFlight[key]; ok {
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-existing.done:
		}
		return existing.rec, existing.err
	}
	f := &flight{done: make(chan struct{})}
	m.inFlight[key] = f
	m.mu.Unlock()

	rec, err := m.ensureValidLocked(ctx, providerType, tokenFile, auth, opts)

	m.mu.Lock()
	delete(m.inFlight, key)
	if err == nil {
		m.lastSuccess[key] = time.Now()
	}
	m.mu.Unlock()

	f.rec, f.err = rec, err
	close(f.done)
	return rec, err
}

// ensureValidLocked runs the acquisition state machine. "Locked" refers to
// the single-flight slot, not a mutex; the caller holds the flight for key.
func (m *Manager) ensureValidLocked(ctx context.Context, providerType, tokenFile string, auth *config.OAuthAuth, opts Options) (*CredentialRecord, error) {
	now := time.Now()
	rec, _ := ReadTokenFile(tokenFile)

	forceReauth := opts.ForceReauth || config.EnvBool(config.EnvOAuthForceReauth)
	if rec != nil && !forceReauth && rec.Fresh(now) && rec.HasCredential(providerType) {
		return rec, nil
	}

	// Near-expiry (or expired) with a refresh token: try the refresh path.
	if rec != nil && rec.RefreshToken != "" && !forceReauth {
		refreshed, err := m.RefreshToken(ctx, auth, rec.RefreshToken)
		if err == nil {
			// Keep the long-lived API key across refreshes when the
			// provider does not resend it.
			if refreshed.APIKey == "" {
				refreshed.APIKey = rec.APIKey
			}
			if errWrite := WriteTokenFile(tokenFile, refreshed); errWrite != nil {
				return nil, errWrite
			}
			log.Infof("refreshed %s credentials (expires %s)", providerType, time.UnixMilli(refreshed.ExpiresAt).Format(time.RFC3339))
			return refreshed, nil
		}
		log.Warnf("%s token refresh failed: %v", providerType, err)
		if !opts.ForceReacquireIfRefreshFails {
			return nil, fmt.Errorf("oauth refresh failed for %s: %w", providerType, err)
		}
	}

	// Interactive acquisition: authorization-code first when the provider
	// has an authorization URL, falling back to the device flow.
	acquired, err := m.interactiveAcquire(ctx, providerType, auth)
	if err != nil {
		return nil, err
	}
	if errWrite := WriteTokenFile(tokenFile, acquired); errWrite != nil {
		return nil, errWrite
	}
	log.Infof("acquired new %s credentials (expires %s)", providerType, time.UnixMilli(acquired.ExpiresAt).Format(time.RFC3339))
	return acquired, nil
}

func (m *Manager) interactiveAcquire(ctx context.Context, providerType string, auth *config.OAuthAuth) (*CredentialRecord, error) {
	autoOpen := m.autoOpen || config.EnvBool(config.EnvOAuthAutoOpen)

	if auth.AuthorizationURL != "" {
		rec, err := m.AuthorizationCodeFlow(ctx, auth, autoOpen)
		if err == nil {
			return rec, nil
		}
		log.Warnf("%s authorization-code flow failed: %v, falling back to device flow", providerType, err)
	}

	flow, err := m.InitiateDeviceFlow(ctx, auth)
	if err != nil {
		return nil, err
	}
	verification := flow.VerificationURIComplete
	if verification == "" {
		verification = flow.VerificationURI
	}
	log.Infof("visit %s and enter code %s to authorize %s", verification, flow.UserCode, providerType)
	if autoOpen && verification != "" {
		_ = browser.OpenURL(verification)
	}
	return m.PollForToken(ctx, auth, flow)
}

var invalidTokenPattern = regexp.MustCompile(`(?i)401|403|invalid[_-]?token|expired|40308`)

// HandleUpstreamInvalid reacts to an upstream error that suggests the stored
// token is no longer accepted. When the message matches the invalid-token
// signature, it re-runs EnsureValid with forced reacquire and reports whether
// the caller should retry the upstream call.
func (m *Manager) HandleUpstreamInvalid(ctx context.Context, providerType string, auth *config.OAuthAuth, upstreamErr error) bool {
	if upstreamErr == nil || !invalidTokenPattern.MatchString(upstreamErr.Error()) {
		return false
	}
	log.Infof("upstream rejected %s credentials, attempting reacquire", providerType)
	_, err := m.EnsureValid(ctx, providerType, auth, Options{
		ForceReacquireIfRefreshFails: true,
		BypassThrottle:               true,
	})
	if err != nil {
		log.Warnf("credential reacquire for %s failed: %v", providerType, err)
		return false
	}
	return true
}
