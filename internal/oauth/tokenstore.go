// Package oauth manages the OAuth credential lifecycle for upstream
// providers: on-disk token storage, expiry detection, refresh attempts, and
// interactive device-code / authorization-code fallback. Concurrent callers
// for the same (provider, token file) share a single in-flight acquisition.
package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/router-for-me/routecodex/internal/config"
)

// CredentialRecord is the on-disk token shape, one file per provider alias.
type CredentialRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is an absolute epoch timestamp in milliseconds.
	ExpiresAt int64 `json:"expires_at"`
	// APIKey is set for providers that exchange the OAuth token for a
	// long-lived API key (e.g. iFlow).
	APIKey    string `json:"api_key,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// expirySkew is subtracted from the recorded expiry when judging freshness.
const expirySkew = 60 * time.Second

// Fresh reports whether the record can be used right now. A token whose
// expiry equals now is already expired.
func (r *CredentialRecord) Fresh(now time.Time) bool {
	if r == nil {
		return false
	}
	return time.UnixMilli(r.ExpiresAt).Sub(now) > expirySkew
}

// HasCredential checks the provider-family-specific required field: iFlow
// needs the exchanged API key, qwen needs the access token, everything else
// accepts either.
func (r *CredentialRecord) HasCredential(providerType string) bool {
	if r == nil {
		return false
	}
	switch family(providerType) {
	case "iflow":
		return r.APIKey != ""
	case "qwen":
		return r.AccessToken != ""
	default:
		return r.AccessToken != "" || r.APIKey != ""
	}
}

// BearerValue returns the value used in the Authorization header.
func (r *CredentialRecord) BearerValue(providerType string) string {
	if family(providerType) == "iflow" && r.APIKey != "" {
		return r.APIKey
	}
	return r.AccessToken
}

func family(providerType string) string {
	providerType = strings.ToLower(providerType)
	switch {
	case strings.HasPrefix(providerType, "iflow"):
		return "iflow"
	case strings.HasPrefix(providerType, "qwen"):
		return "qwen"
	}
	return providerType
}

// DefaultTokenFile resolves the on-disk token location for a provider type
// when the config does not name one. Well-known CLI locations are honored so
// existing credentials are reused.
func DefaultTokenFile(providerType string) string {
	switch family(providerType) {
	case "qwen":
		return config.ExpandPath("~/.qwen/oauth_creds.json")
	case "iflow":
		return config.ExpandPath("~/.iflow/oauth_creds.json")
	}
	return config.ExpandPath(filepath.Join("~/.routecodex/auth", providerType+"-oauth.json"))
}

// ReadTokenFile loads a CredentialRecord from disk. A missing or unreadable
// file yields (nil, nil): the caller treats it as "no token".
func ReadTokenFile(path string) (*CredentialRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, nil
	}
	var rec CredentialRecord
	if err = json.Unmarshal(data, &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

// WriteTokenFile persists a record atomically via rename-over-temp so
// concurrent readers never observe a partial file.
func WriteTokenFile(path string, rec *CredentialRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential record: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close token file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to chmod token file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to persist token file: %w", err)
	}
	return nil
}
