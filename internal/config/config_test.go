package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  mock:
    protocol: openai
    transport:
      base-url: https://example.com
routes:
  default:
    - mock.gpt-test
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 5506 {
		t.Errorf("default port = %d, want 5506", cfg.Port)
	}
	if cfg.Providers["mock"].Transport.TimeoutMs != 300000 {
		t.Errorf("default timeout = %d, want the unified 300000", cfg.Providers["mock"].Transport.TimeoutMs)
	}
	if cfg.Providers["mock"].Auth.Kind != "none" {
		t.Errorf("default auth kind = %q, want none", cfg.Providers["mock"].Auth.Kind)
	}
}

func TestLoadConfigTimeoutFromEnv(t *testing.T) {
	t.Setenv(EnvTimeoutMs, "45000")
	path := writeConfig(t, `
providers:
  mock:
    protocol: openai
    transport:
      base-url: https://example.com
  pinned:
    protocol: openai
    transport:
      base-url: https://example.com
      timeout-ms: 9000
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Providers["mock"].Transport.TimeoutMs != 45000 {
		t.Errorf("env timeout = %d, want 45000", cfg.Providers["mock"].Transport.TimeoutMs)
	}
	if cfg.Providers["pinned"].Transport.TimeoutMs != 9000 {
		t.Errorf("explicit timeout = %d, want 9000", cfg.Providers["pinned"].Transport.TimeoutMs)
	}
}

func TestLoadConfigRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, `
providers:
  mock:
    protocol: openai
    transport:
      base-url: https://example.com
routes:
  default:
    - missing.model
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for route referencing unknown provider")
	}
}

func TestLoadConfigRejectsBadProtocol(t *testing.T) {
	path := writeConfig(t, `
providers:
  mock:
    protocol: smoke-signals
    transport:
      base-url: https://example.com
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unsupported protocol")
	}
}

func TestProviderIDFromKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"iflow.a", "iflow"},
		{"antigravity.g-pro.k1", "antigravity"},
		{"bare", ""},
		{".leading", ""},
	}
	for _, tt := range tests {
		if got := ProviderIDFromKey(tt.key); got != tt.want {
			t.Errorf("ProviderIDFromKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestResolveAPIKeyEnvExpansion(t *testing.T) {
	t.Setenv("ROUTECODEX_TEST_KEY", "sk-from-env")

	a := APIKeyAuth{Value: "${ROUTECODEX_TEST_KEY}"}
	if got := a.ResolveAPIKey(); got != "sk-from-env" {
		t.Errorf("expansion = %q, want sk-from-env", got)
	}

	b := APIKeyAuth{EnvRef: "ROUTECODEX_TEST_KEY", Value: "inline"}
	if got := b.ResolveAPIKey(); got != "sk-from-env" {
		t.Errorf("env-ref = %q, want sk-from-env", got)
	}

	c := APIKeyAuth{Value: "inline"}
	if got := c.ResolveAPIKey(); got != "inline" {
		t.Errorf("inline = %q, want inline", got)
	}
}

func TestEnvIntClamping(t *testing.T) {
	t.Setenv(EnvMaxProviderAttempts, "99")
	if got := EnvInt(EnvMaxProviderAttempts, 6, 1, 20); got != 20 {
		t.Errorf("clamped high = %d, want 20", got)
	}
	t.Setenv(EnvMaxProviderAttempts, "0")
	if got := EnvInt(EnvMaxProviderAttempts, 6, 1, 20); got != 1 {
		t.Errorf("clamped low = %d, want 1", got)
	}
	t.Setenv(EnvMaxProviderAttempts, "junk")
	if got := EnvInt(EnvMaxProviderAttempts, 6, 1, 20); got != 6 {
		t.Errorf("malformed = %d, want fallback 6", got)
	}
}
