// Package config provides configuration management for the RouteCodex gateway.
// It handles loading and parsing YAML configuration files and provides
// structured access to application settings including the listen port, virtual
// route pools, provider profiles, authentication material, and debug flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the interface the API server binds to. Empty means all interfaces.
	Host string `yaml:"host"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables or disables debug-level logging and per-stage pipeline snapshots.
	Debug bool `yaml:"debug"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// APIKeys is a list of keys for authenticating clients to this gateway.
	APIKeys []string `yaml:"api-keys"`

	// AllowLocalhostUnauthenticated allows unauthenticated requests from localhost.
	AllowLocalhostUnauthenticated bool `yaml:"allow-localhost-unauthenticated"`

	// AuthDir is the directory where OAuth token files are stored by default.
	AuthDir string `yaml:"auth-dir"`

	// LogDir is the directory holding the per-request SSE event log.
	LogDir string `yaml:"log-dir"`

	// EventLog enables the per-request SSE event log.
	EventLog bool `yaml:"event-log"`

	// UsageDB is the path of the bbolt usage statistics database. Empty disables it.
	UsageDB string `yaml:"usage-db"`

	// Providers maps a provider id to its profile.
	Providers map[string]*ProviderProfile `yaml:"providers"`

	// Routes maps a virtual route name (e.g. "default", "coding") to an
	// ordered list of provider keys of the form provider.alias.model.
	Routes map[string][]string `yaml:"routes"`

	// RouteRules classifies a requested model into a route pool by regular
	// expression. Evaluated in order; first match wins.
	RouteRules []RouteRule `yaml:"route-rules"`

	// Snapshots enables writing pipeline stage snapshots to the log directory.
	Snapshots SnapshotConfig `yaml:"snapshots"`
}

// RouteRule binds a model-name pattern to a route pool.
type RouteRule struct {
	// Pattern is a regular expression matched against the requested model id.
	Pattern string `yaml:"pattern"`

	// Route is the pool selected when the pattern matches.
	Route string `yaml:"route"`
}

// SnapshotConfig controls per-stage pipeline snapshot recording.
type SnapshotConfig struct {
	// Enabled toggles snapshot recording globally.
	Enabled bool `yaml:"enabled"`

	// Stages lists the stage names to record. Empty means all stages.
	Stages []string `yaml:"stages"`
}

// ProviderProfile describes one upstream provider: wire protocol, transport
// parameters, authentication, and compatibility shaping.
type ProviderProfile struct {
	// Protocol is the outgoing wire protocol. One of openai, responses,
	// anthropic, gemini, gemini-cli.
	Protocol string `yaml:"protocol"`

	// Transport holds base URL, timeout, and retry settings.
	Transport TransportConfig `yaml:"transport"`

	// Auth selects the credential mechanism for this provider.
	Auth AuthConfig `yaml:"auth"`

	// CompatibilityProfile names a shape-filter bundle (e.g. "glm", "iflow").
	CompatibilityProfile string `yaml:"compatibility-profile"`

	// Metadata carries the default model and the supported model list.
	Metadata ProviderMetadata `yaml:"metadata"`
}

// TransportConfig holds HTTP transport parameters for one provider.
type TransportConfig struct {
	// BaseURL is the provider endpoint root.
	BaseURL string `yaml:"base-url"`

	// Endpoint is an optional path appended to BaseURL, or an absolute URL
	// used verbatim when it starts with http.
	Endpoint string `yaml:"endpoint"`

	// TimeoutMs is the per-call deadline in milliseconds. Defaults to the
	// unified request timeout (ROUTECODEX_TIMEOUT_MS, 300000 when unset).
	TimeoutMs int `yaml:"timeout-ms"`

	// MaxRetries bounds transport-level retries for transient errors.
	MaxRetries int `yaml:"max-retries"`

	// Headers are extra headers sent on every request to this provider.
	Headers map[string]string `yaml:"headers"`
}

// AuthConfig is a tagged union selected by Kind.
type AuthConfig struct {
	// Kind is one of "none", "apikey", "oauth".
	Kind string `yaml:"kind"`

	// APIKey configures static key authentication when Kind is "apikey".
	APIKey APIKeyAuth `yaml:"apikey"`

	// OAuth configures the OAuth lifecycle when Kind is "oauth".
	OAuth OAuthAuth `yaml:"oauth"`
}

// APIKeyAuth resolves a static API key from an inline value or an env ref.
type APIKeyAuth struct {
	// Value is the literal key. Supports ${ENV_NAME} expansion.
	Value string `yaml:"value"`

	// EnvRef names an environment variable holding the key.
	EnvRef string `yaml:"env-ref"`
}

// OAuthAuth describes the endpoints and client identity of an OAuth provider.
type OAuthAuth struct {
	ClientID         string   `yaml:"client-id"`
	ClientSecret     string   `yaml:"client-secret"`
	TokenURL         string   `yaml:"token-url"`
	DeviceCodeURL    string   `yaml:"device-code-url"`
	AuthorizationURL string   `yaml:"authorization-url"`
	RefreshURL       string   `yaml:"refresh-url"`
	Scopes           []string `yaml:"scopes"`

	// TokenFile overrides the default on-disk token location.
	TokenFile string `yaml:"token-file"`
}

// ProviderMetadata carries model bookkeeping for a provider.
type ProviderMetadata struct {
	DefaultModel    string   `yaml:"default-model"`
	SupportedModels []string `yaml:"supported-models"`
}

// ResolveAPIKey returns the effective API key for an apikey-auth provider,
// expanding ${ENV} references.
func (a *APIKeyAuth) ResolveAPIKey() string {
	if a.EnvRef != "" {
		if v := os.Getenv(a.EnvRef); v != "" {
			return v
		}
	}
	value := a.Value
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(value, "${"), "}"))
	}
	return value
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, applies defaults and path expansion, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err = config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 5506
	}
	if c.AuthDir == "" {
		c.AuthDir = "~/.routecodex/auth"
	}
	if c.LogDir == "" {
		c.LogDir = "~/.routecodex/logs"
	}
	c.AuthDir = ExpandPath(c.AuthDir)
	c.LogDir = ExpandPath(c.LogDir)
	if c.UsageDB != "" {
		c.UsageDB = ExpandPath(c.UsageDB)
	}
	for _, p := range c.Providers {
		if p.Transport.TimeoutMs <= 0 {
			p.Transport.TimeoutMs = int(RequestTimeout().Milliseconds())
		}
		if p.Transport.MaxRetries < 0 {
			p.Transport.MaxRetries = 0
		}
		if p.Auth.Kind == "" {
			p.Auth.Kind = "none"
		}
		if p.Auth.OAuth.TokenFile != "" {
			p.Auth.OAuth.TokenFile = ExpandPath(p.Auth.OAuth.TokenFile)
		}
	}
}

// Validate rejects configurations the router cannot work with. Reported at
// load time; never recoverable at request time.
func (c *Config) Validate() error {
	for name, pool := range c.Routes {
		if len(pool) == 0 {
			return fmt.Errorf("config: route %q has an empty pool", name)
		}
		for _, key := range pool {
			providerID := ProviderIDFromKey(key)
			if providerID == "" {
				return fmt.Errorf("config: route %q contains malformed provider key %q", name, key)
			}
			if _, ok := c.Providers[providerID]; !ok {
				return fmt.Errorf("config: route %q references unknown provider %q", name, providerID)
			}
		}
	}
	for id, p := range c.Providers {
		switch p.Protocol {
		case "openai", "responses", "anthropic", "gemini", "gemini-cli":
		default:
			return fmt.Errorf("config: provider %q has unsupported protocol %q", id, p.Protocol)
		}
		switch p.Auth.Kind {
		case "none", "apikey", "oauth":
		default:
			return fmt.Errorf("config: provider %q has unsupported auth kind %q", id, p.Auth.Kind)
		}
		if p.Transport.BaseURL == "" && !strings.HasPrefix(p.Transport.Endpoint, "http") {
			return fmt.Errorf("config: provider %q has no base URL", id)
		}
	}
	return nil
}

// ProviderIDFromKey extracts the provider id from a provider key of the form
// provider.alias.model or provider.model.
func ProviderIDFromKey(key string) string {
	idx := strings.Index(key, ".")
	if idx <= 0 {
		return ""
	}
	return key[:idx]
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/"))
	}
	return p
}
