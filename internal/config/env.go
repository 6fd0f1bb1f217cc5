package config

import (
	"os"
	"strconv"
	"time"
)

// Environment flag names recognized by the gateway. All are optional.
const (
	EnvTimeoutMs               = "ROUTECODEX_TIMEOUT_MS"
	EnvPipelineMaxWaitMs       = "ROUTECODEX_PIPELINE_MAX_WAIT_MS"
	EnvMaxProviderAttempts     = "ROUTECODEX_MAX_PROVIDER_ATTEMPTS"
	EnvAntigravityMaxAttempts  = "ROUTECODEX_ANTIGRAVITY_MAX_PROVIDER_ATTEMPTS"
	EnvCapacityCooldown        = "ROUTECODEX_RL_CAPACITY_COOLDOWN"
	EnvDefaultQuotaCooldown    = "ROUTECODEX_RL_DEFAULT_QUOTA_COOLDOWN"
	EnvOAuthAutoOpen           = "ROUTECODEX_OAUTH_AUTO_OPEN"
	EnvOAuthForceReauth        = "ROUTECODEX_OAUTH_FORCE_REAUTH"
	EnvToolSafeMode            = "ROUTECODEX_TOOL_SAFE_MODE"
)

// EnvInt reads an integer environment flag, clamping the result into
// [min, max]. The fallback is returned when the flag is unset or malformed.
func EnvInt(name string, fallback, min, max int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// EnvBool reads a boolean flag: "1" and "true" enable it.
func EnvBool(name string) bool {
	switch os.Getenv(name) {
	case "1", "true", "TRUE", "True":
		return true
	}
	return false
}

// EnvDuration reads a duration flag (e.g. "30s", "5m"). The fallback is
// returned when the flag is unset or malformed.
func EnvDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// PipelineMaxWait returns the end-to-end orchestrator deadline.
func PipelineMaxWait() time.Duration {
	ms := EnvInt(EnvPipelineMaxWaitMs, 300000, 1000, 3600000)
	return time.Duration(ms) * time.Millisecond
}

// RequestTimeout returns the unified request timeout.
func RequestTimeout() time.Duration {
	ms := EnvInt(EnvTimeoutMs, 300000, 1000, 3600000)
	return time.Duration(ms) * time.Millisecond
}
