package router

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/routecodex/internal/config"
	"github.com/router-for-me/routecodex/internal/transport"
)

// Kind is the retry engine's verdict on one attempt outcome.
type Kind int

const (
	// KindTerminal ends the request immediately.
	KindTerminal Kind = iota
	// KindRotate moves to the next candidate without a cooldown.
	KindRotate
	// KindCooldown attaches a cooldown to the failed target, then rotates.
	KindCooldown
)

// Classification is the decision derived from one upstream failure.
type Classification struct {
	Kind Kind

	// Cooldown is the window to attach when Kind is KindCooldown.
	Cooldown time.Duration

	// Series, when non-empty, cools the whole (providerId, series) pair
	// instead of just the alias.
	Series string

	// ReauthNeeded asks the engine to run the OAuth interactive path before
	// rotating.
	ReauthNeeded bool

	// Reason is a short label for logs and the retry ledger.
	Reason string
}

// SeriesCooldownError carries an upstream series-cooldown hint through the
// pipeline to the retry engine.
type SeriesCooldownError struct {
	Detail SeriesCooldownDetail
	Err    error
}

// Error implements error.
func (e *SeriesCooldownError) Error() string {
	return fmt.Sprintf("series %s cooldown %dms: %v", e.Detail.Series, e.Detail.CooldownMs, e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *SeriesCooldownError) Unwrap() error { return e.Err }

var (
	overflowPattern = regexp.MustCompile(`(?i)prompt (is )?too long|context.length|maximum context|input is too long|context_length_exceeded`)
	verifyPattern   = regexp.MustCompile(`(?i)verify (your )?account|verification required`)
	reauthPattern   = regexp.MustCompile(`(?i)invalid[_-]?token|token expired|re-?auth|40308`)
	quotaPattern    = regexp.MustCompile(`(?i)quotaResetDelay|quotaResetTimeStamp|quota exceeded|resource.exhausted`)
	capacityPattern = regexp.MustCompile(`(?i)capacity|overloaded|no available provider capacity`)
	durationPattern = regexp.MustCompile(`(\d+)(ms|s|m|h)`)
	bareDelayHint   = regexp.MustCompile(`(?i)quotaResetDelay\D{0,10}(\d+)\b`)
)

// ParseCooldownHint extracts a cooldown duration from an upstream message:
// every `\d+(ms|s|m|h)` term is summed. A bare number counts as seconds only
// directly after a quotaResetDelay marker; unrelated digits in the message,
// such as an embedded status code, are never read as a hint. Returns 0 when
// the message carries no hint.
func ParseCooldownHint(message string) time.Duration {
	var total time.Duration
	for _, m := range durationPattern.FindAllStringSubmatch(message, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		switch m[2] {
		case "ms":
			total += time.Duration(n) * time.Millisecond
		case "s":
			total += time.Duration(n) * time.Second
		case "m":
			total += time.Duration(n) * time.Minute
		case "h":
			total += time.Duration(n) * time.Hour
		}
	}
	if total == 0 {
		if m := bareDelayHint.FindStringSubmatch(message); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				total = time.Duration(n) * time.Second
			}
		}
	}
	return clampCooldown(total)
}

// Classify maps one attempt failure to a retry decision. The transport has
// already exhausted same-target retries for transient errors, so anything
// arriving here either rotates, cools down, or kills the request.
func Classify(err error) Classification {
	var sce *SeriesCooldownError
	if errors.As(err, &sce) {
		return Classification{
			Kind:     KindCooldown,
			Cooldown: time.Duration(sce.Detail.CooldownMs) * time.Millisecond,
			Series:   sce.Detail.Series,
			Reason:   "series-cooldown",
		}
	}

	message := err.Error()
	status := 0
	var perr *transport.ProviderError
	if errors.As(err, &perr) {
		status = perr.StatusCode
	}

	switch {
	case status == 429 || strings.Contains(message, "429"):
		cooldown := ParseCooldownHint(message)
		if cooldown == 0 {
			if capacityPattern.MatchString(message) {
				cooldown = config.EnvDuration(config.EnvCapacityCooldown, 30*time.Second)
			} else {
				cooldown = config.EnvDuration(config.EnvDefaultQuotaCooldown, 5*time.Minute)
			}
		}
		return Classification{Kind: KindCooldown, Cooldown: cooldown, Reason: "rate-limit"}

	case quotaPattern.MatchString(message):
		cooldown := ParseCooldownHint(message)
		if cooldown == 0 {
			cooldown = config.EnvDuration(config.EnvDefaultQuotaCooldown, 5*time.Minute)
		}
		return Classification{Kind: KindCooldown, Cooldown: cooldown, Reason: "quota"}

	case capacityPattern.MatchString(message):
		cooldown := ParseCooldownHint(message)
		if cooldown == 0 {
			cooldown = config.EnvDuration(config.EnvCapacityCooldown, 30*time.Second)
		}
		return Classification{Kind: KindCooldown, Cooldown: cooldown, Reason: "capacity"}

	case status == 400 && overflowPattern.MatchString(message):
		return Classification{Kind: KindRotate, Reason: "context-overflow"}

	case status == 400:
		return Classification{Kind: KindTerminal, Reason: "validation"}

	case status == 403 && verifyPattern.MatchString(message):
		return Classification{Kind: KindTerminal, Reason: "verification-required"}

	case (status == 401 || status == 403) || reauthPattern.MatchString(message):
		return Classification{Kind: KindRotate, ReauthNeeded: true, Reason: "reauth"}

	case perr != nil && (perr.Type == transport.ErrorTypeNetwork || perr.Type == transport.ErrorTypeServer):
		// Same-target retries are spent; give the next alias a chance.
		return Classification{Kind: KindRotate, Reason: "upstream-unavailable"}
	}

	return Classification{Kind: KindTerminal, Reason: "unclassified"}
}
