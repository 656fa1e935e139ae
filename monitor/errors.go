// Package monitor supervises the push connections for every tracked account:
// probing, connecting, listener attachment, reconnect-or-retire on disconnect,
// outbound rate gating, and the offline auto-checker sweep.
package monitor

import (
	"errors"
	"strings"

	"github.com/onnwee/livetrack/platform"
)

// ErrorClass buckets probe/connect failures for the supervisor.
type ErrorClass int

const (
	// ClassNotLive is the benign negative: the account is simply not
	// broadcasting. Not an operational error.
	ClassNotLive ErrorClass = iota
	// ClassRateLimited is a transport error that should additionally widen
	// the rate gate before the next call.
	ClassRateLimited
	// ClassTransport covers network/protocol/auth failures; retried on later
	// sweeps, never fatal.
	ClassTransport
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ClassNotLive:
		return "not-live"
	case ClassRateLimited:
		return "rate-limited"
	default:
		return "transport"
	}
}

// ClassifyConnectError classifies probe/connect errors. The platform sentinel
// is checked first; message patterns cover connectors that cannot wrap it.
func ClassifyConnectError(err error) ErrorClass {
	if err == nil {
		return ClassTransport
	}
	if errors.Is(err, platform.ErrNotLive) {
		return ClassNotLive
	}
	lower := strings.ToLower(err.Error())

	notLivePatterns := []string{
		"isn't online",
		"is not online",
		"not currently live",
		"user_not_found",
		"live has ended",
	}
	for _, p := range notLivePatterns {
		if strings.Contains(lower, p) {
			return ClassNotLive
		}
	}

	rateLimitPatterns := []string{
		"429",
		"too many requests",
		"rate limit",
		"throttled",
	}
	for _, p := range rateLimitPatterns {
		if strings.Contains(lower, p) {
			return ClassRateLimited
		}
	}

	return ClassTransport
}

// IsNotLive reports whether err is the benign not-broadcasting result.
func IsNotLive(err error) bool {
	return err != nil && ClassifyConnectError(err) == ClassNotLive
}

// IsRateLimited reports whether err indicates platform-side throttling.
func IsRateLimited(err error) bool {
	return err != nil && ClassifyConnectError(err) == ClassRateLimited
}
