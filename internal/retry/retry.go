// Package retry implements the Retry Planner from spec.md §4.12: backoff
// delay computation and error-kind-based retry classification. DelayMs
// computes the delay formula directly; NewBackOff exposes the same plan as a
// cenkalti/backoff/v4 BackOff, the library the teacher uses for its outbound
// webhook delivery retries.
package retry

import (
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/adaptive-git/transport-core/internal/coreerr"
)

// Plan is the (max attempts, base delay, factor, jitter) tuple from
// spec.md's GLOSSARY.
type Plan struct {
	Max    int
	BaseMs int64
	Factor float64
	Jitter bool
}

// resetSubstrings special-cases a connection-reset-by-peer message as
// Network rather than Protocol, per the original_source supplement to
// spec.md §4.12 (core/tasks/retry.rs).
var resetSubstrings = []string{
	"connection reset",
	"reset by peer",
	"broken pipe",
}

// serverErrorSubstrings is the crude HTTP 5xx detector spec.md §4.12 calls
// for: "Protocol errors whose message indicates an HTTP 5xx class
// (string-based detection)".
var serverErrorSubstrings = []string{
	" 500", " 501", " 502", " 503", " 504", " 505", " 506", " 507", " 508", " 509",
	"http 5",
}

// Classify maps a coreerr.Kind and its message to the Network category
// when the message looks like a reset, leaving the kind unchanged
// otherwise. Callers should run err through Classify before IsRetryable so
// the original_source's reset special-case applies.
func Classify(kind coreerr.Kind, message string) coreerr.Kind {
	lower := strings.ToLower(message)
	for _, s := range resetSubstrings {
		if strings.Contains(lower, s) {
			return coreerr.Network
		}
	}
	return kind
}

// IsRetryable reports whether an error of the given kind and message
// should be retried, per spec.md §4.12: Network errors always are;
// Protocol errors are only when the message indicates a 5xx response; no
// other kind is retryable.
func IsRetryable(kind coreerr.Kind, message string) bool {
	kind = Classify(kind, message)
	switch kind {
	case coreerr.Network:
		return true
	case coreerr.Protocol:
		lower := strings.ToLower(message)
		for _, s := range serverErrorSubstrings {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// DelayMs computes backoff_delay_ms(plan, attemptIdx) per spec.md §4.12:
// round(base * factor^attemptIdx), then if Jitter, a uniform draw from
// [base*0.5, base*1.5].
func DelayMs(plan Plan, attemptIdx int) int64 {
	pow := math.Pow(plan.Factor, float64(attemptIdx))
	base := int64(math.Round(float64(plan.BaseMs) * pow))
	if !plan.Jitter {
		return base
	}
	low := int64(float64(base) * 0.5)
	high := int64(float64(base) * 1.5)
	if low >= high {
		return base
	}
	return low + rand.Int63n(high-low+1)
}

// NewBackOff adapts plan into a cenkalti/backoff/v4 BackOff, for callers
// that want to drive retries through backoff.Retry rather than calling
// DelayMs by hand.
// The returned BackOff ignores plan.Jitter's documented [0.5x,1.5x] window
// in favor of backoff/v4's own RandomizationFactor, which is the library's
// idiomatic jitter knob; DelayMs remains the source of truth for the exact
// spec.md formula and its invariant 4 test.
func NewBackOff(plan Plan) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(plan.BaseMs) * time.Millisecond
	b.Multiplier = plan.Factor
	if plan.Jitter {
		b.RandomizationFactor = 0.5
	} else {
		b.RandomizationFactor = 0
	}
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(maxInt(plan.Max, 0)))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
