package ippool

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adaptive-git/transport-core/internal/events"
)

// maxBreakerEntries bounds per-IP circuit state the same way fingerprint
// bounds its per-host cache: an LRU keeps memory flat under high IP churn.
const maxBreakerEntries = 4096

// outcomeRec is one dated success/failure sample kept in a breakerEntry's
// sliding window.
type outcomeRec struct {
	at      time.Time
	success bool
}

type breakerEntry struct {
	tripped          bool
	cooldownUntil    time.Time
	outcomes         []outcomeRec
	consecutiveFails int
}

// Breaker is the per-IP circuit breaker of spec.md §4.10: once tripped, an
// entry stays tripped until its cooldown passes (invariant 9 of §8 — no
// automatic transition back to untripped before cooldown-until, only an
// explicit reset).
type Breaker struct {
	mu      sync.Mutex
	entries *lru.Cache[string, breakerEntry]
	bus     *events.Bus
}

// NewBreaker constructs a Breaker publishing trip/recovery events to bus
// (which may be nil).
func NewBreaker(bus *events.Bus) *Breaker {
	cache, _ := lru.New[string, breakerEntry](maxBreakerEntries)
	return &Breaker{entries: cache, bus: bus}
}

// RecordOutcome feeds one dated success/failure sample for ip into its
// sliding window (pruned to the trailing window duration) and trips the
// breaker, per spec.md's circuit breaker entry invariant, when either:
//   - consecutive failures reach threshold, or
//   - the window holds at least threshold samples and its failure rate
//     reaches rateThreshold (threshold doubling as the minimum sample
//     count the spec requires alongside the rate check).
//
// An already-tripped entry is left alone (only Tripped's cooldown check or
// an explicit Reset clears it). Returns whether ip is tripped after this
// call.
func (b *Breaker) RecordOutcome(ip string, now time.Time, success bool, window time.Duration, threshold int, rateThreshold float64, cooldown time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, _ := b.entries.Get(ip)

	cutoff := now.Add(-window)
	kept := make([]outcomeRec, 0, len(e.outcomes)+1)
	for _, o := range e.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	e.outcomes = append(kept, outcomeRec{at: now, success: success})

	if success {
		e.consecutiveFails = 0
	} else {
		e.consecutiveFails++
	}

	justTripped := false
	if !e.tripped && threshold > 0 {
		var failures, total int
		for _, o := range e.outcomes {
			total++
			if !o.success {
				failures++
			}
		}
		byConsecutive := e.consecutiveFails >= threshold
		byRate := rateThreshold > 0 && total >= threshold && float64(failures)/float64(total) >= rateThreshold
		if byConsecutive || byRate {
			e.tripped = true
			e.cooldownUntil = now.Add(cooldown)
			justTripped = true
		}
	}

	b.entries.Add(ip, e)

	if justTripped && b.bus != nil {
		b.bus.Publish(events.IpPoolIpTripped{IP: ip})
	}
	return e.tripped
}

// Trip marks ip as tripped until now+cooldown, publishing IpPoolIpTripped.
func (b *Breaker) Trip(ip string, now time.Time, cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Add(ip, breakerEntry{tripped: true, cooldownUntil: now.Add(cooldown)})
	if b.bus != nil {
		b.bus.Publish(events.IpPoolIpTripped{IP: ip})
	}
}

// Tripped reports whether ip is currently tripped as of now. Once the
// cooldown has passed the entry is cleared and IpPoolIpRecovered is
// published — recovery requires the cooldown deadline, never an implicit
// timeout shorter than it (invariant 9).
func (b *Breaker) Tripped(ip string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries.Get(ip)
	if !ok || !e.tripped {
		return false
	}
	if now.Before(e.cooldownUntil) {
		return true
	}
	b.entries.Remove(ip)
	if b.bus != nil {
		b.bus.Publish(events.IpPoolIpRecovered{IP: ip})
	}
	return false
}

// Reset manually clears ip's tripped state regardless of cooldown.
func (b *Breaker) Reset(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries.Get(ip); ok {
		b.entries.Remove(ip)
		if b.bus != nil {
			b.bus.Publish(events.IpPoolIpRecovered{IP: ip})
		}
	}
}
