package ippool

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adaptive-git/transport-core/internal/events"
)

// DomainSchedule is a single tracked preheat domain, spec.md §4.11.
type DomainSchedule struct {
	Domain         string
	BaseInterval   time.Duration
	NextDue        time.Time
	FailureStreak  int
	CurrentBackoff time.Duration
}

// PreheatSampler resolves and probes candidates for a domain ahead of any
// caller asking for them; it is the same shape of work PickBest's Sampler
// does on a cache miss, just driven by a schedule instead of demand.
type PreheatSampler func(domain string) (Stat, []Stat, error)

// Preheater is the background preheat service of spec.md §4.11. It keeps a
// DomainSchedule per configured preheat domain and, on each pass, refreshes
// every domain that is due, with at most maxParallel refreshes running at once.
type Preheater struct {
	schedules        []*DomainSchedule
	sample           PreheatSampler
	bus              *events.Bus
	logger           *slog.Logger
	maxParallel      int
	refreshSignal    chan struct{}
	forceRefreshName chan string
}

// NewPreheater builds a Preheater for domains, each starting with the given
// base interval and due immediately.
func NewPreheater(domains []string, baseInterval time.Duration, maxParallelProbes int, sample PreheatSampler, bus *events.Bus, logger *slog.Logger) *Preheater {
	if logger == nil {
		logger = slog.Default()
	}
	if maxParallelProbes <= 0 {
		maxParallelProbes = 1
	}
	now := time.Now()
	schedules := make([]*DomainSchedule, 0, len(domains))
	for _, d := range domains {
		schedules = append(schedules, &DomainSchedule{
			Domain:         d,
			BaseInterval:   baseInterval,
			NextDue:        now,
			CurrentBackoff: baseInterval,
		})
	}
	return &Preheater{
		schedules:        schedules,
		sample:           sample,
		bus:              bus,
		logger:           logger,
		maxParallel:      maxParallelProbes,
		refreshSignal:    make(chan struct{}, 1),
		forceRefreshName: make(chan string, 8),
	}
}

// RefreshSignal returns the channel PickBest's caller-side Manager can send
// on to nudge the preheater's wait loop to re-evaluate sooner.
func (p *Preheater) RefreshSignal() chan<- struct{} { return p.refreshSignal }

// ForceRefresh clears domain's failure streak and sets its next_due to now,
// per spec.md §4.11's force_refresh(now). It is non-blocking; the request is
// dropped if the preheater's internal channel is saturated.
func (p *Preheater) ForceRefresh(domain string) {
	select {
	case p.forceRefreshName <- domain:
	default:
		p.logger.Warn("preheat force-refresh dropped, channel saturated", "domain", domain)
	}
}

// Run drives the main loop until ctx is canceled: pick the earliest NextDue
// schedule, sleep until it (or until a refresh signal arrives), then refresh
// up to maxParallel domains concurrently whose due time has arrived.
func (p *Preheater) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.applyPendingForceRefresh()

		next := p.earliestDue()
		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.refreshSignal:
				continue
			}
		}

		wait := time.Until(next.NextDue)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-p.refreshSignal:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		p.refreshDue(ctx)
	}
}

func (p *Preheater) applyPendingForceRefresh() {
	for {
		select {
		case domain := <-p.forceRefreshName:
			for _, s := range p.schedules {
				if s.Domain == domain {
					s.FailureStreak = 0
					s.CurrentBackoff = s.BaseInterval
					s.NextDue = time.Now()
				}
			}
		default:
			return
		}
	}
}

func (p *Preheater) earliestDue() *DomainSchedule {
	var best *DomainSchedule
	for _, s := range p.schedules {
		if best == nil || s.NextDue.Before(best.NextDue) {
			best = s
		}
	}
	return best
}

// refreshDue probes every schedule whose NextDue has arrived, bounded by
// maxParallel concurrent refreshes (errgroup.SetLimit).
func (p *Preheater) refreshDue(ctx context.Context) {
	now := time.Now()
	due := make([]*DomainSchedule, 0)
	for _, s := range p.schedules {
		if !s.NextDue.After(now) {
			due = append(due, s)
		}
	}
	if len(due) == 0 {
		return
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(p.maxParallel)
	for _, s := range due {
		s := s
		g.Go(func() error {
			p.refreshOne(s)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Preheater) refreshOne(s *DomainSchedule) {
	_, _, err := p.sample(s.Domain)
	if err != nil {
		s.FailureStreak++
		backoff := s.BaseInterval * (1 << uint(s.FailureStreak))
		ceiling := s.BaseInterval * 6
		if backoff > ceiling {
			backoff = ceiling
		}
		s.CurrentBackoff = backoff
		s.NextDue = time.Now().Add(backoff)
		p.logger.Warn("preheat probe failed", "domain", s.Domain, "failure_streak", s.FailureStreak, "next_backoff", backoff)
		return
	}
	s.FailureStreak = 0
	s.CurrentBackoff = s.BaseInterval
	s.NextDue = time.Now().Add(s.BaseInterval)
}

// Snapshot returns a copy of every tracked schedule, for diagnostics
// endpoints.
func (p *Preheater) Snapshot() []DomainSchedule {
	out := make([]DomainSchedule, 0, len(p.schedules))
	for _, s := range p.schedules {
		out = append(out, *s)
	}
	return out
}
