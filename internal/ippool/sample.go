package ippool

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adaptive-git/transport-core/internal/coreerr"
)

// BuildSampler returns a Sampler (BuildPreheatSampler wraps the same probe
// logic as a PreheatSampler) that runs Collect against cfg/resolver/hist for a single
// (host, port), probes every resulting candidate concurrently bounded by
// maxParallel, and picks the lowest-latency responder as Chosen with the
// rest as Alternatives (spec.md §4.9's parallel-probe, lowest-latency-wins
// selection). A candidate that fails to connect is dropped entirely. An
// empty result set is reported as an error so callers fall back to
// SystemDefault.
func BuildSampler(cfg CollectorConfig, resolver Resolver, hist *History, probeTimeout time.Duration, maxParallel int) Sampler {
	return func(host string, port int) (Stat, []Stat, error) {
		candidates := Collect(cfg, resolver, hist, host, port, time.Now(), nil)
		return probeAll(candidates, probeTimeout, maxParallel)
	}
}

// BuildPreheatSampler adapts BuildSampler's probe-and-pick logic to the
// PreheatSampler shape, which only knows a bare domain name (preheat always
// targets port 443, the only port Git-over-HTTPS preheating needs).
func BuildPreheatSampler(cfg CollectorConfig, resolver Resolver, hist *History, probeTimeout time.Duration, maxParallel int) PreheatSampler {
	sampler := BuildSampler(cfg, resolver, hist, probeTimeout, maxParallel)
	return func(domain string) (Stat, []Stat, error) {
		return sampler(domain, 443)
	}
}

func probeAll(candidates []Candidate, timeout time.Duration, maxParallel int) (Stat, []Stat, error) {
	type probed struct {
		stat Stat
		ok   bool
	}
	results := make([]probed, len(candidates))

	g := new(errgroup.Group)
	g.SetLimit(maxParallel)
	now := time.Now()
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			latency, err := Probe(c.Address, c.Port, timeout, nil)
			if err != nil {
				return nil
			}
			results[i] = probed{ok: true, stat: Stat{
				IP: c.Address, Port: c.Port, Sources: []string{c.Source},
				LatencyMs:  latency.Milliseconds(),
				MeasuredAt: now,
				ExpiresAt:  now.Add(5 * time.Minute),
			}}
			return nil
		})
	}
	_ = g.Wait()

	var ok []Stat
	for _, r := range results {
		if r.ok {
			ok = append(ok, r.stat)
		}
	}
	if len(ok) == 0 {
		return Stat{}, nil, coreerr.New(coreerr.Network, "ippool: no candidate responded to probing")
	}

	best := 0
	for i := 1; i < len(ok); i++ {
		if ok[i].LatencyMs < ok[best].LatencyMs {
			best = i
		}
	}
	chosen := ok[best]
	alts := append(ok[:best:best], ok[best+1:]...)
	return chosen, alts, nil
}
