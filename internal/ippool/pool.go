package ippool

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/adaptive-git/transport-core/internal/events"
)

// Strategy is the selection strategy enum of spec.md §4.10.
type Strategy string

const (
	StrategyCached        Strategy = "Cached"
	StrategySystemDefault Strategy = "SystemDefault"
)

// Selection is the result of Manager.PickBest.
type Selection struct {
	Strategy     Strategy
	Chosen       Stat
	Alternatives []Stat
}

// Sampler resolves and probes candidates for (host, port) on demand, the
// single-flighted operation behind a cache miss.
type Sampler func(host string, port int) (Stat, []Stat, error)

// Manager is the IP Pool Manager of spec.md §4.10.
type Manager struct {
	cache   *Cache
	breaker *Breaker
	bus     *events.Bus
	sample  Sampler

	group               singleflight.Group
	singleflightTimeout time.Duration

	mu                sync.Mutex
	failures          int
	successes         int
	autoDisabled      bool
	autoDisableUntil  time.Time
	autoDisableReason string
	preheatSignal     chan<- struct{}
}

// NewManager constructs a Manager. sample performs the actual candidate
// collection+probing for a cache miss; bus may be nil.
func NewManager(cache *Cache, breaker *Breaker, bus *events.Bus, sample Sampler, singleflightTimeout time.Duration) *Manager {
	return &Manager{
		cache:               cache,
		breaker:             breaker,
		bus:                 bus,
		sample:              sample,
		singleflightTimeout: singleflightTimeout,
	}
}

// PickBest returns a cached fresh IP if one exists; otherwise it triggers
// on-demand sampling (coalesced via singleflight so concurrent callers for
// the same host:port share one probe round) and returns its result, or
// falls back to SystemDefault if the pool is auto-disabled, the sample
// times out, or sampling fails.
func (m *Manager) PickBest(host string, port int) Selection {
	now := time.Now()

	m.mu.Lock()
	disabled := m.autoDisabled && now.Before(m.autoDisableUntil)
	m.mu.Unlock()
	if disabled {
		return Selection{Strategy: StrategySystemDefault}
	}

	if stat, ok := m.cache.Get(host, port); ok && stat.Fresh(now) && !m.breaker.Tripped(stat.IP.String(), now) {
		m.publishSelection(host, port, StrategyCached, stat, nil)
		return Selection{Strategy: StrategyCached, Chosen: stat}
	}

	return m.sampleOnDemand(host, port)
}

func (m *Manager) sampleOnDemand(host string, port int) Selection {
	key := host + ":" + strconv.Itoa(port)

	type result struct {
		chosen Stat
		alts   []Stat
	}

	resultCh := m.group.DoChan(key, func() (any, error) {
		chosen, alts, err := m.sample(host, port)
		if err != nil {
			return nil, err
		}
		m.cache.Insert(host, port, chosen)
		return result{chosen: chosen, alts: alts}, nil
	})

	timeout := m.singleflightTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	select {
	case r := <-resultCh:
		if r.Err != nil {
			return Selection{Strategy: StrategySystemDefault}
		}
		res := r.Val.(result)
		m.publishSelection(host, port, StrategyCached, res.chosen, res.alts)
		return Selection{Strategy: StrategyCached, Chosen: res.chosen, Alternatives: res.alts}
	case <-time.After(timeout):
		// Per spec.md §4.10: peers awaiting the same completion time out
		// without forcing a cancel of the leader, which keeps running in
		// the background and populates the cache for the next PickBest.
		return Selection{Strategy: StrategySystemDefault}
	}
}

func (m *Manager) publishSelection(host string, port int, strategy Strategy, chosen Stat, alts []Stat) {
	if m.bus == nil {
		return
	}
	altIPs := make([]string, 0, len(alts))
	for _, a := range alts {
		altIPs = append(altIPs, a.IP.String())
	}
	chosenIP := ""
	if chosen.IP != nil {
		chosenIP = chosen.IP.String()
	}
	m.bus.Publish(events.IpPoolSelection{
		Host: host, Port: port,
		Strategy: string(strategy), Chosen: chosenIP, Alternatives: altIPs,
	})
}

// ReportOutcome feeds the circuit breaker and the pool-wide success/failure
// aggregate used for auto-disable. Per spec.md's circuit breaker entry
// invariant, the per-IP breaker trips on consecutive failures reaching
// failureThreshold OR the failure rate within failureWindow reaching
// failureRateThreshold with at least failureThreshold samples; it does
// not clear early on a success (only cooldown expiry or an explicit
// reset untrips it). breakerEnabled lets circuit_breaker_enabled=false
// disable the per-IP breaker entirely while the pool-wide aggregate
// keeps accumulating for auto-disable.
func (m *Manager) ReportOutcome(host string, port int, stat Stat, success bool, breakerEnabled bool, failureThreshold int, failureWindow time.Duration, failureRateThreshold float64, cooldown time.Duration, autoDisableThresholdPct int, autoDisableCooldown time.Duration) {
	now := time.Now()
	ip := ""
	if stat.IP != nil {
		ip = stat.IP.String()
	}

	m.mu.Lock()
	if success {
		m.successes++
	} else {
		m.failures++
	}
	total := m.successes + m.failures
	failRate := 0
	if total > 0 {
		failRate = m.failures * 100 / total
	}
	shouldAutoDisable := !m.autoDisabled && total >= failureThreshold && failRate >= autoDisableThresholdPct
	if shouldAutoDisable {
		m.autoDisabled = true
		m.autoDisableUntil = now.Add(autoDisableCooldown)
		m.autoDisableReason = "failure_rate_threshold_breached"
	}
	m.mu.Unlock()

	if shouldAutoDisable && m.bus != nil {
		m.bus.Publish(events.IpPoolAutoDisable{Reason: m.autoDisableReason, DurationMs: autoDisableCooldown.Milliseconds()})
	}

	if ip == "" || !breakerEnabled {
		return
	}
	m.breaker.RecordOutcome(ip, now, success, failureWindow, failureThreshold, failureRateThreshold, cooldown)
}

// RequestPreheatRefresh signals the preheater and reports whether one is
// registered. Manager does not own the preheater; wiring happens in
// cmd/gitcore-diag/main.go, which calls SetPreheatSignal.
func (m *Manager) RequestPreheatRefresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preheatSignal == nil {
		return false
	}
	select {
	case m.preheatSignal <- struct{}{}:
	default:
	}
	return true
}

// SetPreheatSignal wires a channel the Preheat Service listens on for
// forced refresh requests.
func (m *Manager) SetPreheatSignal(ch chan<- struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preheatSignal = ch
}

// SetAutoDisabled is the manual kill-switch of spec.md §4.10.
func (m *Manager) SetAutoDisabled(reason string, duration time.Duration) {
	m.mu.Lock()
	m.autoDisabled = true
	m.autoDisableUntil = time.Now().Add(duration)
	m.autoDisableReason = reason
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.IpPoolAutoDisable{Reason: reason, DurationMs: duration.Milliseconds()})
	}
}

// ClearAutoDisabled reverses SetAutoDisabled/auto-disable, returning
// whether the pool had been disabled.
func (m *Manager) ClearAutoDisabled() bool {
	m.mu.Lock()
	was := m.autoDisabled
	m.autoDisabled = false
	m.failures = 0
	m.successes = 0
	m.mu.Unlock()

	if was && m.bus != nil {
		m.bus.Publish(events.IpPoolAutoEnable{})
	}
	return was
}

// CacheSnapshot exposes the pool's scored-candidate cache for diagnostics
// (internal/diag's /debug/ip-pool route).
func (m *Manager) CacheSnapshot() map[Key]Stat {
	return m.cache.Snapshot()
}

// ResetBreaker manually clears ip's circuit-breaker state, bypassing its
// cooldown. Used by internal/diag's operator-triggered breaker reset route.
func (m *Manager) ResetBreaker(ip string) {
	m.breaker.Reset(ip)
}

// AutoDisabled reports the pool's current auto-disable state for
// diagnostics.
func (m *Manager) AutoDisabled() (disabled bool, reason string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoDisabled, m.autoDisableReason, m.autoDisableUntil
}
