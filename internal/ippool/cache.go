// Package ippool implements the IP selection subsystem of spec.md §4.6-
// §4.11: a scored-candidate cache, a JSON-file-backed history store, a
// candidate collector, a latency prober, a circuit-breaking pool manager,
// and a background preheat service.
package ippool

import (
	"net"
	"sync"
	"time"
)

// Key identifies a (host, port) pair the pool tracks independently.
type Key struct {
	Host string
	Port int
}

// Stat is one scored IP candidate, immutable once inserted into the cache
// (spec.md §4.6: "Slots are immutable once inserted").
type Stat struct {
	IP         net.IP
	Port       int
	Sources    []string
	LatencyMs  int64
	MeasuredAt time.Time
	ExpiresAt  time.Time
}

// Cache is the IP Score Cache of spec.md §4.6: a concurrent (host,port)→Stat
// map where writes serialize through a single mutex and slots are replaced
// atomically rather than mutated in place.
type Cache struct {
	mu   sync.Mutex
	data map[Key]Stat
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{data: make(map[Key]Stat)}
}

// Get returns the current snapshot for (host, port), if any.
func (c *Cache) Get(host string, port int) (Stat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.data[Key{Host: host, Port: port}]
	return s, ok
}

// Insert atomically replaces the slot for (host, port) with stat.
func (c *Cache) Insert(host string, port int, stat Stat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[Key{Host: host, Port: port}] = stat
}

// Remove drops the (host, port) key, if present.
func (c *Cache) Remove(host string, port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, Key{Host: host, Port: port})
}

// Snapshot returns a consistent clone of the entire cache, for diagnostics.
func (c *Cache) Snapshot() map[Key]Stat {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Key]Stat, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Fresh reports whether stat has not yet expired as of now.
func (s Stat) Fresh(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}
