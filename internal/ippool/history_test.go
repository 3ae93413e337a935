package ippool_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adaptive-git/transport-core/internal/ippool"
)

func record(host string, port int, measuredAt, expiresAt time.Time) ippool.HistoryRecord {
	return ippool.HistoryRecord{
		Host: host,
		Port: port,
		Candidate: ippool.Candidate{
			Address: net.ParseIP("140.82.112.3"),
			Port:    port,
			Source:  "dns",
		},
		Sources:    []string{"dns"},
		LatencyMs:  42,
		MeasuredAt: measuredAt.UnixMilli(),
		ExpiresAt:  expiresAt.UnixMilli(),
	}
}

// TestUpsertAndReload is the round-trip/idempotence property 11 of
// spec.md §8: serializing and reloading yields an equal entries set.
func TestUpsertAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ip-history.json")
	now := time.Unix(1700000000, 0)

	h := ippool.OpenHistory(path, nil)
	if err := h.Upsert(record("github.com", 443, now, now.Add(time.Hour))); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	reloaded := ippool.OpenHistory(path, nil)
	got := reloaded.Entries()
	want := h.Entries()
	if len(got) != len(want) || len(got) != 1 {
		t.Fatalf("reloaded %d entries, want %d", len(got), len(want))
	}
	if got[0].Host != want[0].Host || got[0].Port != want[0].Port {
		t.Errorf("reloaded entry = %+v, want %+v", got[0], want[0])
	}
}

func TestGetFreshReturnsNonExpired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ip-history.json")
	now := time.Now()

	h := ippool.OpenHistory(path, nil)
	h.Upsert(record("github.com", 443, now, now.Add(time.Hour)))

	rec, ok := h.GetFresh("github.com", 443, now)
	if !ok {
		t.Fatalf("expected a fresh record")
	}
	if rec.Host != "github.com" {
		t.Errorf("rec.Host = %q", rec.Host)
	}
}

func TestGetFreshRemovesExpired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ip-history.json")
	now := time.Now()

	h := ippool.OpenHistory(path, nil)
	h.Upsert(record("github.com", 443, now.Add(-2*time.Hour), now.Add(-time.Hour)))

	_, ok := h.GetFresh("github.com", 443, now)
	if ok {
		t.Fatalf("expected expired record to be a miss")
	}
	if len(h.Entries()) != 0 {
		t.Fatalf("expired record should have been removed, got %d entries", len(h.Entries()))
	}
}

// TestEnforceCapacityIdempotent is round-trip property 12 of spec.md §8:
// calling enforce_capacity(n) twice is a no-op after the first.
func TestEnforceCapacityIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ip-history.json")
	now := time.Now()

	h := ippool.OpenHistory(path, nil)
	for i := 0; i < 5; i++ {
		h.Upsert(record("host"+string(rune('a'+i)), 443, now.Add(time.Duration(i)*time.Minute), now.Add(time.Hour)))
	}

	first := h.EnforceCapacity(3)
	if first != 2 {
		t.Fatalf("first EnforceCapacity removed %d, want 2", first)
	}
	second := h.EnforceCapacity(3)
	if second != 0 {
		t.Fatalf("second EnforceCapacity removed %d, want 0 (idempotent)", second)
	}
	if len(h.Entries()) != 3 {
		t.Fatalf("len(Entries()) = %d, want 3", len(h.Entries()))
	}
}

func TestEnforceCapacityDropsOldest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ip-history.json")
	now := time.Now()

	h := ippool.OpenHistory(path, nil)
	h.Upsert(record("oldest", 443, now, now.Add(time.Hour)))
	h.Upsert(record("newest", 443, now.Add(time.Minute), now.Add(time.Hour)))

	h.EnforceCapacity(1)
	entries := h.Entries()
	if len(entries) != 1 || entries[0].Host != "newest" {
		t.Fatalf("entries = %+v, want only newest", entries)
	}
}

func TestPruneAndEnforce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ip-history.json")
	now := time.Now()

	h := ippool.OpenHistory(path, nil)
	h.Upsert(record("expired", 443, now.Add(-time.Hour), now.Add(-time.Minute)))
	h.Upsert(record("fresh1", 443, now, now.Add(time.Hour)))
	h.Upsert(record("fresh2", 443, now.Add(time.Minute), now.Add(time.Hour)))

	expiredRemoved, capacityRemoved := h.PruneAndEnforce(now, 1)
	if expiredRemoved != 1 {
		t.Errorf("expiredRemoved = %d, want 1", expiredRemoved)
	}
	if capacityRemoved != 1 {
		t.Errorf("capacityRemoved = %d, want 1", capacityRemoved)
	}
	if len(h.Entries()) != 1 {
		t.Fatalf("len(Entries()) = %d, want 1", len(h.Entries()))
	}
}

func TestCorruptFileResetsInMemoryState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ip-history.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	h := ippool.OpenHistory(path, nil)
	if len(h.Entries()) != 0 {
		t.Fatalf("expected empty state after corrupt load, got %d entries", len(h.Entries()))
	}

	// The next successful write must overwrite the corrupt file.
	now := time.Now()
	if err := h.Upsert(record("github.com", 443, now, now.Add(time.Hour))); err != nil {
		t.Fatalf("Upsert after corrupt load: %v", err)
	}
	reloaded := ippool.OpenHistory(path, nil)
	if len(reloaded.Entries()) != 1 {
		t.Fatalf("expected overwritten file to reload with 1 entry, got %d", len(reloaded.Entries()))
	}
}

func TestMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	h := ippool.OpenHistory(filepath.Join(dir, "missing.json"), nil)
	if len(h.Entries()) != 0 {
		t.Fatalf("expected empty state for a missing file")
	}
}

func TestCacheBasics(t *testing.T) {
	c := ippool.NewCache()
	if _, ok := c.Get("github.com", 443); ok {
		t.Fatalf("expected miss on empty cache")
	}
	stat := ippool.Stat{
		IP:         net.ParseIP("140.82.112.3"),
		Port:       443,
		Sources:    []string{"dns"},
		LatencyMs:  10,
		MeasuredAt: time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	c.Insert("github.com", 443, stat)
	got, ok := c.Get("github.com", 443)
	if !ok || !got.IP.Equal(stat.IP) {
		t.Fatalf("Get after Insert = %+v, %v", got, ok)
	}
	if len(c.Snapshot()) != 1 {
		t.Fatalf("Snapshot len = %d, want 1", len(c.Snapshot()))
	}
	c.Remove("github.com", 443)
	if _, ok := c.Get("github.com", 443); ok {
		t.Fatalf("expected miss after Remove")
	}
}

// TestStatFreshReflectsExpiry backs invariant 8 of spec.md §8: the pool
// manager relies on Stat.Fresh to distinguish a non-expired slot from an
// expired one before ever handing it to a caller.
func TestStatFreshReflectsExpiry(t *testing.T) {
	now := time.Now()
	fresh := ippool.Stat{ExpiresAt: now.Add(time.Minute)}
	expired := ippool.Stat{ExpiresAt: now.Add(-time.Minute)}
	if !fresh.Fresh(now) {
		t.Errorf("expected fresh stat to report Fresh=true")
	}
	if expired.Fresh(now) {
		t.Errorf("expected expired stat to report Fresh=false")
	}
}
