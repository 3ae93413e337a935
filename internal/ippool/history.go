package ippool

import (
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// maxHistoryFileWarnBytes is the file-size warning threshold from spec.md
// §4.7.
const maxHistoryFileWarnBytes = 1 << 20 // 1 MiB

// HistoryRecord is one entry of the IP history file (spec.md §6's
// ip-history.json schema).
type HistoryRecord struct {
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Candidate  Candidate `json:"candidate"`
	Sources    []string  `json:"sources"`
	LatencyMs  int64     `json:"latency_ms"`
	MeasuredAt int64     `json:"measured_at_epoch_ms"`
	ExpiresAt  int64     `json:"expires_at_epoch_ms"`
}

// Candidate is an IP address surfaced by any candidate source (spec.md
// §4.8), annotated with the source that produced it.
type Candidate struct {
	Address net.IP `json:"address"`
	Port    int    `json:"port"`
	Source  string `json:"source"`
}

type historyFile struct {
	Entries []HistoryRecord `json:"entries"`
}

// History is the IP History Store of spec.md §4.7: a JSON-file-backed list
// of HistoryRecords with an in-memory mirror guarded by a single mutex.
// Persistence follows the teacher's storage layer convention of never
// partially overwriting the file: every Upsert serializes the entire
// mirror to a temp file and renames it into place.
type History struct {
	mu      sync.Mutex
	path    string
	entries []HistoryRecord
	logger  *slog.Logger
}

// OpenHistory loads path if it exists (tolerating a missing file) and
// returns a ready History. A deserialization failure resets the in-memory
// list to empty and logs a warning, per spec.md §4.7's corruption
// handling; the next successful Upsert overwrites the corrupt file.
func OpenHistory(path string, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	h := &History{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		return h
	}
	if len(data) > maxHistoryFileWarnBytes {
		logger.Warn("ip history file exceeds size warning threshold", slog.String("path", path), slog.Int("bytes", len(data)))
	}

	var f historyFile
	if err := json.Unmarshal(data, &f); err != nil {
		logger.Warn("ip history file is corrupt, resetting in-memory state", slog.String("path", path), slog.Any("error", err))
		return h
	}
	h.entries = f.Entries
	return h
}

func (h *History) key(host string, port int) string {
	return host + "|" + strconv.Itoa(port)
}

// Upsert replaces the entry for (record.Host, record.Port) or appends it,
// then persists the entire entries list atomically: serialize to JSON,
// write to a temp file in the same directory, rename into place.
func (h *History) Upsert(record HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := h.key(record.Host, record.Port)
	replaced := false
	for i := range h.entries {
		if h.key(h.entries[i].Host, h.entries[i].Port) == key {
			h.entries[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		h.entries = append(h.entries, record)
	}
	return h.persistLocked()
}

// GetFresh returns the record for (host, port) iff now is before its
// expiry. An expired record is removed and the file persisted before
// returning the miss.
func (h *History) GetFresh(host string, port int, now time.Time) (HistoryRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := h.key(host, port)
	for i, e := range h.entries {
		if h.key(e.Host, e.Port) != key {
			continue
		}
		if now.UnixMilli() < e.ExpiresAt {
			return e, true
		}
		h.entries = append(h.entries[:i], h.entries[i+1:]...)
		_ = h.persistLocked()
		return HistoryRecord{}, false
	}
	return HistoryRecord{}, false
}

// EnforceCapacity drops the oldest-measured entries, by MeasuredAt
// ascending, until len(entries) <= max. Calling it twice in a row is a
// no-op after the first (spec.md idempotence property 12): once the list
// is within capacity the second call has nothing to trim.
func (h *History) EnforceCapacity(max int) (removed int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) <= max {
		return 0
	}
	sort.Slice(h.entries, func(i, j int) bool { return h.entries[i].MeasuredAt < h.entries[j].MeasuredAt })
	removed = len(h.entries) - max
	h.entries = h.entries[removed:]
	_ = h.persistLocked()
	return removed
}

// PruneAndEnforce first drops all entries expired as of now, then enforces
// capacity, returning (expired_removed, capacity_removed) per spec.md
// §4.7.
func (h *History) PruneAndEnforce(now time.Time, max int) (expiredRemoved, capacityRemoved int) {
	h.mu.Lock()
	nowMs := now.UnixMilli()
	kept := h.entries[:0:0]
	for _, e := range h.entries {
		if nowMs < e.ExpiresAt {
			kept = append(kept, e)
		} else {
			expiredRemoved++
		}
	}
	h.entries = kept
	if expiredRemoved > 0 {
		_ = h.persistLocked()
	}
	h.mu.Unlock()

	if len(h.entries) > max {
		capacityRemoved = h.EnforceCapacity(max)
	}
	return expiredRemoved, capacityRemoved
}

// Entries returns a copy of the current in-memory entry list.
func (h *History) Entries() []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryRecord, len(h.entries))
	copy(out, h.entries)
	return out
}

// persistLocked writes h.entries to h.path via a temp-file-then-rename, so
// a crash mid-write never leaves a half-written file behind. Caller must
// hold h.mu.
func (h *History) persistLocked() error {
	data, err := json.Marshal(historyFile{Entries: h.entries})
	if err != nil {
		return err
	}

	dir := filepath.Dir(h.path)
	tmp, err := os.CreateTemp(dir, ".ip-history-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, h.path)
}
