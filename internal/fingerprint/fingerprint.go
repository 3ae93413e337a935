// Package fingerprint implements the SPKI/leaf certificate fingerprint
// recorder from spec.md §4.2: it tracks, per host, the most recently
// observed certificate fingerprints in an LRU cache capped at 512 hosts, and
// appends a rotating JSON-lines log of every observation.
//
// The on-disk log format and rotation policy mirror the teacher's
// audit.Logger (internal/audit/audit_logger.go): append-only, one JSON
// object per line, opened with O_APPEND so each write is atomic up to
// PIPE_BUF. Unlike the audit log this one is not hash-chained — spec.md
// does not ask for tamper evidence here, only change detection — and it
// rotates to a single numbered backup file instead of growing forever.
package fingerprint

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adaptive-git/transport-core/internal/events"
	"github.com/adaptive-git/transport-core/internal/tlsverify"
)

// maxHosts is the LRU capacity named in spec.md §3 ("LRU eviction above 512
// hosts").
const maxHosts = 512

// dedupWindow is how long an identical (spki, cert) observation for the same
// host is treated as unchanged (spec.md §3 invariant).
const dedupWindow = 24 * time.Hour

// entry is the cached fingerprint state for one host.
type entry struct {
	spkiB64 string
	certB64 string
	lastSeen time.Time
}

// logLine is the on-disk JSON-lines schema from spec.md §6.
type logLine struct {
	Timestamp time.Time `json:"ts"`
	Host      string    `json:"host"`
	SPKI      string    `json:"spkiSha256"`
	Cert      string    `json:"certSha256"`
	Changed   bool      `json:"changed"`
	IP        string    `json:"ip,omitempty"`
}

// Recorder implements the Fingerprint Recorder. Create one with Open.
type Recorder struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, entry]
	logPath  string
	maxBytes int64
	bus      *events.Bus
}

// Open creates a Recorder that appends to logPath, rotating to
// "<logPath>.1" when the live file exceeds maxBytes (spec.md §4.2, §6). A
// maxBytes of 0 disables rotation. bus may be nil, in which case
// CertFingerprintChanged events are not published.
func Open(logPath string, maxBytes int64, bus *events.Bus) (*Recorder, error) {
	cache, err := lru.New[string, entry](maxHosts)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: create LRU cache: %w", err)
	}
	return &Recorder{
		cache:    cache,
		logPath:  logPath,
		maxBytes: maxBytes,
		bus:      bus,
	}, nil
}

// Result is the outcome of a Record call.
type Result struct {
	Changed bool
	SPKIB64 string
	CertB64 string
}

// Record computes the SPKI-SHA256 and leaf-cert-SHA256 digests of the
// handshake's certificate chain, compares them against the last observation
// for host, and appends a log line. ip, if non-empty, is recorded as the
// address the handshake was made against (spec.md's original_source
// supplement — omitted from the line when empty).
//
// changed is true exactly when this is the first observation for host, when
// the (spki, cert) tuple differs from the prior observation, or when an
// identical tuple was last seen dedupWindow or more ago. A second call
// within dedupWindow with an identical tuple reports changed=false and only
// refreshes the timestamp, per spec.md invariant 2.
func (r *Recorder) Record(host string, chain []*x509.Certificate, ip string) (Result, error) {
	if len(chain) == 0 {
		return Result{}, fmt.Errorf("fingerprint: record %s: empty certificate chain", host)
	}
	leaf := chain[0]
	certB64 := digestB64(leaf.Raw)
	spkiB64, _ := tlsverify.SPKIDigest(leaf) // approximate-fallback flag: see tlsverify.SPKIDigest and spec.md §9

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	changed := true
	if prev, ok := r.cache.Get(host); ok {
		if prev.spkiB64 == spkiB64 && prev.certB64 == certB64 && now.Sub(prev.lastSeen) < dedupWindow {
			changed = false
		}
	}
	r.cache.Add(host, entry{spkiB64: spkiB64, certB64: certB64, lastSeen: now})

	if err := r.appendLine(logLine{
		Timestamp: now,
		Host:      host,
		SPKI:      spkiB64,
		Cert:      certB64,
		Changed:   changed,
		IP:        ip,
	}); err != nil {
		return Result{}, err
	}

	if changed && r.bus != nil {
		r.bus.Publish(events.CertFingerprintChanged{Host: host, SPKI: spkiB64, Cert: certB64})
	}

	return Result{Changed: changed, SPKIB64: spkiB64, CertB64: certB64}, nil
}

// appendLine rotates the log if needed and appends one JSON line.
func (r *Recorder) appendLine(l logLine) error {
	if r.maxBytes > 0 {
		if info, err := os.Stat(r.logPath); err == nil && info.Size() > r.maxBytes {
			if err := os.Rename(r.logPath, r.logPath+".1"); err != nil {
				return fmt.Errorf("fingerprint: rotate log: %w", err)
			}
		}
	}

	f, err := os.OpenFile(r.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("fingerprint: open log %q: %w", r.logPath, err)
	}
	defer f.Close()

	line, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("fingerprint: marshal log line: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("fingerprint: append log: %w", err)
	}
	return nil
}

func digestB64(der []byte) string {
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
