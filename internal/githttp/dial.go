// Package githttp implements the Custom HTTPS Subtransport of spec.md §4.5:
// a net/http transport plugged into go-git's smart-HTTP client that resolves
// targets through the IP pool, drives fake-SNI TLS with a same-stage
// fallback to real SNI, emits one AdaptiveTlsTiming event per request, and
// records each verified connection's certificate with the fingerprint
// recorder (which publishes CertFingerprintChanged only when it changed).
//
// The dial/verify/fallback wiring follows the same layering the teacher's
// internal/agent orchestrator uses to drive its sub-components (watcher,
// scanner) from one call site: apart from configuration, references to
// ippool.Manager, tlsverify, fallback, and fingerprint, and a per-host map
// of the last fake SNI that succeeded, Dialer holds no state, composing
// those components rather than reimplementing any of them.
package githttp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adaptive-git/transport-core/internal/coreerr"
	"github.com/adaptive-git/transport-core/internal/events"
	"github.com/adaptive-git/transport-core/internal/fallback"
	"github.com/adaptive-git/transport-core/internal/fingerprint"
	"github.com/adaptive-git/transport-core/internal/ippool"
	"github.com/adaptive-git/transport-core/internal/tlsverify"
)

// Config is the effective per-dial policy, a snapshot cloned at the start of
// each operation per spec.md §5's shared-resource policy.
type Config struct {
	SANWhitelist          []string
	HostAllowListExtra    []string
	SPKIPins              []string
	InsecureSkipVerify    bool
	SkipSANWhitelist      bool
	RealHostVerifyEnabled bool

	FakeSNIHosts   []string // candidate hostnames presented instead of the real host
	ConnectTimeout time.Duration
}

// Dialer opens the TCP+TLS connection for one smart-HTTP action, per
// spec.md §4.5 steps 1-7.
type Dialer struct {
	cfg      Config
	pool     *ippool.Manager
	recorder *fingerprint.Recorder
	bus      *events.Bus
	verifier tlsverify.ChainVerifier

	tlsTotal    *atomic.Int64
	verifyTotal *atomic.Int64

	mu          sync.Mutex
	lastGoodSNI map[string]string // real host -> last-known-good fake SNI candidate
}

// NewDialer constructs a Dialer. recorder and bus may be nil.
func NewDialer(cfg Config, pool *ippool.Manager, recorder *fingerprint.Recorder, bus *events.Bus, tlsTotal, verifyTotal *atomic.Int64) *Dialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Dialer{
		cfg:         cfg,
		pool:        pool,
		recorder:    recorder,
		bus:         bus,
		verifier:    tlsverify.SystemVerifier{},
		tlsTotal:    tlsTotal,
		verifyTotal: verifyTotal,
		lastGoodSNI: make(map[string]string),
	}
}

// SetVerifier overrides the ChainVerifier (tlsverify.SystemVerifier by
// default). Production code never needs this; tests use it to substitute a
// deterministic stub in place of real WebPKI chain validation.
func (d *Dialer) SetVerifier(v tlsverify.ChainVerifier) {
	d.verifier = v
}

// Timing captures the phase durations spec.md §4.5 step 8 asks for.
type Timing struct {
	ConnectMs     int64
	TLSMs         int64
	CertFPChanged bool
}

// DialTLS performs spec.md §4.5 steps 1-7 for one (host, port) action and
// returns an established, verified *tls.Conn plus phase timing. decision
// tracks the Fake/Real/Default stage for the calling smart-action retry
// loop; DialTLS only ever performs its own *internal* fake->real fallback
// (step 7) without mutating decision — the caller advances decision across
// whole-action retries based on the returned error's Kind.
func (d *Dialer) DialTLS(ctx context.Context, host string, port int, decision *fallback.Decision) (*tls.Conn, Timing, error) {
	if !matchesWhitelist(d.cfg.SANWhitelist, d.cfg.HostAllowListExtra, host) {
		return nil, Timing{}, coreerr.New(coreerr.Verify, fmt.Sprintf("githttp: host %q is not in the SAN whitelist", host)).WithCode("san_whitelist_mismatch")
	}

	useFake := decision.Stage() == fallback.StageFake
	conn, connectMs, err := d.dialTCP(ctx, host, port)
	if err != nil {
		return nil, Timing{}, err
	}

	if !useFake {
		tlsConn, tlsMs, verr := d.handshake(ctx, conn, host, host, false)
		d.countOutcome(verr)
		if verr != nil {
			return nil, Timing{}, verr
		}
		fp := d.record(host, tlsConn)
		return tlsConn, Timing{ConnectMs: connectMs, TLSMs: tlsMs, CertFPChanged: fp}, nil
	}

	sni := d.pickFakeSNI(host)
	tlsConn, tlsMs, verr := d.handshake(ctx, conn, sni, host, true)
	if verr == nil {
		d.rememberGoodSNI(host, sni)
		fp := d.record(host, tlsConn)
		return tlsConn, Timing{ConnectMs: connectMs, TLSMs: tlsMs, CertFPChanged: fp}, nil
	}
	d.countOutcome(verr)
	if coreerr.KindOf(verr) == coreerr.Verify {
		return nil, Timing{}, verr
	}

	// Step 7: one fresh-TCP fallback to real SNI, counted as part of this
	// same fallback stage rather than the outer retry loop.
	conn2, connectMs2, derr := d.dialTCP(ctx, host, port)
	if derr != nil {
		return nil, Timing{}, derr
	}
	tlsConn2, tlsMs2, verr2 := d.handshake(ctx, conn2, host, host, false)
	d.countOutcome(verr2)
	if verr2 != nil {
		return nil, Timing{}, verr2
	}
	fp := d.record(host, tlsConn2)
	return tlsConn2, Timing{ConnectMs: connectMs2, TLSMs: tlsMs2, CertFPChanged: fp}, nil
}

func (d *Dialer) dialTCP(ctx context.Context, host string, port int) (net.Conn, int64, error) {
	addr := resolveAddr(d.pool, host, port)

	start := time.Now()
	dialer := &net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, elapsed, coreerr.Wrap(coreerr.Network, fmt.Sprintf("githttp: connect to %s failed", addr), err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, elapsed, nil
}

// resolveAddr asks the IP pool for a best address; on a pool miss or a nil
// pool it passes the hostname through to the system resolver unchanged
// (spec.md §4.5 step 3).
func resolveAddr(pool *ippool.Manager, host string, port int) string {
	if pool == nil {
		return net.JoinHostPort(host, strconv.Itoa(port))
	}
	sel := pool.PickBest(host, port)
	if sel.Strategy == ippool.StrategyCached && sel.Chosen.IP != nil {
		return net.JoinHostPort(sel.Chosen.IP.String(), strconv.Itoa(port))
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (d *Dialer) handshake(ctx context.Context, conn net.Conn, sni, realHost string, useFake bool) (*tls.Conn, int64, error) {
	tlsCfg := &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: true, // verification is fully delegated to tlsverify.Verify below
	}

	start := time.Now()
	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, time.Since(start).Milliseconds(), coreerr.Wrap(coreerr.Tls, fmt.Sprintf("githttp: TLS handshake with %q (sni=%q) failed", realHost, sni), err)
	}
	elapsed := time.Since(start).Milliseconds()

	state := tlsConn.ConnectionState()
	certs := state.PeerCertificates
	if len(certs) == 0 {
		_ = tlsConn.Close()
		return nil, elapsed, coreerr.New(coreerr.Verify, "githttp: handshake produced no peer certificates")
	}

	verifyCfg := tlsverify.Config{
		SANWhitelist:          d.cfg.SANWhitelist,
		SPKIPins:              d.cfg.SPKIPins,
		InsecureSkipVerify:    d.cfg.InsecureSkipVerify,
		SkipSANWhitelist:      d.cfg.SkipSANWhitelist,
		RealHostVerifyEnabled: d.cfg.RealHostVerifyEnabled || useFake,
		OverrideHost:          realHost,
	}
	leaf := certs[0]
	intermediates := append([]*x509.Certificate{}, certs[1:]...)
	if err := tlsverify.Verify(d.verifier, verifyCfg, leaf, intermediates, sni, d.cfg.HostAllowListExtra, time.Now()); err != nil {
		_ = tlsConn.Close()
		return nil, elapsed, err
	}
	return tlsConn, elapsed, nil
}

func (d *Dialer) record(host string, conn *tls.Conn) bool {
	if d.recorder == nil {
		return false
	}
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return false
	}
	ip := ""
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ip = addr.IP.String()
	}
	res, err := d.recorder.Record(host, state.PeerCertificates, ip)
	if err != nil {
		return false
	}
	return res.Changed
}

// countOutcome maps the error classification of spec.md §4.5 ("maps
// human-readable messages to one of Verify... or Tls...") onto the
// tls_total/verify_total monotonic counters.
func (d *Dialer) countOutcome(err error) {
	if err == nil {
		return
	}
	switch classifyOutcome(err) {
	case coreerr.Verify:
		if d.verifyTotal != nil {
			d.verifyTotal.Add(1)
		}
	case coreerr.Tls:
		if d.tlsTotal != nil {
			d.tlsTotal.Add(1)
		}
	}
}

// verifySubstrings are the human-readable markers spec.md §4.5 says identify
// a Verify-class outcome when the error wasn't already typed as such.
var verifySubstrings = []string{"whitelist", "pin", "certificate", "x509", "hostname"}

func classifyOutcome(err error) coreerr.Kind {
	kind := coreerr.KindOf(err)
	if kind == coreerr.Verify || kind == coreerr.Tls {
		return kind
	}
	msg := strings.ToLower(err.Error())
	for _, s := range verifySubstrings {
		if strings.Contains(msg, s) {
			return coreerr.Verify
		}
	}
	return coreerr.Tls
}

// pickFakeSNI prefers a last-known-good candidate for host, else a random
// entry from the configured list (spec.md §4.5 step 5).
func (d *Dialer) pickFakeSNI(host string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sni, ok := d.lastGoodSNI[host]; ok {
		return sni
	}
	if len(d.cfg.FakeSNIHosts) == 0 {
		return host
	}
	return d.cfg.FakeSNIHosts[rand.Intn(len(d.cfg.FakeSNIHosts))]
}

func (d *Dialer) rememberGoodSNI(host, sni string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastGoodSNI[host] = sni
}

// matchesWhitelist applies the same "*.x.y" single-label wildcard rule as
// tlsverify.Verify's SAN check, kept as a small local copy rather than an
// exported dependency between the two packages (the same tradeoff
// urlrewrite makes for its own allowlist check).
func matchesWhitelist(whitelist, extra []string, host string) bool {
	host = strings.ToLower(host)
	patterns := append(append([]string{}, whitelist...), extra...)
	for _, p := range patterns {
		p = strings.ToLower(p)
		if strings.HasPrefix(p, "*.") {
			suffix := p[1:]
			if !strings.HasSuffix(host, suffix) {
				continue
			}
			prefix := strings.TrimSuffix(host, suffix)
			if prefix == "" || strings.Contains(prefix, ".") {
				continue
			}
			return true
		}
		if p == host {
			return true
		}
	}
	return false
}
