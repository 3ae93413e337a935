package githttp

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/adaptive-git/transport-core/internal/events"
	"github.com/adaptive-git/transport-core/internal/fallback"
)

// pushAuthKey is the context key for per-request Basic auth, the idiomatic
// Go substitute for the original's per-thread cell (spec.md §4.5): a
// context.Context is already scoped to one request/goroutine, so there is
// no shared mutable cell for a concurrent unrelated request to observe.
type pushAuthKey struct{}

// WithPushAuth attaches HTTP Basic credentials to ctx for the lifetime of a
// single push request.
func WithPushAuth(ctx context.Context, user, pass string) context.Context {
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
	return context.WithValue(ctx, pushAuthKey{}, token)
}

// timingKey is the context key under which RoundTrip stashes a *Timing for
// dialTLSContext to fill in, so the two phases (dial, request) contribute to
// one combined AdaptiveTlsTiming event instead of two partial ones.
type timingKey struct{}

// RoundTripper implements http.RoundTripper over Dialer, wiring up
// AdaptiveTlsTiming event emission and the fallback decision per host.
type RoundTripper struct {
	dialer *Dialer
	bus    *events.Bus

	policyAllowsFake    func(host string) bool
	runtimeFakeDisabled func() bool

	inner *http.Transport
}

// NewRoundTripper builds a RoundTripper whose DialTLSContext drives dialer.
// policyAllowsFake/runtimeFakeDisabled feed fallback.Initial per host/call.
func NewRoundTripper(dialer *Dialer, bus *events.Bus, policyAllowsFake func(host string) bool, runtimeFakeDisabled func() bool) *RoundTripper {
	rt := &RoundTripper{dialer: dialer, bus: bus, policyAllowsFake: policyAllowsFake, runtimeFakeDisabled: runtimeFakeDisabled}
	rt.inner = &http.Transport{
		DialTLSContext:    rt.dialTLSContext,
		ForceAttemptHTTP2: false, // Git smart-HTTP is HTTP/1.1 only
	}
	return rt
}

// Client returns an *http.Client ready to be handed to go-git's http
// transport (transport/http.NewClient).
func (rt *RoundTripper) Client() *http.Client {
	return &http.Client{Transport: rt}
}

func (rt *RoundTripper) dialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		host, portStr = addr, "443"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 443
	}

	policyAllows := true
	if rt.policyAllowsFake != nil {
		policyAllows = rt.policyAllowsFake(host)
	}
	runtimeDisabled := false
	if rt.runtimeFakeDisabled != nil {
		runtimeDisabled = rt.runtimeFakeDisabled()
	}
	decision := fallback.Initial(policyAllows, runtimeDisabled)

	conn, timing, derr := rt.dialer.DialTLS(ctx, host, port, decision)
	if derr != nil {
		decision.AdvanceOnError()
		return nil, derr
	}

	if t, ok := ctx.Value(timingKey{}).(*Timing); ok {
		*t = timing
	}
	return conn, nil
}

// RoundTrip sets the per-request push Authorization header (if one was
// attached via WithPushAuth), delegates to the inner http.Transport, and
// emits a single AdaptiveTlsTiming event combining Dialer's connect/tls
// timing with this call's first-byte/total timing (spec.md §4.5 step 8).
//
// first_byte_ms is approximated as the time until RoundTrip returns (headers
// received); this transport does not hook response-body completion, so
// total_ms uses the same value rather than waiting on the caller to finish
// reading the body.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var timing Timing
	ctx := context.WithValue(req.Context(), timingKey{}, &timing)

	req = req.Clone(ctx)
	if token, ok := req.Context().Value(pushAuthKey{}).(string); ok {
		req.Header.Set("Authorization", "Basic "+token)
	}

	start := time.Now()
	resp, err := rt.inner.RoundTrip(req)
	elapsed := time.Since(start).Milliseconds()

	if rt.bus != nil {
		rt.bus.Publish(events.AdaptiveTlsTiming{
			ID:            uuid.NewString(),
			ConnectMs:     timing.ConnectMs,
			TlsMs:         timing.TLSMs,
			FirstByteMs:   elapsed,
			TotalMs:       elapsed,
			CertFPChanged: timing.CertFPChanged,
		})
	}
	return resp, err
}
