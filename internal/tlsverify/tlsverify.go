// Package tlsverify implements the TLS Verifier from spec.md §4.1: a
// wrapper around Go's baseline WebPKI certificate verification that adds a
// SAN whitelist, optional SPKI pinning, and the hostname-override mechanism
// that makes fake-SNI possible (the handshake advertises an innocuous SNI
// while the certificate is still checked against the real target host).
package tlsverify

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/adaptive-git/transport-core/internal/coreerr"
)

// pinLength is the exact length of a base64url-no-padding SHA-256 digest.
const pinLength = 43

// maxPins is the misconfiguration cutoff from spec.md §4.1.
const maxPins = 10

// Config holds the per-verification policy. Construct one per handshake
// attempt from the effective pool/TLS configuration; it is cheap to copy.
type Config struct {
	// SANWhitelist is the set of DNS name patterns from spec.md §4.1 step 4.
	// A pattern of "*.x.y" matches any host ending in ".x.y" with a
	// non-empty prefix (one or more labels); "x.y" matches only "x.y".
	SANWhitelist []string

	// SPKIPins, if non-empty, requires at least one to match the leaf's
	// SPKI-SHA256 digest. Entries are base64url-no-padding, 43 chars.
	SPKIPins []string

	// OverrideHost, when non-empty and RealHostVerifyEnabled is true, is
	// used instead of SNIPresented as the effective verification hostname
	// (this is what makes fake-SNI safe: the cert still has to match the
	// real host).
	OverrideHost          string
	RealHostVerifyEnabled bool

	// InsecureSkipVerify disables all checks unconditionally. Development
	// only — never set this from a production config path.
	InsecureSkipVerify bool

	// SkipSANWhitelist bypasses step 4 only; chain, hostname, and pin
	// checks still run.
	SkipSANWhitelist bool
}

// Validate rejects a misconfigured pin list before it is ever used against a
// live handshake (spec.md §4.1: "a list longer than 10 entries is rejected
// as misconfiguration").
func (c Config) Validate() error {
	if len(c.SPKIPins) > maxPins {
		return coreerr.New(coreerr.Internal, fmt.Sprintf("tlsverify: %d SPKI pins configured, maximum is %d", len(c.SPKIPins), maxPins))
	}
	for _, p := range c.SPKIPins {
		if len(p) != pinLength {
			return coreerr.New(coreerr.Internal, fmt.Sprintf("tlsverify: SPKI pin %q is %d characters, want %d", p, len(p), pinLength))
		}
	}
	return nil
}

// dedupedPins returns c.SPKIPins with duplicates removed, preserving first
// occurrence order (spec.md §4.1: "duplicates deduplicate").
func (c Config) dedupedPins() []string {
	seen := make(map[string]struct{}, len(c.SPKIPins))
	out := make([]string, 0, len(c.SPKIPins))
	for _, p := range c.SPKIPins {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ChainVerifier is the baseline WebPKI verifier this package wraps. In
// production it is backed by (*x509.Certificate).Verify against the system
// roots; tests substitute a deterministic stub.
type ChainVerifier interface {
	VerifyHostname(leaf *x509.Certificate, intermediates []*x509.Certificate, hostname string, at time.Time) error
}

// Verify runs the algorithm of spec.md §4.1 against a completed handshake's
// certificate chain. sniPresented is the SNI string the client actually
// advertised; extras are additional SAN patterns allowed for this
// verification (e.g. the URL Rewriter's host_allow_list_extra).
func Verify(cv ChainVerifier, cfg Config, leaf *x509.Certificate, intermediates []*x509.Certificate, sniPresented string, extras []string, at time.Time) error {
	if cfg.InsecureSkipVerify {
		return nil
	}

	if net.ParseIP(sniPresented) != nil {
		return coreerr.New(coreerr.Verify, "tlsverify: IP address SNI is not permitted")
	}

	effectiveHost := sniPresented
	if cfg.OverrideHost != "" && cfg.RealHostVerifyEnabled {
		effectiveHost = cfg.OverrideHost
	}

	if err := cv.VerifyHostname(leaf, intermediates, effectiveHost, at); err != nil {
		return coreerr.Wrap(coreerr.Verify, fmt.Sprintf("tlsverify: chain/hostname verification failed for %q", effectiveHost), err)
	}

	if !cfg.SkipSANWhitelist {
		patterns := append(append([]string{}, cfg.SANWhitelist...), extras...)
		if !matchesAny(patterns, effectiveHost) {
			return coreerr.New(coreerr.Verify, fmt.Sprintf("tlsverify: %q does not match the SAN whitelist", effectiveHost)).WithCode("san_whitelist_mismatch")
		}
	}

	if len(cfg.SPKIPins) > 0 {
		digest, _ := SPKIDigest(leaf)
		for _, pin := range cfg.dedupedPins() {
			if pin == digest {
				return nil
			}
		}
		return coreerr.New(coreerr.Verify, fmt.Sprintf("tlsverify: leaf SPKI pin mismatch for %q", effectiveHost)).WithCode("pin_mismatch")
	}

	return nil
}

// matchesAny reports whether host matches at least one SAN pattern.
// Patterns of the form "*.x.y" match any host ending in ".x.y" with a
// non-empty label prefix, per spec §8 invariant 14 ("*.github.com matches
// api.github.com and a.b.github.com"); a bare "x.y" pattern matches only
// "x.y".
func matchesAny(patterns []string, host string) bool {
	host = strings.ToLower(host)
	for _, p := range patterns {
		p = strings.ToLower(p)
		if strings.HasPrefix(p, "*.") {
			suffix := p[1:] // ".x.y"
			if !strings.HasSuffix(host, suffix) {
				continue
			}
			if strings.TrimSuffix(host, suffix) == "" {
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

// SystemVerifier is the production ChainVerifier: it runs Go's standard
// WebPKI chain verification against the system root pool, matching hostname
// against the leaf's DNS SANs at the given time.
type SystemVerifier struct{}

// VerifyHostname builds an intermediate pool from the supplied chain and
// verifies leaf against it and the system roots for hostname at at.
func (SystemVerifier) VerifyHostname(leaf *x509.Certificate, intermediates []*x509.Certificate, hostname string, at time.Time) error {
	pool := x509.NewCertPool()
	for _, c := range intermediates {
		pool.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		DNSName:       hostname,
		Intermediates: pool,
		CurrentTime:   at,
	})
	return err
}

// SPKIDigest computes the SHA-256 digest of leaf's SubjectPublicKeyInfo,
// base64url-no-padding encoded. On parse failure it falls back to hashing
// the whole leaf DER and reports approximate=true (spec.md §4.1 step 5 and
// the open question in §9).
func SPKIDigest(leaf *x509.Certificate) (digest string, approximate bool) {
	raw, err := x509.MarshalPKIXPublicKey(leaf.PublicKey)
	if err != nil {
		sum := sha256.Sum256(leaf.Raw)
		return base64.RawURLEncoding.EncodeToString(sum[:]), true
	}
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:]), false
}
