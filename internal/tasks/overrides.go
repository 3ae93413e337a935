package tasks

import (
	"github.com/adaptive-git/transport-core/internal/config"
	"github.com/adaptive-git/transport-core/internal/events"
)

// HTTPOverride is the http section of a per-task strategy override
// (spec.md §4.13).
type HTTPOverride struct {
	FollowRedirects *bool
	MaxRedirects    *int
}

// TLSOverride is the tls section of a per-task strategy override.
type TLSOverride struct {
	InsecureSkipVerify *bool
	SkipSANWhitelist   *bool
}

// RetryOverride is the retry section of a per-task strategy override.
type RetryOverride struct {
	Max    *int
	BaseMs *int64
	Factor *float64
	Jitter *bool
}

// Overrides is the full per-task JSON override document.
type Overrides struct {
	HTTP  HTTPOverride
	TLS   TLSOverride
	Retry RetryOverride
}

// ApplyOverrides produces the effective HTTP/TLS/Retry config for one task
// by layering ov on top of base, detecting the follow=false/max>0 conflict
// spec.md §4.13 calls out, and emits HttpApplied/TlsApplied/RetryApplied
// for any field actually changed, a Conflict for the coercion (if any),
// and a closing Summary carrying every applied code tag. id is the task id
// every emitted event must carry.
func ApplyOverrides(bus *events.Bus, id string, base config.AppConfig, ov Overrides) config.AppConfig {
	effective := base
	var tags []string

	if changed := applyHTTP(&effective.HTTP, ov.HTTP); len(changed) > 0 {
		publish(bus, events.HttpApplied{ID: id, Changed: changed})
		tags = append(tags, "http_strategy_override_applied")
	}

	if changed := applyTLS(&effective.TLS, ov.TLS); len(changed) > 0 {
		publish(bus, events.TlsApplied{ID: id, Changed: changed})
		tags = append(tags, "tls_strategy_override_applied")
	}

	retryChanged, conflicted := applyRetry(&effective.HTTP, &effective.Retry, ov.Retry)
	if len(retryChanged) > 0 {
		publish(bus, events.RetryApplied{ID: id, Code: "retry_strategy_override_applied", Changed: retryChanged})
		tags = append(tags, "retry_strategy_override_applied")
	}
	if conflicted {
		publish(bus, events.Conflict{ID: id, Code: "follow_redirects_max_redirects_conflict", Message: "max_redirects > 0 with follow_redirects=false; max_redirects coerced to 0"})
		tags = append(tags, "follow_redirects_max_redirects_conflict")
	}

	if len(tags) > 0 {
		publish(bus, events.Summary{ID: id, Tags: tags})
	}

	return effective
}

func applyHTTP(dst *config.HTTPConfig, ov HTTPOverride) []string {
	var changed []string
	if ov.FollowRedirects != nil && *ov.FollowRedirects != dst.FollowRedirects {
		dst.FollowRedirects = *ov.FollowRedirects
		changed = append(changed, "follow_redirects")
	}
	if ov.MaxRedirects != nil && *ov.MaxRedirects != dst.MaxRedirects {
		dst.MaxRedirects = *ov.MaxRedirects
		changed = append(changed, "max_redirects")
	}
	// The follow=false/max>0 conflict is coerced inside applyRetry, which
	// ApplyOverrides calls with &effective.HTTP after both HTTP fields are
	// known.
	return changed
}

func applyTLS(dst *config.TLSConfig, ov TLSOverride) []string {
	var changed []string
	if ov.InsecureSkipVerify != nil && *ov.InsecureSkipVerify != dst.InsecureSkipVerify {
		dst.InsecureSkipVerify = *ov.InsecureSkipVerify
		changed = append(changed, "insecure_skip_verify")
	}
	if ov.SkipSANWhitelist != nil && *ov.SkipSANWhitelist != dst.SkipSANWhitelist {
		dst.SkipSANWhitelist = *ov.SkipSANWhitelist
		changed = append(changed, "skip_san_whitelist")
	}
	return changed
}

// applyRetry applies the retry override and, since the follow/max conflict
// spans the HTTP section, performs the conflict coercion here where both
// the (possibly just-overridden) HTTP fields and the retry override are in
// scope.
func applyRetry(http *config.HTTPConfig, dst *config.RetryConfig, ov RetryOverride) (changed []string, conflicted bool) {
	if ov.Max != nil && *ov.Max != dst.Max {
		dst.Max = *ov.Max
		changed = append(changed, "max")
	}
	if ov.BaseMs != nil && *ov.BaseMs != dst.BaseMs {
		dst.BaseMs = *ov.BaseMs
		changed = append(changed, "base_ms")
	}
	if ov.Factor != nil && *ov.Factor != dst.Factor {
		dst.Factor = *ov.Factor
		changed = append(changed, "factor")
	}
	if ov.Jitter != nil && *ov.Jitter != dst.Jitter {
		dst.Jitter = *ov.Jitter
		changed = append(changed, "jitter")
	}

	if !http.FollowRedirects && http.MaxRedirects > 0 {
		http.MaxRedirects = 0
		conflicted = true
	}
	return changed, conflicted
}

func publish(bus *events.Bus, e events.Event) {
	if bus != nil {
		bus.Publish(e)
	}
}
