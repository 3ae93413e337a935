package urlrewrite_test

import (
	"testing"

	"github.com/adaptive-git/transport-core/internal/urlrewrite"
)

func baseConfig() urlrewrite.Config {
	return urlrewrite.Config{
		FakeSNIEnabled: true,
		RolloutPercent: 100,
		SANWhitelist:   []string{"*.github.com", "github.com"},
	}
}

// TestNonHTTPSNeverRewritten is invariant 3 of spec.md §8.
func TestNonHTTPSNeverRewritten(t *testing.T) {
	cases := []string{
		"http://github.com/foo/bar",
		"git://github.com/foo/bar",
		"ssh://git@github.com/foo/bar",
	}
	cfg := baseConfig()
	for _, raw := range cases {
		got, rewritten := urlrewrite.Decide(cfg, raw, false)
		if rewritten || got != raw {
			t.Errorf("Decide(%q) = (%q, %v), want no rewrite", raw, got, rewritten)
		}
	}
}

// TestRolloutPercent100AlwaysRewrites is invariant 5.
func TestRolloutPercent100AlwaysRewrites(t *testing.T) {
	hosts := []string{"github.com", "api.github.com", "x.github.com", "raw.githubusercontent.com"}
	cfg := baseConfig()
	cfg.SANWhitelist = []string{"*.github.com", "github.com", "*.githubusercontent.com"}
	for _, h := range hosts {
		_, rewritten := urlrewrite.Decide(cfg, "https://"+h+"/a/b", false)
		if !rewritten {
			t.Errorf("host %q: expected rewrite at percent=100", h)
		}
	}
}

// TestRolloutPercent0NeverRewrites is invariant 6.
func TestRolloutPercent0NeverRewrites(t *testing.T) {
	cfg := baseConfig()
	cfg.RolloutPercent = 0
	for i := 0; i < 20; i++ {
		_, rewritten := urlrewrite.Decide(cfg, "https://github.com/a/b", false)
		if rewritten {
			t.Fatalf("expected no rewrite at percent=0")
		}
	}
}

// TestScenarioC is Scenario C of spec.md §8: repeated calls with identical
// config and host produce an identical result every time.
func TestScenarioC(t *testing.T) {
	cfg := baseConfig()
	cfg.RolloutPercent = 10
	first, firstOK := urlrewrite.Decide(cfg, "https://github.com/a/b", false)
	for i := 0; i < 20; i++ {
		got, ok := urlrewrite.Decide(cfg, "https://github.com/a/b", false)
		if ok != firstOK || got != first {
			t.Fatalf("iteration %d: got (%q, %v), want (%q, %v)", i, got, ok, first, firstOK)
		}
	}
}

func TestFakeSNIDisabledNeverRewrites(t *testing.T) {
	cfg := baseConfig()
	cfg.FakeSNIEnabled = false
	_, rewritten := urlrewrite.Decide(cfg, "https://github.com/a/b", false)
	if rewritten {
		t.Fatalf("expected no rewrite when fake SNI is disabled")
	}
}

func TestProxyPresentDisablesRewrite(t *testing.T) {
	cfg := baseConfig()
	_, rewritten := urlrewrite.Decide(cfg, "https://github.com/a/b", true)
	if rewritten {
		t.Fatalf("expected no rewrite when a proxy is present")
	}
}

func TestHostNotInWhitelistNotRewritten(t *testing.T) {
	cfg := baseConfig()
	_, rewritten := urlrewrite.Decide(cfg, "https://evil.example.com/a/b", false)
	if rewritten {
		t.Fatalf("expected no rewrite for a host outside the SAN whitelist")
	}
}

func TestHostAllowListExtraIsHonored(t *testing.T) {
	cfg := baseConfig()
	cfg.SANWhitelist = nil
	cfg.HostAllowListExtra = []string{"*.example.com"}
	_, rewritten := urlrewrite.Decide(cfg, "https://api.example.com/a/b", false)
	if !rewritten {
		t.Fatalf("expected rewrite via host_allow_list_extra")
	}
}

func TestPathGetsGitSuffix(t *testing.T) {
	cfg := baseConfig()
	got, rewritten := urlrewrite.Decide(cfg, "https://github.com/org/repo?x=1#frag", false)
	if !rewritten {
		t.Fatalf("expected rewrite")
	}
	if got != "https+custom://github.com/org/repo.git?x=1#frag" {
		t.Fatalf("got %q", got)
	}
}

func TestPathAlreadySuffixedNotDoubled(t *testing.T) {
	cfg := baseConfig()
	got, rewritten := urlrewrite.Decide(cfg, "https://github.com/org/repo.git", false)
	if !rewritten {
		t.Fatalf("expected rewrite")
	}
	if got != "https+custom://github.com/org/repo.git" {
		t.Fatalf("got %q", got)
	}
}

func TestProxyPresentEnv(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "http://proxy.local:8080")
	if !urlrewrite.ProxyPresent() {
		t.Fatalf("expected ProxyPresent() to detect HTTPS_PROXY")
	}
}

func TestProxyPresentEnvBlankIsAbsent(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "")
	t.Setenv("HTTP_PROXY", "")
	t.Setenv("ALL_PROXY", "")
	if urlrewrite.ProxyPresent() {
		t.Fatalf("blank proxy env values must not count as present")
	}
}

func TestBucketDeterministic(t *testing.T) {
	a := urlrewrite.Bucket("github.com")
	b := urlrewrite.Bucket("github.com")
	if a != b {
		t.Fatalf("Bucket must be deterministic: got %d and %d", a, b)
	}
	if a < 0 || a > 99 {
		t.Fatalf("Bucket out of range: %d", a)
	}
}
