package diag_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adaptive-git/transport-core/internal/diag"
	"github.com/adaptive-git/transport-core/internal/events"
	"github.com/adaptive-git/transport-core/internal/ippool"
	"github.com/adaptive-git/transport-core/internal/tasks"
)

func generateTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

// validBearerToken signs a token carrying scope (space-separated, may be
// empty) for the diagnostics server's claims shape.
func validBearerToken(t *testing.T, priv *rsa.PrivateKey, scope string) string {
	t.Helper()
	claims := diag.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   "test",
		},
		Scope: scope,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func TestHealthzRequiresNoAuth(t *testing.T) {
	_, pub := generateTestKey(t)
	srv := diag.NewServer(tasks.New(events.New()), nil)
	h := diag.NewRouter(srv, pub)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestDebugRoutesRequireJWT(t *testing.T) {
	_, pub := generateTestKey(t)
	srv := diag.NewServer(tasks.New(events.New()), nil)
	h := diag.NewRouter(srv, pub)

	routes := []string{"/debug/tasks", "/debug/ip-pool"}
	for _, route := range routes {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("route %s: expected 401 without JWT, got %d", route, rec.Code)
		}
	}
}

func TestListTasksWithValidJWT(t *testing.T) {
	priv, pub := generateTestKey(t)
	registry := tasks.New(events.New())
	id, _ := registry.Create(tasks.KindGitClone)
	registry.Spawn(id, func(ctx context.Context, token tasks.CancelToken) error { return nil })

	srv := diag.NewServer(registry, nil)
	h := diag.NewRouter(srv, pub)

	req := httptest.NewRequest(http.MethodGet, "/debug/tasks", nil)
	req.Header.Set("Authorization", validBearerToken(t, priv, ""))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var list []tasks.Meta
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("body is not valid JSON array: %v", err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("unexpected task list: %+v", list)
	}
}

func TestCancelUnknownTaskReturns404(t *testing.T) {
	priv, pub := generateTestKey(t)
	srv := diag.NewServer(tasks.New(events.New()), nil)
	h := diag.NewRouter(srv, pub)

	req := httptest.NewRequest(http.MethodPost, "/debug/tasks/does-not-exist/cancel", nil)
	req.Header.Set("Authorization", validBearerToken(t, priv, diag.ScopeDiagWrite))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// TestCancelTaskWithoutWriteScopeReturns403 confirms a validly authenticated
// token lacking ScopeDiagWrite cannot reach the mutating cancel route.
func TestCancelTaskWithoutWriteScopeReturns403(t *testing.T) {
	priv, pub := generateTestKey(t)
	registry := tasks.New(events.New())
	id, _ := registry.Create(tasks.KindGitClone)
	registry.Spawn(id, func(ctx context.Context, token tasks.CancelToken) error { return nil })

	srv := diag.NewServer(registry, nil)
	h := diag.NewRouter(srv, pub)

	req := httptest.NewRequest(http.MethodPost, "/debug/tasks/"+id+"/cancel", nil)
	req.Header.Set("Authorization", validBearerToken(t, priv, ""))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without diag:write scope, got %d", rec.Code)
	}
}

func TestGetIPPoolWithoutManagerReturns503(t *testing.T) {
	priv, pub := generateTestKey(t)
	srv := diag.NewServer(tasks.New(events.New()), nil)
	h := diag.NewRouter(srv, pub)

	req := httptest.NewRequest(http.MethodGet, "/debug/ip-pool", nil)
	req.Header.Set("Authorization", validBearerToken(t, priv, ""))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestGetIPPoolReportsCacheEntries(t *testing.T) {
	priv, pub := generateTestKey(t)
	cache := ippool.NewCache()
	cache.Insert("example.com", 443, ippool.Stat{
		IP: net.ParseIP("93.184.216.34"), Port: 443, LatencyMs: 12,
		MeasuredAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute),
	})
	breaker := ippool.NewBreaker(nil)
	manager := ippool.NewManager(cache, breaker, nil, nil, 0)

	srv := diag.NewServer(tasks.New(events.New()), manager)
	h := diag.NewRouter(srv, pub)

	req := httptest.NewRequest(http.MethodGet, "/debug/ip-pool", nil)
	req.Header.Set("Authorization", validBearerToken(t, priv, ""))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "example.com") {
		t.Fatalf("expected response to include cached host, got %s", rec.Body.String())
	}
}

func TestResetBreakerRequiresIPField(t *testing.T) {
	priv, pub := generateTestKey(t)
	manager := ippool.NewManager(ippool.NewCache(), ippool.NewBreaker(nil), nil, nil, 0)
	srv := diag.NewServer(tasks.New(events.New()), manager)
	h := diag.NewRouter(srv, pub)

	req := httptest.NewRequest(http.MethodPost, "/debug/ip-pool/reset-breaker", strings.NewReader(`{}`))
	req.Header.Set("Authorization", validBearerToken(t, priv, diag.ScopeDiagWrite))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestResetBreakerClearsTrippedIP(t *testing.T) {
	priv, pub := generateTestKey(t)
	breaker := ippool.NewBreaker(nil)
	breaker.Trip("1.2.3.4", time.Now(), time.Hour)
	manager := ippool.NewManager(ippool.NewCache(), breaker, nil, nil, 0)
	srv := diag.NewServer(tasks.New(events.New()), manager)
	h := diag.NewRouter(srv, pub)

	req := httptest.NewRequest(http.MethodPost, "/debug/ip-pool/reset-breaker", strings.NewReader(`{"ip":"1.2.3.4"}`))
	req.Header.Set("Authorization", validBearerToken(t, priv, diag.ScopeDiagWrite))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if breaker.Tripped("1.2.3.4", time.Now()) {
		t.Fatalf("expected breaker to be cleared after reset")
	}
}
