//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/ippool/historypg/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package historypg_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/adaptive-git/transport-core/internal/ippool"
	"github.com/adaptive-git/transport-core/internal/ippool/historypg"
)

func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "db", "migrations")
}

func setupStore(t *testing.T) (*historypg.Store, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("ippool_test"),
		tcpostgres.WithUsername("ippool"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	sql, err := os.ReadFile(filepath.Join(migrationsDir(t), "001_ip_history.sql"))
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("read migration: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect for migrations: %v", err)
	}
	if _, err := rawPool.Exec(ctx, string(sql)); err != nil {
		rawPool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("apply migration: %v", err)
	}
	rawPool.Close()

	store, err := historypg.New(ctx, connStr, 5, 25*time.Millisecond)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("historypg.New: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		_ = pgContainer.Terminate(ctx)
	}
	return store, cleanup
}

func TestUpsertAndFreshRoundTrip(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	rec := ippool.HistoryRecord{
		Host: "github.com", Port: 443,
		Candidate:  ippool.Candidate{Address: net.ParseIP("140.82.112.3"), Port: 443, Source: "dns"},
		Sources:    []string{"dns"},
		LatencyMs:  42,
		MeasuredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(time.Hour).UnixMilli(),
	}
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, ok, err := store.Fresh(ctx, "github.com", 443, now)
	if err != nil {
		t.Fatalf("Fresh: %v", err)
	}
	if !ok {
		t.Fatalf("expected a fresh record")
	}
	if !got.Candidate.Address.Equal(rec.Candidate.Address) {
		t.Fatalf("address = %v, want %v", got.Candidate.Address, rec.Candidate.Address)
	}
}

func TestFreshReturnsFalseWhenExpired(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	rec := ippool.HistoryRecord{
		Host: "expired.example.com", Port: 443,
		Candidate:  ippool.Candidate{Address: net.ParseIP("1.2.3.4"), Port: 443, Source: "dns"},
		Sources:    []string{"dns"},
		LatencyMs:  10,
		MeasuredAt: past.UnixMilli(),
		ExpiresAt:  past.Add(time.Minute).UnixMilli(),
	}
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	_, ok, err := store.Fresh(ctx, "expired.example.com", 443, time.Now())
	if err != nil {
		t.Fatalf("Fresh: %v", err)
	}
	if ok {
		t.Fatalf("expected no fresh record for an expired entry")
	}
}

func TestBatchFlushOnThreshold(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 6; i++ {
		rec := ippool.HistoryRecord{
			Host: "batch.example.com", Port: 443 + i,
			Candidate:  ippool.Candidate{Address: net.ParseIP("10.0.0.1"), Port: 443 + i, Source: "dns"},
			Sources:    []string{"dns"},
			LatencyMs:  int64(i),
			MeasuredAt: now.UnixMilli(),
			ExpiresAt:  now.Add(time.Hour).UnixMilli(),
		}
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	// batchSize is 5, so the 5th Upsert should have already flushed; give the
	// background ticker a chance to drain any remainder.
	time.Sleep(100 * time.Millisecond)

	got, ok, err := store.Fresh(ctx, "batch.example.com", 443, now)
	if err != nil {
		t.Fatalf("Fresh: %v", err)
	}
	if !ok {
		t.Fatalf("expected first batched record to be visible after flush")
	}
	_ = got
}
