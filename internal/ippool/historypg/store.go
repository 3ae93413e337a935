// Package historypg is an optional PostgreSQL-backed alternative to
// ippool.History, for deployments that want IP history shared across
// multiple instances instead of a single local JSON file.
//
// It keeps the teacher storage layer's batching shape: upserts are buffered
// in memory and flushed to PostgreSQL either when the buffer fills or a
// background ticker fires, whichever comes first.
package historypg

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adaptive-git/transport-core/internal/ippool"
)

const (
	// DefaultBatchSize is the maximum number of buffered upserts before an
	// automatic flush is triggered.
	DefaultBatchSize = 50

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending upserts even when the batch hasn't reached DefaultBatchSize.
	DefaultFlushInterval = 200 * time.Millisecond
)

// Store is the PostgreSQL-backed IP history backend.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []ippool.HistoryRecord
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings it, and starts the
// background flush goroutine. batchSize/flushInterval <= 0 fall back to the
// package defaults.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]ippool.HistoryRecord, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the flush goroutine, flushes remaining buffered records, and
// closes the pool. Safe to call more than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Upsert enqueues record for deferred batch write, flushing synchronously
// once the buffer reaches batchSize.
func (s *Store) Upsert(ctx context.Context, record ippool.HistoryRecord) error {
	s.mu.Lock()
	s.batch = append(s.batch, record)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the buffer and upserts all rows in one pgx.Batch round-trip,
// keyed on (host, port, address) so replays are idempotent.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]ippool.HistoryRecord, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO ip_history
			(host, port, address, source, sources, latency_ms, measured_at_epoch_ms, expires_at_epoch_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (host, port, address) DO UPDATE SET
			sources = EXCLUDED.sources,
			latency_ms = EXCLUDED.latency_ms,
			measured_at_epoch_ms = EXCLUDED.measured_at_epoch_ms,
			expires_at_epoch_ms = EXCLUDED.expires_at_epoch_ms`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		b.Queue(query,
			r.Host, r.Port, r.Candidate.Address.String(), r.Candidate.Source,
			r.Sources, r.LatencyMs, r.MeasuredAt, r.ExpiresAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec ip_history upsert: %w", err)
		}
	}
	return nil
}

// Fresh returns the non-expired history record for host:port, if any.
func (s *Store) Fresh(ctx context.Context, host string, port int, now time.Time) (ippool.HistoryRecord, bool, error) {
	const query = `
		SELECT host, port, address, source, sources, latency_ms, measured_at_epoch_ms, expires_at_epoch_ms
		FROM   ip_history
		WHERE  host = $1 AND port = $2 AND expires_at_epoch_ms > $3
		ORDER  BY measured_at_epoch_ms DESC
		LIMIT  1`

	row := s.pool.QueryRow(ctx, query, host, port, now.UnixMilli())
	var rec ippool.HistoryRecord
	var addr string
	if err := row.Scan(&rec.Host, &rec.Port, &addr, &rec.Candidate.Source, &rec.Sources,
		&rec.LatencyMs, &rec.MeasuredAt, &rec.ExpiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return ippool.HistoryRecord{}, false, nil
		}
		return ippool.HistoryRecord{}, false, fmt.Errorf("query ip_history: %w", err)
	}
	rec.Candidate.Address = net.ParseIP(addr)
	rec.Candidate.Port = rec.Port
	return rec, true, nil
}
