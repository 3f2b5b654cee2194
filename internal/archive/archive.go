// Package archive copies event log entries into PostgreSQL. Inserts are
// best effort: entries are queued without blocking the monitor and dropped
// when the queue is full.
package archive

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/doridoridoriand/netwatch/internal/eventlog"
	"github.com/doridoridoriand/netwatch/internal/log"
)

// DefaultQueueSize bounds pending inserts.
const DefaultQueueSize = 256

const insertTimeout = 5 * time.Second

const createTable = `
	CREATE TABLE IF NOT EXISTS netwatch_events (
		id         BIGSERIAL PRIMARY KEY,
		session_id TEXT NOT NULL,
		at         TIMESTAMPTZ NOT NULL,
		severity   TEXT NOT NULL,
		message    TEXT NOT NULL
	)`

const insertEvent = `
	INSERT INTO netwatch_events
		(session_id, at, severity, message)
	VALUES
		($1, $2, $3, $4)`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type record struct {
	sessionID string
	entry     eventlog.Entry
}

// Archive writes queued entries on its own goroutine.
type Archive struct {
	db      execer
	pool    *pgxpool.Pool
	logger  *log.Logger
	queue   chan record
	dropped atomic.Uint64
	started atomic.Bool
	done    chan struct{}
}

// Open connects to dsn, verifies the connection and creates the table.
func Open(ctx context.Context, dsn string, logger *log.Logger) (*Archive, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	// PgBouncer in transaction mode rejects prepared statements.
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}
	a := newArchive(pool, logger, DefaultQueueSize)
	a.pool = pool
	return a, nil
}

func newArchive(db execer, logger *log.Logger, size int) *Archive {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Archive{db: db, logger: logger, queue: make(chan record, size), done: make(chan struct{})}
}

// Enqueue queues e without blocking. It reports false when e was dropped.
func (a *Archive) Enqueue(sessionID string, e eventlog.Entry) bool {
	select {
	case a.queue <- record{sessionID: sessionID, entry: e}:
		return true
	default:
		n := a.dropped.Add(1)
		a.logger.Warn("archive queue full, event dropped", map[string]interface{}{
			"message": e.Message,
			"dropped": n,
		})
		return false
	}
}

// Dropped returns the number of entries lost to overflow.
func (a *Archive) Dropped() uint64 {
	return a.dropped.Load()
}

// Run inserts queued entries until ctx is cancelled, then flushes what is
// already queued. Only the first call runs.
func (a *Archive) Run(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	defer close(a.done)
	for {
		select {
		case rec := <-a.queue:
			a.insert(context.Background(), rec)
		case <-ctx.Done():
			a.flush()
			return
		}
	}
}

func (a *Archive) flush() {
	for {
		select {
		case rec := <-a.queue:
			a.insert(context.Background(), rec)
		default:
			return
		}
	}
}

func (a *Archive) insert(ctx context.Context, rec record) {
	ctx, cancel := context.WithTimeout(ctx, insertTimeout)
	defer cancel()
	if _, err := a.db.Exec(ctx, insertEvent, rec.sessionID, rec.entry.Timestamp, string(rec.entry.Severity), rec.entry.Message); err != nil {
		a.logger.LogError("archive", err, map[string]interface{}{"session_id": rec.sessionID})
	}
}

// Close waits for a started Run to finish its flush, then releases the
// pool.
func (a *Archive) Close() {
	if a.started.Load() {
		<-a.done
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
