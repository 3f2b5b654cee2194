package archive

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/doridoridoriand/netwatch/internal/eventlog"
)

type fakeDB struct {
	mu    sync.Mutex
	rows  [][]any
	err   error
	delay time.Duration
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	f.rows = append(f.rows, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func entry(msg string) eventlog.Entry {
	return eventlog.Entry{Timestamp: t0, Severity: eventlog.SeverityInfo, Message: msg}
}

func TestEnqueueDropsOnOverflow(t *testing.T) {
	a := newArchive(&fakeDB{}, nil, 2)
	if !a.Enqueue("s", entry("one")) || !a.Enqueue("s", entry("two")) {
		t.Fatal("expected queued entries")
	}
	if a.Enqueue("s", entry("three")) {
		t.Fatal("expected overflow drop")
	}
	if a.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", a.Dropped())
	}
}

func TestCloseWaitsForFlush(t *testing.T) {
	db := &fakeDB{delay: 20 * time.Millisecond}
	a := newArchive(db, nil, 8)
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	a.Enqueue("s", entry("first"))
	deadline := time.Now().Add(2 * time.Second)
	for db.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("archive did not start inserting")
		}
		time.Sleep(time.Millisecond)
	}

	a.Enqueue("s", entry("Process exiting during active monitoring."))
	a.Enqueue("s", entry("Monitoring stopped. Reason: Process Exit"))
	cancel()
	a.Close()

	if got := db.count(); got != 3 {
		t.Fatalf("expected every queued entry written before close, got %d", got)
	}
}

func TestCloseWithoutRun(t *testing.T) {
	a := newArchive(&fakeDB{}, nil, 1)
	a.Close()
}

func TestRunInsertsAndFlushes(t *testing.T) {
	db := &fakeDB{}
	a := newArchive(db, nil, 8)
	for _, msg := range []string{"a", "b", "c"} {
		a.Enqueue("session-1", entry(msg))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if db.count() != 3 {
		t.Fatalf("expected 3 inserts, got %d", db.count())
	}
	row := db.rows[0]
	if row[0] != "session-1" || row[2] != "Info" {
		t.Fatalf("unexpected row %v", row)
	}
}

func TestInsertErrorIsNotFatal(t *testing.T) {
	db := &fakeDB{err: errors.New("connection refused")}
	a := newArchive(db, nil, 1)
	a.Enqueue("s", entry("x"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Run(ctx)
}

func TestOpenAgainstDatabase(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	a, err := Open(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer a.Close()
	a.Enqueue("test-session", entry("archive integration"))
	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	a.Run(runCtx)
}

func TestOpenInvalidURL(t *testing.T) {
	if _, err := Open(context.Background(), "::not a url::", nil); err == nil {
		t.Fatal("expected parse error")
	}
}
