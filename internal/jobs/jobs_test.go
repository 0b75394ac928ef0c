package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"go.uber.org/goleak"

	"github.com/garnizeh/servicemarket/db"
	idb "github.com/garnizeh/servicemarket/internal/db"
	"github.com/garnizeh/servicemarket/internal/jobs"
	"github.com/garnizeh/servicemarket/internal/repository/sqlite"
	"github.com/garnizeh/servicemarket/pkg/models"
)

func TestMain(m *testing.M) {
	// database/sql keeps a connection opener goroutine per open DB until Close
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

func newRepo(t *testing.T) (*idb.DB, *sqlite.SQLiteRepo) {
	t.Helper()
	ctx := context.Background()
	d, err := idb.New(ctx, filepath.Join(t.TempDir(), "jobs.db"), slog.Default())
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := idb.Migrate(ctx, d, db.Migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return d, sqlite.New(d, slog.Default())
}

func countRows(t *testing.T, d *idb.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := d.QueryRow(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// enqueue writes a queued job the way the store's outbox does.
func enqueue(t *testing.T, d *idb.DB, typ string, payload any, priority, maxAttempts int) int64 {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	now := time.Now().UTC().Unix()
	res, err := d.Exec(context.Background(), `INSERT INTO jobs(type, payload, status, attempts, max_attempts, priority, scheduled_at, created, updated) VALUES(?, ?, 'queued', 0, ?, ?, ?, ?, ?)`,
		typ, string(b), maxAttempts, priority, now, now, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("enqueue id: %v", err)
	}
	return id
}

func TestStartProcessesQueuedJobs(t *testing.T) {
	ctx := context.Background()
	d, repo := newRepo(t)

	handled := make(chan string, 1)
	handlers := map[string]jobs.Handler{
		"test": func(ctx context.Context, j *models.BackgroundJob) error {
			handled <- string(j.Payload)
			return nil
		},
	}
	pool := jobs.NewWorkerPool(repo, handlers, slog.Default(), 1)
	pool.SetPollInterval(10 * time.Millisecond)
	pool.Start(ctx)
	defer pool.Stop()

	enqueue(t, d, "test", map[string]string{"foo": "bar"}, 10, 3)

	select {
	case got := <-handled:
		if got != `{"foo":"bar"}` {
			t.Fatalf("unexpected payload %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler was not called")
	}

	pool.Stop()
	if n := countRows(t, d, `SELECT COUNT(*) FROM jobs WHERE status = ?`, jobs.StatusDone); n != 1 {
		t.Fatalf("expected one done job, got %d", n)
	}
}

func TestRunOnceRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	d, repo := newRepo(t)

	calls := 0
	handlers := map[string]jobs.Handler{
		"flaky": func(ctx context.Context, j *models.BackgroundJob) error {
			calls++
			return errors.New("downstream unavailable")
		},
	}
	pool := jobs.NewWorkerPool(repo, handlers, nil, 1)

	enqueue(t, d, "flaky", nil, 0, 2)

	ran, err := pool.RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("first run: ran=%v err=%v", ran, err)
	}
	if n := countRows(t, d, `SELECT COUNT(*) FROM jobs WHERE status = ? AND attempts = 1 AND next_try_at IS NOT NULL`, jobs.StatusRetry); n != 1 {
		t.Fatalf("expected job scheduled for retry, got %d", n)
	}

	// not due yet
	ran, err = pool.RunOnce(ctx)
	if err != nil || ran {
		t.Fatalf("retry should wait for backoff: ran=%v err=%v", ran, err)
	}

	if _, err := d.Exec(ctx, `UPDATE jobs SET next_try_at = 0`); err != nil {
		t.Fatalf("fast forward: %v", err)
	}
	if err := pool.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 handler calls, got %d", calls)
	}
	if n := countRows(t, d, `SELECT COUNT(*) FROM jobs`); n != 0 {
		t.Fatalf("expected job removed from queue, got %d", n)
	}
	if n := countRows(t, d, `SELECT COUNT(*) FROM dead_letter_jobs WHERE type = 'flaky' AND attempts = 2`); n != 1 {
		t.Fatalf("expected one dead letter, got %d", n)
	}
}

func TestRunOnceWithoutHandler(t *testing.T) {
	ctx := context.Background()
	d, repo := newRepo(t)
	pool := jobs.NewWorkerPool(repo, nil, nil, 1)

	enqueue(t, d, "unknown", nil, 0, 5)
	if err := pool.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if n := countRows(t, d, `SELECT COUNT(*) FROM dead_letter_jobs WHERE last_error = ?`, jobs.ErrNoHandler.Error()); n != 1 {
		t.Fatalf("expected job dead-lettered for missing handler, got %d", n)
	}
}

func TestRunOnceRecoversPanics(t *testing.T) {
	ctx := context.Background()
	d, repo := newRepo(t)
	handlers := map[string]jobs.Handler{
		"boom": func(ctx context.Context, j *models.BackgroundJob) error {
			panic("bad payload")
		},
	}
	pool := jobs.NewWorkerPool(repo, handlers, nil, 1)

	enqueue(t, d, "boom", nil, 0, 1)
	if _, err := pool.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if n := countRows(t, d, `SELECT COUNT(*) FROM dead_letter_jobs WHERE type = 'boom'`); n != 1 {
		t.Fatalf("expected panicking job dead-lettered, got %d", n)
	}
}

func TestStartRequeuesOrphanedJobs(t *testing.T) {
	ctx := context.Background()
	d, repo := newRepo(t)

	enqueue(t, d, "orphan", nil, 0, 5)
	// simulate a crash after the claim
	if _, err := d.Exec(ctx, `UPDATE jobs SET status = 'running'`); err != nil {
		t.Fatalf("claim: %v", err)
	}

	handled := make(chan struct{}, 1)
	pool := jobs.NewWorkerPool(repo, map[string]jobs.Handler{
		"orphan": func(ctx context.Context, j *models.BackgroundJob) error {
			handled <- struct{}{}
			return nil
		},
	}, nil, 2)
	pool.SetPollInterval(10 * time.Millisecond)
	pool.Start(ctx)
	defer pool.Stop()

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		t.Fatal("orphaned job was not picked up")
	}
}

func TestBackoffDuration(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{100, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := jobs.BackoffDuration(tt.attempt); got != tt.want {
			t.Errorf("BackoffDuration(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPruneOnceDeletesOldFinishedJobs(t *testing.T) {
	ctx := context.Background()
	d, repo := newRepo(t)
	pool := jobs.NewWorkerPool(repo, map[string]jobs.Handler{
		"noop": func(ctx context.Context, j *models.BackgroundJob) error { return nil },
	}, nil, 1)

	old := enqueue(t, d, "noop", nil, 0, 5)
	recent := enqueue(t, d, "noop", nil, 0, 5)
	if err := pool.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	pending := enqueue(t, d, "noop", nil, 0, 5)
	if _, err := d.Exec(ctx, `UPDATE jobs SET updated = ? WHERE id IN (?, ?)`, time.Now().Add(-48*time.Hour).Unix(), old, pending); err != nil {
		t.Fatalf("age jobs: %v", err)
	}

	// no retention keeps everything
	if n, err := pool.PruneOnce(ctx); err != nil || n != 0 {
		t.Fatalf("prune without retention: n=%d err=%v", n, err)
	}

	pool.SetRetention(24 * time.Hour)
	n, err := pool.PruneOnce(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one pruned job, got %d", n)
	}
	if c := countRows(t, d, `SELECT COUNT(*) FROM jobs WHERE id = ?`, old); c != 0 {
		t.Fatalf("old done job should be gone")
	}
	// recent done jobs and unfinished jobs stay
	if c := countRows(t, d, `SELECT COUNT(*) FROM jobs WHERE id IN (?, ?)`, recent, pending); c != 2 {
		t.Fatalf("expected recent and pending jobs kept, got %d", c)
	}
}

func TestStartRunsPruner(t *testing.T) {
	ctx := context.Background()
	d, repo := newRepo(t)
	pool := jobs.NewWorkerPool(repo, map[string]jobs.Handler{
		"noop": func(ctx context.Context, j *models.BackgroundJob) error { return nil },
	}, nil, 1)

	id := enqueue(t, d, "noop", nil, 0, 5)
	if err := pool.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := d.Exec(ctx, `UPDATE jobs SET updated = ? WHERE id = ?`, time.Now().Add(-2*time.Hour).Unix(), id); err != nil {
		t.Fatalf("age job: %v", err)
	}

	pool.SetRetention(time.Hour)
	pool.Start(ctx)
	defer pool.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for countRows(t, d, `SELECT COUNT(*) FROM jobs`) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("pruner did not delete the finished job")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
