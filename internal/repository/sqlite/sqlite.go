package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/garnizeh/servicemarket/internal/db"
	"github.com/garnizeh/servicemarket/pkg/models"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

// SQLiteRepo implements repository interfaces using the internal DB wrapper.
type SQLiteRepo struct {
	conn   *db.DB
	logger *slog.Logger
}

// Ensure SQLiteRepo implements the public interfaces.
var _ repository.UserRepo = (*SQLiteRepo)(nil)
var _ repository.RequestRepo = (*SQLiteRepo)(nil)
var _ repository.OfferRepo = (*SQLiteRepo)(nil)
var _ repository.NotificationRepo = (*SQLiteRepo)(nil)
var _ repository.ConversationRepo = (*SQLiteRepo)(nil)
var _ repository.JobRepo = (*SQLiteRepo)(nil)

func New(conn *db.DB, logger *slog.Logger) *SQLiteRepo {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &SQLiteRepo{conn: conn, logger: logger}
}

func now() int64 {
	return time.Now().UTC().UnixMilli()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// inTx runs fn in a write transaction. Errors returned by fn are passed
// through unchanged so callers can match sentinel and domain errors.
func (r *SQLiteRepo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return nil
}

// enqueueTx writes outbox jobs as part of an enclosing transaction.
func enqueueTx(ctx context.Context, tx *sql.Tx, jobs []models.BackgroundJob) error {
	for i := range jobs {
		j := &jobs[i]
		if j.MaxAttempts == 0 {
			j.MaxAttempts = 5
		}
		if j.Priority == 0 {
			j.Priority = 100
		}
		if j.ScheduledAt.IsZero() {
			j.ScheduledAt = time.Now()
		}
		ts := time.Now().UTC().Unix()
		res, err := tx.ExecContext(ctx, `INSERT INTO jobs(type, payload, status, attempts, max_attempts, priority, scheduled_at, created, updated) VALUES(?,?,?,?,?,?,?,?,?)`,
			j.Type, string(j.Payload), "queued", 0, j.MaxAttempts, j.Priority, j.ScheduledAt.UTC().Unix(), ts, ts)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", j.Type, err)
		}
		if j.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("enqueue %s: %w", j.Type, err)
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func float64Ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
