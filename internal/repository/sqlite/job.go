package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/garnizeh/servicemarket/pkg/models"
)

// FetchNext claims the next available job respecting priority and schedule.
// The claimed job is marked running so concurrent workers skip it.
func (r *SQLiteRepo) FetchNext(ctx context.Context) (*models.BackgroundJob, error) {
	var job *models.BackgroundJob
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT id, type, payload, status, attempts, max_attempts, priority, scheduled_at, next_try_at, last_error, created, updated FROM jobs WHERE (status = 'queued' OR status = 'retry') AND (next_try_at IS NULL OR next_try_at <= ?) AND scheduled_at <= ? ORDER BY priority ASC, scheduled_at ASC, id ASC LIMIT 1`
		ts := time.Now().UTC().Unix()
		var (
			j           models.BackgroundJob
			payload     sql.NullString
			scheduledAt int64
			nextTry     sql.NullInt64
			lastError   sql.NullString
			created     int64
			updated     int64
		)
		err := tx.QueryRowContext(ctx, q, ts, ts).Scan(&j.ID, &j.Type, &payload, &j.Status, &j.Attempts, &j.MaxAttempts, &j.Priority, &scheduledAt, &nextTry, &lastError, &created, &updated)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("fetch next job: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated = ? WHERE id = ?`, ts, j.ID); err != nil {
			return fmt.Errorf("claim job: %w", err)
		}

		j.Status = "running"
		j.ScheduledAt = time.Unix(scheduledAt, 0)
		j.Created = time.Unix(created, 0)
		j.Updated = time.Unix(ts, 0)
		if payload.Valid {
			j.Payload = json.RawMessage(payload.String)
		}
		if nextTry.Valid {
			t := time.Unix(nextTry.Int64, 0)
			j.NextTryAt = &t
		}
		j.LastError = lastError.String
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

// UpdateJob updates attempts, status, next_try_at, last_error
func (r *SQLiteRepo) UpdateJob(ctx context.Context, j *models.BackgroundJob) error {
	var nextTry any
	if j.NextTryAt != nil {
		nextTry = j.NextTryAt.Unix()
	}
	q := `UPDATE jobs SET status = ?, attempts = ?, next_try_at = ?, last_error = ?, updated = ? WHERE id = ?`
	_, err := r.conn.Exec(ctx, q, j.Status, j.Attempts, nextTry, j.LastError, time.Now().UTC().Unix(), j.ID)

	return err
}

// MoveToDeadLetter moves a job to dead_letter_jobs and deletes the original
func (r *SQLiteRepo) MoveToDeadLetter(ctx context.Context, j *models.BackgroundJob) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		insert := `INSERT INTO dead_letter_jobs(job_id, type, payload, attempts, last_error, failed_at) VALUES(?,?,?,?,?,?)`
		if _, err := tx.ExecContext(ctx, insert, j.ID, j.Type, string(j.Payload), j.Attempts, j.LastError, time.Now().UTC().Unix()); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, j.ID)
		return err
	})
}

// RequeueRunning returns jobs left running by a crashed process to the retry state.
func (r *SQLiteRepo) RequeueRunning(ctx context.Context) (int64, error) {
	res, err := r.conn.Exec(ctx, `UPDATE jobs SET status = 'retry', next_try_at = NULL, updated = ? WHERE status = 'running'`, time.Now().UTC().Unix())
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// PruneJobs deletes done jobs whose last update is older than before.
func (r *SQLiteRepo) PruneJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.conn.Exec(ctx, `DELETE FROM jobs WHERE status = 'done' AND updated < ?`, before.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}

	return res.RowsAffected()
}
