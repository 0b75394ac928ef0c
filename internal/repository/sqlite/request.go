package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/garnizeh/servicemarket/pkg/models"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

const selectRequest = `SELECT id, title, description, category_id, client_id, status, priority, budget_min, budget_max, assigned_worker_id, assigned_at, started_at, completed_at, created, updated FROM requests`

func scanRequest(row rowScanner) (*models.Request, error) {
	var (
		q         models.Request
		budgetMin sql.NullFloat64
		budgetMax sql.NullFloat64
		worker    sql.NullInt64
		assigned  sql.NullInt64
		started   sql.NullInt64
		completed sql.NullInt64
	)
	if err := row.Scan(&q.ID, &q.Title, &q.Description, &q.CategoryID, &q.ClientID, &q.Status, &q.Priority, &budgetMin, &budgetMax, &worker, &assigned, &started, &completed, &q.Created, &q.Updated); err != nil {
		return nil, err
	}

	q.BudgetMin = float64Ptr(budgetMin)
	q.BudgetMax = float64Ptr(budgetMax)
	q.AssignedWorkerID = int64Ptr(worker)
	q.AssignedAt = int64Ptr(assigned)
	q.StartedAt = int64Ptr(started)
	q.CompletedAt = int64Ptr(completed)

	return &q, nil
}

func (r *SQLiteRepo) CreateRequest(ctx context.Context, q *models.Request) (int64, error) {
	if q == nil {
		return 0, fmt.Errorf("request is nil")
	}

	ts := now()
	res, err := r.conn.Exec(ctx, `INSERT INTO requests (title, description, category_id, client_id, status, priority, budget_min, budget_max, created, updated) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.Title, q.Description, q.CategoryID, q.ClientID, models.StatusOpen, q.Priority, q.BudgetMin, q.BudgetMax, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	q.ID = id
	q.Status = models.StatusOpen
	q.Created = ts
	q.Updated = ts

	return id, nil
}

func (r *SQLiteRepo) GetRequest(ctx context.Context, id int64) (*models.Request, error) {
	q, err := scanRequest(r.conn.QueryRow(ctx, selectRequest+` WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, err
	}

	return q, nil
}

func (r *SQLiteRepo) ListRequests(ctx context.Context, f models.RequestFilter) ([]models.Request, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var (
		where []string
		args  []any
	)
	if f.ClientID > 0 {
		where = append(where, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.WorkerID > 0 {
		where = append(where, "assigned_worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := selectRequest
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := r.conn.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Request
	for rows.Next() {
		q, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *q)
	}

	return out, rows.Err()
}

// MutateRequest reads the request, lets m.Apply change it and writes status,
// assignment and timestamps back together with a history row and the outbox
// jobs, all in one transaction.
func (r *SQLiteRepo) MutateRequest(ctx context.Context, m repository.RequestMutation) (*models.Request, error) {
	if m.Apply == nil {
		return nil, fmt.Errorf("mutation has no apply func")
	}

	var out *models.Request
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		before, err := scanRequest(tx.QueryRowContext(ctx, selectRequest+` WHERE id = ?`, m.RequestID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("load request: %w", err)
		}

		after := *before
		if err := m.Apply(&after); err != nil {
			return err
		}
		ts := now()
		after.Updated = ts

		res, err := tx.ExecContext(ctx, `UPDATE requests SET status = ?, assigned_worker_id = ?, assigned_at = ?, started_at = ?, completed_at = ?, updated = ? WHERE id = ? AND status = ?`,
			after.Status, after.AssignedWorkerID, after.AssignedAt, after.StartedAt, after.CompletedAt, ts, after.ID, before.Status)
		if err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return repository.ErrStateConflict
		}

		if err := insertStatusChange(ctx, tx, after.ID, before.Status, after.Status, m.ChangedBy, m.Notes, ts); err != nil {
			return err
		}

		if err := releaseAcceptedOffer(ctx, tx, &after, ts); err != nil {
			return err
		}

		if m.Outbox != nil {
			if err := enqueueTx(ctx, tx, m.Outbox(*before, after)); err != nil {
				return err
			}
		}

		out = &after
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// releaseAcceptedOffer rejects the accepted offer of a request whose worker
// was cleared or replaced, so a reopened request can accept a new offer.
func releaseAcceptedOffer(ctx context.Context, tx *sql.Tx, q *models.Request, ts int64) error {
	reason := reassignedOfferReason
	switch q.Status {
	case models.StatusOpen:
		reason = reopenedOfferReason
	case models.StatusCancelled:
		reason = cancelledOfferReason
	}

	if _, err := tx.ExecContext(ctx, `UPDATE offers SET status = ?, rejected_at = ?, rejection_reason = ?, updated = ? WHERE request_id = ? AND status = ? AND (? IS NULL OR worker_id <> ?)`,
		models.OfferRejected, ts, reason, ts, q.ID, models.OfferAccepted, q.AssignedWorkerID, q.AssignedWorkerID); err != nil {
		return fmt.Errorf("release accepted offer: %w", err)
	}

	return nil
}

func insertStatusChange(ctx context.Context, tx *sql.Tx, requestID int64, oldStatus, newStatus string, changedBy int64, notes *string, ts int64) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO request_status_history (request_id, old_status, new_status, changed_by, notes, created) VALUES (?, ?, ?, ?, ?, ?)`,
		requestID, oldStatus, newStatus, changedBy, notes, ts); err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}

	return nil
}

// ListStatusHistory returns the status changes of a request, oldest first.
func (r *SQLiteRepo) ListStatusHistory(ctx context.Context, requestID int64) ([]models.StatusChange, error) {
	rows, err := r.conn.QueryRows(ctx, `SELECT id, request_id, old_status, new_status, changed_by, notes, created FROM request_status_history WHERE request_id = ? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StatusChange
	for rows.Next() {
		var h models.StatusChange
		var notes sql.NullString
		if err := rows.Scan(&h.ID, &h.RequestID, &h.OldStatus, &h.NewStatus, &h.ChangedBy, &notes, &h.Created); err != nil {
			return nil, err
		}
		h.Notes = stringPtr(notes)
		out = append(out, h)
	}

	return out, rows.Err()
}
