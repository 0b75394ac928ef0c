package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garnizeh/servicemarket/pkg/models"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

const selectOffer = `SELECT id, request_id, worker_id, price, description, timeline, availability, status, accepted_at, rejected_at, rejection_reason, created, updated FROM offers`

// siblingRejectionReason is recorded on offers closed by another offer's acceptance.
const siblingRejectionReason = "another offer was accepted"

// Rejection reasons of an accepted offer whose request lost its worker.
const (
	reopenedOfferReason   = "request reopened"
	cancelledOfferReason  = "request cancelled"
	reassignedOfferReason = "request reassigned"
)

func scanOffer(row rowScanner) (*models.Offer, error) {
	var (
		o        models.Offer
		accepted sql.NullInt64
		rejected sql.NullInt64
		reason   sql.NullString
	)
	if err := row.Scan(&o.ID, &o.RequestID, &o.WorkerID, &o.Price, &o.Description, &o.Timeline, &o.Availability, &o.Status, &accepted, &rejected, &reason, &o.Created, &o.Updated); err != nil {
		return nil, err
	}

	o.AcceptedAt = int64Ptr(accepted)
	o.RejectedAt = int64Ptr(rejected)
	o.RejectionReason = stringPtr(reason)

	return &o, nil
}

func scanOffers(rows *sql.Rows) ([]models.Offer, error) {
	defer rows.Close()

	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}

	return out, rows.Err()
}

func (r *SQLiteRepo) CreateOffer(ctx context.Context, o *models.Offer, outbox func(req models.Request, o models.Offer) []models.BackgroundJob) (int64, error) {
	if o == nil {
		return 0, fmt.Errorf("offer is nil")
	}

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		req, err := scanRequest(tx.QueryRowContext(ctx, selectRequest+` WHERE id = ?`, o.RequestID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("load request: %w", err)
		}
		if req.Status != models.StatusOpen {
			return repository.ErrStateConflict
		}

		ts := now()
		res, err := tx.ExecContext(ctx, `INSERT INTO offers (request_id, worker_id, price, description, timeline, availability, status, created, updated) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.RequestID, o.WorkerID, o.Price, o.Description, o.Timeline, o.Availability, models.OfferPending, ts, ts)
		if err != nil {
			return fmt.Errorf("insert offer: %w", err)
		}
		if o.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		o.Status = models.OfferPending
		o.Created = ts
		o.Updated = ts

		if outbox != nil {
			return enqueueTx(ctx, tx, outbox(*req, *o))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return o.ID, nil
}

func (r *SQLiteRepo) GetOffer(ctx context.Context, id int64) (*models.Offer, error) {
	o, err := scanOffer(r.conn.QueryRow(ctx, selectOffer+` WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, err
	}

	return o, nil
}

func (r *SQLiteRepo) ListOffersByRequest(ctx context.Context, requestID int64) ([]models.Offer, error) {
	rows, err := r.conn.QueryRows(ctx, selectOffer+` WHERE request_id = ? ORDER BY created ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}

	return scanOffers(rows)
}

func (r *SQLiteRepo) ListOffersByWorker(ctx context.Context, workerID int64) ([]models.Offer, error) {
	rows, err := r.conn.QueryRows(ctx, selectOffer+` WHERE worker_id = ? ORDER BY created DESC, id DESC`, workerID)
	if err != nil {
		return nil, err
	}

	return scanOffers(rows)
}

func (r *SQLiteRepo) MutateOffer(ctx context.Context, id int64, fn func(o *models.Offer) error) (*models.Offer, error) {
	var out *models.Offer
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		before, err := scanOffer(tx.QueryRowContext(ctx, selectOffer+` WHERE id = ?`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("load offer: %w", err)
		}

		after := *before
		if err := fn(&after); err != nil {
			return err
		}
		after.Updated = now()

		res, err := tx.ExecContext(ctx, `UPDATE offers SET price = ?, description = ?, timeline = ?, availability = ?, status = ?, accepted_at = ?, rejected_at = ?, rejection_reason = ?, updated = ? WHERE id = ? AND status = ?`,
			after.Price, after.Description, after.Timeline, after.Availability, after.Status, after.AcceptedAt, after.RejectedAt, after.RejectionReason, after.Updated, id, before.Status)
		if err != nil {
			if isUniqueViolation(err) {
				return repository.ErrStateConflict
			}
			return fmt.Errorf("update offer: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return repository.ErrStateConflict
		}

		out = &after
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// DecideOffer is the arbitration step. Everything it touches (the decided
// offer, the pending siblings, the request assignment, the history row and the
// outbox) commits or rolls back as one unit.
func (r *SQLiteRepo) DecideOffer(ctx context.Context, d models.Decision, outbox func(res *models.DecisionResult) []models.BackgroundJob) (*models.DecisionResult, error) {
	var out *models.DecisionResult
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		offer, err := scanOffer(tx.QueryRowContext(ctx, selectOffer+` WHERE id = ?`, d.OfferID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("load offer: %w", err)
		}
		if offer.RequestID != d.RequestID {
			return repository.ErrNotFound
		}
		if offer.Status != models.OfferPending {
			return repository.ErrStateConflict
		}

		req, err := scanRequest(tx.QueryRowContext(ctx, selectRequest+` WHERE id = ?`, d.RequestID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("load request: %w", err)
		}

		ts := now()
		res := &models.DecisionResult{}

		if !d.Accept {
			if err := rejectOffer(ctx, tx, offer.ID, d.Reason, ts); err != nil {
				return err
			}
			offer.Status = models.OfferRejected
			offer.RejectedAt = &ts
			offer.RejectionReason = d.Reason
			offer.Updated = ts
			res.Offer = *offer
			res.Request = *req
		} else {
			if req.Status != models.StatusOpen {
				return repository.ErrStateConflict
			}

			rows, err := tx.QueryContext(ctx, selectOffer+` WHERE request_id = ? AND id <> ? AND status = ?`, d.RequestID, offer.ID, models.OfferPending)
			if err != nil {
				return fmt.Errorf("load sibling offers: %w", err)
			}
			siblings, err := scanOffers(rows)
			if err != nil {
				return fmt.Errorf("load sibling offers: %w", err)
			}

			upd, err := tx.ExecContext(ctx, `UPDATE offers SET status = ?, accepted_at = ?, updated = ? WHERE id = ? AND status = ?`, models.OfferAccepted, ts, ts, offer.ID, models.OfferPending)
			if err != nil {
				if isUniqueViolation(err) {
					return repository.ErrStateConflict
				}
				return fmt.Errorf("accept offer: %w", err)
			}
			if n, err := upd.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return repository.ErrStateConflict
			}

			reason := siblingRejectionReason
			if _, err := tx.ExecContext(ctx, `UPDATE offers SET status = ?, rejected_at = ?, rejection_reason = ?, updated = ? WHERE request_id = ? AND id <> ? AND status = ?`,
				models.OfferRejected, ts, reason, ts, d.RequestID, offer.ID, models.OfferPending); err != nil {
				return fmt.Errorf("reject sibling offers: %w", err)
			}
			for i := range siblings {
				siblings[i].Status = models.OfferRejected
				siblings[i].RejectedAt = &ts
				siblings[i].RejectionReason = &reason
				siblings[i].Updated = ts
			}

			upd, err = tx.ExecContext(ctx, `UPDATE requests SET status = ?, assigned_worker_id = ?, assigned_at = COALESCE(assigned_at, ?), updated = ? WHERE id = ? AND status = ?`,
				models.StatusAssigned, offer.WorkerID, ts, ts, req.ID, models.StatusOpen)
			if err != nil {
				return fmt.Errorf("assign request: %w", err)
			}
			if n, err := upd.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return repository.ErrStateConflict
			}

			notes := fmt.Sprintf("offer %d accepted", offer.ID)
			if err := insertStatusChange(ctx, tx, req.ID, req.Status, models.StatusAssigned, d.DecidedBy, &notes, ts); err != nil {
				return err
			}

			offer.Status = models.OfferAccepted
			offer.AcceptedAt = &ts
			offer.Updated = ts
			worker := offer.WorkerID
			req.Status = models.StatusAssigned
			req.AssignedWorkerID = &worker
			if req.AssignedAt == nil {
				req.AssignedAt = &ts
			}
			req.Updated = ts

			res.Offer = *offer
			res.Rejected = siblings
			res.Request = *req
		}

		if outbox != nil {
			if err := enqueueTx(ctx, tx, outbox(res)); err != nil {
				return err
			}
		}

		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func rejectOffer(ctx context.Context, tx *sql.Tx, id int64, reason *string, ts int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE offers SET status = ?, rejected_at = ?, rejection_reason = ?, updated = ? WHERE id = ? AND status = ?`,
		models.OfferRejected, ts, reason, ts, id, models.OfferPending)
	if err != nil {
		return fmt.Errorf("reject offer: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return repository.ErrStateConflict
	}

	return nil
}
