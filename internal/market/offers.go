package market

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/garnizeh/servicemarket/internal/metrics"
	"github.com/garnizeh/servicemarket/internal/notify"
	"github.com/garnizeh/servicemarket/pkg/models"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

// Decisions accepted by DecideOffer.
const (
	DecisionAccepted = "accepted"
	DecisionRejected = "rejected"
)

// WithdrawnReason is the rejection reason of an offer withdrawn by its worker.
const WithdrawnReason = "withdrawn"

// NewOffer holds the fields of a submitted offer.
type NewOffer struct {
	Price        float64 `json:"price"`
	Description  string  `json:"description"`
	Timeline     string  `json:"timeline"`
	Availability string  `json:"availability"`
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

// Offers is the offer arbitration engine.
type Offers struct {
	repo     repository.OfferRepo
	requests repository.RequestRepo
	logger   *slog.Logger
}

func NewOffers(repo repository.OfferRepo, requests repository.RequestRepo, logger *slog.Logger) *Offers {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Offers{repo: repo, requests: requests, logger: logger}
}

func (s *Offers) loadRequest(ctx context.Context, id int64) (*models.Request, error) {
	req, err := s.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, wrapStore("get request", err)
	}
	if req == nil {
		return nil, NotFoundError("request %d not found", id)
	}
	return req, nil
}

// loadOffer returns the offer only if it belongs to requestID.
func (s *Offers) loadOffer(ctx context.Context, requestID, offerID int64) (*models.Offer, error) {
	o, err := s.repo.GetOffer(ctx, offerID)
	if err != nil {
		return nil, wrapStore("get offer", err)
	}
	if o == nil || o.RequestID != requestID {
		return nil, NotFoundError("offer %d not found on request %d", offerID, requestID)
	}
	return o, nil
}

// SubmitOffer creates a pending offer from the caller on an open request and
// notifies the request's client. A worker may submit several offers on the
// same request.
func (s *Offers) SubmitOffer(ctx context.Context, caller Caller, requestID int64, in NewOffer) (*models.Offer, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}

	req, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if caller.Role != models.RoleWorker {
		return nil, ForbiddenError("only workers can submit offers")
	}
	if req.ClientID == caller.ID {
		return nil, ForbiddenError("cannot bid on your own request")
	}
	if !validPrice(in.Price) {
		return nil, ValidationError("price must be a positive number")
	}

	o := &models.Offer{
		RequestID:    requestID,
		WorkerID:     caller.ID,
		Price:        in.Price,
		Description:  in.Description,
		Timeline:     in.Timeline,
		Availability: in.Availability,
	}
	_, err = s.repo.CreateOffer(ctx, o, func(req models.Request, o models.Offer) []models.BackgroundJob {
		return []models.BackgroundJob{
			notify.Job(req.ClientID, notify.TypeOfferNew, "New offer received",
				fmt.Sprintf("A worker offered %.2f for %q", o.Price, req.Title),
				map[string]any{"request_id": req.ID, "offer_id": o.ID, "worker_id": o.WorkerID, "price": o.Price}),
		}
	})
	if err != nil {
		if KindOf(err) == KindInvalidState {
			return nil, InvalidStateError("request %d is no longer open", requestID)
		}
		return nil, wrapStore("create offer", err)
	}

	s.logger.Info("offer submitted", slog.Int64("request_id", requestID), slog.Int64("offer_id", o.ID), slog.Int64("worker_id", caller.ID))
	return o, nil
}

// UpdateOffer applies the non-nil fields of patch to a pending offer of the caller.
func (s *Offers) UpdateOffer(ctx context.Context, caller Caller, requestID, offerID int64, patch models.OfferPatch) (*models.Offer, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}

	o, err := s.loadOffer(ctx, requestID, offerID)
	if err != nil {
		return nil, err
	}
	if o.WorkerID != caller.ID {
		return nil, ForbiddenError("offer %d belongs to another worker", offerID)
	}
	if o.Status != models.OfferPending {
		return nil, InvalidStateError("offer %d is %s", offerID, o.Status)
	}
	if patch.Price != nil && !validPrice(*patch.Price) {
		return nil, ValidationError("price must be a positive number")
	}

	out, err := s.repo.MutateOffer(ctx, offerID, func(o *models.Offer) error {
		if o.Status != models.OfferPending {
			return InvalidStateError("offer %d is %s", offerID, o.Status)
		}
		if patch.Price != nil {
			o.Price = *patch.Price
		}
		if patch.Description != nil {
			o.Description = *patch.Description
		}
		if patch.Timeline != nil {
			o.Timeline = *patch.Timeline
		}
		if patch.Availability != nil {
			o.Availability = *patch.Availability
		}
		return nil
	})
	if err != nil {
		return nil, wrapStore("update offer", err)
	}

	return out, nil
}

// WithdrawOffer lets a worker take back a pending offer. The offer is closed
// as rejected with WithdrawnReason.
func (s *Offers) WithdrawOffer(ctx context.Context, caller Caller, requestID, offerID int64) (*models.Offer, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}

	o, err := s.loadOffer(ctx, requestID, offerID)
	if err != nil {
		return nil, err
	}
	if o.WorkerID != caller.ID {
		return nil, ForbiddenError("offer %d belongs to another worker", offerID)
	}

	out, err := s.repo.MutateOffer(ctx, offerID, func(o *models.Offer) error {
		if o.Status != models.OfferPending {
			return InvalidStateError("offer %d is %s", offerID, o.Status)
		}
		ts := now()
		reason := WithdrawnReason
		o.Status = models.OfferRejected
		o.RejectedAt = &ts
		o.RejectionReason = &reason
		return nil
	})
	if err != nil {
		return nil, wrapStore("withdraw offer", err)
	}

	return out, nil
}

// DecideOffer accepts or rejects a pending offer. Accepting closes every other
// pending offer of the request and assigns the request to the winning worker
// in one transaction; concurrent decisions on the same request have exactly
// one winner and the others fail with an invalid_state error.
func (s *Offers) DecideOffer(ctx context.Context, caller Caller, requestID, offerID int64, decision string, reason *string) (*models.DecisionResult, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}
	if decision != DecisionAccepted && decision != DecisionRejected {
		return nil, ValidationError("decision must be %q or %q", DecisionAccepted, DecisionRejected)
	}

	req, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && req.ClientID != caller.ID {
		return nil, ForbiddenError("only the client can decide offers on request %d", requestID)
	}

	d := models.Decision{
		RequestID: requestID,
		OfferID:   offerID,
		DecidedBy: caller.ID,
		Accept:    decision == DecisionAccepted,
		Reason:    reason,
	}
	res, err := s.repo.DecideOffer(ctx, d, func(res *models.DecisionResult) []models.BackgroundJob {
		return decisionJobs(caller, res)
	})
	if err != nil {
		switch KindOf(err) {
		case KindNotFound:
			return nil, NotFoundError("offer %d not found on request %d", offerID, requestID)
		case KindInvalidState:
			metrics.OfferDecisions.WithLabelValues("conflict").Inc()
			return nil, InvalidStateError("offer %d can no longer be %s", offerID, decision)
		}
		return nil, wrapStore("decide offer", err)
	}
	metrics.OfferDecisions.WithLabelValues(decision).Inc()

	s.logger.Info("offer decided",
		slog.Int64("request_id", requestID),
		slog.Int64("offer_id", offerID),
		slog.String("decision", decision),
		slog.Int("siblings_rejected", len(res.Rejected)))
	return res, nil
}

func decisionJobs(caller Caller, res *models.DecisionResult) []models.BackgroundJob {
	req, offer := res.Request, res.Offer
	ref := map[string]any{"request_id": req.ID, "offer_id": offer.ID}

	if offer.Status == models.OfferRejected {
		payload := map[string]any{"request_id": req.ID, "offer_id": offer.ID}
		if offer.RejectionReason != nil {
			payload["reason"] = *offer.RejectionReason
		}
		return []models.BackgroundJob{
			notify.Job(offer.WorkerID, notify.TypeOfferRejected, "Offer declined",
				fmt.Sprintf("Your offer on %q was declined", req.Title), payload),
		}
	}

	jobs := []models.BackgroundJob{
		notify.Job(offer.WorkerID, notify.TypeOfferAccepted, "Offer accepted",
			fmt.Sprintf("Your offer on %q was accepted", req.Title), ref),
	}
	for _, o := range res.Rejected {
		payload := map[string]any{"request_id": req.ID, "offer_id": o.ID}
		if o.RejectionReason != nil {
			payload["reason"] = *o.RejectionReason
		}
		jobs = append(jobs, notify.Job(o.WorkerID, notify.TypeOfferRejected, "Offer declined",
			fmt.Sprintf("Another offer on %q was accepted", req.Title), payload))
	}
	if caller.ID != req.ClientID {
		jobs = append(jobs, notify.Job(req.ClientID, notify.TypeRequestStatus, "Request assigned",
			fmt.Sprintf("%q was assigned", req.Title),
			map[string]any{"request_id": req.ID, "old_status": models.StatusOpen, "new_status": req.Status}))
	}

	return jobs
}

// ListOffers returns the offers on a request, oldest first. The client and
// admins see every offer; workers only see their own.
func (s *Offers) ListOffers(ctx context.Context, caller Caller, requestID int64) ([]models.Offer, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}

	req, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	all, err := s.repo.ListOffersByRequest(ctx, requestID)
	if err != nil {
		return nil, wrapStore("list offers", err)
	}

	out := make([]models.Offer, 0, len(all))
	for _, o := range all {
		if caller.IsAdmin() || req.ClientID == caller.ID || o.WorkerID == caller.ID {
			out = append(out, o)
		}
	}

	return out, nil
}

// ListOffersByWorker returns the offers of workerID, newest first.
func (s *Offers) ListOffersByWorker(ctx context.Context, caller Caller, workerID int64) ([]models.Offer, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && caller.ID != workerID {
		return nil, ForbiddenError("cannot list offers of another worker")
	}

	out, err := s.repo.ListOffersByWorker(ctx, workerID)
	if err != nil {
		return nil, wrapStore("list worker offers", err)
	}
	if out == nil {
		out = []models.Offer{}
	}

	return out, nil
}
