package market

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/garnizeh/servicemarket/internal/metrics"
	"github.com/garnizeh/servicemarket/internal/notify"
	"github.com/garnizeh/servicemarket/pkg/models"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

// transitions is the request state machine. completed and cancelled are terminal.
var transitions = map[string][]string{
	models.StatusOpen:       {models.StatusAssigned, models.StatusCancelled},
	models.StatusAssigned:   {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted, models.StatusCancelled},
}

var statuses = []string{
	models.StatusOpen,
	models.StatusAssigned,
	models.StatusInProgress,
	models.StatusCompleted,
	models.StatusCancelled,
}

var priorities = []string{"low", "normal", "high", "urgent"}

// ValidStatus reports whether s is a known request status.
func ValidStatus(s string) bool { return slices.Contains(statuses, s) }

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to string) bool { return slices.Contains(transitions[from], to) }

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s string) bool { return len(transitions[s]) == 0 }

func needsWorker(s string) bool {
	return s == models.StatusAssigned || s == models.StatusInProgress || s == models.StatusCompleted
}

// NewRequest holds the fields a client supplies when posting a request.
type NewRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	CategoryID  int64    `json:"category_id"`
	Priority    string   `json:"priority,omitempty"`
	BudgetMin   *float64 `json:"budget_min,omitempty"`
	BudgetMax   *float64 `json:"budget_max,omitempty"`
}

func (n *NewRequest) validate() error {
	n.Title = strings.TrimSpace(n.Title)
	n.Description = strings.TrimSpace(n.Description)
	if n.Title == "" {
		return ValidationError("title is required")
	}
	if n.Description == "" {
		return ValidationError("description is required")
	}
	if n.CategoryID <= 0 {
		return ValidationError("category_id is required")
	}
	if n.Priority == "" {
		n.Priority = "normal"
	}
	if !slices.Contains(priorities, n.Priority) {
		return ValidationError("priority must be one of %s", strings.Join(priorities, ", "))
	}
	if (n.BudgetMin != nil && *n.BudgetMin < 0) || (n.BudgetMax != nil && *n.BudgetMax < 0) {
		return ValidationError("budget cannot be negative")
	}
	if n.BudgetMin != nil && n.BudgetMax != nil && *n.BudgetMin > *n.BudgetMax {
		return ValidationError("budget_min cannot exceed budget_max")
	}

	return nil
}

// Requests is the request lifecycle manager.
type Requests struct {
	repo   repository.RequestRepo
	users  repository.UserRepo
	logger *slog.Logger
}

func NewRequests(repo repository.RequestRepo, users repository.UserRepo, logger *slog.Logger) *Requests {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Requests{repo: repo, users: users, logger: logger}
}

// CreateRequest posts a new open request owned by the caller.
func (s *Requests) CreateRequest(ctx context.Context, caller Caller, in NewRequest) (*models.Request, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}
	if caller.Role == models.RoleWorker {
		return nil, ForbiddenError("workers cannot post requests")
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	req := &models.Request{
		Title:       in.Title,
		Description: in.Description,
		CategoryID:  in.CategoryID,
		ClientID:    caller.ID,
		Priority:    in.Priority,
		BudgetMin:   in.BudgetMin,
		BudgetMax:   in.BudgetMax,
	}
	if _, err := s.repo.CreateRequest(ctx, req); err != nil {
		return nil, wrapStore("create request", err)
	}
	metrics.RequestTransitions.WithLabelValues(models.StatusOpen).Inc()

	s.logger.Info("request created", slog.Int64("request_id", req.ID), slog.Int64("client_id", caller.ID))
	return req, nil
}

// GetRequest returns one request. Requests are visible to every authenticated user.
func (s *Requests) GetRequest(ctx context.Context, caller Caller, id int64) (*models.Request, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}

	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, wrapStore("get request", err)
	}
	if req == nil {
		return nil, NotFoundError("request %d not found", id)
	}

	return req, nil
}

// ListRequests returns requests matching f, newest first.
func (s *Requests) ListRequests(ctx context.Context, caller Caller, f models.RequestFilter) ([]models.Request, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, ValidationError("unknown status %q", f.Status)
	}
	if f.Limit > 200 {
		f.Limit = 200
	}

	out, err := s.repo.ListRequests(ctx, f)
	if err != nil {
		return nil, wrapStore("list requests", err)
	}
	if out == nil {
		out = []models.Request{}
	}

	return out, nil
}

// ListStatusHistory returns the status changes of a request, oldest first.
// Only the parties of the request and admins may read it.
func (s *Requests) ListStatusHistory(ctx context.Context, caller Caller, id int64) ([]models.StatusChange, error) {
	req, err := s.GetRequest(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !isParty(caller, req) {
		return nil, ForbiddenError("not a party of request %d", id)
	}

	out, err := s.repo.ListStatusHistory(ctx, id)
	if err != nil {
		return nil, wrapStore("list status history", err)
	}
	if out == nil {
		out = []models.StatusChange{}
	}

	return out, nil
}

func isParty(caller Caller, req *models.Request) bool {
	if caller.IsAdmin() || req.ClientID == caller.ID {
		return true
	}
	return req.AssignedWorkerID != nil && *req.AssignedWorkerID == caller.ID
}

// UpdateStatus moves a request along the state machine. Workers start and
// complete the work they are assigned; clients cancel their own requests;
// admins may take any legal edge.
func (s *Requests) UpdateStatus(ctx context.Context, caller Caller, id int64, status string, notes *string) (*models.Request, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}
	if !ValidStatus(status) {
		return nil, InvalidTransitionError("unknown status %q", status)
	}

	apply := func(r *models.Request) error {
		if !isParty(caller, r) {
			return ForbiddenError("not a party of request %d", r.ID)
		}
		if !CanTransition(r.Status, status) {
			return InvalidTransitionError("cannot move request from %s to %s", r.Status, status)
		}
		if !caller.IsAdmin() {
			isWorker := r.AssignedWorkerID != nil && *r.AssignedWorkerID == caller.ID
			switch status {
			case models.StatusCancelled:
				if r.ClientID != caller.ID {
					return ForbiddenError("only the client can cancel request %d", r.ID)
				}
			case models.StatusInProgress, models.StatusCompleted:
				if !isWorker {
					return ForbiddenError("only the assigned worker can move request %d to %s", r.ID, status)
				}
			}
		}
		if needsWorker(status) && r.AssignedWorkerID == nil {
			return InvalidStateError("request %d has no assigned worker, accept an offer or assign one", r.ID)
		}

		setStatus(r, status)
		return nil
	}

	return s.mutate(ctx, caller, id, notes, apply)
}

// OverrideStatus sets any known status regardless of the state machine.
// Only admins may use it.
func (s *Requests) OverrideStatus(ctx context.Context, caller Caller, id int64, status string, notes *string) (*models.Request, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}
	if !caller.IsAdmin() {
		return nil, ForbiddenError("status override requires admin")
	}
	if !ValidStatus(status) {
		return nil, InvalidTransitionError("unknown status %q", status)
	}

	apply := func(r *models.Request) error {
		if needsWorker(status) && r.AssignedWorkerID == nil {
			return InvalidStateError("request %d has no assigned worker", r.ID)
		}
		setStatus(r, status)
		return nil
	}

	return s.mutate(ctx, caller, id, notes, apply)
}

// AssignWorker assigns workerID to a non-terminal request and moves it to
// assigned.
func (s *Requests) AssignWorker(ctx context.Context, caller Caller, id, workerID int64, notes *string) (*models.Request, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}
	if workerID <= 0 {
		return nil, ValidationError("worker_id is required")
	}

	worker, err := s.users.GetUserByID(ctx, workerID)
	if err != nil {
		return nil, wrapStore("get worker", err)
	}
	if worker == nil {
		return nil, NotFoundError("worker %d not found", workerID)
	}
	if worker.Role != models.RoleWorker {
		return nil, ValidationError("user %d is not a worker", workerID)
	}

	apply := func(r *models.Request) error {
		if !caller.IsAdmin() && r.ClientID != caller.ID {
			return ForbiddenError("only the client can assign request %d", r.ID)
		}
		if IsTerminal(r.Status) {
			return InvalidStateError("request %d is %s", r.ID, r.Status)
		}

		r.AssignedWorkerID = &workerID
		setStatus(r, models.StatusAssigned)
		return nil
	}

	return s.mutate(ctx, caller, id, notes, apply)
}

func (s *Requests) mutate(ctx context.Context, caller Caller, id int64, notes *string, apply func(r *models.Request) error) (*models.Request, error) {
	out, err := s.repo.MutateRequest(ctx, repository.RequestMutation{
		RequestID: id,
		ChangedBy: caller.ID,
		Notes:     notes,
		Apply:     apply,
		Outbox: func(before, after models.Request) []models.BackgroundJob {
			return statusJobs(caller, before, after)
		},
	})
	if err != nil {
		return nil, wrapStore("update request", err)
	}
	metrics.RequestTransitions.WithLabelValues(out.Status).Inc()

	s.logger.Info("request status changed",
		slog.Int64("request_id", out.ID),
		slog.String("status", out.Status),
		slog.Int64("changed_by", caller.ID))
	return out, nil
}

func now() int64 { return time.Now().UTC().UnixMilli() }

// setStatus sets status, clears the worker when the request leaves the
// assigned states and stamps the timestamp of the status entered, once.
// States skipped by an override keep a nil timestamp.
func setStatus(r *models.Request, status string) {
	ts := now()
	stamp := func(p **int64) {
		if *p == nil {
			*p = &ts
		}
	}

	r.Status = status
	switch status {
	case models.StatusOpen, models.StatusCancelled:
		r.AssignedWorkerID = nil
	case models.StatusAssigned:
		stamp(&r.AssignedAt)
	case models.StatusInProgress:
		stamp(&r.StartedAt)
	case models.StatusCompleted:
		stamp(&r.CompletedAt)
	}
}

// statusJobs notifies the parties of a request other than the caller.
func statusJobs(caller Caller, before, after models.Request) []models.BackgroundJob {
	recipients := map[int64]struct{}{before.ClientID: {}}
	if before.AssignedWorkerID != nil {
		recipients[*before.AssignedWorkerID] = struct{}{}
	}
	if after.AssignedWorkerID != nil {
		recipients[*after.AssignedWorkerID] = struct{}{}
	}
	delete(recipients, caller.ID)

	payload := map[string]any{
		"request_id": after.ID,
		"old_status": before.Status,
		"new_status": after.Status,
	}
	title := fmt.Sprintf("Request %s", strings.ReplaceAll(after.Status, "_", " "))
	message := fmt.Sprintf("%q moved from %s to %s", after.Title, before.Status, after.Status)

	jobs := make([]models.BackgroundJob, 0, len(recipients)+1)
	for id := range recipients {
		jobs = append(jobs, notify.Job(id, notify.TypeRequestStatus, title, message, payload))
	}

	if after.AssignedWorkerID != nil && (before.AssignedWorkerID == nil || *before.AssignedWorkerID != *after.AssignedWorkerID) {
		jobs = append(jobs, notify.Job(*after.AssignedWorkerID, notify.TypeRequestAssigned, "You were assigned a request",
			fmt.Sprintf("%q was assigned to you", after.Title),
			map[string]any{"request_id": after.ID, "worker_id": *after.AssignedWorkerID}))
	}

	return jobs
}
