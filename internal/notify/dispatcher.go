// Package notify persists user notifications and pushes them to live
// connections.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/garnizeh/servicemarket/internal/metrics"
	"github.com/garnizeh/servicemarket/pkg/models"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

// EventNotification is the realtime event name carrying a persisted notification.
const EventNotification = "notification"

// Listing limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var (
	// ErrInvalidPayload is returned when a payload does not match the schema of its type.
	ErrInvalidPayload = errors.New("invalid notification payload")
	// ErrInvalidInput is returned for a missing recipient, type or title.
	ErrInvalidInput = errors.New("invalid notification")
)

// Pusher delivers one event to the channel of a user.
type Pusher interface {
	Push(ctx context.Context, userID int64, event string, data any) error
}

// Dispatcher writes notifications and fans them out. Persistence is the only
// part that can fail a dispatch; realtime delivery is best-effort.
type Dispatcher struct {
	repo    repository.NotificationRepo
	pusher  Pusher
	schemas *Schemas
	logger  *slog.Logger
}

// NewDispatcher builds a dispatcher. pusher may be nil, in which case
// notifications are only persisted.
func NewDispatcher(repo repository.NotificationRepo, pusher Pusher, schemas *Schemas, logger *slog.Logger) *Dispatcher {
	if schemas == nil {
		schemas = NewSchemas()
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Dispatcher{repo: repo, pusher: pusher, schemas: schemas, logger: logger}
}

// Dispatch persists a notification for recipientID and then pushes it.
func (d *Dispatcher) Dispatch(ctx context.Context, recipientID int64, typ, title, message string, payload json.RawMessage) (*models.Notification, error) {
	if recipientID <= 0 {
		return nil, fmt.Errorf("%w: recipient required", ErrInvalidInput)
	}
	if strings.TrimSpace(typ) == "" || strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: type and title required", ErrInvalidInput)
	}
	if err := d.schemas.Validate(ctx, typ, payload); err != nil {
		return nil, err
	}

	n := &models.Notification{
		UserID:  recipientID,
		Type:    typ,
		Title:   title,
		Message: message,
		Payload: payload,
	}
	if _, err := d.repo.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	metrics.NotificationsDispatched.WithLabelValues(typ).Inc()

	d.push(ctx, n)

	return n, nil
}

func (d *Dispatcher) push(ctx context.Context, n *models.Notification) {
	if d.pusher == nil {
		return
	}
	if err := d.pusher.Push(ctx, n.UserID, EventNotification, n); err != nil {
		d.logger.Warn("realtime push failed",
			slog.Any("err", err),
			slog.Int64("user_id", n.UserID),
			slog.Int64("notification_id", n.ID))
	}
}

// ListForUser returns the newest notifications of userID. A non-positive
// limit means DefaultListLimit; larger limits are clamped to MaxListLimit.
func (d *Dispatcher) ListForUser(ctx context.Context, userID int64, limit int, unreadOnly bool) ([]models.Notification, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	ns, err := d.repo.ListNotifications(ctx, userID, limit, unreadOnly)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	if ns == nil {
		ns = []models.Notification{}
	}

	return ns, nil
}

// UnreadCount returns how many notifications of userID are unread.
func (d *Dispatcher) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	return d.repo.CountUnreadNotifications(ctx, userID)
}

// MarkRead flags one notification of userID as read. It fails with
// repository.ErrNotFound when the notification does not exist or belongs to
// someone else.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, notificationID int64) error {
	ok, err := d.repo.MarkNotificationRead(ctx, userID, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if !ok {
		return repository.ErrNotFound
	}

	return nil
}

// MarkAllRead flags every notification of userID as read and returns how many changed.
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID int64) (int64, error) {
	n, err := d.repo.MarkAllNotificationsRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}

	return n, nil
}
