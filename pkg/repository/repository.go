package repository

import (
	"context"
	"errors"
	"time"

	"github.com/garnizeh/servicemarket/pkg/models"
)

// Repository interfaces for domain entities. These are the public contracts
// consumers should depend on; concrete implementations live under internal/.

var (
	// ErrNotFound is returned by transactional mutations when the target row is absent.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is returned when a guarded update found the row in another state.
	ErrStateConflict = errors.New("state conflict")
	// ErrDuplicate is returned when an insert hits a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate")
)

// RequestMutation describes one transactional change of a request. Apply runs
// inside the transaction against the freshly read row and may veto the change
// by returning an error, which is passed through unchanged.
type RequestMutation struct {
	RequestID int64
	ChangedBy int64
	Notes     *string
	Apply     func(r *models.Request) error
	Outbox    func(before, after models.Request) []models.BackgroundJob
}

type UserRepo interface {
	CreateUser(ctx context.Context, u *models.User) (int64, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

type RequestRepo interface {
	CreateRequest(ctx context.Context, r *models.Request) (int64, error)
	GetRequest(ctx context.Context, id int64) (*models.Request, error)
	ListRequests(ctx context.Context, f models.RequestFilter) ([]models.Request, error)
	MutateRequest(ctx context.Context, m RequestMutation) (*models.Request, error)
	ListStatusHistory(ctx context.Context, requestID int64) ([]models.StatusChange, error)
}

type OfferRepo interface {
	// CreateOffer inserts a pending offer if the owning request exists and is open.
	CreateOffer(ctx context.Context, o *models.Offer, outbox func(req models.Request, o models.Offer) []models.BackgroundJob) (int64, error)
	GetOffer(ctx context.Context, id int64) (*models.Offer, error)
	ListOffersByRequest(ctx context.Context, requestID int64) ([]models.Offer, error)
	ListOffersByWorker(ctx context.Context, workerID int64) ([]models.Offer, error)
	// MutateOffer applies fn to the stored offer and writes it back only if its
	// status did not change in between.
	MutateOffer(ctx context.Context, id int64, fn func(o *models.Offer) error) (*models.Offer, error)
	// DecideOffer accepts or rejects a pending offer. Acceptance rejects every
	// other pending offer of the request and assigns the request in the same
	// transaction.
	DecideOffer(ctx context.Context, d models.Decision, outbox func(res *models.DecisionResult) []models.BackgroundJob) (*models.DecisionResult, error)
}

type NotificationRepo interface {
	CreateNotification(ctx context.Context, n *models.Notification) (int64, error)
	ListNotifications(ctx context.Context, userID int64, limit int, unreadOnly bool) ([]models.Notification, error)
	CountUnreadNotifications(ctx context.Context, userID int64) (int64, error)
	MarkNotificationRead(ctx context.Context, userID, id int64) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error)
}

type ConversationRepo interface {
	FindConversation(ctx context.Context, userA, userB int64, relatedRequestID *int64) (*models.Conversation, error)
	CreateConversation(ctx context.Context, c *models.Conversation) (int64, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	ArchiveConversation(ctx context.Context, id int64) error
	ListConversationSummaries(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	CreateMessage(ctx context.Context, m *models.Message, outbox func(c models.Conversation, m models.Message) []models.BackgroundJob) (int64, error)
	// ListMessagesMarkRead flips every unread message not sent by readerID to
	// read and returns the page oldest-first.
	ListMessagesMarkRead(ctx context.Context, conversationID, readerID int64, limit, offset int) ([]models.Message, error)
	CountUnreadMessages(ctx context.Context, userID int64) (int64, error)
}

// JobRepo is the outbox side used by the worker pool. Jobs are written by the
// other repositories inside their own transactions.
type JobRepo interface {
	FetchNext(ctx context.Context) (*models.BackgroundJob, error)
	UpdateJob(ctx context.Context, j *models.BackgroundJob) error
	MoveToDeadLetter(ctx context.Context, j *models.BackgroundJob) error
	RequeueRunning(ctx context.Context) (int64, error)
	// PruneJobs deletes finished jobs last updated before the given time.
	PruneJobs(ctx context.Context, before time.Time) (int64, error)
}
