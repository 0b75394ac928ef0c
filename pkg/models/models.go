package models

import (
	"encoding/json"
	"time"
)

// Domain models matching the database schema in db/migrations/0001_init.sql.
// Timestamps are unix milliseconds, like the rest of the store.

// Request statuses.
const (
	StatusOpen       = "open"
	StatusAssigned   = "assigned"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Offer statuses.
const (
	OfferPending  = "pending"
	OfferAccepted = "accepted"
	OfferRejected = "rejected"
)

// User roles.
const (
	RoleClient = "client"
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

type User struct {
	ID           int64  `json:"id" db:"id"`
	Name         string `json:"name" db:"name" validate:"required"`
	Email        string `json:"email" db:"email" validate:"required,email"`
	Role         string `json:"role" db:"role"`
	Updated      int64  `json:"updated" db:"updated"`
	PasswordHash string `json:"-" db:"password_hash"`
}

type Request struct {
	ID               int64    `json:"id" db:"id"`
	Title            string   `json:"title" db:"title"`
	Description      string   `json:"description" db:"description"`
	CategoryID       int64    `json:"category_id" db:"category_id"`
	ClientID         int64    `json:"client_id" db:"client_id"`
	Status           string   `json:"status" db:"status"`
	Priority         string   `json:"priority" db:"priority"`
	BudgetMin        *float64 `json:"budget_min,omitempty" db:"budget_min"`
	BudgetMax        *float64 `json:"budget_max,omitempty" db:"budget_max"`
	AssignedWorkerID *int64   `json:"assigned_worker_id,omitempty" db:"assigned_worker_id"`
	AssignedAt       *int64   `json:"assigned_at,omitempty" db:"assigned_at"`
	StartedAt        *int64   `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *int64   `json:"completed_at,omitempty" db:"completed_at"`
	Created          int64    `json:"created" db:"created"`
	Updated          int64    `json:"updated" db:"updated"`
}

// RequestFilter narrows ListRequests. Zero values are ignored.
type RequestFilter struct {
	ClientID int64
	WorkerID int64
	Status   string
	Limit    int
	Offset   int
}

// StatusChange is one row of a request's status history.
type StatusChange struct {
	ID        int64   `json:"id" db:"id"`
	RequestID int64   `json:"request_id" db:"request_id"`
	OldStatus string  `json:"old_status" db:"old_status"`
	NewStatus string  `json:"new_status" db:"new_status"`
	ChangedBy int64   `json:"changed_by" db:"changed_by"`
	Notes     *string `json:"notes,omitempty" db:"notes"`
	Created   int64   `json:"created" db:"created"`
}

type Offer struct {
	ID              int64   `json:"id" db:"id"`
	RequestID       int64   `json:"request_id" db:"request_id"`
	WorkerID        int64   `json:"worker_id" db:"worker_id"`
	Price           float64 `json:"price" db:"price"`
	Description     string  `json:"description" db:"description"`
	Timeline        string  `json:"timeline" db:"timeline"`
	Availability    string  `json:"availability" db:"availability"`
	Status          string  `json:"status" db:"status"`
	AcceptedAt      *int64  `json:"accepted_at,omitempty" db:"accepted_at"`
	RejectedAt      *int64  `json:"rejected_at,omitempty" db:"rejected_at"`
	RejectionReason *string `json:"rejection_reason,omitempty" db:"rejection_reason"`
	Created         int64   `json:"created" db:"created"`
	Updated         int64   `json:"updated" db:"updated"`
}

// OfferPatch carries the optional fields of an offer edit; nil means unchanged.
type OfferPatch struct {
	Price        *float64 `json:"price,omitempty"`
	Description  *string  `json:"description,omitempty"`
	Timeline     *string  `json:"timeline,omitempty"`
	Availability *string  `json:"availability,omitempty"`
}

// Decision is the input of an atomic accept/reject.
type Decision struct {
	RequestID int64
	OfferID   int64
	DecidedBy int64
	Accept    bool
	Reason    *string
}

// DecisionResult reports what a decision changed.
type DecisionResult struct {
	Offer    Offer   `json:"offer"`
	Rejected []Offer `json:"rejected,omitempty"`
	Request  Request `json:"request"`
}

type Notification struct {
	ID      int64           `json:"id" db:"id"`
	UserID  int64           `json:"user_id" db:"user_id"`
	Type    string          `json:"type" db:"type"`
	Title   string          `json:"title" db:"title"`
	Message string          `json:"message" db:"message"`
	Payload json.RawMessage `json:"payload,omitempty" db:"payload"`
	IsRead  bool            `json:"is_read" db:"is_read"`
	Created int64           `json:"created" db:"created"`
}

type Conversation struct {
	ID               int64  `json:"id" db:"id"`
	Participant1     int64  `json:"participant_1" db:"participant_1"`
	Participant2     int64  `json:"participant_2" db:"participant_2"`
	RelatedRequestID *int64 `json:"related_request_id,omitempty" db:"related_request_id"`
	Title            string `json:"title" db:"title"`
	LastMessageAt    *int64 `json:"last_message_at,omitempty" db:"last_message_at"`
	IsActive         bool   `json:"is_active" db:"is_active"`
	Created          int64  `json:"created" db:"created"`
}

// HasParticipant reports whether userID is one of the two slots.
func (c *Conversation) HasParticipant(userID int64) bool {
	return userID != 0 && (c.Participant1 == userID || c.Participant2 == userID)
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID int64) int64 {
	if c.Participant1 == userID {
		return c.Participant2
	}
	return c.Participant1
}

type Message struct {
	ID             int64  `json:"id" db:"id"`
	ConversationID int64  `json:"conversation_id" db:"conversation_id"`
	SenderID       int64  `json:"sender_id" db:"sender_id"`
	Content        string `json:"content" db:"content"`
	IsRead         bool   `json:"is_read" db:"is_read"`
	ReadAt         *int64 `json:"read_at,omitempty" db:"read_at"`
	Created        int64  `json:"created" db:"created"`
}

// ConversationSummary is a conversation as seen by one participant.
type ConversationSummary struct {
	Conversation
	OtherUserID   int64    `json:"other_user_id"`
	OtherUserName string   `json:"other_user_name"`
	LastMessage   *Message `json:"last_message,omitempty"`
	UnreadCount   int64    `json:"unread_count"`
}

type BackgroundJob struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	NextTryAt   *time.Time      `json:"next_try_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	Created     time.Time       `json:"created"`
	Updated     time.Time       `json:"updated"`
}
