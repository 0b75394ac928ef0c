package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/garnizeh/servicemarket/internal/notify"
	"github.com/garnizeh/servicemarket/pkg/models"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

// MaxMessageLength is the longest message body accepted, in characters.
const MaxMessageLength = 5000

// Conversations is the two-party conversation and message store.
type Conversations struct {
	repo     repository.ConversationRepo
	users    repository.UserRepo
	requests repository.RequestRepo
	logger   *slog.Logger
}

func NewConversations(repo repository.ConversationRepo, users repository.UserRepo, requests repository.RequestRepo, logger *slog.Logger) *Conversations {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Conversations{repo: repo, users: users, requests: requests, logger: logger}
}

// FindOrCreateConversation returns the active conversation between the caller
// and otherUserID about relatedRequestID, creating it when there is none.
// Concurrent calls for the same pair converge on one conversation.
func (s *Conversations) FindOrCreateConversation(ctx context.Context, caller Caller, otherUserID int64, relatedRequestID *int64, title string) (*models.Conversation, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}
	if otherUserID <= 0 {
		return nil, ValidationError("other participant is required")
	}
	if otherUserID == caller.ID {
		return nil, ValidationError("cannot start a conversation with yourself")
	}

	c, err := s.repo.FindConversation(ctx, caller.ID, otherUserID, relatedRequestID)
	if err != nil {
		return nil, wrapStore("find conversation", err)
	}
	if c != nil {
		return c, nil
	}

	other, err := s.users.GetUserByID(ctx, otherUserID)
	if err != nil {
		return nil, wrapStore("get user", err)
	}
	if other == nil {
		return nil, NotFoundError("user %d not found", otherUserID)
	}
	if relatedRequestID != nil {
		req, err := s.requests.GetRequest(ctx, *relatedRequestID)
		if err != nil {
			return nil, wrapStore("get request", err)
		}
		if req == nil {
			return nil, NotFoundError("request %d not found", *relatedRequestID)
		}
	}

	c = &models.Conversation{
		Participant1:     caller.ID,
		Participant2:     otherUserID,
		RelatedRequestID: relatedRequestID,
		Title:            strings.TrimSpace(title),
	}
	if _, err := s.repo.CreateConversation(ctx, c); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, wrapStore("create conversation", err)
		}

		// lost the race against a concurrent create
		c, err = s.repo.FindConversation(ctx, caller.ID, otherUserID, relatedRequestID)
		if err != nil {
			return nil, wrapStore("find conversation", err)
		}
		if c == nil {
			return nil, fmt.Errorf("conversation vanished after duplicate insert")
		}
		return c, nil
	}

	s.logger.Info("conversation created", slog.Int64("conversation_id", c.ID), slog.Int64("by", caller.ID))
	return c, nil
}

// participantConversation loads a conversation the caller takes part in.
func (s *Conversations) participantConversation(ctx context.Context, caller Caller, id int64) (*models.Conversation, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}

	c, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, wrapStore("get conversation", err)
	}
	if c == nil {
		return nil, NotFoundError("conversation %d not found", id)
	}
	if !c.HasParticipant(caller.ID) {
		return nil, ForbiddenError("not a participant of conversation %d", id)
	}

	return c, nil
}

// PostMessage appends a message from the caller and notifies the other
// participant.
func (s *Conversations) PostMessage(ctx context.Context, caller Caller, conversationID int64, content string) (*models.Message, error) {
	c, err := s.participantConversation(ctx, caller, conversationID)
	if err != nil {
		return nil, err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ValidationError("message content is required")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return nil, ValidationError("message exceeds %d characters", MaxMessageLength)
	}
	if !c.IsActive {
		return nil, InvalidStateError("conversation %d is archived", conversationID)
	}

	m := &models.Message{ConversationID: conversationID, SenderID: caller.ID, Content: content}
	_, err = s.repo.CreateMessage(ctx, m, func(c models.Conversation, m models.Message) []models.BackgroundJob {
		return []models.BackgroundJob{
			notify.Job(c.Other(m.SenderID), notify.TypeMessageNew, "New message", preview(m.Content),
				map[string]any{"conversation_id": c.ID, "message_id": m.ID, "sender_id": m.SenderID}),
		}
	})
	if err != nil {
		return nil, wrapStore("create message", err)
	}

	return m, nil
}

func preview(s string) string {
	const max = 120
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}

// ListMessages returns a page of messages oldest-first and marks the messages
// the caller received as read.
func (s *Conversations) ListMessages(ctx context.Context, caller Caller, conversationID int64, limit, offset int) ([]models.Message, error) {
	if _, err := s.participantConversation(ctx, caller, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	out, err := s.repo.ListMessagesMarkRead(ctx, conversationID, caller.ID, limit, offset)
	if err != nil {
		return nil, wrapStore("list messages", err)
	}
	if out == nil {
		out = []models.Message{}
	}

	return out, nil
}

// ListConversations returns the active conversations of the caller, most
// recently active first.
func (s *Conversations) ListConversations(ctx context.Context, caller Caller) ([]models.ConversationSummary, error) {
	if err := caller.valid(); err != nil {
		return nil, err
	}

	out, err := s.repo.ListConversationSummaries(ctx, caller.ID)
	if err != nil {
		return nil, wrapStore("list conversations", err)
	}
	if out == nil {
		out = []models.ConversationSummary{}
	}

	return out, nil
}

// ArchiveConversation deactivates a conversation. A new one can then be
// started for the same pair.
func (s *Conversations) ArchiveConversation(ctx context.Context, caller Caller, conversationID int64) error {
	c, err := s.participantConversation(ctx, caller, conversationID)
	if err != nil {
		return err
	}
	if !c.IsActive {
		return nil
	}

	return wrapStore("archive conversation", s.repo.ArchiveConversation(ctx, conversationID))
}

// UnreadTotal counts the unread messages addressed to the caller across
// active conversations.
func (s *Conversations) UnreadTotal(ctx context.Context, caller Caller) (int64, error) {
	if err := caller.valid(); err != nil {
		return 0, err
	}

	n, err := s.repo.CountUnreadMessages(ctx, caller.ID)
	if err != nil {
		return 0, wrapStore("count unread messages", err)
	}

	return n, nil
}
