package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garnizeh/servicemarket/pkg/models"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

const selectConversation = `SELECT id, participant_1, participant_2, related_request_id, title, last_message_at, is_active, created FROM conversations`

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		c       models.Conversation
		related sql.NullInt64
		lastMsg sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Participant1, &c.Participant2, &related, &c.Title, &lastMsg, &c.IsActive, &c.Created); err != nil {
		return nil, err
	}
	c.RelatedRequestID = int64Ptr(related)
	c.LastMessageAt = int64Ptr(lastMsg)

	return &c, nil
}

// orderPair returns the participants in storage order (lower id first).
func orderPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// FindConversation looks up the active conversation of an unordered pair,
// scoped to relatedRequestID or to no request when it is nil.
func (r *SQLiteRepo) FindConversation(ctx context.Context, userA, userB int64, relatedRequestID *int64) (*models.Conversation, error) {
	p1, p2 := orderPair(userA, userB)

	var related int64
	if relatedRequestID != nil {
		related = *relatedRequestID
	}

	c, err := scanConversation(r.conn.QueryRow(ctx, selectConversation+` WHERE participant_1 = ? AND participant_2 = ? AND IFNULL(related_request_id, 0) = ? AND is_active = 1 ORDER BY id ASC LIMIT 1`, p1, p2, related))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return c, nil
}

// CreateConversation returns repository.ErrDuplicate when an active
// conversation already exists for the same pair and request.
func (r *SQLiteRepo) CreateConversation(ctx context.Context, c *models.Conversation) (int64, error) {
	if c == nil {
		return 0, fmt.Errorf("conversation is nil")
	}

	c.Participant1, c.Participant2 = orderPair(c.Participant1, c.Participant2)
	ts := now()
	res, err := r.conn.Exec(ctx, `INSERT INTO conversations (participant_1, participant_2, related_request_id, title, is_active, created) VALUES (?, ?, ?, ?, 1, ?)`,
		c.Participant1, c.Participant2, c.RelatedRequestID, c.Title, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, repository.ErrDuplicate
		}
		return 0, fmt.Errorf("insert conversation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.ID = id
	c.IsActive = true
	c.Created = ts

	return id, nil
}

func (r *SQLiteRepo) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	c, err := scanConversation(r.conn.QueryRow(ctx, selectConversation+` WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return c, nil
}

func (r *SQLiteRepo) ArchiveConversation(ctx context.Context, id int64) error {
	_, err := r.conn.Exec(ctx, `UPDATE conversations SET is_active = 0 WHERE id = ?`, id)
	return err
}

// ListConversationSummaries returns the active conversations of userID with
// the other participant, the latest message and the unread count, most
// recently active first.
func (r *SQLiteRepo) ListConversationSummaries(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	q := `SELECT c.id, c.participant_1, c.participant_2, c.related_request_id, c.title, c.last_message_at, c.is_active, c.created,
		u.name,
		(SELECT COUNT(*) FROM messages um WHERE um.conversation_id = c.id AND um.sender_id <> ? AND um.is_read = 0),
		lm.id, lm.sender_id, lm.content, lm.is_read, lm.read_at, lm.created
	FROM conversations c
	LEFT JOIN users u ON u.id = CASE WHEN c.participant_1 = ? THEN c.participant_2 ELSE c.participant_1 END
	LEFT JOIN messages lm ON lm.id = (SELECT MAX(id) FROM messages WHERE conversation_id = c.id)
	WHERE (c.participant_1 = ? OR c.participant_2 = ?) AND c.is_active = 1
	ORDER BY COALESCE(c.last_message_at, c.created) DESC, c.id DESC`

	rows, err := r.conn.QueryRows(ctx, q, userID, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConversationSummary
	for rows.Next() {
		var (
			s         models.ConversationSummary
			related   sql.NullInt64
			lastAt    sql.NullInt64
			otherName sql.NullString
			msgID     sql.NullInt64
			msgSender sql.NullInt64
			msgBody   sql.NullString
			msgRead   sql.NullBool
			msgReadAt sql.NullInt64
			msgAt     sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Participant1, &s.Participant2, &related, &s.Title, &lastAt, &s.IsActive, &s.Created,
			&otherName, &s.UnreadCount,
			&msgID, &msgSender, &msgBody, &msgRead, &msgReadAt, &msgAt); err != nil {
			return nil, err
		}
		s.RelatedRequestID = int64Ptr(related)
		s.LastMessageAt = int64Ptr(lastAt)
		s.OtherUserID = s.Conversation.Other(userID)
		s.OtherUserName = otherName.String
		if msgID.Valid {
			s.LastMessage = &models.Message{
				ID:             msgID.Int64,
				ConversationID: s.ID,
				SenderID:       msgSender.Int64,
				Content:        msgBody.String,
				IsRead:         msgRead.Bool,
				ReadAt:         int64Ptr(msgReadAt),
				Created:        msgAt.Int64,
			}
		}
		out = append(out, s)
	}

	return out, rows.Err()
}

// CreateMessage stores the message, bumps last_message_at and writes the
// outbox jobs in one transaction.
func (r *SQLiteRepo) CreateMessage(ctx context.Context, m *models.Message, outbox func(c models.Conversation, m models.Message) []models.BackgroundJob) (int64, error) {
	if m == nil {
		return 0, fmt.Errorf("message is nil")
	}

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		c, err := scanConversation(tx.QueryRowContext(ctx, selectConversation+` WHERE id = ?`, m.ConversationID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("load conversation: %w", err)
		}

		ts := now()
		res, err := tx.ExecContext(ctx, `INSERT INTO messages (conversation_id, sender_id, content, is_read, created) VALUES (?, ?, ?, 0, ?)`, m.ConversationID, m.SenderID, m.Content, ts)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		m.IsRead = false
		m.ReadAt = nil
		m.Created = ts

		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_message_at = ? WHERE id = ?`, ts, m.ConversationID); err != nil {
			return fmt.Errorf("bump conversation: %w", err)
		}
		c.LastMessageAt = &ts

		if outbox != nil {
			return enqueueTx(ctx, tx, outbox(*c, *m))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return m.ID, nil
}

func (r *SQLiteRepo) ListMessagesMarkRead(ctx context.Context, conversationID, readerID int64, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var out []models.Message
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET is_read = 1, read_at = ? WHERE conversation_id = ? AND sender_id <> ? AND is_read = 0`, now(), conversationID, readerID); err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT id, conversation_id, sender_id, content, is_read, read_at, created FROM messages WHERE conversation_id = ? ORDER BY id ASC LIMIT ? OFFSET ?`, conversationID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var m models.Message
			var readAt sql.NullInt64
			if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.IsRead, &readAt, &m.Created); err != nil {
				return err
			}
			m.ReadAt = int64Ptr(readAt)
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// CountUnreadMessages counts messages addressed to userID that are still unread.
func (r *SQLiteRepo) CountUnreadMessages(ctx context.Context, userID int64) (int64, error) {
	var cnt int64
	err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM messages m JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.participant_1 = ? OR c.participant_2 = ?) AND c.is_active = 1 AND m.sender_id <> ? AND m.is_read = 0`, userID, userID, userID).Scan(&cnt)
	if err != nil {
		return 0, err
	}
	return cnt, nil
}
