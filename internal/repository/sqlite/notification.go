package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/garnizeh/servicemarket/pkg/models"
)

func (r *SQLiteRepo) CreateNotification(ctx context.Context, n *models.Notification) (int64, error) {
	if n == nil {
		return 0, fmt.Errorf("notification is nil")
	}

	var payload any
	if len(n.Payload) > 0 {
		payload = string(n.Payload)
	}
	ts := now()
	res, err := r.conn.Exec(ctx, `INSERT INTO notifications (user_id, type, title, message, payload, is_read, created) VALUES (?, ?, ?, ?, ?, 0, ?)`,
		n.UserID, n.Type, n.Title, n.Message, payload, ts)
	if err != nil {
		return 0, fmt.Errorf("insert notification: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	n.ID = id
	n.IsRead = false
	n.Created = ts

	return id, nil
}

// ListNotifications returns the newest notifications of a user first.
func (r *SQLiteRepo) ListNotifications(ctx context.Context, userID int64, limit int, unreadOnly bool) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, user_id, type, title, message, payload, is_read, created FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created DESC, id DESC LIMIT ?`

	rows, err := r.conn.QueryRows(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var payload sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &payload, &n.IsRead, &n.Created); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			n.Payload = []byte(payload.String)
		}
		out = append(out, n)
	}

	return out, rows.Err()
}

func (r *SQLiteRepo) CountUnreadNotifications(ctx context.Context, userID int64) (int64, error) {
	var cnt int64
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`, userID).Scan(&cnt); err != nil {
		return 0, err
	}
	return cnt, nil
}

// MarkNotificationRead reports false when no notification with that id belongs to userID.
func (r *SQLiteRepo) MarkNotificationRead(ctx context.Context, userID, id int64) (bool, error) {
	var owner int64
	if err := r.conn.QueryRow(ctx, `SELECT user_id FROM notifications WHERE id = ?`, id).Scan(&owner); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	if owner != userID {
		return false, nil
	}

	if _, err := r.conn.Exec(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return false, err
	}

	return true, nil
}

func (r *SQLiteRepo) MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error) {
	res, err := r.conn.Exec(ctx, `UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
