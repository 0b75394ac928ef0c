package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/garnizeh/servicemarket/pkg/models"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

func (r *SQLiteRepo) CreateUser(ctx context.Context, u *models.User) (int64, error) {
	if u == nil {
		return 0, fmt.Errorf("user is nil")
	}
	role := u.Role
	if role == "" {
		role = models.RoleClient
	}

	res, err := r.conn.Exec(ctx, `INSERT INTO users (name, email, role, password_hash, updated) VALUES (?, ?, ?, ?, ?)`, u.Name, u.Email, role, u.PasswordHash, now())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, repository.ErrDuplicate
		}
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	u.ID = id
	u.Role = role

	return id, nil
}

func (r *SQLiteRepo) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(r.conn.QueryRow(ctx, `SELECT id, name, email, role, updated, password_hash FROM users WHERE id = ?`, id))
}

func (r *SQLiteRepo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(r.conn.QueryRow(ctx, `SELECT id, name, email, role, updated, password_hash FROM users WHERE email = ?`, email))
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Updated, &u.PasswordHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, err
	}

	return &u, nil
}
