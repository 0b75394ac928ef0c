package mock

import (
	"context"
	"sync"

	"github.com/garnizeh/servicemarket/pkg/models"
)

// Test helpers and mocks
type Mocks struct {
	UserRepo  *mockUserRepo
	NotifRepo *mockNotificationRepo
}

func NewMocks() *Mocks {
	return &Mocks{
		UserRepo:  &mockUserRepo{},
		NotifRepo: &mockNotificationRepo{},
	}
}

type mockUserRepo struct {
	Stored    *models.User
	CreateErr error
}

func (m *mockUserRepo) CreateUser(ctx context.Context, u *models.User) (int64, error) {
	if m.CreateErr != nil {
		return 0, m.CreateErr
	}
	role := u.Role
	if role == "" {
		role = models.RoleClient
	}
	m.Stored = &models.User{ID: 1, Name: u.Name, Email: u.Email, Role: role, PasswordHash: u.PasswordHash}
	u.ID = 1
	u.Role = role
	return 1, nil
}

func (m *mockUserRepo) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	if m.Stored != nil && m.Stored.ID == id {
		return m.Stored, nil
	}
	return nil, nil
}

func (m *mockUserRepo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.Stored != nil && m.Stored.Email == email {
		return m.Stored, nil
	}
	return nil, nil
}

// mockNotificationRepo keeps notifications in memory, oldest first.
type mockNotificationRepo struct {
	mu        sync.Mutex
	Stored    []models.Notification
	CreateErr error
	LastLimit int
}

func (m *mockNotificationRepo) CreateNotification(ctx context.Context, n *models.Notification) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return 0, m.CreateErr
	}
	n.ID = int64(len(m.Stored) + 1)
	m.Stored = append(m.Stored, *n)
	return n.ID, nil
}

func (m *mockNotificationRepo) ListNotifications(ctx context.Context, userID int64, limit int, unreadOnly bool) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastLimit = limit
	var out []models.Notification
	for i := len(m.Stored) - 1; i >= 0 && len(out) < limit; i-- {
		n := m.Stored[i]
		if n.UserID != userID || (unreadOnly && n.IsRead) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *mockNotificationRepo) CountUnreadNotifications(ctx context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cnt int64
	for _, n := range m.Stored {
		if n.UserID == userID && !n.IsRead {
			cnt++
		}
	}
	return cnt, nil
}

func (m *mockNotificationRepo) MarkNotificationRead(ctx context.Context, userID, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Stored {
		if m.Stored[i].ID == id && m.Stored[i].UserID == userID {
			m.Stored[i].IsRead = true
			return true, nil
		}
	}
	return false, nil
}

func (m *mockNotificationRepo) MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed int64
	for i := range m.Stored {
		if m.Stored[i].UserID == userID && !m.Stored[i].IsRead {
			m.Stored[i].IsRead = true
			changed++
		}
	}
	return changed, nil
}
