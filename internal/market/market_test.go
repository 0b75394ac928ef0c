package market_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/garnizeh/servicemarket/db"
	idb "github.com/garnizeh/servicemarket/internal/db"
	"github.com/garnizeh/servicemarket/internal/jobs"
	"github.com/garnizeh/servicemarket/internal/market"
	"github.com/garnizeh/servicemarket/internal/notify"
	"github.com/garnizeh/servicemarket/internal/repository/sqlite"
	"github.com/garnizeh/servicemarket/pkg/models"
)

type env struct {
	repo     *sqlite.SQLiteRepo
	requests *market.Requests
	offers   *market.Offers
	convs    *market.Conversations
	notify   *notify.Dispatcher
	pool     *jobs.WorkerPool
}

// newEnv opens a migrated database in a temp file. A file is used instead of
// :memory: so concurrent tests get real cross-connection locking.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	conn, err := idb.New(ctx, filepath.Join(t.TempDir(), "market.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, idb.Migrate(ctx, conn, db.Migrations))

	repo := sqlite.New(conn, nil)
	d := notify.NewDispatcher(repo, nil, nil, nil)
	return &env{
		repo:     repo,
		requests: market.NewRequests(repo, repo, nil),
		offers:   market.NewOffers(repo, repo, nil),
		convs:    market.NewConversations(repo, repo, repo, nil),
		notify:   d,
		pool:     jobs.NewWorkerPool(repo, map[string]jobs.Handler{notify.JobDispatch: d.HandleJob}, nil, 1),
	}
}

var userSeq int

func (e *env) user(t *testing.T, role string) market.Caller {
	t.Helper()
	userSeq++
	u := &models.User{
		Name:         fmt.Sprintf("%s %d", role, userSeq),
		Email:        fmt.Sprintf("%s%d@example.com", role, userSeq),
		Role:         role,
		PasswordHash: "x",
	}
	id, err := e.repo.CreateUser(context.Background(), u)
	require.NoError(t, err)
	return market.Caller{ID: id, Role: role}
}

func (e *env) openRequest(t *testing.T, client market.Caller) *models.Request {
	t.Helper()
	req, err := e.requests.CreateRequest(context.Background(), client, market.NewRequest{
		Title:       "Fix the sink",
		Description: "Kitchen sink is leaking",
		CategoryID:  3,
	})
	require.NoError(t, err)
	return req
}

func (e *env) offer(t *testing.T, worker market.Caller, requestID int64, price float64) *models.Offer {
	t.Helper()
	o, err := e.offers.SubmitOffer(context.Background(), worker, requestID, market.NewOffer{Price: price, Description: "can do", Timeline: "2 days"})
	require.NoError(t, err)
	return o
}

// notificationsOf drains the outbox and returns the notifications of userID.
func (e *env) notificationsOf(t *testing.T, userID int64) []models.Notification {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.pool.Drain(ctx))
	ns, err := e.notify.ListForUser(ctx, userID, 0, false)
	require.NoError(t, err)
	return ns
}

func requireKind(t *testing.T, err error, kind market.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, market.KindOf(err), "error: %v", err)
}

func strPtr(s string) *string { return &s }
