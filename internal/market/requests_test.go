package market_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garnizeh/servicemarket/internal/market"
	"github.com/garnizeh/servicemarket/internal/notify"
	"github.com/garnizeh/servicemarket/pkg/models"
)

func TestStateMachine(t *testing.T) {
	tests := []struct {
		from, to string
		ok       bool
	}{
		{models.StatusOpen, models.StatusAssigned, true},
		{models.StatusOpen, models.StatusCancelled, true},
		{models.StatusOpen, models.StatusInProgress, false},
		{models.StatusAssigned, models.StatusInProgress, true},
		{models.StatusAssigned, models.StatusCancelled, true},
		{models.StatusAssigned, models.StatusCompleted, false},
		{models.StatusInProgress, models.StatusCompleted, true},
		{models.StatusInProgress, models.StatusCancelled, true},
		{models.StatusInProgress, models.StatusOpen, false},
		{models.StatusCompleted, models.StatusCancelled, false},
		{models.StatusCancelled, models.StatusOpen, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, market.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, market.IsTerminal(models.StatusCompleted))
	assert.True(t, market.IsTerminal(models.StatusCancelled))
	assert.False(t, market.IsTerminal(models.StatusOpen))
}

func TestCreateRequestValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	worker := e.user(t, models.RoleWorker)

	min, max := 200.0, 100.0
	neg := -1.0
	cases := map[string]market.NewRequest{
		"missing title":       {Description: "d", CategoryID: 1},
		"missing description": {Title: "t", CategoryID: 1},
		"missing category":    {Title: "t", Description: "d"},
		"bad priority":        {Title: "t", Description: "d", CategoryID: 1, Priority: "asap"},
		"inverted budget":     {Title: "t", Description: "d", CategoryID: 1, BudgetMin: &min, BudgetMax: &max},
		"negative budget":     {Title: "t", Description: "d", CategoryID: 1, BudgetMin: &neg},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.requests.CreateRequest(ctx, client, in)
			requireKind(t, err, market.KindValidation)
		})
	}

	_, err := e.requests.CreateRequest(ctx, worker, market.NewRequest{Title: "t", Description: "d", CategoryID: 1})
	requireKind(t, err, market.KindForbidden)

	_, err = e.requests.CreateRequest(ctx, market.Caller{}, market.NewRequest{Title: "t", Description: "d", CategoryID: 1})
	requireKind(t, err, market.KindUnauthorized)

	req := e.openRequest(t, client)
	assert.Equal(t, models.StatusOpen, req.Status)
	assert.Equal(t, "normal", req.Priority)
	assert.Equal(t, client.ID, req.ClientID)
	assert.Nil(t, req.AssignedWorkerID)
}

func TestUpdateStatusLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	worker := e.user(t, models.RoleWorker)
	stranger := e.user(t, models.RoleWorker)

	req := e.openRequest(t, client)
	o := e.offer(t, worker, req.ID, 80)
	_, err := e.offers.DecideOffer(ctx, client, req.ID, o.ID, market.DecisionAccepted, nil)
	require.NoError(t, err)

	_, err = e.requests.UpdateStatus(ctx, stranger, req.ID, models.StatusInProgress, nil)
	requireKind(t, err, market.KindForbidden)

	_, err = e.requests.UpdateStatus(ctx, client, req.ID, models.StatusInProgress, nil)
	requireKind(t, err, market.KindForbidden)

	_, err = e.requests.UpdateStatus(ctx, worker, req.ID, models.StatusCompleted, nil)
	requireKind(t, err, market.KindInvalidTransition)

	started, err := e.requests.UpdateStatus(ctx, worker, req.ID, models.StatusInProgress, strPtr("on my way"))
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)
	require.NotNil(t, started.AssignedAt)

	done, err := e.requests.UpdateStatus(ctx, worker, req.ID, models.StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, *started.StartedAt, *done.StartedAt, "started_at is written once")
	assert.Equal(t, worker.ID, *done.AssignedWorkerID)

	_, err = e.requests.UpdateStatus(ctx, client, req.ID, models.StatusCancelled, nil)
	requireKind(t, err, market.KindInvalidTransition)

	hist, err := e.requests.ListStatusHistory(ctx, client, req.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, models.StatusAssigned, hist[0].NewStatus)
	assert.Equal(t, models.StatusInProgress, hist[1].NewStatus)
	require.NotNil(t, hist[1].Notes)
	assert.Equal(t, "on my way", *hist[1].Notes)
	assert.Equal(t, models.StatusCompleted, hist[2].NewStatus)

	_, err = e.requests.ListStatusHistory(ctx, stranger, req.ID)
	requireKind(t, err, market.KindForbidden)

	// the client hears about the worker's progress
	var changes int
	for _, n := range e.notificationsOf(t, client.ID) {
		if n.Type == notify.TypeRequestStatus {
			changes++
		}
	}
	assert.Equal(t, 2, changes)
}

func TestUpdateStatusErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	other := e.user(t, models.RoleClient)
	req := e.openRequest(t, client)

	_, err := e.requests.UpdateStatus(ctx, client, 9999, models.StatusCancelled, nil)
	requireKind(t, err, market.KindNotFound)

	_, err = e.requests.UpdateStatus(ctx, client, req.ID, "archived", nil)
	requireKind(t, err, market.KindInvalidTransition)

	_, err = e.requests.UpdateStatus(ctx, other, req.ID, models.StatusCancelled, nil)
	requireKind(t, err, market.KindForbidden)

	// open -> assigned needs a worker, which only an offer or an assignment provides
	_, err = e.requests.UpdateStatus(ctx, client, req.ID, models.StatusAssigned, nil)
	requireKind(t, err, market.KindInvalidState)

	cancelled, err := e.requests.UpdateStatus(ctx, client, req.ID, models.StatusCancelled, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	got, err := e.requests.GetRequest(ctx, other, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestCancelClearsWorker(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	worker := e.user(t, models.RoleWorker)
	req := e.openRequest(t, client)

	_, err := e.requests.AssignWorker(ctx, client, req.ID, worker.ID, nil)
	require.NoError(t, err)

	// only the client may cancel, not the worker
	_, err = e.requests.UpdateStatus(ctx, worker, req.ID, models.StatusCancelled, nil)
	requireKind(t, err, market.KindForbidden)

	out, err := e.requests.UpdateStatus(ctx, client, req.ID, models.StatusCancelled, nil)
	require.NoError(t, err)
	assert.Nil(t, out.AssignedWorkerID)
	assert.NotNil(t, out.AssignedAt, "timestamps are kept")

	var workerNotified bool
	for _, n := range e.notificationsOf(t, worker.ID) {
		if n.Type == notify.TypeRequestStatus {
			workerNotified = true
		}
	}
	assert.True(t, workerNotified)
}

func TestOverrideStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	worker := e.user(t, models.RoleWorker)
	admin := e.user(t, models.RoleAdmin)
	req := e.openRequest(t, client)

	_, err := e.requests.OverrideStatus(ctx, client, req.ID, models.StatusCompleted, nil)
	requireKind(t, err, market.KindForbidden)

	_, err = e.requests.OverrideStatus(ctx, admin, req.ID, models.StatusCompleted, nil)
	requireKind(t, err, market.KindInvalidState)

	_, err = e.requests.OverrideStatus(ctx, admin, req.ID, "bogus", nil)
	requireKind(t, err, market.KindInvalidTransition)

	_, err = e.requests.AssignWorker(ctx, admin, req.ID, worker.ID, nil)
	require.NoError(t, err)

	// skip in_progress entirely
	out, err := e.requests.OverrideStatus(ctx, admin, req.ID, models.StatusCompleted, strPtr("closed by support"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.NotNil(t, out.AssignedAt)
	assert.Nil(t, out.StartedAt, "in_progress was never entered")
	assert.NotNil(t, out.CompletedAt)

	// terminal states can be reopened by an admin; the worker is released
	out, err = e.requests.OverrideStatus(ctx, admin, req.ID, models.StatusOpen, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, out.Status)
	assert.Nil(t, out.AssignedWorkerID)
}

func TestAssignWorker(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	other := e.user(t, models.RoleClient)
	worker := e.user(t, models.RoleWorker)
	req := e.openRequest(t, client)

	_, err := e.requests.AssignWorker(ctx, client, req.ID, 0, nil)
	requireKind(t, err, market.KindValidation)

	_, err = e.requests.AssignWorker(ctx, client, req.ID, 4242, nil)
	requireKind(t, err, market.KindNotFound)

	_, err = e.requests.AssignWorker(ctx, client, req.ID, other.ID, nil)
	requireKind(t, err, market.KindValidation)

	_, err = e.requests.AssignWorker(ctx, other, req.ID, worker.ID, nil)
	requireKind(t, err, market.KindForbidden)

	out, err := e.requests.AssignWorker(ctx, client, req.ID, worker.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, out.Status)
	require.NotNil(t, out.AssignedWorkerID)
	assert.Equal(t, worker.ID, *out.AssignedWorkerID)
	require.NotNil(t, out.AssignedAt)

	var assigned bool
	for _, n := range e.notificationsOf(t, worker.ID) {
		if n.Type == notify.TypeRequestAssigned {
			assigned = true
		}
	}
	assert.True(t, assigned)

	_, err = e.requests.UpdateStatus(ctx, client, req.ID, models.StatusCancelled, nil)
	require.NoError(t, err)
	_, err = e.requests.AssignWorker(ctx, client, req.ID, worker.ID, nil)
	requireKind(t, err, market.KindInvalidState)
}

func TestListRequestsFilters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.user(t, models.RoleClient)
	b := e.user(t, models.RoleClient)

	e.openRequest(t, a)
	e.openRequest(t, a)
	r := e.openRequest(t, b)
	_, err := e.requests.UpdateStatus(ctx, b, r.ID, models.StatusCancelled, nil)
	require.NoError(t, err)

	mine, err := e.requests.ListRequests(ctx, a, models.RequestFilter{ClientID: a.ID})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	assert.GreaterOrEqual(t, mine[0].ID, mine[1].ID)

	open, err := e.requests.ListRequests(ctx, a, models.RequestFilter{Status: models.StatusOpen})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	_, err = e.requests.ListRequests(ctx, a, models.RequestFilter{Status: "nope"})
	requireKind(t, err, market.KindValidation)

	none, err := e.requests.ListRequests(ctx, a, models.RequestFilter{ClientID: 12345})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
