package market_test

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garnizeh/servicemarket/internal/market"
	"github.com/garnizeh/servicemarket/internal/notify"
	"github.com/garnizeh/servicemarket/pkg/models"
)

func TestSubmitOffer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	worker := e.user(t, models.RoleWorker)
	req := e.openRequest(t, client)

	_, err := e.offers.SubmitOffer(ctx, worker, 777, market.NewOffer{Price: 10})
	requireKind(t, err, market.KindNotFound)

	for _, p := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		_, err = e.offers.SubmitOffer(ctx, worker, req.ID, market.NewOffer{Price: p})
		requireKind(t, err, market.KindValidation)
	}

	_, err = e.offers.SubmitOffer(ctx, client, req.ID, market.NewOffer{Price: 10})
	requireKind(t, err, market.KindForbidden)

	first := e.offer(t, worker, req.ID, 100)
	assert.Equal(t, models.OfferPending, first.Status)
	assert.Equal(t, worker.ID, first.WorkerID)

	// a worker may bid again on the same request
	second := e.offer(t, worker, req.ID, 90)
	assert.NotEqual(t, first.ID, second.ID)

	ns := e.notificationsOf(t, client.ID)
	require.Len(t, ns, 2)
	for _, n := range ns {
		assert.Equal(t, notify.TypeOfferNew, n.Type)
		assert.Equal(t, client.ID, n.UserID)
	}
	assert.JSONEq(t, `{"request_id":1,"offer_id":2,"worker_id":2,"price":90}`, string(ns[0].Payload))

	// smallest positive price
	cheap := e.offer(t, worker, e.openRequest(t, client).ID, 0.01)
	assert.Equal(t, models.OfferPending, cheap.Status)
	assert.Equal(t, 0.01, cheap.Price)
}

func TestSubmitOfferOnClosedRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	worker := e.user(t, models.RoleWorker)
	req := e.openRequest(t, client)

	_, err := e.requests.UpdateStatus(ctx, client, req.ID, models.StatusCancelled, nil)
	require.NoError(t, err)

	_, err = e.offers.SubmitOffer(ctx, worker, req.ID, market.NewOffer{Price: 10})
	requireKind(t, err, market.KindInvalidState)
}

func TestUpdateOffer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	worker := e.user(t, models.RoleWorker)
	rival := e.user(t, models.RoleWorker)
	req := e.openRequest(t, client)
	o := e.offer(t, worker, req.ID, 100)

	price := 75.0
	timeline := "tomorrow"
	_, err := e.offers.UpdateOffer(ctx, rival, req.ID, o.ID, models.OfferPatch{Price: &price})
	requireKind(t, err, market.KindForbidden)

	_, err = e.offers.UpdateOffer(ctx, worker, req.ID, 999, models.OfferPatch{Price: &price})
	requireKind(t, err, market.KindNotFound)

	bad := 0.0
	_, err = e.offers.UpdateOffer(ctx, worker, req.ID, o.ID, models.OfferPatch{Price: &bad})
	requireKind(t, err, market.KindValidation)

	out, err := e.offers.UpdateOffer(ctx, worker, req.ID, o.ID, models.OfferPatch{Price: &price, Timeline: &timeline})
	require.NoError(t, err)
	assert.Equal(t, 75.0, out.Price)
	assert.Equal(t, "tomorrow", out.Timeline)
	assert.Equal(t, "can do", out.Description, "fields not in the patch are kept")

	_, err = e.offers.DecideOffer(ctx, client, req.ID, o.ID, market.DecisionRejected, strPtr("too slow"))
	require.NoError(t, err)

	_, err = e.offers.UpdateOffer(ctx, worker, req.ID, o.ID, models.OfferPatch{Price: &price})
	requireKind(t, err, market.KindInvalidState)
}

func TestDecideOfferAcceptRejectsSiblings(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	w1 := e.user(t, models.RoleWorker)
	w2 := e.user(t, models.RoleWorker)
	w3 := e.user(t, models.RoleWorker)
	req := e.openRequest(t, client)

	o1 := e.offer(t, w1, req.ID, 100)
	o2 := e.offer(t, w2, req.ID, 90)
	o3 := e.offer(t, w3, req.ID, 80)
	_, err := e.offers.DecideOffer(ctx, client, req.ID, o3.ID, market.DecisionRejected, nil)
	require.NoError(t, err)

	_, err = e.offers.DecideOffer(ctx, w1, req.ID, o1.ID, market.DecisionAccepted, nil)
	requireKind(t, err, market.KindForbidden)

	_, err = e.offers.DecideOffer(ctx, client, req.ID, o1.ID, "maybe", nil)
	requireKind(t, err, market.KindValidation)

	res, err := e.offers.DecideOffer(ctx, client, req.ID, o2.ID, market.DecisionAccepted, nil)
	require.NoError(t, err)
	assert.Equal(t, models.OfferAccepted, res.Offer.Status)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, o1.ID, res.Rejected[0].ID)
	assert.Equal(t, models.StatusAssigned, res.Request.Status)
	require.NotNil(t, res.Request.AssignedWorkerID)
	assert.Equal(t, w2.ID, *res.Request.AssignedWorkerID)

	offers, err := e.offers.ListOffers(ctx, client, req.ID)
	require.NoError(t, err)
	var accepted int
	for _, o := range offers {
		switch o.ID {
		case o2.ID:
			assert.Equal(t, models.OfferAccepted, o.Status)
			accepted++
		default:
			assert.Equal(t, models.OfferRejected, o.Status)
		}
	}
	assert.Equal(t, 1, accepted)

	// the request left open, so nothing else can be decided
	_, err = e.offers.DecideOffer(ctx, client, req.ID, o1.ID, market.DecisionAccepted, nil)
	requireKind(t, err, market.KindInvalidState)
	_, err = e.offers.DecideOffer(ctx, client, req.ID, o2.ID, market.DecisionAccepted, nil)
	requireKind(t, err, market.KindInvalidState)

	// offer ids are scoped to their request
	other := e.openRequest(t, client)
	_, err = e.offers.DecideOffer(ctx, client, other.ID, o1.ID, market.DecisionAccepted, nil)
	requireKind(t, err, market.KindNotFound)

	var won, lost bool
	for _, n := range e.notificationsOf(t, w2.ID) {
		won = won || n.Type == notify.TypeOfferAccepted
	}
	for _, n := range e.notificationsOf(t, w1.ID) {
		lost = lost || n.Type == notify.TypeOfferRejected
	}
	assert.True(t, won)
	assert.True(t, lost)
}

func TestDecideOfferConcurrentAcceptHasOneWinner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	req := e.openRequest(t, client)

	const n = 8
	ids := make([]int64, n)
	for i := range ids {
		w := e.user(t, models.RoleWorker)
		ids[i] = e.offer(t, w, req.ID, float64(100+i)).ID
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []int64
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			<-start
			_, err := e.offers.DecideOffer(ctx, client, req.ID, id, market.DecisionAccepted, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case market.KindOf(err) == market.KindInvalidState:
				conflicts++
			default:
				others = append(others, err)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	require.Empty(t, others)
	require.Len(t, winners, 1)
	assert.Equal(t, n-1, conflicts)

	offers, err := e.offers.ListOffers(ctx, client, req.ID)
	require.NoError(t, err)
	var accepted int
	for _, o := range offers {
		if o.Status == models.OfferAccepted {
			accepted++
			assert.Equal(t, winners[0], o.ID)
		} else {
			assert.Equal(t, models.OfferRejected, o.Status)
		}
	}
	assert.Equal(t, 1, accepted)

	got, err := e.requests.GetRequest(ctx, client, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, got.Status)
}

func TestWithdrawOffer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	worker := e.user(t, models.RoleWorker)
	rival := e.user(t, models.RoleWorker)
	req := e.openRequest(t, client)
	o := e.offer(t, worker, req.ID, 50)

	_, err := e.offers.WithdrawOffer(ctx, rival, req.ID, o.ID)
	requireKind(t, err, market.KindForbidden)

	out, err := e.offers.WithdrawOffer(ctx, worker, req.ID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferRejected, out.Status)
	require.NotNil(t, out.RejectionReason)
	assert.Equal(t, market.WithdrawnReason, *out.RejectionReason)

	_, err = e.offers.WithdrawOffer(ctx, worker, req.ID, o.ID)
	requireKind(t, err, market.KindInvalidState)

	_, err = e.offers.DecideOffer(ctx, client, req.ID, o.ID, market.DecisionAccepted, nil)
	requireKind(t, err, market.KindInvalidState)
}

func TestListOffersVisibility(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	w1 := e.user(t, models.RoleWorker)
	w2 := e.user(t, models.RoleWorker)
	admin := e.user(t, models.RoleAdmin)
	req := e.openRequest(t, client)
	e.offer(t, w1, req.ID, 10)
	e.offer(t, w2, req.ID, 20)

	all, err := e.offers.ListOffers(ctx, client, req.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	all, err = e.offers.ListOffers(ctx, admin, req.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := e.offers.ListOffers(ctx, w1, req.ID)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, w1.ID, own[0].WorkerID)

	_, err = e.offers.ListOffers(ctx, client, 404)
	requireKind(t, err, market.KindNotFound)

	mine, err := e.offers.ListOffersByWorker(ctx, w2, w2.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	_, err = e.offers.ListOffersByWorker(ctx, w1, w2.ID)
	requireKind(t, err, market.KindForbidden)
}

func TestReopenedRequestAcceptsNewOffer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	w1 := e.user(t, models.RoleWorker)
	w2 := e.user(t, models.RoleWorker)
	admin := e.user(t, models.RoleAdmin)
	req := e.openRequest(t, client)

	o1 := e.offer(t, w1, req.ID, 100)
	_, err := e.offers.DecideOffer(ctx, client, req.ID, o1.ID, market.DecisionAccepted, nil)
	require.NoError(t, err)

	reopened, err := e.requests.OverrideStatus(ctx, admin, req.ID, models.StatusOpen, strPtr("worker no-show"))
	require.NoError(t, err)
	assert.Nil(t, reopened.AssignedWorkerID)

	released, err := e.repo.GetOffer(ctx, o1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferRejected, released.Status)
	require.NotNil(t, released.RejectionReason)
	assert.Equal(t, "request reopened", *released.RejectionReason)

	o2 := e.offer(t, w2, req.ID, 120)
	res, err := e.offers.DecideOffer(ctx, client, req.ID, o2.ID, market.DecisionAccepted, nil)
	require.NoError(t, err)
	assert.Equal(t, models.OfferAccepted, res.Offer.Status)
	require.NotNil(t, res.Request.AssignedWorkerID)
	assert.Equal(t, w2.ID, *res.Request.AssignedWorkerID)
}

func TestCancelledThenReopenedRequestAcceptsNewOffer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	worker := e.user(t, models.RoleWorker)
	admin := e.user(t, models.RoleAdmin)
	req := e.openRequest(t, client)

	o1 := e.offer(t, worker, req.ID, 100)
	_, err := e.offers.DecideOffer(ctx, client, req.ID, o1.ID, market.DecisionAccepted, nil)
	require.NoError(t, err)

	_, err = e.requests.UpdateStatus(ctx, client, req.ID, models.StatusCancelled, nil)
	require.NoError(t, err)
	released, err := e.repo.GetOffer(ctx, o1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferRejected, released.Status)
	require.NotNil(t, released.RejectionReason)
	assert.Equal(t, "request cancelled", *released.RejectionReason)

	_, err = e.requests.OverrideStatus(ctx, admin, req.ID, models.StatusOpen, nil)
	require.NoError(t, err)

	o2 := e.offer(t, worker, req.ID, 90)
	_, err = e.offers.DecideOffer(ctx, client, req.ID, o2.ID, market.DecisionAccepted, nil)
	require.NoError(t, err)
}

func TestReassignReleasesAcceptedOffer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	client := e.user(t, models.RoleClient)
	w1 := e.user(t, models.RoleWorker)
	w2 := e.user(t, models.RoleWorker)
	req := e.openRequest(t, client)

	o1 := e.offer(t, w1, req.ID, 100)
	_, err := e.offers.DecideOffer(ctx, client, req.ID, o1.ID, market.DecisionAccepted, nil)
	require.NoError(t, err)

	// same worker keeps the offer
	_, err = e.requests.AssignWorker(ctx, client, req.ID, w1.ID, nil)
	require.NoError(t, err)
	kept, err := e.repo.GetOffer(ctx, o1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferAccepted, kept.Status)

	out, err := e.requests.AssignWorker(ctx, client, req.ID, w2.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, w2.ID, *out.AssignedWorkerID)

	released, err := e.repo.GetOffer(ctx, o1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferRejected, released.Status)
	require.NotNil(t, released.RejectionReason)
	assert.Equal(t, "request reassigned", *released.RejectionReason)
}
