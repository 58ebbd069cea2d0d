package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mmeshcher/boostpay/internal/gateway"
	"github.com/mmeshcher/boostpay/internal/model"
	"github.com/mmeshcher/boostpay/internal/payment"
	"github.com/mmeshcher/boostpay/internal/pricing"
	"github.com/mmeshcher/boostpay/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubRepo struct {
	mu sync.Mutex

	items map[string]*model.Item
	// orders по идентификатору
	orders map[string]*model.BoostOrder

	reconcileOrders []model.BoostOrder
	reconcileErr    error

	activateErr error
	activated   []string
	statuses    map[string]model.PaymentStatus
	expired     int64
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		items: map[string]*model.Item{
			"item-1": {ID: "item-1", OwnerID: "user-1", Title: "Bike"},
		},
		orders:   make(map[string]*model.BoostOrder),
		statuses: make(map[string]model.PaymentStatus),
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) Ping(ctx context.Context) error { return nil }

func (s *stubRepo) GetItem(ctx context.Context, itemID string) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return nil, repository.ErrItemNotFound
	}
	return item, nil
}

func (s *stubRepo) GetOrder(ctx context.Context, orderID string) (*model.BoostOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

func (s *stubRepo) GetOrdersByItem(ctx context.Context, itemID string) ([]model.BoostOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []model.BoostOrder
	for _, o := range s.orders {
		if o.ItemID == itemID {
			res = append(res, *o)
		}
	}
	return res, nil
}

func (s *stubRepo) GetOrdersForReconciliation(ctx context.Context, olderThan time.Time, limit int) ([]model.BoostOrder, error) {
	return s.reconcileOrders, s.reconcileErr
}

func (s *stubRepo) UpdateOrderStatus(ctx context.Context, orderID string, status model.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[orderID] = status
	return nil
}

func (s *stubRepo) UpdateOrderStatusByIntent(ctx context.Context, intentID string, status model.PaymentStatus) (*model.BoostOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.IntentID == intentID {
			if o.PaymentStatus != model.PaymentStatusSucceeded {
				o.PaymentStatus = status
			}
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *stubRepo) ActivateBoost(ctx context.Context, orderID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activateErr != nil {
		return false, s.activateErr
	}
	for _, id := range s.activated {
		if id == orderID {
			return false, nil
		}
	}
	s.activated = append(s.activated, orderID)
	return true, nil
}

func (s *stubRepo) ExpireBoosts(ctx context.Context, now time.Time) (int64, error) {
	return s.expired, nil
}

func (s *stubRepo) activatedOrders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.activated...)
}

type stubConfirmer struct {
	outcome payment.Outcome
}

func (s *stubConfirmer) ConfirmBoostPayment(ctx context.Context, req payment.Request) payment.Outcome {
	return s.outcome
}

type stubIntents struct {
	intents map[string]*gateway.PaymentIntent
	err     error
	calls   int
}

func (s *stubIntents) GetPaymentIntent(ctx context.Context, intentID string) (*gateway.PaymentIntent, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	pi, ok := s.intents[intentID]
	if !ok {
		return nil, &gateway.Error{Code: "resource_missing", StatusCode: 404}
	}
	return pi, nil
}

func newTestService(repo *stubRepo, intents IntentFetcher, confirmer *stubConfirmer) *Service {
	if confirmer == nil {
		confirmer = &stubConfirmer{outcome: payment.Failed("card declined")}
	}
	return NewService(repo, intents, confirmer, pricing.NewPolicy(pricing.DefaultBasePrices), nil, Options{})
}

func TestOpenBoostDialog(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, nil, nil)
	t.Cleanup(func() { _ = svc.Close() })

	d, err := svc.OpenBoostDialog(context.Background(), "user-1", "item-1", "")
	require.NoError(t, err)

	v := d.View()
	assert.Equal(t, "usd", v.Currency)
	assert.Equal(t, "Bike", v.ItemTitle)
	assert.Nil(t, v.Tier)

	got, err := svc.Dialog("user-1", d.ID())
	require.NoError(t, err)
	assert.Same(t, d, got)

	_, err = svc.Dialog("user-2", d.ID())
	assert.ErrorIs(t, err, ErrDialogNotFound)
}

func TestOpenBoostDialog_Errors(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, nil, nil)

	_, err := svc.OpenBoostDialog(context.Background(), "user-2", "item-1", "usd")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.OpenBoostDialog(context.Background(), "user-1", "missing", "usd")
	assert.ErrorIs(t, err, repository.ErrItemNotFound)

	_, err = svc.OpenBoostDialog(context.Background(), "user-1", "item-1", "jpy")
	assert.ErrorIs(t, err, pricing.ErrUnknownCurrency)

	assert.Equal(t, 0, svc.sessions.Len())
}

func TestEachOpenStartsFresh(t *testing.T) {
	svc := newTestService(newStubRepo(), nil, nil)
	t.Cleanup(func() { _ = svc.Close() })

	first, err := svc.OpenBoostDialog(context.Background(), "user-1", "item-1", "usd")
	require.NoError(t, err)
	require.NoError(t, first.SelectTier(model.BoostTierPremium))

	second, err := svc.OpenBoostDialog(context.Background(), "user-1", "item-1", "usd")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.Nil(t, second.View().Tier)
}

func TestCloseDialog_ActivatesAfterSuccess(t *testing.T) {
	repo := newStubRepo()
	confirmer := &stubConfirmer{outcome: payment.Outcome{Status: payment.OutcomeSucceeded, OrderID: "order-1"}}
	svc := newTestService(repo, nil, confirmer)

	ctx := context.Background()
	d, err := svc.OpenBoostDialog(ctx, "user-1", "item-1", "usd")
	require.NoError(t, err)
	require.NoError(t, d.SelectTier(model.BoostTierFeatured))
	require.NoError(t, d.Next())

	out, err := d.Submit(ctx, "pm_card_visa")
	require.NoError(t, err)
	require.True(t, out.Succeeded())

	// до закрытия диалога продвижение не активируется
	assert.Empty(t, repo.activatedOrders())

	a, ok, err := svc.CloseDialog(ctx, "user-1", d.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "order-1", a.OrderID)
	assert.Equal(t, model.BoostTierFeatured, a.Tier)
	assert.Equal(t, []string{"order-1"}, repo.activatedOrders())

	_, _, err = svc.CloseDialog(ctx, "user-1", d.ID())
	assert.ErrorIs(t, err, ErrDialogNotFound)
	assert.Equal(t, 0, svc.sessions.Len())
}

func TestCloseDialog_WithoutPayment(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo, nil, nil)

	d, err := svc.OpenBoostDialog(context.Background(), "user-1", "item-1", "usd")
	require.NoError(t, err)

	_, ok, err := svc.CloseDialog(context.Background(), "user-1", d.ID())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, repo.activatedOrders())
}

func TestBoostConfirmed_ActivationErrorIsLogged(t *testing.T) {
	repo := newStubRepo()
	repo.activateErr = errors.New("db down")
	svc := newTestService(repo, nil, nil)

	svc.BoostConfirmed(context.Background(), model.Activation{OrderID: "order-1", ItemID: "item-1"})
	assert.Empty(t, repo.activatedOrders())
}

func TestItemOrders(t *testing.T) {
	repo := newStubRepo()
	repo.orders["order-1"] = &model.BoostOrder{ID: "order-1", ItemID: "item-1", PaymentStatus: model.PaymentStatusFailed}
	svc := newTestService(repo, nil, nil)

	orders, err := svc.ItemOrders(context.Background(), "user-1", "item-1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "order-1", orders[0].ID)

	_, err = svc.ItemOrders(context.Background(), "user-2", "item-1")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestQuote_DefaultCurrency(t *testing.T) {
	svc := newTestService(newStubRepo(), nil, nil)

	q, err := svc.Quote("")
	require.NoError(t, err)
	assert.Equal(t, "usd", q.Currency)

	_, err = svc.Quote("jpy")
	assert.ErrorIs(t, err, pricing.ErrUnknownCurrency)
}

func TestHandlePaymentEvent(t *testing.T) {
	repo := newStubRepo()
	repo.orders["order-1"] = &model.BoostOrder{ID: "order-1", ItemID: "item-1", IntentID: "pi_1", PaymentStatus: model.PaymentStatusPending}
	repo.orders["order-2"] = &model.BoostOrder{ID: "order-2", ItemID: "item-1", IntentID: "pi_2", PaymentStatus: model.PaymentStatusPending}
	svc := newTestService(repo, nil, nil)
	ctx := context.Background()

	ev := &gateway.Event{ID: "evt_1", Type: gateway.EventIntentSucceeded}
	ev.Data.Object = gateway.PaymentIntent{ID: "pi_1"}
	require.NoError(t, svc.HandlePaymentEvent(ctx, ev))
	// повторная доставка
	require.NoError(t, svc.HandlePaymentEvent(ctx, ev))
	assert.Equal(t, []string{"order-1"}, repo.activatedOrders())

	failed := &gateway.Event{ID: "evt_2", Type: gateway.EventIntentFailed}
	failed.Data.Object = gateway.PaymentIntent{ID: "pi_2"}
	require.NoError(t, svc.HandlePaymentEvent(ctx, failed))
	assert.Equal(t, model.PaymentStatusFailed, repo.orders["order-2"].PaymentStatus)

	// неуспех после успеха не отменяет оплату
	late := &gateway.Event{ID: "evt_3", Type: gateway.EventIntentCanceled}
	late.Data.Object = gateway.PaymentIntent{ID: "pi_1"}
	require.NoError(t, svc.HandlePaymentEvent(ctx, late))
	assert.Equal(t, model.PaymentStatusSucceeded, repo.orders["order-1"].PaymentStatus)

	unknown := &gateway.Event{ID: "evt_4", Type: "charge.refunded"}
	require.NoError(t, svc.HandlePaymentEvent(ctx, unknown))

	missing := &gateway.Event{ID: "evt_5", Type: gateway.EventIntentSucceeded}
	missing.Data.Object = gateway.PaymentIntent{ID: "pi_missing"}
	assert.ErrorIs(t, svc.HandlePaymentEvent(ctx, missing), repository.ErrOrderNotFound)
}

func TestReconcile(t *testing.T) {
	repo := newStubRepo()
	repo.reconcileOrders = []model.BoostOrder{
		{ID: "paid-not-active", ItemID: "item-1", PaymentStatus: model.PaymentStatusSucceeded, IntentID: "pi_0"},
		{ID: "no-intent", ItemID: "item-1", PaymentStatus: model.PaymentStatusPending},
		{ID: "late-success", ItemID: "item-1", PaymentStatus: model.PaymentStatusPending, IntentID: "pi_ok"},
		{ID: "declined", ItemID: "item-1", PaymentStatus: model.PaymentStatusPending, IntentID: "pi_declined"},
		{ID: "three-ds", ItemID: "item-1", PaymentStatus: model.PaymentStatusPending, IntentID: "pi_action"},
	}
	intents := &stubIntents{intents: map[string]*gateway.PaymentIntent{
		"pi_ok":       {ID: "pi_ok", Status: gateway.IntentSucceeded},
		"pi_declined": {ID: "pi_declined", Status: gateway.IntentRequiresPaymentMethod},
		"pi_action":   {ID: "pi_action", Status: gateway.IntentRequiresAction},
	}}
	svc := newTestService(repo, intents, nil)

	require.NoError(t, svc.Reconcile(context.Background()))

	assert.ElementsMatch(t, []string{"paid-not-active", "late-success"}, repo.activatedOrders())
	assert.Equal(t, model.PaymentStatusFailed, repo.statuses["no-intent"])
	assert.Equal(t, model.PaymentStatusSucceeded, repo.statuses["late-success"])
	assert.Equal(t, model.PaymentStatusFailed, repo.statuses["declined"])
	_, touched := repo.statuses["three-ds"]
	assert.False(t, touched)
}

func TestReconcile_SkipsOrdersOfOpenDialogs(t *testing.T) {
	repo := newStubRepo()
	confirmer := &stubConfirmer{outcome: payment.Outcome{Status: payment.OutcomeSucceeded, OrderID: "order-open"}}
	svc := newTestService(repo, nil, confirmer)
	t.Cleanup(func() { _ = svc.Close() })

	ctx := context.Background()
	d, err := svc.OpenBoostDialog(ctx, "user-1", "item-1", "usd")
	require.NoError(t, err)
	require.NoError(t, d.SelectTier(model.BoostTierUrgent))
	require.NoError(t, d.Next())
	_, err = d.Submit(ctx, "pm_card_visa")
	require.NoError(t, err)

	repo.reconcileOrders = []model.BoostOrder{
		{ID: "order-open", ItemID: "item-1", PaymentStatus: model.PaymentStatusSucceeded},
	}
	require.NoError(t, svc.Reconcile(ctx))
	assert.Empty(t, repo.activatedOrders())
}

func TestReconcile_SkipsPendingIntentOfOpenDialog(t *testing.T) {
	repo := newStubRepo()
	confirmer := &stubConfirmer{outcome: payment.Outcome{
		Status:     payment.OutcomeRequiresAction,
		Reason:     payment.ReasonRequiresAction,
		OrderID:    "order-3ds",
		IntentID:   "pi_3ds",
		IntentOpen: true,
	}}
	intents := &stubIntents{intents: map[string]*gateway.PaymentIntent{
		"pi_3ds": {ID: "pi_3ds", Status: gateway.IntentRequiresPaymentMethod},
	}}
	svc := newTestService(repo, intents, confirmer)

	ctx := context.Background()
	d, err := svc.OpenBoostDialog(ctx, "user-1", "item-1", "usd")
	require.NoError(t, err)
	require.NoError(t, d.SelectTier(model.BoostTierPremium))
	require.NoError(t, d.Next())
	_, err = d.Submit(ctx, "pm_card_visa")
	require.NoError(t, err)

	repo.reconcileOrders = []model.BoostOrder{
		{ID: "order-3ds", ItemID: "item-1", PaymentStatus: model.PaymentStatusPending, IntentID: "pi_3ds"},
	}
	require.NoError(t, svc.Reconcile(ctx))
	assert.Equal(t, 0, intents.calls)
	assert.Empty(t, repo.statuses)

	// после закрытия диалога заказ снова подлежит сверке
	_, _, err = svc.CloseDialog(ctx, "user-1", d.ID())
	require.NoError(t, err)
	require.NoError(t, svc.Reconcile(ctx))
	assert.Equal(t, model.PaymentStatusFailed, repo.statuses["order-3ds"])
}

func TestHandlePaymentEvent_DefersActivationForOpenDialog(t *testing.T) {
	repo := newStubRepo()
	repo.orders["order-open"] = &model.BoostOrder{ID: "order-open", ItemID: "item-1", IntentID: "pi_open", PaymentStatus: model.PaymentStatusPending}
	confirmer := &stubConfirmer{outcome: payment.Outcome{Status: payment.OutcomeSucceeded, OrderID: "order-open", IntentID: "pi_open"}}
	svc := newTestService(repo, nil, confirmer)

	ctx := context.Background()
	d, err := svc.OpenBoostDialog(ctx, "user-1", "item-1", "usd")
	require.NoError(t, err)
	require.NoError(t, d.SelectTier(model.BoostTierFeatured))
	require.NoError(t, d.Next())
	_, err = d.Submit(ctx, "pm_card_visa")
	require.NoError(t, err)

	ev := &gateway.Event{ID: "evt_1", Type: gateway.EventIntentSucceeded}
	ev.Data.Object = gateway.PaymentIntent{ID: "pi_open"}
	require.NoError(t, svc.HandlePaymentEvent(ctx, ev))

	assert.Equal(t, model.PaymentStatusSucceeded, repo.orders["order-open"].PaymentStatus)
	assert.Empty(t, repo.activatedOrders(), "activation waits for the dialog to close")

	_, ok, err := svc.CloseDialog(ctx, "user-1", d.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"order-open"}, repo.activatedOrders())
}

func TestSessions_HeldOrders(t *testing.T) {
	svc := newTestService(newStubRepo(), nil, &stubConfirmer{outcome: payment.Outcome{Status: payment.OutcomeSucceeded, OrderID: "order-1"}})
	t.Cleanup(func() { _ = svc.Close() })

	ctx := context.Background()
	paid, err := svc.OpenBoostDialog(ctx, "user-1", "item-1", "usd")
	require.NoError(t, err)
	require.NoError(t, paid.SelectTier(model.BoostTierFeatured))
	require.NoError(t, paid.Next())
	_, err = paid.Submit(ctx, "pm_card_visa")
	require.NoError(t, err)

	_, err = svc.OpenBoostDialog(ctx, "user-1", "item-1", "usd")
	require.NoError(t, err)

	assert.Equal(t, map[string]struct{}{"order-1": {}}, svc.sessions.HeldOrders())
	assert.True(t, svc.sessions.HoldsOrder("order-1"))
	assert.False(t, svc.sessions.HoldsOrder("order-2"))
}

func TestReconcile_GatewayErrors(t *testing.T) {
	repo := newStubRepo()
	repo.reconcileOrders = []model.BoostOrder{
		{ID: "unknown-intent", ItemID: "item-1", PaymentStatus: model.PaymentStatusPending, IntentID: "pi_gone"},
	}
	intents := &stubIntents{intents: map[string]*gateway.PaymentIntent{}}
	svc := newTestService(repo, intents, nil)

	err := svc.Reconcile(context.Background())
	require.Error(t, err)
	// ошибка клиента не повторяется
	assert.Equal(t, 1, intents.calls)

	repo.reconcileErr = errors.New("db down")
	assert.Error(t, svc.Reconcile(context.Background()))
}

func TestSweepDialogs(t *testing.T) {
	svc := newTestService(newStubRepo(), nil, nil)
	d, err := svc.OpenBoostDialog(context.Background(), "user-1", "item-1", "usd")
	require.NoError(t, err)

	require.NoError(t, svc.sweepDialogs(context.Background()))
	assert.Equal(t, 1, svc.sessions.Len())

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, svc.sweepDialogs(context.Background()))
	assert.Equal(t, 0, svc.sessions.Len())

	_, _, err = svc.CloseDialog(context.Background(), "user-1", d.ID())
	assert.ErrorIs(t, err, ErrDialogNotFound)
}

func TestStartBackgroundJobs_StopsOnCancel(t *testing.T) {
	svc := newTestService(newStubRepo(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- svc.StartBackgroundJobs(ctx)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("StartBackgroundJobs did not return after cancel")
	}
}

func TestStartBackgroundJobs_InvalidSchedule(t *testing.T) {
	svc := NewService(newStubRepo(), nil, &stubConfirmer{}, pricing.NewPolicy(pricing.DefaultBasePrices), nil,
		Options{ReconcileSchedule: "not a schedule"})

	err := svc.StartBackgroundJobs(context.Background())
	assert.Error(t, err)
}
