// Package service реализует бизнес-логику продвижения объявлений.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostpay/internal/gateway"
	"github.com/mmeshcher/boostpay/internal/metrics"
	"github.com/mmeshcher/boostpay/internal/model"
	"github.com/mmeshcher/boostpay/internal/pricing"
	"github.com/mmeshcher/boostpay/internal/wizard"
)

var (
	// ErrForbidden возвращается, если пользователь не владеет объявлением.
	ErrForbidden = errors.New("item belongs to another user")
	// ErrDialogNotFound возвращается, если диалог не найден или принадлежит другому пользователю.
	ErrDialogNotFound = errors.New("boost dialog not found")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	GetItem(ctx context.Context, itemID string) (*model.Item, error)
	GetOrder(ctx context.Context, orderID string) (*model.BoostOrder, error)
	GetOrdersByItem(ctx context.Context, itemID string) ([]model.BoostOrder, error)
	GetOrdersForReconciliation(ctx context.Context, olderThan time.Time, limit int) ([]model.BoostOrder, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status model.PaymentStatus) error
	UpdateOrderStatusByIntent(ctx context.Context, intentID string, status model.PaymentStatus) (*model.BoostOrder, error)
	ActivateBoost(ctx context.Context, orderID string, now time.Time) (bool, error)
	ExpireBoosts(ctx context.Context, now time.Time) (int64, error)
}

// IntentFetcher запрашивает состояние платёжного намерения для сверки.
type IntentFetcher interface {
	GetPaymentIntent(ctx context.Context, intentID string) (*gateway.PaymentIntent, error)
}

// Options задаёт параметры сервиса.
type Options struct {
	DefaultCurrency   string
	DialogIdleTTL     time.Duration
	ReconcileSchedule string
	ReconcileAfter    time.Duration
	ReconcileBatch    int
}

func (o *Options) setDefaults() {
	if o.DefaultCurrency == "" {
		o.DefaultCurrency = "usd"
	}
	if o.DialogIdleTTL <= 0 {
		o.DialogIdleTTL = 30 * time.Minute
	}
	if o.ReconcileSchedule == "" {
		o.ReconcileSchedule = "@every 1m"
	}
	if o.ReconcileAfter <= 0 {
		o.ReconcileAfter = 2 * time.Minute
	}
	if o.ReconcileBatch <= 0 {
		o.ReconcileBatch = 100
	}
}

// Service содержит бизнес-логику покупки продвижения.
type Service struct {
	repo      Repository
	intents   IntentFetcher
	confirmer wizard.Confirmer
	prices    *pricing.Policy
	sessions  *Sessions
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

// NewService создаёт сервис продвижения.
func NewService(repo Repository, intents IntentFetcher, confirmer wizard.Confirmer, prices *pricing.Policy, logger *zap.Logger, opts Options) *Service {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:      repo,
		intents:   intents,
		confirmer: confirmer,
		prices:    prices,
		sessions:  NewSessions(),
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
}

// Close закрывает ресурсы сервиса. Открытые диалоги закрываются без уведомлений.
func (s *Service) Close() error {
	s.sessions.DiscardAll()
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Quote возвращает сетку цен в указанной валюте или в валюте по умолчанию.
func (s *Service) Quote(currency string) (*pricing.Quote, error) {
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}
	return s.prices.Quote(currency)
}

// OpenBoostDialog открывает новый диалог покупки продвижения для объявления пользователя.
// Каждое открытие начинается с выбора уровня.
func (s *Service) OpenBoostDialog(ctx context.Context, userID, itemID, currency string) (*wizard.Dialog, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.OwnerID != userID {
		return nil, ErrForbidden
	}

	if currency == "" {
		currency = s.opts.DefaultCurrency
	}
	if !s.prices.Supports(currency) {
		return nil, fmt.Errorf("%w: %s", pricing.ErrUnknownCurrency, currency)
	}

	d := wizard.New(wizard.Params{
		ID:        uuid.NewString(),
		UserID:    userID,
		ItemID:    item.ID,
		ItemTitle: item.Title,
		Currency:  pricing.NormalizeCurrency(currency),
	}, s.confirmer, s, s.prices)

	s.sessions.Add(d)
	return d, nil
}

// Dialog возвращает открытый диалог пользователя.
func (s *Service) Dialog(userID, dialogID string) (*wizard.Dialog, error) {
	d, ok := s.sessions.Get(dialogID)
	if !ok || d.UserID() != userID {
		return nil, ErrDialogNotFound
	}
	return d, nil
}

// CloseDialog закрывает диалог. Если оплата прошла, вызывающая сторона получает активацию.
func (s *Service) CloseDialog(ctx context.Context, userID, dialogID string) (model.Activation, bool, error) {
	d, err := s.Dialog(userID, dialogID)
	if err != nil {
		return model.Activation{}, false, err
	}

	a, activated := d.Close(ctx)
	s.sessions.Remove(dialogID)
	return a, activated, nil
}

// BoostConfirmed реализует wizard.Notifier: после закрытия диалога с успешной оплатой
// синхронно отмечает объявление как продвигаемое. Ошибка не теряется: заказ подберёт сверка.
func (s *Service) BoostConfirmed(ctx context.Context, a model.Activation) {
	activated, err := s.repo.ActivateBoost(ctx, a.OrderID, s.now())
	if err != nil {
		s.logger.Error("activate boost after dialog close",
			zap.Error(err),
			zap.String("order", a.OrderID),
			zap.String("item", a.ItemID),
		)
		return
	}

	if activated {
		metrics.ObserveActivation("dialog")
	}
	s.logger.Info("boost confirmed",
		zap.String("order", a.OrderID),
		zap.String("item", a.ItemID),
		zap.String("tier", string(a.Tier)),
		zap.Int("durationDays", int(a.Duration)),
		zap.Bool("activated", activated),
	)
}

// ItemOrders возвращает историю заказов продвижения объявления пользователя.
func (s *Service) ItemOrders(ctx context.Context, userID, itemID string) ([]model.BoostOrder, error) {
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.OwnerID != userID {
		return nil, ErrForbidden
	}
	return s.repo.GetOrdersByItem(ctx, itemID)
}

// HandlePaymentEvent обрабатывает событие платёжного шлюза. Повторная доставка безопасна.
func (s *Service) HandlePaymentEvent(ctx context.Context, ev *gateway.Event) error {
	intent := ev.Data.Object

	var status model.PaymentStatus
	switch ev.Type {
	case gateway.EventIntentSucceeded:
		status = model.PaymentStatusSucceeded
	case gateway.EventIntentFailed, gateway.EventIntentCanceled:
		status = model.PaymentStatusFailed
	default:
		s.logger.Debug("ignore payment event", zap.String("event", ev.ID), zap.String("type", ev.Type))
		return nil
	}

	order, err := s.repo.UpdateOrderStatusByIntent(ctx, intent.ID, status)
	if err != nil {
		return fmt.Errorf("apply payment event %s: %w", ev.ID, err)
	}

	if order.PaymentStatus != model.PaymentStatusSucceeded {
		return nil
	}
	if s.sessions.HoldsOrder(order.ID) {
		// Активирует закрытие диалога, а если диалог бросят, то сверка.
		s.logger.Info("payment event for order held by open dialog", zap.String("order", order.ID))
		return nil
	}

	activated, err := s.repo.ActivateBoost(ctx, order.ID, s.now())
	if err != nil {
		return fmt.Errorf("activate boost for order %s: %w", order.ID, err)
	}
	if activated {
		metrics.ObserveActivation("webhook")
		s.logger.Info("boost activated by webhook", zap.String("order", order.ID), zap.String("item", order.ItemID))
	}

	return nil
}
