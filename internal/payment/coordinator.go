package payment

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostpay/internal/gateway"
	"github.com/mmeshcher/boostpay/internal/metrics"
	"github.com/mmeshcher/boostpay/internal/model"
	"github.com/mmeshcher/boostpay/internal/pricing"
)

// DefaultTimeout ограничивает всю попытку оплаты.
const DefaultTimeout = 30 * time.Second

// Ключи метаданных платёжного намерения.
const (
	MetadataOrderID  = "order_id"
	MetadataItemID   = "item_id"
	MetadataTier     = "tier"
	MetadataDuration = "duration_days"
)

// Gateway описывает операции платёжного шлюза, которые использует координатор.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, params gateway.IntentParams) (*gateway.PaymentIntent, error)
	ConfirmPaymentIntent(ctx context.Context, intentID, paymentMethod string) (*gateway.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*gateway.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, intentID string) (*gateway.PaymentIntent, error)
}

// OrderStore описывает хранилище заказов на продвижение.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *model.BoostOrder) error
	SetOrderIntent(ctx context.Context, orderID, intentID string) error
	UpdateOrderStatus(ctx context.Context, orderID string, status model.PaymentStatus) error
}

// Coordinator проводит оплату продвижения: рассчитывает сумму, создаёт намерение,
// подтверждает его и интерпретирует ответ шлюза. Автоматических повторов нет.
// Отметку объявления как продвигаемого координатор не выставляет.
type Coordinator struct {
	gateway Gateway
	orders  OrderStore
	prices  *pricing.Policy
	timeout time.Duration
	logger  *zap.Logger
	newID   func() string
}

// NewCoordinator создаёт координатор оплаты.
func NewCoordinator(gw Gateway, orders OrderStore, prices *pricing.Policy, timeout time.Duration, logger *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		gateway: gw,
		orders:  orders,
		prices:  prices,
		timeout: timeout,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// ConfirmBoostPayment выполняет одну попытку оплаты продвижения.
// Отмена ctx вызывающей стороной попытку не прерывает: ответ шлюза всё равно
// записывается в заказ, а диалог сам решает, применять ли его.
func (c *Coordinator) ConfirmBoostPayment(ctx context.Context, req Request) Outcome {
	start := time.Now()

	out := c.confirm(ctx, req)

	metrics.ObservePayment(string(req.Tier), string(out.Status), time.Since(start))
	c.logger.Info("boost payment attempt",
		zap.String("item", req.ItemID),
		zap.String("tier", string(req.Tier)),
		zap.Int("durationDays", int(req.Duration)),
		zap.String("order", out.OrderID),
		zap.String("status", string(out.Status)),
		zap.String("reason", out.Reason),
	)

	return out
}

func (c *Coordinator) confirm(parent context.Context, req Request) Outcome {
	amount, err := c.prices.Price(req.Tier, int(req.Duration), req.Currency)
	if err != nil {
		return Failed(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.timeout)
	defer cancel()

	currency := pricing.NormalizeCurrency(req.Currency)

	if req.Pending != nil {
		if out, done := c.resume(ctx, req, Outcome{
			OrderID:  req.Pending.OrderID,
			IntentID: req.Pending.IntentID,
			Amount:   amount,
			Currency: currency,
		}); done {
			return out
		}
	}

	order := &model.BoostOrder{
		ID:            c.newID(),
		ItemID:        req.ItemID,
		UserID:        req.UserID,
		Tier:          req.Tier,
		Duration:      req.Duration,
		ChargeAmount:  amount,
		Currency:      currency,
		PaymentStatus: model.PaymentStatusPending,
	}

	if err := c.orders.CreateOrder(ctx, order); err != nil {
		c.logger.Error("create boost order", zap.Error(err), zap.String("item", req.ItemID))
		return c.failure(err)
	}

	base := Outcome{OrderID: order.ID, Amount: amount, Currency: currency}

	intent, err := c.gateway.CreatePaymentIntent(ctx, gateway.IntentParams{
		Amount:   amount,
		Currency: currency,
		Metadata: map[string]string{
			MetadataOrderID:  order.ID,
			MetadataItemID:   req.ItemID,
			MetadataTier:     string(req.Tier),
			MetadataDuration: strconv.Itoa(int(req.Duration)),
		},
		IdempotencyKey: order.ID,
	})
	if err != nil {
		c.markOrder(ctx, order.ID, model.PaymentStatusFailed)
		return c.withBase(c.failure(err), base)
	}
	base.IntentID = intent.ID

	if err := c.orders.SetOrderIntent(ctx, order.ID, intent.ID); err != nil {
		// Без привязки к намерению заказ нельзя будет сверить, поэтому не списываем.
		c.logger.Error("attach intent to order", zap.Error(err), zap.String("order", order.ID))
		c.markOrder(ctx, order.ID, model.PaymentStatusFailed)
		return c.withBase(Failed(ReasonNotReady), base)
	}

	return c.withBase(c.confirmIntent(ctx, order.ID, intent.ID, req.PaymentMethod), base)
}

// resume продолжает намерение прошлой попытки. Новое намерение создаётся, только если
// прежнее гарантированно не будет списано: отменено шлюзом или отменено здесь.
// Второй результат false означает, что можно создавать новый заказ.
func (c *Coordinator) resume(ctx context.Context, req Request, base Outcome) (Outcome, bool) {
	p := req.Pending

	pi, err := c.gateway.GetPaymentIntent(ctx, p.IntentID)
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound {
			c.markOrder(ctx, p.OrderID, model.PaymentStatusFailed)
			return Outcome{}, false
		}
		out := c.failure(err)
		out.IntentOpen = true
		return c.withBase(out, base), true
	}
	if pi.Amount > 0 {
		base.Amount = pi.Amount
	}

	switch pi.Status {
	case gateway.IntentSucceeded, gateway.IntentProcessing:
		return c.withBase(c.interpret(ctx, p.OrderID, pi), base), true
	case gateway.IntentCanceled:
		c.markOrder(ctx, p.OrderID, model.PaymentStatusFailed)
		return Outcome{}, false
	}

	if p.Tier == req.Tier && p.Duration == req.Duration {
		return c.withBase(c.confirmIntent(ctx, p.OrderID, p.IntentID, req.PaymentMethod), base), true
	}

	// Выбор изменился: прежнее намерение на другую сумму отменяется до создания нового.
	if _, err := c.gateway.CancelPaymentIntent(ctx, p.IntentID); err != nil {
		c.logger.Warn("cancel superseded intent",
			zap.Error(err),
			zap.String("order", p.OrderID),
			zap.String("intent", p.IntentID),
		)
		out := c.failure(err)
		out.IntentOpen = true
		return c.withBase(out, base), true
	}
	c.markOrder(ctx, p.OrderID, model.PaymentStatusFailed)
	return Outcome{}, false
}

func (c *Coordinator) confirmIntent(ctx context.Context, orderID, intentID, paymentMethod string) Outcome {
	confirmed, err := c.gateway.ConfirmPaymentIntent(ctx, intentID, paymentMethod)
	if err != nil {
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			c.markOrder(ctx, orderID, model.PaymentStatusFailed)
			return c.failure(err)
		}
		// Недоступность шлюза и таймаут оставляют заказ в pending: исход проверит сверка.
		out := c.failure(err)
		out.IntentOpen = true
		return out
	}

	return c.interpret(ctx, orderID, confirmed)
}

func (c *Coordinator) interpret(ctx context.Context, orderID string, pi *gateway.PaymentIntent) Outcome {
	switch pi.Status {
	case gateway.IntentSucceeded:
		c.markOrder(ctx, orderID, model.PaymentStatusSucceeded)
		return Outcome{Status: OutcomeSucceeded}
	case gateway.IntentRequiresAction:
		return Outcome{Status: OutcomeRequiresAction, Reason: ReasonRequiresAction, NextActionURL: pi.RedirectURL(), IntentOpen: true}
	case gateway.IntentProcessing:
		return Outcome{Status: OutcomeProcessing, Reason: ReasonProcessing, IntentOpen: true}
	default:
		reason := "payment not completed: " + string(pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Message != "" {
			reason = pi.LastPaymentError.Message
		}
		if pi.Status == gateway.IntentCanceled || pi.Status == gateway.IntentRequiresPaymentMethod {
			c.markOrder(ctx, orderID, model.PaymentStatusFailed)
		}
		return Failed(reason)
	}
}

func (c *Coordinator) failure(err error) Outcome {
	var (
		gwErr  *gateway.Error
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return Failed(ReasonTimedOut)
	case errors.As(err, &gwErr):
		return Failed(gwErr.Error())
	default:
		return Failed(ReasonNotReady)
	}
}

func (c *Coordinator) withBase(out, base Outcome) Outcome {
	out.OrderID = base.OrderID
	out.IntentID = base.IntentID
	out.Amount = base.Amount
	out.Currency = base.Currency
	return out
}

func (c *Coordinator) markOrder(ctx context.Context, orderID string, status model.PaymentStatus) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := c.orders.UpdateOrderStatus(ctx, orderID, status); err != nil {
		c.logger.Error("update boost order status",
			zap.Error(err),
			zap.String("order", orderID),
			zap.String("status", string(status)),
		)
	}
}
