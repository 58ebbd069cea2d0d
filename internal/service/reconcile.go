package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostpay/internal/gateway"
	"github.com/mmeshcher/boostpay/internal/metrics"
	"github.com/mmeshcher/boostpay/internal/model"
)

const (
	sweepSchedule  = "@every 1m"
	expirySchedule = "@every 5m"
	jobTimeout     = 50 * time.Second
)

// StartBackgroundJobs запускает периодические задачи: сверку зависших заказов,
// снятие истёкшего продвижения и закрытие брошенных диалогов. Блокируется до отмены ctx.
func (s *Service) StartBackgroundJobs(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{name: "reconcile", schedule: s.opts.ReconcileSchedule, run: s.Reconcile},
		{name: "expire", schedule: expirySchedule, run: s.expireBoosts},
		{name: "sweep", schedule: sweepSchedule, run: s.sweepDialogs},
	}

	for _, job := range jobs {
		job := job
		_, err := c.AddFunc(job.schedule, func() {
			jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
			defer cancel()

			if err := job.run(jobCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("background job failed", zap.String("job", job.name), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s job %q: %w", job.name, job.schedule, err)
		}
	}

	c.Start()
	s.logger.Info("background jobs started", zap.String("reconcile", s.opts.ReconcileSchedule))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("background jobs stopped")
	return nil
}

// Reconcile доводит до конца заказы, по которым не пришло ни событие шлюза, ни закрытие диалога:
// оплаченные активирует, отклонённые помечает неуспешными.
func (s *Service) Reconcile(ctx context.Context) error {
	orders, err := s.repo.GetOrdersForReconciliation(ctx, s.now().Add(-s.opts.ReconcileAfter), s.opts.ReconcileBatch)
	if err != nil {
		return fmt.Errorf("load orders for reconciliation: %w", err)
	}

	held := s.sessions.HeldOrders()

	var errs []error
	for i := range orders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := held[orders[i].ID]; ok {
			continue
		}
		if err := s.reconcileOrder(ctx, &orders[i]); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", orders[i].ID, err))
		}
	}

	return errors.Join(errs...)
}

func (s *Service) reconcileOrder(ctx context.Context, order *model.BoostOrder) error {
	switch {
	case order.PaymentStatus == model.PaymentStatusSucceeded:
		return s.activate(ctx, order, "reconcile")

	case order.IntentID == "":
		// намерение так и не создано, списания не было
		if err := s.repo.UpdateOrderStatus(ctx, order.ID, model.PaymentStatusFailed); err != nil {
			return err
		}
		metrics.ObserveReconciled(string(model.PaymentStatusFailed))
		return nil
	}

	if s.intents == nil {
		return gateway.ErrUnavailable
	}

	var intent *gateway.PaymentIntent
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		pi, err := s.intents.GetPaymentIntent(ctx, order.IntentID)
		if err != nil {
			var gwErr *gateway.Error
			if errors.As(err, &gwErr) && gwErr.StatusCode < 500 {
				return err
			}
			return retry.RetryableError(err)
		}
		intent = pi
		return nil
	})
	if err != nil {
		return fmt.Errorf("fetch intent %s: %w", order.IntentID, err)
	}

	switch intent.Status {
	case gateway.IntentSucceeded:
		if err := s.repo.UpdateOrderStatus(ctx, order.ID, model.PaymentStatusSucceeded); err != nil {
			return err
		}
		metrics.ObserveReconciled(string(model.PaymentStatusSucceeded))
		return s.activate(ctx, order, "reconcile")

	case gateway.IntentCanceled, gateway.IntentRequiresPaymentMethod:
		if err := s.repo.UpdateOrderStatus(ctx, order.ID, model.PaymentStatusFailed); err != nil {
			return err
		}
		metrics.ObserveReconciled(string(model.PaymentStatusFailed))
		return nil
	}

	s.logger.Debug("order still awaiting payment",
		zap.String("order", order.ID),
		zap.String("intent", order.IntentID),
		zap.String("status", string(intent.Status)),
	)
	return nil
}

func (s *Service) activate(ctx context.Context, order *model.BoostOrder, source string) error {
	activated, err := s.repo.ActivateBoost(ctx, order.ID, s.now())
	if err != nil {
		return fmt.Errorf("activate boost: %w", err)
	}
	if activated {
		metrics.ObserveActivation(source)
		s.logger.Info("boost activated",
			zap.String("source", source),
			zap.String("order", order.ID),
			zap.String("item", order.ItemID),
		)
	}
	return nil
}

func (s *Service) expireBoosts(ctx context.Context) error {
	n, err := s.repo.ExpireBoosts(ctx, s.now())
	if err != nil {
		return fmt.Errorf("expire boosts: %w", err)
	}
	if n > 0 {
		s.logger.Info("boosts expired", zap.Int64("items", n))
	}
	return nil
}

func (s *Service) sweepDialogs(context.Context) error {
	if n := s.sessions.Sweep(s.now().Add(-s.opts.DialogIdleTTL)); n > 0 {
		s.logger.Info("idle dialogs discarded", zap.Int("count", n))
	}
	return nil
}
