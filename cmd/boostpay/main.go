// Package main запускает HTTP-сервер сервиса продвижения объявлений.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/boostpay/internal/config"
	"github.com/mmeshcher/boostpay/internal/gateway"
	"github.com/mmeshcher/boostpay/internal/handler"
	"github.com/mmeshcher/boostpay/internal/middleware"
	"github.com/mmeshcher/boostpay/internal/payment"
	"github.com/mmeshcher/boostpay/internal/pricing"
	"github.com/mmeshcher/boostpay/internal/repository"
	"github.com/mmeshcher/boostpay/internal/service"
)

const limiterIdleTTL = 10 * time.Minute

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	if cfg.GatewayAddress == "" {
		sugar.Warn("payment gateway address is not set, payments will be rejected")
	}
	gw := gateway.NewClient(cfg.GatewayAddress, cfg.GatewaySecretKey, cfg.PaymentTimeout)

	prices := pricing.NewPolicy(pricing.DefaultBasePrices)
	coordinator := payment.NewCoordinator(gw, repo, prices, cfg.PaymentTimeout, logger.Named("payment"))

	svc := service.NewService(repo, gw, coordinator, prices, logger.Named("service"), service.Options{
		DefaultCurrency:   cfg.DefaultCurrency,
		DialogIdleTTL:     cfg.DialogIdleTTL,
		ReconcileSchedule: cfg.ReconcileSchedule,
	})
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("auth secret is not set, using a random key for this process")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	payLimiter := middleware.NewRateLimiter(cfg.PayRateLimit, cfg.PayRateBurst, logger)
	h := handler.NewHandler(svc, logger, authMiddleware, payLimiter, cfg.WebhookSecret)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Сверка заказов, снятие истёкшего продвижения и очистка брошенных диалогов
	g.Go(func() error {
		return svc.StartBackgroundJobs(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(limiterIdleTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				payLimiter.Cleanup(limiterIdleTTL)
			}
		}
	})

	g.Go(func() error {
		sugar.Infow("starting boostpay server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.PaymentTimeout+5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
