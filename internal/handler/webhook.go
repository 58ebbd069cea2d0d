package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/boostpay/internal/gateway"
	"github.com/mmeshcher/boostpay/internal/repository"
)

const maxWebhookBody = 64 << 10

// PaymentWebhook принимает события платёжного шлюза. Подпись проверяется до разбора события.
// Неизвестный заказ подтверждается 200, чтобы шлюз не повторял доставку.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ev, err := gateway.ParseEvent(payload, r.Header.Get(gateway.SignatureHeader), h.webhookSecret, gateway.DefaultTolerance, time.Now())
	if err != nil {
		h.logger.Warn("reject payment webhook", zap.Error(err))
		if errors.Is(err, gateway.ErrInvalidSignature) || errors.Is(err, gateway.ErrStaleSignature) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.HandlePaymentEvent(r.Context(), ev); err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			h.logger.Info("payment event for unknown order", zap.String("event", ev.ID), zap.String("intent", ev.Data.Object.ID))
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logger.Error("handle payment event error", zap.Error(err), zap.String("event", ev.ID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
