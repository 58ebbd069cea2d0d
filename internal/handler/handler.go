// Package handler содержит HTTP-обработчики API продвижения объявлений.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/boostpay/internal/gateway"
	"github.com/mmeshcher/boostpay/internal/middleware"
	"github.com/mmeshcher/boostpay/internal/model"
	"github.com/mmeshcher/boostpay/internal/pricing"
	"github.com/mmeshcher/boostpay/internal/repository"
	"github.com/mmeshcher/boostpay/internal/service"
	"github.com/mmeshcher/boostpay/internal/validation"
	"github.com/mmeshcher/boostpay/internal/wizard"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	Quote(currency string) (*pricing.Quote, error)
	OpenBoostDialog(ctx context.Context, userID, itemID, currency string) (*wizard.Dialog, error)
	Dialog(userID, dialogID string) (*wizard.Dialog, error)
	CloseDialog(ctx context.Context, userID, dialogID string) (model.Activation, bool, error)
	ItemOrders(ctx context.Context, userID, itemID string) ([]model.BoostOrder, error)
	HandlePaymentEvent(ctx context.Context, ev *gateway.Event) error
}

// Handler реализует HTTP-обработчики API продвижения.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	payLimiter     *middleware.RateLimiter
	webhookSecret  string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// payLimiter может быть nil, тогда оплата не ограничивается по частоте.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, payLimiter *middleware.RateLimiter, webhookSecret string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		payLimiter:     payLimiter,
		webhookSecret:  webhookSecret,
	}
}

type dialogResponse struct {
	ID            string  `json:"id"`
	ItemID        string  `json:"item_id"`
	ItemTitle     string  `json:"item_title"`
	Step          string  `json:"step"`
	Tier          *string `json:"tier,omitempty"`
	DurationDays  int     `json:"duration_days"`
	Currency      string  `json:"currency"`
	Amount        *int64  `json:"amount,omitempty"`
	Processing    bool    `json:"processing"`
	Error         string  `json:"error,omitempty"`
	NextActionURL string  `json:"next_action_url,omitempty"`
	OrderID       string  `json:"order_id,omitempty"`
}

func newDialogResponse(v wizard.View) dialogResponse {
	resp := dialogResponse{
		ID:            v.ID,
		ItemID:        v.ItemID,
		ItemTitle:     v.ItemTitle,
		Step:          string(v.Step),
		DurationDays:  int(v.Duration),
		Currency:      v.Currency,
		Amount:        v.Amount,
		Processing:    v.Processing,
		Error:         v.Error,
		NextActionURL: v.NextActionURL,
		OrderID:       v.OrderID,
	}
	if v.Tier != nil {
		tier := string(*v.Tier)
		resp.Tier = &tier
	}
	return resp
}

// GetPrices возвращает сетку цен продвижения.
func (h *Handler) GetPrices(w http.ResponseWriter, r *http.Request) {
	currency := r.URL.Query().Get("currency")
	if !validation.IsValidCurrency(currency) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	quote, err := h.service.Quote(currency)
	if err != nil {
		h.writeError(w, "quote error", err)
		return
	}

	writeJSON(w, http.StatusOK, quote)
}

type openDialogRequest struct {
	Currency string `json:"currency"`
}

// OpenDialog открывает диалог продвижения для объявления текущего пользователя.
func (h *Handler) OpenDialog(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	itemID := chi.URLParam(r, "itemID")
	if !validation.IsValidID(itemID) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req openDialogRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}
	if !validation.IsValidCurrency(req.Currency) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, err := h.service.OpenBoostDialog(r.Context(), userID, itemID, req.Currency)
	if err != nil {
		h.writeError(w, "open dialog error", err, zap.String("userID", userID), zap.String("item", itemID))
		return
	}

	writeJSON(w, http.StatusCreated, newDialogResponse(d.View()))
}

type orderResponse struct {
	ID            string  `json:"id"`
	Tier          string  `json:"tier"`
	DurationDays  int     `json:"duration_days"`
	Amount        int64   `json:"amount"`
	Currency      string  `json:"currency"`
	PaymentStatus string  `json:"payment_status"`
	CreatedAt     string  `json:"created_at"`
	ActivatedAt   *string `json:"activated_at,omitempty"`
}

// GetItemOrders возвращает историю заказов продвижения объявления.
func (h *Handler) GetItemOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	itemID := chi.URLParam(r, "itemID")
	if !validation.IsValidID(itemID) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	orders, err := h.service.ItemOrders(r.Context(), userID, itemID)
	if err != nil {
		h.writeError(w, "get item orders error", err, zap.String("userID", userID), zap.String("item", itemID))
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		item := orderResponse{
			ID:            o.ID,
			Tier:          string(o.Tier),
			DurationDays:  int(o.Duration),
			Amount:        o.ChargeAmount,
			Currency:      o.Currency,
			PaymentStatus: string(o.PaymentStatus),
			CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		}
		if o.ActivatedAt != nil {
			at := o.ActivatedAt.Format(time.RFC3339)
			item.ActivatedAt = &at
		}
		resp = append(resp, item)
	}

	writeJSON(w, http.StatusOK, resp)
}

// dialog находит диалог текущего пользователя по параметру пути. При ошибке ответ уже записан.
func (h *Handler) dialog(w http.ResponseWriter, r *http.Request) (*wizard.Dialog, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return nil, false
	}

	dialogID := chi.URLParam(r, "dialogID")
	if !validation.IsValidID(dialogID) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, false
	}

	d, err := h.service.Dialog(userID, dialogID)
	if err != nil {
		h.writeError(w, "get dialog error", err)
		return nil, false
	}
	return d, true
}

// GetDialog возвращает текущее состояние диалога.
func (h *Handler) GetDialog(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dialog(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newDialogResponse(d.View()))
}

type tierRequest struct {
	Tier string `json:"tier"`
}

// SelectTier заменяет выбранный уровень продвижения.
func (h *Handler) SelectTier(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dialog(w, r)
	if !ok {
		return
	}

	var req tierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	tier, err := model.ParseBoostTier(req.Tier)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	h.applyStep(w, d, d.SelectTier(tier))
}

// Next переходит к выбору длительности и оплате.
func (h *Handler) Next(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dialog(w, r)
	if !ok {
		return
	}
	h.applyStep(w, d, d.Next())
}

// Back возвращает к выбору уровня.
func (h *Handler) Back(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dialog(w, r)
	if !ok {
		return
	}
	h.applyStep(w, d, d.Back())
}

type durationRequest struct {
	Days int `json:"days"`
}

// SelectDuration заменяет выбранную длительность.
func (h *Handler) SelectDuration(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dialog(w, r)
	if !ok {
		return
	}

	var req durationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.applyStep(w, d, d.SelectDuration(model.BoostDuration(req.Days)))
}

func (h *Handler) applyStep(w http.ResponseWriter, d *wizard.Dialog, err error) {
	if err != nil {
		h.writeError(w, "dialog step error", err, zap.String("dialog", d.ID()))
		return
	}
	writeJSON(w, http.StatusOK, newDialogResponse(d.View()))
}

type payRequest struct {
	PaymentMethod string `json:"payment_method"`
}

type payResponse struct {
	Status        string         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	OrderID       string         `json:"order_id,omitempty"`
	NextActionURL string         `json:"next_action_url,omitempty"`
	Dialog        dialogResponse `json:"dialog"`
}

// Pay отправляет оплату выбранного продвижения. Отказ шлюза не является ошибкой запроса:
// ответ 200 содержит причину, а диалог остаётся на шаге оплаты.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	d, ok := h.dialog(w, r)
	if !ok {
		return
	}

	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.PaymentMethod == "" {
		h.writeError(w, "pay error", wizard.ErrPaymentMethodRequired)
		return
	}
	if !validation.IsValidPaymentMethod(req.PaymentMethod) {
		if validation.LooksLikeCardNumber(req.PaymentMethod) {
			h.logger.Warn("raw card number rejected", zap.String("dialog", d.ID()))
		}
		http.Error(w, "payment method must be a gateway token", http.StatusUnprocessableEntity)
		return
	}

	out, err := d.Submit(r.Context(), req.PaymentMethod)
	if err != nil {
		h.writeError(w, "pay error", err, zap.String("dialog", d.ID()))
		return
	}

	writeJSON(w, http.StatusOK, payResponse{
		Status:        string(out.Status),
		Reason:        out.Reason,
		OrderID:       out.OrderID,
		NextActionURL: out.NextActionURL,
		Dialog:        newDialogResponse(d.View()),
	})
}

type closeResponse struct {
	Activated    bool   `json:"activated"`
	OrderID      string `json:"order_id,omitempty"`
	Tier         string `json:"tier,omitempty"`
	DurationDays int    `json:"duration_days,omitempty"`
}

// CloseDialog закрывает диалог и сообщает, было ли активировано продвижение.
func (h *Handler) CloseDialog(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	dialogID := chi.URLParam(r, "dialogID")
	if !validation.IsValidID(dialogID) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	a, activated, err := h.service.CloseDialog(r.Context(), userID, dialogID)
	if err != nil {
		h.writeError(w, "close dialog error", err)
		return
	}

	resp := closeResponse{Activated: activated}
	if activated {
		resp.OrderID = a.OrderID
		resp.Tier = string(a.Tier)
		resp.DurationDays = int(a.Duration)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Healthz проверяет доступность хранилища.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.service.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(status), status)
		return
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrDialogNotFound),
		errors.Is(err, repository.ErrItemNotFound),
		errors.Is(err, repository.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, pricing.ErrUnknownCurrency):
		return http.StatusBadRequest
	case errors.Is(err, wizard.ErrPaymentInProgress),
		errors.Is(err, wizard.ErrWrongStep),
		errors.Is(err, wizard.ErrDialogClosed):
		return http.StatusConflict
	case errors.Is(err, wizard.ErrTierRequired),
		errors.Is(err, wizard.ErrInvalidDuration),
		errors.Is(err, wizard.ErrPaymentMethodRequired):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
