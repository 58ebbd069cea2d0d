// Package gateway предоставляет клиент внешнего платёжного шлюза.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable возвращается, если шлюз недоступен или не настроен.
var ErrUnavailable = errors.New("payment gateway unavailable")

// IntentStatus описывает статус платёжного намерения на стороне шлюза.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
)

// Error описывает ошибку, которую вернул шлюз.
type Error struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("gateway error: status %d", e.StatusCode)
}

// NextAction описывает действие, которое пользователь должен выполнить для завершения оплаты.
type NextAction struct {
	Type          string `json:"type"`
	RedirectToURL *struct {
		URL string `json:"url"`
	} `json:"redirect_to_url,omitempty"`
}

// PaymentIntent описывает платёжное намерение шлюза.
type PaymentIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Status           IntentStatus      `json:"status"`
	ClientSecret     string            `json:"client_secret"`
	Metadata         map[string]string `json:"metadata"`
	NextAction       *NextAction       `json:"next_action,omitempty"`
	LastPaymentError *Error            `json:"last_payment_error,omitempty"`
}

// RedirectURL возвращает адрес для дополнительного подтверждения оплаты, если он есть.
func (pi *PaymentIntent) RedirectURL() string {
	if pi.NextAction == nil || pi.NextAction.RedirectToURL == nil {
		return ""
	}
	return pi.NextAction.RedirectToURL.URL
}

// IntentParams задаёт параметры создаваемого платёжного намерения.
type IntentParams struct {
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для обращения к шлюзу по указанному адресу.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	return &Client{
		baseURL:   base,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreatePaymentIntent создаёт платёжное намерение на указанную сумму.
func (c *Client) CreatePaymentIntent(ctx context.Context, params IntentParams) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(params.Amount, 10))
	form.Set("currency", params.Currency)
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("automatic_payment_methods[allow_redirects]", "never")
	for k, v := range params.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var pi PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", form, params.IdempotencyKey, &pi); err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return &pi, nil
}

// ConfirmPaymentIntent подтверждает платёжное намерение токеном платёжного метода.
// Данные карты в сервис не попадают: paymentMethod выдан виджетом шлюза на клиенте.
func (c *Client) ConfirmPaymentIntent(ctx context.Context, intentID, paymentMethod string) (*PaymentIntent, error) {
	form := url.Values{}
	form.Set("payment_method", paymentMethod)

	var pi PaymentIntent
	path := "/v1/payment_intents/" + url.PathEscape(intentID) + "/confirm"
	if err := c.do(ctx, http.MethodPost, path, form, "", &pi); err != nil {
		return nil, fmt.Errorf("confirm payment intent: %w", err)
	}
	return &pi, nil
}

// GetPaymentIntent запрашивает текущее состояние платёжного намерения.
func (c *Client) GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil, "", &pi); err != nil {
		return nil, fmt.Errorf("get payment intent: %w", err)
	}
	return &pi, nil
}

// CancelPaymentIntent отменяет незавершённое платёжное намерение.
// Намерение в статусе succeeded или processing отменить нельзя, шлюз вернёт *Error.
func (c *Client) CancelPaymentIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	var pi PaymentIntent
	path := "/v1/payment_intents/" + url.PathEscape(intentID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, url.Values{}, "", &pi); err != nil {
		return nil, fmt.Errorf("cancel payment intent: %w", err)
	}
	return &pi, nil
}

type errorEnvelope struct {
	Error *Error `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("%w: client not configured", ErrUnavailable)
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	var env errorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error == nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	env.Error.StatusCode = resp.StatusCode
	return env.Error
}
