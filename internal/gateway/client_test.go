package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreatePaymentIntent_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/payment_intents" {
			t.Fatalf("path = %s, want /v1/payment_intents", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Fatalf("authorization = %q", got)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "order-1" {
			t.Fatalf("idempotency key = %q, want order-1", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("amount") != "400" || r.PostForm.Get("currency") != "usd" {
			t.Fatalf("unexpected form: %v", r.PostForm)
		}
		if r.PostForm.Get("metadata[item_id]") != "item-1" {
			t.Fatalf("metadata not sent: %v", r.PostForm)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(PaymentIntent{
			ID:           "pi_1",
			Amount:       400,
			Currency:     "usd",
			Status:       IntentRequiresPaymentMethod,
			ClientSecret: "pi_1_secret",
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_test", time.Second)

	pi, err := client.CreatePaymentIntent(context.Background(), IntentParams{
		Amount:         400,
		Currency:       "usd",
		Metadata:       map[string]string{"item_id": "item-1"},
		IdempotencyKey: "order-1",
	})
	if err != nil {
		t.Fatalf("CreatePaymentIntent error: %v", err)
	}
	if pi.ID != "pi_1" || pi.Status != IntentRequiresPaymentMethod {
		t.Fatalf("unexpected intent: %+v", pi)
	}
}

func TestConfirmPaymentIntent_GatewayError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents/pi_1/confirm" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_test", time.Second)

	_, err := client.ConfirmPaymentIntent(context.Background(), "pi_1", "pm_card")
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if gwErr.Message != "Your card was declined." || gwErr.Code != "card_declined" {
		t.Fatalf("unexpected error: %+v", gwErr)
	}
	if gwErr.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", gwErr.StatusCode, http.StatusPaymentRequired)
	}
}

func TestGetPaymentIntent_RequiresAction(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_2","status":"requires_action","next_action":{"type":"redirect_to_url","redirect_to_url":{"url":"https://gw.test/3ds"}}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_test", time.Second)

	pi, err := client.GetPaymentIntent(context.Background(), "pi_2")
	if err != nil {
		t.Fatalf("GetPaymentIntent error: %v", err)
	}
	if pi.Status != IntentRequiresAction {
		t.Fatalf("status = %s, want requires_action", pi.Status)
	}
	if pi.RedirectURL() != "https://gw.test/3ds" {
		t.Fatalf("redirect = %q", pi.RedirectURL())
	}
}

func TestCancelPaymentIntent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/payment_intents/pi_3/cancel" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_3","status":"canceled"}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_test", time.Second)

	pi, err := client.CancelPaymentIntent(context.Background(), "pi_3")
	if err != nil {
		t.Fatalf("CancelPaymentIntent error: %v", err)
	}
	if pi.Status != IntentCanceled {
		t.Fatalf("status = %s, want canceled", pi.Status)
	}
}

func TestClient_ServerErrorIsUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "sk_test", time.Second)

	_, err := client.GetPaymentIntent(context.Background(), "pi_1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	client := NewClient(url, "sk_test", time.Second)

	_, err := client.CreatePaymentIntent(context.Background(), IntentParams{Amount: 1, Currency: "usd"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClient_NotConfigured(t *testing.T) {
	var client *Client

	_, err := client.GetPaymentIntent(context.Background(), "pi_1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
