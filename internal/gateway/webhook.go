package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Типы событий шлюза, которые обрабатывает сервис.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
)

// SignatureHeader задаёт заголовок с подписью webhook-запроса.
const SignatureHeader = "Gateway-Signature"

// DefaultTolerance задаёт допустимое расхождение времени подписи.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrInvalidSignature возвращается при неверной или отсутствующей подписи.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrStaleSignature возвращается, если подпись старше допустимого окна.
	ErrStaleSignature = errors.New("webhook signature timestamp outside tolerance")
)

// Event описывает событие, присланное шлюзом.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object PaymentIntent `json:"object"`
	} `json:"data"`
}

// Sign вычисляет значение заголовка подписи для payload. Формат: t=<unix>,v1=<hex>.
func Sign(payload []byte, secret string, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + signature(payload, secret, t)
}

func signature(payload []byte, secret, t string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(t))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseEvent проверяет подпись webhook-запроса и разбирает событие.
func ParseEvent(payload []byte, header, secret string, tolerance time.Duration, now time.Time) (*Event, error) {
	if secret == "" || header == "" {
		return nil, ErrInvalidSignature
	}

	var (
		t          string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			t = v
		case "v1":
			signatures = append(signatures, v)
		}
	}

	if t == "" || len(signatures) == 0 {
		return nil, ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	expected := signature(payload, secret, t)
	valid := false
	for _, s := range signatures {
		if hmac.Equal([]byte(s), []byte(expected)) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return nil, ErrStaleSignature
		}
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	return &ev, nil
}
