package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, want: true},
		{name: "deadlock", err: fmt.Errorf("lock order: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}), want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}, want: false},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "not paid", err: ErrOrderNotPaid, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Fatalf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithRetry(t *testing.T) {
	r := &PostgresRepository{
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
		},
	}

	calls := 0
	err := r.withRetry(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	calls = 0
	err = r.withRetry(context.Background(), func(ctx context.Context) error {
		calls++
		return ErrOrderNotPaid
	})
	if !errors.Is(err, ErrOrderNotPaid) {
		t.Fatalf("err = %v, want ErrOrderNotPaid", err)
	}
	if calls != 1 {
		t.Fatalf("non-retryable error retried %d times", calls)
	}
}
