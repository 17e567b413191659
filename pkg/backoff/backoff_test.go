// pkg/backoff/backoff_test.go
package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/querywatch/subscription-consumer/pkg/backoff"
	"github.com/querywatch/subscription-consumer/pkg/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// Нулевой MaxElapsedTime означает «без лимита»: операция должна ретраиться
// до успеха, а не останавливаться после первой попытки.
func TestExecute_RetriesUntilSuccessWithDefaults(t *testing.T) {
	log := newTestLogger(t)

	attempts := 0
	op := func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}

	err := backoff.Execute(context.Background(), backoff.Config{
		InitialInterval: time.Millisecond,
	}, log, op)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestExecute_PermanentStopsImmediately(t *testing.T) {
	log := newTestLogger(t)

	attempts := 0
	op := func(ctx context.Context) error {
		attempts++
		return backoff.Permanent(errors.New("bad credentials"))
	}

	err := backoff.Execute(context.Background(), backoff.Config{
		InitialInterval: time.Millisecond,
	}, log, op)
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestExecute_MaxElapsedTimeGivesUp(t *testing.T) {
	log := newTestLogger(t)

	op := func(ctx context.Context) error { return errors.New("still down") }

	err := backoff.Execute(context.Background(), backoff.Config{
		InitialInterval: time.Millisecond,
		MaxElapsedTime:  20 * time.Millisecond,
	}, log, op)

	var maxErr *backoff.ErrMaxRetries
	if !errors.As(err, &maxErr) {
		t.Fatalf("expected ErrMaxRetries, got %v", err)
	}
	if maxErr.Attempts < 2 {
		t.Fatalf("attempts = %d, want at least 2", maxErr.Attempts)
	}
}
