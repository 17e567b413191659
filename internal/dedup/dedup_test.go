// internal/dedup/dedup_test.go
package dedup

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/querywatch/subscription-consumer/internal/codec"
	"github.com/querywatch/subscription-consumer/internal/metrics"
	"github.com/querywatch/subscription-consumer/pkg/logger"
)

func init() { metrics.Register(nil) }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", DevMode: true})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func testGuard(t *testing.T, setNX func(ctx context.Context, key string, ttl time.Duration) (bool, error)) *Guard {
	t.Helper()
	return &Guard{setNX: setNX, ttl: time.Minute, log: testLogger(t)}
}

func testResult(subID string, ts time.Time) *codec.SubscriptionResult {
	return &codec.SubscriptionResult{
		Version: 3,
		Payload: codec.ResultPayload{
			SubscriptionID: subID,
			Entity:         "events",
			Timestamp:      ts,
		},
	}
}

func TestGuard_FreshDeliveryReachesHandler(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var gotKey string
	g := testGuard(t, func(_ context.Context, key string, _ time.Duration) (bool, error) {
		gotKey = key
		return true, nil
	})

	calls := 0
	h := g.Wrap(func(_ context.Context, _ *codec.SubscriptionResult, _ int64, _ int32, _ string, _ codec.Dataset, _ *codec.Codec) error {
		calls++
		return nil
	})

	if err := h(context.Background(), testResult("sub-1", ts), 7, 0, "events-subscription-results", codec.DatasetEvents, nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}

	wantKey := fmt.Sprintf("subresult:events:sub-1:%d", ts.UnixNano())
	if gotKey != wantKey {
		t.Errorf("key = %q, want %q", gotKey, wantKey)
	}
}

func TestGuard_DuplicateSuppressed(t *testing.T) {
	g := testGuard(t, func(context.Context, string, time.Duration) (bool, error) {
		return false, nil
	})

	calls := 0
	h := g.Wrap(func(_ context.Context, _ *codec.SubscriptionResult, _ int64, _ int32, _ string, _ codec.Dataset, _ *codec.Codec) error {
		calls++
		return nil
	})

	if err := h(context.Background(), testResult("sub-1", time.Now()), 7, 0, "events-subscription-results", codec.DatasetEvents, nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if calls != 0 {
		t.Fatalf("duplicate reached handler %d time(s)", calls)
	}
}

// Недоступный Redis не имеет права блокировать пайплайн: при ошибке проверки
// сообщение проходит к обработчику.
func TestGuard_CheckErrorFallsThrough(t *testing.T) {
	g := testGuard(t, func(context.Context, string, time.Duration) (bool, error) {
		return false, errors.New("connection refused")
	})

	calls := 0
	h := g.Wrap(func(_ context.Context, _ *codec.SubscriptionResult, _ int64, _ int32, _ string, _ codec.Dataset, _ *codec.Codec) error {
		calls++
		return nil
	})

	if err := h(context.Background(), testResult("sub-1", time.Now()), 7, 0, "events-subscription-results", codec.DatasetEvents, nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}
}

func TestGuard_HandlerErrorPropagates(t *testing.T) {
	g := testGuard(t, func(context.Context, string, time.Duration) (bool, error) {
		return true, nil
	})

	wantErr := errors.New("evaluate failed")
	h := g.Wrap(func(_ context.Context, _ *codec.SubscriptionResult, _ int64, _ int32, _ string, _ codec.Dataset, _ *codec.Codec) error {
		return wantErr
	})

	if err := h(context.Background(), testResult("sub-1", time.Now()), 7, 0, "events-subscription-results", codec.DatasetEvents, nil); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
