// internal/codec/codec_test.go
package codec_test

import (
	"errors"
	"testing"
	"time"

	"github.com/querywatch/subscription-consumer/internal/codec"
)

func TestResolverFor_KnownTopics(t *testing.T) {
	cases := map[string]codec.Dataset{
		"events-subscription-results":          codec.DatasetEvents,
		"transactions-subscription-results":    codec.DatasetTransactions,
		"metrics-subscription-results":         codec.DatasetMetrics,
		"generic-metrics-subscription-results": codec.DatasetGenericMetrics,
	}
	for topic, want := range cases {
		c, err := codec.ResolverFor(topic)
		if err != nil {
			t.Fatalf("ResolverFor(%q): %v", topic, err)
		}
		if c.Dataset != want {
			t.Errorf("ResolverFor(%q).Dataset = %q, want %q", topic, c.Dataset, want)
		}
		if c.Topic != topic {
			t.Errorf("ResolverFor(%q).Topic = %q", topic, c.Topic)
		}
		if c.LogicalTopic == "" {
			t.Errorf("ResolverFor(%q): empty logical topic", topic)
		}
	}
}

func TestResolverFor_UnknownTopic(t *testing.T) {
	_, err := codec.ResolverFor("no-such-topic")
	if !errors.Is(err, codec.ErrUnknownTopic) {
		t.Fatalf("expected ErrUnknownTopic, got %v", err)
	}
}

func validPayload() []byte {
	return []byte(`{
		"version": 3,
		"payload": {
			"subscription_id": "sub-123",
			"result": {"data": [{"count": 42}], "meta": [{"name": "count", "type": "UInt64"}]},
			"request": {"query": "MATCH (events)"},
			"entity": "events",
			"timestamp": "2026-08-01T12:00:00Z"
		}
	}`)
}

func TestDecode_Valid(t *testing.T) {
	c, _ := codec.ResolverFor("events-subscription-results")
	res, err := c.Decode(validPayload())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Payload.SubscriptionID != "sub-123" {
		t.Errorf("subscription_id = %q", res.Payload.SubscriptionID)
	}
	if len(res.Payload.Result.Data) != 1 {
		t.Errorf("expected 1 data row, got %d", len(res.Payload.Result.Data))
	}
	want := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if !res.Payload.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", res.Payload.Timestamp, want)
	}
}

func TestDecode_Invalid(t *testing.T) {
	c, _ := codec.ResolverFor("events-subscription-results")

	cases := map[string][]byte{
		"garbage":            []byte("not json at all"),
		"wrong version":      []byte(`{"version": 1, "payload": {"subscription_id": "s", "timestamp": "2026-08-01T12:00:00Z"}}`),
		"no subscription_id": []byte(`{"version": 3, "payload": {"timestamp": "2026-08-01T12:00:00Z"}}`),
		"no timestamp":       []byte(`{"version": 3, "payload": {"subscription_id": "s"}}`),
	}
	for name, raw := range cases {
		if _, err := c.Decode(raw); err == nil {
			t.Errorf("%s: expected decode error", name)
		} else {
			var de *codec.DecodeError
			if !errors.As(err, &de) {
				t.Errorf("%s: expected *DecodeError, got %T", name, err)
			}
		}
	}
}
