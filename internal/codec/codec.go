// internal/codec/codec.go

// Package codec maps physical subscription-result topics to their dataset and
// provides the decoder for the wire payload. The mapping is fixed at startup:
// a topic either resolves before the consumer subscribes, or startup aborts.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Dataset — доменный enum источника подписки.
type Dataset string

const (
	DatasetEvents         Dataset = "events"
	DatasetTransactions   Dataset = "transactions"
	DatasetMetrics        Dataset = "metrics"
	DatasetGenericMetrics Dataset = "generic-metrics"
)

func (d Dataset) String() string { return string(d) }

// topicToDataset связывает физический топик с dataset'ом. Ровно 1:1,
// неизменяемо после старта.
var topicToDataset = map[string]Dataset{
	"events-subscription-results":          DatasetEvents,
	"transactions-subscription-results":    DatasetTransactions,
	"metrics-subscription-results":         DatasetMetrics,
	"generic-metrics-subscription-results": DatasetGenericMetrics,
}

// datasetToLogicalTopic задаёт логическое имя схемы для dataset'а.
var datasetToLogicalTopic = map[Dataset]string{
	DatasetEvents:         "events-subscription-results",
	DatasetTransactions:   "transactions-subscription-results",
	DatasetMetrics:        "metrics-subscription-results",
	DatasetGenericMetrics: "generic-metrics-subscription-results",
}

// ErrUnknownTopic возвращается, когда для топика нет dataset-привязки.
var ErrUnknownTopic = errors.New("codec: no dataset mapping for topic")

// -----------------------------------------------------------------------------
// Payload model
// -----------------------------------------------------------------------------

// payloadVersion — единственная поддерживаемая версия схемы.
const payloadVersion = 3

// SubscriptionResult — результат выполнения подписанного запроса.
type SubscriptionResult struct {
	Version int           `json:"version"`
	Payload ResultPayload `json:"payload"`
}

// ResultPayload содержит сам результат и метаданные запроса.
type ResultPayload struct {
	SubscriptionID string                 `json:"subscription_id"`
	Result         QueryResult            `json:"result"`
	Request        map[string]interface{} `json:"request"`
	Entity         string                 `json:"entity"`
	Timestamp      time.Time              `json:"timestamp"`
}

// QueryResult — строки и метаданные колонок ответа.
type QueryResult struct {
	Data []map[string]interface{} `json:"data"`
	Meta []map[string]interface{} `json:"meta"`
}

// -----------------------------------------------------------------------------
// Codec
// -----------------------------------------------------------------------------

// Codec декодирует сырые байты одного логического топика. Ошибка декодирования
// затрагивает только одно сообщение и никогда не ломает сам Codec.
type Codec struct {
	Topic        string  // физический топик
	LogicalTopic string  // имя схемы
	Dataset      Dataset // доменный dataset
}

// DecodeError — структурная ошибка валидации payload'а.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Reason, e.Err)
	}
	return "codec: " + e.Reason
}
func (e *DecodeError) Unwrap() error { return e.Err }

// Decode разбирает и валидирует полезную нагрузку.
func (c *Codec) Decode(raw []byte) (*SubscriptionResult, error) {
	var res SubscriptionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	if res.Version != payloadVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported version %d", res.Version)}
	}
	if res.Payload.SubscriptionID == "" {
		return nil, &DecodeError{Reason: "subscription_id is empty"}
	}
	if res.Payload.Timestamp.IsZero() {
		return nil, &DecodeError{Reason: "timestamp is missing"}
	}
	return &res, nil
}

// ResolverFor возвращает Codec, привязанный к схеме данного топика.
func ResolverFor(topic string) (*Codec, error) {
	ds, ok := topicToDataset[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return &Codec{
		Topic:        topic,
		LogicalTopic: datasetToLogicalTopic[ds],
		Dataset:      ds,
	}, nil
}

// Topics перечисляет все известные физические топики (для валидации конфига).
func Topics() []string {
	out := make([]string, 0, len(topicToDataset))
	for t := range topicToDataset {
		out = append(out, t)
	}
	return out
}
