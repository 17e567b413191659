// internal/processor/processor.go

// Package processor оборачивает диспетчеризацию одного сообщения: разбор
// метаданных, декодирование payload'а и вызов внешнего обработчика.
package processor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/querywatch/subscription-consumer/internal/codec"
	"github.com/querywatch/subscription-consumer/internal/metrics"
	"github.com/querywatch/subscription-consumer/pkg/kafka"
	"github.com/querywatch/subscription-consumer/pkg/logger"
)

var tracer = otel.Tracer("per-message-processor")

// Handler — внешняя точка подключения доменной логики (оценка алертов и
// прочее). Ядро не накладывает ограничений на то, что она делает; от неё
// требуется лишь быть вызываемой на каждое сообщение.
type Handler func(
	ctx context.Context,
	result *codec.SubscriptionResult,
	offset int64,
	partition int32,
	topic string,
	dataset codec.Dataset,
	c *codec.Codec,
) error

// Processor обрабатывает сообщения одного топика. Codec разрешается один раз
// на старте; неизвестный топик — фатальная ошибка конструирования, а не
// обработки.
type Processor struct {
	codec   *codec.Codec
	handler Handler
	log     *logger.Logger
}

// New создаёт Processor для указанного топика.
func New(topic string, handler Handler, log *logger.Logger) (*Processor, error) {
	c, err := codec.ResolverFor(topic)
	if err != nil {
		return nil, err
	}
	return &Processor{
		codec:   c,
		handler: handler,
		log:     log.Named("processor"),
	}, nil
}

// Codec отдаёт привязанный кодек.
func (p *Processor) Codec() *codec.Codec { return p.codec }

// Process обрабатывает одно сообщение. ЛЮБОЙ сбой декодирования или
// обработчика (включая панику) логируется с полным контекстом и превращается
// в no-op: сообщение считается потреблённым, его offset пригоден для коммита.
// Одно битое сообщение не имеет права остановить партицию.
func (p *Processor) Process(ctx context.Context, msg *kafka.Message) (err error) {
	ctx, span := tracer.Start(ctx, "ProcessMessage",
		trace.WithAttributes(
			attribute.String("topic", msg.Topic),
			attribute.Int("partition", int(msg.Partition)),
			attribute.Int64("offset", msg.Offset),
			attribute.String("dataset", p.codec.Dataset.String()),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			metrics.SkippedMessages.WithLabelValues("panic").Inc()
			p.log.WithContext(ctx).Error("panic while handling message, skipping",
				zap.Int64("offset", msg.Offset),
				zap.Int32("partition", msg.Partition),
				zap.ByteString("raw", msg.Value),
				zap.Any("panic", r),
			)
			err = nil
		}
	}()

	start := time.Now()
	metrics.ProcessedMessages.Inc()

	result, decErr := p.codec.Decode(msg.Value)
	if decErr != nil {
		metrics.DecodeErrors.Inc()
		metrics.SkippedMessages.WithLabelValues("decode").Inc()
		span.RecordError(decErr)
		p.log.WithContext(ctx).Error("payload failed validation, skipping",
			zap.Int64("offset", msg.Offset),
			zap.Int32("partition", msg.Partition),
			zap.ByteString("raw", msg.Value),
			zap.Error(decErr),
		)
		return nil
	}

	if hErr := p.handler(ctx, result, msg.Offset, msg.Partition, p.codec.Topic, p.codec.Dataset, p.codec); hErr != nil {
		metrics.SkippedMessages.WithLabelValues("handler").Inc()
		span.RecordError(hErr)
		p.log.WithContext(ctx).Error("handler failed, skipping message",
			zap.Int64("offset", msg.Offset),
			zap.Int32("partition", msg.Partition),
			zap.String("subscription_id", result.Payload.SubscriptionID),
			zap.Error(hErr),
		)
		return nil
	}

	metrics.HandleLatency.Observe(time.Since(start).Seconds())
	return nil
}
