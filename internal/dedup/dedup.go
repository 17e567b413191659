// internal/dedup/dedup.go

// Package dedup — опциональный idempotency-щит поверх внешнего обработчика.
// At-least-once доставка означает, что после краха или ребаланса до одного
// commit-интервала уже обработанных сообщений будет перечитано; щит гасит
// повторы по ключу (dataset, subscription_id, timestamp) через Redis SETNX.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/querywatch/subscription-consumer/internal/codec"
	"github.com/querywatch/subscription-consumer/internal/metrics"
	"github.com/querywatch/subscription-consumer/internal/processor"
	"github.com/querywatch/subscription-consumer/pkg/backoff"
	"github.com/querywatch/subscription-consumer/pkg/logger"
)

var tracer = otel.Tracer("dedup-guard")

// Config хранит параметры подключения.
type Config struct {
	Enabled bool           `mapstructure:"enabled"`
	URL     string         `mapstructure:"url"` // e.g. "redis://host:6379/0"
	TTL     time.Duration  `mapstructure:"ttl"`
	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("dedup: URL required")
	}
	return nil
}

// Guard подавляет повторные доставки. Недоступность Redis не блокирует
// пайплайн: при ошибке проверки сообщение пропускается к обработчику
// (доступность важнее строгой дедупликации).
type Guard struct {
	client *redis.Client
	// setNX — единственная операция, нужная щиту; выделена, чтобы Wrap
	// тестировался без живого Redis.
	setNX func(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ttl   time.Duration
	log   *logger.Logger
}

// New подключается к Redis с retry и проверяет соединение.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Guard, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("dedup")

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dedup: parse URL: %w", err)
	}
	client := redis.NewClient(opts)

	op := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.String("url", cfg.URL)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, op); err != nil {
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("dedup: connect: %w", err)
	}
	span.End()
	log.Info("dedup: connected", zap.String("url", cfg.URL))

	return &Guard{
		client: client,
		setNX: func(ctx context.Context, key string, ttl time.Duration) (bool, error) {
			return client.SetNX(ctx, key, 1, ttl).Result()
		},
		ttl: cfg.TTL,
		log: log,
	}, nil
}

// Wrap оборачивает обработчик проверкой на повтор.
func (g *Guard) Wrap(next processor.Handler) processor.Handler {
	return func(ctx context.Context, result *codec.SubscriptionResult, offset int64, partition int32, topic string, dataset codec.Dataset, c *codec.Codec) error {
		key := fmt.Sprintf("subresult:%s:%s:%d",
			dataset, result.Payload.SubscriptionID, result.Payload.Timestamp.UnixNano())

		fresh, err := g.setNX(ctx, key, g.ttl)
		if err != nil {
			g.log.WithContext(ctx).Warn("dedup check failed, handling anyway",
				zap.String("key", key), zap.Error(err))
			return next(ctx, result, offset, partition, topic, dataset, c)
		}
		if !fresh {
			metrics.DedupHits.Inc()
			g.log.WithContext(ctx).Debug("duplicate delivery suppressed",
				zap.String("subscription_id", result.Payload.SubscriptionID),
				zap.Int64("offset", offset),
				zap.Int32("partition", partition),
			)
			return nil
		}
		return next(ctx, result, offset, partition, topic, dataset, c)
	}
}

// Close закрывает клиент.
func (g *Guard) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
