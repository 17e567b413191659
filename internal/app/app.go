// internal/app/app.go
package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/querywatch/subscription-consumer/internal/codec"
	"github.com/querywatch/subscription-consumer/internal/config"
	"github.com/querywatch/subscription-consumer/internal/consumer"
	"github.com/querywatch/subscription-consumer/internal/dedup"
	"github.com/querywatch/subscription-consumer/internal/metrics"
	"github.com/querywatch/subscription-consumer/internal/pipeline"
	"github.com/querywatch/subscription-consumer/internal/processor"
	"github.com/querywatch/subscription-consumer/pkg/httpserver"
	"github.com/querywatch/subscription-consumer/pkg/kafka"
	"github.com/querywatch/subscription-consumer/pkg/logger"
	"github.com/querywatch/subscription-consumer/pkg/telemetry"
)

// Run собирает и запускает консьюмер. handler — внешняя доменная логика;
// nil заменяется заглушкой, которая только логирует получение результата.
func Run(ctx context.Context, cfg *config.Config, handler processor.Handler, log *logger.Logger) error {
	instanceID := uuid.NewString()
	log = log.With(zap.String("instance_id", instanceID))

	// -------------------------------------------------------------------------
	// 1) Prometheus-метрики
	// -------------------------------------------------------------------------
	metrics.Register(nil)

	// -------------------------------------------------------------------------
	// 2) OpenTelemetry
	// -------------------------------------------------------------------------
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Insecure:       cfg.Telemetry.Insecure,
		SamplerRatio:   cfg.Telemetry.SamplerRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	// -------------------------------------------------------------------------
	// 3) Handler seam (+ опциональный dedup-щит)
	// -------------------------------------------------------------------------
	if handler == nil {
		handler = loggingHandler(log)
	}

	var guard *dedup.Guard
	if cfg.Dedup.Enabled {
		guard, err = dedup.New(ctx, cfg.Dedup, log)
		if err != nil {
			return fmt.Errorf("dedup init: %w", err)
		}
		handler = guard.Wrap(handler)
	}

	// -------------------------------------------------------------------------
	// 4) Per-Message Processor (fatal при неизвестном топике)
	// -------------------------------------------------------------------------
	proc, err := processor.New(cfg.Kafka.Topic, handler, log)
	if err != nil {
		return fmt.Errorf("processor init: %w", err)
	}
	log.Info("codec resolved",
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("dataset", proc.Codec().Dataset.String()),
		zap.String("logical_topic", proc.Codec().LogicalTopic),
	)

	// -------------------------------------------------------------------------
	// 5) Pipeline factory (пул воркеров живёт отсюда до teardown)
	// -------------------------------------------------------------------------
	factory, err := pipeline.NewFactory(pipeline.Config{
		MaxBatchSize:   cfg.Consumer.MaxBatchSize,
		MaxBatchTime:   cfg.Consumer.MaxBatchTime,
		CommitInterval: cfg.Consumer.CommitInterval,
		NumWorkers:     cfg.Consumer.NumWorkers,
		MultiProc:      cfg.Consumer.MultiProc,
	}, proc.Process, log)
	if err != nil {
		return fmt.Errorf("pipeline init: %w", err)
	}

	// -------------------------------------------------------------------------
	// 6) Stream Driver
	// -------------------------------------------------------------------------
	driver, err := consumer.New(ctx, consumer.Config{
		Brokers:            cfg.Kafka.Brokers,
		Topic:              cfg.Kafka.Topic,
		GroupID:            cfg.Kafka.GroupID,
		Version:            cfg.Kafka.Version,
		InitialOffsetReset: kafka.OffsetReset(cfg.Kafka.InitialOffsetReset),
		StrictOffsetReset:  cfg.Kafka.StrictOffsetReset,
		Backoff:            cfg.Kafka.Backoff,
	}, factory, log)
	if err != nil {
		return fmt.Errorf("stream driver init: %w", err)
	}

	// -------------------------------------------------------------------------
	// 7) HTTP ops-сервер
	// -------------------------------------------------------------------------
	readiness := func() error {
		if s := driver.State(); s != consumer.StateRunning {
			return fmt.Errorf("driver is %s", s)
		}
		return nil
	}
	httpSrv, err := httpserver.New(httpserver.Config{
		Addr:            fmt.Sprintf(":%d", cfg.HTTP.Port),
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		MetricsPath:     cfg.HTTP.MetricsPath,
		HealthzPath:     cfg.HTTP.HealthzPath,
		ReadyzPath:      cfg.HTTP.ReadyzPath,
	}, readiness, log)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	log.Info("subconsumer: components initialized, entering run-loop")

	// -------------------------------------------------------------------------
	// 8) Concurrent loops
	// -------------------------------------------------------------------------
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(ctx) })
	g.Go(func() error { return driver.Run(ctx) })

	// -------------------------------------------------------------------------
	// 9) Wait & graceful shutdown
	// -------------------------------------------------------------------------
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithContext(ctx).Error("runtime error", zap.Error(err))
	}

	if err := driver.Close(); err != nil {
		log.Error("driver close", zap.Error(err))
	}
	if guard != nil {
		if err := guard.Close(); err != nil {
			log.Error("dedup close", zap.Error(err))
		}
	}

	log.Info("subconsumer shutdown complete")
	return ctx.Err()
}

// loggingHandler — дефолтная заглушка seam'а: фиксирует факт получения
// результата подписки. Реальная доменная логика инжектится этим же типом.
func loggingHandler(log *logger.Logger) processor.Handler {
	hlog := log.Named("handler")
	return func(ctx context.Context, result *codec.SubscriptionResult, offset int64, partition int32, topic string, dataset codec.Dataset, _ *codec.Codec) error {
		hlog.WithContext(ctx).Info("subscription result received",
			zap.String("subscription_id", result.Payload.SubscriptionID),
			zap.String("dataset", dataset.String()),
			zap.String("entity", result.Payload.Entity),
			zap.Int("rows", len(result.Payload.Result.Data)),
			zap.Int64("offset", offset),
			zap.Int32("partition", partition),
		)
		return nil
	}
}
