// internal/consumer/driver.go

// Package consumer содержит верхнеуровневый цикл: подписка на топик, опрос
// брокера, прокачка сообщений через пайплайн и обработка ребалансов.
package consumer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/querywatch/subscription-consumer/internal/metrics"
	"github.com/querywatch/subscription-consumer/internal/pipeline"
	"github.com/querywatch/subscription-consumer/pkg/backoff"
	"github.com/querywatch/subscription-consumer/pkg/kafka"
	"github.com/querywatch/subscription-consumer/pkg/logger"
)

var tracer = otel.Tracer("stream-driver")

var driverMetrics = struct {
	ConnectAttempts prometheus.Counter
	ConnectErrors   prometheus.Counter
	SessionErrors   prometheus.Counter
	Rebalances      prometheus.Counter
}{
	ConnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "subconsumer", Subsystem: "driver", Name: "connect_attempts_total",
		Help: "Kafka consumer group connect attempts",
	}),
	ConnectErrors: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "subconsumer", Subsystem: "driver", Name: "connect_errors_total",
		Help: "Kafka consumer connect errors",
	}),
	SessionErrors: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "subconsumer", Subsystem: "driver", Name: "session_errors_total",
		Help: "Errors during consumption sessions",
	}),
	Rebalances: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "subconsumer", Subsystem: "driver", Name: "rebalances_total",
		Help: "Partition assignment rounds observed",
	}),
}

// -----------------------------------------------------------------------------
// State machine
// -----------------------------------------------------------------------------

// State — фаза жизненного цикла стрим-процессора.
type State int32

const (
	StateUnstarted State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// pollInterval — период продвижения тайм-триггеров (flush по времени,
// каденс коммита).
const pollInterval = 100 * time.Millisecond

// Config содержит параметры Stream Driver'а. Параметры кластера приходят
// извне как непрозрачный набор — ядро их не интерпретирует.
type Config struct {
	Brokers            []string
	Topic              string
	GroupID            string
	Version            string // строка версии Kafka, например "2.8.0"
	InitialOffsetReset kafka.OffsetReset
	StrictOffsetReset  bool
	Backoff            backoff.Config
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.InitialOffsetReset == "" {
		c.InitialOffsetReset = kafka.OffsetLatest
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("driver: brokers required")
	}
	if c.Topic == "" {
		return fmt.Errorf("driver: topic required")
	}
	if c.GroupID == "" {
		return fmt.Errorf("driver: group id required")
	}
	if !c.InitialOffsetReset.Valid() {
		return fmt.Errorf("driver: invalid offset reset %q", c.InitialOffsetReset)
	}
	return nil
}

// -----------------------------------------------------------------------------
// StreamProcessor
// -----------------------------------------------------------------------------

// StreamProcessor владеет consumer group'ой и гоняет сессии до отмены
// контекста. Unstarted → Running → ShuttingDown → Stopped.
type StreamProcessor struct {
	group      sarama.ConsumerGroup
	topic      string
	factory    *pipeline.Factory
	log        *logger.Logger
	backoffCfg backoff.Config
	state      atomic.Int32
}

// New подключает consumer group с ретраями. Ошибка аутентификации или
// недостижимость брокера после исчерпания ретраев — фатальна для старта.
func New(ctx context.Context, cfg Config, factory *pipeline.Factory, log *logger.Logger) (*StreamProcessor, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("stream-driver")

	version, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("driver: invalid Version %q: %w", cfg.Version, err)
	}
	sarCfg := sarama.NewConfig()
	sarCfg.Version = version
	sarCfg.Consumer.Return.Errors = true
	// Коммитами распоряжается Offset Committer, не клиент.
	sarCfg.Consumer.Offsets.AutoCommit.Enable = false
	if cfg.InitialOffsetReset == kafka.OffsetEarliest {
		sarCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		sarCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	if cfg.StrictOffsetReset {
		// Sarama не умеет падать на потерянном offset'е — политика принята
		// как recognized option и ослаблена до reset-по-политике.
		log.Warn("strict_offset_reset requested; sarama falls back to lenient reset")
	}

	var group sarama.ConsumerGroup
	connectOp := func(ctx context.Context) error {
		driverMetrics.ConnectAttempts.Inc()
		g, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sarCfg)
		if err != nil {
			driverMetrics.ConnectErrors.Inc()
			return err
		}
		group = g
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers), attribute.String("group", cfg.GroupID)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connectOp); err != nil {
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("driver: connect failed: %w", err)
	}
	span.End()

	log.Info("consumer group connected",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("group", cfg.GroupID),
		zap.String("topic", cfg.Topic),
	)
	return &StreamProcessor{
		group:      group,
		topic:      cfg.Topic,
		factory:    factory,
		log:        log,
		backoffCfg: cfg.Backoff,
	}, nil
}

// State возвращает текущую фазу.
func (p *StreamProcessor) State() State { return State(p.state.Load()) }

// Run крутит сессии, пока контекст жив. Пер-сообщенческие отказы гасятся
// в процессоре; ошибки сессий — транзиентные, ретраятся с паузой
// (reconnect-политика клиента — чёрный ящик для ядра).
func (p *StreamProcessor) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateUnstarted), int32(StateRunning)) {
		return fmt.Errorf("driver: Run called in state %s", p.State())
	}
	defer p.state.Store(int32(StateStopped))

	go p.drainErrors(ctx)

	for ctx.Err() == nil {
		h := &groupHandler{sp: p}
		ctxSess, span := tracer.Start(ctx, "ConsumeSession",
			trace.WithAttributes(attribute.String("topic", p.topic)))
		err := p.group.Consume(ctxSess, []string{p.topic}, h)
		span.End()

		if ctx.Err() != nil {
			break
		}
		if err != nil {
			driverMetrics.SessionErrors.Inc()
			p.log.Error("consume session error", zap.Error(err))

			pause := func(ctx context.Context) error {
				select {
				case <-time.After(100 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if berr := backoff.Execute(ctx, p.backoffCfg, p.log, pause); berr != nil {
				return fmt.Errorf("driver: pause between sessions failed: %w", berr)
			}
		}
	}

	p.state.Store(int32(StateShuttingDown))
	p.log.Info("stream driver shutting down")
	// Кооперативно: in-flight работа дорабатывает, пул дренируется,
	// последняя сессия уже дослала свои batch'и в Cleanup.
	p.factory.Shutdown()
	return ctx.Err()
}

// drainErrors вычитывает канал ошибок группы, чтобы он не подпирал клиент.
func (p *StreamProcessor) drainErrors(ctx context.Context) {
	for {
		select {
		case err, ok := <-p.group.Errors():
			if !ok {
				return
			}
			driverMetrics.SessionErrors.Inc()
			p.log.Error("consumer group error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

// Close закрывает группу. После Close взаимодействий с брокером нет.
func (p *StreamProcessor) Close() error {
	return p.group.Close()
}

// -----------------------------------------------------------------------------
// Session handler
// -----------------------------------------------------------------------------

// groupHandler живёт одну сессию (от присвоения партиций до ревокации).
type groupHandler struct {
	sp       *StreamProcessor
	strategy pipeline.Strategy
	pollStop chan struct{}
	pollDone chan struct{}
}

// Setup — колбэк присвоения: собирает свежую цепочку поверх commit-функции
// этой сессии и запускает poll-тикер.
func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	driverMetrics.Rebalances.Inc()

	claims := sess.Claims()[h.sp.topic]
	metrics.AssignedPartitions.Set(float64(len(claims)))
	h.sp.log.Info("partitions assigned",
		zap.Int32s("partitions", claims),
		zap.String("member_id", sess.MemberID()),
	)

	h.strategy = h.sp.factory.CreateWithPartitions(func(checkpoints map[int32]int64) {
		for partition, next := range checkpoints {
			sess.MarkOffset(h.sp.topic, partition, next, "")
		}
		sess.Commit()
	})

	h.pollStop = make(chan struct{})
	h.pollDone = make(chan struct{})
	go h.pollLoop()
	return nil
}

// Cleanup — колбэк ревокации: дослать in-flight batch'и и закоммититься ДО
// подтверждения ребаланса, иначе offset'ы уедут вместе с партициями.
func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	close(h.pollStop)
	<-h.pollDone

	if err := h.strategy.Close(); err != nil {
		h.sp.log.Error("strategy close failed", zap.Error(err))
	}
	metrics.AssignedPartitions.Set(0)
	h.sp.log.Info("partitions revoked", zap.String("member_id", sess.MemberID()))
	return nil
}

// ConsumeClaim качает одну партицию: сообщения приходят в неубывающем
// порядке offset'ов и в том же порядке попадают в стратегию.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for m := range claim.Messages() {
		msg := &kafka.Message{
			Key:       m.Key,
			Value:     m.Value,
			Topic:     m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Timestamp: m.Timestamp,
		}
		if err := h.strategy.Submit(sess.Context(), msg); err != nil {
			// Submit ошибается только при нарушении контракта пула —
			// это не runtime-условие, сессия завершается.
			return fmt.Errorf("driver: submit: %w", err)
		}
	}
	return nil
}

func (h *groupHandler) pollLoop() {
	defer close(h.pollDone)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.strategy.Poll()
		case <-h.pollStop:
			return
		}
	}
}
