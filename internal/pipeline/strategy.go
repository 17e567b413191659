// internal/pipeline/strategy.go

// Package pipeline собирает цепочку обработки сообщений: диспетчеризация
// (inline либо через пул воркеров) → батчирование → коммит offset'ов.
// Конкретная стратегия выполнения выбирается конфигурацией при конструировании,
// а не захардкожена в драйвере.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/querywatch/subscription-consumer/pkg/kafka"
	"github.com/querywatch/subscription-consumer/pkg/logger"
)

// ProcessFunc обрабатывает одно сообщение. Ошибки пер-сообщенческого уровня
// гасятся внутри процессора; ненулевая ошибка здесь означает отказ самой
// стратегии (например, закрытый пул).
type ProcessFunc func(ctx context.Context, msg *kafka.Message) error

// Strategy — одна стадия-цепочка, созданная на время присвоения партиций.
//
//	Submit — принять следующее сообщение (внутри партиции offset'ы приходят
//	         в неубывающем порядке);
//	Poll   — продвинуть тайм-базированные триггеры (flush по max_batch_time,
//	         каденс коммита);
//	Close  — дослать неполный batch и финально закоммититься. Вызывается до
//	         подтверждения ребаланса и при останове.
type Strategy interface {
	Submit(ctx context.Context, msg *kafka.Message) error
	Poll()
	Close() error
}

// -----------------------------------------------------------------------------
// Factory
// -----------------------------------------------------------------------------

// Config — параметры сборки пайплайна.
type Config struct {
	MaxBatchSize   int
	MaxBatchTime   time.Duration
	CommitInterval time.Duration
	NumWorkers     int
	MultiProc      bool
}

func (c *Config) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.MaxBatchTime <= 0 {
		c.MaxBatchTime = time.Second
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = DefaultCommitInterval
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 4
	}
}

// Factory строит Strategy на каждое присвоение партиций. Пул воркеров
// принадлежит фабрике и переживает ребалансы; закрывается один раз на
// teardown стрим-процессора.
type Factory struct {
	cfg     Config
	process ProcessFunc
	pool    *Pool
	log     *logger.Logger

	shutdownOnce sync.Once
}

// NewFactory создаёт фабрику и (в multi-proc режиме) пул. Невозможность
// выделить пул — фатальная ошибка старта.
func NewFactory(cfg Config, process ProcessFunc, log *logger.Logger) (*Factory, error) {
	cfg.applyDefaults()
	f := &Factory{cfg: cfg, process: process, log: log.Named("pipeline")}

	if cfg.MultiProc {
		// Очередь вмещает полный batch: size-триггер достижим и при
		// медленных handler'ах, claim-горутина не стопорится на Submit.
		pool, err := NewPool(cfg.NumWorkers, cfg.MaxBatchSize, f.log)
		if err != nil {
			return nil, fmt.Errorf("pipeline: allocate pool: %w", err)
		}
		f.pool = pool
	}
	return f, nil
}

// CreateWithPartitions собирает свежую цепочку поверх commit-функции текущей
// сессии. В single-proc режиме пул обходится: диспетчеризация выполняется
// синхронно в потоке драйвера.
func (f *Factory) CreateWithPartitions(commit CommitFunc) Strategy {
	committer := NewCommitOffsets(commit, f.cfg.CommitInterval)
	if !f.cfg.MultiProc {
		return newRunTask(f.process, committer, f.log)
	}
	return newRunTaskInPool(f.process, f.pool, committer, f.cfg.MaxBatchSize, f.cfg.MaxBatchTime, f.log)
}

// Shutdown освобождает пул. Ровно один раз.
func (f *Factory) Shutdown() {
	f.shutdownOnce.Do(func() {
		if f.pool != nil {
			f.pool.Shutdown()
		}
	})
}
