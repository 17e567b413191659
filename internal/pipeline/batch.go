// internal/pipeline/batch.go

package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/querywatch/subscription-consumer/internal/metrics"
	"github.com/querywatch/subscription-consumer/pkg/kafka"
	"github.com/querywatch/subscription-consumer/pkg/logger"
)

// batchItem — in-flight диспетчеризация одного сообщения.
type batchItem struct {
	fut       *Future
	partition int32
	offset    int64
}

// runTaskInPool — стратегия с пулом: Submit отправляет сообщение воркеру и
// возвращается немедленно, накопленные handle'ы сбрасываются по достижении
// max_batch_size либо max_batch_time с первого элемента — что наступит раньше.
// Flush дожидается handle'ов в порядке отправки, сохраняя порядок offset'ов
// внутри партиции на пути к комиттеру.
type runTaskInPool struct {
	process ProcessFunc
	pool    *Pool
	next    *CommitOffsets

	maxSize int
	maxTime time.Duration

	// batch и first защищены mu: Submit зовётся из claim-горутин,
	// Poll — из тикера сессии. Flush под mu может блокироваться на
	// Wait() незавершённых задач.
	mu    sync.Mutex
	batch []batchItem
	first time.Time

	log *logger.Logger
}

func newRunTaskInPool(process ProcessFunc, pool *Pool, next *CommitOffsets, maxSize int, maxTime time.Duration, log *logger.Logger) *runTaskInPool {
	return &runTaskInPool{
		process: process,
		pool:    pool,
		next:    next,
		maxSize: maxSize,
		maxTime: maxTime,
		batch:   make([]batchItem, 0, maxSize),
		log:     log.Named("run-task-pool"),
	}
}

func (s *runTaskInPool) Submit(ctx context.Context, msg *kafka.Message) error {
	m := msg
	fut, err := s.pool.Submit(func() error { return s.process(ctx, m) })
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batch) == 0 {
		s.first = time.Now()
	}
	s.batch = append(s.batch, batchItem{fut: fut, partition: msg.Partition, offset: msg.Offset})
	if len(s.batch) >= s.maxSize {
		s.flushLocked("size")
	}
	return nil
}

func (s *runTaskInPool) Poll() {
	s.mu.Lock()
	if len(s.batch) > 0 && time.Since(s.first) >= s.maxTime {
		s.flushLocked("time")
	}
	s.mu.Unlock()

	s.next.Poll()
}

// Close сбрасывает неполный batch и финально коммитит: буферизованная работа
// не пропадает ни при ребалансе, ни при останове.
func (s *runTaskInPool) Close() error {
	s.mu.Lock()
	if len(s.batch) > 0 {
		s.flushLocked("close")
	}
	s.mu.Unlock()

	s.next.Flush()
	s.log.Debug("pool strategy closed")
	return nil
}

// flushLocked дожидается каждого handle в порядке отправки и отдаёт offset'ы
// комиттеру. Ошибка задачи — изолированный отказ: сообщение считается
// обработанным, offset остаётся пригодным для коммита.
func (s *runTaskInPool) flushLocked(trigger string) {
	for _, item := range s.batch {
		if err := item.fut.Wait(); err != nil {
			s.log.Error("dispatch failed, offset still committed",
				zap.Int32("partition", item.partition),
				zap.Int64("offset", item.offset),
				zap.Error(err),
			)
		}
		s.next.Record(item.partition, item.offset)
	}

	metrics.BatchFlushes.WithLabelValues(trigger).Inc()
	metrics.BatchSize.Observe(float64(len(s.batch)))

	s.batch = s.batch[:0]
	s.first = time.Time{}
}

var _ Strategy = (*runTaskInPool)(nil)
