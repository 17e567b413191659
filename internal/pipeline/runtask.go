// internal/pipeline/runtask.go

package pipeline

import (
	"context"

	"github.com/querywatch/subscription-consumer/pkg/kafka"
	"github.com/querywatch/subscription-consumer/pkg/logger"
)

// runTask — синхронная стратегия без батчирования: сообщение обрабатывается
// inline в потоке драйвера и сразу отмечается у комиттера. Дешевле пула,
// когда параллелизм не нужен.
type runTask struct {
	process ProcessFunc
	next    *CommitOffsets
	log     *logger.Logger
}

func newRunTask(process ProcessFunc, next *CommitOffsets, log *logger.Logger) *runTask {
	return &runTask{process: process, next: next, log: log.Named("run-task")}
}

func (s *runTask) Submit(ctx context.Context, msg *kafka.Message) error {
	if err := s.process(ctx, msg); err != nil {
		// Процессор гасит пер-сообщенческие отказы сам; сюда ошибка доходит
		// только при нарушении контракта стратегии.
		return err
	}
	s.next.Record(msg.Partition, msg.Offset)
	return nil
}

func (s *runTask) Poll() { s.next.Poll() }

func (s *runTask) Close() error {
	s.next.Flush()
	s.log.Debug("run-task strategy closed")
	return nil
}

var _ Strategy = (*runTask)(nil)
