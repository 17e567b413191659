// internal/pipeline/pool.go

package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/querywatch/subscription-consumer/pkg/logger"
)

// ErrPoolClosed сигнализирует о нарушении контракта: Submit после Shutdown.
var ErrPoolClosed = errors.New("pipeline: pool is closed")

// Task — единица работы для пула.
type Task func() error

// -----------------------------------------------------------------------------
// Future
// -----------------------------------------------------------------------------

// Future представляет завершение одной отправленной задачи. Результат
// передаётся через закрытие канала (ownership transfer, без разделяемой
// памяти между воркером и ожидающим).
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

// Wait блокирует до завершения задачи и возвращает её ошибку.
// Таймаут на задачу не накладывается: зависший handler задержит
// свой batch (известное ограничение ядра).
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// Done возвращает канал завершения для неблокирующей проверки.
func (f *Future) Done() <-chan struct{} { return f.done }

// -----------------------------------------------------------------------------
// Pool
// -----------------------------------------------------------------------------

type poolItem struct {
	task Task
	fut  *Future
}

// Pool — фиксированный набор воркеров, разделяемый всеми batch'ами одного
// инстанса консьюмера. Живёт дольше отдельных присвоений партиций:
// создаётся фабрикой, закрывается на teardown стрим-процессора.
type Pool struct {
	tasks chan poolItem
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	log *logger.Logger
}

// NewPool запускает size долгоживущих воркеров. queue задаёт ёмкость очереди
// задач: Submit обязан возвращаться немедленно, пока в полёте не больше
// полного batch'а, поэтому фабрика передаёт сюда max_batch_size.
func NewPool(size, queue int, log *logger.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pipeline: pool size must be > 0, got %d", size)
	}
	if queue < size*2 {
		queue = size * 2
	}
	p := &Pool{
		tasks: make(chan poolItem, queue),
		log:   log.Named("pool"),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info("worker pool started", zap.Int("size", size))
	return p, nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for item := range p.tasks {
		item.fut.resolve(p.runSafe(item.task, id))
	}
}

// runSafe переводит панику задачи в ошибку: воркер обязан пережить
// любое сообщение.
func (p *Pool) runSafe(task Task, worker int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: task panic: %v", r)
			p.log.Error("panic recovered in worker", zap.Int("worker", worker), zap.Any("panic", r))
		}
	}()
	return task()
}

// Submit ставит задачу в очередь и возвращает handle её завершения.
// После Shutdown возвращает ErrPoolClosed.
func (p *Pool) Submit(task Task) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	fut := newFuture()
	p.tasks <- poolItem{task: task, fut: fut}
	return fut, nil
}

// Shutdown дожидается завершения всех принятых задач и освобождает воркеров.
// Повторный вызов — no-op.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("worker pool drained")
}
