// internal/pipeline/commit.go

package pipeline

import (
	"sync"
	"time"

	"github.com/querywatch/subscription-consumer/internal/metrics"
)

// DefaultCommitInterval — коммит раз в секунду wall-clock, независимо от
// объёма сообщений.
const DefaultCommitInterval = time.Second

// CommitFunc доставляет checkpoint'ы брокеру: partition → следующий offset
// для возобновления чтения.
type CommitFunc func(checkpoints map[int32]int64)

// CommitOffsets — терминальная стадия пайплайна. Копит наивысший безопасно
// обработанный offset по каждой партиции и отправляет checkpoint'ы по
// фиксированному интервалу, а не на каждое сообщение. Цена: после краха до
// одного интервала уже обработанных сообщений может быть перечитано
// (at-least-once).
type CommitOffsets struct {
	commit   CommitFunc
	interval time.Duration

	mu         sync.Mutex
	watermarks map[int32]int64 // следующий offset по партиции
	committed  map[int32]int64 // последний отправленный checkpoint
	lastCommit time.Time
}

// NewCommitOffsets создаёт стадию с заданной периодичностью коммита.
func NewCommitOffsets(commit CommitFunc, interval time.Duration) *CommitOffsets {
	if interval <= 0 {
		interval = DefaultCommitInterval
	}
	return &CommitOffsets{
		commit:     commit,
		interval:   interval,
		watermarks: make(map[int32]int64),
		committed:  make(map[int32]int64),
		lastCommit: time.Now(),
	}
}

// Record отмечает offset как обработанный (успешно либо через изолированный
// отказ). Watermark партиции никогда не откатывается назад.
func (c *CommitOffsets) Record(partition int32, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := offset + 1
	if cur, ok := c.watermarks[partition]; !ok || next > cur {
		c.watermarks[partition] = next
	}
}

// Poll проверяет каденс и при необходимости коммитит.
func (c *CommitOffsets) Poll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.lastCommit) < c.interval {
		return
	}
	c.flushLocked()
}

// Flush отправляет все накопленные checkpoint'ы немедленно. Используется при
// закрытии стратегии и при ревокации партиций.
func (c *CommitOffsets) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// flushLocked коммитит только продвинувшиеся checkpoint'ы: повторный коммит
// того же значения — no-op, регрессия невозможна.
func (c *CommitOffsets) flushLocked() {
	c.lastCommit = time.Now()

	pending := make(map[int32]int64)
	for p, next := range c.watermarks {
		if done, ok := c.committed[p]; !ok || next > done {
			pending[p] = next
		}
	}
	if len(pending) == 0 {
		return
	}

	c.commit(pending)
	for p, next := range pending {
		c.committed[p] = next
	}
	metrics.Commits.Inc()
	metrics.CommittedOffsets.Add(float64(len(pending)))
}
