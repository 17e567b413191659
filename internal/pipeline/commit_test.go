// internal/pipeline/commit_test.go
package pipeline_test

import (
	"testing"
	"time"

	"github.com/querywatch/subscription-consumer/internal/metrics"
	"github.com/querywatch/subscription-consumer/internal/pipeline"
)

func init() { metrics.Register(nil) }

// commitRecorder копит всё, что стадия отправила «брокеру».
type commitRecorder struct {
	rounds []map[int32]int64
}

func (r *commitRecorder) commit(checkpoints map[int32]int64) {
	copied := make(map[int32]int64, len(checkpoints))
	for p, o := range checkpoints {
		copied[p] = o
	}
	r.rounds = append(r.rounds, copied)
}

func (r *commitRecorder) last() map[int32]int64 {
	if len(r.rounds) == 0 {
		return nil
	}
	return r.rounds[len(r.rounds)-1]
}

func TestCommitOffsets_RecordsHighWatermark(t *testing.T) {
	rec := &commitRecorder{}
	c := pipeline.NewCommitOffsets(rec.commit, time.Hour)

	c.Record(0, 10)
	c.Record(0, 12)
	c.Record(0, 11) // поздний, но меньший offset не откатывает watermark
	c.Record(1, 5)
	c.Flush()

	last := rec.last()
	if last[0] != 13 {
		t.Errorf("partition 0 checkpoint = %d, want 13", last[0])
	}
	if last[1] != 6 {
		t.Errorf("partition 1 checkpoint = %d, want 6", last[1])
	}
}

func TestCommitOffsets_IdempotentFlush(t *testing.T) {
	rec := &commitRecorder{}
	c := pipeline.NewCommitOffsets(rec.commit, time.Hour)

	c.Record(0, 3)
	c.Flush()
	c.Flush() // ничего не продвинулось → коммит не отправляется

	if len(rec.rounds) != 1 {
		t.Fatalf("expected 1 commit round, got %d", len(rec.rounds))
	}
}

func TestCommitOffsets_Monotonic(t *testing.T) {
	rec := &commitRecorder{}
	c := pipeline.NewCommitOffsets(rec.commit, time.Hour)

	var prev int64 = -1
	for _, off := range []int64{4, 9, 6, 15, 12} {
		c.Record(2, off)
		c.Flush()
		if last := rec.last(); last != nil {
			if got, ok := last[2]; ok {
				if got < prev {
					t.Fatalf("checkpoint regressed: %d after %d", got, prev)
				}
				prev = got
			}
		}
	}
	if prev != 16 {
		t.Errorf("final checkpoint = %d, want 16", prev)
	}
}

func TestCommitOffsets_PollCadence(t *testing.T) {
	rec := &commitRecorder{}
	c := pipeline.NewCommitOffsets(rec.commit, 30*time.Millisecond)

	c.Record(0, 1)
	c.Poll() // каденс ещё не истёк
	if len(rec.rounds) != 0 {
		t.Fatal("committed before cadence elapsed")
	}

	time.Sleep(40 * time.Millisecond)
	c.Poll()
	if len(rec.rounds) != 1 {
		t.Fatalf("expected 1 commit round after cadence, got %d", len(rec.rounds))
	}
}
