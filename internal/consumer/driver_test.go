// internal/consumer/driver_test.go
package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/querywatch/subscription-consumer/internal/metrics"
	"github.com/querywatch/subscription-consumer/internal/pipeline"
	"github.com/querywatch/subscription-consumer/pkg/kafka"
	"github.com/querywatch/subscription-consumer/pkg/logger"
)

func init() { metrics.Register(nil) }

const testTopic = "events-subscription-results"

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", DevMode: true})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeSession struct {
	mu        sync.Mutex
	marked    map[int32]int64
	commits   int
	committed []map[int32]int64
	ctx       context.Context
}

func newFakeSession() *fakeSession {
	return &fakeSession{marked: make(map[int32]int64), ctx: context.Background()}
}

func (s *fakeSession) Claims() map[string][]int32 { return map[string][]int32{testTopic: {0, 1}} }
func (s *fakeSession) MemberID() string           { return "member-1" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(_ string, partition int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[partition] = offset
}
func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	snap := make(map[int32]int64, len(s.marked))
	for p, o := range s.marked {
		snap[p] = o
	}
	s.committed = append(s.committed, snap)
}
func (s *fakeSession) ResetOffset(string, int32, int64, string)    {}
func (s *fakeSession) MarkMessage(*sarama.ConsumerMessage, string) {}
func (s *fakeSession) Context() context.Context                    { return s.ctx }

var _ sarama.ConsumerGroupSession = (*fakeSession)(nil)

type fakeClaim struct {
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return testTopic }
func (c *fakeClaim) Partition() int32                         { return c.partition }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

var _ sarama.ConsumerGroupClaim = (*fakeClaim)(nil)

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func newTestHandler(t *testing.T) (*groupHandler, *pipeline.Factory) {
	t.Helper()
	f, err := pipeline.NewFactory(pipeline.Config{
		MaxBatchSize:   1000,
		MaxBatchTime:   time.Hour,
		CommitInterval: time.Hour,
		MultiProc:      false,
	}, func(context.Context, *kafka.Message) error { return nil }, testLogger(t))
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	t.Cleanup(f.Shutdown)

	sp := &StreamProcessor{topic: testTopic, factory: f, log: testLogger(t)}
	return &groupHandler{sp: sp}, f
}

func TestGroupHandler_CleanupFlushesBeforeRebalanceAck(t *testing.T) {
	h, _ := newTestHandler(t)
	sess := newFakeSession()

	if err := h.Setup(sess); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	claim := &fakeClaim{partition: 0, messages: make(chan *sarama.ConsumerMessage, 8)}
	for i := int64(0); i < 5; i++ {
		claim.messages <- &sarama.ConsumerMessage{
			Topic: testTopic, Partition: 0, Offset: i, Value: []byte("{}"),
		}
	}
	close(claim.messages)

	if err := h.ConsumeClaim(sess, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}

	// Каденс коммита не истёк — брокер ещё ничего не видел.
	if sess.commits != 0 {
		t.Fatalf("committed before cadence/revoke: %d", sess.commits)
	}

	// Ревокация обязана дослать checkpoint'ы до подтверждения ребаланса.
	if err := h.Cleanup(sess); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if sess.commits == 0 {
		t.Fatal("no commit on revoke")
	}
	if got := sess.marked[0]; got != 5 {
		t.Errorf("checkpoint = %d, want 5", got)
	}
}

func TestGroupHandler_MultiplePartitions(t *testing.T) {
	h, _ := newTestHandler(t)
	sess := newFakeSession()
	if err := h.Setup(sess); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	var wg sync.WaitGroup
	for _, p := range []int32{0, 1} {
		claim := &fakeClaim{partition: p, messages: make(chan *sarama.ConsumerMessage, 8)}
		for i := int64(0); i < 3; i++ {
			claim.messages <- &sarama.ConsumerMessage{
				Topic: testTopic, Partition: p, Offset: i, Value: []byte("{}"),
			}
		}
		close(claim.messages)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.ConsumeClaim(sess, claim); err != nil {
				t.Errorf("ConsumeClaim: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := h.Cleanup(sess); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if sess.marked[0] != 3 || sess.marked[1] != 3 {
		t.Errorf("checkpoints = %v, want 3 for both partitions", sess.marked)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateUnstarted:    "unstarted",
		StateRunning:      "running",
		StateShuttingDown: "shutting-down",
		StateStopped:      "stopped",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Brokers: []string{"kafka:9092"},
		Topic:   testTopic,
		GroupID: "g",
	}
	valid.applyDefaults()
	if err := valid.validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	for name, mutate := range map[string]func(*Config){
		"no brokers": func(c *Config) { c.Brokers = nil },
		"no topic":   func(c *Config) { c.Topic = "" },
		"no group":   func(c *Config) { c.GroupID = "" },
		"bad reset":  func(c *Config) { c.InitialOffsetReset = "sideways" },
	} {
		c := valid
		mutate(&c)
		if err := c.validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
