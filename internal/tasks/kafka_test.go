package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestKafkaQueueEnqueue(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var task Task
		if err := json.Unmarshal(val, &task); err != nil {
			return err
		}
		if task.Name != SendPaymentConfirmationEmail {
			return errors.New("unexpected task name " + task.Name)
		}
		return nil
	})
	q := NewKafkaQueue(producer, "nexus_tasks", zaptest.NewLogger(t))

	task, err := NewTask(SendPaymentConfirmationEmail, map[string]string{"tx_ref": "tx-1"})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), task))
	require.NoError(t, q.Close())
}

func TestKafkaQueueEnqueueFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	q := NewKafkaQueue(producer, "nexus_tasks", zaptest.NewLogger(t))

	err := q.Enqueue(context.Background(), Task{Name: "x", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, q.Close())
}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32 { return map[string][]int32{"nexus_tasks": {0}} }
func (s *fakeSession) MemberID() string { return "member-1" }
func (s *fakeSession) GenerationID() int32 { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {}
func (s *fakeSession) Commit() {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}
func (s *fakeSession) Context() context.Context { return s.ctx }

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return "nexus_tasks" }
func (c *fakeClaim) Partition() int32 { return 0 }
func (c *fakeClaim) InitialOffset() int64 { return sarama.OffsetOldest }
func (c *fakeClaim) HighWaterMarkOffset() int64 { return int64(len(c.messages)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// fakeGroup hands one claim to the handler per Consume call, like a group
// with a single member
type fakeGroup struct {
	claim    *fakeClaim
	session  *fakeSession
	consumes int
	errs     chan error
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.consumes++
	g.session = &fakeSession{ctx: ctx}
	if err := handler.Setup(g.session); err != nil {
		return err
	}
	err := handler.ConsumeClaim(g.session, g.claim)
	if cleanupErr := handler.Cleanup(g.session); err == nil {
		err = cleanupErr
	}
	return err
}
func (g *fakeGroup) Errors() <-chan error { return g.errs }
func (g *fakeGroup) Close() error { close(g.errs); return nil }
func (g *fakeGroup) Pause(map[string][]int32) {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll() {}
func (g *fakeGroup) ResumeAll() {}

func TestTaskGroupHandlerMarksHandledMessages(t *testing.T) {
	exec := newTestExecutor(t, 1)
	var ran []string
	exec.Register("ping", func(_ context.Context, task Task) error {
		ran = append(ran, string(task.Payload))
		return nil
	})

	raw, err := json.Marshal(Task{Name: "ping", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 4, Value: []byte("not json")}
	claim.messages <- &sarama.ConsumerMessage{Offset: 5, Value: raw}
	close(claim.messages)

	sess := &fakeSession{ctx: context.Background()}
	h := &taskGroupHandler{consumer: NewKafkaConsumer(nil, "nexus_tasks", exec, zaptest.NewLogger(t))}
	require.NoError(t, h.ConsumeClaim(sess, claim))

	assert.Equal(t, []string{`{"n":1}`}, ran)
	// malformed messages are skipped too, so they are never redelivered
	assert.Equal(t, []int64{4, 5}, sess.marked)
}

func TestTaskGroupHandlerStopsWithSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}
	h := &taskGroupHandler{consumer: NewKafkaConsumer(nil, "nexus_tasks", newTestExecutor(t, 1), zaptest.NewLogger(t))}
	assert.NoError(t, h.ConsumeClaim(&fakeSession{ctx: ctx}, claim))
}

func TestKafkaConsumerRunsTasksThroughGroup(t *testing.T) {
	exec := newTestExecutor(t, 1)
	got := make(chan Task, 1)
	exec.Register("ping", func(_ context.Context, task Task) error {
		got <- task
		return nil
	})

	raw, err := json.Marshal(Task{Name: "ping", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	group := &fakeGroup{
		claim: &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)},
		errs:  make(chan error),
	}
	group.claim.messages <- &sarama.ConsumerMessage{Offset: 0, Value: raw}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- NewKafkaConsumer(group, "nexus_tasks", exec, zaptest.NewLogger(t)).Run(ctx)
	}()

	select {
	case task := <-got:
		assert.Equal(t, "ping", task.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("task was not consumed")
	}

	cancel()
	require.NoError(t, <-runErr)
	require.NoError(t, group.Close())
}
