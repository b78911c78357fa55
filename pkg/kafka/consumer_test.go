package kafka

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoherencePulse/pkg/logger"
	"CoherencePulse/pkg/resilience/backoff"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type funcHandler struct {
	topic string
	fn    func(context.Context, []byte) error
}

func (h funcHandler) Topic() string { return h.topic }
func (h funcHandler) Handle(ctx context.Context, b []byte) error { return h.fn(ctx, b) }

func testConsumer(t *testing.T, r messageReader, dlq messageWriter) *Consumer {
	t.Helper()
	c, err := NewConsumer(ConsumerConfig{
		Brokers:     []string{"localhost:9092"},
		WorkerCount: 2,
		BufferSize:  8,
		Retry:       backoff.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2, MaxAttempts: 3},
	}, logger.Nop(), nil)
	require.NoError(t, err)
	c.newReader = func(string) messageReader { return r }
	if dlq != nil {
		c.dlq = dlq
	}
	return c
}

func serve(t *testing.T, c *Consumer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
	return cancel
}

func TestConsumer_RetriesThenCommits(t *testing.T) {
	r := newFakeReader(kafka.Message{Topic: "ticks", Partition: 0, Offset: 7, Value: []byte("x")})
	var mu sync.Mutex
	calls := 0
	c := testConsumer(t, r, nil)
	c.RegisterHandler(funcHandler{topic: "ticks", fn: func(context.Context, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return syscall.ECONNRESET
		}
		return nil
	}})
	serve(t, c)

	require.Eventually(t, func() bool { return len(r.commits()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{7}, r.commits())
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestConsumer_PermanentFailureGoesToDLQ(t *testing.T) {
	r := newFakeReader(kafka.Message{Topic: "ticks", Offset: 1, Key: []byte("AAPL"), Value: []byte("{bad")})
	dlq := &fakeWriter{}
	var mu sync.Mutex
	calls := 0
	c := testConsumer(t, r, dlq)
	c.RegisterHandler(funcHandler{topic: "ticks", fn: func(context.Context, []byte) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return backoff.Permanent(errors.New("decode: invalid character"))
	}})
	serve(t, c)

	require.Eventually(t, func() bool { return len(r.commits()) == 1 }, time.Second, 5*time.Millisecond)
	msgs := dlq.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("{bad"), msgs[0].Value)
	assert.Equal(t, "source_topic", msgs[0].Headers[0].Key)
	assert.Equal(t, "ticks", string(msgs[0].Headers[0].Value))
	mu.Lock()
	assert.Equal(t, 1, calls, "permanent errors are not retried")
	mu.Unlock()
}

func TestConsumer_FailureWithoutDLQIsNotCommitted(t *testing.T) {
	r := newFakeReader(kafka.Message{Topic: "ticks", Offset: 3})
	handled := make(chan struct{}, 1)
	c := testConsumer(t, r, nil)
	c.SetHook(HookFuncs{After: func(_ context.Context, _ string, _ kafka.Message, err error) {
		if err != nil {
			handled <- struct{}{}
		}
	}})
	c.RegisterHandler(funcHandler{topic: "ticks", fn: func(context.Context, []byte) error {
		return backoff.Permanent(errors.New("nope"))
	}})
	serve(t, c)

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.commits())
}

func TestConsumer_PartitionOrderIsPreserved(t *testing.T) {
	var msgs []kafka.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, kafka.Message{Topic: "ticks", Partition: i % 2, Offset: int64(i)})
	}
	r := newFakeReader(msgs...)

	var mu sync.Mutex
	seen := map[int][]int64{}
	c := testConsumer(t, r, nil)
	c.SetHook(HookFuncs{Before: func(ctx context.Context, _ string, km kafka.Message) (context.Context, []byte, error) {
		mu.Lock()
		seen[km.Partition] = append(seen[km.Partition], km.Offset)
		mu.Unlock()
		return ctx, km.Value, nil
	}})
	c.RegisterHandler(funcHandler{topic: "ticks", fn: func(context.Context, []byte) error { return nil }})
	serve(t, c)

	require.Eventually(t, func() bool { return len(r.commits()) == 20 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for p, offsets := range seen {
		for i := 1; i < len(offsets); i++ {
			assert.Less(t, offsets[i-1], offsets[i], "partition %d out of order", p)
		}
	}
}

func TestProducer_PublishEncodesJSON(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "none", nil)

	require.NoError(t, p.Publish(context.Background(), "alerts", []byte("AAPL"), map[string]int{"n": 1}))
	require.NoError(t, p.PublishBatch(context.Background(), "alerts", []Message{{Value: "raw"}, {Value: []byte("bytes")}}))

	msgs := w.written()
	require.Len(t, msgs, 3)
	assert.JSONEq(t, `{"n":1}`, string(msgs[0].Value))
	assert.Equal(t, "alerts", msgs[0].Topic)
	assert.Equal(t, "raw", string(msgs[1].Value))
	assert.Equal(t, "bytes", string(msgs[2].Value))
}
