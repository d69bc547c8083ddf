package rpc_test

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/objectbridge/internal/runtime/bus"
	"github.com/drblury/objectbridge/internal/runtime/bus/memory"
	"github.com/drblury/objectbridge/internal/runtime/envelope"
	"github.com/drblury/objectbridge/internal/runtime/errors"
	"github.com/drblury/objectbridge/internal/runtime/jsoncodec"
	"github.com/drblury/objectbridge/internal/runtime/rpc"
)

const (
	writeQueue = "object_write_queue"
	readQueue  = "object_read_queue"
)

func newManager(t *testing.T, broker *memory.Broker) *bus.Manager {
	t.Helper()
	m, err := bus.NewManager(bus.Options{
		Dialer:          broker.Dial,
		Queues:          []string{writeQueue, readQueue},
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newCorrelator(t *testing.T, broker *memory.Broker) *rpc.Correlator {
	t.Helper()
	c, err := rpc.NewCorrelator(newManager(t, broker), rpc.Options{
		WriteQueue: writeQueue,
		ReadQueue:  readQueue,
	})
	require.NoError(t, err)
	return c
}

// replier handles one request; it answers by calling publish. The request is
// acked once the replier returns. The worker consumes again after losing its
// connection.
type replier func(req envelope.Request, d amqp.Delivery, publish func(*envelope.Response, string))

func startWorker(t *testing.T, broker *memory.Broker, queue string, reply replier) {
	t.Helper()
	m := newManager(t, broker)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	consumer, err := m.Consume(ctx, queue, "test-worker")
	require.NoError(t, err)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-consumer.Deliveries:
				if !ok {
					next, err := m.Consume(ctx, queue, "test-worker")
					if err != nil {
						return
					}
					consumer = next
					continue
				}
				req, err := envelope.UnmarshalRequest(d.Body)
				if err != nil {
					_ = d.Nack(false, false)
					continue
				}
				publish := func(resp *envelope.Response, correlationID string) {
					msg, err := envelope.NewResponseMessage(resp, correlationID)
					if err != nil {
						return
					}
					_ = m.PublishContext(ctx, d.ReplyTo, msg)
				}
				reply(req, d, publish)
				_ = d.Ack(false)
			}
		}
	}()
}

func listResult(total int) *envelope.Response {
	resp, _ := envelope.NewJSONResponse(map[string]any{
		"total":   total,
		"objects": []map[string]any{{"name": "a.json", "size": 2}},
	})
	return resp
}

func assertNoReplyQueues(t *testing.T, broker *memory.Broker) {
	t.Helper()
	assert.ElementsMatch(t, []string{readQueue, writeQueue}, broker.QueueNames())
}

func TestCallAndWaitRoundTrip(t *testing.T) {
	broker := memory.NewBroker()
	c := newCorrelator(t, broker)

	startWorker(t, broker, readQueue, func(req envelope.Request, d amqp.Delivery, publish func(*envelope.Response, string)) {
		assert.Equal(t, envelope.EventListObjects, req.EventType)
		assert.Equal(t, req.RequestID, d.CorrelationId)
		assert.Equal(t, rpc.DefaultReplyQueuePrefix+req.RequestID, d.ReplyTo)
		assert.Equal(t, amqp.Persistent, d.DeliveryMode)
		publish(listResult(5), d.CorrelationId)
	})

	start := time.Now()
	resp, err := c.CallAndWait(context.Background(), readQueue, envelope.EventListObjects,
		envelope.Payload{"type": "json", "page": 1, "page_size": 10}, 10*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, envelope.TypeJSON, resp.Type)
	assert.JSONEq(t, `{"total":5,"objects":[{"name":"a.json","size":2}]}`, string(resp.Data))

	assert.Zero(t, c.Pending())
	assertNoReplyQueues(t, broker)
}

func TestReadUsesReadQueue(t *testing.T) {
	broker := memory.NewBroker()
	c := newCorrelator(t, broker)

	startWorker(t, broker, readQueue, func(req envelope.Request, d amqp.Delivery, publish func(*envelope.Response, string)) {
		publish(envelope.NewErrorResponse("Object not found"), d.CorrelationId)
	})

	resp, err := c.Read(context.Background(), envelope.EventGetObject, envelope.Payload{"object_id": "missing"})
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	assert.Equal(t, "Object not found", resp.Error)
}

func TestCallAndWaitTimesOut(t *testing.T) {
	broker := memory.NewBroker()
	c := newCorrelator(t, broker)
	timeout := 200 * time.Millisecond

	start := time.Now()
	_, err := c.CallAndWait(context.Background(), readQueue, envelope.EventListObjects, envelope.Payload{"type": "json"}, timeout)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, stderrors.Is(err, rpc.ErrTimeout))
	var timeoutErr *rpc.TimeoutError
	require.True(t, stderrors.As(err, &timeoutErr))
	assert.Equal(t, envelope.EventListObjects, timeoutErr.EventType)
	assert.Equal(t, timeout, timeoutErr.Timeout)

	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)

	assert.Zero(t, c.Pending())
	assertNoReplyQueues(t, broker)
	assert.Equal(t, 1, broker.Depth(readQueue), "the request stays queued for a worker")
}

func TestLateReplyIsDroppedAfterTimeout(t *testing.T) {
	broker := memory.NewBroker()
	c := newCorrelator(t, broker)

	release := make(chan struct{})
	startWorker(t, broker, readQueue, func(req envelope.Request, d amqp.Delivery, publish func(*envelope.Response, string)) {
		<-release
		publish(listResult(1), d.CorrelationId)
	})

	_, err := c.CallAndWait(context.Background(), readQueue, envelope.EventListObjects, nil, 50*time.Millisecond)
	require.ErrorIs(t, err, rpc.ErrTimeout)
	close(release)

	require.Eventually(t, func() bool { return broker.Dropped() == 1 }, time.Second, time.Millisecond)
	assertNoReplyQueues(t, broker)
}

func TestConcurrentCallsReceiveTheirOwnReplies(t *testing.T) {
	broker := memory.NewBroker()
	c := newCorrelator(t, broker)
	const n = 8

	var mu sync.Mutex
	var held []func()
	startWorker(t, broker, readQueue, func(req envelope.Request, d amqp.Delivery, publish func(*envelope.Response, string)) {
		correlationID := d.CorrelationId
		var params struct {
			Index int `json:"index"`
		}
		_ = req.Payload.Decode(&params)
		resp, _ := envelope.NewJSONResponse(map[string]int{"index": params.Index})

		mu.Lock()
		held = append(held, func() { publish(resp, correlationID) })
		var replies []func()
		if len(held) == n {
			replies = held
		}
		mu.Unlock()

		for i := len(replies) - 1; i >= 0; i-- {
			replies[i]()
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := c.CallAndWait(context.Background(), readQueue, envelope.EventGetObject, envelope.Payload{"index": i}, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			var got struct {
				Index int `json:"index"`
			}
			assert.NoError(t, resp.DecodeData(&got))
			assert.Equal(t, i, got.Index, "call %d received a foreign reply", i)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, c.Pending())
	assertNoReplyQueues(t, broker)
}

func TestRepliesWithForeignCorrelationIDAreDiscarded(t *testing.T) {
	broker := memory.NewBroker()
	c := newCorrelator(t, broker)

	startWorker(t, broker, readQueue, func(req envelope.Request, d amqp.Delivery, publish func(*envelope.Response, string)) {
		publish(envelope.NewErrorResponse("stale"), "some-other-call")
		publish(listResult(3), d.CorrelationId)
	})

	resp, err := c.CallAndWait(context.Background(), readQueue, envelope.EventListObjects, nil, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, resp.IsError())
	var data struct {
		Total int `json:"total"`
	}
	require.NoError(t, resp.DecodeData(&data))
	assert.Equal(t, 3, data.Total)
}

func TestMalformedReplyIsReported(t *testing.T) {
	broker := memory.NewBroker()
	c := newCorrelator(t, broker)
	m := newManager(t, broker)

	startWorker(t, broker, readQueue, func(req envelope.Request, d amqp.Delivery, _ func(*envelope.Response, string)) {
		msg, _ := envelope.NewResponseMessage(nil, d.CorrelationId)
		msg.Payload = []byte("definitely not json")
		_ = m.PublishContext(context.Background(), d.ReplyTo, msg)
	})

	_, err := c.CallAndWait(context.Background(), readQueue, envelope.EventGetObject, nil, 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMalformedEnvelope)
	assertNoReplyQueues(t, broker)
}

func TestCallAndWaitHonoursCancellation(t *testing.T) {
	broker := memory.NewBroker()
	c := newCorrelator(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := c.CallAndWait(ctx, readQueue, envelope.EventGetObject, nil, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, stderrors.Is(err, rpc.ErrTimeout))
	assertNoReplyQueues(t, broker)
}

func TestCallNoWaitPublishesWithoutReplyQueue(t *testing.T) {
	broker := memory.NewBroker()
	c := newCorrelator(t, broker)

	id, err := c.Write(context.Background(), envelope.EventCreateObject, envelope.Payload{"data": "hello"})
	require.NoError(t, err)
	assert.Len(t, id, 26)

	assert.Equal(t, 1, broker.Depth(writeQueue))
	assertNoReplyQueues(t, broker)

	m := newManager(t, broker)
	consumer, err := m.Consume(context.Background(), writeQueue, "inspect")
	require.NoError(t, err)
	d := <-consumer.Deliveries
	assert.Empty(t, d.ReplyTo)
	assert.Equal(t, id, d.CorrelationId)

	var req envelope.Request
	require.NoError(t, jsoncodec.Unmarshal(d.Body, &req))
	assert.Equal(t, envelope.EventCreateObject, req.EventType)
	assert.Equal(t, id, req.RequestID)
	assert.Equal(t, "hello", req.Payload["data"])
}

func TestCallRequiresEventType(t *testing.T) {
	c := newCorrelator(t, memory.NewBroker())
	_, err := c.CallAndWait(context.Background(), readQueue, "", nil, time.Second)
	assert.ErrorIs(t, err, errors.ErrEventTypeRequired)
	_, err = c.CallNoWait(context.Background(), writeQueue, "", nil)
	assert.ErrorIs(t, err, errors.ErrEventTypeRequired)
}

func TestCallAndWaitSurvivesPublishFailure(t *testing.T) {
	broker := memory.NewBroker()
	c := newCorrelator(t, broker)

	startWorker(t, broker, readQueue, func(req envelope.Request, d amqp.Delivery, publish func(*envelope.Response, string)) {
		publish(listResult(1), d.CorrelationId)
	})

	_, err := c.CallAndWait(context.Background(), readQueue, envelope.EventListObjects, nil, time.Second)
	require.NoError(t, err)

	broker.FailNextPublishes(1)
	start := time.Now()
	resp, err := c.CallAndWait(context.Background(), readQueue, envelope.EventListObjects, nil, time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.JSONEq(t, `{"total":1,"objects":[{"name":"a.json","size":2}]}`, string(resp.Data))

	assert.Zero(t, broker.Dropped())
	assert.Zero(t, c.Pending())
	assertNoReplyQueues(t, broker)
}

func TestCallAndWaitResendsWhenReplyQueueIsLost(t *testing.T) {
	broker := memory.NewBroker()
	c := newCorrelator(t, broker)

	var dropped atomic.Bool
	startWorker(t, broker, readQueue, func(req envelope.Request, d amqp.Delivery, publish func(*envelope.Response, string)) {
		if dropped.CompareAndSwap(false, true) {
			broker.DropConnections()
			return
		}
		publish(listResult(2), d.CorrelationId)
	})

	resp, err := c.CallAndWait(context.Background(), readQueue, envelope.EventListObjects, nil, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, dropped.Load())
	assert.JSONEq(t, `{"total":2,"objects":[{"name":"a.json","size":2}]}`, string(resp.Data))
	assert.Zero(t, c.Pending())

	for _, name := range broker.QueueNames() {
		assert.NotContains(t, name, rpc.DefaultReplyQueuePrefix)
	}
}
