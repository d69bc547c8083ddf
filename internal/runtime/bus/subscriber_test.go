package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/objectbridge/internal/runtime/bus"
	"github.com/drblury/objectbridge/internal/runtime/bus/memory"
	"github.com/drblury/objectbridge/internal/runtime/metadata"
)

func newSubscriber(t *testing.T, broker *memory.Broker) *bus.Subscriber {
	t.Helper()
	m, err := bus.NewManager(bus.Options{
		Dialer:          broker.Dial,
		Queues:          []string{"work"},
		Prefetch:        1,
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	})
	require.NoError(t, err)
	sub, err := bus.NewSubscriber(m, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sub.Close()
		_ = m.Close()
	})
	return sub
}

func next(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-messages:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSubscriberAckRemovesMessage(t *testing.T) {
	broker := memory.NewBroker()
	publisher := newManager(t, broker, nil, "work")
	sub := newSubscriber(t, broker)

	messages, err := sub.Subscribe(context.Background(), "work")
	require.NoError(t, err)

	out := message.NewMessage("req-1", []byte(`{"event_type":"get_object"}`))
	out.Metadata.Set(metadata.KeyCorrelationID, "req-1")
	out.Metadata.Set(metadata.KeyReplyTo, "response_req-1")
	require.NoError(t, publisher.Publish("work", out))

	msg := next(t, messages)
	assert.Equal(t, "req-1", msg.UUID)
	assert.Equal(t, "response_req-1", msg.Metadata.Get(metadata.KeyReplyTo))
	assert.Equal(t, 1, broker.Unacked("work"))
	msg.Ack()

	require.Eventually(t, func() bool { return broker.Unacked("work") == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, broker.Depth("work"))
}

func TestSubscriberNackRedelivers(t *testing.T) {
	broker := memory.NewBroker()
	publisher := newManager(t, broker, nil, "work")
	sub := newSubscriber(t, broker)

	messages, err := sub.Subscribe(context.Background(), "work")
	require.NoError(t, err)
	require.NoError(t, publisher.Publish("work", message.NewMessage("req-2", []byte("not json"))))

	first := next(t, messages)
	first.Nack()

	second := next(t, messages)
	assert.Equal(t, "req-2", second.UUID)
	assert.Equal(t, "true", second.Metadata.Get(metadata.KeyRedelivered))
	second.Ack()
}

func TestSubscriberDeliversOneAtATime(t *testing.T) {
	broker := memory.NewBroker()
	publisher := newManager(t, broker, nil, "work")
	sub := newSubscriber(t, broker)

	messages, err := sub.Subscribe(context.Background(), "work")
	require.NoError(t, err)
	require.NoError(t, publisher.Publish("work",
		message.NewMessage("a", []byte("{}")),
		message.NewMessage("b", []byte("{}")),
	))

	first := next(t, messages)
	assert.Equal(t, "a", first.UUID)
	select {
	case msg := <-messages:
		t.Fatalf("received %s before acking a", msg.UUID)
	case <-time.After(50 * time.Millisecond):
	}
	first.Ack()
	assert.Equal(t, "b", next(t, messages).UUID)
}

func TestSubscriberResubscribesAfterConnectionLoss(t *testing.T) {
	broker := memory.NewBroker()
	publisher := newManager(t, broker, nil, "work")
	sub := newSubscriber(t, broker)

	messages, err := sub.Subscribe(context.Background(), "work")
	require.NoError(t, err)
	require.NoError(t, publisher.Publish("work", message.NewMessage("before", []byte("{}"))))
	next(t, messages).Ack()
	require.Eventually(t, func() bool { return broker.Unacked("work") == 0 }, time.Second, time.Millisecond)

	broker.DropConnections()
	require.NoError(t, publisher.Publish("work", message.NewMessage("after", []byte("{}"))))

	msg := next(t, messages)
	assert.Equal(t, "after", msg.UUID)
	msg.Ack()
}

func TestSubscriberCloseEndsSubscription(t *testing.T) {
	broker := memory.NewBroker()
	sub := newSubscriber(t, broker)

	messages, err := sub.Subscribe(context.Background(), "work")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, open := <-messages
	assert.False(t, open)

	_, err = sub.Subscribe(context.Background(), "work")
	assert.Error(t, err)
}
