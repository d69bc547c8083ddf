package memory

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/objectbridge/internal/runtime/bus"
)

func openChannel(t *testing.T, b *Broker) (bus.Connection, bus.Channel) {
	t.Helper()
	conn, err := b.Dial("amqp://memory")
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return conn, ch
}

func publish(t *testing.T, ch bus.Channel, queue, body string) {
	t.Helper()
	require.NoError(t, ch.PublishWithContext(context.Background(), "", queue, false, false, amqp.Publishing{Body: []byte(body)}))
}

func receive(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "deliveries closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return amqp.Delivery{}
	}
}

func assertNoDelivery(t *testing.T, deliveries <-chan amqp.Delivery) {
	t.Helper()
	select {
	case d := <-deliveries:
		t.Fatalf("unexpected delivery %q", d.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishConsumeAck(t *testing.T) {
	b := NewBroker()
	_, ch := openChannel(t, b)

	_, err := ch.QueueDeclare("work", true, false, false, false, nil)
	require.NoError(t, err)
	publish(t, ch, "work", "one")
	publish(t, ch, "work", "two")
	assert.Equal(t, 2, b.Depth("work"))

	deliveries, err := ch.Consume("work", "c1", false, false, false, false, nil)
	require.NoError(t, err)

	first := receive(t, deliveries)
	second := receive(t, deliveries)
	assert.Equal(t, "one", string(first.Body))
	assert.Equal(t, "two", string(second.Body))
	assert.False(t, first.Redelivered)

	require.NoError(t, first.Ack(false))
	require.NoError(t, second.Ack(false))
	assert.Error(t, second.Ack(false), "double ack must fail")
	assert.Equal(t, 0, b.Depth("work"))
}

func TestNackRequeuesAtHeadAsRedelivered(t *testing.T) {
	b := NewBroker()
	_, ch := openChannel(t, b)
	require.NoError(t, ch.Qos(1, 0, false))

	_, err := ch.QueueDeclare("work", true, false, false, false, nil)
	require.NoError(t, err)
	publish(t, ch, "work", "one")
	publish(t, ch, "work", "two")

	deliveries, err := ch.Consume("work", "c1", false, false, false, false, nil)
	require.NoError(t, err)

	first := receive(t, deliveries)
	assertNoDelivery(t, deliveries)

	require.NoError(t, first.Nack(false, true))
	again := receive(t, deliveries)
	assert.Equal(t, "one", string(again.Body))
	assert.True(t, again.Redelivered)

	require.NoError(t, again.Ack(false))
	next := receive(t, deliveries)
	assert.Equal(t, "two", string(next.Body))
}

func TestPrefetchLimitsInflightDeliveries(t *testing.T) {
	b := NewBroker()
	_, ch := openChannel(t, b)
	require.NoError(t, ch.Qos(1, 0, false))
	_, err := ch.QueueDeclare("work", true, false, false, false, nil)
	require.NoError(t, err)

	deliveries, err := ch.Consume("work", "c1", false, false, false, false, nil)
	require.NoError(t, err)
	for _, body := range []string{"a", "b", "c"} {
		publish(t, ch, "work", body)
	}

	d := receive(t, deliveries)
	assertNoDelivery(t, deliveries)
	assert.Equal(t, 2, b.Depth("work"))
	require.NoError(t, d.Ack(false))
	assert.Equal(t, "b", string(receive(t, deliveries).Body))
}

func TestUnroutablePublishIsDropped(t *testing.T) {
	b := NewBroker()
	_, ch := openChannel(t, b)

	publish(t, ch, "response_gone", "late reply")
	assert.Equal(t, 1, b.Dropped())
	assert.False(t, b.QueueExists("response_gone"))
}

func TestExclusiveQueueIsRemovedWithItsConnection(t *testing.T) {
	b := NewBroker()
	conn, ch := openChannel(t, b)
	_, other := openChannel(t, b)

	_, err := ch.QueueDeclare("response_1", false, true, true, false, nil)
	require.NoError(t, err)

	_, err = other.Consume("response_1", "", false, false, false, false, nil)
	assert.Error(t, err, "exclusive queue must be locked to its connection")

	require.NoError(t, conn.Close())
	assert.False(t, b.QueueExists("response_1"))
}

func TestAutoDeleteQueueGoesAwayWithLastConsumer(t *testing.T) {
	b := NewBroker()
	_, ch := openChannel(t, b)

	_, err := ch.QueueDeclare("response_2", false, true, true, false, nil)
	require.NoError(t, err)
	deliveries, err := ch.Consume("response_2", "tag", false, true, false, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Consumers("response_2"))

	require.NoError(t, ch.Cancel("tag", false))
	assert.False(t, b.QueueExists("response_2"))

	_, ok := <-deliveries
	assert.False(t, ok, "deliveries must be closed after cancel")

	n, err := ch.QueueDelete("response_2", false, false, false)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChannelCloseRequeuesUnacked(t *testing.T) {
	b := NewBroker()
	_, producer := openChannel(t, b)
	_, err := producer.QueueDeclare("work", true, false, false, false, nil)
	require.NoError(t, err)
	publish(t, producer, "work", "payload")

	_, ch := openChannel(t, b)
	deliveries, err := ch.Consume("work", "c1", false, false, false, false, nil)
	require.NoError(t, err)
	d := receive(t, deliveries)
	assert.Equal(t, 0, b.Depth("work"))

	require.NoError(t, ch.Close())
	assert.Equal(t, 1, b.Depth("work"))
	assert.ErrorIs(t, d.Ack(false), amqp.ErrClosed)

	_, again := openChannel(t, b)
	redelivered := receive(t, mustConsume(t, again, "work"))
	assert.True(t, redelivered.Redelivered)
}

func mustConsume(t *testing.T, ch bus.Channel, queue string) <-chan amqp.Delivery {
	t.Helper()
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	require.NoError(t, err)
	return deliveries
}

func TestDropConnectionsNotifiesAndCloses(t *testing.T) {
	b := NewBroker()
	conn, ch := openChannel(t, b)
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	b.DropConnections()

	reason := <-connClosed
	require.NotNil(t, reason)
	assert.Equal(t, amqp.ConnectionForced, reason.Code)
	assert.NotNil(t, <-chClosed)
	assert.Equal(t, 0, b.Connections())

	assert.ErrorIs(t, ch.PublishWithContext(context.Background(), "", "x", false, false, amqp.Publishing{}), amqp.ErrClosed)
	_, err := conn.Channel()
	assert.ErrorIs(t, err, amqp.ErrClosed)

	late := conn.NotifyClose(make(chan *amqp.Error, 1))
	_, open := <-late
	assert.False(t, open)
}

func TestDialFaults(t *testing.T) {
	b := NewBroker()
	b.FailNextDials(2)

	_, err := b.Dial("")
	assert.ErrorIs(t, err, ErrDialRefused)
	_, err = b.Dial("")
	assert.ErrorIs(t, err, ErrDialRefused)
	_, err = b.Dial("")
	assert.NoError(t, err)

	b.SetDialError(assert.AnError)
	_, err = b.Dial("")
	assert.ErrorIs(t, err, assert.AnError)
	b.SetDialError(nil)
	_, err = b.Dial("")
	assert.NoError(t, err)
	assert.Equal(t, 5, b.Dials())
}

func TestFailNextPublishesDropsConnection(t *testing.T) {
	b := NewBroker()
	conn, ch := openChannel(t, b)
	_, err := ch.QueueDeclare("work", true, false, false, false, nil)
	require.NoError(t, err)

	b.FailNextPublishes(1)
	err = ch.PublishWithContext(context.Background(), "", "work", false, false, amqp.Publishing{Body: []byte("x")})
	assert.ErrorIs(t, err, amqp.ErrClosed)
	assert.True(t, conn.(*Connection).IsClosed())
	assert.Equal(t, 0, b.Depth("work"))
	assert.True(t, b.QueueExists("work"), "durable queues survive connection loss")
}
