package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/objectbridge/internal/runtime/bus"
	"github.com/drblury/objectbridge/internal/runtime/bus/memory"
)

func TestTransport_CloseClosesBothSides(t *testing.T) {
	broker := memory.NewBroker()
	publisher, err := bus.NewManager(bus.Options{Dialer: broker.Dial})
	require.NoError(t, err)
	sub := &mockSubscriber{}

	tr := Transport{Publisher: publisher, Subscriber: sub}
	require.NoError(t, tr.Close())

	assert.True(t, sub.closed)
	assert.Equal(t, bus.Disconnected, publisher.State())
}

func TestTransport_CloseJoinsErrors(t *testing.T) {
	sub := &mockSubscriber{err: errors.New("subscriber close failed")}
	err := Transport{Subscriber: sub}.Close()
	assert.EqualError(t, err, "subscriber close failed")
}

func TestTransport_CloseZeroValue(t *testing.T) {
	assert.NoError(t, Transport{}.Close())
}

func TestManagerOptions(t *testing.T) {
	var states []bus.State
	deps := Dependencies{
		OnStateChange: func(state bus.State, delay time.Duration) { states = append(states, state) },
	}

	opts := ManagerOptions(&mockConfig{url: "amqp://bus"}, deps, memory.NewBroker().Dial)

	assert.Equal(t, "amqp://bus", opts.URL)
	assert.NotNil(t, opts.Dialer)
	assert.Equal(t, []string{"object_write_queue", "object_read_queue"}, opts.Queues)
	assert.Equal(t, time.Second, opts.InitialInterval)
	assert.Equal(t, 30*time.Second, opts.MaxInterval)
	assert.InDelta(t, 0.1, opts.Jitter, 1e-9)
	assert.NotNil(t, opts.Logger)
	require.NotNil(t, opts.OnStateChange)
	opts.OnStateChange(bus.Connected, 0)
	assert.Equal(t, []bus.State{bus.Connected}, states)
}
