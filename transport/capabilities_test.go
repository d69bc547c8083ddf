package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilities_SupportsCallAndWait(t *testing.T) {
	assert.True(t, Capabilities{SupportsReplyQueues: true}.SupportsCallAndWait())
	assert.False(t, Capabilities{Durable: true, SupportsNack: true}.SupportsCallAndWait())
}

func TestCapabilities_SupportsReliableDelivery(t *testing.T) {
	tests := []struct {
		name     string
		caps     Capabilities
		wantBool bool
	}{
		{
			name:     "nack and prefetch",
			caps:     Capabilities{SupportsNack: true, SupportsPrefetch: true},
			wantBool: true,
		},
		{
			name:     "nack only",
			caps:     Capabilities{SupportsNack: true},
			wantBool: false,
		},
		{
			name:     "prefetch only",
			caps:     Capabilities{SupportsPrefetch: true},
			wantBool: false,
		},
		{
			name:     "neither",
			caps:     Capabilities{},
			wantBool: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantBool, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestPredefinedCapabilities(t *testing.T) {
	t.Run("RabbitMQCapabilities", func(t *testing.T) {
		assert.Equal(t, "rabbitmq", RabbitMQCapabilities.Name)
		assert.True(t, RabbitMQCapabilities.Durable)
		assert.False(t, RabbitMQCapabilities.InProcess)
		assert.True(t, RabbitMQCapabilities.SupportsCallAndWait())
		assert.True(t, RabbitMQCapabilities.SupportsReliableDelivery())
	})

	t.Run("MemoryCapabilities", func(t *testing.T) {
		assert.Equal(t, "memory", MemoryCapabilities.Name)
		assert.False(t, MemoryCapabilities.Durable)
		assert.True(t, MemoryCapabilities.InProcess)
		assert.True(t, MemoryCapabilities.SupportsCallAndWait())
		assert.True(t, MemoryCapabilities.SupportsReliableDelivery())
	})
}

func TestCapabilities_ZeroValue(t *testing.T) {
	var caps Capabilities
	assert.Empty(t, caps.Name)
	assert.False(t, caps.SupportsCallAndWait())
	assert.False(t, caps.SupportsReliableDelivery())
}
