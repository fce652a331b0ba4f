package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   MemoryConfig
	}{
		{"zero values", MemoryConfig{}},
		{"negative values", MemoryConfig{BufferSize: -1, Workers: -1, HTTPTimeout: -1, MaxRetries: -1, MaxRequeues: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.in.withDefaults()
			assert.Equal(t, 10000, cfg.BufferSize)
			assert.Equal(t, 10, cfg.Workers)
			assert.Equal(t, 10*time.Second, cfg.HTTPTimeout)
			assert.Equal(t, defaultMaxRetries, cfg.MaxRetries)
			assert.Equal(t, defaultInitialBackoff, cfg.InitialBackoff)
			assert.Equal(t, defaultMaxBackoff, cfg.MaxBackoff)
			assert.Equal(t, defaultBreakerThreshold, cfg.BreakerThreshold)
			assert.Equal(t, defaultBreakerCooldown, cfg.BreakerCooldown)
			assert.Equal(t, defaultMaxRequeues, cfg.MaxRequeues)
		})
	}
}

func TestMemoryConfig_WithDefaults_PreservesValidValues(t *testing.T) {
	t.Parallel()
	cfg := MemoryConfig{
		BufferSize:      500,
		Workers:         5,
		HTTPTimeout:     20 * time.Second,
		BreakerCooldown: time.Second,
	}.withDefaults()

	assert.Equal(t, 500, cfg.BufferSize)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 20*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, time.Second, cfg.BreakerCooldown)
}
