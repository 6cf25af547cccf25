package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectDelayDoublesPerAttempt(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, d := range want {
		assert.Equal(t, d, ReconnectDelay(i+1), "attempt %d", i+1)
	}
}

func TestReconnectDelayClampsBelowOne(t *testing.T) {
	assert.Equal(t, time.Second, ReconnectDelay(0))
	assert.Equal(t, time.Second, ReconnectDelay(-3))
}

func TestReconnectAttemptCap(t *testing.T) {
	assert.Equal(t, 5, MaxReconnectAttempts)
}
