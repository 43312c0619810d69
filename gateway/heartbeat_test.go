package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryIntervalNeverExceedsCadence(t *testing.T) {
	cadence := 30 * time.Minute

	assert.Equal(t, cadence, retryInterval(cadence, 0), "healthy job waits the cadence")
	assert.Equal(t, 30*time.Second, retryInterval(cadence, 1))
	assert.Equal(t, 1*time.Minute, retryInterval(cadence, 2))
	assert.Equal(t, 2*time.Minute, retryInterval(cadence, 3))

	for failures := 1; failures < 20; failures++ {
		got := retryInterval(cadence, failures)
		assert.LessOrEqual(t, got, cadence, "failures=%d", failures)
		assert.Greater(t, got, time.Duration(0), "failures=%d", failures)
	}
}

func TestRetryIntervalShortCadence(t *testing.T) {
	// A cadence below the retry base still bounds the wait.
	cadence := 10 * time.Second
	assert.Equal(t, cadence, retryInterval(cadence, 1))
	assert.Equal(t, cadence, retryInterval(cadence, 5))
}

func TestIsAckOnly(t *testing.T) {
	assert.True(t, isAckOnly("HEARTBEAT_OK"))
	assert.True(t, isAckOnly("heartbeat_ok."))
	assert.True(t, isAckOnly("  HEARTBEAT_OK!\n"))
	assert.False(t, isAckOnly("HEARTBEAT_OK but also this"))
	assert.False(t, isAckOnly("all quiet"))
}
