package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottleWindow(t *testing.T) {
	th := NewThrottle(1, 2)

	require.True(t, th.Record())
	require.True(t, th.Record())
	require.False(t, th.Record(), "third event inside the window must be rejected")

	time.Sleep(1100 * time.Millisecond)
	require.True(t, th.Record(), "a fresh window must accept again")
}

func TestThrottleRejectionDoesNotConsume(t *testing.T) {
	th := NewThrottle(60, 1)

	require.True(t, th.Record())
	require.False(t, th.Record())
	require.False(t, th.Record())
	require.Equal(t, 1, th.Len(), "rejected events must not be retained")
}

func TestThrottleEmpty(t *testing.T) {
	th := NewThrottle(1, 5)
	require.True(t, th.Empty())

	require.True(t, th.Record())
	require.False(t, th.Empty())

	time.Sleep(1100 * time.Millisecond)
	require.True(t, th.Empty(), "stale timestamps must purge on observation")
}

func TestThrottleConcurrentRecord(t *testing.T) {
	const limit = 50
	th := NewThrottle(60, limit)

	var wg sync.WaitGroup
	accepted := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted <- th.Record()
		}()
	}
	wg.Wait()
	close(accepted)

	n := 0
	for ok := range accepted {
		if ok {
			n++
		}
	}
	require.Equal(t, limit, n)
}
