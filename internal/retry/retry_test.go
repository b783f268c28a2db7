package retry

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(v ...int) []time.Duration {
	out := make([]time.Duration, len(v))
	for i, n := range v {
		out[i] = time.Duration(n) * time.Millisecond
	}
	return out
}

func TestEnginePolicySchedule(t *testing.T) {
	assert.Equal(t, ms(500, 1000, 2000, 4000, 4000), EnginePolicy().Schedule())
}

func TestLockPolicySchedule(t *testing.T) {
	assert.Equal(t, ms(500, 1000, 2000), LockPolicy().Schedule())
}

func TestControllerStopsAfterMaxAttempts(t *testing.T) {
	c := NewController(EnginePolicy())

	var got []time.Duration
	for {
		d, ok := c.Next()
		if !ok {
			break
		}
		got = append(got, d)
	}
	assert.Equal(t, ms(500, 1000, 2000, 4000, 4000), got)
	assert.Equal(t, 5, c.Attempt())
	assert.True(t, c.Exhausted())

	_, ok := c.Next()
	assert.False(t, ok)
	assert.Equal(t, 5, c.Attempt())

	c.Reset()
	d, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, d)
}

func TestZeroMaxAttemptsMeansSingleTry(t *testing.T) {
	c := NewController(Policy{InitialDelay: time.Second, Multiplier: 2})
	_, ok := c.Next()
	assert.False(t, ok)
	assert.Empty(t, Policy{InitialDelay: time.Second}.Schedule())
}

func TestJitterStaysInRange(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	base := 1000 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := AddJitter(r, base, 0.2)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
	assert.Equal(t, base, AddJitter(r, base, 0))
}

func TestWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Wait(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, Wait(context.Background(), time.Millisecond))
}
