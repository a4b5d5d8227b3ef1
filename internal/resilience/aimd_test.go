package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAIMDAcquireRelease(t *testing.T) {
	c := NewAIMDController(AIMDConfig{MaxInFlight: 2})

	release1, err := c.Acquire(context.Background())
	require.NoError(t, err)
	release2, err := c.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, c.InFlight())

	// Third acquire blocks until a slot frees.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx)
	assert.Error(t, err)

	release1()
	release3, err := c.Acquire(context.Background())
	require.NoError(t, err)

	release2()
	release3()
	assert.Equal(t, 0, c.InFlight())
}

func TestAIMDReleaseIdempotent(t *testing.T) {
	c := NewAIMDController(AIMDConfig{MaxInFlight: 2})
	release, err := c.Acquire(context.Background())
	require.NoError(t, err)

	release()
	release()
	assert.Equal(t, 0, c.InFlight())
}

func TestAIMDMultiplicativeDecrease(t *testing.T) {
	c := NewAIMDController(AIMDConfig{
		MaxInFlight:       8,
		ThrottleThreshold: 3,
		Window:            time.Minute,
	})

	c.OnThrottle()
	c.OnThrottle()
	assert.Equal(t, 8, c.Limit())

	c.OnThrottle()
	assert.Equal(t, 4, c.Limit())

	c.OnThrottle()
	c.OnThrottle()
	c.OnThrottle()
	assert.Equal(t, 2, c.Limit())
}

func TestAIMDFloorIsOne(t *testing.T) {
	c := NewAIMDController(AIMDConfig{
		MaxInFlight:       2,
		ThrottleThreshold: 1,
		Window:            time.Minute,
	})

	for i := 0; i < 10; i++ {
		c.OnThrottle()
	}
	assert.Equal(t, 1, c.Limit())
}

func TestAIMDAdditiveIncreaseAfterCoolDown(t *testing.T) {
	c := NewAIMDController(AIMDConfig{
		MaxInFlight:       8,
		ThrottleThreshold: 1,
		Window:            time.Millisecond,
		CoolDown:          10 * time.Millisecond,
	})

	c.OnThrottle()
	require.Equal(t, 4, c.Limit())

	// Inside the cool-down nothing widens.
	c.OnSuccess()
	assert.Equal(t, 4, c.Limit())

	time.Sleep(15 * time.Millisecond)
	c.OnSuccess()
	assert.Equal(t, 5, c.Limit())

	// Never exceeds the configured maximum.
	for i := 0; i < 20; i++ {
		time.Sleep(11 * time.Millisecond)
		c.OnSuccess()
	}
	assert.Equal(t, 8, c.Limit())
}
