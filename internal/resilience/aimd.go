package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/oceanframework/ocean/internal/logger"
)

// AIMDConfig configures the adaptive in-flight controller
type AIMDConfig struct {
	// MaxInFlight is the hard cap on concurrent operations
	MaxInFlight int
	// ThrottleThreshold is how many throttle signals inside the window
	// trigger a multiplicative decrease
	ThrottleThreshold int
	// Window is the sliding window over which throttle signals are counted
	Window time.Duration
	// CoolDown is how long the controller must observe no throttling before
	// widening the limit again
	CoolDown time.Duration
}

// DefaultAIMDConfig returns sensible defaults
func DefaultAIMDConfig() AIMDConfig {
	return AIMDConfig{
		MaxInFlight:       10,
		ThrottleThreshold: 3,
		Window:            10 * time.Second,
		CoolDown:          30 * time.Second,
	}
}

// AIMDController bounds concurrent operations and narrows the bound when the
// remote signals throttling (429/5xx), additive-increase/multiplicative-decrease.
type AIMDController struct {
	mu        sync.Mutex
	cond      *sync.Cond
	limit     int
	max       int
	inFlight  int
	throttles []time.Time
	threshold int
	window    time.Duration
	coolDown  time.Duration
	lastEvent time.Time
	log       logger.Logger
}

// NewAIMDController creates an in-flight controller
func NewAIMDController(config AIMDConfig) *AIMDController {
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultAIMDConfig().MaxInFlight
	}
	if config.ThrottleThreshold <= 0 {
		config.ThrottleThreshold = DefaultAIMDConfig().ThrottleThreshold
	}
	if config.Window <= 0 {
		config.Window = DefaultAIMDConfig().Window
	}
	if config.CoolDown <= 0 {
		config.CoolDown = DefaultAIMDConfig().CoolDown
	}

	c := &AIMDController{
		limit:     config.MaxInFlight,
		max:       config.MaxInFlight,
		threshold: config.ThrottleThreshold,
		window:    config.Window,
		coolDown:  config.CoolDown,
		log:       logger.New("aimd"),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire blocks until an in-flight slot is available or ctx is done.
// The returned release function must be called exactly once.
func (c *AIMDController) Acquire(ctx context.Context) (func(), error) {
	// Wake waiters when the context dies; cond has no native ctx support.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	for c.inFlight >= c.limit {
		if ctx.Err() != nil {
			c.mu.Unlock()
			return nil, ctx.Err()
		}
		c.cond.Wait()
	}
	if ctx.Err() != nil {
		c.mu.Unlock()
		return nil, ctx.Err()
	}
	c.inFlight++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.inFlight--
			c.cond.Broadcast()
			c.mu.Unlock()
		})
	}, nil
}

// OnThrottle records a throttling signal from the remote. When enough
// signals land inside the window the limit is halved.
func (c *AIMDController) OnThrottle() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastEvent = now
	c.throttles = append(c.throttles, now)
	c.pruneLocked(now)

	if len(c.throttles) >= c.threshold && c.limit > 1 {
		c.limit = c.limit / 2
		if c.limit < 1 {
			c.limit = 1
		}
		c.throttles = c.throttles[:0]
		c.log.Warn("narrowing concurrency after throttling",
			logger.Int("limit", c.limit),
			logger.Int("max", c.max),
		)
	}
}

// OnSuccess records an untroubled response. After a quiet cool-down the
// limit grows by one, up to the configured maximum.
func (c *AIMDController) OnSuccess() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)
	if c.limit >= c.max {
		return
	}
	if c.lastEvent.IsZero() || now.Sub(c.lastEvent) < c.coolDown {
		return
	}

	c.limit++
	c.lastEvent = now
	c.cond.Broadcast()
	c.log.Info("widening concurrency after cool-down",
		logger.Int("limit", c.limit),
		logger.Int("max", c.max),
	)
}

// Limit returns the current concurrency limit
func (c *AIMDController) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// InFlight returns the number of operations currently admitted
func (c *AIMDController) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *AIMDController) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.window)
	kept := c.throttles[:0]
	for _, t := range c.throttles {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.throttles = kept
}
