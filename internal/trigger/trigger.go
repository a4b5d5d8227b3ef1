package trigger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oceanframework/ocean/internal/logger"
)

// Resyncer starts a full resync and blocks until it finishes
type Resyncer interface {
	Resync(ctx context.Context) error
}

// Trigger decides when resyncs happen. Run blocks until ctx ends.
type Trigger interface {
	Run(ctx context.Context) error
}

// Once runs a single resync and exits. Used for one-shot invocations and
// cron-managed deployments.
type Once struct {
	resync Resyncer
}

// NewOnce creates a one-shot trigger
func NewOnce(resync Resyncer) *Once {
	return &Once{resync: resync}
}

// Run performs the single resync
func (o *Once) Run(ctx context.Context) error {
	return o.resync.Resync(ctx)
}

// Scheduled resyncs on a fixed interval. A tick firing while the previous
// resync is still running is suppressed, not queued.
type Scheduled struct {
	resync        Resyncer
	interval      time.Duration
	resyncOnStart bool
	running       atomic.Bool
	log           logger.Logger
}

// NewScheduled creates an interval trigger
func NewScheduled(resync Resyncer, interval time.Duration, resyncOnStart bool) *Scheduled {
	return &Scheduled{
		resync:        resync,
		interval:      interval,
		resyncOnStart: resyncOnStart,
		log:           logger.New("scheduler"),
	}
}

// Run ticks until ctx ends. Resyncs run off the select loop so ticks keep
// being consumed while one is in flight; a tick landing mid-run is
// suppressed by fire and the next resync waits for the next interval.
func (s *Scheduled) Run(ctx context.Context) error {
	if s.resyncOnStart {
		go s.fire(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			go s.fire(ctx)
		}
	}
}

// fire runs one resync unless one is already in flight
func (s *Scheduled) fire(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("resync still running, skipping tick")
		return
	}
	defer s.running.Store(false)

	if err := s.resync.Resync(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("scheduled resync failed", logger.Error(err))
	}
}
