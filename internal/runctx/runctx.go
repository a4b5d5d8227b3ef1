package runctx

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/oceanframework/ocean/internal/logger"
	"github.com/oceanframework/ocean/internal/mapping"
)

// Flags are the run-level behavior switches snapshotted from config
type Flags struct {
	CreateMissingRelatedEntities bool
	DeleteDependentEntities      bool
	EnableMergeEntity            bool
	SearchPolicy                 mapping.Policy
}

// Context is the immutable per-run execution context handed to every
// fetcher and processor. Created at run start, torn down at run end.
type Context struct {
	RunID         string
	IntegrationID string
	StartedAt     time.Time
	Flags         Flags
	Log           logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a run context. A positive budget bounds the run's wall clock;
// exceeding it cancels every task in the run.
func New(parent context.Context, integrationID string, flags Flags, budget time.Duration) *Context {
	runID := uuid.NewString()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if budget > 0 {
		ctx, cancel = context.WithTimeout(parent, budget)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}

	r := &Context{
		RunID:         runID,
		IntegrationID: integrationID,
		StartedAt:     time.Now(),
		Flags:         flags,
		Log:           logger.New("run").WithFields(logger.String("run_id", runID)),
		cancel:        cancel,
	}
	r.ctx = into(ctx, r)
	return r
}

// Ctx returns the cancellation context for the run
func (r *Context) Ctx() context.Context {
	return r.ctx
}

// Done exposes the run's cancellation signal
func (r *Context) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Err reports the run's cancellation state
func (r *Context) Err() error {
	return r.ctx.Err()
}

// Cancel fires the run's cancellation signal
func (r *Context) Cancel() {
	r.cancel()
}

// Teardown releases the run's resources. Call exactly once at run end.
func (r *Context) Teardown() {
	r.cancel()
}

// WithKind derives a context whose logger is decorated with the kind.
// The cancellation signal and run identity are shared with the parent.
func (r *Context) WithKind(kind string) *Context {
	derived := *r
	derived.Log = r.Log.WithFields(logger.String("kind", kind))
	return &derived
}

type ctxKey struct{}

func into(ctx context.Context, r *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// From extracts the run context carried by ctx, if any
func From(ctx context.Context) (*Context, bool) {
	r, ok := ctx.Value(ctxKey{}).(*Context)
	return r, ok
}
