package port

import (
	"context"
	"sync"
	"time"

	"github.com/oceanframework/ocean/internal/entity"
	"github.com/oceanframework/ocean/internal/logger"
)

// BatcherConfig bounds a per-blueprint accumulator
type BatcherConfig struct {
	// MaxItems commits the batch when this many entities have accumulated
	MaxItems int
	// MaxBytes commits the batch when the serialized size crosses this budget
	MaxBytes int
	// FlushInterval commits a non-empty batch that has dwelled this long
	FlushInterval time.Duration
}

// DefaultBatcherConfig returns sensible defaults
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		MaxItems:      50,
		MaxBytes:      512 * 1024,
		FlushInterval: 5 * time.Second,
	}
}

// FlushFunc commits a full accumulator and reports per-entity results
type FlushFunc func(ctx context.Context, blueprint string, entities []*entity.Entity) []Result

// Batcher groups entities destined for the same blueprint up to a byte and
// item budget, committing when either limit is crossed or the batch has
// dwelled past the flush interval.
type Batcher struct {
	config BatcherConfig
	flush  FlushFunc
	log    logger.Logger

	mu           sync.Mutex
	accumulators map[string]*accumulator
	wg           sync.WaitGroup
}

type accumulator struct {
	blueprint string
	entities  []*entity.Entity
	bytes     int
	timer     *time.Timer
}

// NewBatcher creates a batcher committing through flush
func NewBatcher(config BatcherConfig, flush FlushFunc) *Batcher {
	if config.MaxItems <= 0 {
		config.MaxItems = DefaultBatcherConfig().MaxItems
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultBatcherConfig().MaxBytes
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultBatcherConfig().FlushInterval
	}
	return &Batcher{
		config:       config,
		flush:        flush,
		log:          logger.New("batcher"),
		accumulators: make(map[string]*accumulator),
	}
}

// Add appends an entity to its blueprint's accumulator, committing the
// accumulator synchronously when a budget is crossed.
func (b *Batcher) Add(ctx context.Context, e *entity.Entity) {
	b.mu.Lock()

	acc, ok := b.accumulators[e.Blueprint]
	if !ok {
		acc = &accumulator{blueprint: e.Blueprint}
		acc.timer = time.AfterFunc(b.config.FlushInterval, func() {
			b.flushBlueprint(ctx, e.Blueprint)
		})
		b.accumulators[e.Blueprint] = acc
	}

	acc.entities = append(acc.entities, e)
	acc.bytes += e.EstimateSize()

	if len(acc.entities) >= b.config.MaxItems || acc.bytes >= b.config.MaxBytes {
		b.commitLocked(ctx, acc)
		delete(b.accumulators, e.Blueprint)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
}

// flushBlueprint commits a single blueprint's accumulator if present
func (b *Batcher) flushBlueprint(ctx context.Context, blueprint string) {
	b.mu.Lock()
	acc, ok := b.accumulators[blueprint]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.accumulators, blueprint)
	b.commitLocked(ctx, acc)
	b.mu.Unlock()
}

// Flush commits every accumulator and waits for in-flight commits
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	pending := b.accumulators
	b.accumulators = make(map[string]*accumulator)
	for _, acc := range pending {
		b.commitLocked(ctx, acc)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// commitLocked hands an accumulator to the flush func on a worker goroutine.
// Caller holds b.mu; the commit itself runs unlocked.
func (b *Batcher) commitLocked(ctx context.Context, acc *accumulator) {
	if acc.timer != nil {
		acc.timer.Stop()
	}
	if len(acc.entities) == 0 {
		return
	}

	entities := acc.entities
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.flush(ctx, acc.blueprint, entities)
	}()
}
