package pipeline

import (
	"context"
	"time"

	"github.com/oceanframework/ocean/internal/entity"
	"github.com/oceanframework/ocean/internal/keyq"
	"github.com/oceanframework/ocean/internal/logger"
	"github.com/oceanframework/ocean/internal/metrics"
	"github.com/oceanframework/ocean/internal/oceanerr"
	"github.com/oceanframework/ocean/internal/port"
	"github.com/oceanframework/ocean/internal/runctx"
	"github.com/oceanframework/ocean/pkg/integration"
)

// Upserter is the slice of the Port client the pipeline writes through
type Upserter interface {
	UpsertBatch(ctx context.Context, entities []*entity.Entity, opts port.UpsertOptions) []port.Result
}

// RecordMapper turns raw record batches into entities. Usually a
// *mapping.Mapper; kinds declared by several resource configs fan out
// through a composite.
type RecordMapper interface {
	MapBatch(ctx context.Context, records []map[string]interface{}, workers int) ([]*entity.Entity, []error)
}

// Options configures a kind pipeline
type Options struct {
	// MapWorkers caps parallel mapping within a batch
	MapWorkers int
	// Batcher bounds the per-blueprint upsert accumulators
	Batcher port.BatcherConfig
	// DrainGrace bounds how long in-flight work may finish after cancellation
	DrainGrace time.Duration
	// RetainFailures keeps failed entities for a later retry pass. Set for
	// kinds inside relation cycles, where first-pass failures are expected
	// until the cycle's other kinds have written their entities.
	RetainFailures bool
}

// Pipeline streams one kind through fetch, map, dedupe and upsert, recording
// successfully written keys for the orchestrator's stale-deletion step.
type Pipeline struct {
	kind     string
	fetcher  integration.Fetcher
	mapper   RecordMapper
	upserter Upserter
	locks    *keyq.KeyedLocks
	stats    *KindStats
	opts     Options
	log      logger.Logger
}

// New creates a pipeline for a kind
func New(kind string, fetcher integration.Fetcher, mapper RecordMapper, upserter Upserter, locks *keyq.KeyedLocks, opts Options) *Pipeline {
	if opts.MapWorkers <= 0 {
		opts.MapWorkers = 10
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = 30 * time.Second
	}
	return &Pipeline{
		kind:     kind,
		fetcher:  fetcher,
		mapper:   mapper,
		upserter: upserter,
		locks:    locks,
		stats:    NewKindStats(),
		opts:     opts,
		log:      logger.New("pipeline").WithFields(logger.String("kind", kind)),
	}
}

// Stats exposes the pipeline's run state
func (p *Pipeline) Stats() *KindStats {
	return p.stats
}

// Kind returns the kind this pipeline serves
func (p *Pipeline) Kind() string {
	return p.kind
}

// Run drives the kind to completion. A fetcher failure is escalated as a
// FetcherError after flushing whatever was already mapped; mapping and
// item-level upsert failures are counted without failing the kind.
func (p *Pipeline) Run(rc *runctx.Context) error {
	ctx := rc.Ctx()
	upsertOpts := port.UpsertOptions{
		CreateMissingRelatedEntities: rc.Flags.CreateMissingRelatedEntities,
		MergeEntity:                  rc.Flags.EnableMergeEntity,
	}
	batcher := port.NewBatcher(p.opts.Batcher, p.flushFunc(upsertOpts))

	fetchErr := p.fetcher.FetchBatches(ctx, p.kind, func(batch []integration.RawRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.processBatch(ctx, batcher, batch, rc.Flags.EnableMergeEntity)
		return nil
	})

	// Entities mapped before a failure or cancellation still get written;
	// after cancellation the flush runs under the drain grace period.
	flushCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), p.opts.DrainGrace)
		defer cancel()
	}
	batcher.Flush(flushCtx)

	if fetchErr != nil {
		if oceanerr.IsCanceled(fetchErr) {
			return fetchErr
		}
		p.stats.Sample(oceanerr.Fetcher(p.kind, fetchErr))
		return oceanerr.Fetcher(p.kind, fetchErr)
	}

	p.stats.MarkFetchComplete()
	return nil
}

// processBatch maps one batch and feeds the survivors to the batcher
func (p *Pipeline) processBatch(ctx context.Context, batcher *port.Batcher, batch []integration.RawRecord, mergeRelations bool) {
	p.stats.RecordFetched(len(batch))
	metrics.RecordsFetched.WithLabelValues(p.kind).Add(float64(len(batch)))

	entities, errs := p.mapper.MapBatch(ctx, batch, p.opts.MapWorkers)
	for _, err := range errs {
		if oceanerr.IsCanceled(err) {
			return
		}
		p.stats.Sample(err)
	}
	entities = entity.Dedupe(entities, mergeRelations)

	p.stats.RecordMapped(len(entities), len(errs))
	metrics.RecordsMapped.WithLabelValues(p.kind, "ok").Add(float64(len(entities)))
	metrics.RecordsMapped.WithLabelValues(p.kind, "error").Add(float64(len(errs)))

	for _, e := range entities {
		if ctx.Err() != nil {
			return
		}
		batcher.Add(ctx, e)
	}
}

// flushFunc builds the batcher's commit callback. The upsert runs under the
// shard locks covering the batch's keys, serializing against live events
// touching the same entities.
func (p *Pipeline) flushFunc(opts port.UpsertOptions) port.FlushFunc {
	return func(ctx context.Context, blueprint string, entities []*entity.Entity) []port.Result {
		keys := make([]string, len(entities))
		for i, e := range entities {
			keys[i] = e.Key().String()
		}

		var results []port.Result
		p.locks.DoKeys(keys, func() error {
			results = p.upserter.UpsertBatch(ctx, entities, opts)
			return nil
		})

		p.stats.RecordUpserts(results)
		if p.opts.RetainFailures {
			var failed []*entity.Entity
			for i, r := range results {
				if !r.OK() && !oceanerr.IsCanceled(r.Err) {
					failed = append(failed, entities[i])
				}
			}
			if len(failed) > 0 {
				p.stats.Retain(failed)
			}
		}
		return results
	}
}
