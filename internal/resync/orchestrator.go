package resync

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/sync/errgroup"

	"github.com/oceanframework/ocean/internal/config"
	"github.com/oceanframework/ocean/internal/entity"
	"github.com/oceanframework/ocean/internal/keyq"
	"github.com/oceanframework/ocean/internal/logger"
	"github.com/oceanframework/ocean/internal/mapping"
	"github.com/oceanframework/ocean/internal/metrics"
	"github.com/oceanframework/ocean/internal/oceanerr"
	"github.com/oceanframework/ocean/internal/pipeline"
	"github.com/oceanframework/ocean/internal/port"
	"github.com/oceanframework/ocean/internal/runctx"
	"github.com/oceanframework/ocean/pkg/integration"
)

// Status is the orchestrator's run state
type Status string

const (
	StatusIdle            Status = "idle"
	StatusRunning         Status = "running"
	StatusSucceeded       Status = "succeeded"
	StatusPartiallyFailed Status = "partially_failed"
	StatusFailed          Status = "failed"
	StatusCanceled        Status = "canceled"
)

// Catalog is the slice of the Port client a resync needs
type Catalog interface {
	UpsertBatch(ctx context.Context, entities []*entity.Entity, opts port.UpsertOptions) []port.Result
	Search(ctx context.Context, blueprint string, query entity.SearchQuery) ([]string, error)
	Delete(ctx context.Context, key entity.Key, deleteDependents bool) error
	OwnedIdentifiers(ctx context.Context, blueprint string) ([]string, error)
	GetIntegrationState(ctx context.Context) (*port.IntegrationState, error)
	SetIntegrationState(ctx context.Context, state *port.IntegrationState) error
}

// Options configure the orchestrator
type Options struct {
	IntegrationID string
	// Blueprints supply the relation declarations driving kind ordering
	Blueprints []entity.Blueprint
	// KindConcurrency caps kinds running in parallel within a level
	KindConcurrency int
	// Pipeline is the per-kind pipeline configuration
	Pipeline pipeline.Options
	// RunBudget bounds a run's wall clock, zero means unbounded
	RunBudget time.Duration
}

// Summary is the outcome of one resync run
type Summary struct {
	RunID    string
	Status   Status
	Started  time.Time
	Finished time.Time
	PerKind  map[string]port.KindCounters
	// Skipped maps sidelined kinds and resource labels to the reason
	Skipped map[string]error
	// Errors holds bounded per-kind error samples grouped by classification
	Errors map[string]map[oceanerr.Kind][]string
}

// Orchestrator drives full resync runs: ordering kinds by relation
// dependencies, streaming each kind through its pipeline, retrying relation
// cycles, deleting stale entities and persisting run state.
type Orchestrator struct {
	catalog  Catalog
	fetchers map[string]integration.Fetcher
	locks    *keyq.KeyedLocks
	opts     Options
	log      logger.Logger

	mu      sync.Mutex
	status  Status
	current *runctx.Context
}

// New creates an orchestrator. fetchers maps each kind to the integration's
// fetcher for it; kinds without one are skipped with an error.
func New(catalog Catalog, fetchers map[string]integration.Fetcher, locks *keyq.KeyedLocks, opts Options) *Orchestrator {
	if opts.KindConcurrency <= 0 {
		opts.KindConcurrency = 4
	}
	return &Orchestrator{
		catalog:  catalog,
		fetchers: fetchers,
		locks:    locks,
		opts:     opts,
		log:      logger.New("resync"),
		status:   StatusIdle,
	}
}

// Status returns the orchestrator's current state
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Cancel aborts the in-flight run, if any
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.current.Cancel()
	}
}

// Run executes one full resync against the given config snapshot. Only one
// run may be in flight; a second call while running is rejected.
func (o *Orchestrator) Run(ctx context.Context, snapshot *config.Snapshot, flags runctx.Flags) (*Summary, error) {
	o.mu.Lock()
	if o.status == StatusRunning {
		o.mu.Unlock()
		return nil, oceanerr.New(oceanerr.KindInternal, "a resync is already running")
	}
	rc := runctx.New(ctx, o.opts.IntegrationID, flags, o.opts.RunBudget)
	o.status = StatusRunning
	o.current = rc
	o.mu.Unlock()

	defer rc.Teardown()

	summary := o.run(rc, snapshot)

	o.mu.Lock()
	o.status = summary.Status
	o.current = nil
	o.mu.Unlock()

	metrics.ResyncsTotal.WithLabelValues(string(summary.Status)).Inc()
	return summary, nil
}

func (o *Orchestrator) run(rc *runctx.Context, snapshot *config.Snapshot) *Summary {
	summary := &Summary{
		RunID:   rc.RunID,
		Started: rc.StartedAt,
		PerKind: make(map[string]port.KindCounters),
		Skipped: make(map[string]error),
		Errors:  make(map[string]map[oceanerr.Kind][]string),
	}
	for label, err := range snapshot.Disabled {
		summary.Skipped[label] = err
	}

	rc.Log.Info("resync started",
		logger.Int("kinds", len(snapshot.Kinds())),
		logger.Int("disabled", len(snapshot.Disabled)),
	)

	prev, err := o.catalog.GetIntegrationState(rc.Ctx())
	if err != nil {
		rc.Log.Warn("failed to load previous run state, stale deletion will be unguarded", logger.Error(err))
		prev = &port.IntegrationState{PerKind: map[string]port.KindState{}}
	}

	mappers := o.buildMappers(rc, snapshot, summary)
	pipelines := make(map[string]*pipeline.Pipeline, len(mappers))
	graph := o.buildGraph(snapshot.Kinds(), mappers)

	kindErrs := o.runLevels(rc, graph, mappers, pipelines)
	o.retryCycles(rc, graph, pipelines)

	canceled := rc.Err() != nil
	if !canceled {
		o.deleteStale(rc, graph, pipelines, prev)
	}

	for kind, p := range pipelines {
		summary.PerKind[kind] = p.Stats().Counters()
		if samples := p.Stats().ErrorSamples(); len(samples) > 0 {
			summary.Errors[kind] = samples
		}
	}

	summary.Status = o.finalStatus(canceled, kindErrs, pipelines)
	summary.Finished = time.Now()

	o.persistState(rc, prev, pipelines, summary)
	o.logSummary(rc, summary)
	return summary
}

// buildMappers compiles a mapper per resource config of every enabled kind
// with a registered fetcher. Kinds declared by several resource configs get
// several mappers sharing one pipeline.
func (o *Orchestrator) buildMappers(rc *runctx.Context, snapshot *config.Snapshot, summary *Summary) map[string][]*mapping.Mapper {
	byKind := snapshot.ByKind()
	mappers := make(map[string][]*mapping.Mapper, len(byKind))

	for _, kind := range snapshot.Kinds() {
		if _, ok := o.fetchers[kind]; !ok {
			err := oceanerr.Configf("kind %q has no registered fetcher", kind)
			summary.Skipped[kind] = err
			rc.Log.Warn("kind skipped", logger.String("kind", kind), logger.Error(err))
			continue
		}
		for _, resource := range byKind[kind] {
			mappers[kind] = append(mappers[kind], mapping.NewMapper(resource, o.catalog, rc.Flags.SearchPolicy))
		}
	}

	return mappers
}

// buildGraph derives the kind ordering from blueprint hints and relation
// declarations. Document order breaks ties within a level.
func (o *Orchestrator) buildGraph(declared []string, mappers map[string][]*mapping.Mapper) *KindGraph {
	kinds := make([]string, 0, len(mappers))
	for _, kind := range declared {
		if _, ok := mappers[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	kindBlueprints := make(map[string][]string, len(kinds))
	for kind, ms := range mappers {
		seen := make(map[string]struct{})
		for _, m := range ms {
			hint := m.BlueprintHint()
			if hint == "" {
				continue
			}
			if _, dup := seen[hint]; dup {
				continue
			}
			seen[hint] = struct{}{}
			kindBlueprints[kind] = append(kindBlueprints[kind], hint)
		}
	}
	return BuildKindGraph(kinds, kindBlueprints, o.opts.Blueprints)
}

// runLevels executes the kind pipelines level by level, kinds within a level
// in parallel. A kind's fetcher failure never stops its siblings.
func (o *Orchestrator) runLevels(rc *runctx.Context, graph *KindGraph, mappers map[string][]*mapping.Mapper, pipelines map[string]*pipeline.Pipeline) map[string]error {
	kindErrs := make(map[string]error)
	var errMu sync.Mutex

	for _, level := range graph.Levels() {
		if rc.Err() != nil {
			break
		}

		g, _ := errgroup.WithContext(rc.Ctx())
		g.SetLimit(o.opts.KindConcurrency)
		for _, kind := range level {
			kind := kind
			opts := o.opts.Pipeline
			opts.RetainFailures = graph.Cyclic(kind) && !rc.Flags.CreateMissingRelatedEntities

			p := pipeline.New(kind, o.fetchers[kind], &fanMapper{mappers: mappers[kind]}, o.catalog, o.locks, opts)
			pipelines[kind] = p

			g.Go(func() error {
				kindRC := rc.WithKind(kind)
				if err := p.Run(kindRC); err != nil {
					if !oceanerr.IsCanceled(err) {
						kindRC.Log.Error("kind failed", logger.Error(err))
						errMu.Lock()
						kindErrs[kind] = err
						errMu.Unlock()
					}
				}
				return nil
			})
		}
		g.Wait()
	}
	return kindErrs
}

// retryCycles re-upserts entities retained by kinds inside relation cycles.
// By now the cycle's other kinds have written their entities, so relations
// that failed to resolve on the first pass should land.
func (o *Orchestrator) retryCycles(rc *runctx.Context, graph *KindGraph, pipelines map[string]*pipeline.Pipeline) {
	if rc.Err() != nil {
		return
	}
	opts := port.UpsertOptions{
		CreateMissingRelatedEntities: rc.Flags.CreateMissingRelatedEntities,
		MergeEntity:                  rc.Flags.EnableMergeEntity,
	}
	for kind, p := range pipelines {
		if p == nil || !graph.Cyclic(kind) {
			continue
		}
		retained := p.Stats().TakeRetained()
		if len(retained) == 0 {
			continue
		}
		rc.Log.Info("retrying cycle entities",
			logger.String("kind", kind),
			logger.Int("count", len(retained)),
		)

		keys := make([]string, len(retained))
		for i, e := range retained {
			keys[i] = e.Key().String()
		}
		var results []port.Result
		o.locks.DoKeys(keys, func() error {
			results = o.catalog.UpsertBatch(rc.Ctx(), retained, opts)
			return nil
		})
		p.Stats().RecordRetries(results)
	}
}

// deleteStale removes entities this integration owns that the run no longer
// produced, dependents before dependencies. A blueprint is only swept when
// every kind writing it enumerated completely, and a key is only deleted
// when the previous run's summary confirms this integration wrote it.
func (o *Orchestrator) deleteStale(rc *runctx.Context, graph *KindGraph, pipelines map[string]*pipeline.Pipeline, prev *port.IntegrationState) {
	globalSeen := make(map[entity.Key]struct{})
	blueprintKinds := make(map[string][]string)
	for kind, p := range pipelines {
		if p == nil {
			continue
		}
		observed := make(map[string]struct{})
		for _, key := range p.Stats().SeenKeys() {
			globalSeen[key] = struct{}{}
			observed[key.Blueprint] = struct{}{}
		}
		if node := graph.Node(kind); node != nil {
			for _, bp := range node.Blueprints {
				observed[bp] = struct{}{}
			}
		}
		for bp := range observed {
			blueprintKinds[bp] = append(blueprintKinds[bp], kind)
		}
	}

	filters := make(map[string]*bloom.BloomFilter)
	for kind := range pipelines {
		state, ok := prev.PerKind[kind]
		if !ok {
			continue
		}
		filter, err := DecodeSeen(state.SeenSummary)
		if err != nil {
			rc.Log.Warn("unreadable seen summary, treating as absent",
				logger.String("kind", kind), logger.Error(err))
			continue
		}
		if filter != nil {
			filters[kind] = filter
		}
	}

	swept := make(map[string]struct{})
	for _, level := range graph.DeletionLevels() {
		if rc.Err() != nil {
			return
		}
		for _, kind := range level {
			p := pipelines[kind]
			if p == nil {
				continue
			}
			node := graph.Node(kind)
			if node == nil {
				continue
			}
			for bp := range o.kindBlueprints(p, node) {
				if _, done := swept[bp]; done {
					continue
				}
				swept[bp] = struct{}{}
				o.sweepBlueprint(rc, bp, blueprintKinds[bp], pipelines, filters, globalSeen, p.Stats())
			}
		}
	}
}

// kindBlueprints unions the declared and observed blueprints of a kind
func (o *Orchestrator) kindBlueprints(p *pipeline.Pipeline, node *KindNode) map[string]struct{} {
	out := make(map[string]struct{}, len(node.Blueprints))
	for _, bp := range node.Blueprints {
		out[bp] = struct{}{}
	}
	for _, key := range p.Stats().SeenKeys() {
		out[key.Blueprint] = struct{}{}
	}
	return out
}

// sweepBlueprint deletes one blueprint's stale owned entities
func (o *Orchestrator) sweepBlueprint(rc *runctx.Context, blueprint string, producers []string, pipelines map[string]*pipeline.Pipeline, filters map[string]*bloom.BloomFilter, globalSeen map[entity.Key]struct{}, stats *pipeline.KindStats) {
	for _, producer := range producers {
		p := pipelines[producer]
		if p == nil || !p.Stats().FetchComplete() {
			rc.Log.Warn("skipping stale deletion, fetch incomplete",
				logger.String("blueprint", blueprint),
				logger.String("kind", producer),
			)
			return
		}
	}

	owned, err := o.catalog.OwnedIdentifiers(rc.Ctx(), blueprint)
	if err != nil {
		rc.Log.Error("failed to list owned entities",
			logger.String("blueprint", blueprint), logger.Error(err))
		stats.Sample(err)
		return
	}

	prevKnown := false
	var producerFilters []*bloom.BloomFilter
	for _, producer := range producers {
		if f, ok := filters[producer]; ok {
			prevKnown = true
			producerFilters = append(producerFilters, f)
		}
	}

	deleted := 0
	for _, id := range owned {
		if rc.Err() != nil {
			return
		}
		key := entity.Key{Blueprint: blueprint, Identifier: id}
		if _, ok := globalSeen[key]; ok {
			continue
		}
		if prevKnown && !anyContains(producerFilters, key) {
			continue
		}
		if err := o.catalog.Delete(rc.Ctx(), key, rc.Flags.DeleteDependentEntities); err != nil {
			rc.Log.Error("stale deletion failed",
				logger.String("entity", key.String()), logger.Error(err))
			stats.Sample(err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		stats.RecordDeleted(deleted)
		rc.Log.Info("deleted stale entities",
			logger.String("blueprint", blueprint),
			logger.Int("count", deleted),
		)
	}
}

func anyContains(filters []*bloom.BloomFilter, key entity.Key) bool {
	for _, f := range filters {
		if f.TestString(key.String()) {
			return true
		}
	}
	return false
}

// persistState writes the run's bookkeeping. Kinds that enumerated fully get
// a fresh seen summary; failed kinds keep the previous run's summary so the
// next run's deletion guard still works.
func (o *Orchestrator) persistState(rc *runctx.Context, prev *port.IntegrationState, pipelines map[string]*pipeline.Pipeline, summary *Summary) {
	state := &port.IntegrationState{
		LastRunID:            rc.RunID,
		LastSuccessTimestamp: prev.LastSuccessTimestamp,
		PerKind:              make(map[string]port.KindState, len(prev.PerKind)),
	}
	for kind, ks := range prev.PerKind {
		state.PerKind[kind] = ks
	}
	if summary.Status == StatusSucceeded {
		state.LastSuccessTimestamp = summary.Finished
	}

	for kind, p := range pipelines {
		if p == nil {
			continue
		}
		ks := state.PerKind[kind]
		ks.Counters = p.Stats().Counters()
		if p.Stats().FetchComplete() {
			keys := p.Stats().SeenKeys()
			encoded, err := EncodeSeen(keys)
			if err != nil {
				rc.Log.Warn("failed to encode seen summary", logger.String("kind", kind), logger.Error(err))
			} else {
				ks.SeenSummary = encoded
				ks.SeenCount = int64(len(keys))
				ks.LastSuccessTs = summary.Finished
			}
		}
		state.PerKind[kind] = ks
	}

	// Persist under a fresh context so a canceled run still records state.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.catalog.SetIntegrationState(ctx, state); err != nil {
		rc.Log.Error("failed to persist run state", logger.Error(err))
	}
}

// finalStatus folds the run's outcomes into a terminal status. Any
// kind-level failure fails the run; partially_failed is reserved for runs
// where every kind completed but some records or entities were lost.
func (o *Orchestrator) finalStatus(canceled bool, kindErrs map[string]error, pipelines map[string]*pipeline.Pipeline) Status {
	if canceled {
		return StatusCanceled
	}
	if len(kindErrs) > 0 {
		return StatusFailed
	}
	for _, p := range pipelines {
		if p != nil && p.Stats().HadFailures() {
			return StatusPartiallyFailed
		}
	}
	return StatusSucceeded
}

func (o *Orchestrator) logSummary(rc *runctx.Context, summary *Summary) {
	for kind, counters := range summary.PerKind {
		rc.Log.Info("kind summary",
			logger.String("kind", kind),
			logger.Int64("fetched", counters.Fetched),
			logger.Int64("mapped_ok", counters.MappedOK),
			logger.Int64("mapped_fail", counters.MappedFail),
			logger.Int64("upserted", counters.Upserted),
			logger.Int64("failed", counters.Failed),
			logger.Int64("deleted", counters.Deleted),
		)
	}
	for kind, samples := range summary.Errors {
		for errKind, messages := range samples {
			rc.Log.Warn("kind errors",
				logger.String("kind", kind),
				logger.String("error_kind", string(errKind)),
				logger.Any("samples", messages),
			)
		}
	}
	rc.Log.Info("resync finished",
		logger.String("status", string(summary.Status)),
		logger.Duration("took", summary.Finished.Sub(summary.Started)),
	)
}

// fanMapper fans a record batch through every mapper declared for a kind
type fanMapper struct {
	mappers []*mapping.Mapper
}

// MapBatch runs every mapper over the batch and concatenates the results
func (f *fanMapper) MapBatch(ctx context.Context, records []map[string]interface{}, workers int) ([]*entity.Entity, []error) {
	var (
		entities []*entity.Entity
		errs     []error
	)
	for _, m := range f.mappers {
		es, mErrs := m.MapBatch(ctx, records, workers)
		entities = append(entities, es...)
		errs = append(errs, mErrs...)
	}
	return entities, errs
}
