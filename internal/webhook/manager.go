package webhook

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/oceanframework/ocean/internal/config"
	"github.com/oceanframework/ocean/internal/entity"
	"github.com/oceanframework/ocean/internal/keyq"
	"github.com/oceanframework/ocean/internal/logger"
	"github.com/oceanframework/ocean/internal/mapping"
	"github.com/oceanframework/ocean/internal/metrics"
	"github.com/oceanframework/ocean/internal/oceanerr"
	"github.com/oceanframework/ocean/internal/port"
	"github.com/oceanframework/ocean/internal/runctx"
	"github.com/oceanframework/ocean/pkg/integration"
)

// Catalog is the slice of the Port client live events write through
type Catalog interface {
	UpsertBatch(ctx context.Context, entities []*entity.Entity, opts port.UpsertOptions) []port.Result
	Delete(ctx context.Context, key entity.Key, deleteDependents bool) error
	Search(ctx context.Context, blueprint string, query entity.SearchQuery) ([]string, error)
}

// RunConfig is the mapping snapshot and flags live events apply under.
// Swapped atomically on hot reload; an event in flight keeps the snapshot
// it started with.
type RunConfig struct {
	Snapshot *config.Snapshot
	Flags    runctx.Flags
}

// Config configures the live-event manager
type Config struct {
	// Workers is the number of ordered delivery shards
	Workers int
	// QueueSize bounds each shard's backlog; a full shard rejects deliveries
	QueueSize int
	// MaxRetries bounds handler retries before an event is dead-lettered
	MaxRetries int
	// InitialDelay and MaxDelay shape the retry backoff
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// HandleTimeout bounds one handler invocation
	HandleTimeout time.Duration
	// DedupeTTL is how long delivery IDs are remembered for idempotency
	DedupeTTL time.Duration
}

// Manager receives live events, authenticates and filters them, and applies
// the resulting deltas through the shared mapping and write path. Events
// with the same routing key apply in arrival order.
type Manager struct {
	config  Config
	catalog Catalog
	locks   *keyq.KeyedLocks
	log     logger.Logger

	runConfig atomic.Pointer[RunConfig]

	mu         sync.Mutex
	processors map[string][]integration.Processor
	dedupe     map[string]time.Time
	started    bool
	stopped    bool

	shards []chan *delivery
	wg     sync.WaitGroup
}

type delivery struct {
	event     integration.Event
	processor integration.Processor
}

// NewManager creates a live-event manager writing through catalog, sharing
// the resync engine's keyed locks
func NewManager(cfg Config, catalog Catalog, locks *keyq.KeyedLocks) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = time.Minute
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}

	m := &Manager{
		config:     cfg,
		catalog:    catalog,
		locks:      locks,
		log:        logger.New("webhook_manager"),
		processors: make(map[string][]integration.Processor),
		dedupe:     make(map[string]time.Time),
		shards:     make([]chan *delivery, cfg.Workers),
	}
	for i := range m.shards {
		m.shards[i] = make(chan *delivery, cfg.QueueSize)
	}
	return m
}

// UpdateConfig swaps the mapping snapshot and flags applied to new events
func (m *Manager) UpdateConfig(rc *RunConfig) {
	m.runConfig.Store(rc)
}

// Register binds a processor to a webhook path. Several processors may share
// a path; each sees every delivery it authenticates and does not filter out.
func (m *Manager) Register(path string, processor integration.Processor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processors[path] = append(m.processors[path], processor)
	m.log.Info("processor registered", logger.String("path", path))
}

// Paths returns the registered webhook paths
func (m *Manager) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.processors))
	for path := range m.processors {
		paths = append(paths, path)
	}
	return paths
}

// Start launches the shard workers. Safe to call more than once.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for _, shard := range m.shards {
		shard := shard
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for d := range shard {
				m.process(d)
			}
		}()
	}
}

// Stop drains the shards and waits for in-flight handlers. No deliveries
// are accepted afterwards; call after the HTTP server stopped accepting.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	for _, shard := range m.shards {
		close(shard)
	}
	m.wg.Wait()
}

// Routes registers the webhook endpoints on a gin router
func (m *Manager) Routes(r gin.IRouter) {
	for _, path := range m.Paths() {
		r.POST(path, func(c *gin.Context) {
			m.handleHTTP(c, c.FullPath())
		})
	}
}

// handleHTTP converts an HTTP delivery into queued work. The 2xx goes out
// only after the event is accepted onto its shard.
func (m *Manager) handleHTTP(c *gin.Context, path string) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	event := m.buildEvent(c.Request, path, body)

	m.mu.Lock()
	processors := append([]integration.Processor(nil), m.processors[path]...)
	m.mu.Unlock()
	if len(processors) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no processor for path"})
		return
	}

	var accepted []integration.Processor
	var authErr error
	for _, p := range processors {
		if err := p.Authenticate(c.Request); err != nil {
			authErr = err
			continue
		}
		accepted = append(accepted, p)
	}
	if len(accepted) == 0 {
		m.log.Warn("delivery rejected",
			logger.String("path", path),
			logger.Error(authErr),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	metrics.EventsReceived.WithLabelValues(path).Inc()

	if m.seenBefore(event.ID) {
		c.JSON(http.StatusAccepted, gin.H{"status": "duplicate"})
		return
	}

	queued := 0
	for _, p := range accepted {
		if !p.Filter(event) {
			continue
		}
		if !m.enqueue(p, event) {
			// Not marked seen: the sender may retry the same ID later.
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event queue full"})
			return
		}
		queued++
	}
	m.markSeen(event.ID)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "queued": queued})
}

// Dispatch feeds an event that arrived outside HTTP onto the ordered
// shards. Authentication is the transport's concern; filtering still
// applies. Returns false when no processor accepted the event. Transports
// that acknowledge only after the write landed use ProcessSync instead.
func (m *Manager) Dispatch(event integration.Event) bool {
	m.mu.Lock()
	processors := append([]integration.Processor(nil), m.processors[event.Path]...)
	m.mu.Unlock()

	metrics.EventsReceived.WithLabelValues(event.Path).Inc()
	if m.seenBefore(event.ID) {
		return true
	}

	queued := false
	for _, p := range processors {
		if !p.Filter(event) {
			continue
		}
		if m.enqueue(p, event) {
			queued = true
		}
	}
	if queued {
		m.markSeen(event.ID)
	}
	return queued
}

// ProcessSync runs an event through filtering, handling and the catalog
// writes on the caller's goroutine and reports the terminal outcome. A nil
// return means every interested processor's delta landed (or the event was
// a duplicate or matched no processor); an error means retries were
// exhausted and the event is dead-lettered.
func (m *Manager) ProcessSync(event integration.Event) error {
	m.mu.Lock()
	processors := append([]integration.Processor(nil), m.processors[event.Path]...)
	m.mu.Unlock()

	metrics.EventsReceived.WithLabelValues(event.Path).Inc()
	if m.seenBefore(event.ID) {
		return nil
	}

	var firstErr error
	for _, p := range processors {
		if !p.Filter(event) {
			continue
		}
		d := &delivery{event: event, processor: p}
		if !m.affectsConfiguredKind(d) {
			continue
		}
		log := m.log.WithFields(
			logger.String("path", event.Path),
			logger.String("event_id", event.ID),
		)
		if err := m.handleAndApply(d, log); err != nil {
			metrics.EventsDeadLettered.WithLabelValues(event.Path).Inc()
			log.Error("event dead-lettered", logger.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr == nil {
		m.markSeen(event.ID)
	}
	return firstErr
}

// buildEvent assembles the delivery passed to processors
func (m *Manager) buildEvent(r *http.Request, path string, body []byte) integration.Event {
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	id := r.Header.Get("X-Event-Id")
	if id == "" {
		id = r.Header.Get("X-Request-Id")
	}
	if id == "" {
		id = uuid.NewString()
	}

	var payload map[string]interface{}
	_ = json.Unmarshal(body, &payload)

	return integration.Event{
		ID:         id,
		Path:       path,
		Headers:    headers,
		Payload:    payload,
		RawBody:    body,
		ReceivedAt: time.Now(),
	}
}

// seenBefore reports whether the delivery ID was accepted within the dedupe
// window. IDs are recorded by markSeen only once a delivery is accepted, so
// a rejected delivery can be retried under the same ID.
func (m *Manager) seenBefore(id string) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for old, at := range m.dedupe {
		if now.Sub(at) > m.config.DedupeTTL {
			delete(m.dedupe, old)
		}
	}
	_, ok := m.dedupe[id]
	return ok
}

// markSeen records an accepted delivery ID for deduplication
func (m *Manager) markSeen(id string) {
	m.mu.Lock()
	m.dedupe[id] = time.Now()
	m.mu.Unlock()
}

// enqueue places the delivery on the shard owning its routing key
func (m *Manager) enqueue(p integration.Processor, event integration.Event) bool {
	key := event.Path
	if rk, ok := p.(integration.RoutingKeyer); ok {
		if k := rk.RoutingKey(event); k != "" {
			key = k
		}
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	shard := m.shards[int(h.Sum32())%len(m.shards)]

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	select {
	case shard <- &delivery{event: event, processor: p}:
		return true
	default:
		return false
	}
}

// process runs one queued delivery to its terminal outcome
func (m *Manager) process(d *delivery) {
	log := m.log.WithFields(
		logger.String("path", d.event.Path),
		logger.String("event_id", d.event.ID),
	)

	if !m.affectsConfiguredKind(d) {
		log.Debug("event names no configured kind, dropped")
		return
	}
	if err := m.handleAndApply(d, log); err != nil {
		metrics.EventsDeadLettered.WithLabelValues(d.event.Path).Inc()
		log.Error("event dead-lettered", logger.Error(err))
	}
}

// affectsConfiguredKind reports whether any kind the processor says the
// event may affect is present in the current mapping snapshot. A processor
// declaring no kinds is handled unconditionally.
func (m *Manager) affectsConfiguredKind(d *delivery) bool {
	kinds := d.processor.Kinds(d.event)
	if len(kinds) == 0 {
		return true
	}
	rcfg := m.runConfig.Load()
	if rcfg == nil {
		return true
	}
	byKind := rcfg.Snapshot.ByKind()
	for _, kind := range kinds {
		if _, ok := byKind[kind]; ok {
			return true
		}
	}
	return false
}

// handleAndApply runs the processor's handler and then the catalog writes,
// each with backoff. The delivery only counts as acknowledged once every
// write is accepted downstream.
func (m *Manager) handleAndApply(d *delivery, log logger.Logger) error {
	delta, err := m.handleWithRetries(d, log)
	if err != nil {
		return err
	}
	return m.applyWithRetries(d.event, delta, log)
}

func (m *Manager) handleWithRetries(d *delivery, log logger.Logger) (integration.Delta, error) {
	var (
		delta integration.Delta
		err   error
	)
	delay := m.config.InitialDelay
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
			if delay > m.config.MaxDelay {
				delay = m.config.MaxDelay
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.config.HandleTimeout)
		delta, err = d.processor.Handle(ctx, d.event)
		cancel()
		if err == nil {
			return delta, nil
		}
		log.Warn("event handler failed",
			logger.Int("attempt", attempt+1),
			logger.Error(err),
		)
	}
	return integration.Delta{}, err
}

// applyWithRetries writes the delta through the catalog, backing off on
// transient failures. Permanent failures and exhausted attempts surface to
// the caller, which dead-letters the delivery.
func (m *Manager) applyWithRetries(event integration.Event, delta integration.Delta, log logger.Logger) error {
	var err error
	delay := m.config.InitialDelay
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
			if delay > m.config.MaxDelay {
				delay = m.config.MaxDelay
			}
		}
		err = m.applyDelta(event, delta, log)
		if err == nil {
			return nil
		}
		if !oceanerr.IsRetryable(err) {
			return err
		}
		log.Warn("delta apply failed",
			logger.Int("attempt", attempt+1),
			logger.Error(err),
		)
	}
	return err
}

// applyDelta re-maps the delta's records with the current snapshot and
// writes them under the per-key locks shared with the resync engine, so a
// concurrent resync touching the same entity serializes against this write.
// Upserts are idempotent, so a retried delta may rewrite entities that
// already landed on an earlier attempt.
func (m *Manager) applyDelta(event integration.Event, delta integration.Delta, log logger.Logger) error {
	rcfg := m.runConfig.Load()
	if rcfg == nil {
		return oceanerr.New(oceanerr.KindInternal, "no mapping config loaded")
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.config.HandleTimeout)
	defer cancel()

	opts := port.UpsertOptions{
		CreateMissingRelatedEntities: rcfg.Flags.CreateMissingRelatedEntities,
		MergeEntity:                  rcfg.Flags.EnableMergeEntity,
	}
	byKind := rcfg.Snapshot.ByKind()

	var transientErr, permanentErr error
	record := func(key entity.Key, op string, err error) {
		if oceanerr.IsRetryable(err) {
			transientErr = err
			return
		}
		permanentErr = err
		log.Error("delta "+op+" rejected",
			logger.String("entity", key.String()),
			logger.Error(err),
		)
	}

	for kind, records := range delta.Records {
		resources, ok := byKind[kind]
		if !ok {
			log.Warn("delta names an unconfigured kind", logger.String("kind", kind))
			continue
		}
		var entities []*entity.Entity
		for _, resource := range resources {
			mapper := mapping.NewMapper(resource, m.catalog, rcfg.Flags.SearchPolicy)
			mapped, errs := mapper.MapBatch(ctx, records, 4)
			for _, err := range errs {
				log.Warn("delta mapping failed", logger.String("kind", kind), logger.Error(err))
			}
			entities = append(entities, mapped...)
		}
		entities = entity.Dedupe(entities, rcfg.Flags.EnableMergeEntity)

		for _, e := range entities {
			key := e.Key()
			m.locks.Do(key.String(), func() error {
				results := m.catalog.UpsertBatch(ctx, []*entity.Entity{e}, opts)
				for _, r := range results {
					if !r.OK() {
						record(key, "upsert", r.Err)
					}
				}
				return nil
			})
		}
	}

	for _, ref := range delta.Deletes {
		key := entity.Key{Blueprint: ref.Blueprint, Identifier: ref.Identifier}
		m.locks.Do(key.String(), func() error {
			if err := m.catalog.Delete(ctx, key, rcfg.Flags.DeleteDependentEntities); err != nil {
				record(key, "delete", err)
			}
			return nil
		})
	}

	if transientErr != nil {
		return transientErr
	}
	return permanentErr
}
