// Package ocean is the shared runtime for Port integrations: it owns the
// resync engine, the mapping engine, the live-event pipeline and the Port
// client. An integration supplies fetchers and processors; the runtime does
// the rest.
package ocean

import (
	"context"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/oceanframework/ocean/internal/config"
	"github.com/oceanframework/ocean/internal/keyq"
	"github.com/oceanframework/ocean/internal/logger"
	"github.com/oceanframework/ocean/internal/oceanerr"
	"github.com/oceanframework/ocean/internal/port"
	"github.com/oceanframework/ocean/internal/resync"
	"github.com/oceanframework/ocean/internal/trigger"
	"github.com/oceanframework/ocean/internal/webhook"
	"github.com/oceanframework/ocean/pkg/integration"
)

// App is one integration process: settings, the Port client, the resync
// orchestrator and the live-event manager, wired together.
type App struct {
	settings *config.Settings
	client   *port.Client
	loader   *config.Loader
	locks    *keyq.KeyedLocks
	manager  *webhook.Manager

	fetchers map[string]integration.Fetcher

	orchestrator *resync.Orchestrator
	log          logger.Logger
}

// New creates an App from settings. Fetchers and processors are registered
// before Sail.
func New(settings *config.Settings) (*App, error) {
	logger.Initialize(logger.Config{
		Level:  settings.Logging.Level,
		Format: settings.Logging.Format,
	})

	client, err := port.NewClient(port.Config{
		BaseURL:       settings.Port.BaseURL,
		ClientID:      settings.Port.ClientID,
		ClientSecret:  settings.Port.ClientSecret,
		IntegrationID: settings.Integration.Identifier,
	})
	if err != nil {
		return nil, err
	}

	locks := keyq.New(256)
	app := &App{
		settings: settings,
		client:   client,
		loader:   config.NewLoader(settings, client),
		locks:    locks,
		manager:  webhook.NewManager(webhook.Config{}, client, locks),
		fetchers: make(map[string]integration.Fetcher),
		log:      logger.New("ocean"),
	}
	return app, nil
}

// RegisterFetcher binds a fetcher to a kind. The kind must also appear in
// the mapping document to be resynced.
func (a *App) RegisterFetcher(kind string, fetcher integration.Fetcher) {
	a.fetchers[kind] = fetcher
}

// RegisterFetchFunc binds a fetch function to a kind
func (a *App) RegisterFetchFunc(kind string, fn integration.FetchFunc) {
	a.RegisterFetcher(kind, fn)
}

// RegisterProcessor binds a live-event processor to a webhook path
func (a *App) RegisterProcessor(path string, processor integration.Processor) {
	a.manager.Register(path, processor)
}

// Sail runs the integration until ctx ends or a signal arrives. It loads
// the mapping document, pushes default Port resources when configured,
// starts the configured trigger and keeps the config hot-reloaded.
func (a *App) Sail(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snapshot, err := a.loader.Load(ctx)
	if err != nil {
		return err
	}
	a.manager.UpdateConfig(&webhook.RunConfig{
		Snapshot: snapshot,
		Flags:    snapshot.Flags(a.settings),
	})

	if a.settings.InitializePortResources {
		if err := a.initializeResources(ctx); err != nil {
			return err
		}
	}

	blueprints, err := config.LoadBlueprints(a.settings.BlueprintsPath)
	if err != nil {
		return err
	}
	a.orchestrator = resync.New(a.client, a.fetchers, a.locks, resync.Options{
		IntegrationID: a.settings.Integration.Identifier,
		Blueprints:    blueprints,
		RunBudget:     a.settings.RunBudget(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.loader.Watch(gctx, func(s *config.Snapshot) {
			a.manager.UpdateConfig(&webhook.RunConfig{
				Snapshot: s,
				Flags:    s.Flags(a.settings),
			})
		})
		if oceanerr.IsCanceled(err) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := a.runTrigger(gctx)
		if oceanerr.IsCanceled(err) {
			return nil
		}
		return err
	})

	a.log.Info("integration sailing",
		logger.String("integration", a.settings.Integration.Identifier),
		logger.String("trigger", a.settings.EventListener.Type),
	)
	return g.Wait()
}

// Resync runs one full resync against the current mapping snapshot. A run
// that fails outright returns an error; partial failures do not.
func (a *App) Resync(ctx context.Context) error {
	snapshot := a.loader.Current()
	if snapshot == nil {
		return oceanerr.Config("no mapping document loaded")
	}
	summary, err := a.orchestrator.Run(ctx, snapshot, snapshot.Flags(a.settings))
	if err != nil {
		return err
	}
	if summary.Status == resync.StatusFailed {
		return oceanerr.Newf(oceanerr.KindInternal, "resync %s failed", summary.RunID)
	}
	return nil
}

// ResyncStatus reports the orchestrator's state
func (a *App) ResyncStatus() resync.Status {
	if a.orchestrator == nil {
		return resync.StatusIdle
	}
	return a.orchestrator.Status()
}

// runTrigger starts the configured event listener
func (a *App) runTrigger(ctx context.Context) error {
	server := trigger.NewServer(trigger.ServerConfig{
		Addr: a.settings.EventListener.Addr,
	}, a.manager, a, a.ResyncStatus)

	switch a.settings.EventListener.Type {
	case "once":
		return trigger.NewOnce(a).Run(ctx)
	case "scheduled":
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return server.Run(gctx) })
		g.Go(func() error {
			return trigger.NewScheduled(a, a.settings.ScheduledInterval(), a.settings.ResyncOnStart).Run(gctx)
		})
		return g.Wait()
	case "webhook":
		if a.settings.ScheduledResyncInterval > 0 {
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Run(gctx) })
			g.Go(func() error {
				return trigger.NewScheduled(a, a.settings.ScheduledInterval(), a.settings.ResyncOnStart).Run(gctx)
			})
			return g.Wait()
		}
		return server.Run(ctx)
	case "kafka":
		kafka := trigger.NewKafka(trigger.KafkaConfig{
			Brokers: a.settings.EventListener.Kafka.Brokers,
			Topic:   a.settings.EventListener.Kafka.Topic,
			GroupID: a.settings.EventListener.Kafka.GroupID,
		}, a.manager)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return server.Run(gctx) })
		g.Go(func() error { return kafka.Run(gctx) })
		return g.Wait()
	default:
		return oceanerr.Configf("unknown event listener type %q", a.settings.EventListener.Type)
	}
}

// initializeResources pushes the integration's default blueprints and
// scorecards, tolerating ones that already exist
func (a *App) initializeResources(ctx context.Context) error {
	blueprints, err := config.LoadBlueprints(a.settings.BlueprintsPath)
	if err != nil {
		return err
	}
	for _, bp := range blueprints {
		if err := a.client.EnsureBlueprint(ctx, bp); err != nil {
			return oceanerr.Wrapf(err, "initialize blueprint %q", bp.Identifier)
		}
	}

	scorecards, err := config.LoadScorecards(a.settings.ScorecardsPath)
	if err != nil {
		return err
	}
	for _, sc := range scorecards {
		if err := a.client.EnsureScorecards(ctx, sc.Blueprint, []map[string]interface{}{sc.Scorecard}); err != nil {
			return oceanerr.Wrapf(err, "initialize scorecards for %q", sc.Blueprint)
		}
	}

	if len(blueprints) > 0 || len(scorecards) > 0 {
		a.log.Info("default resources initialized",
			logger.Int("blueprints", len(blueprints)),
			logger.Int("scorecards", len(scorecards)),
		)
	}
	return nil
}
