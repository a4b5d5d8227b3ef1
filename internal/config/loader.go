package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/oceanframework/ocean/internal/logger"
	"github.com/oceanframework/ocean/internal/mapping"
	"github.com/oceanframework/ocean/internal/oceanerr"
	"github.com/oceanframework/ocean/internal/runctx"
)

// RemoteSource fetches the mapping document from Port
type RemoteSource interface {
	GetAppConfig(ctx context.Context) ([]byte, error)
}

// Snapshot is one loaded-and-compiled mapping document. Snapshots are
// immutable; hot reload swaps the whole snapshot.
type Snapshot struct {
	PAC *PortAppConfig
	// Resources holds the compiled resource configs in document order. A
	// kind may appear more than once.
	Resources []*mapping.CompiledResource
	// Disabled maps a resource label (kind plus document index) to the
	// compile error that sidelined it. Disabled entries never fail a load.
	Disabled map[string]error
	Hash     string
	LoadedAt time.Time
}

// Kinds returns the distinct enabled kinds in document order
func (s *Snapshot) Kinds() []string {
	seen := make(map[string]struct{}, len(s.Resources))
	var kinds []string
	for _, r := range s.Resources {
		if _, ok := seen[r.Kind]; ok {
			continue
		}
		seen[r.Kind] = struct{}{}
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

// ByKind groups the compiled resources per kind
func (s *Snapshot) ByKind() map[string][]*mapping.CompiledResource {
	out := make(map[string][]*mapping.CompiledResource)
	for _, r := range s.Resources {
		out[r.Kind] = append(out[r.Kind], r)
	}
	return out
}

// Flags resolves the effective run flags: document values override settings
func (s *Snapshot) Flags(settings *Settings) runctx.Flags {
	flags := runctx.Flags{
		CreateMissingRelatedEntities: settings.CreateMissingRelatedEntities,
		DeleteDependentEntities:      settings.DeleteDependentEntities,
		EnableMergeEntity:            settings.EnableMergeEntity,
		SearchPolicy:                 mapping.Policy(settings.SearchIdentifierPolicy),
	}
	if s.PAC.CreateMissingRelatedEntities != nil {
		flags.CreateMissingRelatedEntities = *s.PAC.CreateMissingRelatedEntities
	}
	if s.PAC.DeleteDependentEntities != nil {
		flags.DeleteDependentEntities = *s.PAC.DeleteDependentEntities
	}
	if s.PAC.EnableMergeEntity != nil {
		flags.EnableMergeEntity = *s.PAC.EnableMergeEntity
	}
	return flags
}

// Loader reads the mapping document from disk or Port and compiles it
type Loader struct {
	settings *Settings
	remote   RemoteSource
	log      logger.Logger

	mu      sync.Mutex
	current *Snapshot
}

// NewLoader creates a loader. remote may be nil when a local path is set.
func NewLoader(settings *Settings, remote RemoteSource) *Loader {
	return &Loader{
		settings: settings,
		remote:   remote,
		log:      logger.New("config"),
	}
}

// Current returns the last loaded snapshot, or nil before the first Load
func (l *Loader) Current() *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Load fetches, parses and compiles the mapping document. Individual
// resource configs that fail to compile are sidelined, not fatal; a
// document that fails to parse at all is a config error.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	raw, err := l.fetch(ctx)
	if err != nil {
		return nil, err
	}

	var pac PortAppConfig
	if err := yaml.Unmarshal(raw, &pac); err != nil {
		return nil, oceanerr.Wrap(oceanerr.KindConfig, "parse mapping document", err)
	}

	sum := sha256.Sum256(raw)
	snapshot := &Snapshot{
		PAC:      &pac,
		Disabled: make(map[string]error),
		Hash:     hex.EncodeToString(sum[:]),
		LoadedAt: time.Now().UTC(),
	}

	for i, rc := range pac.Resources {
		label := fmt.Sprintf("%s[%d]", rc.Kind, i)
		compiled, err := l.compileResource(rc)
		if err != nil {
			snapshot.Disabled[label] = err
			l.log.Error("resource config disabled",
				logger.String("kind", rc.Kind),
				logger.Int("index", i),
				logger.Error(err),
			)
			continue
		}
		snapshot.Resources = append(snapshot.Resources, compiled)
	}

	l.mu.Lock()
	l.current = snapshot
	l.mu.Unlock()
	return snapshot, nil
}

// fetch returns the raw document bytes from disk or Port
func (l *Loader) fetch(ctx context.Context) ([]byte, error) {
	if l.settings.AppConfigPath != "" {
		raw, err := os.ReadFile(l.settings.AppConfigPath)
		if err != nil {
			return nil, oceanerr.Wrap(oceanerr.KindConfig, "read mapping document", err)
		}
		return raw, nil
	}
	if l.remote == nil {
		return nil, oceanerr.Config("no mapping document source: set appConfigPath or a Port client")
	}
	return l.remote.GetAppConfig(ctx)
}

// compileResource compiles every expression of one resource config
func (l *Loader) compileResource(rc ResourceConfig) (*mapping.CompiledResource, error) {
	if rc.Kind == "" {
		return nil, oceanerr.Config("resource config is missing a kind")
	}
	m := rc.Port.Entity.Mappings
	if m.Identifier == "" {
		return nil, oceanerr.Configf("kind %q has no identifier mapping", rc.Kind)
	}
	if m.Blueprint == "" {
		return nil, oceanerr.Configf("kind %q has no blueprint mapping", rc.Kind)
	}

	compiled := &mapping.CompiledResource{
		Kind:              rc.Kind,
		EmbedOriginalData: l.settings.EmbedOriginalDataInItemsToParse,
		Mappings: mapping.EntityMappings{
			Properties: make(map[string]*mapping.Program, len(m.Properties)),
			Relations:  make(map[string]*mapping.Program, len(m.Relations)),
			Required:   append([]string(nil), m.Required...),
		},
	}
	if rc.Port.EmbedOriginalData != nil {
		compiled.EmbedOriginalData = *rc.Port.EmbedOriginalData
	}

	var err error
	if rc.Selector.Query != "" {
		if compiled.Selector, err = mapping.Compile(rc.Selector.Query); err != nil {
			return nil, oceanerr.Wrapf(err, "kind %q selector", rc.Kind)
		}
	}
	if rc.Port.ItemsToParse != "" {
		if compiled.ItemsToParse, err = mapping.Compile(rc.Port.ItemsToParse); err != nil {
			return nil, oceanerr.Wrapf(err, "kind %q itemsToParse", rc.Kind)
		}
	}

	if compiled.Mappings.Identifier, err = mapping.Compile(m.Identifier); err != nil {
		return nil, oceanerr.Wrapf(err, "kind %q identifier", rc.Kind)
	}
	if compiled.Mappings.Blueprint, err = mapping.Compile(m.Blueprint); err != nil {
		return nil, oceanerr.Wrapf(err, "kind %q blueprint", rc.Kind)
	}
	if m.Title != "" {
		if compiled.Mappings.Title, err = mapping.Compile(m.Title); err != nil {
			return nil, oceanerr.Wrapf(err, "kind %q title", rc.Kind)
		}
	}
	if m.Team != "" {
		if compiled.Mappings.Team, err = mapping.Compile(m.Team); err != nil {
			return nil, oceanerr.Wrapf(err, "kind %q team", rc.Kind)
		}
	}
	if m.Icon != "" {
		if compiled.Mappings.Icon, err = mapping.Compile(m.Icon); err != nil {
			return nil, oceanerr.Wrapf(err, "kind %q icon", rc.Kind)
		}
	}
	for name, src := range m.Properties {
		if compiled.Mappings.Properties[name], err = mapping.Compile(src); err != nil {
			return nil, oceanerr.Wrapf(err, "kind %q property %q", rc.Kind, name)
		}
	}
	for name, src := range m.Relations {
		if compiled.Mappings.Relations[name], err = mapping.Compile(src); err != nil {
			return nil, oceanerr.Wrapf(err, "kind %q relation %q", rc.Kind, name)
		}
	}
	return compiled, nil
}

// Watch reloads the mapping document on change, calling onChange with each
// new snapshot. Local files are watched via fsnotify; remote documents are
// polled. Blocks until ctx ends.
func (l *Loader) Watch(ctx context.Context, onChange func(*Snapshot)) error {
	if l.settings.AppConfigPath != "" {
		return l.watchFile(ctx, onChange)
	}
	return l.pollRemote(ctx, onChange)
}

func (l *Loader) watchFile(ctx context.Context, onChange func(*Snapshot)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return oceanerr.Wrap(oceanerr.KindInternal, "create file watcher", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file, which drops a watch
	// on the file itself.
	if err := watcher.Add(filepath.Dir(l.settings.AppConfigPath)); err != nil {
		return oceanerr.Wrap(oceanerr.KindInternal, "watch mapping document", err)
	}

	target := filepath.Clean(l.settings.AppConfigPath)
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				l.reload(ctx, onChange)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("file watcher error", logger.Error(err))
		}
	}
}

func (l *Loader) pollRemote(ctx context.Context, onChange func(*Snapshot)) error {
	interval := l.settings.AppConfigPollInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.reload(ctx, onChange)
		}
	}
}

// reload loads a fresh snapshot and notifies only when the document changed
func (l *Loader) reload(ctx context.Context, onChange func(*Snapshot)) {
	previous := l.Current()
	snapshot, err := l.Load(ctx)
	if err != nil {
		l.log.Error("mapping document reload failed, keeping current config", logger.Error(err))
		l.mu.Lock()
		l.current = previous
		l.mu.Unlock()
		return
	}
	if previous != nil && previous.Hash == snapshot.Hash {
		return
	}
	l.log.Info("mapping document changed",
		logger.Int("resources", len(snapshot.Resources)),
		logger.Int("disabled", len(snapshot.Disabled)),
	)
	if onChange != nil {
		onChange(snapshot)
	}
}
