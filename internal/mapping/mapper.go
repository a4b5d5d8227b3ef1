package mapping

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/oceanframework/ocean/internal/entity"
	"github.com/oceanframework/ocean/internal/logger"
	"github.com/oceanframework/ocean/internal/oceanerr"
)

// Policy selects how search identifiers are handled during mapping
type Policy string

const (
	// PolicyStrict resolves search identifiers up-front; ambiguity is an error
	PolicyStrict Policy = "strict"
	// PolicyPermissive forwards search identifiers for the catalog to match
	PolicyPermissive Policy = "permissive"
)

// Searcher resolves search queries against the catalog
type Searcher interface {
	Search(ctx context.Context, blueprint string, query entity.SearchQuery) ([]string, error)
}

// EntityMappings holds the compiled expressions producing entity fields
type EntityMappings struct {
	Identifier *Program
	Title      *Program
	Blueprint  *Program
	Team       *Program
	Icon       *Program
	Properties map[string]*Program
	Relations  map[string]*Program
	// Required lists property names whose mapping failure fails the entity
	// instead of omitting the property.
	Required []string
}

// CompiledResource is a resource config whose expressions compiled successfully
type CompiledResource struct {
	Kind              string
	Selector          *Program
	ItemsToParse      *Program
	EmbedOriginalData bool
	Mappings          EntityMappings
}

// Mapper applies a compiled resource config to raw records
type Mapper struct {
	resource *CompiledResource
	searcher Searcher
	policy   Policy
	log      logger.Logger
}

// NewMapper creates a mapper for a single kind
func NewMapper(resource *CompiledResource, searcher Searcher, policy Policy) *Mapper {
	if policy == "" {
		policy = PolicyPermissive
	}
	return &Mapper{
		resource: resource,
		searcher: searcher,
		policy:   policy,
		log:      logger.New("mapper").WithFields(logger.String("kind", resource.Kind)),
	}
}

// MapRecord maps a single raw record into zero or more entities. A falsy
// selector filters the record out without error. Per-entity failures are
// returned alongside successes so one bad item never fails the batch.
func (m *Mapper) MapRecord(ctx context.Context, record map[string]interface{}) ([]*entity.Entity, []error) {
	if m.resource.Selector != nil {
		selected, err := m.resource.Selector.Eval(ctx, record)
		if err != nil {
			return nil, []error{err}
		}
		if !Truthy(selected) {
			return nil, nil
		}
	}

	if m.resource.ItemsToParse == nil {
		ent, err := m.mapOne(ctx, record)
		if err != nil {
			return nil, []error{err}
		}
		if ent == nil {
			return nil, nil
		}
		return []*entity.Entity{ent}, nil
	}

	items, err := m.resource.ItemsToParse.EvalSeq(ctx, record)
	if err != nil {
		return nil, []error{err}
	}
	if len(items) == 1 {
		if arr, ok := items[0].([]interface{}); ok {
			items = arr
		}
	}

	var (
		entities []*entity.Entity
		errs     []error
	)
	for _, item := range items {
		doc := m.itemDocument(record, item)
		ent, err := m.mapOne(ctx, doc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ent != nil {
			entities = append(entities, ent)
		}
	}
	return entities, errs
}

// itemDocument builds the evaluation context for one exploded item. When
// embedOriginalData is off the outer record must not be captured: large
// payloads would otherwise be retained once per item.
func (m *Mapper) itemDocument(record map[string]interface{}, item interface{}) map[string]interface{} {
	if !m.resource.EmbedOriginalData {
		return map[string]interface{}{"item": item}
	}
	doc := make(map[string]interface{}, len(record)+1)
	for k, v := range record {
		doc[k] = v
	}
	doc["item"] = item
	return doc
}

// mapOne assembles a single entity from an evaluation document
func (m *Mapper) mapOne(ctx context.Context, doc interface{}) (*entity.Entity, error) {
	identifier, err := m.evalString(ctx, m.resource.Mappings.Identifier, doc, "identifier")
	if err != nil {
		return nil, err
	}
	if identifier == "" {
		return nil, oceanerr.Mappingf("identifier expression %s produced an empty value", m.resource.Mappings.Identifier.Source())
	}

	blueprint, err := m.evalString(ctx, m.resource.Mappings.Blueprint, doc, "blueprint")
	if err != nil {
		return nil, err
	}
	if blueprint == "" {
		return nil, oceanerr.Mappingf("blueprint expression produced an empty value for %q", identifier)
	}

	ent := &entity.Entity{
		Identifier: identifier,
		Blueprint:  blueprint,
		Properties: make(map[string]interface{}),
		Relations:  make(map[string]interface{}),
	}

	if m.resource.Mappings.Title != nil {
		if title, err := m.evalString(ctx, m.resource.Mappings.Title, doc, "title"); err == nil {
			ent.Title = title
		}
	}
	if m.resource.Mappings.Icon != nil {
		if icon, err := m.evalString(ctx, m.resource.Mappings.Icon, doc, "icon"); err == nil {
			ent.Icon = icon
		}
	}
	if m.resource.Mappings.Team != nil {
		if team, err := m.resource.Mappings.Team.Eval(ctx, doc); err == nil && team != nil {
			ent.Team = team
		}
	}

	for name, program := range m.resource.Mappings.Properties {
		value, err := program.Eval(ctx, doc)
		if err != nil {
			if oceanerr.IsCanceled(err) {
				return nil, err
			}
			if m.isRequired(name) {
				return nil, oceanerr.Mappingf("required property %q failed for %q: %v", name, identifier, err)
			}
			m.log.Warn("property mapping failed, omitting",
				logger.String("property", name),
				logger.String("identifier", identifier),
				logger.Error(err),
			)
			continue
		}
		ent.Properties[name] = value
	}

	for name, program := range m.resource.Mappings.Relations {
		value, err := program.Eval(ctx, doc)
		if err != nil {
			return nil, oceanerr.Mappingf("relation %q failed for %q: %v", name, identifier, err)
		}
		resolved, err := m.relationValue(ctx, name, identifier, value)
		if err != nil {
			return nil, err
		}
		if resolved != nil {
			ent.Relations[name] = resolved
		}
	}

	return ent, nil
}

// relationValue normalizes a mapped relation value: literal identifier,
// identifier list, search identifier, or null (skipped)
func (m *Mapper) relationValue(ctx context.Context, name, identifier string, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case []interface{}:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, oceanerr.Mappingf("relation %q for %q contains a non-string target %v", name, identifier, item)
			}
			ids = append(ids, s)
		}
		return ids, nil
	case map[string]interface{}:
		si := entity.ParseSearchIdentifier(v)
		if si == nil {
			return nil, oceanerr.Mappingf("relation %q for %q has an invalid shape", name, identifier)
		}
		if m.policy == PolicyPermissive {
			return si, nil
		}
		return m.resolveSearch(ctx, name, identifier, si)
	default:
		return nil, oceanerr.Mappingf("relation %q for %q has unsupported type %T", name, identifier, value)
	}
}

// resolveSearch applies the strict policy: the search must match exactly one target
func (m *Mapper) resolveSearch(ctx context.Context, name, identifier string, si *entity.SearchIdentifier) (interface{}, error) {
	if m.searcher == nil {
		return nil, oceanerr.Mappingf("relation %q for %q needs search resolution but no searcher is configured", name, identifier)
	}
	ids, err := m.searcher.Search(ctx, si.Blueprint, si.Query())
	if err != nil {
		return nil, err
	}
	switch len(ids) {
	case 0:
		return nil, oceanerr.Mappingf("relation %q for %q matched no %s entities", name, identifier, si.Blueprint)
	case 1:
		return ids[0], nil
	default:
		return nil, oceanerr.Mappingf("relation %q for %q matched %d %s entities", name, identifier, len(ids), si.Blueprint)
	}
}

// MapBatch maps records in parallel under a worker cap. Output preserves
// input order so downstream dedupe keeps last-writer-wins semantics.
func (m *Mapper) MapBatch(ctx context.Context, records []map[string]interface{}, workers int) ([]*entity.Entity, []error) {
	if workers <= 0 {
		workers = 1
	}

	type result struct {
		entities []*entity.Entity
		errs     []error
	}
	results := make([]result, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, record := range records {
		i, record := i, record
		g.Go(func() error {
			entities, errs := m.MapRecord(gctx, record)
			results[i] = result{entities: entities, errs: errs}
			return nil
		})
	}
	// Mapping failures are collected per record, never escalated.
	_ = g.Wait()

	var (
		entities []*entity.Entity
		errs     []error
	)
	for _, r := range results {
		entities = append(entities, r.entities...)
		errs = append(errs, r.errs...)
	}
	return entities, errs
}

func (m *Mapper) isRequired(property string) bool {
	for _, name := range m.resource.Mappings.Required {
		if name == property {
			return true
		}
	}
	return false
}

// Kind returns the kind this mapper serves
func (m *Mapper) Kind() string {
	return m.resource.Kind
}

// evalString evaluates a program expected to produce a string
func (m *Mapper) evalString(ctx context.Context, program *Program, doc interface{}, field string) (string, error) {
	if program == nil {
		return "", oceanerr.Mappingf("no %s mapping configured for kind %q", field, m.resource.Kind)
	}
	value, err := program.Eval(ctx, doc)
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", nil
	}
	s, ok := value.(string)
	if !ok {
		return "", oceanerr.Mappingf("%s expression %s produced %T, want string", field, program.Source(), value)
	}
	return s, nil
}

// BlueprintHint evaluates the blueprint expression against an empty record.
// Constant blueprint mappings, the common case, resolve without data; dynamic
// ones return empty and the orchestrator falls back to observed blueprints.
func (m *Mapper) BlueprintHint() string {
	if m.resource.Mappings.Blueprint == nil {
		return ""
	}
	value, err := m.resource.Mappings.Blueprint.Eval(context.Background(), map[string]interface{}{})
	if err != nil {
		return ""
	}
	s, _ := value.(string)
	return s
}
