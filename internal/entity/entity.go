package entity

import (
	"encoding/json"
	"fmt"

	"github.com/oceanframework/ocean/internal/oceanerr"
)

// Key identifies an entity within the catalog
type Key struct {
	Blueprint  string `json:"blueprint"`
	Identifier string `json:"identifier"`
}

// String returns the canonical key form
func (k Key) String() string {
	return k.Blueprint + "/" + k.Identifier
}

// Entity is an instance of a blueprint
type Entity struct {
	Identifier string                 `json:"identifier"`
	Blueprint  string                 `json:"blueprint"`
	Title      string                 `json:"title,omitempty"`
	Team       interface{}            `json:"team,omitempty"`
	Icon       string                 `json:"icon,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Relations  map[string]interface{} `json:"relations,omitempty"`
}

// Key returns the canonical key of the entity
func (e *Entity) Key() Key {
	return Key{Blueprint: e.Blueprint, Identifier: e.Identifier}
}

// Validate checks that the required fields are present
func (e *Entity) Validate() error {
	if e == nil {
		return oceanerr.Mappingf("entity is nil")
	}
	if e.Blueprint == "" {
		return oceanerr.Mappingf("entity %q has no blueprint", e.Identifier)
	}
	if e.Identifier == "" {
		return oceanerr.Mappingf("entity of blueprint %q has no identifier", e.Blueprint)
	}
	return nil
}

// EstimateSize returns the approximate serialized size of the entity in bytes
func (e *Entity) EstimateSize() int {
	data, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(data)
}

// SearchRule is a single predicate inside a search identifier
type SearchRule struct {
	Property string      `json:"property"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// SearchQuery is the rule set sent to the catalog search endpoint
type SearchQuery struct {
	Combinator string       `json:"combinator"`
	Rules      []SearchRule `json:"rules"`
}

// SearchIdentifier stands in for a relation target whose identifier is unknown
type SearchIdentifier struct {
	Blueprint  string       `json:"blueprint,omitempty"`
	Combinator string       `json:"combinator"`
	Rules      []SearchRule `json:"rules"`
}

// Query returns the search query carried by the identifier
func (s *SearchIdentifier) Query() SearchQuery {
	return SearchQuery{Combinator: s.Combinator, Rules: s.Rules}
}

// ParseSearchIdentifier interprets a mapped relation value as a search identifier.
// Returns nil when the value is not shaped like one.
func ParseSearchIdentifier(value interface{}) *SearchIdentifier {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil
	}
	rawRules, ok := obj["rules"].([]interface{})
	if !ok {
		return nil
	}

	si := &SearchIdentifier{Combinator: "and"}
	if c, ok := obj["combinator"].(string); ok && c != "" {
		si.Combinator = c
	}
	if bp, ok := obj["blueprint"].(string); ok {
		si.Blueprint = bp
	}

	for _, raw := range rawRules {
		rule, ok := raw.(map[string]interface{})
		if !ok {
			return nil
		}
		sr := SearchRule{Value: rule["value"]}
		if p, ok := rule["property"].(string); ok {
			sr.Property = p
		}
		if op, ok := rule["operator"].(string); ok {
			sr.Operator = op
		} else {
			sr.Operator = "="
		}
		si.Rules = append(si.Rules, sr)
	}
	return si
}

// Merge folds src into dst for two entities sharing a key. Scalars follow
// last-writer-wins; list relations are unioned when mergeRelations is set.
func Merge(dst, src *Entity, mergeRelations bool) *Entity {
	if dst == nil {
		return src
	}
	if src == nil {
		return dst
	}

	out := &Entity{
		Identifier: dst.Identifier,
		Blueprint:  dst.Blueprint,
		Title:      dst.Title,
		Team:       dst.Team,
		Icon:       dst.Icon,
		Properties: make(map[string]interface{}, len(dst.Properties)),
		Relations:  make(map[string]interface{}, len(dst.Relations)),
	}
	for k, v := range dst.Properties {
		out.Properties[k] = v
	}
	for k, v := range dst.Relations {
		out.Relations[k] = v
	}

	if src.Title != "" {
		out.Title = src.Title
	}
	if src.Team != nil {
		out.Team = src.Team
	}
	if src.Icon != "" {
		out.Icon = src.Icon
	}
	for k, v := range src.Properties {
		out.Properties[k] = v
	}
	for name, v := range src.Relations {
		existing, exists := out.Relations[name]
		if !exists || !mergeRelations {
			out.Relations[name] = v
			continue
		}
		out.Relations[name] = unionRelation(existing, v)
	}
	return out
}

// unionRelation merges two relation values into a de-duplicated list where
// both sides are plain identifiers; any non-list-compatible value wins as-is.
func unionRelation(a, b interface{}) interface{} {
	left, lok := relationTargets(a)
	right, rok := relationTargets(b)
	if !lok || !rok {
		return b
	}

	seen := make(map[string]struct{}, len(left)+len(right))
	merged := make([]string, 0, len(left)+len(right))
	for _, id := range append(left, right...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, id)
	}
	return merged
}

// relationTargets extracts literal identifiers from a relation value
func relationTargets(v interface{}) ([]string, bool) {
	switch t := v.(type) {
	case string:
		return []string{t}, true
	case []string:
		return t, true
	case []interface{}:
		ids := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			ids = append(ids, s)
		}
		return ids, true
	default:
		return nil, false
	}
}

// Dedupe collapses entities sharing a key, preserving first-seen order.
// Later entities win per the merge policy.
func Dedupe(entities []*Entity, mergeRelations bool) []*Entity {
	byKey := make(map[Key]int, len(entities))
	out := make([]*Entity, 0, len(entities))
	for _, e := range entities {
		if e == nil {
			continue
		}
		if idx, exists := byKey[e.Key()]; exists {
			out[idx] = Merge(out[idx], e, mergeRelations)
			continue
		}
		byKey[e.Key()] = len(out)
		out = append(out, e)
	}
	return out
}

// BlueprintRelation declares a relation on a blueprint schema
type BlueprintRelation struct {
	Target   string `json:"target"`
	Many     bool   `json:"many,omitempty"`
	Required bool   `json:"required,omitempty"`
	Title    string `json:"title,omitempty"`
}

// Blueprint is a type definition in the catalog. The runtime only consults
// relation declarations; schema ownership stays with the catalog.
type Blueprint struct {
	Identifier string                       `json:"identifier"`
	Title      string                       `json:"title,omitempty"`
	Icon       string                       `json:"icon,omitempty"`
	Schema     map[string]interface{}       `json:"schema,omitempty"`
	Relations  map[string]BlueprintRelation `json:"relations,omitempty"`
}

// RelationTargets returns the target blueprints declared by the blueprint
func (b *Blueprint) RelationTargets() []string {
	targets := make([]string, 0, len(b.Relations))
	for _, rel := range b.Relations {
		targets = append(targets, rel.Target)
	}
	return targets
}

// Placeholder builds the minimal entity created for a missing relation target
func Placeholder(blueprint, identifier string) *Entity {
	return &Entity{
		Identifier: identifier,
		Blueprint:  blueprint,
		Title:      identifier,
	}
}

// FormatRef renders a key as a human-readable reference for logs
func FormatRef(k Key) string {
	return fmt.Sprintf("%s/%s", k.Blueprint, k.Identifier)
}
