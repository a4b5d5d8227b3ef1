package config

// PortAppConfig is the mapping document (port-app-config) declaring which
// kinds to ingest and how records become entities. Loaded from a local YAML
// file or fetched from Port, depending on settings.
type PortAppConfig struct {
	Resources                    []ResourceConfig `yaml:"resources" json:"resources"`
	CreateMissingRelatedEntities *bool            `yaml:"createMissingRelatedEntities,omitempty" json:"createMissingRelatedEntities,omitempty"`
	DeleteDependentEntities      *bool            `yaml:"deleteDependentEntities,omitempty" json:"deleteDependentEntities,omitempty"`
	EnableMergeEntity            *bool            `yaml:"enableMergeEntity,omitempty" json:"enableMergeEntity,omitempty"`
}

// ResourceConfig declares one kind's selector and entity mappings
type ResourceConfig struct {
	Kind     string             `yaml:"kind" json:"kind"`
	Selector SelectorConfig     `yaml:"selector" json:"selector"`
	Port     PortResourceConfig `yaml:"port" json:"port"`
}

// SelectorConfig filters raw records before mapping
type SelectorConfig struct {
	Query string `yaml:"query" json:"query"`
}

// PortResourceConfig is the port-side half of a resource config
type PortResourceConfig struct {
	Entity EntityConfig `yaml:"entity" json:"entity"`
	// ItemsToParse explodes one raw record into many items before mapping
	ItemsToParse string `yaml:"itemsToParse,omitempty" json:"itemsToParse,omitempty"`
	// EmbedOriginalData controls whether item documents carry the outer
	// record; nil falls back to the global setting.
	EmbedOriginalData *bool `yaml:"embedOriginalData,omitempty" json:"embedOriginalData,omitempty"`
}

// EntityConfig wraps the entity mappings
type EntityConfig struct {
	Mappings MappingsConfig `yaml:"mappings" json:"mappings"`
}

// MappingsConfig holds the raw jq expressions producing entity fields
type MappingsConfig struct {
	Identifier string            `yaml:"identifier" json:"identifier"`
	Title      string            `yaml:"title,omitempty" json:"title,omitempty"`
	Blueprint  string            `yaml:"blueprint" json:"blueprint"`
	Team       string            `yaml:"team,omitempty" json:"team,omitempty"`
	Icon       string            `yaml:"icon,omitempty" json:"icon,omitempty"`
	Properties map[string]string `yaml:"properties,omitempty" json:"properties,omitempty"`
	Relations  map[string]string `yaml:"relations,omitempty" json:"relations,omitempty"`
	// Required lists properties whose mapping failure drops the entity
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`
}
