package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/oceanframework/ocean/internal/oceanerr"
)

// PortSettings carry the catalog credentials and endpoint
type PortSettings struct {
	ClientID     string `mapstructure:"clientId" validate:"required"`
	ClientSecret string `mapstructure:"clientSecret" validate:"required"`
	BaseURL      string `mapstructure:"baseUrl" validate:"required,url"`
}

// KafkaSettings configure the queue-driven event listener
type KafkaSettings struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"groupId"`
}

// EventListenerSettings select and configure the trigger strategy
type EventListenerSettings struct {
	Type  string        `mapstructure:"type" validate:"required,oneof=scheduled webhook kafka once"`
	Addr  string        `mapstructure:"addr"`
	Kafka KafkaSettings `mapstructure:"kafka"`
}

// IntegrationSettings identify this integration within the tenant
type IntegrationSettings struct {
	Identifier string            `mapstructure:"identifier" validate:"required"`
	Type       string            `mapstructure:"type" validate:"required"`
	Config     map[string]string `mapstructure:"config"`
}

// Settings is the full recognized configuration surface
type Settings struct {
	Port          PortSettings          `mapstructure:"port" validate:"required"`
	EventListener EventListenerSettings `mapstructure:"eventListener" validate:"required"`
	Integration   IntegrationSettings   `mapstructure:"integration" validate:"required"`

	InitializePortResources bool `mapstructure:"initializePortResources"`
	ScheduledResyncInterval int  `mapstructure:"scheduledResyncInterval" validate:"gte=0"`
	ResyncOnStart           bool `mapstructure:"resyncOnStart"`

	CreateMissingRelatedEntities bool `mapstructure:"createMissingRelatedEntities"`
	DeleteDependentEntities      bool `mapstructure:"deleteDependentEntities"`
	EnableMergeEntity            bool `mapstructure:"enableMergeEntity"`

	// EmbedOriginalDataInItemsToParse defaults to true for backwards
	// compatibility with mappings that read outer-record fields per item.
	EmbedOriginalDataInItemsToParse bool `mapstructure:"embedOriginalDataInItemsToParse"`

	// SearchIdentifierPolicy is strict or permissive
	SearchIdentifierPolicy string `mapstructure:"searchIdentifierPolicy" validate:"oneof=strict permissive"`

	// RunBudgetSeconds bounds a resync's wall clock; zero disables the budget
	RunBudgetSeconds int `mapstructure:"runBudgetSeconds" validate:"gte=0"`

	// AppConfigPath points at a local port-app-config YAML; empty means the
	// config is fetched from Port.
	AppConfigPath string `mapstructure:"appConfigPath"`
	// AppConfigPollInterval is how often a remote config is re-checked
	AppConfigPollIntervalSeconds int `mapstructure:"appConfigPollIntervalSeconds" validate:"gte=0"`

	// BlueprintsPath points at the integration's default blueprint JSON,
	// pushed at startup when initializePortResources is set and consulted
	// for relation-derived kind ordering.
	BlueprintsPath string `mapstructure:"blueprintsPath"`
	// ScorecardsPath points at the integration's default scorecards JSON
	ScorecardsPath string `mapstructure:"scorecardsPath"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// ScheduledInterval returns the resync interval as a duration
func (s *Settings) ScheduledInterval() time.Duration {
	return time.Duration(s.ScheduledResyncInterval) * time.Second
}

// RunBudget returns the run wall-clock budget as a duration
func (s *Settings) RunBudget() time.Duration {
	return time.Duration(s.RunBudgetSeconds) * time.Second
}

// AppConfigPollInterval returns the remote config poll interval
func (s *Settings) AppConfigPollInterval() time.Duration {
	return time.Duration(s.AppConfigPollIntervalSeconds) * time.Second
}

// LoadSettings reads settings from an optional YAML file and the OCEAN__*
// environment, validates them, and applies defaults.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("OCEAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	v.SetDefault("eventListener.type", "scheduled")
	v.SetDefault("eventListener.addr", ":8000")
	v.SetDefault("scheduledResyncInterval", 3600)
	v.SetDefault("resyncOnStart", true)
	v.SetDefault("embedOriginalDataInItemsToParse", true)
	v.SetDefault("searchIdentifierPolicy", "permissive")
	v.SetDefault("appConfigPollIntervalSeconds", 60)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, oceanerr.Wrap(oceanerr.KindConfig, "read settings file "+path, err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, oceanerr.Wrap(oceanerr.KindConfig, "decode settings", err)
	}

	if err := validator.New().Struct(&settings); err != nil {
		return nil, oceanerr.Wrap(oceanerr.KindConfig, "invalid settings", err)
	}

	return &settings, nil
}
