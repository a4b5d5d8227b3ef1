package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanframework/ocean/internal/oceanerr"
)

const minimalSettings = `
port:
  clientId: my-client
  clientSecret: my-secret
  baseUrl: https://api.getport.io
integration:
  identifier: my-integration
  type: github
`

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSettingsDefaults(t *testing.T) {
	settings, err := LoadSettings(writeSettings(t, minimalSettings))
	require.NoError(t, err)

	assert.Equal(t, "my-client", settings.Port.ClientID)
	assert.Equal(t, "scheduled", settings.EventListener.Type)
	assert.Equal(t, ":8000", settings.EventListener.Addr)
	assert.Equal(t, time.Hour, settings.ScheduledInterval())
	assert.True(t, settings.ResyncOnStart)
	assert.True(t, settings.EmbedOriginalDataInItemsToParse)
	assert.Equal(t, "permissive", settings.SearchIdentifierPolicy)
	assert.Equal(t, time.Minute, settings.AppConfigPollInterval())
	assert.Equal(t, time.Duration(0), settings.RunBudget())
	assert.Equal(t, "info", settings.Logging.Level)
	assert.Equal(t, "json", settings.Logging.Format)
}

func TestLoadSettingsOverrides(t *testing.T) {
	settings, err := LoadSettings(writeSettings(t, minimalSettings+`
eventListener:
  type: kafka
  kafka:
    brokers: ["broker-1:9092", "broker-2:9092"]
    topic: ocean.events
    groupId: my-integration
scheduledResyncInterval: 600
runBudgetSeconds: 1800
searchIdentifierPolicy: strict
deleteDependentEntities: true
`))
	require.NoError(t, err)

	assert.Equal(t, "kafka", settings.EventListener.Type)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, settings.EventListener.Kafka.Brokers)
	assert.Equal(t, 10*time.Minute, settings.ScheduledInterval())
	assert.Equal(t, 30*time.Minute, settings.RunBudget())
	assert.Equal(t, "strict", settings.SearchIdentifierPolicy)
	assert.True(t, settings.DeleteDependentEntities)
}

func TestLoadSettingsValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing credentials",
			content: `
port:
  baseUrl: https://api.getport.io
integration:
  identifier: my-integration
  type: github
`,
		},
		{
			name: "bad base url",
			content: `
port:
  clientId: my-client
  clientSecret: my-secret
  baseUrl: not-a-url
integration:
  identifier: my-integration
  type: github
`,
		},
		{
			name: "unknown listener type",
			content: minimalSettings + `
eventListener:
  type: carrier-pigeon
`,
		},
		{
			name: "unknown search policy",
			content: minimalSettings + `
searchIdentifierPolicy: lenient
`,
		},
		{
			name: "negative resync interval",
			content: minimalSettings + `
scheduledResyncInterval: -5
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSettings(writeSettings(t, tt.content))
			require.Error(t, err)
			assert.Equal(t, oceanerr.KindConfig, oceanerr.KindOf(err))
		})
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	_, err := LoadSettings("/nonexistent/config.yml")
	require.Error(t, err)
	assert.Equal(t, oceanerr.KindConfig, oceanerr.KindOf(err))
}
