package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanframework/ocean/internal/oceanerr"
)

const validDocument = `
resources:
  - kind: service
    selector:
      query: ".archived | not"
    port:
      entity:
        mappings:
          identifier: ".id"
          title: ".name"
          blueprint: '"service"'
          properties:
            language: ".language"
          relations:
            team: ".team"
  - kind: issue
    port:
      itemsToParse: ".issues"
      entity:
        mappings:
          identifier: ".item.key"
          blueprint: '"issue"'
`

func writeDocument(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "port-app-config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testSettings(appConfigPath string) *Settings {
	return &Settings{
		AppConfigPath:                   appConfigPath,
		EmbedOriginalDataInItemsToParse: true,
		SearchIdentifierPolicy:          "permissive",
	}
}

func TestLoaderLoad(t *testing.T) {
	loader := NewLoader(testSettings(writeDocument(t, validDocument)), nil)

	snap, err := loader.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"service", "issue"}, snap.Kinds())
	assert.Empty(t, snap.Disabled)
	assert.NotEmpty(t, snap.Hash)
	assert.Same(t, snap, loader.Current())

	byKind := snap.ByKind()
	require.Len(t, byKind["service"], 1)
	service := byKind["service"][0]
	assert.NotNil(t, service.Selector)
	assert.NotNil(t, service.Mappings.Identifier)
	assert.Contains(t, service.Mappings.Properties, "language")
	assert.Contains(t, service.Mappings.Relations, "team")

	issue := byKind["issue"][0]
	assert.NotNil(t, issue.ItemsToParse)
	assert.True(t, issue.EmbedOriginalData)
}

func TestLoaderDisablesBrokenResource(t *testing.T) {
	document := `
resources:
  - kind: service
    port:
      entity:
        mappings:
          identifier: ".id"
          blueprint: '"service"'
  - kind: broken
    selector:
      query: ".unclosed | ("
    port:
      entity:
        mappings:
          identifier: ".id"
          blueprint: '"broken"'
`
	loader := NewLoader(testSettings(writeDocument(t, document)), nil)

	snap, err := loader.Load(context.Background())
	require.NoError(t, err)

	// The broken resource is sidelined; the rest of the document survives.
	assert.Equal(t, []string{"service"}, snap.Kinds())
	require.Contains(t, snap.Disabled, "broken[1]")
	assert.Equal(t, oceanerr.KindConfig, oceanerr.KindOf(snap.Disabled["broken[1]"]))
}

func TestLoaderRejectsIncompleteResource(t *testing.T) {
	tests := []struct {
		name     string
		document string
		label    string
	}{
		{
			name: "missing kind",
			document: `
resources:
  - port:
      entity:
        mappings:
          identifier: ".id"
          blueprint: '"x"'
`,
			label: "[0]",
		},
		{
			name: "missing identifier",
			document: `
resources:
  - kind: service
    port:
      entity:
        mappings:
          blueprint: '"service"'
`,
			label: "service[0]",
		},
		{
			name: "missing blueprint",
			document: `
resources:
  - kind: service
    port:
      entity:
        mappings:
          identifier: ".id"
`,
			label: "service[0]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(testSettings(writeDocument(t, tt.document)), nil)
			snap, err := loader.Load(context.Background())
			require.NoError(t, err)
			assert.Empty(t, snap.Resources)
			assert.Contains(t, snap.Disabled, tt.label)
		})
	}
}

func TestLoaderUnparsableDocument(t *testing.T) {
	loader := NewLoader(testSettings(writeDocument(t, "{{not yaml")), nil)
	_, err := loader.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, oceanerr.KindConfig, oceanerr.KindOf(err))
}

func TestLoaderMissingFile(t *testing.T) {
	loader := NewLoader(testSettings("/nonexistent/port-app-config.yml"), nil)
	_, err := loader.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, oceanerr.KindConfig, oceanerr.KindOf(err))
}

func TestLoaderEmbedOverride(t *testing.T) {
	document := `
resources:
  - kind: issue
    port:
      itemsToParse: ".issues"
      embedOriginalData: false
      entity:
        mappings:
          identifier: ".item.key"
          blueprint: '"issue"'
`
	loader := NewLoader(testSettings(writeDocument(t, document)), nil)
	snap, err := loader.Load(context.Background())
	require.NoError(t, err)

	// The per-resource value beats the global default.
	assert.False(t, snap.Resources[0].EmbedOriginalData)
}

func TestSnapshotFlags(t *testing.T) {
	settings := testSettings("")
	settings.CreateMissingRelatedEntities = true
	settings.EnableMergeEntity = true

	f := false
	snap := &Snapshot{PAC: &PortAppConfig{
		CreateMissingRelatedEntities: &f,
	}}

	flags := snap.Flags(settings)
	// The document pointer overrides the setting; absent pointers fall back.
	assert.False(t, flags.CreateMissingRelatedEntities)
	assert.True(t, flags.EnableMergeEntity)
	assert.False(t, flags.DeleteDependentEntities)
}

func TestLoaderHashChanges(t *testing.T) {
	path := writeDocument(t, validDocument)
	loader := NewLoader(testSettings(path), nil)

	first, err := loader.Load(context.Background())
	require.NoError(t, err)

	second, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.Hash)

	require.NoError(t, os.WriteFile(path, []byte(validDocument+"\n# touched\n"), 0o644))
	third, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, third.Hash)
}
