package resync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanframework/ocean/internal/entity"
)

func relBlueprint(id string, targets ...string) entity.Blueprint {
	relations := make(map[string]entity.BlueprintRelation, len(targets))
	for _, target := range targets {
		relations[target] = entity.BlueprintRelation{Target: target}
	}
	return entity.Blueprint{Identifier: id, Relations: relations}
}

func TestKindGraphLevels(t *testing.T) {
	// service -> team, deployment -> service
	kinds := []string{"deployment", "service", "team"}
	kindBlueprints := map[string][]string{
		"deployment": {"deployment"},
		"service":    {"service"},
		"team":       {"team"},
	}
	blueprints := []entity.Blueprint{
		relBlueprint("deployment", "service"),
		relBlueprint("service", "team"),
		relBlueprint("team"),
	}

	g := BuildKindGraph(kinds, kindBlueprints, blueprints)

	assert.Equal(t, [][]string{{"team"}, {"service"}, {"deployment"}}, g.Levels())
	assert.Equal(t, [][]string{{"deployment"}, {"service"}, {"team"}}, g.DeletionLevels())
	assert.False(t, g.HasCycles())
}

func TestKindGraphDocumentOrderTieBreak(t *testing.T) {
	kinds := []string{"repo", "project", "pipeline"}
	kindBlueprints := map[string][]string{
		"repo":     {"repo"},
		"project":  {"project"},
		"pipeline": {"pipeline"},
	}
	// No relations: everything sits at level zero, in declaration order.
	blueprints := []entity.Blueprint{
		relBlueprint("repo"), relBlueprint("project"), relBlueprint("pipeline"),
	}

	g := BuildKindGraph(kinds, kindBlueprints, blueprints)

	levels := g.Levels()
	require.Len(t, levels, 1)
	assert.Equal(t, []string{"repo", "project", "pipeline"}, levels[0])
}

func TestKindGraphCycle(t *testing.T) {
	kinds := []string{"service", "team"}
	kindBlueprints := map[string][]string{
		"service": {"service"},
		"team":    {"team"},
	}
	blueprints := []entity.Blueprint{
		relBlueprint("service", "team"),
		relBlueprint("team", "service"),
	}

	g := BuildKindGraph(kinds, kindBlueprints, blueprints)

	assert.True(t, g.HasCycles())
	assert.True(t, g.Cyclic("service"))
	assert.True(t, g.Cyclic("team"))

	// Cycle members share a level and run together.
	levels := g.Levels()
	require.Len(t, levels, 1)
	assert.Equal(t, []string{"service", "team"}, levels[0])
}

func TestKindGraphSelfEdgeIgnored(t *testing.T) {
	kinds := []string{"team"}
	kindBlueprints := map[string][]string{"team": {"team"}}
	// A team relating to its parent team is not a cycle across kinds.
	blueprints := []entity.Blueprint{relBlueprint("team", "team")}

	g := BuildKindGraph(kinds, kindBlueprints, blueprints)

	assert.False(t, g.HasCycles())
	assert.Empty(t, g.Node("team").Dependencies)
}

func TestKindGraphUntrackedTargetIgnored(t *testing.T) {
	kinds := []string{"service"}
	kindBlueprints := map[string][]string{"service": {"service"}}
	// No kind writes the cloud blueprint; the edge has nowhere to point.
	blueprints := []entity.Blueprint{relBlueprint("service", "cloudAccount")}

	g := BuildKindGraph(kinds, kindBlueprints, blueprints)

	assert.Empty(t, g.Node("service").Dependencies)
	assert.Equal(t, 0, g.Node("service").Level)
}

func TestKindGraphSharedBlueprint(t *testing.T) {
	// Two kinds write the service blueprint; a dependent kind depends on both.
	kinds := []string{"deployment", "github_service", "gitlab_service"}
	kindBlueprints := map[string][]string{
		"deployment":     {"deployment"},
		"github_service": {"service"},
		"gitlab_service": {"service"},
	}
	blueprints := []entity.Blueprint{
		relBlueprint("deployment", "service"),
		relBlueprint("service"),
	}

	g := BuildKindGraph(kinds, kindBlueprints, blueprints)

	assert.ElementsMatch(t, []string{"github_service", "gitlab_service"}, g.Node("deployment").Dependencies)
	assert.Equal(t, 1, g.Node("deployment").Level)
}
