package resync

import (
	"sort"

	"github.com/oceanframework/ocean/internal/entity"
)

// KindNode is one kind's position in the dependency graph
type KindNode struct {
	Kind string
	// Blueprints this kind writes into
	Blueprints []string
	// Dependencies are kinds whose entities this kind's relations target
	Dependencies []string
	// Dependents are kinds whose relations target this kind's entities
	Dependents []string
	// Level is the topological level; dependencies carry lower levels
	Level int
}

// KindGraph orders kinds so relation targets are ingested before the kinds
// referencing them. Edges come from blueprint relation declarations: a kind
// writing blueprint A depends on every kind writing a blueprint A's relations
// target.
type KindGraph struct {
	nodes map[string]*KindNode
	edges map[string][]string
	order map[string]int
	// cyclic holds kinds belonging to a strongly connected component of
	// size greater than one
	cyclic map[string]struct{}
}

// BuildKindGraph derives the kind ordering. kindBlueprints maps each kind to
// the blueprints it writes, in document order; blueprints supply the relation
// declarations. Relation targets no kind writes are ignored, as are
// self-edges (a kind relating to its own entities).
func BuildKindGraph(kinds []string, kindBlueprints map[string][]string, blueprints []entity.Blueprint) *KindGraph {
	g := &KindGraph{
		nodes:  make(map[string]*KindNode, len(kinds)),
		edges:  make(map[string][]string, len(kinds)),
		order:  make(map[string]int, len(kinds)),
		cyclic: make(map[string]struct{}),
	}

	for i, kind := range kinds {
		g.order[kind] = i
		g.nodes[kind] = &KindNode{
			Kind:       kind,
			Blueprints: append([]string(nil), kindBlueprints[kind]...),
			Level:      -1,
		}
	}

	byBlueprint := make(map[string]entity.Blueprint, len(blueprints))
	for _, bp := range blueprints {
		byBlueprint[bp.Identifier] = bp
	}
	producers := make(map[string][]string)
	for _, kind := range kinds {
		for _, bp := range kindBlueprints[kind] {
			producers[bp] = append(producers[bp], kind)
		}
	}

	for _, kind := range kinds {
		for _, bpID := range kindBlueprints[kind] {
			bp, ok := byBlueprint[bpID]
			if !ok {
				continue
			}
			for _, target := range bp.RelationTargets() {
				for _, producer := range producers[target] {
					if producer == kind {
						continue
					}
					g.addEdge(kind, producer)
				}
			}
		}
	}

	g.condense()
	g.assignLevels()
	return g
}

// addEdge records that kind depends on producer
func (g *KindGraph) addEdge(kind, producer string) {
	for _, dep := range g.edges[kind] {
		if dep == producer {
			return
		}
	}
	g.edges[kind] = append(g.edges[kind], producer)
	g.nodes[kind].Dependencies = append(g.nodes[kind].Dependencies, producer)
	g.nodes[producer].Dependents = append(g.nodes[producer].Dependents, kind)
}

// condense finds strongly connected components via Tarjan's algorithm and
// marks the kinds inside multi-node components.
func (g *KindGraph) condense() {
	index := 0
	indices := make(map[string]int, len(g.nodes))
	lowlink := make(map[string]int, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))
	var stack []string

	var strongconnect func(kind string)
	strongconnect = func(kind string) {
		indices[kind] = index
		lowlink[kind] = index
		index++
		stack = append(stack, kind)
		onStack[kind] = true

		for _, dep := range g.edges[kind] {
			if _, seen := indices[dep]; !seen {
				strongconnect(dep)
				if lowlink[dep] < lowlink[kind] {
					lowlink[kind] = lowlink[dep]
				}
			} else if onStack[dep] && indices[dep] < lowlink[kind] {
				lowlink[kind] = indices[dep]
			}
		}

		if lowlink[kind] == indices[kind] {
			var component []string
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				component = append(component, top)
				if top == kind {
					break
				}
			}
			if len(component) > 1 {
				for _, member := range component {
					g.cyclic[member] = struct{}{}
				}
			}
		}
	}

	for kind := range g.nodes {
		if _, seen := indices[kind]; !seen {
			strongconnect(kind)
		}
	}
}

// assignLevels computes each kind's topological level: the length of its
// longest dependency chain. Edges inside a cyclic component are skipped so
// the component's members share a level.
func (g *KindGraph) assignLevels() {
	var levelOf func(kind string, visiting map[string]bool) int
	levelOf = func(kind string, visiting map[string]bool) int {
		node := g.nodes[kind]
		if node.Level >= 0 {
			return node.Level
		}
		if visiting[kind] {
			return 0
		}
		visiting[kind] = true
		defer delete(visiting, kind)

		level := 0
		_, kindCyclic := g.cyclic[kind]
		for _, dep := range g.edges[kind] {
			if kindCyclic {
				if _, depCyclic := g.cyclic[dep]; depCyclic {
					continue
				}
			}
			if l := levelOf(dep, visiting) + 1; l > level {
				level = l
			}
		}
		node.Level = level
		return level
	}

	for kind := range g.nodes {
		levelOf(kind, make(map[string]bool))
	}
}

// Levels groups kinds by topological level, dependencies first. Kinds within
// a level are independent and run in parallel; document order breaks ties.
func (g *KindGraph) Levels() [][]string {
	maxLevel := 0
	for _, node := range g.nodes {
		if node.Level > maxLevel {
			maxLevel = node.Level
		}
	}
	levels := make([][]string, maxLevel+1)
	for kind, node := range g.nodes {
		levels[node.Level] = append(levels[node.Level], kind)
	}
	for _, level := range levels {
		sort.Slice(level, func(i, j int) bool {
			return g.order[level[i]] < g.order[level[j]]
		})
	}
	return levels
}

// DeletionLevels groups kinds for stale deletion: dependents first, so no
// surviving entity is left relating to a deleted one.
func (g *KindGraph) DeletionLevels() [][]string {
	levels := g.Levels()
	for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
		levels[i], levels[j] = levels[j], levels[i]
	}
	return levels
}

// Cyclic reports whether the kind sits inside a relation cycle spanning
// multiple kinds
func (g *KindGraph) Cyclic(kind string) bool {
	_, ok := g.cyclic[kind]
	return ok
}

// HasCycles reports whether any multi-kind relation cycle exists
func (g *KindGraph) HasCycles() bool {
	return len(g.cyclic) > 0
}

// Node returns a kind's node, nil when unknown
func (g *KindGraph) Node(kind string) *KindNode {
	return g.nodes[kind]
}
