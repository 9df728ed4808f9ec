package pipeline

import (
	"sort"

	"github.com/plumehq/plume/internal/agent"
	"github.com/plumehq/plume/internal/fault"
)

// plan is the resolved execution order of a validated pipeline.
type plan struct {
	// tiers are ordered groups; agents within a tier have no ordering
	// relation and may run in parallel.
	tiers [][]string
	// parents maps an agent to every upstream agent it depends on, used
	// for skip propagation and input assembly.
	parents map[string][]string
	// mappings maps a consumer to the connections feeding it.
	mappings map[string][]Connection
}

// Validate checks a pipeline configuration without executing it: the graph
// must be acyclic, every reference must resolve to a defined agent, and
// every required capability must be declared by the agent's type. Invalid
// configurations are rejected here, never at run time.
func Validate(cfg *Config) error {
	_, err := buildPlan(cfg)
	return err
}

func buildPlan(cfg *Config) (*plan, error) {
	if cfg == nil {
		return nil, fault.New(fault.KindInvalidPipelineConfig, "nil pipeline config")
	}
	switch cfg.Mode {
	case ModeSequential, ModeParallel, ModeHybrid:
	case "":
		return nil, fault.New(fault.KindInvalidPipelineConfig, "pipeline mode is required")
	default:
		return nil, fault.New(fault.KindInvalidPipelineConfig, "unknown pipeline mode %q", cfg.Mode)
	}
	if len(cfg.Agents) == 0 {
		return nil, fault.New(fault.KindInvalidPipelineConfig, "pipeline has no agents")
	}

	defined := make(map[string]Definition, len(cfg.Agents))
	for _, def := range cfg.Agents {
		if def.ID == "" {
			return nil, fault.New(fault.KindInvalidPipelineConfig, "agent definition without id")
		}
		if _, dup := defined[def.ID]; dup {
			return nil, fault.New(fault.KindInvalidPipelineConfig, "duplicate agent id %q", def.ID)
		}
		if !agent.ValidType(def.Type) {
			return nil, fault.New(fault.KindInvalidPipelineConfig, "agent %s has unknown type %q", def.ID, def.Type)
		}
		declared := make(map[agent.Capability]bool)
		for _, c := range agent.Capabilities(def.Type) {
			declared[c] = true
		}
		for _, c := range def.Capabilities {
			if !declared[c] {
				return nil, fault.New(fault.KindInvalidPipelineConfig,
					"agent %s (%s) does not provide required capability %q", def.ID, def.Type, c)
			}
		}
		defined[def.ID] = def
	}

	// Edges come from both explicit dependencies and data connections
	parents := make(map[string][]string)
	mappings := make(map[string][]Connection)
	edgeSet := make(map[[2]string]bool)

	addEdge := func(from, to string) {
		key := [2]string{from, to}
		if edgeSet[key] {
			return
		}
		edgeSet[key] = true
		parents[to] = append(parents[to], from)
	}

	for _, def := range cfg.Agents {
		for _, dep := range def.DependsOn {
			if _, ok := defined[dep]; !ok {
				return nil, fault.New(fault.KindInvalidPipelineConfig,
					"agent %s depends on undefined agent %q", def.ID, dep)
			}
			addEdge(dep, def.ID)
		}
	}
	for _, conn := range cfg.Connections {
		if _, ok := defined[conn.From]; !ok {
			return nil, fault.New(fault.KindInvalidPipelineConfig,
				"connection references undefined agent %q", conn.From)
		}
		if _, ok := defined[conn.To]; !ok {
			return nil, fault.New(fault.KindInvalidPipelineConfig,
				"connection references undefined agent %q", conn.To)
		}
		if conn.From == conn.To {
			return nil, fault.New(fault.KindInvalidPipelineConfig,
				"agent %q connects to itself", conn.From)
		}
		addEdge(conn.From, conn.To)
		mappings[conn.To] = append(mappings[conn.To], conn)
	}

	tiers, err := topoTiers(cfg.Agents, parents)
	if err != nil {
		return nil, err
	}

	// Sequential mode flattens the tiers into single-agent steps while
	// preserving topological order.
	if cfg.Mode == ModeSequential {
		flat := make([][]string, 0, len(cfg.Agents))
		for _, tier := range tiers {
			for _, id := range tier {
				flat = append(flat, []string{id})
			}
		}
		tiers = flat
	}

	return &plan{tiers: tiers, parents: parents, mappings: mappings}, nil
}

// topoTiers runs Kahn's algorithm grouped by depth: every agent lands in
// the tier one past its deepest parent. A leftover node means a cycle.
func topoTiers(agents []Definition, parents map[string][]string) ([][]string, error) {
	children := make(map[string][]string)
	inDegree := make(map[string]int, len(agents))
	for _, def := range agents {
		inDegree[def.ID] = 0
	}
	for to, froms := range parents {
		inDegree[to] = len(froms)
		for _, from := range froms {
			children[from] = append(children[from], to)
		}
	}

	depth := make(map[string]int)
	var queue []string
	for _, def := range agents {
		if inDegree[def.ID] == 0 {
			queue = append(queue, def.ID)
			depth[def.ID] = 0
		}
	}

	processed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		processed++

		for _, child := range children[node] {
			if d := depth[node] + 1; d > depth[child] {
				depth[child] = d
			}
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if processed != len(agents) {
		return nil, fault.New(fault.KindInvalidPipelineConfig, "pipeline graph contains a cycle")
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	tierMap := make(map[int][]string)
	for _, def := range agents {
		d := depth[def.ID]
		tierMap[d] = append(tierMap[d], def.ID)
	}

	tiers := make([][]string, 0, maxDepth+1)
	for d := 0; d <= maxDepth; d++ {
		tier := tierMap[d]
		sort.Strings(tier)
		tiers = append(tiers, tier)
	}
	return tiers, nil
}
