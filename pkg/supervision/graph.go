package supervision

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// DefaultNodeTimeout bounds a single node evaluation.
const DefaultNodeTimeout = 2 * time.Second

// Graph is the immutable, validated form of a Config. It exposes no mutators.
type Graph struct {
	version        string
	nodes          []Node // enabled, descending priority
	all            []Node
	edges          map[NodeID]map[NodeID]Edge
	edgeList       []Edge
	conditions     map[string]cel.Program
	nodeTimeout    time.Duration
	blockOnWarning bool
	logAllActions  bool
}

// IntegrityError lists every structural problem found in a Config.
type IntegrityError struct {
	Problems []string
}

func (e *IntegrityError) Error() string {
	return "supervision graph integrity: " + strings.Join(e.Problems, "; ")
}

// NewGraph validates cfg and compiles its edge conditions.
func NewGraph(cfg Config) (*Graph, error) {
	if err := checkVersion(cfg.Version); err != nil {
		return nil, err
	}
	env, err := newConditionEnv()
	if err != nil {
		return nil, err
	}

	var problems []string
	known := make(map[NodeID]bool, len(KnownNodes))
	for _, id := range KnownNodes {
		known[id] = true
	}

	seen := make(map[NodeID]bool)
	priorities := make(map[int]NodeID)
	g := &Graph{
		version:        cfg.Version,
		edges:          make(map[NodeID]map[NodeID]Edge),
		conditions:     make(map[string]cel.Program),
		nodeTimeout:    DefaultNodeTimeout,
		blockOnWarning: cfg.BlockOnWarning,
		logAllActions:  cfg.LogAllActions,
	}
	if cfg.NodeTimeoutMs > 0 {
		g.nodeTimeout = time.Duration(cfg.NodeTimeoutMs) * time.Millisecond
	}

	for _, n := range cfg.Nodes {
		switch {
		case !known[n.ID]:
			problems = append(problems, fmt.Sprintf("unknown node %q", n.ID))
			continue
		case seen[n.ID]:
			problems = append(problems, fmt.Sprintf("duplicate node %q", n.ID))
			continue
		}
		seen[n.ID] = true
		if n.Enabled {
			if other, ok := priorities[n.Priority]; ok {
				problems = append(problems, fmt.Sprintf("nodes %q and %q share priority %d", other, n.ID, n.Priority))
			}
			priorities[n.Priority] = n.ID
			g.nodes = append(g.nodes, n)
		}
		g.all = append(g.all, n)
	}
	if len(g.nodes) == 0 {
		problems = append(problems, "no enabled nodes")
	}

	for _, e := range cfg.Edges {
		if e.From != EntryNode && !seen[e.From] {
			problems = append(problems, fmt.Sprintf("edge from unknown node %q", e.From))
			continue
		}
		if !seen[e.To] {
			problems = append(problems, fmt.Sprintf("edge to unknown node %q", e.To))
			continue
		}
		if _, dup := g.edges[e.From][e.To]; dup {
			problems = append(problems, fmt.Sprintf("duplicate edge %s -> %s", e.From, e.To))
			continue
		}
		switch e.FlowType {
		case FlowAllowed, FlowForbidden:
			if e.Condition != "" {
				problems = append(problems, fmt.Sprintf("edge %s -> %s: condition only valid on conditional edges", e.From, e.To))
			}
		case FlowConditional:
			if e.Condition == "" {
				problems = append(problems, fmt.Sprintf("edge %s -> %s: conditional edge without condition", e.From, e.To))
				break
			}
			if _, ok := g.conditions[e.Condition]; !ok {
				prg, err := env.compile(e.Condition)
				if err != nil {
					problems = append(problems, fmt.Sprintf("edge %s -> %s: %v", e.From, e.To, err))
					break
				}
				g.conditions[e.Condition] = prg
			}
		default:
			problems = append(problems, fmt.Sprintf("edge %s -> %s: unknown flow type %q", e.From, e.To, e.FlowType))
		}
		if g.edges[e.From] == nil {
			g.edges[e.From] = make(map[NodeID]Edge)
		}
		g.edges[e.From][e.To] = e
		g.edgeList = append(g.edgeList, e)
	}

	sort.SliceStable(g.nodes, func(i, j int) bool { return g.nodes[i].Priority > g.nodes[j].Priority })
	if len(g.nodes) > 0 {
		if e, ok := g.edges[EntryNode][g.nodes[0].ID]; !ok || e.FlowType == FlowForbidden {
			problems = append(problems, fmt.Sprintf("no entry edge to first node %q", g.nodes[0].ID))
		}
	}

	if len(problems) > 0 {
		return nil, &IntegrityError{Problems: problems}
	}
	return g, nil
}

// Version returns the document version.
func (g *Graph) Version() string { return g.version }

// NodeTimeout returns the per-node timeout.
func (g *Graph) NodeTimeout() time.Duration { return g.nodeTimeout }

// EnabledNodes returns enabled nodes in evaluation order.
func (g *Graph) EnabledNodes() []Node { return append([]Node(nil), g.nodes...) }

// Nodes returns every configured node.
func (g *Graph) Nodes() []Node { return append([]Node(nil), g.all...) }

// Edges returns every configured edge.
func (g *Graph) Edges() []Edge { return append([]Edge(nil), g.edgeList...) }

var errNoEdge = errors.New("no edge")

// checkEdge judges the step from -> to for input. A nil error means the step
// is permitted.
func (g *Graph) checkEdge(from, to NodeID, input map[string]any) error {
	e, ok := g.edges[from][to]
	if !ok {
		return fmt.Errorf("%w %s -> %s", errNoEdge, from, to)
	}
	switch e.FlowType {
	case FlowAllowed:
		return nil
	case FlowForbidden:
		return fmt.Errorf("forbidden edge %s -> %s", from, to)
	case FlowConditional:
		ok, err := evalCondition(g.conditions[e.Condition], input)
		if err != nil {
			return fmt.Errorf("conditional edge %s -> %s: %w", from, to, err)
		}
		if !ok {
			return fmt.Errorf("condition not satisfied on %s -> %s: %s", from, to, e.Condition)
		}
		return nil
	}
	return fmt.Errorf("edge %s -> %s has unknown flow type %q", from, to, e.FlowType)
}

// Summary is a serializable description of the graph.
type Summary struct {
	Version        string `json:"version"`
	BlockOnWarning bool   `json:"blockOnWarning"`
	NodeTimeoutMs  int64  `json:"nodeTimeoutMs"`
	Nodes          []Node `json:"nodes"`
	Edges          []Edge `json:"edges"`
}

// Summary describes the graph for read APIs.
func (g *Graph) Summary() Summary {
	return Summary{
		Version:        g.version,
		BlockOnWarning: g.blockOnWarning,
		NodeTimeoutMs:  g.nodeTimeout.Milliseconds(),
		Nodes:          g.Nodes(),
		Edges:          g.Edges(),
	}
}
