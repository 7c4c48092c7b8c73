package supervision

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalGraph = `
version: "1.2.0"
blockOnWarning: true
nodeTimeoutMs: 500
nodes:
  - id: guardrails
    name: Guardrails
    enabled: true
    priority: 100
  - id: drift_detector
    name: Drift
    enabled: true
    priority: 50
edges:
  - from: ENTRY
    to: guardrails
    flowType: allowed
  - from: guardrails
    to: drift_detector
    flowType: conditional
    condition: "action.context.driftScore < 0.5"
`

func TestParseConfig_YAML(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalGraph))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", cfg.Version)
	assert.True(t, cfg.BlockOnWarning)
	require.Len(t, cfg.Nodes, 2)
	require.Len(t, cfg.Edges, 2)
	assert.Equal(t, FlowConditional, cfg.Edges[1].FlowType)

	g, err := NewGraph(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(500), g.NodeTimeout().Milliseconds())
	assert.Equal(t, NodeGuardrails, g.EnabledNodes()[0].ID)
}

func TestParseConfig_RejectsUnknownFields(t *testing.T) {
	_, err := ParseConfig([]byte(`
version: "1.0.0"
bypass: true
nodes: [{id: guardrails, name: g, enabled: true, priority: 1}]
edges: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestParseConfig_VersionConstraint(t *testing.T) {
	for _, v := range []string{"2.0.0", "0.9.1", "not-a-version"} {
		doc := `{"version": "` + v + `", "nodes": [{"id": "guardrails", "name": "g", "enabled": true, "priority": 1}], "edges": []}`
		_, err := ParseConfig([]byte(doc))
		assert.Error(t, err, v)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalGraph), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", cfg.Version)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDefaultConfigIsValid(t *testing.T) {
	g, err := NewGraph(DefaultConfig())
	require.NoError(t, err)
	nodes := g.EnabledNodes()
	require.Len(t, nodes, len(KnownNodes))
	for i := 1; i < len(nodes); i++ {
		assert.Greater(t, nodes[i-1].Priority, nodes[i].Priority)
	}
	assert.Equal(t, DefaultNodeTimeout, g.NodeTimeout())
}

func TestNewGraph_IntegrityProblems(t *testing.T) {
	cases := map[string]struct {
		edit func(*Config)
		want string
	}{
		"unknown node": {func(c *Config) {
			c.Nodes = append(c.Nodes, Node{ID: "oracle", Enabled: true, Priority: 1})
		}, `unknown node "oracle"`},
		"duplicate node": {func(c *Config) {
			c.Nodes = append(c.Nodes, Node{ID: NodeQIC, Enabled: true, Priority: 2})
		}, `duplicate node "qic"`},
		"priority collision": {func(c *Config) { c.Nodes[1].Priority = c.Nodes[0].Priority }, "share priority"},
		"edge to unknown": {func(c *Config) {
			c.Edges = append(c.Edges, Edge{From: NodeQIC, To: "oracle", FlowType: FlowAllowed})
		}, `edge to unknown node "oracle"`},
		"duplicate edge": {func(c *Config) { c.Edges = append(c.Edges, c.Edges[0]) }, "duplicate edge"},
		"conditional without condition": {func(c *Config) {
			c.Edges = append(c.Edges, Edge{From: NodeQIC, To: NodeDriftDetector, FlowType: FlowConditional})
		}, "without condition"},
		"condition on allowed edge": {func(c *Config) {
			c.Edges = append(c.Edges, Edge{From: NodeQIC, To: NodeDriftDetector, FlowType: FlowAllowed, Condition: "true"})
		}, "only valid on conditional"},
		"bad condition": {func(c *Config) {
			c.Edges = append(c.Edges, Edge{From: NodeQIC, To: NodeDriftDetector, FlowType: FlowConditional, Condition: "action.context.("})
		}, "CEL compile error"},
		"missing entry": {func(c *Config) { c.Edges = c.Edges[1:] }, "no entry edge"},
		"nothing enabled": {func(c *Config) {
			for i := range c.Nodes {
				c.Nodes[i].Enabled = false
			}
		}, "no enabled nodes"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.edit(&cfg)
			_, err := NewGraph(cfg)
			var ierr *IntegrityError
			require.ErrorAs(t, err, &ierr)
			assert.Contains(t, ierr.Error(), tc.want)
		})
	}
}

func TestConditionLint(t *testing.T) {
	env, err := newConditionEnv()
	require.NoError(t, err)

	for _, ok := range []string{
		"action.context.mutatesState",
		"!(action.context.mutatesState && action.context.affectsConstitution)",
		`action.type == "merge_pr"`,
		`action.context.targetPaths.all(p, !p.startsWith("constitution/"))`,
	} {
		_, err := env.compile(ok)
		assert.NoError(t, err, ok)
	}

	for _, bad := range []string{
		"now() > 0",
		`timestamp("2024-01-01T00:00:00Z") > timestamp("2023-01-01T00:00:00Z")`,
		"other.value",
		`"not a bool"`,
	} {
		_, err := env.compile(bad)
		assert.Error(t, err, bad)
	}
}

func TestGraphSummary(t *testing.T) {
	g, err := NewGraph(DefaultConfig())
	require.NoError(t, err)
	s := g.Summary()
	assert.Equal(t, "1.0.0", s.Version)
	assert.Len(t, s.Nodes, len(KnownNodes))
	assert.Len(t, s.Edges, len(DefaultConfig().Edges))

	s.Nodes[0].Enabled = false
	assert.True(t, g.Nodes()[0].Enabled, "summary is a copy")
}
