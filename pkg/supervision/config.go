package supervision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SupportedConfigVersions is the semver constraint a graph document must satisfy.
const SupportedConfigVersions = "^1.0.0"

// Config is the graph document. It is loaded once at startup.
type Config struct {
	Version        string `json:"version" yaml:"version"`
	BlockOnWarning bool   `json:"blockOnWarning" yaml:"blockOnWarning"`
	LogAllActions  bool   `json:"logAllActions" yaml:"logAllActions"`
	NodeTimeoutMs  int    `json:"nodeTimeoutMs,omitempty" yaml:"nodeTimeoutMs,omitempty"`
	Nodes          []Node `json:"nodes" yaml:"nodes"`
	Edges          []Edge `json:"edges" yaml:"edges"`
}

// DefaultConfig is the built-in constitution: every known node enabled, chained
// from ENTRY in priority order, plus the ordering guards that make a skipped
// or reordered node structurally impossible.
func DefaultConfig() Config {
	nodes := []Node{
		{ID: NodeGuardrails, Name: "Guardrails", Priority: 100, Enabled: true, Description: "Protected paths and hard guardrails"},
		{ID: NodeQIC, Name: "Quality Integrity Contract", Priority: 95, Enabled: true},
		{ID: NodeQIEL, Name: "QA Integrity Enforcement", Priority: 90, Enabled: true},
		{ID: NodeGovernanceMemory, Name: "Governance Memory", Priority: 85, Enabled: true},
		{ID: NodeArchitectureApproval, Name: "Architecture Approval", Priority: 80, Enabled: true},
		{ID: NodeIncidentLoop, Name: "Incident Feedback Loop", Priority: 75, Enabled: true},
		{ID: NodePerformanceEngine, Name: "Performance Engine", Priority: 70, Enabled: true},
		{ID: NodeDriftDetector, Name: "Drift Detector", Priority: 65, Enabled: true},
		{ID: NodeMutationGovernor, Name: "Mutation Governor", Priority: 60, Enabled: true},
		{ID: NodeModelEscalationGovernor, Name: "Model Escalation Governor", Priority: 55, Enabled: true},
		{ID: NodeBuilderProtocolKernel, Name: "Builder Protocol Kernel", Priority: 50, Enabled: true},
	}

	edges := []Edge{{From: EntryNode, To: NodeGuardrails, FlowType: FlowAllowed}}
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, Edge{From: nodes[i-1].ID, To: nodes[i].ID, FlowType: FlowAllowed})
	}
	for i, e := range edges {
		if e.From == NodeMutationGovernor && e.To == NodeModelEscalationGovernor {
			edges[i].FlowType = FlowConditional
			edges[i].Condition = "!(action.context.mutatesState && action.context.affectsConstitution)"
			edges[i].Description = "constitutional state is never mutated past the mutation governor"
		}
	}
	edges = append(edges,
		Edge{From: EntryNode, To: NodeMutationGovernor, FlowType: FlowForbidden,
			Description: "mutation governor never runs before governance memory"},
		Edge{From: NodeMutationGovernor, To: NodeGovernanceMemory, FlowType: FlowForbidden,
			Description: "governance memory never runs after a mutation was admitted"},
		Edge{From: NodeGuardrails, To: NodeBuilderProtocolKernel, FlowType: FlowConditional,
			Condition:   "!action.context.triggersBuilder",
			Description: "builders are only reached through the full chain"},
	)

	return Config{
		Version:       "1.0.0",
		LogAllActions: true,
		Nodes:         nodes,
		Edges:         edges,
	}
}

const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["version", "nodes", "edges"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "blockOnWarning": {"type": "boolean"},
    "logAllActions": {"type": "boolean"},
    "nodeTimeoutMs": {"type": "integer", "minimum": 1},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "name", "enabled", "priority"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "description": {"type": "string"},
          "enabled": {"type": "boolean"},
          "priority": {"type": "integer"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["from", "to", "flowType"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "flowType": {"enum": ["allowed", "forbidden", "conditional"]},
          "condition": {"type": "string"},
          "description": {"type": "string"}
        }
      }
    }
  }
}`

var compiledConfigSchema = mustCompileSchema("https://foreman.schemas.local/supervision/graph.schema.json", configSchema)

func mustCompileSchema(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("supervision schema load failed: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("supervision schema compile failed: %v", err))
	}
	return s
}

// LoadConfig reads a YAML or JSON graph document from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load supervision graph %q: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML (or JSON) graph document, validates it against
// the closed document schema, and checks its version.
func ParseConfig(data []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parse supervision graph: %w", err)
	}
	// Normalize through JSON so schema validation sees JSON value types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("normalize supervision graph: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return Config{}, fmt.Errorf("normalize supervision graph: %w", err)
	}
	if err := compiledConfigSchema.Validate(normalized); err != nil {
		return Config{}, fmt.Errorf("supervision graph schema: %w", err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode supervision graph: %w", err)
	}
	if err := checkVersion(cfg.Version); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("supervision graph version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedConfigVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("supervision graph version %s does not satisfy %s", version, SupportedConfigVersions)
	}
	return nil
}
