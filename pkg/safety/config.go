package safety

import (
	"os"
	"strings"
)

// Checks toggles the individual merge checks. All default to on.
type Checks struct {
	RequireCIGreen            bool `json:"requireCIGreen"`
	RespectBranchProtection   bool `json:"respectBranchProtection"`
	RequireQAApproval         bool `json:"requireQAApproval"`
	RequireComplianceApproval bool `json:"requireComplianceApproval"`
}

// AuditLogging controls what reaches governance memory.
type AuditLogging struct {
	LogAllActions         bool `json:"logAllActions"`
	LogToGovernanceMemory bool `json:"logToGovernanceMemory"`
}

// MCPConfig is the GitHub safety layer configuration.
type MCPConfig struct {
	Enabled      bool         `json:"enabled"`
	GitHubToken  string       `json:"-"`
	SafetyChecks Checks       `json:"safetyChecks"`
	AuditLogging AuditLogging `json:"auditLogging"`
}

// DefaultMCPConfig enables every check and full audit logging.
func DefaultMCPConfig() MCPConfig {
	return MCPConfig{
		Enabled: true,
		SafetyChecks: Checks{
			RequireCIGreen:            true,
			RespectBranchProtection:   true,
			RequireQAApproval:         true,
			RequireComplianceApproval: true,
		},
		AuditLogging: AuditLogging{LogAllActions: true, LogToGovernanceMemory: true},
	}
}

// MCPConfigFromEnv reads MCP_* variables. Every flag is on unless set to "false".
func MCPConfigFromEnv() MCPConfig {
	on := func(key string) bool {
		return !strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "false")
	}
	return MCPConfig{
		Enabled:     on("MCP_ENABLED"),
		GitHubToken: firstNonEmpty(os.Getenv("GITHUB_MCP_TOKEN"), os.Getenv("GITHUB_TOKEN")),
		SafetyChecks: Checks{
			RequireCIGreen:            on("MCP_REQUIRE_CI_GREEN"),
			RespectBranchProtection:   on("MCP_RESPECT_BRANCH_PROTECTION"),
			RequireQAApproval:         on("MCP_REQUIRE_QA_APPROVAL"),
			RequireComplianceApproval: on("MCP_REQUIRE_COMPLIANCE_APPROVAL"),
		},
		AuditLogging: AuditLogging{
			LogAllActions:         on("MCP_LOG_ALL_ACTIONS"),
			LogToGovernanceMemory: on("MCP_LOG_TO_GOVERNANCE_MEMORY"),
		},
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ConfigReport is the outcome of MCPConfig.Validate.
type ConfigReport struct {
	Valid    bool     `json:"valid"`
	ReadOnly bool     `json:"readOnly"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Validate reports problems. Missing credentials degrade to read-only mode
// rather than failing.
func (c MCPConfig) Validate() ConfigReport {
	r := ConfigReport{Errors: []string{}, Warnings: []string{}}
	if strings.TrimSpace(c.GitHubToken) == "" {
		r.ReadOnly = true
		r.Warnings = append(r.Warnings, "no GitHub token configured; mutations run in read-only mode")
	}
	if !c.Enabled {
		r.Warnings = append(r.Warnings, "MCP safety layer disabled; every mutation will be refused")
	}
	disabled := map[string]bool{
		"MCP_REQUIRE_CI_GREEN":            !c.SafetyChecks.RequireCIGreen,
		"MCP_RESPECT_BRANCH_PROTECTION":   !c.SafetyChecks.RespectBranchProtection,
		"MCP_REQUIRE_QA_APPROVAL":         !c.SafetyChecks.RequireQAApproval,
		"MCP_REQUIRE_COMPLIANCE_APPROVAL": !c.SafetyChecks.RequireComplianceApproval,
	}
	for _, key := range []string{"MCP_REQUIRE_CI_GREEN", "MCP_RESPECT_BRANCH_PROTECTION", "MCP_REQUIRE_QA_APPROVAL", "MCP_REQUIRE_COMPLIANCE_APPROVAL"} {
		if disabled[key] {
			r.Warnings = append(r.Warnings, key+"=false weakens merge safety")
		}
	}
	if !c.AuditLogging.LogToGovernanceMemory {
		r.Errors = append(r.Errors, "MCP_LOG_TO_GOVERNANCE_MEMORY=false: mutations must be audited")
	}
	r.Valid = len(r.Errors) == 0
	return r
}
