// Package config loads foreman's runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/foreman/pkg/observability"
	"github.com/Mindburn-Labs/foreman/pkg/safety"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	DatabaseDriver string
	DatabaseURL    string

	RedisAddr     string
	RedisPassword string

	OwnerSecret    string
	OwnerTokenTTL  time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	MutationMaxRetries int
	MutationBaseDelay  time.Duration
	EscalateAfter      int

	GraphConfigPath    string
	NodeTimeout        time.Duration
	SafetyCheckTimeout time.Duration
	StaleLockAge       time.Duration

	GitHubAPIURL   string
	GitHubRepo     string // owner/repo watched for incidents
	IncidentLabels []string
	ProtectedPaths []string
	WorkDir        string
	DefaultBranch  string // branch whose CI state gates reauthorization
	StatusDir      string // governance status files written by CI, build and lint

	ArchiveBackend  string // "", "fs", "s3" or "gcs"
	ArchiveBucket   string // bucket name, or a directory for "fs"
	ArchivePrefix   string
	ArchiveRegion   string
	ArchiveEndpoint string

	MCP       safety.MCPConfig
	Telemetry *observability.Config
}

// Load loads configuration from environment variables. Malformed numbers
// and durations fall back to defaults; Validate reports them.
func Load() *Config {
	tel := observability.DefaultConfig()
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		tel.OTLPEndpoint = strings.TrimPrefix(strings.TrimPrefix(ep, "http://"), "https://")
		tel.Enabled = true
	}
	tel.Enabled = envBool("OTEL_ENABLED", tel.Enabled)
	tel.Insecure = envBool("OTEL_INSECURE", true)
	tel.Environment = envOr("FOREMAN_ENV", tel.Environment)

	workDir := envOr("FOREMAN_WORKDIR", ".")
	return &Config{
		Port:     envOr("FOREMAN_PORT", envOr("PORT", "8080")),
		LogLevel: envOr("FOREMAN_LOG_LEVEL", envOr("LOG_LEVEL", "INFO")),

		DatabaseDriver: envOr("FOREMAN_DB_DRIVER", "sqlite"),
		DatabaseURL:    envOr("DATABASE_URL", "foreman.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		OwnerSecret:    os.Getenv("FOREMAN_OWNER_SECRET"),
		OwnerTokenTTL:  envDuration("FOREMAN_OWNER_TOKEN_TTL", time.Hour),
		RateLimitRPS:   envFloat("FOREMAN_RATE_LIMIT_RPS", 10),
		RateLimitBurst: envInt("FOREMAN_RATE_LIMIT_BURST", 20),

		MutationMaxRetries: envInt("FOREMAN_MUTATION_MAX_RETRIES", 3),
		MutationBaseDelay:  envDuration("FOREMAN_MUTATION_BASE_DELAY", time.Second),
		EscalateAfter:      envInt("FOREMAN_ESCALATE_AFTER", 3),

		GraphConfigPath:    os.Getenv("FOREMAN_GRAPH_CONFIG"),
		NodeTimeout:        envDuration("FOREMAN_NODE_TIMEOUT", 2*time.Second),
		SafetyCheckTimeout: envDuration("FOREMAN_SAFETY_CHECK_TIMEOUT", 10*time.Second),
		StaleLockAge:       envDuration("FOREMAN_STALE_LOCK_AGE", 10*time.Minute),

		GitHubAPIURL:   envOr("GITHUB_API_URL", "https://api.github.com"),
		GitHubRepo:     os.Getenv("FOREMAN_GITHUB_REPO"),
		IncidentLabels: envList("FOREMAN_INCIDENT_LABELS", []string{"incident"}),
		ProtectedPaths: envList("FOREMAN_PROTECTED_PATHS", []string{".github/workflows/**", "**/*.pem", "**/.env*"}),
		WorkDir:        workDir,
		DefaultBranch:  envOr("FOREMAN_DEFAULT_BRANCH", "main"),
		StatusDir:      envOr("FOREMAN_STATUS_DIR", filepath.Join(workDir, "memory", "governance")),

		ArchiveBackend:  strings.ToLower(os.Getenv("FOREMAN_ARCHIVE_BACKEND")),
		ArchiveBucket:   os.Getenv("FOREMAN_ARCHIVE_BUCKET"),
		ArchivePrefix:   envOr("FOREMAN_ARCHIVE_PREFIX", "governance/"),
		ArchiveRegion:   envOr("AWS_REGION", "us-east-1"),
		ArchiveEndpoint: os.Getenv("FOREMAN_ARCHIVE_ENDPOINT"),

		MCP:       safety.MCPConfigFromEnv(),
		Telemetry: tel,
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("port %q is not a number", c.Port))
	}
	switch strings.ToLower(c.DatabaseDriver) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pq":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.DatabaseDriver))
	}
	if c.MutationMaxRetries < 1 {
		errs = append(errs, errors.New("FOREMAN_MUTATION_MAX_RETRIES must be at least 1"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	switch c.ArchiveBackend {
	case "", "fs":
	case "s3", "gcs":
		if c.ArchiveBucket == "" {
			errs = append(errs, errors.New("FOREMAN_ARCHIVE_BUCKET is required when an archive backend is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported archive backend %q", c.ArchiveBackend))
	}
	if c.GitHubRepo != "" {
		if _, _, ok := c.Repo(); !ok {
			errs = append(errs, fmt.Errorf("FOREMAN_GITHUB_REPO %q must be owner/repo", c.GitHubRepo))
		}
	}
	for _, msg := range c.MCP.Validate().Errors {
		errs = append(errs, errors.New(msg))
	}
	return errors.Join(errs...)
}

// Repo splits GitHubRepo into owner and name.
func (c *Config) Repo() (owner, repo string, ok bool) {
	owner, repo, ok = strings.Cut(c.GitHubRepo, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", false
	}
	return owner, repo, true
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		return n
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64); err == nil {
		return f
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key))); err == nil && d > 0 {
		return d
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key))); err == nil {
		return b
	}
	return def
}

func envList(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
