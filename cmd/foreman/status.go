package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/foreman/pkg/autonomy"
	"github.com/Mindburn-Labs/foreman/pkg/config"
	"github.com/Mindburn-Labs/foreman/pkg/github"
	"github.com/Mindburn-Labs/foreman/pkg/mutation"
)

func newStatusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the autonomy status reported by a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			url := strings.TrimRight(addr, "/") + "/api/v1/autonomy/status"
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("query %s: %w", url, err)
			}
			defer func() { _ = resp.Body.Close() }()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server answered %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
			var out bytes.Buffer
			if err := json.Indent(&out, body, "", "  "); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Base URL of the foreman server")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var program string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run the system cleanliness checks locally",
		Long: `validate runs the same checks the reauthorization flow uses: working tree,
test results and test debt, CI, build and lint status, open incidents,
program completion and stale mutation locks. It exits 1 when the system is
not clean.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			validator, closeLocks, err := localValidator(cfg, logger)
			if err != nil {
				return err
			}
			defer closeLocks()

			res := validator.ValidateSystemState(autonomy.WithProgram(cmd.Context(), program))
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.IsClean {
				return &exitError{code: 1, msg: fmt.Sprintf("system is not clean: %s", strings.Join(res.Violations, "; "))}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&program, "program", "", "Also require this program to be complete")
	return cmd
}

// localValidator builds the validator without a database or server.
func localValidator(cfg *config.Config, logger *slog.Logger) (*autonomy.SystemValidator, func(), error) {
	var locks autonomy.LockInspector = mutation.NewLocalLocker()
	closeFn := func() {}
	if cfg.RedisAddr != "" {
		rl := mutation.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, 0)
		locks = rl
		closeFn = func() { _ = rl.Close() }
	}
	client := github.NewRESTClient(cfg.GitHubAPIURL, cfg.MCP.GitHubToken)
	v, err := newSystemValidator(cfg, client, incidentSource(cfg, client, logger), locks)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return v, closeFn, nil
}
