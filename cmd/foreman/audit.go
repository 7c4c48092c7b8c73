package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/foreman/pkg/archive"
	"github.com/Mindburn-Labs/foreman/pkg/governance"
)

func newAuditCmd() *cobra.Command {
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Verify and export the governance ledger",
	}
	audit.AddCommand(newAuditVerifyCmd(), newAuditExportCmd(), newAuditVerifyBundleCmd())
	return audit
}

func newAuditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-hash the persisted ledger and check every link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, ledger, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if err := ledger.VerifyChain(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ledger ok: %d records, head %s\n", ledger.Len(), ledger.Head())
			return nil
		},
	}
}

func newAuditExportCmd() *cobra.Command {
	var (
		out       string
		eventType string
		severity  string
		since     string
		until     string
		limit     int
		toArchive bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a self-verifying bundle of ledger records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f, err := exportFilter(eventType, severity, since, until, limit, time.Now())
			if err != nil {
				return err
			}
			if out == "" && !toArchive {
				return fmt.Errorf("nothing to do: pass --out, --archive or both")
			}

			st, ledger, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			bundle, err := ledger.ExportBundle(f)
			if err != nil {
				return err
			}
			if out != "" {
				raw, err := json.MarshalIndent(bundle, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, raw, 0o600); err != nil {
					return fmt.Errorf("write bundle: %w", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "exported %d records (seq %d-%d) to %s\n",
					len(bundle.Records), bundle.StartSeq, bundle.EndSeq, out)
			}
			if toArchive {
				store, err := archive.Open(cmd.Context(), archiveConfig(cfg))
				if err != nil {
					return err
				}
				if store == nil {
					return fmt.Errorf("--archive needs FOREMAN_ARCHIVE_BACKEND")
				}
				logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
				receipt, err := archive.New(store, logger).PutBundle(cmd.Context(), bundle)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "archived %s as %s (%s)\n", bundle.BundleID, receipt.Key, receipt.Digest)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Write the bundle to this file")
	cmd.Flags().StringVar(&eventType, "type", "", "Only export events of this type")
	cmd.Flags().StringVar(&severity, "min-severity", "", "Only export events at or above this severity (low, medium, high, critical)")
	cmd.Flags().StringVar(&since, "since", "", "Only export events after this RFC3339 time or duration ago (e.g. 24h)")
	cmd.Flags().StringVar(&until, "until", "", "Only export events before this RFC3339 time or duration ago")
	cmd.Flags().IntVar(&limit, "limit", 0, "Export at most this many matching events, oldest first")
	cmd.Flags().BoolVar(&toArchive, "archive", false, "Also store the bundle in the configured archive")
	return cmd
}

func newAuditVerifyBundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-bundle FILE",
		Short: "Verify an exported bundle offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var b governance.Bundle
			if err := json.Unmarshal(raw, &b); err != nil {
				return fmt.Errorf("decode bundle: %w", err)
			}
			if err := governance.VerifyBundle(&b); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "bundle %s ok: %d records, head %s\n", b.BundleID, len(b.Records), b.ChainHead)
			return nil
		},
	}
}

func exportFilter(eventType, severity, since, until string, limit int, now time.Time) (governance.Filter, error) {
	f := governance.Filter{Type: governance.EventType(eventType), Limit: limit}
	switch sev := governance.Severity(strings.ToLower(severity)); sev {
	case "":
	case governance.SeverityLow, governance.SeverityMedium, governance.SeverityHigh, governance.SeverityCritical:
		f.MinSeverity = sev
	default:
		return f, fmt.Errorf("unknown severity %q", severity)
	}
	var err error
	if f.Since, err = parseWhen(since, now); err != nil {
		return f, fmt.Errorf("--since: %w", err)
	}
	if f.Until, err = parseWhen(until, now); err != nil {
		return f, fmt.Errorf("--until: %w", err)
	}
	return f, nil
}

// parseWhen accepts an RFC3339 timestamp or a duration before now.
func parseWhen(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a duration nor an RFC3339 time", v)
	}
	return t, nil
}
