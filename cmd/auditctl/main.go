// Package main provides auditctl, an operator tool for the etbguard security log.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/archive"
	"github.com/einsatzlog/etbguard/internal/auth"
	"github.com/einsatzlog/etbguard/internal/config"
	"github.com/einsatzlog/etbguard/internal/observability"
	"github.com/einsatzlog/etbguard/internal/seclog"
	"github.com/einsatzlog/etbguard/internal/store/postgres"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

type cli struct {
	configPath string
	logLevel   string
	out        io.Writer
	in         io.Reader
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{out: os.Stdout, in: os.Stdin}
	if err := c.root().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "auditctl: %v\n", err)
		os.Exit(1)
	}
}

func (c *cli) root() *cobra.Command {
	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Inspect, verify and export the etbguard security log",
		Version:       fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "configs/config.yaml", "Path to config file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "Log level for diagnostics on stderr")
	root.SetOut(c.out)
	root.SetIn(c.in)

	root.AddCommand(c.verifyCmd(), c.headCmd(), c.exportCmd(), c.archiveCmd(), c.hashPasswordCmd())
	return root
}

// env is the opened security log.
type env struct {
	cfg    *config.Config
	store  *postgres.Store
	chain  *seclog.Logger
	logger *zap.Logger
}

func (e *env) Close() { e.store.Close() }

func (c *cli) open(ctx context.Context) (*env, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver != config.DriverPostgres {
		return nil, errors.New("auditctl needs the postgres storage driver; the in-memory log is not reachable from outside the server")
	}

	tcfg := cfg.Telemetry
	tcfg.LogLevel = c.logLevel
	tcfg.LogFormat = "console"
	tcfg.TracingEnabled = false
	tcfg.MetricsEnabled = false
	tel, err := observability.New(tcfg)
	if err != nil {
		return nil, err
	}

	dsn, err := config.RequireSecret(cfg.Storage.DSNEnv)
	if err != nil {
		return nil, err
	}
	st, err := postgres.Open(ctx, dsn, 2)
	if err != nil {
		return nil, err
	}

	logger := tel.Logger()
	hasher := seclog.NewHasher([]byte(config.Secret(cfg.Chain.HashKeyEnv)))
	return &env{
		cfg:    cfg,
		store:  st,
		chain:  seclog.New(st, hasher, logger),
		logger: logger,
	}, nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) verifyCmd() *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain over a sequence range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.chain.Verify(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			if err := c.printJSON(report); err != nil {
				return err
			}
			if !report.Valid {
				return fmt.Errorf("chain verification failed with %d issue(s)", len(report.Issues))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 1, "First sequence to verify")
	cmd.Flags().Int64Var(&to, "to", 0, "Last sequence to verify (0 = head)")
	return cmd
}

func (c *cli) headCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "head",
		Short: "Print the latest entry of the security log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			head, err := e.chain.Head(cmd.Context())
			if err != nil {
				return err
			}
			if head == nil {
				return c.printJSON(map[string]any{"sequence": 0, "hash": seclog.GenesisHash})
			}
			return c.printJSON(head)
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a sequence range as JSON Lines to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			w := bufio.NewWriter(c.out)
			first, last, n, err := archive.WriteJSONL(cmd.Context(), e.store, w, from, to)
			if err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if n > 0 {
				e.logger.Info("Exported security log range",
					zap.Int64("from", first.Sequence),
					zap.Int64("to", last.Sequence),
					zap.Int64("count", n),
				)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 1, "First sequence to export")
	cmd.Flags().Int64Var(&to, "to", 0, "Last sequence to export (0 = head)")
	return cmd
}

func (c *cli) archiveCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Upload verified segments to the configured S3 bucket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if e.cfg.Archive.Bucket == "" {
				return errors.New("archive.bucket is not configured")
			}
			s3c, err := archive.NewS3Client(cmd.Context(), e.cfg.Archive)
			if err != nil {
				return err
			}
			archiver := archive.New(e.store, e.chain, e.chain, s3c, e.cfg.Archive, e.logger)
			archiver.SetCheckpoint(after)

			manifests, err := archiver.ExportAll(cmd.Context())
			if err != nil {
				return err
			}
			return c.printJSON(manifests)
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "Archive entries after this sequence")
	return cmd
}

func (c *cli) hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for the users list",
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(c.in).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return errors.New("empty password")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, hash)
			return err
		},
	}
}
