package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/democap/capture"
	"github.com/hazyhaar/democap/siteserver"
)

type rootOptions struct {
	configPath string
	root       string
	outputDir  string
	component  string
	shard      string
	maxWorkers int
	logLevel   string
	ledger     string
	publish    bool
	serverOnly bool
	noColor    bool
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "democap",
		Short: "Capture baseline screenshots of component demos",
		Long: `democap serves the built site, opens every component demo in headless
Chrome under each theme with and without CSS variables, and writes one PNG
per combination to the output directory. Failures are appended to
error.jsonl and never stop the run.

Examples:
  democap
  democap --component=button
  democap --shard=1/4 --max-workers=4
  democap --server-only`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", getEnvString("DEMOCAP_CONFIG", ""), "Path to YAML config file (env: DEMOCAP_CONFIG)")
	f.StringVar(&o.root, "root", getEnvString("DEMOCAP_ROOT", ""), "Repository root containing components/ (env: DEMOCAP_ROOT)")
	f.StringVar(&o.outputDir, "output-dir", getEnvString("DEMOCAP_OUTPUT_DIR", ""), "Screenshot directory, emptied at start (env: DEMOCAP_OUTPUT_DIR)")
	f.StringVar(&o.component, "component", getEnvString("DEMOCAP_COMPONENT", ""), "Capture only this component (env: DEMOCAP_COMPONENT)")
	f.StringVar(&o.shard, "shard", getEnvString("DEMOCAP_SHARD", ""), "Shard of the task list as current/total, e.g. 2/4 (env: DEMOCAP_SHARD)")
	f.IntVar(&o.maxWorkers, "max-workers", getEnvInt("DEMOCAP_MAX_WORKERS", 0), "Pages in flight; 0 uses the config value, default 1 (env: DEMOCAP_MAX_WORKERS)")
	f.StringVar(&o.logLevel, "loglevel", getEnvString("DEMOCAP_LOGLEVEL", "info"), "Log level: trace, debug, info, warn, error, silent (env: DEMOCAP_LOGLEVEL)")
	f.StringVar(&o.ledger, "ledger", getEnvString("DEMOCAP_LEDGER", ""), "SQLite ledger path recording every task (env: DEMOCAP_LEDGER)")
	f.BoolVar(&o.publish, "publish", getEnvBool("DEMOCAP_PUBLISH", false), "Upload the output directory to the configured bucket (env: DEMOCAP_PUBLISH)")
	f.BoolVar(&o.serverOnly, "server-only", getEnvBool("DEMOCAP_SERVER_ONLY", false), "Only serve the site until interrupted (env: DEMOCAP_SERVER_ONLY)")
	f.BoolVar(&o.noColor, "no-color", getEnvBool("DEMOCAP_NO_COLOR", false), "Disable colored output (env: DEMOCAP_NO_COLOR)")

	cmd.AddCommand(newFailuresCmd())
	return cmd
}

// config loads the file (if any) and layers the flags on top.
func (o *rootOptions) config() (*capture.Config, error) {
	var cfg *capture.Config
	if o.configPath != "" {
		c, err := capture.LoadConfigFile(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = capture.DefaultConfig()
	}

	if o.root != "" {
		cfg.Root = o.root
	}
	if o.outputDir != "" {
		cfg.OutputDir = o.outputDir
	}
	if o.component != "" {
		cfg.Component = o.component
	}
	if o.maxWorkers > 0 {
		cfg.MaxWorkers = o.maxWorkers
	}
	if o.ledger != "" {
		cfg.Ledger = o.ledger
	}
	if o.publish {
		cfg.Publish.Enabled = true
	}
	sh, err := capture.ParseShard(o.shard)
	if err != nil {
		return nil, err
	}
	cfg.Shard = sh
	cfg.ApplyDefaults()
	return cfg, nil
}

func (o *rootOptions) run(cmd *cobra.Command) error {
	if o.noColor {
		color.NoColor = true
	}
	logger := newLogger(cmd.ErrOrStderr(), o.logLevel)
	slog.SetDefault(logger)

	cfg, err := o.config()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	siteDir := cfg.SiteDir
	if !filepath.IsAbs(siteDir) {
		siteDir = filepath.Join(cfg.Root, siteDir)
	}
	srv := siteserver.New(siteserver.Config{Dir: siteDir, Port: cfg.Port, Logger: logger})
	if err := srv.Start(); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("democap: server shutdown", "error", err)
		}
	}()

	if o.serverOnly {
		logger.Info("democap: serving until interrupted", "url", srv.URL())
		<-ctx.Done()
		return nil
	}

	sum, err := capture.New(cfg, logger).Run(ctx)
	if sum != nil {
		printSummary(cmd.OutOrStdout(), sum)
	}
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("interrupted: %d tasks not run", sum.NotRun)
	}
	return nil
}
