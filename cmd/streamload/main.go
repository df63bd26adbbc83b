package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/codewandler/streamr/internal/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "streamload",
		Short:        "Bulk load generator for streamr",
		Long:         "streamload streams generated entries into an in-process cluster (mem) or NATS server nodes and reports what was applied.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Stream entries, flush and report",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, &cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := run(ctx, cfg, newLogger(cfg.LogLevel))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entries=%d acknowledged=%d failed=%d duration=%s\n",
				res.Entries, res.Acknowledged, res.Failed, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	f := runCmd.Flags()
	f.Int("entries", 0, "number of entries to stream")
	f.Int("nodes", 0, "number of server nodes")
	f.String("backend", "", "mem or nats")
	f.Int("kill-node-after", 0, "stop one node after this many entries")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	f.String("hook", "", "shell command to run after the final flush")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("entries") {
		cfg.Entries, _ = f.GetInt("entries")
	}
	if f.Changed("nodes") {
		cfg.Nodes, _ = f.GetInt("nodes")
	}
	if f.Changed("backend") {
		cfg.Backend, _ = f.GetString("backend")
	}
	if f.Changed("kill-node-after") {
		cfg.KillNodeAfter, _ = f.GetInt("kill-node-after")
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = f.GetString("metrics-addr")
	}
	if f.Changed("hook") {
		cfg.Hook, _ = f.GetString("hook")
	}
	return cfg.Validate()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	}))
}
