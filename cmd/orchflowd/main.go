package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/orchflow/orchflow/internal/config"
	"github.com/orchflow/orchflow/internal/mcp"
	"github.com/orchflow/orchflow/internal/orchestrator"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchflowd",
	Short: "OrchFlow orchestration engine",
	Long: `orchflowd coordinates pools of terminal-driven AI workers: it schedules
tasks over a dependency graph, balances them across workers, and exposes
the whole thing as a set of MCP tool-call operations.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to orchflow.yaml (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Output logs as JSON instead of console-formatted")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(initCmd)
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if logJSON {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

func loadRuntime() (*orchestrator.Runtime, zerolog.Logger, error) {
	log := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, log, fmt.Errorf("load config: %w", err)
	}

	rt, err := orchestrator.New(log, cfg)
	if err != nil {
		return nil, log, fmt.Errorf("build runtime: %w", err)
	}
	return rt, log, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration engine (scheduler, auto-scaler, heartbeat) without the MCP transport",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, log, err := loadRuntime()
		if err != nil {
			return err
		}

		if err := rt.Start(); err != nil {
			return fmt.Errorf("start runtime: %w", err)
		}
		log.Info().Msg("orchflow runtime started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Info().Msg("shutting down")
		rt.Stop()
		return nil
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the orchestration engine and serve the orchflow_* MCP tool-call surface over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, log, err := loadRuntime()
		if err != nil {
			return err
		}

		if err := rt.Start(); err != nil {
			return fmt.Errorf("start runtime: %w", err)
		}
		defer rt.Stop()

		log.Info().Msg("serving orchflow MCP tools on stdio")
		server := mcp.NewServer(rt)
		return mcp.Serve(server)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default orchflow.yaml to the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = "orchflow.yaml"
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

const defaultConfigYAML = `runtime:
  max_workers: 6
  min_workers: 2
  worker_idle_timeout_ms: 600000
  heartbeat_interval_ms: 15000
  task_timeout_ms: 300000
  enable_auto_scaling: true
  scale_up_threshold: 3
  scale_down_threshold_ms: 120000
scheduler:
  discipline: priority
  tick_ms: 100
load_balancer:
  discipline: least_connections
memory:
  namespace: orchflow
  default_ttl_s: 86400
  path: .orchflow/memory.db
locks:
  default_priority: NORMAL
  default_timeout_ms: 30000
`
