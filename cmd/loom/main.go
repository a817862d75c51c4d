package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/cosmix/loom/pkg/config"
	"github.com/cosmix/loom/pkg/daemon"
	"github.com/cosmix/loom/pkg/log"
	"github.com/cosmix/loom/pkg/metrics"
	"github.com/cosmix/loom/pkg/orchestrator"
	"github.com/cosmix/loom/pkg/stagestore"
	"github.com/cosmix/loom/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - orchestrates parallel agent sessions over a DAG of stages",
	Long: `loom drives a plan's stages to completion by spawning one agent
session per ready stage in an isolated git worktree, merging completed work
back onto the target branch, and retrying or escalating failures.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"loom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("work-dir", ".loom", "Orchestrator state directory")
	rootCmd.PersistentFlags().String("repo-root", ".", "Repository root to operate on")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(initCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize loom's state directory and default configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, _ := cmd.Flags().GetString("work-dir")
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}

		cfgPath := config.WorkDirConfigPath(workDir)
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			// Loaded defaults double as the template written to disk; a
			// fresh config.toml documents every tunable at its default.
			defaultCfg := config.Default()
			data, err := toml.Marshal(defaultCfg)
			if err != nil {
				return fmt.Errorf("encode default config: %w", err)
			}
			fmt.Printf("Writing default configuration to %s\n", cfgPath)
			header := []byte("# loom configuration — see pkg/config.Config for every field\n")
			if err := os.WriteFile(cfgPath, append(header, data...), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
		}
		fmt.Printf("Initialized loom state directory at %s\n", workDir)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <plan-file>",
	Short: "Run a plan to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, _ := cmd.Flags().GetString("work-dir")
		repoRoot, _ := cmd.Flags().GetString("repo-root")
		watch, _ := cmd.Flags().GetBool("watch")
		manual, _ := cmd.Flags().GetBool("manual")

		cfg, err := config.Load(config.WorkDirConfigPath(workDir))
		if err != nil {
			return err
		}

		o, err := orchestrator.New(cfg, repoRoot, workDir, log.Logger)
		if err != nil {
			return err
		}
		defer o.Close()

		contents, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read plan file: %w", err)
		}
		if err := o.LoadPlan(contents, args[0]); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cfg.MetricsAddr != "" {
			go serveMetrics(cfg.MetricsAddr)
		}

		summary, err := o.Run(ctx, watch, manual)
		if err != nil {
			return err
		}
		fmt.Printf("Run complete: %d succeeded, %d failed\n", summary.SuccessCount, summary.FailureCount)
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("watch", false, "Keep ticking through stalls until every stage reaches a terminal status")
	runCmd.Flags().Bool("manual", false, "Spawn one ready batch, process its immediate events, then stop")
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	_ = http.ListenAndServe(addr, mux)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a one-shot status snapshot from a running orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, _ := cmd.Flags().GetString("work-dir")
		cfg, err := config.Load(config.WorkDirConfigPath(workDir))
		if err != nil {
			return err
		}
		conn, err := net.Dial("unix", filepath.Join(workDir, cfg.SocketPath))
		if err != nil {
			return fmt.Errorf("connect to orchestrator socket: %w", err)
		}
		defer conn.Close()

		if err := daemon.WriteMessage(conn, daemon.Message{Type: daemon.MsgSubscribeStatus}); err != nil {
			return err
		}
		msg, err := daemon.ReadMessage(bufio.NewReader(conn))
		if err != nil {
			return err
		}
		if msg.Status != nil {
			fmt.Printf("executing=%d pending=%d completed=%d blocked=%d\n",
				msg.Status.Executing, msg.Status.Pending, msg.Status.Completed, msg.Status.Blocked)
		}
		return nil
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach <stage-id>",
	Short: "Attach to a running stage's terminal session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("attach: not supported from this entry point; use loom-attach %s", args[0])
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <stage-id>",
	Short: "Force an immediate retry of a blocked or escalated stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workDir, _ := cmd.Flags().GetString("work-dir")
		store, err := stagestore.New(workDir)
		if err != nil {
			return err
		}
		stage, err := store.Load(args[0])
		if err != nil {
			return err
		}
		stage.Status = types.StatusQueued
		stage.Session = ""
		stage.MergeConflict = false
		stage.UpdatedAt = time.Now().UTC()
		if err := store.Save(stage, ""); err != nil {
			return err
		}
		fmt.Printf("Requeued stage %s for retry on the next orchestrator tick\n", args[0])
		return nil
	},
}
