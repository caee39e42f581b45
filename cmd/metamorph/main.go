// metamorph is the crash-safe self-modification core for an autonomous
// agent: changes to the agent's own source tree are queued for human
// approval, applied with backup-before-write, and rolled back automatically
// after an unclean shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"metamorph/internal/config"
	"metamorph/internal/logging"
	"metamorph/internal/selfmod"
)

var (
	flagRoot    string
	flagConfig  string
	flagVerbose bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "metamorph",
	Short: "metamorph - crash-safe agent self-modification",
	Long: `metamorph lets an autonomous agent propose changes to its own source
tree, holds them for human approval, applies them with backup-before-write,
and recovers automatically if the process crashes mid-change.

State lives under <project-root>/.metamorph/.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if flagVerbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.JSON)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd boots the coordinator (running crash recovery first), then stays up
// until interrupted, recording a clean shutdown on the way out.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot with crash recovery and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, err := newCoordinator()
		if err != nil {
			return err
		}

		result, err := coord.Boot()
		if err != nil {
			return err
		}
		printJSON(result)
		if coord.Degraded() {
			logger.Error("running in degraded mode: boot recovery could not complete",
				zap.String("detail", result.Err))
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			<-ctx.Done()
			logger.Info("shutdown signal received")
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}
		return coord.Shutdown()
	},
}

// recoverCmd runs the boot sequence once and exits cleanly. Useful to heal
// state after a crash without keeping a process around.
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run crash detection and recovery once, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		coord, err := newCoordinator()
		if err != nil {
			return err
		}
		result, err := coord.Boot()
		if err != nil {
			return err
		}
		printJSON(result)
		if err := coord.Shutdown(); err != nil {
			return err
		}
		if result.Failed() {
			return fmt.Errorf("recovery incomplete: %s", result.Err)
		}
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	root := flagRoot
	if root == "" {
		var err error
		root, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}
	path := flagConfig
	if path == "" {
		path = filepath.Join(root, ".metamorph", "config.yaml")
	}
	return config.Load(path, root)
}

func newCoordinator() (*selfmod.Coordinator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return selfmod.New(cfg, logger)
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "project root (default: working directory)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: <root>/.metamorph/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd, recoverCmd)
	registerQueueCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
