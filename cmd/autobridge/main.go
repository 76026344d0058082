package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/althea-net/auto-bridge/internal/config"
	"github.com/althea-net/auto-bridge/internal/logging"
)

var (
	configPath    string
	healthTimeout time.Duration

	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "autobridge",
	Short: "Move value between a foreign chain and its bridged sidechain",
	Long: `Swap the foreign chain's native coin for the bridged token on a
constant-product exchange and carry it across the token bridge, or the reverse.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		if configPath != "" {
			os.Setenv("AUTOBRIDGE_CONFIG", configPath)
		}
		var err error
		if cfg, err = config.Load(); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log, logCloser = logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (overrides AUTOBRIDGE_CONFIG)")
	rootCmd.PersistentFlags().DurationVar(&healthTimeout, "health-timeout", 30*time.Second, "how long to wait for both chains to pass the health gate")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(quoteCmd)
	rootCmd.AddCommand(swapCmd)
	rootCmd.AddCommand(depositCmd)
	rootCmd.AddCommand(withdrawCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(resumeCmd)
}

// withApp wires every component, runs fn and tears the wiring down.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func main() {
	defer memguard.Purge()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		memguard.SafeExit(1)
	}
}
