package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hollis/molt/internal/config"
	"github.com/hollis/molt/internal/daemon"
	"github.com/hollis/molt/internal/logger"
	"github.com/hollis/molt/internal/telegram"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the molt daemon",
	Long: `Start the molt daemon in the foreground. The daemon processes messages
from the configured transports until interrupted.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if cfg.Telegram.Enabled {
		bot, err := telegram.New(&cfg.Telegram, d, *log.Zerolog())
		if err != nil {
			return fmt.Errorf("failed to start telegram bot: %w", err)
		}
		if err := bot.Start(ctx); err != nil {
			return err
		}
		defer bot.Stop()
	}

	return d.Run(ctx)
}
