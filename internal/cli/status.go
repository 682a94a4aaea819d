package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hollis/molt/internal/config"
	"github.com/hollis/molt/internal/events"
	"github.com/hollis/molt/pkg/session"

	"github.com/rs/zerolog"
)

var statusEvents int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted sessions and recent system events",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusEvents, "events", 10, "number of recent events to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := session.NewStore(cfg.Session.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sessions: %d\n", store.Len())
	for _, key := range store.Keys() {
		entry, ok := store.Get(key)
		if !ok {
			continue
		}
		fmt.Fprintf(out, "  %s  compactions=%d  updated=%s\n",
			key, entry.CompactionCount, entry.UpdatedAt.Format(time.RFC3339))
	}

	sink, err := events.NewSink(cfg.Events.DBPath, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to open event sink: %w", err)
	}
	defer sink.Close()

	recent, err := sink.Recent(statusEvents)
	if err != nil {
		return fmt.Errorf("failed to read events: %w", err)
	}

	fmt.Fprintf(out, "Recent events: %d\n", len(recent))
	for _, e := range recent {
		fmt.Fprintf(out, "  [%s] %s %s\n", e.CreatedAt.Format(time.RFC3339), e.Kind, e.Text)
	}
	return nil
}
