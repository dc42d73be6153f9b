package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/storage"
	"github.com/convergehq/converge/migrations"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query and replay the event log",
}

var (
	eventsType   string
	eventsIntent string
	replayTo     string
)

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events, optionally filtered by type or intent",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		stored, err := a.log.Query(ctx, storage.EventFilter{
			Type:     model.EventType(eventsType),
			IntentID: eventsIntent,
			TenantID: tenant,
		})
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(stored)
		}
		for _, s := range stored {
			fmt.Printf("%6d  %s  %-28s  %s\n",
				s.Seq, s.Event.Timestamp.Format("2006-01-02 15:04:05"), s.Event.Type, s.Event.IntentID)
		}
		return nil
	},
}

var eventsReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild projections from the log into a fresh database",
	Long: `Feeds every event oldest first into a new SQLite database at --to,
rebuilding the intent, finding and review projections from scratch. The
source log is not modified.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if _, err := os.Stat(replayTo); err == nil {
			return fmt.Errorf("replay target %s already exists", replayTo)
		}
		if dir := filepath.Dir(replayTo); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		dst, err := storage.NewSQLite(ctx, replayTo, logger)
		if err != nil {
			return err
		}
		defer dst.Close()
		if err := dst.RunMigrations(ctx, migrations.SQLite); err != nil {
			return err
		}

		n, err := a.log.Replay(ctx, dst)
		if err != nil {
			return err
		}
		fmt.Printf("replayed %d events into %s\n", n, replayTo)
		return nil
	},
}

func init() {
	eventsListCmd.Flags().StringVar(&eventsType, "type", "", "filter by event type")
	eventsListCmd.Flags().StringVar(&eventsIntent, "intent", "", "filter by intent id")
	eventsReplayCmd.Flags().StringVar(&replayTo, "to", "", "path of the SQLite database to create (required)")
	_ = eventsReplayCmd.MarkFlagRequired("to")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsReplayCmd)
}
