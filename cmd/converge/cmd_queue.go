package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/queue"
	"github.com/convergehq/converge/internal/storage"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Process and inspect the merge queue",
}

var (
	resetStatus    string
	resetClearLock bool
)

var queueRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one queue processing pass",
	Long: `Acquires the queue lock and processes validated intents in priority
order: revalidation, dependency and review gating, then queueing or merging.
If another processor holds the lock the pass is a clean no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		proc, err := a.processor(ctx)
		if err != nil {
			return err
		}
		res, err := proc.ProcessOnce(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(res)
		}
		fmt.Printf("processed=%d merged=%d queued=%d requeued=%d rejected=%d skipped=%d\n",
			res.Processed, res.Merged, res.Queued, res.Requeued, res.Rejected, res.Skipped)
		return nil
	},
}

var queueInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show queue contents and lock state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		type inspection struct {
			Lock      *storage.LockInfo `json:"lock,omitempty"`
			Validated []*model.Intent   `json:"validated"`
			Queued    []*model.Intent   `json:"queued"`
		}
		var out inspection

		lock, err := a.store.QueueLockInfo(ctx, queue.LockName)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		out.Lock = lock

		out.Validated, err = a.store.ListIntents(ctx, storage.IntentFilter{Status: model.StatusValidated, TenantID: tenant})
		if err != nil {
			return err
		}
		out.Queued, err = a.store.ListIntents(ctx, storage.IntentFilter{Status: model.StatusQueued, TenantID: tenant})
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(out)
		}
		if out.Lock != nil {
			fmt.Printf("lock held by %s until %s\n", out.Lock.Holder, out.Lock.ExpiresAt.Format("15:04:05"))
		} else {
			fmt.Println("lock free")
		}
		for _, i := range out.Validated {
			fmt.Printf("VALIDATED  %s  p%d  %s -> %s  retries=%d\n", i.ID, i.Priority, i.Source, i.Target, i.Retries)
		}
		for _, i := range out.Queued {
			fmt.Printf("QUEUED     %s  p%d  %s -> %s\n", i.ID, i.Priority, i.Source, i.Target)
		}
		return nil
	},
}

var queueResetCmd = &cobra.Command{
	Use:   "reset <intent-id>",
	Short: "Force an intent back to a safe state and clear a stuck lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		proc, err := a.processor(ctx)
		if err != nil {
			return err
		}
		if err := proc.ResetQueue(ctx, args[0], model.Status(resetStatus), resetClearLock); err != nil {
			return err
		}
		fmt.Printf("intent %s reset to %s\n", args[0], resetStatus)
		return nil
	},
}

func init() {
	queueResetCmd.Flags().StringVar(&resetStatus, "status", string(model.StatusReady), "status to force the intent into")
	queueResetCmd.Flags().BoolVar(&resetClearLock, "clear-lock", false, "force-release the queue lock")

	queueCmd.AddCommand(queueRunCmd)
	queueCmd.AddCommand(queueInspectCmd)
	queueCmd.AddCommand(queueResetCmd)
}
