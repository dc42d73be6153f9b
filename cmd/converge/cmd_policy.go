package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/storage"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show and calibrate the merge policy",
}

var (
	calibrateWrite bool
	calibrateLimit int
)

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()
		return printJSON(a.policy)
	},
}

var policyCalibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Recompute entropy budgets from observed history",
	Long: `Reads the entropy scores of past risk evaluations from the event log
and recomputes per-profile entropy budgets at P75/P90/P95. Prints the
calibrated policy; --write persists it to the policy file.`,
	RunE: runPolicyCalibrate,
}

func runPolicyCalibrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	stored, err := a.log.Query(ctx, storage.EventFilter{Type: model.EventRiskEvaluated, TenantID: tenant})
	if err != nil {
		return err
	}
	var history []float64
	for _, s := range stored {
		risk, ok := s.Event.Payload["risk"].(map[string]any)
		if !ok {
			continue
		}
		if load, ok := risk["entropic_load"].(float64); ok {
			history = append(history, load)
		}
	}
	if calibrateLimit > 0 && len(history) > calibrateLimit {
		history = history[len(history)-calibrateLimit:]
	}
	if err := a.policy.CalibrateEntropyBudgets(history); err != nil {
		return fmt.Errorf("calibrate from %d samples: %w", len(history), err)
	}
	logger.Info("entropy budgets calibrated", "samples", len(history))

	if calibrateWrite {
		path := a.cfg.PolicyPath
		if path == "" {
			path = filepath.Join(".converge", "policy.json")
		}
		raw, err := json.MarshalIndent(a.policy, "", "  ")
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return fmt.Errorf("write policy %s: %w", path, err)
		}
		fmt.Printf("calibrated policy written to %s\n", path)
		return nil
	}
	return printJSON(a.policy)
}

func init() {
	policyCalibrateCmd.Flags().BoolVar(&calibrateWrite, "write", false, "persist the calibrated policy to the policy file")
	policyCalibrateCmd.Flags().IntVar(&calibrateLimit, "last", 0, "use only the most recent N samples (0 = all)")

	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyCalibrateCmd)
}
