package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/internal/coherence"
	"github.com/convergehq/converge/internal/model"
)

var coherenceCmd = &cobra.Command{
	Use:   "coherence",
	Short: "Run the pre-merge coherence harness",
}

var coherenceRisk string

var coherenceInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter harness configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		path := a.cfg.HarnessPath
		created, err := coherence.Init(path)
		if err != nil {
			return err
		}
		if path == "" {
			path = coherence.DefaultConfigPath
		}
		if created {
			fmt.Printf("harness config written to %s\n", path)
		} else {
			fmt.Printf("harness config already exists at %s\n", path)
		}
		return nil
	},
}

var coherenceRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate the harness against current baselines",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		h, err := loadHarness(a)
		if err != nil {
			return err
		}
		if len(h.Questions) == 0 {
			fmt.Println("harness has no questions; nothing to evaluate")
			return nil
		}
		baselines, err := coherence.LoadBaselines(ctx, a.log)
		if err != nil {
			return err
		}
		prof := a.policy.ProfileFor(model.ParseRiskLevel(coherenceRisk), model.OriginHuman)
		eval := h.Evaluate(ctx, baselines, prof.CoherencePass, prof.CoherenceWarn)

		if jsonOut {
			return printJSON(eval)
		}
		fmt.Printf("score %.1f verdict %s (%d questions)\n", eval.Score, eval.Verdict, len(eval.Results))
		for _, r := range eval.Results {
			mark := "ok"
			if !r.Passed {
				mark = "FAIL"
			}
			fmt.Printf("  %-4s %s\n", mark, r.QuestionID)
		}
		return nil
	},
}

var coherenceBaselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Record the current harness measurements as baselines",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		h, err := loadHarness(a)
		if err != nil {
			return err
		}
		if len(h.Questions) == 0 {
			return fmt.Errorf("harness has no questions; run 'converge coherence init' first")
		}
		prof := a.policy.ProfileFor(model.ParseRiskLevel(coherenceRisk), model.OriginHuman)
		eval := h.Evaluate(ctx, nil, prof.CoherencePass, prof.CoherenceWarn)

		baselines, err := coherence.UpdateBaselines(ctx, a.log, eval.Results)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(baselines)
		}
		fmt.Printf("recorded %d baselines\n", len(baselines))
		return nil
	},
}

func loadHarness(a *app) (*coherence.Harness, error) {
	return coherence.Load(a.cfg.HarnessPath, a.cfg.RepoPath, logger)
}

func init() {
	coherenceCmd.PersistentFlags().StringVar(&coherenceRisk, "risk", "medium", "risk profile whose thresholds apply")

	coherenceCmd.AddCommand(coherenceInitCmd)
	coherenceCmd.AddCommand(coherenceRunCmd)
	coherenceCmd.AddCommand(coherenceBaselineCmd)
}
