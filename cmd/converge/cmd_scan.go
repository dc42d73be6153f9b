package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/scanner"
)

var scanIntentID string

var scanCmd = &cobra.Command{
	Use:   "scan [path]",
	Short: "Run security scanners and record findings",
	Long: `Runs every installed scanner (gitleaks, semgrep, osv-scanner) against
the given path, defaulting to the configured repository. Findings are
recorded as events and deduplicated on fingerprint.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if !a.flags.IsEnabled("security_adapters") {
			return fmt.Errorf("security_adapters flag is disabled")
		}

		path := a.cfg.RepoPath
		if len(args) == 1 {
			path = args[0]
		}
		findings, err := scanner.NewOrchestrator(a.log, logger).Run(ctx, path, scanner.Options{
			IntentID: scanIntentID,
			TenantID: tenant,
		})
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(findings)
		}
		counts := make(model.SeverityCounts)
		for _, f := range findings {
			counts[f.Severity]++
		}
		fmt.Printf("%d findings (critical=%d high=%d medium=%d low=%d)\n",
			len(findings),
			counts[model.SeverityCritical], counts[model.SeverityHigh],
			counts[model.SeverityMedium], counts[model.SeverityLow])
		for _, f := range findings {
			fmt.Printf("  [%s] %s %s: %s\n", f.Severity, f.Scanner, f.Path, f.Message)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanIntentID, "intent", "", "intent to attach the findings to")
}
