package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/internal/intake"
	"github.com/convergehq/converge/internal/model"
	"github.com/convergehq/converge/internal/storage"
)

var intentCmd = &cobra.Command{
	Use:   "intent",
	Short: "Create and manage merge intents",
}

var (
	intentSource    string
	intentTarget    string
	intentRisk      string
	intentPriority  int
	intentOrigin    string
	intentCreatedBy string
	intentDeps      []string
	intentChecks    []string
	intentPlan      string
	intentDraft     bool
	intentDelivery  string
	confirmCommit   string
)

var intentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new merge intent",
	Long: `Registers a merge intent for the given source and target refs.
Intents start READY unless --draft is given. Admission is subject to the
current intake mode: a paused system only accepts critical intents.`,
	RunE: runIntentCreate,
}

var intentShowCmd = &cobra.Command{
	Use:   "show <intent-id>",
	Short: "Show one intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		intent, err := a.store.GetIntent(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(intent)
	},
}

var intentListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List intents, optionally filtered by status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		f := storage.IntentFilter{TenantID: tenant}
		if len(args) == 1 {
			f.Status = model.Status(args[0])
		}
		intents, err := a.store.ListIntents(ctx, f)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(intents)
		}
		for _, i := range intents {
			fmt.Printf("%s  %-9s  p%d  %-8s  %s -> %s\n",
				i.ID, i.Status, i.Priority, i.RiskLevel, i.Source, i.Target)
		}
		return nil
	},
}

var intentValidateCmd = &cobra.Command{
	Use:   "validate <intent-id>",
	Short: "Run the validation pipeline for one intent",
	Args:  cobra.ExactArgs(1),
	RunE:  runIntentValidate,
}

var intentConfirmCmd = &cobra.Command{
	Use:   "confirm <intent-id>",
	Short: "Confirm that a queued intent was merged out of band",
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
		sha, err := proc.ConfirmMerge(ctx, args[0], confirmCommit)
		if err != nil {
			return err
		}
		fmt.Printf("intent %s confirmed merged at %s\n", args[0], sha)
		return nil
	},
}

func init() {
	intentCreateCmd.Flags().StringVar(&intentSource, "source", "", "source ref to merge (required)")
	intentCreateCmd.Flags().StringVar(&intentTarget, "target", "", "target ref (default from configuration)")
	intentCreateCmd.Flags().StringVar(&intentRisk, "risk", "medium", "declared risk level: low|medium|high|critical")
	intentCreateCmd.Flags().IntVar(&intentPriority, "priority", model.DefaultPriority, "queue priority, 1 (highest) to 5")
	intentCreateCmd.Flags().StringVar(&intentOrigin, "origin", string(model.OriginHuman), "origin: human|agent|integration")
	intentCreateCmd.Flags().StringVar(&intentCreatedBy, "created-by", "", "author identity")
	intentCreateCmd.Flags().StringSliceVar(&intentDeps, "depends-on", nil, "intent ids that must merge first")
	intentCreateCmd.Flags().StringSliceVar(&intentChecks, "check", nil, "additional required checks")
	intentCreateCmd.Flags().StringVar(&intentPlan, "plan", "", "plan id for coordinated merges")
	intentCreateCmd.Flags().BoolVar(&intentDraft, "draft", false, "create as DRAFT instead of READY")
	intentCreateCmd.Flags().StringVar(&intentDelivery, "delivery-id", "", "webhook delivery id for idempotent creation")
	_ = intentCreateCmd.MarkFlagRequired("source")

	intentConfirmCmd.Flags().StringVar(&confirmCommit, "commit", "", "merged commit sha (optional)")

	intentCmd.AddCommand(intentCreateCmd)
	intentCmd.AddCommand(intentShowCmd)
	intentCmd.AddCommand(intentListCmd)
	intentCmd.AddCommand(intentValidateCmd)
	intentCmd.AddCommand(intentConfirmCmd)
}

func runIntentCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	status := model.StatusReady
	if intentDraft {
		status = model.StatusDraft
	}
	now := time.Now().UTC()
	intent := &model.Intent{
		ID:             model.NewID(),
		Source:         intentSource,
		Target:         intentTarget,
		Status:         status,
		RiskLevel:      model.ParseRiskLevel(intentRisk),
		Priority:       intentPriority,
		OriginType:     model.OriginType(intentOrigin),
		CreatedAt:      now,
		CreatedBy:      intentCreatedBy,
		UpdatedAt:      now,
		ChecksRequired: intentChecks,
		Dependencies:   intentDeps,
		TenantID:       tenant,
		PlanID:         intentPlan,
	}
	if intent.Target == "" {
		intent.Target = a.cfg.DefaultTarget
	}
	if err := intent.Validate(); err != nil {
		return err
	}
	if err := storage.CheckDependencyClosure(ctx, a.store, intent); err != nil {
		return err
	}

	ctrl := intake.New(a.log, a.store, a.flags, logger)
	if intentDelivery != "" {
		dup, err := ctrl.Deduplicate(ctx, intentDelivery)
		if err != nil {
			return err
		}
		if dup {
			fmt.Printf("delivery %s already processed, skipping\n", intentDelivery)
			return nil
		}
	}
	admitted, reason, err := ctrl.Admit(ctx, intent)
	if err != nil {
		return err
	}
	if !admitted {
		return fmt.Errorf("intent not admitted: %s", reason)
	}

	err = a.log.Append(ctx, &model.Event{
		Type:     model.EventIntentCreated,
		IntentID: intent.ID,
		TenantID: intent.TenantID,
		AgentID:  intent.CreatedBy,
		Payload:  map[string]any{"intent": intent},
	})
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(intent)
	}
	fmt.Printf("intent %s created (%s -> %s, %s, p%d)\n",
		intent.ID, intent.Source, intent.Target, intent.RiskLevel, intent.Priority)
	return nil
}

func runIntentValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	intent, err := a.store.GetIntent(ctx, args[0])
	if err != nil {
		return err
	}
	eng, err := a.engine(ctx)
	if err != nil {
		return err
	}
	decision, err := eng.Validate(ctx, intent)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(decision)
	}
	switch {
	case decision.Blocked():
		fmt.Printf("intent %s blocked: %s (%s)\n", intent.ID, decision.Reason, decision.Detail)
	default:
		fmt.Printf("intent %s validated\n", intent.ID)
	}
	return nil
}
