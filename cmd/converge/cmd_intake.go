package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/internal/intake"
)

var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Control intent admission",
}

var (
	intakeRatio  float64
	intakeReason string
)

var intakeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current intake mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		ctrl := intake.New(a.log, a.store, a.flags, logger)
		mode, ratio, err := ctrl.Mode(ctx)
		if err != nil {
			return err
		}
		if mode == intake.ModeThrottle {
			fmt.Printf("%s (ratio %.2f)\n", mode, ratio)
		} else {
			fmt.Println(mode)
		}
		return nil
	},
}

var intakeModeCmd = &cobra.Command{
	Use:   "mode <open|throttle|pause>",
	Short: "Change the intake mode",
	Long: `Changes intent admission: open admits everything, throttle sheds a
deterministic fraction of intents by id bucket, pause admits only critical
intents. The change takes effect on the next admission decision.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		mode := intake.ParseMode(args[0])
		ctrl := intake.New(a.log, a.store, a.flags, logger)
		if err := ctrl.SetMode(ctx, mode, intakeRatio, intakeReason); err != nil {
			return err
		}
		fmt.Printf("intake mode set to %s\n", mode)
		return nil
	},
}

func init() {
	intakeModeCmd.Flags().Float64Var(&intakeRatio, "ratio", 0, "fraction of intents to shed in throttle mode, 0..1")
	intakeModeCmd.Flags().StringVar(&intakeReason, "reason", "", "operator note recorded on the mode change event")

	intakeCmd.AddCommand(intakeShowCmd)
	intakeCmd.AddCommand(intakeModeCmd)
}
