package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convergehq/converge/internal/flags"
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Inspect and change feature flags",
}

var (
	setEnabled string
	setMode    string
)

var flagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resolved flag state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		states := a.flags.List()
		if jsonOut {
			return printJSON(states)
		}
		for _, s := range states {
			fmt.Printf("%-18s enabled=%-5t mode=%-7s source=%-7s %s\n",
				s.Name, s.Enabled, s.Mode, s.Source, s.Description)
		}
		return nil
	},
}

var flagsSetCmd = &cobra.Command{
	Use:   "set <flag>",
	Short: "Change a flag at runtime",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		var enabled *bool
		switch setEnabled {
		case "":
		case "true":
			v := true
			enabled = &v
		case "false":
			v := false
			enabled = &v
		default:
			return fmt.Errorf("--enabled must be true or false, got %q", setEnabled)
		}
		var mode *flags.Mode
		switch setMode {
		case "":
		case "off":
			m := flags.ModeOff
			mode = &m
		case "shadow":
			m := flags.ModeShadow
			mode = &m
		case "enforce":
			m := flags.ModeEnforce
			mode = &m
		default:
			return fmt.Errorf("--mode must be off, shadow or enforce, got %q", setMode)
		}
		state, err := a.flags.Set(args[0], enabled, mode)
		if err != nil {
			return err
		}
		fmt.Printf("%s enabled=%t mode=%s\n", state.Name, state.Enabled, state.Mode)
		return nil
	},
}

func init() {
	flagsSetCmd.Flags().StringVar(&setEnabled, "enabled", "", "enable or disable the flag: true|false")
	flagsSetCmd.Flags().StringVar(&setMode, "mode", "", "flag mode: off|shadow|enforce")

	flagsCmd.AddCommand(flagsListCmd)
	flagsCmd.AddCommand(flagsSetCmd)
}
