package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	ksLevel  string
	ksTarget string
	ksReason string
)

var killswitchCmd = &cobra.Command{
	Use:   "killswitch",
	Short: "Manage kill switch activations",
}

var killswitchActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Activate a kill switch at the given scope",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateLevel(ksLevel); err != nil {
			return err
		}
		if ksReason == "" {
			return fmt.Errorf("--reason must be provided")
		}
		return getApp().KillswitchActivate(cmd.Context(), ksLevel, ksTarget, ksReason)
	},
}

var killswitchClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear a kill switch activation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateLevel(ksLevel); err != nil {
			return err
		}
		return getApp().KillswitchClear(cmd.Context(), ksLevel, ksTarget)
	},
}

func validateLevel(level string) error {
	switch level {
	case "campaign", "channel", "portfolio", "system":
		return nil
	default:
		return fmt.Errorf("--level must be one of campaign|channel|portfolio|system")
	}
}

func init() {
	for _, cmd := range []*cobra.Command{killswitchActivateCmd, killswitchClearCmd} {
		cmd.Flags().StringVar(&ksLevel, "level", "system", "Scope level: campaign | channel | portfolio | system")
		cmd.Flags().StringVar(&ksTarget, "target", "", "Target identifier (empty means the whole level)")
	}
	killswitchActivateCmd.Flags().StringVar(&ksReason, "reason", "", "Why the switch is being activated")

	killswitchCmd.AddCommand(killswitchActivateCmd)
	killswitchCmd.AddCommand(killswitchClearCmd)
}
