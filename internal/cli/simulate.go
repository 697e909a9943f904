package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulateSource string
	simulateReason string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-trip",
	Short: "模拟一次安全触发并走完整条告警链路",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateReason == "" {
			return errors.New("--reason 必须提供")
		}
		return getApp().SimulateTrip(cmd.Context(), simulateSource, simulateReason)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSource, "source", "manual", "触发来源标识")
	simulateCmd.Flags().StringVar(&simulateReason, "reason", "", "触发原因")
}
