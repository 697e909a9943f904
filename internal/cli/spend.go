package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"capital-guard/internal/app"
)

var (
	spendAmount    string
	spendPool      string
	spendProduct   string
	spendRequestID string
	spendDay       int
	spendKey       string

	spendMonthlyBudget string
	spendExpected4h    string
	spendActual4h      string
	spendDailyLoss     string
)

var spendCmd = &cobra.Command{
	Use:   "spend",
	Short: "Request a spend approval through the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		if spendAmount == "" {
			return fmt.Errorf("--amount must be provided")
		}
		if spendPool == "" {
			return fmt.Errorf("--pool must be provided")
		}

		opts := app.SpendOptions{
			Amount:        spendAmount,
			Pool:          spendPool,
			ProductID:     spendProduct,
			RequestID:     spendRequestID,
			Day:           spendDay,
			Key:           spendKey,
			MonthlyBudget: spendMonthlyBudget,
			Expected4h:    spendExpected4h,
			Actual4h:      spendActual4h,
			DailyLoss:     spendDailyLoss,
		}

		return getApp().Spend(cmd.Context(), opts)
	},
}

func init() {
	spendCmd.Flags().StringVar(&spendAmount, "amount", "", "Amount to spend (decimal string)")
	spendCmd.Flags().StringVar(&spendPool, "pool", "", "Budget pool: learning | operational | reserve")
	spendCmd.Flags().StringVar(&spendProduct, "product", "", "Product identifier")
	spendCmd.Flags().StringVar(&spendRequestID, "request-id", "", "Caller request identifier")
	spendCmd.Flags().IntVar(&spendDay, "day", 0, "Campaign day (1 enables the day-1 cap)")
	spendCmd.Flags().StringVar(&spendKey, "key", "", "Explicit idempotency key (derived when empty)")

	spendCmd.Flags().StringVar(&spendMonthlyBudget, "monthly-budget", "", "Risk snapshot: monthly budget")
	spendCmd.Flags().StringVar(&spendExpected4h, "expected-4h", "", "Risk snapshot: expected 4h spend rate")
	spendCmd.Flags().StringVar(&spendActual4h, "actual-4h", "", "Risk snapshot: actual 4h spend")
	spendCmd.Flags().StringVar(&spendDailyLoss, "daily-loss", "", "Risk snapshot: daily loss")
}
