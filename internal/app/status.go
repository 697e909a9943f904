package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"capital-guard/internal/safety"
)

// Status prints the vault balances, kill switch activations, and circuit
// breaker state.
func (a *App) Status(_ context.Context) error {
	c, err := a.buildCore()
	if err != nil {
		return err
	}

	snap := c.vault.Snapshot()
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintln(writer, "Bucket\tBudget\tSpent\tRemaining")
	fmt.Fprintf(writer, "learning\t%s\t%s\t%s\n",
		snap.LearningBudget.StringFixed(2), snap.SpentLearning.StringFixed(2), snap.RemainingLearning().StringFixed(2))
	fmt.Fprintf(writer, "operational\t%s\t%s\t%s\n",
		snap.OperationalBudget.StringFixed(2), snap.SpentOperational.StringFixed(2), snap.RemainingOperational().StringFixed(2))
	fmt.Fprintf(writer, "reserve\t%s\t-\t%s\n",
		snap.ReserveBudget.StringFixed(2), snap.ReserveBudget.StringFixed(2))
	fmt.Fprintf(writer, "total\t%s\t%s\t%s\n",
		snap.TotalBudget.StringFixed(2), snap.TotalSpent().StringFixed(2), snap.RemainingTotal().StringFixed(2))
	writer.Flush()

	activations := c.kill.Snapshot()
	if len(activations) == 0 {
		fmt.Fprintln(os.Stdout, "\nkill switch: inactive")
	} else {
		fmt.Fprintln(os.Stdout, "\nkill switch activations:")
		keys := make([]string, 0, len(activations))
		for k := range activations {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ksWriter := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(ksWriter, "Scope\tReason\tTriggered By\tActivated At")
		for _, k := range keys {
			act := activations[k]
			fmt.Fprintf(ksWriter, "%s\t%s\t%s\t%s\n",
				k, act.Reason, act.TriggeredBy, act.ActivatedAt.UTC().Format(time.RFC3339))
		}
		ksWriter.Flush()
	}

	fmt.Fprintf(os.Stdout, "\ncircuit breaker: %s (cooldown %s)\n",
		c.breaker.State(), c.breaker.CurrentCooldown())
	return nil
}

// Verify walks the audit chain and fails when any link is broken.
func (a *App) Verify(_ context.Context) error {
	c, err := a.buildCore()
	if err != nil {
		return err
	}

	ok, err := c.trail.Verify()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("audit chain verification failed")
	}
	fmt.Fprintln(os.Stdout, "audit chain OK")
	return nil
}

// KillswitchActivate turns on a kill switch at the given scope.
func (a *App) KillswitchActivate(_ context.Context, level, target, reason string) error {
	c, err := a.buildCore()
	if err != nil {
		return err
	}

	c.kill.Activate(safety.Activation{
		Level:       safety.Level(level),
		TargetID:    target,
		Reason:      reason,
		TriggeredBy: "cli",
	})
	fmt.Fprintf(os.Stdout, "kill switch activated: %s\n", scopeLabel(level, target))
	return nil
}

// KillswitchClear removes a kill switch activation.
func (a *App) KillswitchClear(_ context.Context, level, target string) error {
	c, err := a.buildCore()
	if err != nil {
		return err
	}

	c.kill.Clear(safety.Level(level), target)
	fmt.Fprintf(os.Stdout, "kill switch cleared: %s\n", scopeLabel(level, target))
	return nil
}

func scopeLabel(level, target string) string {
	if target == "" {
		target = "*"
	}
	return fmt.Sprintf("%s:%s", level, target)
}
