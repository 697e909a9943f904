package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"capital-guard/internal/gateway"
	"capital-guard/internal/risk"
	"capital-guard/internal/storage"
	"capital-guard/internal/vault"
)

// Spend runs one spend attempt through the gateway and prints the decision
// as JSON. The decision is archived to PostgreSQL when a DSN is configured.
func (a *App) Spend(ctx context.Context, opts SpendOptions) error {
	c, err := a.buildCore()
	if err != nil {
		return err
	}

	req, err := buildRequest(opts)
	if err != nil {
		return err
	}

	dec, err := c.gateway.Decide(req, opts.Key)
	if errors.Is(err, gateway.ErrLedgerDrift) {
		// 打印首次决策，但把漂移当作错误返回给调用方。
		if out, encodeErr := json.MarshalIndent(dec, "", "  "); encodeErr == nil {
			fmt.Fprintln(os.Stdout, string(out))
		}
		return err
	}
	if err != nil {
		return err
	}

	if archiveErr := a.archiveDecision(ctx, req, dec); archiveErr != nil {
		a.Logger.Error().Err(archiveErr).Msg("failed to archive decision")
	}

	out, err := json.MarshalIndent(dec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(out))

	if !dec.Allowed {
		a.Logger.Warn().Str("reason", dec.Reason).Msg("spend denied")
	}
	return nil
}

func buildRequest(opts SpendOptions) (gateway.Request, error) {
	amount, err := vault.ParseAmount(opts.Amount)
	if err != nil {
		return gateway.Request{}, fmt.Errorf("--amount: %w", err)
	}

	req := gateway.Request{
		Amount:    amount,
		Pool:      vault.Bucket(opts.Pool),
		ProductID: opts.ProductID,
		RequestID: opts.RequestID,
		Day:       opts.Day,
	}

	riskInputs := []string{opts.MonthlyBudget, opts.Expected4h, opts.Actual4h, opts.DailyLoss}
	provided := 0
	for _, raw := range riskInputs {
		if raw != "" {
			provided++
		}
	}
	if provided == 0 {
		return req, nil
	}
	if provided != len(riskInputs) {
		return gateway.Request{}, fmt.Errorf("risk snapshot needs all of --monthly-budget, --expected-4h, --actual-4h, --daily-loss")
	}

	values := make([]decimal.Decimal, len(riskInputs))
	for i, raw := range riskInputs {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return gateway.Request{}, fmt.Errorf("risk snapshot value %q: %w", raw, err)
		}
		values[i] = d
	}
	snap := risk.NewSnapshot(values[0], values[1], values[2], values[3])
	req.Risk = &snap
	return req, nil
}

func (a *App) archiveDecision(ctx context.Context, req gateway.Request, dec gateway.Decision) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return nil
	}
	defer closeStore()

	var meta json.RawMessage
	if len(dec.Meta) > 0 {
		meta, _ = json.Marshal(dec.Meta)
	}

	_, err = store.InsertDecision(ctx, storage.DecisionRecord{
		DecidedAt: time.Now().UTC(),
		RequestID: req.RequestID,
		ProductID: req.ProductID,
		Pool:      string(dec.Pool),
		Amount:    dec.Amount,
		Allowed:   dec.Allowed,
		Reason:    dec.Reason,
		Day:       dec.Day,
		Meta:      meta,
	})
	return err
}
