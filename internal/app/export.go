package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"capital-guard/internal/storage"
)

// Export renders archived spend decisions as CSV and/or a PNG chart of
// cumulative spend. Requires the PostgreSQL archive.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Guardian.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	decisions, err := store.ListDecisionsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		a.Logger.Info().Msg("no decisions found for export window")
		return nil
	}

	downsampled := downsampleDecisions(decisions, opts.MaxPoints)
	a.Logger.Info().Int("total", len(decisions)).Int("exported", len(downsampled)).Msg("exporting decisions")

	if opts.CSVPath != "" {
		if err := writeDecisionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeDecisionsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleDecisions(decisions []storage.DecisionRecord, max int) []storage.DecisionRecord {
	if max <= 0 || len(decisions) <= max {
		return decisions
	}

	result := make([]storage.DecisionRecord, 0, max)
	step := float64(len(decisions)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(decisions) {
			idx = len(decisions) - 1
		}
		result = append(result, decisions[idx])
	}
	return result
}

func writeDecisionsCSV(path string, decisions []storage.DecisionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"decided_at", "request_id", "product_id", "pool", "amount", "allowed", "reason", "day"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, dec := range decisions {
		record := []string{
			dec.DecidedAt.Format(time.RFC3339),
			dec.RequestID,
			dec.ProductID,
			dec.Pool,
			dec.Amount.String(),
			strconv.FormatBool(dec.Allowed),
			dec.Reason,
			strconv.Itoa(dec.Day),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeDecisionsPNG(path string, decisions []storage.DecisionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(decisions))
	amounts := make([]float64, len(decisions))
	cumulative := make([]float64, len(decisions))

	running := 0.0
	for i, dec := range decisions {
		x[i] = dec.DecidedAt
		amount := dec.Amount.InexactFloat64()
		amounts[i] = amount
		if dec.Allowed {
			running += amount
		}
		cumulative[i] = running
	}

	moneyFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Requested amount",
			ValueFormatter: moneyFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Cumulative approved spend",
			ValueFormatter: moneyFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Requested",
				XValues: x,
				YValues: amounts,
			},
			chart.TimeSeries{
				Name:    "Cumulative approved",
				XValues: x,
				YValues: cumulative,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
