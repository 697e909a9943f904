package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
)

// Show prints recent ledger events.
func (a *App) Show(_ context.Context, opts ShowOptions) error {
	c, err := a.buildCore()
	if err != nil {
		return err
	}

	events, err := c.ledger.Tail(opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no ledger events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tEvent\tReason\tBudget\tAmount\tProduct\tTrace")

	for _, evt := range events {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			evt.TSUTC,
			evt.EventType,
			payloadField(evt.Payload, "reason"),
			payloadField(evt.Payload, "budget"),
			payloadField(evt.Payload, "amount"),
			payloadField(evt.Payload, "product_id"),
			evt.TraceID,
		)
	}

	writer.Flush()
	return nil
}

func payloadField(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	return sanitizeInline(fmt.Sprintf("%v", v))
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
