package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"anomalywatch/internal/storage"
)

// Show prints the most recent journaled alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if opts.JSON {
		return a.writeAlertJSON(alerts)
	}
	if err := a.writeAlertTable(alerts); err != nil || len(alerts) == 0 {
		return err
	}

	total, err := store.CountAlerts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "\n%d of %d journaled alerts\n", len(alerts), total)
	return nil
}

func (a *App) writeAlertTable(alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Detected (UTC)\tSource\tSymbol\tKind\tMagnitude\tThreshold\tSpan\tDelivered\tError")

	for _, alert := range alerts {
		errMsg := ""
		if alert.DeliveryError != nil {
			errMsg = sanitizeInline(*alert.DeliveryError)
		}
		kind := alert.Kind
		if alert.Simulated {
			kind += " (sim)"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			alert.DetectedAt.UTC().Format(time.RFC3339),
			alert.Source,
			alert.Symbol,
			kind,
			formatDecimal(alert.Magnitude, 2),
			formatDecimal(alert.Threshold, 2),
			alertSpan(alert),
			alert.Delivered,
			errMsg,
		)
	}

	return writer.Flush()
}

func (a *App) writeAlertJSON(alerts []storage.AlertRecord) error {
	enc := json.NewEncoder(a.Out)
	for _, alert := range alerts {
		if err := enc.Encode(alert); err != nil {
			return fmt.Errorf("encode alert %s: %w", alert.ID, err)
		}
	}
	return nil
}

// alertSpan is the lookback window of a rolling alert or the candle interval of a
// candle alert.
func alertSpan(alert storage.AlertRecord) string {
	switch {
	case alert.Interval > 0:
		return alert.Interval.String() + " candle"
	case alert.Window > 0:
		return alert.Window.String()
	default:
		return "-"
	}
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
