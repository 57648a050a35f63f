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

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"anomalywatch/internal/detector"
	"anomalywatch/internal/storage"
)

const (
	defaultExportSpan = 7 * 24 * time.Hour
	maxExportRows     = 1_000_000
)

// Export renders journaled alerts as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportSpan)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

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

	alerts, err := store.ListAlertsBetween(ctx, from, to, maxExportRows)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no alerts found for export window")
		return nil
	}

	selected := downsample(alerts, opts.MaxPoints)
	a.Logger.Info().Int("total", len(alerts)).Int("exported", len(selected)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, selected); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		det := a.Config.Detection
		if err := writeAlertsPNG(opts.PNGPath, selected, from, to, det.PercentChangeThreshold, det.VolumeRatioThreshold); err != nil {
			return err
		}
	}

	return nil
}

// downsample picks max evenly spaced items, always keeping the first and last.
func downsample[T any](items []T, max int) []T {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[:1]
	}

	result := make([]T, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func writeAlertsCSV(path string, alerts []storage.AlertRecord) error {
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

	header := []string{
		"id", "detected_at", "source", "symbol", "kind", "magnitude", "threshold",
		"baseline", "current", "window_seconds", "interval_seconds", "delivered", "delivery_error", "simulated",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, alert := range alerts {
		errMsg := ""
		if alert.DeliveryError != nil {
			errMsg = *alert.DeliveryError
		}
		record := []string{
			alert.ID.String(),
			alert.DetectedAt.UTC().Format(time.RFC3339),
			alert.Source,
			alert.Symbol,
			alert.Kind,
			alert.Magnitude.String(),
			alert.Threshold.String(),
			alert.Baseline.String(),
			alert.Current.String(),
			strconv.FormatInt(int64(alert.Window/time.Second), 10),
			strconv.FormatInt(int64(alert.Interval/time.Second), 10),
			strconv.FormatBool(alert.Delivered),
			errMsg,
			strconv.FormatBool(alert.Simulated),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeAlertsPNG plots price moves on the primary axis and volume ratios on the
// secondary one. The ±threshold guides span the whole window and the secondary axis
// starts at zero, so a single alert still yields non-degenerate ranges.
func writeAlertsPNG(path string, alerts []storage.AlertRecord, from, to time.Time, threshold, volumeThreshold float64) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		moveX, volumeX []time.Time
		moveY, volumeY []float64
		volumeMax      = volumeThreshold
	)
	for _, alert := range alerts {
		switch detector.Kind(alert.Kind) {
		case detector.KindVolumeSpike:
			volumeX = append(volumeX, alert.DetectedAt)
			volumeY = append(volumeY, alert.Magnitude.InexactFloat64())
			volumeMax = max(volumeMax, alert.Magnitude.InexactFloat64())
		default:
			moveX = append(moveX, alert.DetectedAt)
			moveY = append(moveY, alert.Magnitude.InexactFloat64())
		}
	}

	dots := chart.Style{StrokeWidth: chart.Disabled, DotWidth: 4}
	guide := chart.Style{StrokeWidth: 1, StrokeDashArray: []float64{4, 4}}
	span := []time.Time{from, to}

	series := []chart.Series{
		chart.TimeSeries{Name: "Pump threshold", XValues: span, YValues: []float64{threshold, threshold}, Style: guide},
		chart.TimeSeries{Name: "Dump threshold", XValues: span, YValues: []float64{-threshold, -threshold}, Style: guide},
	}
	if len(moveX) > 0 {
		series = append(series, chart.TimeSeries{Name: "Price move %", XValues: moveX, YValues: moveY, Style: dots})
	}
	if len(volumeX) > 0 {
		series = append(series, chart.TimeSeries{
			Name:    "Volume ratio (x)",
			XValues: volumeX,
			YValues: volumeY,
			YAxis:   chart.YAxisSecondary,
			Style:   dots,
		})
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price move (%)",
			ValueFormatter: pctFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Volume ratio (x)",
			ValueFormatter: pctFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: max(volumeMax*1.1, 1)},
		},
		Series: series,
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

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
