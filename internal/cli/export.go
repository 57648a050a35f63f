package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"anomalywatch/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export journaled alerts as CSV and/or PNG chart",
	Example: `  anomalywatch export --from 24h --csv out/alerts.csv
  anomalywatch export --from 2025-01-01T00:00:00Z --to 2025-01-08T00:00:00Z --png out/alerts.png`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		now := time.Now().UTC()
		var err error
		if opts.From, err = parseTimeFlag("from", exportFrom, now); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag("to", exportTo, now); err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag accepts an RFC3339 timestamp or a duration meaning "that long before now".
func parseTimeFlag(name, value string, now time.Time) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return &ts, nil
	}
	ago, err := time.ParseDuration(value)
	if err != nil || ago < 0 {
		return nil, fmt.Errorf("invalid --%s value %q: want RFC3339 or a positive duration such as 24h", name, value)
	}
	ts := now.Add(-ago)
	return &ts, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start (RFC3339 or duration ago, inclusive; defaults to 7 days before --to)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End (RFC3339 or duration ago, exclusive; defaults to now)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum alerts to export (defaults to export.max_data_points)")
}
