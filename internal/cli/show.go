package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"anomalywatch/internal/app"
)

var (
	showLimit int
	showJSON  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently journaled alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit, JSON: showJSON})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print one JSON object per alert instead of a table")
}
