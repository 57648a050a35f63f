package cli

import (
	"github.com/spf13/cobra"
)

var (
	runStatusAddr string
	runNoAlerts   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the anomaly watcher until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if cmd.Flags().Changed("status-addr") {
			a.Config.Status.Addr = runStatusAddr
		}
		if runNoAlerts {
			// Detected alerts are still logged and journaled.
			a.Config.Alerting.Enabled = false
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runStatusAddr, "status-addr", "", "Override status.addr (empty disables the status server)")
	runCmd.Flags().BoolVar(&runNoAlerts, "no-alerts", false, "Detect and journal without delivering to any channel")
}
