package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"anomalywatch/internal/app"
	"anomalywatch/internal/config"
)

var (
	simulateSource     string
	simulateSymbol     string
	simulateMode       string
	simulateBaseline   float64
	simulateCurrent    float64
	simulatePrevVolume float64
	simulateVolume     float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Push a synthetic move through the detectors and deliver the alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateBaseline <= 0 || simulateCurrent <= 0 {
			return errors.New("--baseline and --current must be greater than zero")
		}
		if simulatePrevVolume < 0 || simulateVolume < 0 {
			return errors.New("volumes cannot be negative")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Source:         simulateSource,
			Symbol:         simulateSymbol,
			Mode:           simulateMode,
			Baseline:       decimal.NewFromFloat(simulateBaseline),
			Current:        decimal.NewFromFloat(simulateCurrent),
			PreviousVolume: decimal.NewFromFloat(simulatePrevVolume),
			CurrentVolume:  decimal.NewFromFloat(simulateVolume),
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSource, "source", "bybit", "Source name shown in the alert")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "BTCUSDT", "Symbol shown in the alert")
	simulateCmd.Flags().StringVar(&simulateMode, "mode", config.ModeRolling, "Detection mode: rolling or candle")
	simulateCmd.Flags().Float64Var(&simulateBaseline, "baseline", 0, "Baseline price (window start or candle open)")
	simulateCmd.Flags().Float64Var(&simulateCurrent, "current", 0, "Current price (latest sample or candle close)")
	simulateCmd.Flags().Float64Var(&simulatePrevVolume, "prev-volume", 0, "Previous candle volume (candle mode)")
	simulateCmd.Flags().Float64Var(&simulateVolume, "volume", 0, "Current candle volume (candle mode)")
}
