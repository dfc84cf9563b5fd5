package cli

import (
	"github.com/spf13/cobra"

	"datapull/internal/app"
)

var (
	chartInput     string
	chartPNGPath   string
	chartSymbols   []string
	chartBridged   bool
	chartMaxPoints int
)

var chartCmd = &cobra.Command{
	Use:   "chart",
	Short: "Render stablecoin supply from a historical CSV as a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ChartOptions{
			InputPath: chartInput,
			PNGPath:   chartPNGPath,
			Symbols:   chartSymbols,
			Bridged:   chartBridged,
			MaxPoints: chartMaxPoints,
		}

		return getApp().Chart(opts)
	},
}

func init() {
	chartCmd.Flags().StringVar(&chartInput, "path", "", "Historical CSV to read (defaults to config)")
	chartCmd.Flags().StringVar(&chartPNGPath, "png", "", "Path to write PNG chart")
	chartCmd.Flags().StringSliceVar(&chartSymbols, "symbol", nil, "Symbols to plot (default all)")
	chartCmd.Flags().BoolVar(&chartBridged, "bridged", false, "Plot bridged supply instead of circulating")
	chartCmd.Flags().IntVar(&chartMaxPoints, "max-points", 500, "Maximum points per series")
}
