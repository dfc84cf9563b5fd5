package app

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"datapull/internal/storage"
)

// Chart renders circulating (or bridged) supply per symbol as a PNG time series.
func (a *App) Chart(opts ChartOptions) error {
	if opts.PNGPath == "" {
		return errors.New("--png must be provided")
	}

	input := firstNonEmpty(opts.InputPath, a.Config.Fetch.OutputPath)
	records, err := storage.ReadHistoricalCSV(input)
	if err != nil {
		return err
	}

	series := groupSeries(records, opts.Symbols)
	if len(series) == 0 {
		return errors.New("no records match the requested symbols")
	}

	for symbol, points := range series {
		series[symbol] = downsample(points, opts.MaxPoints)
	}

	if err := writeSupplyPNG(opts.PNGPath, series, opts.Bridged, a.Config.Chart.Width, a.Config.Chart.Height); err != nil {
		return err
	}
	a.Logger.Info().Int("series", len(series)).Str("png", opts.PNGPath).Msg("chart written")
	return nil
}

func groupSeries(records []storage.HistoricalRecord, symbols []string) map[string][]storage.HistoricalRecord {
	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if s = strings.TrimSpace(s); s != "" {
			wanted[strings.ToUpper(s)] = struct{}{}
		}
	}

	series := make(map[string][]storage.HistoricalRecord)
	for _, rec := range records {
		if len(wanted) > 0 {
			if _, ok := wanted[strings.ToUpper(rec.StablecoinSymbol)]; !ok {
				continue
			}
		}
		series[rec.StablecoinSymbol] = append(series[rec.StablecoinSymbol], rec)
	}
	for _, points := range series {
		slices.SortStableFunc(points, func(x, y storage.HistoricalRecord) int { return x.Date.Compare(y.Date) })
	}
	return series
}

func downsample(records []storage.HistoricalRecord, max int) []storage.HistoricalRecord {
	if max <= 1 || len(records) <= max {
		return records
	}

	result := make([]storage.HistoricalRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeSupplyPNG(path string, series map[string][]storage.HistoricalRecord, bridged bool, width, height int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	symbols := make([]string, 0, len(series))
	for symbol := range series {
		symbols = append(symbols, symbol)
	}
	slices.Sort(symbols)

	axisName := "Circulating (USD)"
	if bridged {
		axisName = "Bridged (USD)"
	}

	chartSeries := make([]chart.Series, 0, len(symbols))
	for _, symbol := range symbols {
		points := series[symbol]
		x := make([]time.Time, len(points))
		y := make([]float64, len(points))
		for i, rec := range points {
			x[i] = rec.Date
			if bridged {
				y[i] = rec.BridgedUSD.InexactFloat64()
			} else {
				y[i] = rec.CirculatingUSD.InexactFloat64()
			}
		}
		chartSeries = append(chartSeries, chart.TimeSeries{
			Name:    symbol,
			XValues: x,
			YValues: y,
		})
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           axisName,
			ValueFormatter: amountFormatter,
		},
		Series: chartSeries,
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
