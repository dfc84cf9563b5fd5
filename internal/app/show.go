package app

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"datapull/internal/storage"
)

type symbolSummary struct {
	Symbol      string
	Name        string
	Records     int
	First       time.Time
	Last        time.Time
	Circulating decimal.Decimal
	Bridged     decimal.Decimal
}

// Show prints a per-symbol summary of a historical table.
func (a *App) Show(opts ShowOptions) error {
	path := firstNonEmpty(opts.Path, a.Config.Fetch.OutputPath)
	records, err := storage.ReadHistoricalCSV(path)
	if err != nil {
		return err
	}

	summaries := summarise(records, opts.Symbol)
	if len(summaries) == 0 {
		if opts.Symbol != "" {
			return errors.New("no records found for symbol " + opts.Symbol)
		}
		fmt.Fprintln(a.out(), "no records found")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tName\tRecords\tFrom (UTC)\tTo (UTC)\tCirculating USD\tBridged USD")

	for _, s := range summaries {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			s.Symbol,
			sanitizeInline(s.Name),
			s.Records,
			s.First.UTC().Format(time.DateOnly),
			s.Last.UTC().Format(time.DateOnly),
			formatDecimal(s.Circulating, 2),
			formatDecimal(s.Bridged, 2),
		)
	}

	return writer.Flush()
}

// summarise groups records by symbol. Amounts are taken from each symbol's latest date.
func summarise(records []storage.HistoricalRecord, symbol string) []symbolSummary {
	bySymbol := make(map[string]*symbolSummary)
	for _, rec := range records {
		if symbol != "" && !strings.EqualFold(rec.StablecoinSymbol, symbol) {
			continue
		}
		s, ok := bySymbol[rec.StablecoinSymbol]
		if !ok {
			s = &symbolSummary{Symbol: rec.StablecoinSymbol, Name: rec.StablecoinName, First: rec.Date, Last: rec.Date,
				Circulating: rec.CirculatingUSD, Bridged: rec.BridgedUSD}
			bySymbol[rec.StablecoinSymbol] = s
		}
		s.Records++
		if rec.Date.Before(s.First) {
			s.First = rec.Date
		}
		if !rec.Date.Before(s.Last) {
			s.Last = rec.Date
			s.Circulating = rec.CirculatingUSD
			s.Bridged = rec.BridgedUSD
		}
	}

	out := make([]symbolSummary, 0, len(bySymbol))
	for _, s := range bySymbol {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(x, y symbolSummary) int { return strings.Compare(x.Symbol, y.Symbol) })
	return out
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
