package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// TimestampLayout is the fixed-precision layout of date columns.
const TimestampLayout = "2006-01-02 15:04:05"

// Entity is one tracked stablecoin from the input list.
type Entity struct {
	ID     string
	Name   string
	Symbol string
}

// HistoricalRecord is a normalized chart observation ready to be persisted.
type HistoricalRecord struct {
	StablecoinID     string
	StablecoinName   string
	StablecoinSymbol string
	Date             time.Time
	CirculatingUSD   decimal.Decimal
	BridgedUSD       decimal.Decimal
	CreatedAt        time.Time
}

// HistoricalColumns is the output table header, in order.
var HistoricalColumns = []string{
	"stablecoin_id",
	"stablecoin_name",
	"stablecoin_symbol",
	"date",
	"circulating_usd",
	"bridged_usd",
	"created_at",
}

// EntityColumns are the required input columns.
var EntityColumns = []string{"id", "name", "symbol"}

func (r HistoricalRecord) row() []string {
	return []string{
		r.StablecoinID,
		r.StablecoinName,
		r.StablecoinSymbol,
		r.Date.UTC().Format(TimestampLayout),
		r.CirculatingUSD.StringFixed(2),
		r.BridgedUSD.StringFixed(2),
		r.CreatedAt.UTC().Format(TimestampLayout),
	}
}
