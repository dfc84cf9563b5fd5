package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"datapull/internal/fetcher"
	"datapull/internal/storage"
)

const amountPlaces = 2

// NormalizationError describes a chart point that could not become a record.
type NormalizationError struct {
	StablecoinID string
	Field        string
	Err          error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s point: %s: %v", e.StablecoinID, e.Field, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

var (
	errMissing    = errors.New("missing value")
	errNegative   = errors.New("negative amount")
	errNotObject  = errors.New("point is not an object")
	errDateRange  = errors.New("date outside years 1-9999")
	minUnixSecond = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC).Unix()
	maxUnixSecond = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC).Unix()
)

// Normalize converts a raw chart point into a HistoricalRecord stamped with createdAt.
// Absent or null amounts become 0.00.
func Normalize(entity storage.Entity, point fetcher.ChartPoint, createdAt time.Time) (storage.HistoricalRecord, error) {
	if len(point.Raw) > 0 && !isObject(point.Raw) {
		return storage.HistoricalRecord{}, &NormalizationError{StablecoinID: entity.ID, Field: "point", Err: fmt.Errorf("%w: %s", errNotObject, point.Raw)}
	}

	date, err := parseUnixDate(point.Date)
	if err != nil {
		return storage.HistoricalRecord{}, &NormalizationError{StablecoinID: entity.ID, Field: "date", Err: err}
	}

	circulating, err := peggedUSD(point.Circulating)
	if err != nil {
		return storage.HistoricalRecord{}, &NormalizationError{StablecoinID: entity.ID, Field: "totalCirculatingUSD", Err: err}
	}

	bridged, err := peggedUSD(point.Bridged)
	if err != nil {
		return storage.HistoricalRecord{}, &NormalizationError{StablecoinID: entity.ID, Field: "totalBridgedToUSD", Err: err}
	}

	return storage.HistoricalRecord{
		StablecoinID:     entity.ID,
		StablecoinName:   entity.Name,
		StablecoinSymbol: entity.Symbol,
		Date:             date,
		CirculatingUSD:   circulating,
		BridgedUSD:       bridged,
		CreatedAt:        createdAt.UTC().Truncate(time.Second),
	}, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// parseUnixDate accepts unix seconds as a JSON number or a numeric string.
// Dates must fall in years 1-9999 so the written timestamp can be parsed back.
func parseUnixDate(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, errMissing
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		secs, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return unixDate(secs)
	}

	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return time.Time{}, fmt.Errorf("unexpected date %s", raw)
	}
	if secs, err := num.Int64(); err == nil {
		return unixDate(secs)
	}
	f, err := num.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return time.Time{}, fmt.Errorf("unexpected date %s", raw)
	}
	f = math.Trunc(f)
	if f < float64(minUnixSecond) || f > float64(maxUnixSecond) {
		return time.Time{}, fmt.Errorf("%w: %s", errDateRange, raw)
	}
	return unixDate(int64(f))
}

func unixDate(secs int64) (time.Time, error) {
	if secs < minUnixSecond || secs > maxUnixSecond {
		return time.Time{}, fmt.Errorf("%w: %d", errDateRange, secs)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// peggedUSD extracts {"peggedUSD": n} rounded to cents.
func peggedUSD(raw json.RawMessage) (decimal.Decimal, error) {
	if isNull(raw) {
		return decimal.Zero, nil
	}

	var amounts map[string]json.RawMessage
	if err := json.Unmarshal(raw, &amounts); err != nil {
		return decimal.Decimal{}, fmt.Errorf("expected object, got %s", raw)
	}

	value, ok := amounts["peggedUSD"]
	if !ok || isNull(value) {
		return decimal.Zero, nil
	}

	var amount decimal.Decimal
	var text string
	if err := json.Unmarshal(value, &text); err == nil {
		parsed, err := decimal.NewFromString(strings.TrimSpace(text))
		if err != nil {
			return decimal.Decimal{}, err
		}
		amount = parsed
	} else {
		var num json.Number
		if err := json.Unmarshal(value, &num); err != nil {
			return decimal.Decimal{}, fmt.Errorf("expected number, got %s", value)
		}
		parsed, err := decimal.NewFromString(num.String())
		if err != nil {
			return decimal.Decimal{}, err
		}
		amount = parsed
	}

	if amount.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", errNegative, amount.String())
	}
	return amount.Round(amountPlaces), nil
}
