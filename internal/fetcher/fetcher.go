package fetcher

import (
	"context"
	"encoding/json"
)

// ChartPoint is one raw observation from the stablecoin chart endpoint.
// Fields stay raw so a single bad point can be skipped without rejecting the series.
type ChartPoint struct {
	Date        json.RawMessage `json:"date"`
	Circulating json.RawMessage `json:"totalCirculatingUSD"`
	Bridged     json.RawMessage `json:"totalBridgedToUSD"`
	// Raw is the list element as received. It is set by FetchChart even when the element is not an object.
	Raw json.RawMessage `json:"-"`
}

// decodeChartPoint never fails: an element that is not an object yields a point with only Raw set.
func decodeChartPoint(raw json.RawMessage) ChartPoint {
	var point ChartPoint
	if err := json.Unmarshal(raw, &point); err != nil {
		point = ChartPoint{}
	}
	point.Raw = raw
	return point
}

// ChartFetcher retrieves a stablecoin's time series in a single attempt.
type ChartFetcher interface {
	FetchChart(ctx context.Context, stablecoinID string) ([]ChartPoint, error)
}

// QueryExecutor runs analytics queries remotely. None of its calls retry.
type QueryExecutor interface {
	Submit(ctx context.Context, queryID int64) (string, error)
	Status(ctx context.Context, executionID string) (ExecutionStatus, error)
	Results(ctx context.Context, executionID string) (ResultSet, error)
	LatestResult(ctx context.Context, queryID int64) (ResultSet, error)
	Execute(ctx context.Context, queryID int64) (ResultSet, error)
}
