package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"datapull/internal/fetcher"
	"datapull/internal/retry"
	"datapull/internal/storage"
)

var (
	// ErrNoData means every attempt returned an empty series.
	ErrNoData = errors.New("no historical data")
	// ErrRetriesExhausted means every attempt failed for another reason.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Outcome classifies how a single entity ended.
type Outcome string

const (
	OutcomeCollected Outcome = "collected"
	OutcomeNoData    Outcome = "no_data"
	OutcomeFailed    Outcome = "failed"
)

// HistoricalOptions tune retry and pacing of the historical fetch.
type HistoricalOptions struct {
	MaxRetries    int
	RateLimitWait time.Duration
	JitterMin     time.Duration
	JitterMax     time.Duration
	Sleep         retry.SleepFunc
	Clock         func() time.Time
}

// FetchOptions are the per-run parameters.
type FetchOptions struct {
	InputPath   string
	OutputPath  string
	EntityDelay time.Duration
}

// EntityResult records what happened to one entity.
type EntityResult struct {
	Entity  storage.Entity
	Outcome Outcome
	Points  int
	Records int
	Skipped int
	Err     error
}

// Summary describes a completed run.
type Summary struct {
	RunID         string
	Entities      int
	Collected     int
	NoData        int
	Failed        int
	Records       int
	SkippedPoints int
	Symbols       int
	FirstDate     time.Time
	LastDate      time.Time
	OutputPath    string
	Written       bool
	StoredRows    int
	Results       []EntityResult
}

// HistoricalFetcher pulls every entity's chart, normalizes it and writes one sorted table.
type HistoricalFetcher struct {
	charts fetcher.ChartFetcher
	sink   storage.HistoricalStore
	opts   HistoricalOptions
	logger zerolog.Logger
}

// NewHistoricalFetcher wires the pipeline. sink may be nil.
func NewHistoricalFetcher(charts fetcher.ChartFetcher, sink storage.HistoricalStore, opts HistoricalOptions, logger zerolog.Logger) *HistoricalFetcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.ContextSleep
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &HistoricalFetcher{
		charts: charts,
		sink:   sink,
		opts:   opts,
		logger: logger.With().Str("component", "historical_fetcher").Logger(),
	}
}

func (h *HistoricalFetcher) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: h.opts.MaxRetries,
		Backoff: retry.Switch(
			func(err error) bool { return errors.Is(err, fetcher.ErrRateLimited) },
			retry.Fixed(h.opts.RateLimitWait),
			retry.Jitter{Min: h.opts.JitterMin, Max: h.opts.JitterMax},
		),
		Sleep: h.opts.Sleep,
	}
}

// Run executes one batch. Only input problems, cancellation and output write failures are returned as errors;
// per-entity and per-point failures are logged and skipped.
func (h *HistoricalFetcher) Run(ctx context.Context, opts FetchOptions) (Summary, error) {
	summary := Summary{RunID: uuid.NewString(), OutputPath: opts.OutputPath}
	logger := h.logger.With().Str("run_id", summary.RunID).Logger()

	logger.Info().Str("input", opts.InputPath).Msg("reading stablecoins")
	entities, err := storage.LoadEntities(opts.InputPath)
	if err != nil {
		logger.Error().Err(err).Str("input", opts.InputPath).Msg("cannot load stablecoin list")
		return summary, err
	}
	summary.Entities = len(entities)
	logger.Info().Int("entities", len(entities)).Msg("stablecoins to process")

	records := make([]storage.HistoricalRecord, 0)
	for i, entity := range entities {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		entityLog := logger.With().Str("symbol", entity.Symbol).Str("stablecoin_id", entity.ID).Logger()
		entityLog.Info().Int("index", i+1).Int("total", len(entities)).Msg("processing stablecoin")

		result, collected, err := h.processEntity(ctx, entity, entityLog)
		if err != nil {
			return summary, err
		}
		records = append(records, collected...)
		summary.Results = append(summary.Results, result)
		summary.SkippedPoints += result.Skipped

		switch result.Outcome {
		case OutcomeCollected:
			summary.Collected++
		case OutcomeNoData:
			summary.NoData++
		case OutcomeFailed:
			summary.Failed++
		}

		if i < len(entities)-1 && opts.EntityDelay > 0 {
			if err := h.opts.Sleep(ctx, opts.EntityDelay); err != nil {
				return summary, err
			}
		}
	}

	if len(records) == 0 {
		logger.Warn().Msg("no historical data was collected for any stablecoin")
		return summary, nil
	}

	SortRecords(records)
	if err := storage.WriteHistoricalCSV(opts.OutputPath, records); err != nil {
		return summary, fmt.Errorf("write %s: %w", opts.OutputPath, err)
	}
	summary.Written = true
	summary.Records = len(records)
	summary.FirstDate = records[0].Date
	summary.LastDate = records[len(records)-1].Date
	summary.Symbols = countSymbols(records)
	logger.Info().Int("records", len(records)).Str("output", opts.OutputPath).Msg("historical data saved")

	if h.sink != nil {
		stored, err := h.sink.UpsertHistorical(ctx, records)
		summary.StoredRows = stored
		if err != nil {
			logger.Error().Err(err).Int("stored", stored).Msg("failed to upsert records into database")
		} else {
			logger.Info().Int("stored", stored).Msg("records upserted into database")
		}
	}

	logger.Info().
		Int("total_records", summary.Records).
		Int("unique_stablecoins", summary.Symbols).
		Int("collected", summary.Collected).
		Int("no_data", summary.NoData).
		Int("failed", summary.Failed).
		Int("skipped_points", summary.SkippedPoints).
		Str("date_from", summary.FirstDate.Format(storage.TimestampLayout)).
		Str("date_to", summary.LastDate.Format(storage.TimestampLayout)).
		Msg("summary")

	return summary, nil
}

func (h *HistoricalFetcher) processEntity(ctx context.Context, entity storage.Entity, logger zerolog.Logger) (EntityResult, []storage.HistoricalRecord, error) {
	result := EntityResult{Entity: entity}

	points, err := h.fetchEntity(ctx, entity, logger)
	switch {
	case errors.Is(err, ErrNoData):
		logger.Info().Err(err).Msg("no historical data available")
		result.Outcome, result.Err = OutcomeNoData, err
		return result, nil, nil
	case errors.Is(err, ErrRetriesExhausted):
		logger.Error().Err(err).Int("attempts", h.opts.MaxRetries).Msg("giving up on stablecoin")
		result.Outcome, result.Err = OutcomeFailed, err
		return result, nil, nil
	case err != nil:
		return result, nil, err
	}

	result.Points = len(points)
	createdAt := h.opts.Clock()
	records := make([]storage.HistoricalRecord, 0, len(points))
	for _, point := range points {
		record, err := Normalize(entity, point, createdAt)
		if err != nil {
			result.Skipped++
			logger.Warn().Err(err).Msg("skipping data point")
			continue
		}
		records = append(records, record)
	}

	result.Records = len(records)
	result.Outcome = OutcomeCollected
	logger.Info().Int("points", result.Points).Int("records", result.Records).Int("skipped", result.Skipped).Msg("processed data points")
	return result, records, nil
}

func (h *HistoricalFetcher) fetchEntity(ctx context.Context, entity storage.Entity, logger zerolog.Logger) ([]fetcher.ChartPoint, error) {
	points, err := retry.Do(ctx, h.policy(), logger, "fetch chart", func(ctx context.Context, attempt int) ([]fetcher.ChartPoint, error) {
		return h.charts.FetchChart(ctx, entity.ID)
	})
	if err == nil {
		return points, nil
	}

	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) {
		return nil, err
	}
	if errors.Is(err, fetcher.ErrEmptyPayload) {
		return nil, fmt.Errorf("%w: %w", ErrNoData, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
}

// SortRecords orders records by date, then symbol. Equal keys keep their relative order.
func SortRecords(records []storage.HistoricalRecord) {
	slices.SortStableFunc(records, func(a, b storage.HistoricalRecord) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.StablecoinSymbol, b.StablecoinSymbol)
	})
}

func countSymbols(records []storage.HistoricalRecord) int {
	seen := make(map[string]struct{})
	for _, r := range records {
		seen[r.StablecoinSymbol] = struct{}{}
	}
	return len(seen)
}
