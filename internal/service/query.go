package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"datapull/internal/fetcher"
	"datapull/internal/storage"
)

// QueryOptions select which saved queries to run and where their rows go.
type QueryOptions struct {
	QueryIDs   []int64
	Latest     bool
	OutputPath string
}

// QueryOutput is one written result set.
type QueryOutput struct {
	QueryID     int64
	ExecutionID string
	Rows        int
	Path        string
}

// QueryRunner executes saved queries and writes their rows to CSV.
type QueryRunner struct {
	exec   fetcher.QueryExecutor
	logger zerolog.Logger
}

// NewQueryRunner constructs a QueryRunner.
func NewQueryRunner(exec fetcher.QueryExecutor, logger zerolog.Logger) *QueryRunner {
	return &QueryRunner{exec: exec, logger: logger.With().Str("component", "query_runner").Logger()}
}

// Run processes every query in order. A failed query does not stop the others; all failures are joined.
func (q *QueryRunner) Run(ctx context.Context, opts QueryOptions) ([]QueryOutput, error) {
	if len(opts.QueryIDs) == 0 {
		return nil, errors.New("no query ids given")
	}
	if opts.OutputPath == "" {
		return nil, errors.New("output path is required")
	}

	outputs := make([]QueryOutput, 0, len(opts.QueryIDs))
	var errs []error
	for _, queryID := range opts.QueryIDs {
		if err := ctx.Err(); err != nil {
			return outputs, err
		}

		out, err := q.runOne(ctx, queryID, opts)
		if err != nil {
			q.logger.Error().Err(err).Int64("query_id", queryID).Msg("query failed")
			errs = append(errs, fmt.Errorf("query %d: %w", queryID, err))
			continue
		}
		outputs = append(outputs, out)
	}
	return outputs, errors.Join(errs...)
}

func (q *QueryRunner) runOne(ctx context.Context, queryID int64, opts QueryOptions) (QueryOutput, error) {
	var (
		set fetcher.ResultSet
		err error
	)
	if opts.Latest {
		q.logger.Info().Int64("query_id", queryID).Msg("fetching latest cached result")
		set, err = q.exec.LatestResult(ctx, queryID)
	} else {
		q.logger.Info().Int64("query_id", queryID).Msg("executing fresh query")
		set, err = q.exec.Execute(ctx, queryID)
	}
	if err != nil {
		return QueryOutput{}, err
	}

	path := opts.OutputPath
	if len(opts.QueryIDs) > 1 {
		path = suffixPath(path, fmt.Sprintf("_%d", queryID))
	}
	if err := storage.WriteRowsCSV(path, set.Columns, set.Rows); err != nil {
		return QueryOutput{}, fmt.Errorf("write %s: %w", path, err)
	}

	q.logger.Info().Int64("query_id", queryID).Int("rows", len(set.Rows)).Str("output", path).Msg("results saved")
	return QueryOutput{QueryID: queryID, ExecutionID: set.ExecutionID, Rows: len(set.Rows), Path: path}, nil
}

func suffixPath(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + suffix + ext
}
