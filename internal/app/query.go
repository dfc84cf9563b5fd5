package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"slices"
	"syscall"

	"datapull/internal/service"
)

// Query runs saved Dune queries, chosen by id or by ecosystem name, and writes their rows to CSV.
func (a *App) Query(ctx context.Context, opts QueryOptions) ([]service.QueryOutput, error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Dune.APIKey == "" {
		return nil, errors.New("dune api key not configured (set DUNE_API_KEY or dune.api_key)")
	}

	ids, err := a.resolveQueryIDs(opts)
	if err != nil {
		return nil, err
	}

	output := opts.OutputPath
	if output == "" {
		output = defaultQueryOutput(opts.Ecosystem, ids)
	}

	runner := service.NewQueryRunner(a.newExecutor(), a.Logger)
	outputs, err := runner.Run(ctx, service.QueryOptions{
		QueryIDs:   ids,
		Latest:     opts.Latest,
		OutputPath: output,
	})
	for _, out := range outputs {
		fmt.Fprintf(a.out(), "query %d: %d rows -> %s\n", out.QueryID, out.Rows, out.Path)
	}
	return outputs, err
}

func (a *App) resolveQueryIDs(opts QueryOptions) ([]int64, error) {
	ids := slices.Clone(opts.QueryIDs)
	if opts.Ecosystem != "" {
		catalogued, err := a.Config.Catalog().Lookup(opts.Ecosystem)
		if err != nil {
			return nil, err
		}
		for _, id := range catalogued {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("provide --query-id or --ecosystem")
	}
	for _, id := range ids {
		if id <= 0 {
			return nil, fmt.Errorf("invalid query id %d", id)
		}
	}
	return ids, nil
}

func defaultQueryOutput(ecosystem string, ids []int64) string {
	if ecosystem != "" {
		return fmt.Sprintf("dune_%s.csv", ecosystem)
	}
	return fmt.Sprintf("dune_%d.csv", ids[0])
}
