package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"datapull/internal/alerting"
	"datapull/internal/service"
	"datapull/internal/storage"
)

// ErrInvalidStructure is returned by Validate when the table does not match the expected layout.
var ErrInvalidStructure = errors.New("csv structure invalid")

// FetchHistorical collects every stablecoin's history into one CSV table.
func (a *App) FetchHistorical(ctx context.Context, opts FetchOptions) (service.Summary, error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	input := firstNonEmpty(opts.InputPath, a.Config.Fetch.InputPath)
	output := firstNonEmpty(opts.OutputPath, a.Config.Fetch.OutputPath)

	var sink storage.HistoricalStore
	if !opts.SkipDB {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return service.Summary{}, err
		}
		if store == nil {
			a.Logger.Debug().Msg("database.dsn not configured; writing csv only")
		} else {
			defer closeStore()
			sink = store
		}
	}

	historical := service.NewHistoricalFetcher(a.newChartFetcher(), sink, service.HistoricalOptions{
		MaxRetries:    a.Config.Fetch.MaxRetries,
		RateLimitWait: a.Config.Fetch.RateLimitWait,
		JitterMin:     a.Config.Fetch.JitterMin,
		JitterMax:     a.Config.Fetch.JitterMax,
	}, a.Logger)

	summary, err := historical.Run(ctx, service.FetchOptions{
		InputPath:   input,
		OutputPath:  output,
		EntityDelay: a.Config.Fetch.EntityDelay,
	})

	if err == nil && summary.Written {
		valid, verr := storage.ValidateStructure(output, a.Logger)
		switch {
		case verr != nil:
			err = verr
		case !valid:
			err = fmt.Errorf("%w: %s", ErrInvalidStructure, output)
		default:
			a.Logger.Info().Str("output", output).Msg("csv structure is valid")
		}
	}

	a.notify(ctx, summary, err)
	return summary, err
}

func (a *App) notify(ctx context.Context, summary service.Summary, runErr error) {
	notifier := a.newNotifier()
	if notifier == nil {
		return
	}

	failures := make([]string, 0, summary.Failed)
	for _, result := range summary.Results {
		if result.Outcome == service.OutcomeFailed {
			failures = append(failures, result.Entity.Symbol)
		}
	}

	note := alerting.Notification{
		RunID:     summary.RunID,
		Job:       "fetch",
		Entities:  summary.Entities,
		Collected: summary.Collected,
		NoData:    summary.NoData,
		Failed:    summary.Failed,
		Records:   summary.Records,
		Symbols:   summary.Symbols,
		FirstDate: summary.FirstDate,
		LastDate:  summary.LastDate,
		Failures:  failures,
		Err:       runErr,
	}
	if summary.Written {
		note.OutputPath = summary.OutputPath
	}

	if err := notifier.Notify(context.WithoutCancel(ctx), note); err != nil {
		a.Logger.Error().Err(err).Msg("failed to send run summary")
	}
}

// Validate checks that path holds a well-formed historical table.
func (a *App) Validate(path string) error {
	path = firstNonEmpty(path, a.Config.Fetch.OutputPath)
	valid, err := storage.ValidateStructure(path, a.Logger)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("%w: %s", ErrInvalidStructure, path)
	}
	fmt.Fprintf(a.out(), "%s: structure ok\n", path)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
