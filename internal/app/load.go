package app

import (
	"context"
	"errors"
	"fmt"

	"datapull/internal/storage"
)

// Load upserts a previously written historical table into PostgreSQL.
func (a *App) Load(ctx context.Context, opts LoadOptions) error {
	path := firstNonEmpty(opts.Path, a.Config.Fetch.OutputPath)

	records, err := storage.ReadHistoricalCSV(path)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("path", path).Msg("no records to load")
		return nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot load")
	}
	defer closeStore()

	stored, err := store.UpsertHistorical(ctx, records)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	total, err := store.CountHistorical(ctx)
	if err != nil {
		return err
	}

	a.Logger.Info().Int("upserted", stored).Int64("table_rows", total).Str("path", path).Msg("records loaded")
	fmt.Fprintf(a.out(), "upserted %d records (table now holds %d)\n", stored, total)
	return nil
}
