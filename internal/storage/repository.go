package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const upsertBatchSize = 500

const (
	createHistoricalTableSQL = `CREATE TABLE IF NOT EXISTS stablecoin_historical (
        stablecoin_id     TEXT        NOT NULL,
        stablecoin_name   TEXT        NOT NULL,
        stablecoin_symbol TEXT        NOT NULL,
        date              TIMESTAMP   NOT NULL,
        circulating_usd   NUMERIC(38,2) NOT NULL DEFAULT 0,
        bridged_usd       NUMERIC(38,2) NOT NULL DEFAULT 0,
        created_at        TIMESTAMP   NOT NULL,
        PRIMARY KEY (stablecoin_id, date)
    );`

	upsertHistoricalSQL = `INSERT INTO stablecoin_historical (
        stablecoin_id,
        stablecoin_name,
        stablecoin_symbol,
        date,
        circulating_usd,
        bridged_usd,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (stablecoin_id, date) DO UPDATE
    SET
        stablecoin_name   = EXCLUDED.stablecoin_name,
        stablecoin_symbol = EXCLUDED.stablecoin_symbol,
        circulating_usd   = EXCLUDED.circulating_usd,
        bridged_usd       = EXCLUDED.bridged_usd,
        created_at        = EXCLUDED.created_at;`

	countHistoricalSQL = `SELECT COUNT(*) FROM stablecoin_historical;`
)

// HistoricalStore persists normalized records.
type HistoricalStore interface {
	UpsertHistorical(ctx context.Context, records []HistoricalRecord) (int, error)
}

// Store gives access to the stablecoin_historical table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the historical table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createHistoricalTableSQL); err != nil {
		return fmt.Errorf("create stablecoin_historical: %w", err)
	}
	return nil
}

// UpsertHistorical writes records in batches keyed by (stablecoin_id, date) and returns the rows written.
func (s *Store) UpsertHistorical(ctx context.Context, records []HistoricalRecord) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	written := 0
	for start := 0; start < len(records); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(records))
		chunk := records[start:end]

		batch := &pgx.Batch{}
		for _, r := range chunk {
			batch.Queue(upsertHistoricalSQL,
				r.StablecoinID,
				r.StablecoinName,
				r.StablecoinSymbol,
				r.Date.UTC(),
				r.CirculatingUSD.StringFixed(2),
				r.BridgedUSD.StringFixed(2),
				r.CreatedAt.UTC(),
			)
		}

		if err := s.sendBatch(ctx, pool, batch, len(chunk)); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

func (s *Store) sendBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch, n int) error {
	results := pool.SendBatch(ctx, batch)
	for i := 0; i < n; i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("upsert historical record: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close upsert batch: %w", err)
	}
	return nil
}

// CountHistorical counts stored records.
func (s *Store) CountHistorical(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countHistoricalSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count historical: %w", scanErr)
	}
	return count, nil
}

var _ HistoricalStore = (*Store)(nil)
