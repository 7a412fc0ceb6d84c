package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"redPacketSync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS packet_events (
	chain_id      BIGINT      NOT NULL,
	contract      TEXT        NOT NULL,
	block_number  BIGINT      NOT NULL,
	block_hash    TEXT        NOT NULL,
	tx_hash       TEXT        NOT NULL,
	log_index     INTEGER     NOT NULL,
	event_name    TEXT        NOT NULL,
	sender        TEXT        NOT NULL,
	amount_wei    NUMERIC     NOT NULL,
	count         NUMERIC,
	is_equal      BOOLEAN,
	round_id      NUMERIC     NOT NULL,
	removed       BOOLEAN     NOT NULL DEFAULT false,
	source        TEXT        NOT NULL,
	block_ts      BIGINT      NOT NULL,
	ingested_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chain_id, tx_hash, log_index, removed)
)`

// Store journals observed events into Postgres. Rows are never read back.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the events table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create packet_events: %w", err)
	}
	return nil
}

// PutEventBatch inserts records, skipping ones already journaled.
func (s *Store) PutEventBatch(ctx context.Context, records []model.EventRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO packet_events (
				chain_id, contract, block_number, block_hash, tx_hash, log_index, event_name,
				sender, amount_wei, count, is_equal, round_id, removed, source, block_ts
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::numeric,NULLIF($10,'')::numeric,$11,$12::numeric,$13,$14,$15)
			ON CONFLICT (chain_id, tx_hash, log_index, removed) DO NOTHING
		`,
			int64(r.ChainID),
			r.Contract,
			int64(r.BlockNumber),
			r.BlockHash,
			r.TxHash,
			int64(r.LogIndex),
			r.EventName,
			r.Sender,
			r.AmountWei,
			r.Count,
			r.IsEqual,
			r.RoundID,
			r.Removed,
			r.Source,
			int64(r.Timestamp),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
