// Package journal writes observed distribution events to storage sinks.
package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"redPacketSync/internal/chain"
	"redPacketSync/internal/model"
	"redPacketSync/internal/storage"
)

// TimestampSource resolves block timestamps. *chain.Client satisfies it.
type TimestampSource interface {
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// Config identifies the journaled contract and tunes retries.
type Config struct {
	ChainID  uint64
	Contract common.Address
	Retry    chain.RetryConfig
}

// Journal deduplicates events and writes them to every sink.
type Journal struct {
	cfg        Config
	timestamps TimestampSource
	sinks      []storage.Storage
	logger     *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// New builds a Journal. timestamps may be nil, in which case records carry a zero timestamp.
func New(cfg Config, timestamps TimestampSource, logger *zap.Logger, sinks ...storage.Storage) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		cfg:        cfg,
		timestamps: timestamps,
		sinks:      sinks,
		logger:     logger,
		seen:       make(map[string]struct{}),
	}
}

// Record writes events not journaled before. It returns how many were written.
func (j *Journal) Record(ctx context.Context, events []model.DistributionEvent) (int, error) {
	if len(j.sinks) == 0 {
		return 0, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	ingestedAt := time.Now().UTC()
	records := make([]model.EventRecord, 0, len(events))
	keys := make([]string, 0, len(events))
	for _, ev := range events {
		key := recordKey(ev)
		if _, ok := j.seen[key]; ok {
			continue
		}

		var ts uint64
		if j.timestamps != nil {
			err := chain.WithRetry(ctx, j.cfg.Retry, func(ctx context.Context) error {
				var err error
				ts, err = j.timestamps.BlockTimestamp(ctx, ev.BlockNumber)
				if err != nil {
					j.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", ev.BlockNumber))
				}
				return err
			})
			if err != nil {
				return 0, fmt.Errorf("block timestamp %d: %w", ev.BlockNumber, err)
			}
		}
		records = append(records, buildEventRecord(j.cfg.ChainID, j.cfg.Contract, ev, ts, ingestedAt))
		keys = append(keys, key)
	}
	if len(records) == 0 {
		return 0, nil
	}

	for _, sink := range j.sinks {
		if err := sink.PutEventBatch(ctx, records); err != nil {
			return 0, fmt.Errorf("store events: %w", err)
		}
	}
	for _, key := range keys {
		j.seen[key] = struct{}{}
	}
	j.logger.Debug("events journaled", zap.Int("records", len(records)))
	return len(records), nil
}

func recordKey(ev model.DistributionEvent) string {
	return fmt.Sprintf("%d:%s:%t", ev.BlockNumber, ev.Key(), ev.Removed)
}
