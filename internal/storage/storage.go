package storage

import (
	"context"

	"redPacketSync/internal/model"
)

// Storage is a write-only sink for observed events.
type Storage interface {
	PutEventBatch(ctx context.Context, records []model.EventRecord) error
}
