// Package eventlog keeps an ordered, deduplicated and bounded history of
// red packet distribution events.
package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"redPacketSync/internal/model"
	"redPacketSync/internal/redpacket"
)

// DefaultLimit is the number of events retained.
const DefaultLimit = 15

// HistorySource serves historical events for backfill.
type HistorySource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	QueryHistory(ctx context.Context, eventName string, from, to uint64) ([]model.DistributionEvent, error)
}

// Log stores events oldest-first, ordered by (block, log index).
type Log struct {
	limit  int
	logger *zap.Logger

	mu      sync.RWMutex
	entries []model.DistributionEvent
}

// New builds an empty Log retaining at most limit events.
func New(limit int, logger *zap.Logger) *Log {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{limit: limit, logger: logger}
}

// Backfill loads both event kinds from fromBlock to the current head and
// replaces the log with the result. Live entries above the backfilled head
// are kept. It returns the backfill's upper block. Nothing is applied once
// ctx is done, even when the queries already returned.
func (l *Log) Backfill(ctx context.Context, src HistorySource, fromBlock uint64) (uint64, error) {
	head, merged, err := query(ctx, src, fromBlock)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for _, ev := range l.entries {
		if ev.BlockNumber > head {
			merged = append(merged, ev)
		}
	}
	l.entries = l.normalize(merged)
	l.logger.Debug("event log backfilled", zap.Uint64("from", fromBlock), zap.Uint64("to", head), zap.Int("retained", len(l.entries)))
	return head, nil
}

// CatchUp appends the events between fromBlock and the current head, for
// example the ones mined while a live subscription was down. It returns the
// head it reached and the events that changed the log.
func (l *Log) CatchUp(ctx context.Context, src HistorySource, fromBlock uint64) (uint64, []model.DistributionEvent, error) {
	head, events, err := query(ctx, src, fromBlock)
	if err != nil {
		return fromBlock, nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fromBlock, nil, err
	}
	var added []model.DistributionEvent
	for _, ev := range events {
		if l.apply(ev) {
			added = append(added, ev)
		}
	}
	if len(added) > 0 {
		l.logger.Debug("event log caught up", zap.Uint64("from", fromBlock), zap.Uint64("to", head), zap.Int("added", len(added)))
	}
	return head, added, nil
}

func query(ctx context.Context, src HistorySource, fromBlock uint64) (uint64, []model.DistributionEvent, error) {
	head, err := src.LatestBlock(ctx)
	if err != nil {
		return 0, nil, err
	}
	if head < fromBlock {
		return fromBlock, nil, nil
	}

	var merged []model.DistributionEvent
	for _, name := range []string{redpacket.EventPacketCreated, redpacket.EventPacketGrabbed} {
		events, err := src.QueryHistory(ctx, name, fromBlock, head)
		if err != nil {
			return 0, nil, err
		}
		merged = append(merged, events...)
	}
	return head, merged, nil
}

// Append applies a live event. Duplicates are ignored and removed logs delete
// their entry. It reports whether the retained entries changed.
func (l *Log) Append(ev model.DistributionEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.apply(ev)
}

func (l *Log) apply(ev model.DistributionEvent) bool {
	key := ev.Key()
	idx := -1
	for i := range l.entries {
		if l.entries[i].Key() == key {
			idx = i
			break
		}
	}

	if ev.Removed {
		if idx < 0 {
			return false
		}
		l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
		return true
	}
	if idx >= 0 {
		return false
	}

	pos := sort.Search(len(l.entries), func(i int) bool {
		return ev.Before(l.entries[i])
	})
	if len(l.entries) >= l.limit && pos == 0 {
		return false
	}
	l.entries = append(l.entries, model.DistributionEvent{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = ev
	if over := len(l.entries) - l.limit; over > 0 {
		l.entries = append([]model.DistributionEvent(nil), l.entries[over:]...)
	}
	return true
}

// Events returns a copy of the retained events, oldest first.
func (l *Log) Events() []model.DistributionEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.DistributionEvent(nil), l.entries...)
}

// Lines formats the retained events, oldest first.
func (l *Log) Lines(account *common.Address) []string {
	events := l.Events()
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		lines = append(lines, Format(ev, account))
	}
	return lines
}

// Reset drops every retained event.
func (l *Log) Reset() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Log) normalize(events []model.DistributionEvent) []model.DistributionEvent {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})
	seen := make(map[string]struct{}, len(events))
	out := make([]model.DistributionEvent, 0, len(events))
	for _, ev := range events {
		if ev.Removed {
			continue
		}
		key := ev.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ev)
	}
	if len(out) > l.limit {
		out = out[len(out)-l.limit:]
	}
	return out
}
