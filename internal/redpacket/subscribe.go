package redpacket

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"redPacketSync/internal/model"
)

// Subscribe streams decoded PacketCreated and PacketGrabbed events into sink.
// Endpoints without notification support are polled with FilterLogs from the
// block after the current head.
func (b *Binding) Subscribe(ctx context.Context, sink chan<- model.DistributionEvent) (event.Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{b.address},
		Topics: [][]common.Hash{{
			b.abi.Events[EventPacketCreated].ID,
			b.abi.Events[EventPacketGrabbed].ID,
		}},
	}

	logs := make(chan types.Log, 16)
	live, err := b.conn.Backend().SubscribeFilterLogs(ctx, query, logs)
	switch {
	case err == nil:
		sub := event.NewSubscription(func(quit <-chan struct{}) error {
			defer live.Unsubscribe()
			for {
				select {
				case l := <-logs:
					if !b.forward(l, sink, quit) {
						return nil
					}
				case err := <-live.Err():
					return err
				case <-quit:
					return nil
				}
			}
		})
		b.track(sub)
		return sub, nil
	case errors.Is(err, rpc.ErrNotificationsUnsupported):
		head, err := b.LatestBlock(ctx)
		if err != nil {
			return nil, err
		}
		b.logger.Info("log notifications unsupported, polling", zap.Duration("interval", b.opts.PollInterval), zap.Uint64("from", head+1))
		sub := event.NewSubscription(func(quit <-chan struct{}) error {
			return b.poll(ctx, query, head+1, sink, quit)
		})
		b.track(sub)
		return sub, nil
	default:
		return nil, &model.SyncError{Op: "subscribe", Err: err}
	}
}

func (b *Binding) poll(ctx context.Context, query ethereum.FilterQuery, next uint64, sink chan<- model.DistributionEvent, quit <-chan struct{}) error {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		head, err := b.conn.Backend().BlockNumber(ctx)
		if err != nil {
			b.logger.Warn("poll head failed", zap.Error(err))
			continue
		}
		if head < next {
			continue
		}
		query.FromBlock = new(big.Int).SetUint64(next)
		query.ToBlock = new(big.Int).SetUint64(head)
		logs, err := b.conn.Backend().FilterLogs(ctx, query)
		if err != nil {
			b.logger.Warn("poll logs failed", zap.Uint64("from", next), zap.Uint64("to", head), zap.Error(err))
			continue
		}
		for _, l := range logs {
			if !b.forward(l, sink, quit) {
				return nil
			}
		}
		next = head + 1
	}
}

func (b *Binding) forward(l types.Log, sink chan<- model.DistributionEvent, quit <-chan struct{}) bool {
	ev, err := DecodeLog(b.abi, l)
	if err != nil {
		b.logger.Warn("skip undecodable log", zap.String("tx", l.TxHash.Hex()), zap.Uint("log_index", l.Index), zap.Error(err))
		return true
	}
	ev.Source = model.SourceLive
	select {
	case sink <- ev:
		return true
	case <-quit:
		return false
	}
}
