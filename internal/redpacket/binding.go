// Package redpacket binds the red packet contract on a verified connection.
package redpacket

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"redPacketSync/internal/chain"
	"redPacketSync/internal/model"
)

// ErrReverted is returned when a mined transaction failed and the replay
// produced no reason.
var ErrReverted = errors.New("execution reverted")

// Options tunes history queries and the polling fallback.
type Options struct {
	PollInterval time.Duration
	BatchSize    uint64
	Retry        chain.RetryConfig
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 15 * time.Second
	}
	if o.BatchSize == 0 {
		o.BatchSize = 5000
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Binding is a contract handle tied to one connection identity.
type Binding struct {
	address common.Address
	conn    *chain.Connection
	abi     abi.ABI
	opts    Options
	logger  *zap.Logger

	mu   sync.Mutex
	subs []event.Subscription
}

// Bind extracts the contract address from input and verifies the connection's
// chain. It never returns a partial binding.
func Bind(ctx context.Context, input string, conn *chain.Connection, expectedChainID uint64, opts Options) (*Binding, error) {
	address, ok := ExtractAddress(input)
	if !ok {
		return nil, model.NewValidationError("contract address", "enter a valid contract address")
	}
	if conn == nil || conn.Backend() == nil {
		return nil, &model.ConnectionError{Op: "bind", Err: errors.New("no connection")}
	}
	if err := chain.VerifyChain(ctx, conn, expectedChainID); err != nil {
		return nil, err
	}
	contractABI, err := ABI()
	if err != nil {
		return nil, fmt.Errorf("parse red packet abi: %w", err)
	}

	opts = opts.withDefaults()
	b := &Binding{
		address: address,
		conn:    conn,
		abi:     contractABI,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("contract", address.Hex())),
	}
	b.logger.Info("contract bound", zap.Uint64("chain_id", conn.ChainID), zap.String("endpoint", conn.Kind.String()))
	return b, nil
}

// Address returns the bound contract address.
func (b *Binding) Address() common.Address {
	return b.address
}

// Connection returns the connection the binding was built on.
func (b *Binding) Connection() *chain.Connection {
	return b.conn
}

// Account returns the signer address, nil on read-only connections.
func (b *Binding) Account() *common.Address {
	if b.conn.Signer == nil {
		return nil
	}
	account := *b.conn.Signer
	return &account
}

// Read calls a view method and returns its unpacked outputs.
func (b *Binding) Read(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &b.address, Data: data}
	resp, err := b.conn.Backend().CallContract(ctx, msg, nil)
	if err != nil {
		return nil, &model.SyncError{Op: method, Err: err}
	}
	values, err := b.abi.Unpack(method, resp)
	if err != nil {
		return nil, &model.SyncError{Op: method, Err: fmt.Errorf("unpack: %w", err)}
	}
	if len(values) == 0 {
		return nil, &model.SyncError{Op: method, Err: errors.New("empty result")}
	}
	return values, nil
}

// ReadUint reads a single uint256 output.
func (b *Binding) ReadUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	values, err := b.Read(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, err := asBigInt(values[0])
	if err != nil {
		return nil, &model.SyncError{Op: method, Err: err}
	}
	return v, nil
}

// ReadBool reads a single bool output.
func (b *Binding) ReadBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	values, err := b.Read(ctx, method, args...)
	if err != nil {
		return false, err
	}
	v, err := asBool(values[0])
	if err != nil {
		return false, &model.SyncError{Op: method, Err: err}
	}
	return v, nil
}

// Write submits a state-changing call through the wallet.
func (b *Binding) Write(ctx context.Context, method string, value *big.Int, args ...interface{}) (*types.Transaction, error) {
	if !b.conn.CanSign() {
		return nil, model.ErrReadOnlyConnection
	}
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if value == nil {
		value = new(big.Int)
	}
	tx, err := b.conn.Wallet().SendTransaction(ctx, chain.TxRequest{
		From:  *b.conn.Signer,
		To:    b.address,
		Value: new(big.Int).Set(value),
		Data:  data,
	})
	if err != nil {
		return nil, err
	}
	b.logger.Info("transaction submitted", zap.String("method", method), zap.String("tx", tx.Hash().Hex()))
	return tx, nil
}

// WaitConfirmed blocks until tx is mined. A failed receipt is replayed with
// eth_call at its block so the revert reason can be recovered.
func (b *Binding) WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, b.conn.Backend(), tx)
	if err != nil {
		return nil, fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return receipt, nil
	}

	msg := ethereum.CallMsg{To: tx.To(), Value: tx.Value(), Data: tx.Data()}
	if b.conn.Signer != nil {
		msg.From = *b.conn.Signer
	}
	if _, callErr := b.conn.Backend().CallContract(ctx, msg, receipt.BlockNumber); callErr != nil {
		return receipt, fmt.Errorf("transaction %s reverted: %w", tx.Hash().Hex(), callErr)
	}
	return receipt, fmt.Errorf("transaction %s: %w", tx.Hash().Hex(), ErrReverted)
}

// LatestBlock returns the head block number.
func (b *Binding) LatestBlock(ctx context.Context) (uint64, error) {
	head, err := b.conn.Backend().BlockNumber(ctx)
	if err != nil {
		return 0, &model.SyncError{Op: "latest block", Err: err}
	}
	return head, nil
}

// QueryHistory returns eventName occurrences in [from, to], in chain order.
func (b *Binding) QueryHistory(ctx context.Context, eventName string, from, to uint64) ([]model.DistributionEvent, error) {
	ev, ok := b.abi.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", eventName)
	}
	if to < from {
		return nil, nil
	}
	ranges, err := chain.SplitRange(from, to, b.opts.BatchSize)
	if err != nil {
		return nil, err
	}

	out := make([]model.DistributionEvent, 0)
	for _, r := range ranges {
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(r.From),
			ToBlock:   new(big.Int).SetUint64(r.To),
			Addresses: []common.Address{b.address},
			Topics:    [][]common.Hash{{ev.ID}},
		}
		var logs []types.Log
		err := chain.WithRetry(ctx, b.opts.Retry, func(ctx context.Context) error {
			var err error
			logs, err = b.conn.Backend().FilterLogs(ctx, query)
			return err
		})
		if err != nil {
			return nil, &model.SyncError{Op: "query " + eventName, Err: err}
		}
		for _, l := range logs {
			decoded, err := DecodeLog(b.abi, l)
			if err != nil {
				b.logger.Warn("skip undecodable log", zap.String("tx", l.TxHash.Hex()), zap.Uint("log_index", l.Index), zap.Error(err))
				continue
			}
			decoded.Source = model.SourceBackfill
			out = append(out, decoded)
		}
		b.logger.Debug("history batch", zap.String("event", eventName), zap.Uint64("from", r.From), zap.Uint64("to", r.To), zap.Int("logs", len(logs)))
	}
	return out, nil
}

// UnsubscribeAll stops every live subscription created by the binding.
func (b *Binding) UnsubscribeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (b *Binding) track(sub event.Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}
