// Package chaintest provides in-memory chain.Backend and chain.Wallet fakes
// that answer contract calls with real ABI encoding.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
)

// MethodHandler answers a contract read. args are the unpacked call inputs.
type MethodHandler func(args []interface{}) ([]interface{}, error)

// Backend is a fake chain.Backend serving one contract ABI.
type Backend struct {
	ABI abi.ABI

	mu              sync.Mutex
	chainID         *big.Int
	head            uint64
	handlers        map[string]MethodHandler
	calls           map[string]int
	logs            []types.Log
	receipts        map[common.Hash]*types.Receipt
	noNotifications bool
	chainIDErr      error
	filterErr       error
	filterGate      <-chan struct{}
	filterCalls     int

	logFeed event.Feed
}

// NewBackend builds a fake backend for contractABI on the given chain.
func NewBackend(contractABI abi.ABI, chainID uint64) *Backend {
	return &Backend{
		ABI:      contractABI,
		chainID:  new(big.Int).SetUint64(chainID),
		handlers: make(map[string]MethodHandler),
		calls:    make(map[string]int),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

// Handle registers the answer for a read method.
func (b *Backend) Handle(method string, handler MethodHandler) {
	b.mu.Lock()
	b.handlers[method] = handler
	b.mu.Unlock()
}

// Returns registers a constant answer for a read method.
func (b *Backend) Returns(method string, values ...interface{}) {
	b.Handle(method, func([]interface{}) ([]interface{}, error) {
		return values, nil
	})
}

// Fails makes a read method return err.
func (b *Backend) Fails(method string, err error) {
	b.Handle(method, func([]interface{}) ([]interface{}, error) {
		return nil, err
	})
}

// Calls returns how many times method was called.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// SetChainID changes the reported chain id.
func (b *Backend) SetChainID(id uint64) {
	b.mu.Lock()
	b.chainID = new(big.Int).SetUint64(id)
	b.mu.Unlock()
}

// FailChainID makes ChainID return err.
func (b *Backend) FailChainID(err error) {
	b.mu.Lock()
	b.chainIDErr = err
	b.mu.Unlock()
}

// FailFilter makes FilterLogs return err.
func (b *Backend) FailFilter(err error) {
	b.mu.Lock()
	b.filterErr = err
	b.mu.Unlock()
}

// GateFilter makes FilterLogs wait until gate is closed or the call's
// context is done.
func (b *Backend) GateFilter(gate <-chan struct{}) {
	b.mu.Lock()
	b.filterGate = gate
	b.mu.Unlock()
}

// FilterCalls returns how many FilterLogs calls have started.
func (b *Backend) FilterCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filterCalls
}

// SetHead sets the latest block number.
func (b *Backend) SetHead(head uint64) {
	b.mu.Lock()
	b.head = head
	b.mu.Unlock()
}

// DisableNotifications makes SubscribeFilterLogs behave like an HTTP endpoint.
func (b *Backend) DisableNotifications() {
	b.mu.Lock()
	b.noNotifications = true
	b.mu.Unlock()
}

// AddLogs stores historical logs served by FilterLogs.
func (b *Backend) AddLogs(logs ...types.Log) {
	b.mu.Lock()
	b.logs = append(b.logs, logs...)
	for _, l := range logs {
		if l.BlockNumber > b.head {
			b.head = l.BlockNumber
		}
	}
	b.mu.Unlock()
}

// Emit stores the log and pushes it to live subscribers. It returns the
// number of subscribers that received it.
func (b *Backend) Emit(l types.Log) int {
	b.AddLogs(l)
	return b.logFeed.Send(l)
}

// SetReceipt stores the receipt returned for a transaction hash.
func (b *Backend) SetReceipt(hash common.Hash, receipt *types.Receipt) {
	b.mu.Lock()
	b.receipts[hash] = receipt
	b.mu.Unlock()
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chainIDErr != nil {
		return nil, b.chainIDErr
	}
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("call data too short")
	}
	method, err := b.ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack %s args: %w", method.Name, err)
	}

	b.mu.Lock()
	b.calls[method.Name]++
	handler, ok := b.handlers[method.Name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no handler for %s", method.Name)
	}

	values, err := handler(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(values...)
}

func (b *Backend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (b *Backend) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	b.filterCalls++
	gate := b.filterGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.filterErr != nil {
		return nil, b.filterErr
	}

	out := make([]types.Log, 0, len(b.logs))
	for _, l := range b.logs {
		if query.FromBlock != nil && l.BlockNumber < query.FromBlock.Uint64() {
			continue
		}
		if query.ToBlock != nil && l.BlockNumber > query.ToBlock.Uint64() {
			continue
		}
		if !matchTopics(l, query.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (b *Backend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	b.mu.Lock()
	disabled := b.noNotifications
	b.mu.Unlock()
	if disabled {
		return nil, rpc.ErrNotificationsUnsupported
	}
	return b.logFeed.Subscribe(ch), nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func matchTopics(l types.Log, topics [][]common.Hash) bool {
	for i, alternatives := range topics {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, topic := range alternatives {
			if l.Topics[i] == topic {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
