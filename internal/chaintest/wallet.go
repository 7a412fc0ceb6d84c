package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"redPacketSync/internal/chain"
)

// Wallet is a fake chain.Wallet backed by a fake Backend.
type Wallet struct {
	mu          sync.Mutex
	accounts    []common.Address
	chainID     uint64
	backend     *Backend
	known       map[string]bool
	added       []chain.ChainDescriptor
	sent        []chain.TxRequest
	switchCalls int
	nonce       uint64

	// RequestErr is returned by RequestAccounts when set.
	RequestErr error
	// SendErr is returned by SendTransaction when set.
	SendErr error
	// SwitchErr is returned by SwitchChain for known chains when set.
	SwitchErr error
	// AddErr is returned by AddChain when set.
	AddErr error
	// ReceiptStatus is the status recorded for sent transactions.
	ReceiptStatus uint64
	// Gate, when non-nil, blocks RequestAccounts until it is closed.
	Gate chan struct{}
	// Entered, when non-nil, receives a value each time RequestAccounts starts.
	Entered chan struct{}
	// OnSend runs after a transaction is recorded, before its receipt exists.
	OnSend func(req chain.TxRequest)

	accountsFeed event.Feed
	chainFeed    event.Feed
}

// NewWallet builds a fake wallet on backend's chain. knownChains lists the
// hex chain ids the wallet can switch to without AddChain.
func NewWallet(backend *Backend, chainID uint64, accounts []common.Address, knownChains ...string) *Wallet {
	known := map[string]bool{chain.ChainIDHex(chainID): true}
	for _, id := range knownChains {
		known[id] = true
	}
	return &Wallet{
		accounts:      accounts,
		chainID:       chainID,
		backend:       backend,
		known:         known,
		ReceiptStatus: types.ReceiptStatusSuccessful,
	}
}

func (w *Wallet) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if w.Entered != nil {
		w.Entered <- struct{}{}
	}
	if w.Gate != nil {
		select {
		case <-w.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.RequestErr != nil {
		return nil, w.RequestErr
	}
	return append([]common.Address(nil), w.accounts...), nil
}

func (w *Wallet) ChainID(context.Context) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return new(big.Int).SetUint64(w.chainID), nil
}

func (w *Wallet) SwitchChain(_ context.Context, chainIDHex string) error {
	w.mu.Lock()
	w.switchCalls++
	if !w.known[chainIDHex] {
		w.mu.Unlock()
		return &chain.ProviderError{Code: chain.CodeUnknownChain, Message: "unrecognized chain id"}
	}
	if w.SwitchErr != nil {
		err := w.SwitchErr
		w.mu.Unlock()
		return err
	}
	id, err := chain.ParseChainHex(chainIDHex)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	changed := id != w.chainID
	w.chainID = id
	w.mu.Unlock()

	if w.backend != nil {
		w.backend.SetChainID(id)
	}
	if changed {
		w.chainFeed.Send(id)
	}
	return nil
}

func (w *Wallet) AddChain(_ context.Context, desc chain.ChainDescriptor) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.AddErr != nil {
		return w.AddErr
	}
	w.added = append(w.added, desc)
	w.known[desc.ChainIDHex] = true
	return nil
}

func (w *Wallet) SendTransaction(_ context.Context, req chain.TxRequest) (*types.Transaction, error) {
	w.mu.Lock()
	if w.SendErr != nil {
		err := w.SendErr
		w.mu.Unlock()
		return nil, err
	}
	w.sent = append(w.sent, req)
	nonce := w.nonce
	w.nonce++
	status := w.ReceiptStatus
	onSend := w.OnSend
	w.mu.Unlock()

	to := req.To
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).Set(value),
		Gas:      100000,
		GasPrice: big.NewInt(1),
		Data:     req.Data,
	})

	if onSend != nil {
		onSend(req)
	}
	if w.backend != nil {
		head, _ := w.backend.BlockNumber(context.Background())
		w.backend.SetReceipt(tx.Hash(), &types.Receipt{
			Status:      status,
			TxHash:      tx.Hash(),
			BlockNumber: new(big.Int).SetUint64(head + 1),
		})
	}
	return tx, nil
}

func (w *Wallet) Backend() chain.Backend {
	return w.backend
}

func (w *Wallet) SubscribeAccountsChanged(ch chan<- []common.Address) event.Subscription {
	return w.accountsFeed.Subscribe(ch)
}

func (w *Wallet) SubscribeChainChanged(ch chan<- uint64) event.Subscription {
	return w.chainFeed.Subscribe(ch)
}

// SetAccounts replaces the authorized accounts and notifies subscribers.
func (w *Wallet) SetAccounts(accounts ...common.Address) {
	w.mu.Lock()
	w.accounts = append([]common.Address(nil), accounts...)
	w.mu.Unlock()
	w.accountsFeed.Send(append([]common.Address(nil), accounts...))
}

// Sent returns the transactions submitted so far.
func (w *Wallet) Sent() []chain.TxRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]chain.TxRequest(nil), w.sent...)
}

// Added returns the chains registered through AddChain.
func (w *Wallet) Added() []chain.ChainDescriptor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]chain.ChainDescriptor(nil), w.added...)
}

// SwitchCalls returns how many times SwitchChain was called.
func (w *Wallet) SwitchCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.switchCalls
}
