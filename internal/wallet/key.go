// Package wallet implements chain.Wallet with a local private key, for
// headless use where no browser wallet exists.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"redPacketSync/internal/chain"
)

// Node is the RPC surface a KeyWallet signs and sends through.
type Node interface {
	chain.Backend
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Dialer opens a Node for an RPC URL.
type Dialer func(ctx context.Context, rpcURL string) (Node, error)

// DialClient dials a chain.Client.
func DialClient(ctx context.Context, rpcURL string) (Node, error) {
	client, err := chain.NewClient(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// KeyWallet signs with a single private key against the node of its current chain.
type KeyWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	dial    Dialer
	logger  *zap.Logger

	mu      sync.Mutex
	chains  map[string]chain.ChainDescriptor
	node    Node
	chainID uint64

	accountsFeed event.Feed
	chainFeed    event.Feed
}

// New dials rpcURL and builds a wallet for hexKey on that node's chain.
func New(ctx context.Context, hexKey, rpcURL string, dial Dialer, logger *zap.Logger) (*KeyWallet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dial == nil {
		dial = DialClient
	}
	key, err := parseKey(hexKey)
	if err != nil {
		return nil, err
	}

	node, err := dial(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	id, err := node.ChainID(ctx)
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}

	w := &KeyWallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		dial:    dial,
		logger:  logger,
		chains:  make(map[string]chain.ChainDescriptor),
		node:    node,
		chainID: id.Uint64(),
	}
	hex := chain.ChainIDHex(w.chainID)
	w.chains[hex] = chain.ChainDescriptor{ChainIDHex: hex, RPCURLs: []string{rpcURL}}
	return w, nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	h := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if h == "" {
		return nil, errors.New("empty private key")
	}
	key, err := crypto.HexToECDSA(h)
	if err != nil {
		return nil, fmt.Errorf("bad private key: %w", err)
	}
	return key, nil
}

// Address returns the signing address.
func (w *KeyWallet) Address() common.Address {
	return w.address
}

func (w *KeyWallet) RequestAccounts(context.Context) ([]common.Address, error) {
	return []common.Address{w.address}, nil
}

func (w *KeyWallet) ChainID(context.Context) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return new(big.Int).SetUint64(w.chainID), nil
}

// SwitchChain moves the wallet to a registered chain by dialing its first RPC URL.
// Unregistered chains fail with provider code 4902.
func (w *KeyWallet) SwitchChain(ctx context.Context, chainIDHex string) error {
	target := strings.ToLower(strings.TrimSpace(chainIDHex))
	id, err := chain.ParseChainHex(target)
	if err != nil {
		return err
	}

	w.mu.Lock()
	desc, ok := w.chains[target]
	current := w.chainID
	w.mu.Unlock()
	if !ok {
		return &chain.ProviderError{Code: chain.CodeUnknownChain, Message: fmt.Sprintf("unrecognized chain id %s", target)}
	}
	if id == current {
		return nil
	}
	if len(desc.RPCURLs) == 0 {
		return fmt.Errorf("chain %s has no rpc url", target)
	}

	node, err := w.dial(ctx, desc.RPCURLs[0])
	if err != nil {
		return fmt.Errorf("dial %s: %w", desc.RPCURLs[0], err)
	}
	got, err := node.ChainID(ctx)
	if err != nil {
		node.Close()
		return fmt.Errorf("chain id: %w", err)
	}
	if got.Uint64() != id {
		node.Close()
		return fmt.Errorf("rpc %s serves chain %s, expected %d", desc.RPCURLs[0], got, id)
	}

	w.mu.Lock()
	old := w.node
	w.node = node
	w.chainID = id
	w.mu.Unlock()
	old.Close()

	w.logger.Info("wallet switched chain", zap.String("chain", target), zap.String("rpc", desc.RPCURLs[0]))
	w.chainFeed.Send(id)
	return nil
}

// AddChain registers a chain the wallet can switch to.
func (w *KeyWallet) AddChain(_ context.Context, desc chain.ChainDescriptor) error {
	if _, err := desc.ChainID(); err != nil {
		return err
	}
	if len(desc.RPCURLs) == 0 {
		return fmt.Errorf("chain %s has no rpc url", desc.ChainIDHex)
	}
	desc.ChainIDHex = strings.ToLower(desc.ChainIDHex)

	w.mu.Lock()
	w.chains[desc.ChainIDHex] = desc
	w.mu.Unlock()
	w.logger.Info("chain registered", zap.String("chain", desc.ChainIDHex), zap.String("name", desc.ChainName))
	return nil
}

// SendTransaction fills nonce, gas and fees, signs and broadcasts req. Chains
// with a base fee get an EIP-1559 transaction, others a legacy one.
func (w *KeyWallet) SendTransaction(ctx context.Context, req chain.TxRequest) (*types.Transaction, error) {
	w.mu.Lock()
	node := w.node
	chainID := new(big.Int).SetUint64(w.chainID)
	w.mu.Unlock()

	if req.From != w.address {
		return nil, fmt.Errorf("unknown account %s", req.From.Hex())
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To

	nonce, err := node.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gas, err := node.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: &to, Value: value, Data: req.Data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas / 5

	head, err := node.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := node.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest tip: %w", err)
		}
		feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			Gas:       gas,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			To:        &to,
			Value:     new(big.Int).Set(value),
			Data:      req.Data,
		})
	} else {
		price, err := node.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			Gas:      gas,
			GasPrice: price,
			To:       &to,
			Value:    new(big.Int).Set(value),
			Data:     req.Data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := node.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// Backend returns the node of the current chain.
func (w *KeyWallet) Backend() chain.Backend {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.node
}

func (w *KeyWallet) SubscribeAccountsChanged(ch chan<- []common.Address) event.Subscription {
	return w.accountsFeed.Subscribe(ch)
}

func (w *KeyWallet) SubscribeChainChanged(ch chan<- uint64) event.Subscription {
	return w.chainFeed.Subscribe(ch)
}

// Close releases the current node.
func (w *KeyWallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.node != nil {
		w.node.Close()
		w.node = nil
	}
}
