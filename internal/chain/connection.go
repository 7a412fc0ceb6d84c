package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"redPacketSync/internal/model"
)

// EndpointKind distinguishes read-only endpoints from wallet-backed signers.
type EndpointKind int

const (
	ReadOnly EndpointKind = iota
	WalletSigner
)

func (k EndpointKind) String() string {
	if k == WalletSigner {
		return "wallet"
	}
	return "read-only"
}

// Connection is the active read/write endpoint of a session.
type Connection struct {
	Kind    EndpointKind
	ChainID uint64
	Signer  *common.Address

	backend Backend
	wallet  Wallet
	closer  func()
}

// NewReadOnlyConnection wraps a backend that cannot sign.
func NewReadOnlyConnection(backend Backend) *Connection {
	return &Connection{Kind: ReadOnly, backend: backend}
}

// Backend returns the backend reads go through.
func (c *Connection) Backend() Backend {
	if c == nil {
		return nil
	}
	return c.backend
}

// Wallet returns the signing wallet, nil for read-only connections.
func (c *Connection) Wallet() Wallet {
	if c == nil {
		return nil
	}
	return c.wallet
}

// CanSign reports whether writes can be submitted through the connection.
func (c *Connection) CanSign() bool {
	return c != nil && c.Kind == WalletSigner && c.wallet != nil && c.Signer != nil
}

// Identity changes whenever the chain or signer changes; a binding built on
// one identity is never reused for another.
func (c *Connection) Identity() string {
	if c == nil {
		return ""
	}
	signer := ""
	if c.Signer != nil {
		signer = strings.ToLower(c.Signer.Hex())
	}
	return fmt.Sprintf("%s:%d:%s", c.Kind, c.ChainID, signer)
}

// Close releases transport resources owned by the connection.
func (c *Connection) Close() {
	if c != nil && c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// VerifyChain reads the connection's chain id and compares it to expected.
func VerifyChain(ctx context.Context, conn *Connection, expected uint64) error {
	if conn == nil || conn.backend == nil {
		return &model.ConnectionError{Op: "verify chain", Err: errors.New("no connection")}
	}
	id, err := conn.backend.ChainID(ctx)
	if err != nil {
		return &model.SyncError{Op: "chain id", Err: err}
	}
	if !id.IsUint64() {
		return &model.ConnectionError{Op: "verify chain", Err: fmt.Errorf("chain id does not fit in uint64: %s", id)}
	}
	conn.ChainID = id.Uint64()
	if conn.ChainID != expected {
		return &model.ChainMismatchError{Actual: conn.ChainID, Expected: expected}
	}
	return nil
}

// Connector opens connections and drives wallet prompts.
type Connector struct {
	wallet  Wallet
	chains  map[string]ChainDescriptor
	logger  *zap.Logger
	pending atomic.Bool
}

// NewConnector builds a Connector. wallet may be nil when no wallet is available.
func NewConnector(wallet Wallet, chains []ChainDescriptor, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]ChainDescriptor, len(chains))
	for _, desc := range chains {
		known[strings.ToLower(desc.ChainIDHex)] = desc
	}
	return &Connector{wallet: wallet, chains: known, logger: logger}
}

// Wallet returns the configured wallet, if any.
func (c *Connector) Wallet() Wallet {
	return c.wallet
}

// OpenReadOnly dials a non-signing endpoint. The chain id is not checked here.
func (c *Connector) OpenReadOnly(ctx context.Context, rpcURL string) (*Connection, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, &model.ConnectionError{Op: "open read-only", Err: errors.New("rpc url is required")}
	}
	client, err := NewClient(ctx, rpcURL)
	if err != nil {
		return nil, &model.ConnectionError{Op: "open read-only", Err: err}
	}
	c.logger.Debug("read-only endpoint opened", zap.String("rpc", rpcURL))
	return &Connection{Kind: ReadOnly, backend: client, closer: client.Close}, nil
}

// ConnectWallet requests account access and returns a signer-capable connection.
// Concurrent calls fail with ErrConnectionPending instead of prompting twice.
func (c *Connector) ConnectWallet(ctx context.Context) (*Connection, error) {
	if c.wallet == nil {
		return nil, &model.ConnectionError{Op: "connect wallet", Err: model.ErrNoWalletDetected}
	}
	if !c.pending.CompareAndSwap(false, true) {
		return nil, &model.ConnectionError{Op: "connect wallet", Err: model.ErrConnectionPending}
	}
	defer c.pending.Store(false)

	accounts, err := c.wallet.RequestAccounts(ctx)
	if err != nil {
		return nil, &model.ConnectionError{Op: "connect wallet", Err: mapProviderError(err)}
	}
	if len(accounts) == 0 {
		return nil, &model.ConnectionError{Op: "connect wallet", Err: fmt.Errorf("no accounts authorized: %w", model.ErrUserRejected)}
	}

	c.logger.Info("wallet connected", zap.String("account", accounts[0].Hex()))
	return c.Reconnect(ctx, accounts[0])
}

// Reconnect builds a signer connection for an already authorized account
// without prompting. Account and chain change notifications go through it.
func (c *Connector) Reconnect(ctx context.Context, signer common.Address) (*Connection, error) {
	if c.wallet == nil {
		return nil, &model.ConnectionError{Op: "connect wallet", Err: model.ErrNoWalletDetected}
	}
	id, err := c.wallet.ChainID(ctx)
	if err != nil {
		return nil, &model.ConnectionError{Op: "wallet chain id", Err: mapProviderError(err)}
	}
	if !id.IsUint64() {
		return nil, &model.ConnectionError{Op: "wallet chain id", Err: fmt.Errorf("chain id does not fit in uint64: %s", id)}
	}
	return &Connection{
		Kind:    WalletSigner,
		ChainID: id.Uint64(),
		Signer:  &signer,
		backend: c.wallet.Backend(),
		wallet:  c.wallet,
	}, nil
}

// SwitchChain asks the wallet to switch networks. An unknown chain is
// registered from the known descriptors and the switch is retried once.
func (c *Connector) SwitchChain(ctx context.Context, targetHex string) error {
	target := strings.ToLower(strings.TrimSpace(targetHex))
	if c.wallet == nil {
		return &model.SwitchChainError{Target: target, Err: model.ErrNoWalletDetected}
	}

	err := c.wallet.SwitchChain(ctx, target)
	if err == nil {
		return nil
	}
	if code, ok := ProviderCode(err); !ok || code != CodeUnknownChain {
		return &model.SwitchChainError{Target: target, Err: mapProviderError(err)}
	}

	desc, ok := c.chains[target]
	if !ok {
		return &model.SwitchChainError{Target: target, Err: fmt.Errorf("chain unknown to wallet and no descriptor configured: %w", err)}
	}
	c.logger.Info("registering chain with wallet", zap.String("chain", target), zap.String("name", desc.ChainName))
	if err := c.wallet.AddChain(ctx, desc); err != nil {
		return &model.SwitchChainError{Target: target, Err: fmt.Errorf("add chain: %w", mapProviderError(err))}
	}
	if err := c.wallet.SwitchChain(ctx, target); err != nil {
		return &model.SwitchChainError{Target: target, Err: mapProviderError(err)}
	}
	return nil
}

func mapProviderError(err error) error {
	code, ok := ProviderCode(err)
	if !ok {
		return err
	}
	switch code {
	case CodeUserRejected:
		return fmt.Errorf("%w: %v", model.ErrUserRejected, err)
	case CodeRequestPending:
		return fmt.Errorf("%w: %v", model.ErrConnectionPending, err)
	default:
		return err
	}
}
