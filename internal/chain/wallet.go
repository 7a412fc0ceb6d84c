package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// Provider error codes (EIP-1193 / EIP-3085).
const (
	CodeUserRejected   = 4001
	CodeUnknownChain   = 4902
	CodeRequestPending = -32002
)

// ProviderError is an error reported by a wallet provider.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("wallet error %d: %s", e.Code, e.Message)
}

// ProviderCode returns the provider error code carried by err, if any.
func ProviderCode(err error) (int, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Code, true
	}
	return 0, false
}

// NativeCurrency describes a chain's gas token for wallet_addEthereumChain.
type NativeCurrency struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// ChainDescriptor is the chain-add payload offered to a wallet.
type ChainDescriptor struct {
	ChainIDHex     string
	ChainName      string
	NativeCurrency NativeCurrency
	RPCURLs        []string
}

// ChainID decodes the descriptor's hex chain id.
func (d ChainDescriptor) ChainID() (uint64, error) {
	return ParseChainHex(d.ChainIDHex)
}

// TxRequest is an unsigned contract call handed to the wallet for signing.
type TxRequest struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Wallet is the signing capability consumed by the connection layer.
type Wallet interface {
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SwitchChain(ctx context.Context, chainIDHex string) error
	AddChain(ctx context.Context, chain ChainDescriptor) error
	SendTransaction(ctx context.Context, req TxRequest) (*types.Transaction, error)
	// Backend returns the read backend for the wallet's current chain.
	Backend() Backend
	SubscribeAccountsChanged(ch chan<- []common.Address) event.Subscription
	SubscribeChainChanged(ch chan<- uint64) event.Subscription
}

// ChainIDHex renders a chain id as a 0x-prefixed hex quantity.
func ChainIDHex(id uint64) string {
	return hexutil.EncodeUint64(id)
}

// ParseChainHex parses a 0x-prefixed hex chain id.
func ParseChainHex(input string) (uint64, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	id, err := hexutil.DecodeUint64(input)
	if err != nil {
		return 0, fmt.Errorf("invalid chain id %q: %w", input, err)
	}
	return id, nil
}

// DefaultChains returns the chain-add descriptors known out of the box.
// Local Ganache networks point at rpcURL.
func DefaultChains(rpcURL string) []ChainDescriptor {
	eth := NativeCurrency{Name: "ETH", Symbol: "ETH", Decimals: 18}
	return []ChainDescriptor{
		{ChainIDHex: "0x539", ChainName: "Ganache 1337", NativeCurrency: eth, RPCURLs: []string{rpcURL}},
		{ChainIDHex: "0x1691", ChainName: "Ganache 5777", NativeCurrency: eth, RPCURLs: []string{rpcURL}},
		{ChainIDHex: "0xaa36a7", ChainName: "Sepolia", NativeCurrency: NativeCurrency{Name: "Sepolia Ether", Symbol: "ETH", Decimals: 18}, RPCURLs: []string{"https://rpc.sepolia.org"}},
		{ChainIDHex: "0x1", ChainName: "Ethereum Mainnet", NativeCurrency: eth, RPCURLs: []string{"https://cloudflare-eth.com"}},
	}
}
