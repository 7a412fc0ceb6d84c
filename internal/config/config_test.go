package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	require.Equal(t, "http://127.0.0.1:7545", cfg.RPCURL)
	require.Equal(t, uint64(1337), cfg.ChainID)
	require.Equal(t, "0x539", cfg.ChainIDHex)
	require.Equal(t, 15*time.Second, cfg.PollInterval)
	require.Equal(t, 15, cfg.HistoryLimit)
	require.Equal(t, uint64(0), cfg.FromBlock)
	require.Equal(t, uint64(5000), cfg.BatchSize)
	require.Equal(t, "info", cfg.LogLevel)
	require.Empty(t, cfg.ChainRPCs)
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("REDPACKET_CONTRACT", "0x00000000000000000000000000000000000000aa")
	t.Setenv("REDPACKET_CHAIN_ID", "5777")
	t.Setenv("REDPACKET_CHAIN_RPC", "0x1=https://eth.example, 0xAA36A7=https://sepolia.example")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("rpc", "", "")
	flags.Duration("poll-interval", 0, "")
	require.NoError(t, flags.Parse([]string{"--rpc", "http://node:8545", "--poll-interval", "3s"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	require.Equal(t, "http://node:8545", cfg.RPCURL)
	require.Equal(t, 3*time.Second, cfg.PollInterval)
	require.Equal(t, "0x00000000000000000000000000000000000000aa", cfg.Contract)
	require.Equal(t, "0x1691", cfg.ChainIDHex)
	require.Equal(t, map[string]string{
		"0x1":      "https://eth.example",
		"0xaa36a7": "https://sepolia.example",
	}, cfg.ChainRPCs)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redpacket.yaml")
	body := "contract: \"0x00000000000000000000000000000000000000bb\"\nhistory-limit: 5\nchain-rpc:\n  - 0x539=http://ganache:7545\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.HistoryLimit)
	require.Equal(t, "0x00000000000000000000000000000000000000bb", cfg.Contract)
	require.Equal(t, "http://ganache:7545", cfg.ChainRPCs["0x539"])
}

func TestLoadRejectsMismatchedChainHex(t *testing.T) {
	t.Setenv("REDPACKET_CHAIN_HEX", "0x1")
	_, err := Load("", nil)
	require.ErrorContains(t, err, "does not match")
}

func TestLoadRejectsBadChainRPC(t *testing.T) {
	t.Setenv("REDPACKET_CHAIN_RPC", "ganache")
	_, err := Load("", nil)
	require.ErrorContains(t, err, "chain-rpc entry")
}

func TestChainsAppliesOverridesAndTarget(t *testing.T) {
	cfg := Config{
		RPCURL:     "http://127.0.0.1:7545",
		ChainIDHex: "0x7a69",
		ChainName:  "Hardhat",
		ChainRPCs:  map[string]string{"0x1": "https://eth.example"},
	}

	chains := cfg.Chains()
	byHex := make(map[string][]string, len(chains))
	for _, c := range chains {
		byHex[c.ChainIDHex] = c.RPCURLs
	}
	require.Equal(t, []string{"https://eth.example"}, byHex["0x1"])
	require.Equal(t, []string{"http://127.0.0.1:7545"}, byHex["0x539"])
	require.Equal(t, []string{"http://127.0.0.1:7545"}, byHex["0x7a69"])
}
