package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "redpacket",
		Short:        "Red packet contract sync client",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path")
	flags.String("rpc", "", "RPC URL for read-only access and the signing key's node")
	flags.String("contract", "", "red packet contract address (any text containing it)")
	flags.Uint64("chain-id", 1337, "expected chain id")
	flags.String("chain-hex", "", "expected chain id as hex, derived from chain-id when empty")
	flags.String("chain-name", "", "display name offered when registering the chain with the wallet")
	flags.StringSlice("chain-rpc", nil, "rpc overrides for chain registration (comma-separated hex=url)")
	flags.String("private-key", "", "hex private key used to sign writes")
	flags.Duration("poll-interval", 15*time.Second, "snapshot refresh interval")
	flags.Int("history-limit", 15, "number of events kept in the log")
	flags.Uint64("from-block", 0, "first block scanned by history backfill")
	flags.Uint64("batch-size", 5000, "blocks per history query")
	flags.Int("max-retries", 3, "maximum retry attempts")
	flags.Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newWatchCmd())
	root.AddCommand(newStateCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newCreateCmd())
	root.AddCommand(newClaimCmd())
	root.AddCommand(newSwitchChainCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
