package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"redPacketSync/internal/chain"
	"redPacketSync/internal/config"
	"redPacketSync/internal/eventlog"
	"redPacketSync/internal/metrics"
	"redPacketSync/internal/model"
	"redPacketSync/internal/session"
	"redPacketSync/internal/storage"
	"redPacketSync/internal/storage/postgres"
	"redPacketSync/internal/wallet"
)

type appOptions struct {
	manual      bool
	needsSigner bool
	metrics     bool
}

type app struct {
	cfg     config.Config
	logger  *zap.Logger
	session *session.Session
	metrics *metrics.Metrics
	closers []func()
}

func newApp(ctx context.Context, cmd *cobra.Command, opts appOptions) (*app, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	if cfg.RPCURL == "" {
		a.Close()
		return nil, fmt.Errorf("rpc url is required")
	}
	if opts.needsSigner && cfg.PrivateKey == "" {
		a.Close()
		return nil, fmt.Errorf("private key is required")
	}

	var w chain.Wallet
	if cfg.PrivateKey != "" {
		keyWallet, err := wallet.New(ctx, cfg.PrivateKey, cfg.RPCURL, nil, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open wallet: %w", err)
		}
		a.closers = append(a.closers, keyWallet.Close)
		w = keyWallet
	}

	sinks, err := a.openSinks(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if opts.metrics && cfg.MetricsAddr != "" {
		a.metrics = metrics.New()
	}

	connector := chain.NewConnector(w, cfg.Chains(), logger)
	a.session = session.New(session.Config{
		RPCURL:       cfg.RPCURL,
		Contract:     cfg.Contract,
		ChainID:      cfg.ChainID,
		PollInterval: cfg.PollInterval,
		HistoryLimit: cfg.HistoryLimit,
		FromBlock:    cfg.FromBlock,
		BatchSize:    cfg.BatchSize,
		Retry:        cfg.Retry(),
		Manual:       opts.manual,
		Sinks:        sinks,
		Metrics:      a.metrics,
		Logger:       logger,
	}, connector)
	a.closers = append(a.closers, a.session.Close)
	return a, nil
}

func (a *app) openSinks(ctx context.Context) ([]storage.Storage, error) {
	var sinks []storage.Storage
	if a.cfg.Out != "" {
		sinks = append(sinks, storage.NewJsonlStorage(a.cfg.Out))
	}
	if a.cfg.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		sinks = append(sinks, store)
	}
	return sinks, nil
}

// open starts the session and connects the signing key when one is configured.
// With a key, the wallet connection replaces whatever the read-only start did.
func (a *app) open(ctx context.Context) error {
	err := a.session.Start(ctx)
	if a.cfg.PrivateKey == "" {
		return err
	}
	return a.session.ConnectWallet(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}

func printState(out io.Writer, state *model.RoundState) {
	if state == nil {
		fmt.Fprintln(out, "state: not loaded")
		return
	}
	mode := "random"
	if state.IsEqualSplit {
		mode = "equal"
	}
	fmt.Fprintf(out, "round %s: %s shares left, %s ETH, %s split\n",
		state.RoundID, state.RemainingCount, eventlog.FormatEther(state.BalanceWei), mode)
	view := state.ClaimView()
	claim := "disabled"
	if view.Enabled {
		claim = "enabled"
	}
	fmt.Fprintf(out, "claim %s: %s\n", claim, view.Hint)
}

func printLines(out io.Writer, lines []string) {
	if len(lines) == 0 {
		fmt.Fprintln(out, "no events")
		return
	}
	fmt.Fprintln(out, strings.Join(lines, "\n"))
}
