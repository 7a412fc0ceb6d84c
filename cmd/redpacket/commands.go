package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"redPacketSync/internal/model"
	"redPacketSync/internal/session"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the round state and event log in sync and print changes",
		RunE:  runWatch,
	}
	cmd.Flags().String("out", "", "append observed events to this JSONL file")
	cmd.Flags().String("pg-dsn", "", "journal observed events into Postgres")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd, appOptions{metrics: true})
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("watch start",
		zap.String("rpc", a.cfg.RPCURL),
		zap.String("contract", a.cfg.Contract),
		zap.Uint64("chain_id", a.cfg.ChainID),
		zap.Duration("poll_interval", a.cfg.PollInterval),
		zap.String("out", a.cfg.Out),
		zap.Bool("postgres", a.cfg.PostgresDSN != ""),
		zap.String("metrics_addr", a.cfg.MetricsAddr),
	)

	updates := make(chan session.Update, 64)
	sub := a.session.SubscribeUpdates(updates)
	defer sub.Unsubscribe()

	out := cmd.OutOrStdout()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case u := <-updates:
				switch u.Kind {
				case session.UpdateState:
					printState(out, u.State)
				case session.UpdateEvents:
					printLines(out, a.session.Lines())
				case session.UpdateStatus:
					if u.Status.IsError {
						fmt.Fprintf(out, "error (%s): %s\n", u.Status.Kind, u.Status.Message)
					} else {
						fmt.Fprintln(out, u.Status.Message)
					}
				}
			}
		}
	})
	if a.metrics != nil {
		g.Go(func() error {
			return a.metrics.Serve(gctx, a.cfg.MetricsAddr, a.logger)
		})
	}
	g.Go(func() error {
		// Binding failures are reported on the status line; the session
		// stays up so wallet notifications can still rebind it.
		_ = a.open(gctx)
		err := a.session.Run(gctx)
		if errors.Is(err, model.ErrRebindLoop) {
			return err
		}
		return nil
	})

	return g.Wait()
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Read the round state once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd, appOptions{manual: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.open(ctx); err != nil {
				return err
			}
			state, err := a.session.Refresh(ctx)
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Backfill and print the most recent distribution events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd, appOptions{manual: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.open(ctx); err != nil {
				return err
			}
			if err := a.session.LoadHistory(ctx); err != nil {
				return err
			}
			printLines(cmd.OutOrStdout(), a.session.Lines())
			return nil
		},
	}
	cmd.Flags().String("out", "", "append loaded events to this JSONL file")
	cmd.Flags().String("pg-dsn", "", "journal loaded events into Postgres")
	return cmd
}

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and fund a red packet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			amount, _ := cmd.Flags().GetString("amount")
			count, _ := cmd.Flags().GetString("count")
			equal, _ := cmd.Flags().GetBool("equal")

			return runWrite(cmd, func(ctx context.Context, s *session.Session) error {
				receipt, err := s.CreatePacket(ctx, amount, count, equal)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created in block %s: %s\n", receipt.BlockNumber, receipt.TxHash.Hex())
				return nil
			})
		},
	}
	cmd.Flags().String("amount", "", "total amount in ETH")
	cmd.Flags().String("count", "", "number of shares")
	cmd.Flags().Bool("equal", false, "split the amount equally instead of randomly")
	return cmd
}

func newClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim",
		Short: "Claim a share of the current red packet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWrite(cmd, func(ctx context.Context, s *session.Session) error {
				if view := s.ClaimView(); !view.Enabled {
					return fmt.Errorf("claim unavailable: %s", view.Hint)
				}
				receipt, err := s.ClaimPacket(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "claimed in block %s: %s\n", receipt.BlockNumber, receipt.TxHash.Hex())
				return nil
			})
		},
	}
}

// runWrite opens a signer session, refreshes once so the write sees current
// state, runs write and prints the state after it.
func runWrite(cmd *cobra.Command, write func(context.Context, *session.Session) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd, appOptions{manual: true, needsSigner: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.open(ctx); err != nil {
		return err
	}
	if _, err := a.session.Refresh(ctx); err != nil {
		return err
	}
	if err := write(ctx, a.session); err != nil {
		return err
	}
	state, err := a.session.Refresh(ctx)
	if err != nil {
		return err
	}
	printState(cmd.OutOrStdout(), state)
	return nil
}

func newSwitchChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch-chain <chain-hex>",
		Short: "Switch the signing wallet to another chain, registering it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd, appOptions{manual: true, needsSigner: true})
			if err != nil {
				return err
			}
			defer a.Close()

			// The session rebinds after the switch; a binding failure on the
			// new chain is reported but the switch itself succeeded.
			_ = a.open(ctx)
			err = a.session.SwitchChain(ctx, args[0])
			var switchErr *model.SwitchChainError
			if errors.As(err, &switchErr) {
				return err
			}
			if conn := a.session.Connection(); conn != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "wallet on chain %d\n", conn.ChainID)
			}
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "not bound: %v\n", err)
			}
			return nil
		},
	}
}
