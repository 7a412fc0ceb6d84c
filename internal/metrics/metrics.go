// Package metrics exposes sync and transaction counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"redPacketSync/internal/model"
)

const namespace = "redpacket"

// Metrics holds the collectors on a private registry. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	refreshes    *prometheus.CounterVec
	events       *prometheus.CounterVec
	transactions *prometheus.CounterVec
	rebinds      *prometheus.CounterVec

	remaining   prometheus.Gauge
	balance     prometheus.Gauge
	round       prometheus.Gauge
	lastRefresh prometheus.Gauge
}

// New builds and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "refreshes_total",
			Help:      "Snapshot refreshes by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Distribution events applied to the event log.",
		}, []string{"kind", "source"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "action",
			Name:      "transactions_total",
			Help:      "Write transactions by action and phase.",
		}, []string{"action", "phase"}),
		rebinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rebinds_total",
			Help:      "Session rebinds by trigger.",
		}, []string{"reason"}),
		remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "round",
			Name:      "remaining_count",
			Help:      "Shares left in the current round.",
		}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "round",
			Name:      "balance_eth",
			Help:      "Contract balance in ether.",
		}),
		round: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "round",
			Name:      "id",
			Help:      "Current round id.",
		}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_refresh_unixtime",
			Help:      "Unix time of the last committed snapshot.",
		}),
	}
	m.registry.MustRegister(
		m.refreshes,
		m.events,
		m.transactions,
		m.rebinds,
		m.remaining,
		m.balance,
		m.round,
		m.lastRefresh,
	)
	return m
}

// ObserveRefresh counts a refresh and updates the round gauges on success.
func (m *Metrics) ObserveRefresh(state *model.RoundState, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshes.WithLabelValues("error").Inc()
		return
	}
	m.refreshes.WithLabelValues("ok").Inc()
	if state == nil {
		return
	}
	m.remaining.Set(bigFloat(state.RemainingCount))
	m.round.Set(bigFloat(state.RoundID))
	if state.BalanceWei != nil {
		eth, _ := new(big.Rat).SetFrac(state.BalanceWei, big.NewInt(1_000_000_000_000_000_000)).Float64()
		m.balance.Set(eth)
	}
	at := state.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	m.lastRefresh.Set(float64(at.Unix()))
}

// ObserveEvent counts an applied distribution event.
func (m *Metrics) ObserveEvent(ev model.DistributionEvent) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(ev.Kind), string(ev.Source)).Inc()
}

// ObserveTransaction counts a write phase change.
func (m *Metrics) ObserveTransaction(action, phase string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(action, phase).Inc()
}

// ObserveRebind counts a session rebind.
func (m *Metrics) ObserveRebind(reason string) {
	if m == nil {
		return
	}
	m.rebinds.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func bigFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
