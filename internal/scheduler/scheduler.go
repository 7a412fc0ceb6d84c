// Package scheduler decides when the snapshot and event log of a binding are
// refreshed: on start, on every live event and on a fixed timer.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"redPacketSync/internal/chain"
	"redPacketSync/internal/eventlog"
	"redPacketSync/internal/model"
	"redPacketSync/internal/snapshot"
)

var errSubscriptionClosed = errors.New("subscription closed")

// State is the scheduler lifecycle state.
type State int

const (
	Idle State = iota
	Active
	TornDown
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case TornDown:
		return "torn-down"
	default:
		return "idle"
	}
}

// Target is the bound contract a run drives.
type Target interface {
	snapshot.Reader
	eventlog.HistorySource
	Subscribe(ctx context.Context, sink chan<- model.DistributionEvent) (event.Subscription, error)
	UnsubscribeAll()
	Account() *common.Address
}

// Listener receives the outcome of scheduled work. Calls come from scheduler
// goroutines and must not call Stop.
type Listener interface {
	StateRefreshed(state *model.RoundState)
	EventsChanged(ev *model.DistributionEvent)
	SyncFailed(err error)
}

// Config controls a scheduler run.
type Config struct {
	PollInterval time.Duration
	FromBlock    uint64
	Retry        chain.RetryConfig
	Logger       *zap.Logger
}

// Scheduler serializes refreshes for one binding at a time.
type Scheduler struct {
	cfg      Config
	store    *snapshot.Store
	log      *eventlog.Log
	listener Listener
	logger   *zap.Logger

	mu       sync.Mutex
	state    State
	target   Target
	cancel   context.CancelFunc
	requests chan struct{}
	wg       sync.WaitGroup
}

// New builds an idle scheduler over store and log.
func New(store *snapshot.Store, log *eventlog.Log, listener Listener, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if listener == nil {
		listener = nopListener{}
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		log:      log,
		listener: listener,
		logger:   cfg.Logger,
	}
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start tears down any previous run and starts driving target: subscribe,
// backfill, initial refresh and the refresh timer.
func (s *Scheduler) Start(ctx context.Context, target Target) {
	s.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	requests := make(chan struct{}, 1)

	s.mu.Lock()
	s.state = Active
	s.target = target
	s.cancel = cancel
	s.requests = requests
	s.mu.Unlock()

	s.wg.Add(4)
	go s.worker(runCtx, target, requests)
	go s.watch(runCtx, target)
	go s.backfill(runCtx, target)
	go s.tick(runCtx)

	s.RequestRefresh()
	s.logger.Info("scheduler started", zap.Duration("poll_interval", s.cfg.PollInterval))
}

// Stop cancels the run, drops its subscriptions and waits for its goroutines.
// In-flight refresh results are discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	s.state = TornDown
	s.cancel()
	target := s.target
	s.target = nil
	s.requests = nil
	s.store.Invalidate()
	s.mu.Unlock()

	target.UnsubscribeAll()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RequestRefresh queues a snapshot refresh. At most one refresh runs and one
// waits; further requests coalesce into the waiting one. It reports whether
// the scheduler was active.
func (s *Scheduler) RequestRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return false
	}
	select {
	case s.requests <- struct{}{}:
	default:
	}
	return true
}

func (s *Scheduler) worker(ctx context.Context, target Target, requests <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-requests:
		}

		state, applied, err := s.store.Refresh(ctx, target, target.Account())
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.listener.SyncFailed(err)
			continue
		}
		if applied {
			s.listener.StateRefreshed(state)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RequestRefresh()
		}
	}
}

func (s *Scheduler) backfill(ctx context.Context, target Target) {
	defer s.wg.Done()
	head, err := s.log.Backfill(ctx, target, s.cfg.FromBlock)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.listener.SyncFailed(err)
		return
	}
	s.logger.Debug("history loaded", zap.Uint64("head", head), zap.Int("events", s.log.Len()))
	s.listener.EventsChanged(nil)
}

// watch keeps a live subscription open, re-establishing it with backoff when
// it fails. While it is down the timer keeps the snapshot fresh, and each
// resubscribe catches the event log up from the last head seen.
func (s *Scheduler) watch(ctx context.Context, target Target) {
	defer s.wg.Done()
	sink := make(chan model.DistributionEvent, 64)

	var (
		mark       uint64
		subscribed bool
	)
	for {
		var sub event.Subscription
		err := chain.WithRetry(ctx, s.cfg.Retry, func(ctx context.Context) error {
			var err error
			sub, err = target.Subscribe(ctx, sink)
			return err
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.listener.SyncFailed(err)
			if !sleep(ctx, s.cfg.PollInterval) {
				return
			}
			continue
		}

		if subscribed {
			mark = s.catchUp(ctx, target, mark)
		} else {
			subscribed = true
			mark = s.cfg.FromBlock
			if head, err := target.LatestBlock(ctx); err == nil {
				mark = head
			}
		}

		err = s.consume(ctx, sub, sink, &mark)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("subscription dropped, resubscribing", zap.Error(err), zap.Uint64("since_block", mark))
	}
}

func (s *Scheduler) catchUp(ctx context.Context, target Target, from uint64) uint64 {
	head, added, err := s.log.CatchUp(ctx, target, from)
	if ctx.Err() != nil {
		return from
	}
	if err != nil {
		s.listener.SyncFailed(err)
		return from
	}
	for i := range added {
		s.listener.EventsChanged(&added[i])
	}
	if len(added) > 0 {
		s.RequestRefresh()
	}
	return head
}

// consume applies live events until the subscription fails, raising mark to
// the highest block seen.
func (s *Scheduler) consume(ctx context.Context, sub event.Subscription, sink <-chan model.DistributionEvent, mark *uint64) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return err
		case ev := <-sink:
			if ev.BlockNumber > *mark {
				*mark = ev.BlockNumber
			}
			if s.log.Append(ev) {
				s.listener.EventsChanged(&ev)
			}
			s.RequestRefresh()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type nopListener struct{}

func (nopListener) StateRefreshed(*model.RoundState) {}

func (nopListener) EventsChanged(*model.DistributionEvent) {}

func (nopListener) SyncFailed(error) {}
