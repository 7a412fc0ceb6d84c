package scheduler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/require"

	"redPacketSync/internal/chain"
	"redPacketSync/internal/chaintest"
	"redPacketSync/internal/eventlog"
	"redPacketSync/internal/model"
	"redPacketSync/internal/redpacket"
	"redPacketSync/internal/snapshot"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	contract = common.HexToAddress("0x1111111111111111111111111111111111111111")
	sender   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type recorder struct {
	mu     sync.Mutex
	states []*model.RoundState
	events int
	errs   []error
}

func (r *recorder) StateRefreshed(state *model.RoundState) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *recorder) EventsChanged(*model.DistributionEvent) {
	r.mu.Lock()
	r.events++
	r.mu.Unlock()
}

func (r *recorder) SyncFailed(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

func (r *recorder) stateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

type fixture struct {
	backend  *chaintest.Backend
	binding  *redpacket.Binding
	store    *snapshot.Store
	log      *eventlog.Log
	listener *recorder
	sched    *Scheduler
}

func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()
	contractABI, err := redpacket.ABI()
	require.NoError(t, err)
	backend := chaintest.NewBackend(contractABI, 1337)
	backend.Returns(redpacket.MethodCount, big.NewInt(2))
	backend.Returns(redpacket.MethodGetBalance, big.NewInt(100))
	backend.Returns(redpacket.MethodIsEqual, true)
	backend.Returns(redpacket.MethodRoundID, big.NewInt(1))

	binding, err := redpacket.Bind(context.Background(), contract.Hex(), chain.NewReadOnlyConnection(backend), 1337, redpacket.Options{})
	require.NoError(t, err)

	f := &fixture{
		backend:  backend,
		binding:  binding,
		store:    snapshot.NewStore(nil),
		log:      eventlog.New(eventlog.DefaultLimit, nil),
		listener: &recorder{},
	}
	f.sched = New(f.store, f.log, f.listener, Config{
		PollInterval: interval,
		Retry:        chain.RetryConfig{MaxRetries: 2, Backoff: time.Millisecond},
	})
	t.Cleanup(f.sched.Stop)
	return f
}

func TestStartRefreshesAndBackfills(t *testing.T) {
	f := newFixture(t, time.Hour)
	contractABI, _ := redpacket.ABI()
	f.backend.AddLogs(chaintest.MustEventLog(contractABI, redpacket.EventPacketCreated, contract, 3, 0,
		sender, big.NewInt(100), big.NewInt(2), true, big.NewInt(1)))

	f.sched.Start(context.Background(), f.binding)
	require.Equal(t, Active, f.sched.State())

	require.Eventually(t, func() bool { return f.listener.stateCount() == 1 }, timeout, tick)
	require.Eventually(t, func() bool { return f.log.Len() == 1 }, timeout, tick)
	require.Equal(t, "2", f.store.Current().RemainingCount.String())
}

func TestLiveEventAppendsAndRefreshes(t *testing.T) {
	f := newFixture(t, time.Hour)
	contractABI, _ := redpacket.ABI()

	f.sched.Start(context.Background(), f.binding)
	require.Eventually(t, func() bool { return f.listener.stateCount() == 1 }, timeout, tick)

	l := chaintest.MustEventLog(contractABI, redpacket.EventPacketGrabbed, contract, 7, 0,
		sender, big.NewInt(50), big.NewInt(1))
	require.Eventually(t, func() bool { return f.backend.Emit(l) == 1 }, timeout, tick)

	require.Eventually(t, func() bool { return f.log.Len() == 1 }, timeout, tick)
	require.Eventually(t, func() bool { return f.backend.Calls(redpacket.MethodCount) >= 2 }, timeout, tick)
}

func TestRefreshRequestsCoalesce(t *testing.T) {
	f := newFixture(t, time.Hour)
	gate := make(chan struct{})
	f.backend.Handle(redpacket.MethodCount, func([]interface{}) ([]interface{}, error) {
		<-gate
		return []interface{}{big.NewInt(2)}, nil
	})

	f.sched.Start(context.Background(), f.binding)
	require.Eventually(t, func() bool { return f.backend.Calls(redpacket.MethodCount) == 1 }, timeout, tick)

	for i := 0; i < 5; i++ {
		require.True(t, f.sched.RequestRefresh())
	}
	close(gate)

	require.Eventually(t, func() bool { return f.backend.Calls(redpacket.MethodCount) == 2 }, timeout, tick)
	require.Never(t, func() bool { return f.backend.Calls(redpacket.MethodCount) > 2 }, 100*time.Millisecond, tick)
}

func TestTimerRefreshes(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.sched.Start(context.Background(), f.binding)
	require.Eventually(t, func() bool { return f.backend.Calls(redpacket.MethodCount) >= 3 }, timeout, tick)
}

func TestStopTearsDown(t *testing.T) {
	f := newFixture(t, time.Hour)
	contractABI, _ := redpacket.ABI()

	f.sched.Start(context.Background(), f.binding)
	require.Eventually(t, func() bool { return f.listener.stateCount() == 1 }, timeout, tick)

	f.sched.Stop()
	require.Equal(t, TornDown, f.sched.State())
	require.False(t, f.sched.RequestRefresh())

	l := chaintest.MustEventLog(contractABI, redpacket.EventPacketGrabbed, contract, 9, 0,
		sender, big.NewInt(50), big.NewInt(1))
	require.Zero(t, f.backend.Emit(l))

	calls := f.backend.Calls(redpacket.MethodCount)
	require.Never(t, func() bool { return f.backend.Calls(redpacket.MethodCount) != calls }, 50*time.Millisecond, tick)
}

func TestRestartReplacesRun(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.sched.Start(context.Background(), f.binding)
	require.Eventually(t, func() bool { return f.listener.stateCount() == 1 }, timeout, tick)

	f.sched.Start(context.Background(), f.binding)
	require.Equal(t, Active, f.sched.State())
	require.Eventually(t, func() bool { return f.listener.stateCount() == 2 }, timeout, tick)
}

// flakyTarget fails its first live subscription on demand.
type flakyTarget struct {
	*redpacket.Binding

	mu   sync.Mutex
	subs int
	fail chan error
}

func (f *flakyTarget) Subscribe(ctx context.Context, sink chan<- model.DistributionEvent) (event.Subscription, error) {
	f.mu.Lock()
	f.subs++
	first := f.subs == 1
	f.mu.Unlock()
	if first {
		return event.NewSubscription(func(quit <-chan struct{}) error {
			select {
			case err := <-f.fail:
				return err
			case <-quit:
				return nil
			}
		}), nil
	}
	return f.Binding.Subscribe(ctx, sink)
}

func (f *flakyTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs
}

func TestResubscribesAfterFailure(t *testing.T) {
	f := newFixture(t, time.Hour)
	target := &flakyTarget{Binding: f.binding, fail: make(chan error, 1)}

	f.sched.Start(context.Background(), target)
	require.Eventually(t, func() bool { return target.count() == 1 }, timeout, tick)

	target.fail <- errors.New("connection reset")
	require.Eventually(t, func() bool { return target.count() == 2 }, timeout, tick)

	contractABI, _ := redpacket.ABI()
	l := chaintest.MustEventLog(contractABI, redpacket.EventPacketGrabbed, contract, 4, 0,
		sender, big.NewInt(50), big.NewInt(1))
	require.Eventually(t, func() bool { return f.backend.Emit(l) == 1 }, timeout, tick)
	require.Eventually(t, func() bool { return f.log.Len() == 1 }, timeout, tick)
}

func TestResubscribeCatchesUpMissedEvents(t *testing.T) {
	f := newFixture(t, time.Hour)
	target := &flakyTarget{Binding: f.binding, fail: make(chan error, 1)}

	f.sched.Start(context.Background(), target)
	require.Eventually(t, func() bool { return target.count() == 1 }, timeout, tick)
	require.Eventually(t, func() bool { return f.listener.eventCount() == 1 }, timeout, tick)
	require.Zero(t, f.log.Len())

	// Mined while the live subscription is about to drop; never pushed live.
	contractABI, _ := redpacket.ABI()
	f.backend.AddLogs(chaintest.MustEventLog(contractABI, redpacket.EventPacketGrabbed, contract, 4, 0,
		sender, big.NewInt(50), big.NewInt(1)))
	target.fail <- errors.New("connection reset")

	require.Eventually(t, func() bool { return target.count() == 2 }, timeout, tick)
	require.Eventually(t, func() bool { return f.log.Len() == 1 }, timeout, tick)
	require.Equal(t, uint64(4), f.log.Events()[0].BlockNumber)
	require.Eventually(t, func() bool { return f.listener.eventCount() == 2 }, timeout, tick)
}
