package session

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"redPacketSync/internal/chain"
	"redPacketSync/internal/chaintest"
	"redPacketSync/internal/model"
	"redPacketSync/internal/redpacket"
	"redPacketSync/internal/scheduler"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	contract = common.HexToAddress("0x1111111111111111111111111111111111111111")
	accountA = common.HexToAddress("0x2222222222222222222222222222222222222222")
	accountB = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type memorySink struct {
	mu      sync.Mutex
	records []model.EventRecord
}

func (m *memorySink) PutEventBatch(_ context.Context, records []model.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *memorySink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type fixture struct {
	backend *chaintest.Backend
	wallet  *chaintest.Wallet
	session *Session
}

func newFixture(t *testing.T, chainID uint64, mutate func(*Config)) *fixture {
	t.Helper()
	contractABI, err := redpacket.ABI()
	require.NoError(t, err)

	backend := chaintest.NewBackend(contractABI, chainID)
	backend.Returns(redpacket.MethodCount, big.NewInt(2))
	backend.Returns(redpacket.MethodGetBalance, big.NewInt(100))
	backend.Returns(redpacket.MethodIsEqual, true)
	backend.Returns(redpacket.MethodRoundID, big.NewInt(1))
	backend.Returns(redpacket.MethodGrabbedRound, big.NewInt(0))
	backend.SetHead(10)

	wallet := chaintest.NewWallet(backend, chainID, []common.Address{accountA}, "0x539")
	connector := chain.NewConnector(wallet, chain.DefaultChains("http://127.0.0.1:7545"), nil)

	cfg := Config{
		RPCURL:       "http://127.0.0.1:7545",
		Contract:     contract.Hex(),
		ChainID:      1337,
		PollInterval: time.Hour,
		Retry:        chain.RetryConfig{MaxRetries: 1, Backoff: time.Millisecond},
		OpenReadOnly: func(context.Context, string) (*chain.Connection, error) {
			return chain.NewReadOnlyConnection(backend), nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg, connector)
	t.Cleanup(s.Close)
	return &fixture{backend: backend, wallet: wallet, session: s}
}

func TestStartBindsAndRefreshes(t *testing.T) {
	f := newFixture(t, 1337, nil)

	require.NoError(t, f.session.Start(context.Background()))
	require.NotNil(t, f.session.Binding())
	require.Equal(t, scheduler.Active, f.session.SchedulerState())

	require.Eventually(t, func() bool { return f.session.Snapshot() != nil }, timeout, tick)
	state := f.session.Snapshot()
	require.Equal(t, "2", state.RemainingCount.String())
	require.Nil(t, state.Account)
	require.Equal(t, model.HintConnectWallet, f.session.ClaimView().Hint)
	require.False(t, f.session.Status().IsError)
}

func TestWrongChainNeverBinds(t *testing.T) {
	f := newFixture(t, 1, nil)

	err := f.session.Start(context.Background())
	var mismatch *model.ChainMismatchError
	require.ErrorAs(t, err, &mismatch)

	err = f.session.ConnectWallet(context.Background())
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, uint64(1), mismatch.Actual)
	require.Equal(t, uint64(1337), mismatch.Expected)

	require.Nil(t, f.session.Binding())
	require.Nil(t, f.session.Snapshot())
	require.Equal(t, 0, f.backend.Calls(redpacket.MethodCount))

	status := f.session.Status()
	require.True(t, status.IsError)
	require.Equal(t, model.KindConnection, status.Kind)
}

func TestInvalidContractKeepsDisplayedState(t *testing.T) {
	f := newFixture(t, 1337, nil)
	require.NoError(t, f.session.Start(context.Background()))
	require.Eventually(t, func() bool { return f.session.Snapshot() != nil }, timeout, tick)

	err := f.session.SetContract(context.Background(), "not an address")
	var validation *model.ValidationError
	require.ErrorAs(t, err, &validation)

	require.Nil(t, f.session.Binding())
	require.Equal(t, scheduler.TornDown, f.session.SchedulerState())
	require.NotNil(t, f.session.Snapshot())
	require.Equal(t, model.KindValidation, f.session.Status().Kind)

	calls := f.backend.Calls(redpacket.MethodCount)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, calls, f.backend.Calls(redpacket.MethodCount))
}

func TestConnectWalletRebindsWithAccount(t *testing.T) {
	f := newFixture(t, 1337, nil)
	require.NoError(t, f.session.Start(context.Background()))
	first := f.session.Binding()

	require.NoError(t, f.session.ConnectWallet(context.Background()))
	require.NotSame(t, first, f.session.Binding())
	require.Equal(t, accountA, *f.session.Account())

	require.Eventually(t, func() bool {
		state := f.session.Snapshot()
		return state != nil && state.Account != nil
	}, timeout, tick)
	require.Equal(t, model.HintClaimable, f.session.ClaimView().Hint)
	require.Equal(t, 1, f.backend.Calls(redpacket.MethodGrabbedRound))
}

func TestConnectWalletFailureKeepsBinding(t *testing.T) {
	f := newFixture(t, 1337, nil)
	require.NoError(t, f.session.Start(context.Background()))
	binding := f.session.Binding()

	f.wallet.RequestErr = &chain.ProviderError{Code: chain.CodeUserRejected, Message: "denied"}
	err := f.session.ConnectWallet(context.Background())
	require.ErrorIs(t, err, model.ErrUserRejected)
	require.Same(t, binding, f.session.Binding())
	require.Equal(t, scheduler.Active, f.session.SchedulerState())
}

func TestAccountChangeRebindsWithoutPrompt(t *testing.T) {
	f := newFixture(t, 1337, nil)
	require.NoError(t, f.session.ConnectWallet(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.session.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.wallet.SetAccounts(accountB)
		account := f.session.Account()
		return account != nil && *account == accountB
	}, timeout, 20*time.Millisecond)
	require.NotNil(t, f.session.Binding())

	cancel()
	require.NoError(t, <-done)
}

func TestRebindLoopStopsAfterIdenticalFailures(t *testing.T) {
	f := newFixture(t, 1337, nil)
	require.NoError(t, f.session.Start(context.Background()))

	f.backend.SetChainID(1)
	for i := 0; i < MaxIdenticalRebindFailures-1; i++ {
		err := f.session.Rebind(context.Background(), ReasonManual)
		var mismatch *model.ChainMismatchError
		require.ErrorAs(t, err, &mismatch)
	}

	err := f.session.Rebind(context.Background(), ReasonManual)
	require.ErrorIs(t, err, model.ErrRebindLoop)
	require.Equal(t, model.KindFatal, f.session.Status().Kind)

	require.ErrorIs(t, f.session.Rebind(context.Background(), ReasonManual), model.ErrRebindLoop)

	f.backend.SetChainID(1337)
	require.NoError(t, f.session.Start(context.Background()))
	require.NotNil(t, f.session.Binding())
}

func TestCreateValidationSendsNothing(t *testing.T) {
	f := newFixture(t, 1337, func(cfg *Config) { cfg.Manual = true })
	require.NoError(t, f.session.ConnectWallet(context.Background()))

	_, err := f.session.CreatePacket(context.Background(), "0.000000000000000005", "6", true)
	var validation *model.ValidationError
	require.ErrorAs(t, err, &validation)

	_, err = f.session.CreatePacket(context.Background(), "", "6", true)
	require.ErrorAs(t, err, &validation)
	require.Equal(t, "amount and count are required", validation.Reason)
	require.Empty(t, f.wallet.Sent())

	_, err = f.session.CreatePacket(context.Background(), "0.000000000000000006", "6", false)
	require.NoError(t, err)
	sent := f.wallet.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "6", sent[0].Value.String())
}

func TestClaimConfirmationRefreshesOnce(t *testing.T) {
	f := newFixture(t, 1337, nil)
	f.backend.Handle(redpacket.MethodCount, func([]interface{}) ([]interface{}, error) {
		if len(f.wallet.Sent()) > 0 {
			return []interface{}{big.NewInt(1)}, nil
		}
		return []interface{}{big.NewInt(2)}, nil
	})
	require.NoError(t, f.session.ConnectWallet(context.Background()))
	require.Eventually(t, func() bool {
		state := f.session.Snapshot()
		return state != nil && state.Account != nil
	}, timeout, tick)

	before := f.backend.Calls(redpacket.MethodCount)
	_, err := f.session.ClaimPacket(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.backend.Calls(redpacket.MethodCount) == before+1 }, timeout, tick)
	require.Never(t, func() bool { return f.backend.Calls(redpacket.MethodCount) > before+1 }, 50*time.Millisecond, tick)
	require.Eventually(t, func() bool {
		state := f.session.Snapshot()
		return state != nil && state.RemainingCount.Int64() == 1
	}, timeout, tick)
	require.Contains(t, f.session.Status().Message, "confirmed")
}

func TestRefreshWaitsForScheduledRefresh(t *testing.T) {
	f := newFixture(t, 1337, nil)
	gate := make(chan struct{})
	var inFlight, maxInFlight int32
	f.backend.Handle(redpacket.MethodCount, func([]interface{}) ([]interface{}, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
				break
			}
		}
		<-gate
		return []interface{}{big.NewInt(2)}, nil
	})

	require.NoError(t, f.session.Start(context.Background()))
	require.Eventually(t, func() bool { return f.backend.Calls(redpacket.MethodCount) == 1 }, timeout, tick)

	done := make(chan error, 1)
	go func() {
		_, err := f.session.Refresh(context.Background())
		done <- err
	}()
	require.Never(t, func() bool { return f.backend.Calls(redpacket.MethodCount) > 1 }, 50*time.Millisecond, tick)

	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, 2, f.backend.Calls(redpacket.MethodCount))
	require.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestLoadHistoryDroppedWhenContractChanges(t *testing.T) {
	f := newFixture(t, 1337, func(cfg *Config) { cfg.Manual = true })
	contractABI, _ := redpacket.ABI()
	f.backend.AddLogs(chaintest.MustEventLog(contractABI, redpacket.EventPacketCreated, contract, 3, 0,
		accountA, big.NewInt(100), big.NewInt(2), true, big.NewInt(1)))
	require.NoError(t, f.session.Start(context.Background()))

	gate := make(chan struct{})
	f.backend.GateFilter(gate)
	done := make(chan error, 1)
	go func() { done <- f.session.LoadHistory(context.Background()) }()
	require.Eventually(t, func() bool { return f.backend.FilterCalls() >= 1 }, timeout, tick)

	next := common.HexToAddress("0x4444444444444444444444444444444444444444")
	require.NoError(t, f.session.SetContract(context.Background(), next.Hex()))
	close(gate)

	require.ErrorIs(t, <-done, ErrSuperseded)
	require.Equal(t, next, f.session.Binding().Address())
	require.Empty(t, f.session.Events())
	require.False(t, f.session.Status().IsError)
}

func TestClaimWithoutBinding(t *testing.T) {
	f := newFixture(t, 1, nil)
	_ = f.session.Start(context.Background())

	_, err := f.session.ClaimPacket(context.Background())
	require.ErrorIs(t, err, model.ErrNoBinding)
	require.Empty(t, f.wallet.Sent())
}

func TestSwitchChainRegistersUnknownChain(t *testing.T) {
	f := newFixture(t, 1337, nil)
	require.NoError(t, f.session.ConnectWallet(context.Background()))

	err := f.session.SwitchChain(context.Background(), "0x1691")
	var mismatch *model.ChainMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, uint64(5777), mismatch.Actual)

	added := f.wallet.Added()
	require.Len(t, added, 1)
	require.Equal(t, "0x1691", added[0].ChainIDHex)
	require.Nil(t, f.session.Binding())
}

func TestSwitchChainFailureKeepsConnection(t *testing.T) {
	f := newFixture(t, 1337, nil)
	require.NoError(t, f.session.ConnectWallet(context.Background()))
	binding := f.session.Binding()

	f.wallet.AddErr = errors.New("add refused")
	err := f.session.SwitchChain(context.Background(), "0xaa36a7")
	var switchErr *model.SwitchChainError
	require.ErrorAs(t, err, &switchErr)
	require.Equal(t, model.KindSwitchChain, f.session.Status().Kind)
	require.Same(t, binding, f.session.Binding())
	require.Equal(t, uint64(1337), f.session.Connection().ChainID)
}

func TestHistoryIsJournaledAndPublished(t *testing.T) {
	sink := &memorySink{}
	f := newFixture(t, 1337, func(cfg *Config) { cfg.Sinks = append(cfg.Sinks, sink) })
	contractABI, _ := redpacket.ABI()
	f.backend.AddLogs(
		chaintest.MustEventLog(contractABI, redpacket.EventPacketCreated, contract, 3, 0,
			accountA, big.NewInt(100), big.NewInt(2), true, big.NewInt(1)),
		chaintest.MustEventLog(contractABI, redpacket.EventPacketGrabbed, contract, 4, 0,
			accountB, big.NewInt(50), big.NewInt(1)),
	)

	updates := make(chan Update, 64)
	sub := f.session.SubscribeUpdates(updates)
	defer sub.Unsubscribe()

	require.NoError(t, f.session.Start(context.Background()))
	require.Eventually(t, func() bool { return len(f.session.Events()) == 2 }, timeout, tick)
	require.Eventually(t, func() bool { return sink.len() == 2 }, timeout, tick)

	lines := f.session.Lines()
	require.Equal(t, "0.0000000000000001 ETH / 2 shares / Equal", lines[0])

	seen := map[UpdateKind]bool{}
	deadline := time.After(timeout)
	for !(seen[UpdateState] && seen[UpdateEvents]) {
		select {
		case u := <-updates:
			seen[u.Kind] = true
		case <-deadline:
			t.Fatalf("missing updates: %v", seen)
		}
	}
}

func TestCloseTearsDown(t *testing.T) {
	f := newFixture(t, 1337, nil)
	require.NoError(t, f.session.Start(context.Background()))

	f.session.Close()
	require.Nil(t, f.session.Binding())
	require.Equal(t, scheduler.TornDown, f.session.SchedulerState())
	require.ErrorIs(t, f.session.Start(context.Background()), ErrClosed)
}
