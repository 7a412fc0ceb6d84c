// Package session owns the active connection, contract binding and the sync
// pipeline built on top of them. Every transition tears the previous binding
// down before a new one is built.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"redPacketSync/internal/action"
	"redPacketSync/internal/chain"
	"redPacketSync/internal/eventlog"
	"redPacketSync/internal/journal"
	"redPacketSync/internal/metrics"
	"redPacketSync/internal/model"
	"redPacketSync/internal/redpacket"
	"redPacketSync/internal/scheduler"
	"redPacketSync/internal/snapshot"
	"redPacketSync/internal/storage"
)

var (
	// ErrClosed is returned by transitions on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrSuperseded is returned by one-shot reads whose binding was torn
	// down before they finished. Their results are dropped.
	ErrSuperseded = errors.New("binding replaced")
)

// MaxIdenticalRebindFailures is how many identical connection errors in a row
// stop automatic rebinding.
const MaxIdenticalRebindFailures = 3

// Rebind reasons.
const (
	ReasonStart           = "start"
	ReasonWalletConnected = "wallet connected"
	ReasonContractChanged = "contract changed"
	ReasonRPCChanged      = "rpc changed"
	ReasonAccountsChanged = "accounts changed"
	ReasonChainChanged    = "chain changed"
	ReasonManual          = "manual"
)

// Config configures a Session.
type Config struct {
	RPCURL       string
	Contract     string
	ChainID      uint64
	PollInterval time.Duration
	HistoryLimit int
	FromBlock    uint64
	BatchSize    uint64
	Retry        chain.RetryConfig
	// Manual disables the scheduler; callers drive Refresh and LoadHistory.
	Manual  bool
	Sinks   []storage.Storage
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	// OpenReadOnly overrides how read-only connections are opened. It
	// defaults to the connector's OpenReadOnly.
	OpenReadOnly func(ctx context.Context, rpcURL string) (*chain.Connection, error)
}

// Session is the explicit context of one user session.
type Session struct {
	cfg       Config
	connector *chain.Connector
	metrics   *metrics.Metrics
	logger    *zap.Logger

	store   *snapshot.Store
	log     *eventlog.Log
	sched   *scheduler.Scheduler
	gateway *action.Gateway

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes transitions. It is never taken by scheduler callbacks.
	opMu sync.Mutex

	mu            sync.Mutex
	rpcURL        string
	contractInput string
	conn          *chain.Connection
	binding       *redpacket.Binding
	bindCtx       context.Context
	bindCancel    context.CancelFunc
	journal       *journal.Journal
	status        model.Status
	lastFailure   string
	failures      int
	halted        bool
	closed        bool

	updates event.Feed
}

// New builds an idle session. Start opens the first connection.
func New(cfg Config, connector *chain.Connector) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = eventlog.DefaultLimit
	}
	if connector == nil {
		connector = chain.NewConnector(nil, nil, cfg.Logger)
	}
	if cfg.OpenReadOnly == nil {
		cfg.OpenReadOnly = connector.OpenReadOnly
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:           cfg,
		connector:     connector,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		store:         snapshot.NewStore(cfg.Logger),
		log:           eventlog.New(cfg.HistoryLimit, cfg.Logger),
		gateway:       action.NewGateway(cfg.Logger),
		ctx:           ctx,
		cancel:        cancel,
		rpcURL:        cfg.RPCURL,
		contractInput: cfg.Contract,
		status:        model.InfoStatus("idle"),
	}
	s.sched = scheduler.New(s.store, s.log, listener{s}, scheduler.Config{
		PollInterval: cfg.PollInterval,
		FromBlock:    cfg.FromBlock,
		Retry:        cfg.Retry,
		Logger:       cfg.Logger,
	})
	s.gateway.OnConfirmed = func() { s.sched.RequestRefresh() }
	s.gateway.OnProgress = s.onProgress
	return s
}

// Start opens a read-only connection to the configured rpc url and binds the
// configured contract.
func (s *Session) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.resetRebindFailures()

	conn, err := s.cfg.OpenReadOnly(ctx, s.currentRPC())
	if err != nil {
		return s.fail("connect", err)
	}
	return s.rebuild(ctx, ReasonStart, conn, s.currentContract())
}

// ConnectWallet prompts the wallet for an account and rebinds on the signer
// connection. On failure the current binding stays in place.
func (s *Session) ConnectWallet(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.resetRebindFailures()

	conn, err := s.connector.ConnectWallet(ctx)
	if err != nil {
		return s.fail("connect wallet", err)
	}
	return s.rebuild(ctx, ReasonWalletConnected, conn, s.currentContract())
}

// SetContract rebinds to the address found in input on the current connection.
// An invalid address tears the old binding down but keeps its display data.
func (s *Session) SetContract(ctx context.Context, input string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.resetRebindFailures()

	s.mu.Lock()
	s.contractInput = input
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return s.fail("bind contract", &model.ConnectionError{Op: "bind", Err: errors.New("not connected")})
	}
	return s.rebuild(ctx, ReasonContractChanged, conn, input)
}

// SetRPC changes the read-only endpoint. A wallet connection keeps using the
// wallet's node; the url is used the next time the session is read-only.
func (s *Session) SetRPC(ctx context.Context, rpcURL string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.resetRebindFailures()

	s.mu.Lock()
	s.rpcURL = rpcURL
	signer := s.conn != nil && s.conn.Kind == chain.WalletSigner
	s.mu.Unlock()
	if signer {
		s.setStatus(model.InfoStatus("rpc url saved for read-only mode"))
		return nil
	}

	conn, err := s.cfg.OpenReadOnly(ctx, rpcURL)
	if err != nil {
		return s.fail("connect", err)
	}
	return s.rebuild(ctx, ReasonRPCChanged, conn, s.currentContract())
}

// SwitchChain asks the wallet to move to chainHex, registering the chain first
// when the wallet does not know it. On success the session rebinds; on failure
// the connection stays on its previous chain.
func (s *Session) SwitchChain(ctx context.Context, chainHex string) error {
	if err := s.connector.SwitchChain(ctx, chainHex); err != nil {
		return s.fail("switch chain", err)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.resetRebindFailures()
	return s.rebindCurrent(ctx, ReasonChainChanged)
}

// Rebind tears the current binding down and builds a new one from the same
// kind of connection. Repeated identical connection failures stop automatic
// rebinding with ErrRebindLoop.
func (s *Session) Rebind(ctx context.Context, reason string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.rebindCurrent(ctx, reason)
}

// Run turns wallet account and chain notifications into rebinds until ctx is
// done. It returns ErrRebindLoop when automatic rebinding gave up.
func (s *Session) Run(ctx context.Context) error {
	wallet := s.connector.Wallet()
	if wallet == nil {
		<-ctx.Done()
		return nil
	}

	accountsCh := make(chan []common.Address, 4)
	chainCh := make(chan uint64, 4)
	accountsSub := wallet.SubscribeAccountsChanged(accountsCh)
	defer accountsSub.Unsubscribe()
	chainSub := wallet.SubscribeChainChanged(chainCh)
	defer chainSub.Unsubscribe()

	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case err = <-accountsSub.Err():
			return err
		case err = <-chainSub.Err():
			return err
		case accounts := <-accountsCh:
			err = s.onAccountsChanged(ctx, accounts)
		case id := <-chainCh:
			err = s.onChainChanged(ctx, id)
		}
		if errors.Is(err, model.ErrRebindLoop) {
			return err
		}
	}
}

// Close stops the scheduler and releases the connection.
func (s *Session) Close() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.cancelBinding()
	s.sched.Stop()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	binding, conn := s.binding, s.conn
	s.teardownLocked()
	s.conn = nil
	s.mu.Unlock()

	if binding != nil {
		binding.UnsubscribeAll()
	}
	conn.Close()
	s.cancel()
	s.logger.Info("session closed")
}

// Refresh runs one snapshot refresh on demand. It waits for a scheduled
// refresh in flight, and returns ErrSuperseded when the binding is replaced
// before it finishes.
func (s *Session) Refresh(ctx context.Context) (*model.RoundState, error) {
	binding, bctx, done := s.bound(ctx)
	defer done()
	if binding == nil {
		return nil, s.fail("refresh", model.ErrNoBinding)
	}
	state, _, err := s.store.Refresh(bctx, binding, binding.Account())
	if superseded(ctx, bctx) {
		return nil, ErrSuperseded
	}
	s.metrics.ObserveRefresh(state, err)
	if err != nil {
		return nil, s.fail("", err)
	}
	s.publish(Update{Kind: UpdateState, State: state})
	return state, nil
}

// LoadHistory backfills the event log on demand and journals the result.
// A backfill whose binding is replaced meanwhile is dropped with
// ErrSuperseded.
func (s *Session) LoadHistory(ctx context.Context) error {
	binding, bctx, done := s.bound(ctx)
	defer done()
	if binding == nil {
		return s.fail("load history", model.ErrNoBinding)
	}
	_, err := s.log.Backfill(bctx, binding, s.cfg.FromBlock)
	if superseded(ctx, bctx) {
		return ErrSuperseded
	}
	if err != nil {
		return s.fail("load history", err)
	}
	s.eventsChanged(bctx, nil)
	return nil
}

// bound returns the live binding and a context that ends when ctx does or
// when the binding is torn down.
func (s *Session) bound(ctx context.Context) (*redpacket.Binding, context.Context, func()) {
	s.mu.Lock()
	binding, bindCtx := s.binding, s.bindCtx
	s.mu.Unlock()
	if binding == nil {
		return nil, ctx, func() {}
	}
	bctx, cancel := context.WithCancel(bindCtx)
	stop := context.AfterFunc(ctx, cancel)
	return binding, bctx, func() {
		stop()
		cancel()
	}
}

func superseded(ctx, bctx context.Context) bool {
	return bctx.Err() != nil && ctx.Err() == nil
}

// CreatePacket parses the form inputs and submits a create. Validation
// failures never reach the network.
func (s *Session) CreatePacket(ctx context.Context, amountEther, count string, isEqual bool) (*types.Receipt, error) {
	amountWei, err := action.ParseEther(amountEther)
	if err != nil {
		return nil, s.fail("", err)
	}
	shares, err := action.ParseCount(count)
	if err != nil {
		return nil, s.fail("", err)
	}
	if err := action.ValidateCreate(amountWei, shares); err != nil {
		return nil, s.fail("", err)
	}
	binding := s.Binding()
	if binding == nil {
		return nil, s.fail(action.ActionCreate, model.ErrNoBinding)
	}
	receipt, err := s.gateway.CreatePacket(ctx, binding, amountWei, shares, isEqual)
	if err != nil {
		return receipt, s.fail("", err)
	}
	return receipt, nil
}

// ClaimPacket submits a claim for the connected account.
func (s *Session) ClaimPacket(ctx context.Context) (*types.Receipt, error) {
	binding := s.Binding()
	if binding == nil {
		return nil, s.fail(action.ActionClaim, model.ErrNoBinding)
	}
	receipt, err := s.gateway.ClaimPacket(ctx, binding)
	if err != nil {
		return receipt, s.fail("", err)
	}
	return receipt, nil
}

// Status returns the current status line.
func (s *Session) Status() model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns the last committed round state, nil if none.
func (s *Session) Snapshot() *model.RoundState {
	return s.store.Current()
}

// ClaimView derives the claim hint from the current snapshot.
func (s *Session) ClaimView() model.ClaimView {
	return s.store.Current().ClaimView()
}

// Events returns the retained distribution events, oldest first.
func (s *Session) Events() []model.DistributionEvent {
	return s.log.Events()
}

// Lines formats the retained events for the connected account.
func (s *Session) Lines() []string {
	return s.log.Lines(s.Account())
}

// Binding returns the live binding, nil when none.
func (s *Session) Binding() *redpacket.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// Connection returns the current connection, nil when none.
func (s *Session) Connection() *chain.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Account returns the signer of the current connection, nil when read-only.
func (s *Session) Account() *common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.conn.Signer == nil {
		return nil
	}
	account := *s.conn.Signer
	return &account
}

// SchedulerState returns the lifecycle state of the sync scheduler.
func (s *Session) SchedulerState() scheduler.State {
	return s.sched.State()
}

func (s *Session) onAccountsChanged(ctx context.Context, accounts []common.Address) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	current := s.Account()
	if current == nil {
		return nil
	}
	if len(accounts) == 0 {
		s.logger.Info("wallet disconnected, falling back to read-only")
		conn, err := s.cfg.OpenReadOnly(ctx, s.currentRPC())
		if err != nil {
			return s.countFailure(s.fail("connect", err))
		}
		return s.countFailure(s.rebuild(ctx, ReasonAccountsChanged, conn, s.currentContract()))
	}
	if accounts[0] == *current {
		return nil
	}
	conn, err := s.connector.Reconnect(ctx, accounts[0])
	if err != nil {
		return s.countFailure(s.fail("reconnect wallet", err))
	}
	return s.countFailure(s.rebuild(ctx, ReasonAccountsChanged, conn, s.currentContract()))
}

func (s *Session) onChainChanged(ctx context.Context, id uint64) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	conn := s.Connection()
	if conn == nil || conn.Kind != chain.WalletSigner {
		return nil
	}
	if conn.ChainID == id && s.Binding() != nil {
		return nil
	}
	return s.rebindCurrent(ctx, ReasonChainChanged)
}

// rebindCurrent must be called with opMu held.
func (s *Session) rebindCurrent(ctx context.Context, reason string) error {
	s.mu.Lock()
	halted := s.halted
	s.mu.Unlock()
	if halted {
		return model.ErrRebindLoop
	}

	conn := s.Connection()
	var (
		next *chain.Connection
		err  error
	)
	if conn != nil && conn.Kind == chain.WalletSigner && conn.Signer != nil {
		next, err = s.connector.Reconnect(ctx, *conn.Signer)
	} else {
		next, err = s.cfg.OpenReadOnly(ctx, s.currentRPC())
	}
	if err != nil {
		return s.countFailure(s.fail("reconnect", err))
	}
	return s.countFailure(s.rebuild(ctx, reason, next, s.currentContract()))
}

// rebuild tears the current binding down and binds input on conn. It must be
// called with opMu held.
func (s *Session) rebuild(ctx context.Context, reason string, conn *chain.Connection, input string) error {
	s.cancelBinding()
	s.sched.Stop()

	s.mu.Lock()
	if s.closed {
		current := s.conn
		s.mu.Unlock()
		if conn != current {
			conn.Close()
		}
		return ErrClosed
	}
	old, oldConn := s.binding, s.conn
	s.teardownLocked()
	s.conn = conn
	s.contractInput = input
	s.mu.Unlock()

	if old != nil {
		old.UnsubscribeAll()
	}
	if oldConn != nil && oldConn != conn {
		oldConn.Close()
	}
	s.metrics.ObserveRebind(reason)
	s.logger.Info("rebinding", zap.String("reason", reason), zap.String("connection", conn.Identity()))

	binding, err := redpacket.Bind(ctx, input, conn, s.cfg.ChainID, redpacket.Options{
		PollInterval: s.cfg.PollInterval,
		BatchSize:    s.cfg.BatchSize,
		Retry:        s.cfg.Retry,
		Logger:       s.logger,
	})
	if err != nil {
		var validationErr *model.ValidationError
		if !errors.As(err, &validationErr) {
			s.store.Reset()
			s.log.Reset()
		}
		return s.fail("bind contract", err)
	}

	s.store.Reset()
	s.log.Reset()
	bindCtx, bindCancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.binding = binding
	s.bindCtx, s.bindCancel = bindCtx, bindCancel
	s.journal = s.newJournal(conn, binding)
	s.mu.Unlock()

	s.setStatus(model.InfoStatus(fmt.Sprintf("bound %s on chain %d (%s)", binding.Address().Hex(), conn.ChainID, conn.Kind)))
	if !s.cfg.Manual {
		s.sched.Start(bindCtx, binding)
	}
	return nil
}

// cancelBinding ends work started against the current binding. The scheduler
// run derives from the same context.
func (s *Session) cancelBinding() {
	s.mu.Lock()
	if s.bindCancel != nil {
		s.bindCancel()
	}
	s.mu.Unlock()
}

// teardownLocked drops the binding and cancels work started against it. It
// must be called with mu held.
func (s *Session) teardownLocked() {
	if s.bindCancel != nil {
		s.bindCancel()
	}
	s.binding, s.bindCtx, s.bindCancel, s.journal = nil, nil, nil, nil
}

func (s *Session) newJournal(conn *chain.Connection, binding *redpacket.Binding) *journal.Journal {
	if len(s.cfg.Sinks) == 0 {
		return nil
	}
	timestamps, _ := conn.Backend().(journal.TimestampSource)
	return journal.New(journal.Config{
		ChainID:  conn.ChainID,
		Contract: binding.Address(),
		Retry:    s.cfg.Retry,
	}, timestamps, s.logger, s.cfg.Sinks...)
}

// countFailure tracks consecutive identical connection failures of automatic
// rebinds and converts the third one into ErrRebindLoop.
func (s *Session) countFailure(err error) error {
	s.mu.Lock()
	if err == nil {
		s.lastFailure, s.failures = "", 0
		s.mu.Unlock()
		return nil
	}
	if model.Classify(err) != model.KindConnection {
		s.lastFailure, s.failures = "", 0
		s.mu.Unlock()
		return err
	}
	if err.Error() == s.lastFailure {
		s.failures++
	} else {
		s.lastFailure, s.failures = err.Error(), 1
	}
	halt := s.failures >= MaxIdenticalRebindFailures
	if halt {
		s.halted = true
	}
	s.mu.Unlock()

	if halt {
		return s.fail("", fmt.Errorf("%w: %v", model.ErrRebindLoop, err))
	}
	return err
}

func (s *Session) resetRebindFailures() {
	s.mu.Lock()
	s.lastFailure, s.failures, s.halted = "", 0, false
	s.mu.Unlock()
}

func (s *Session) currentRPC() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpcURL
}

func (s *Session) currentContract() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contractInput
}

// fail records err as the status line and returns it unchanged.
func (s *Session) fail(prefix string, err error) error {
	status := model.StatusFromError(prefix, err)
	if status.Kind == model.KindFatal {
		s.logger.Error("session halted", zap.Error(err))
	} else {
		s.logger.Warn(status.Message, zap.String("kind", string(status.Kind)))
	}
	s.setStatus(status)
	return err
}

func (s *Session) setStatus(status model.Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateStatus, Status: status})
}

func (s *Session) onProgress(p action.Progress) {
	s.metrics.ObserveTransaction(p.Action, string(p.Phase))
	switch p.Phase {
	case action.PhaseSubmitted:
		s.setStatus(model.InfoStatus(fmt.Sprintf("%s submitted: %s", p.Action, p.TxHash.Hex())))
	case action.PhaseConfirmed:
		s.setStatus(model.InfoStatus(fmt.Sprintf("%s confirmed: %s", p.Action, p.TxHash.Hex())))
	}
}

func (s *Session) eventsChanged(ctx context.Context, ev *model.DistributionEvent) {
	var batch []model.DistributionEvent
	if ev != nil {
		s.metrics.ObserveEvent(*ev)
		batch = []model.DistributionEvent{*ev}
	} else {
		batch = s.log.Events()
		for _, e := range batch {
			s.metrics.ObserveEvent(e)
		}
	}

	s.mu.Lock()
	j := s.journal
	s.mu.Unlock()
	if j != nil && len(batch) > 0 {
		if _, err := j.Record(ctx, batch); err != nil {
			s.logger.Warn("journal write failed", zap.Error(err))
		}
	}
	s.publish(Update{Kind: UpdateEvents, Event: ev})
}
