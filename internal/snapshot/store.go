// Package snapshot keeps the latest reconciled view of the red packet contract.
package snapshot

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"redPacketSync/internal/model"
	"redPacketSync/internal/redpacket"
)

// Reader is the contract read surface a refresh needs.
type Reader interface {
	ReadUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error)
	ReadBool(ctx context.Context, method string, args ...interface{}) (bool, error)
}

// Store holds the last committed RoundState. Refreshes run one at a time and
// are ticketed: a result is committed only if no later-started refresh has
// committed first, and Invalidate makes every outstanding refresh stale.
type Store struct {
	logger *zap.Logger
	now    func() time.Time

	// refreshMu is held for the whole of a Refresh.
	refreshMu sync.Mutex

	mu        sync.RWMutex
	state     *model.RoundState
	issued    uint64
	committed uint64
}

// NewStore builds an empty Store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger, now: time.Now}
}

// Current returns a copy of the last committed state, nil before the first commit.
func (s *Store) Current() *model.RoundState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyState(s.state)
}

// Invalidate makes every in-flight refresh stale. The committed state is kept.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.issued++
	s.committed = s.issued
	s.mu.Unlock()
}

// Reset invalidates in-flight refreshes and drops the committed state.
func (s *Store) Reset() {
	s.mu.Lock()
	s.issued++
	s.committed = s.issued
	s.state = nil
	s.mu.Unlock()
}

// Refresh reads the contract and commits a new RoundState. It returns the
// committed state and whether it was applied; a stale result is dropped with
// applied=false. Failures return a SyncError and leave the previous state.
// A Refresh called while another is running waits for it.
func (s *Store) Refresh(ctx context.Context, reader Reader, account *common.Address) (*model.RoundState, bool, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, false, asSyncError("read round", err)
	}

	s.mu.Lock()
	s.issued++
	ticket := s.issued
	s.mu.Unlock()

	state, err := read(ctx, reader, account)
	if err != nil {
		s.logger.Warn("refresh failed", zap.Uint64("ticket", ticket), zap.Error(err))
		return nil, false, err
	}
	state.UpdatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, false, asSyncError("read round", err)
	}
	if ticket <= s.committed {
		s.logger.Debug("discard stale refresh", zap.Uint64("ticket", ticket), zap.Uint64("committed", s.committed))
		return copyState(s.state), false, nil
	}
	s.committed = ticket
	s.state = state
	return copyState(state), true, nil
}

func read(ctx context.Context, reader Reader, account *common.Address) (*model.RoundState, error) {
	var (
		count, balance, roundID *big.Int
		isEqual                 bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		count, err = reader.ReadUint(gctx, redpacket.MethodCount)
		return err
	})
	g.Go(func() error {
		var err error
		balance, err = reader.ReadUint(gctx, redpacket.MethodGetBalance)
		return err
	})
	g.Go(func() error {
		var err error
		isEqual, err = reader.ReadBool(gctx, redpacket.MethodIsEqual)
		return err
	})
	g.Go(func() error {
		var err error
		roundID, err = reader.ReadUint(gctx, redpacket.MethodRoundID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, asSyncError("read round", err)
	}

	state := &model.RoundState{
		RemainingCount: count,
		BalanceWei:     balance,
		IsEqualSplit:   isEqual,
		RoundID:        roundID,
	}
	if account != nil {
		acc := *account
		state.Account = &acc
	}
	if count.Sign() == 0 || account == nil {
		return state, nil
	}

	grabbed, err := reader.ReadUint(ctx, redpacket.MethodGrabbedRound, *account)
	if err != nil {
		return nil, asSyncError(redpacket.MethodGrabbedRound, err)
	}
	state.CallerClaimedRound = grabbed
	return state, nil
}

func asSyncError(op string, err error) error {
	if _, ok := err.(*model.SyncError); ok {
		return err
	}
	return &model.SyncError{Op: op, Err: err}
}

func copyState(s *model.RoundState) *model.RoundState {
	if s == nil {
		return nil
	}
	out := *s
	out.RemainingCount = copyBig(s.RemainingCount)
	out.BalanceWei = copyBig(s.BalanceWei)
	out.RoundID = copyBig(s.RoundID)
	out.CallerClaimedRound = copyBig(s.CallerClaimedRound)
	if s.Account != nil {
		acc := *s.Account
		out.Account = &acc
	}
	return &out
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
