package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Claim hints shown next to the claim action.
const (
	HintNotLoaded      = "round not loaded"
	HintNoPacket       = "no packet yet"
	HintExhausted      = "round exhausted"
	HintAlreadyClaimed = "already claimed this round"
	HintConnectWallet  = "connect a wallet to claim"
	HintClaimable      = "claimable"
)

// RoundState is the reconciled view of the contract for one refresh.
type RoundState struct {
	RemainingCount *big.Int
	BalanceWei     *big.Int
	IsEqualSplit   bool
	RoundID        *big.Int
	// CallerClaimedRound is nil when no account is active or when the
	// account read was skipped because nothing is claimable.
	CallerClaimedRound *big.Int
	Account            *common.Address
	UpdatedAt          time.Time
}

// ClaimView is the claim hint and enabled flag derived from a RoundState.
type ClaimView struct {
	Hint    string
	Enabled bool
}

// Claimable reports whether the active account can claim in the current round.
func (s *RoundState) Claimable() bool {
	if s == nil || s.RemainingCount == nil || s.RoundID == nil {
		return false
	}
	if s.RemainingCount.Sign() <= 0 || s.Account == nil {
		return false
	}
	return s.CallerClaimedRound == nil || s.CallerClaimedRound.Cmp(s.RoundID) != 0
}

// ClaimView derives the claim hint for the state.
func (s *RoundState) ClaimView() ClaimView {
	if s == nil || s.RemainingCount == nil || s.RoundID == nil {
		return ClaimView{Hint: HintNotLoaded}
	}
	if s.RemainingCount.Sign() == 0 {
		if s.RoundID.Sign() == 0 {
			return ClaimView{Hint: HintNoPacket}
		}
		return ClaimView{Hint: HintExhausted}
	}
	if s.Account == nil {
		return ClaimView{Hint: HintConnectWallet}
	}
	if !s.Claimable() {
		return ClaimView{Hint: HintAlreadyClaimed}
	}
	return ClaimView{Hint: HintClaimable, Enabled: true}
}

// Equal compares the on-chain fields of two states, ignoring UpdatedAt.
func (s *RoundState) Equal(other *RoundState) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.IsEqualSplit != other.IsEqualSplit {
		return false
	}
	if !bigEqual(s.RemainingCount, other.RemainingCount) ||
		!bigEqual(s.BalanceWei, other.BalanceWei) ||
		!bigEqual(s.RoundID, other.RoundID) ||
		!bigEqual(s.CallerClaimedRound, other.CallerClaimedRound) {
		return false
	}
	switch {
	case s.Account == nil && other.Account == nil:
		return true
	case s.Account == nil || other.Account == nil:
		return false
	default:
		return *s.Account == *other.Account
	}
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
