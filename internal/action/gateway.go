// Package action submits the red packet write calls and reports their progress.
package action

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"redPacketSync/internal/model"
	"redPacketSync/internal/redpacket"
)

// Action names used in statuses and errors.
const (
	ActionCreate = "create packet"
	ActionClaim  = "claim packet"
)

// Phase is the progress of a submitted write.
type Phase string

const (
	PhaseSubmitted Phase = "submitted"
	PhaseConfirmed Phase = "confirmed"
	PhaseFailed    Phase = "failed"
)

// Progress is reported at every phase change of a write.
type Progress struct {
	Action string
	Phase  Phase
	TxHash common.Hash
	Reason string
}

// Writer is the binding surface the gateway writes through.
type Writer interface {
	Write(ctx context.Context, method string, value *big.Int, args ...interface{}) (*types.Transaction, error)
	WaitConfirmed(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Gateway runs create and claim writes. OnConfirmed is invoked once per
// confirmed write and is where callers schedule a snapshot refresh.
type Gateway struct {
	OnProgress  func(Progress)
	OnConfirmed func()

	logger *zap.Logger
}

// NewGateway builds a Gateway.
func NewGateway(logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{logger: logger}
}

// CreatePacket validates the request locally and submits a value-bearing
// createRedPacket call.
func (g *Gateway) CreatePacket(ctx context.Context, w Writer, amountWei, count *big.Int, isEqual bool) (*types.Receipt, error) {
	if err := ValidateCreate(amountWei, count); err != nil {
		return nil, err
	}
	return g.submit(ctx, w, ActionCreate, redpacket.MethodCreate, amountWei, count, isEqual)
}

// ClaimPacket submits grabRedPacket.
func (g *Gateway) ClaimPacket(ctx context.Context, w Writer) (*types.Receipt, error) {
	return g.submit(ctx, w, ActionClaim, redpacket.MethodGrab, nil)
}

func (g *Gateway) submit(ctx context.Context, w Writer, action, method string, value *big.Int, args ...interface{}) (*types.Receipt, error) {
	if w == nil {
		return nil, model.ErrNoBinding
	}

	tx, err := w.Write(ctx, method, value, args...)
	if err != nil {
		if errors.Is(err, model.ErrReadOnlyConnection) {
			return nil, err
		}
		return nil, g.fail(action, common.Hash{}, err)
	}
	g.report(Progress{Action: action, Phase: PhaseSubmitted, TxHash: tx.Hash()})

	receipt, err := w.WaitConfirmed(ctx, tx)
	if err != nil {
		return receipt, g.fail(action, tx.Hash(), err)
	}

	g.logger.Info("transaction confirmed", zap.String("action", action), zap.String("tx", tx.Hash().Hex()), zap.Uint64("block", receipt.BlockNumber.Uint64()))
	g.report(Progress{Action: action, Phase: PhaseConfirmed, TxHash: tx.Hash()})
	if g.OnConfirmed != nil {
		g.OnConfirmed()
	}
	return receipt, nil
}

func (g *Gateway) fail(action string, hash common.Hash, err error) error {
	reason := RevertReason(err)
	g.logger.Warn("transaction failed", zap.String("action", action), zap.String("tx", hash.Hex()), zap.String("reason", reason), zap.Error(err))
	g.report(Progress{Action: action, Phase: PhaseFailed, TxHash: hash, Reason: reason})
	return &model.TransactionError{Action: action, Reason: reason, Err: err}
}

func (g *Gateway) report(p Progress) {
	if g.OnProgress != nil {
		g.OnProgress(p)
	}
}
