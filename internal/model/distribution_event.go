package model

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind tags a DistributionEvent variant.
type EventKind string

const (
	EventCreated EventKind = "Created"
	EventGrabbed EventKind = "Grabbed"
)

// EventSource records which feed delivered an event.
type EventSource string

const (
	SourceBackfill EventSource = "backfill"
	SourceLive     EventSource = "live"
)

// DistributionEvent is a decoded PacketCreated or PacketGrabbed log.
// Count and IsEqual are only meaningful for EventCreated.
type DistributionEvent struct {
	Kind        EventKind
	Sender      common.Address
	AmountWei   *big.Int
	Count       *big.Int
	IsEqual     bool
	RoundID     *big.Int
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	LogIndex    uint
	Removed     bool
	Source      EventSource
}

// Key identifies the log that produced the event.
func (e DistributionEvent) Key() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// Before orders events by block number, then by position inside the block.
func (e DistributionEvent) Before(other DistributionEvent) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.LogIndex < other.LogIndex
}
