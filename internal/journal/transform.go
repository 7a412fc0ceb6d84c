package journal

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"redPacketSync/internal/model"
	"redPacketSync/internal/redpacket"
)

func buildEventRecord(chainID uint64, contract common.Address, ev model.DistributionEvent, timestamp uint64, ingestedAt time.Time) model.EventRecord {
	record := model.EventRecord{
		ChainID:     chainID,
		Contract:    contract.Hex(),
		BlockNumber: ev.BlockNumber,
		BlockHash:   ev.BlockHash.Hex(),
		TxHash:      ev.TxHash.Hex(),
		LogIndex:    uint64(ev.LogIndex),
		Sender:      ev.Sender.Hex(),
		AmountWei:   bigText(ev.AmountWei),
		RoundID:     bigText(ev.RoundID),
		Removed:     ev.Removed,
		Source:      string(ev.Source),
		Timestamp:   timestamp,
		IngestedAt:  ingestedAt.UTC().Format(time.RFC3339Nano),
	}

	switch ev.Kind {
	case model.EventCreated:
		record.EventName = redpacket.EventPacketCreated
		record.Count = bigText(ev.Count)
		isEqual := ev.IsEqual
		record.IsEqual = &isEqual
	case model.EventGrabbed:
		record.EventName = redpacket.EventPacketGrabbed
	}
	return record
}

func bigText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
