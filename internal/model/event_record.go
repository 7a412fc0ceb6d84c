package model

import (
	"encoding/json"
)

// EventRecord is the normalized export form of a distribution event.
type EventRecord struct {
	ChainID     uint64 `json:"chain_id"`
	Contract    string `json:"contract"`
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint64 `json:"log_index"`
	EventName   string `json:"event_name"`
	Sender      string `json:"sender"`
	AmountWei   string `json:"amount_wei"`
	Count       string `json:"count,omitempty"`
	IsEqual     *bool  `json:"is_equal,omitempty"`
	RoundID     string `json:"round_id"`
	Removed     bool   `json:"removed"`
	Source      string `json:"source"`
	Timestamp   uint64 `json:"timestamp"`
	IngestedAt  string `json:"ingested_at"`
}

// MarshalJSON ensures EventRecord is encoded with stable field names.
func (r EventRecord) MarshalJSON() ([]byte, error) {
	type Alias EventRecord
	return json.Marshal(Alias(r))
}

// UnmarshalJSON decodes an EventRecord from JSON.
func (r *EventRecord) UnmarshalJSON(data []byte) error {
	type Alias EventRecord
	var a Alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = EventRecord(a)
	return nil
}
