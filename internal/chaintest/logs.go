package chaintest

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// EventLog encodes an event emitted by contract. args follow the ABI input order;
// indexed arguments become topics.
func EventLog(contractABI abi.ABI, name string, contract common.Address, block uint64, logIndex uint, args ...interface{}) (types.Log, error) {
	ev, ok := contractABI.Events[name]
	if !ok {
		return types.Log{}, fmt.Errorf("unknown event %s", name)
	}
	if len(args) != len(ev.Inputs) {
		return types.Log{}, fmt.Errorf("event %s expects %d args, got %d", name, len(ev.Inputs), len(args))
	}

	topics := []common.Hash{ev.ID}
	nonIndexed := make([]interface{}, 0, len(args))
	for i, input := range ev.Inputs {
		if !input.Indexed {
			nonIndexed = append(nonIndexed, args[i])
			continue
		}
		topic, err := indexedTopic(args[i])
		if err != nil {
			return types.Log{}, fmt.Errorf("topic %s: %w", input.Name, err)
		}
		topics = append(topics, topic)
	}

	data, err := ev.Inputs.NonIndexed().Pack(nonIndexed...)
	if err != nil {
		return types.Log{}, fmt.Errorf("pack %s: %w", name, err)
	}

	return types.Log{
		Address:     contract,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		BlockHash:   crypto.Keccak256Hash([]byte(fmt.Sprintf("block-%d", block))),
		TxHash:      TxHash(block, logIndex),
		TxIndex:     0,
		Index:       logIndex,
	}, nil
}

// MustEventLog is EventLog that panics on error.
func MustEventLog(contractABI abi.ABI, name string, contract common.Address, block uint64, logIndex uint, args ...interface{}) types.Log {
	l, err := EventLog(contractABI, name, contract, block, logIndex, args...)
	if err != nil {
		panic(err)
	}
	return l
}

// TxHash derives a deterministic transaction hash for a log position.
func TxHash(block uint64, logIndex uint) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d-%d", block, logIndex)))
}

func indexedTopic(value interface{}) (common.Hash, error) {
	switch v := value.(type) {
	case common.Address:
		return common.BytesToHash(v.Bytes()), nil
	case *big.Int:
		return common.BigToHash(v), nil
	case bool:
		if v {
			return common.BigToHash(big.NewInt(1)), nil
		}
		return common.Hash{}, nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported indexed type %T", value)
	}
}
