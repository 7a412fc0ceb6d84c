package redpacket

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"redPacketSync/internal/model"
)

// DecodeLog converts a raw contract log into a DistributionEvent.
func DecodeLog(contractABI abi.ABI, l types.Log) (model.DistributionEvent, error) {
	if len(l.Topics) == 0 {
		return model.DistributionEvent{}, fmt.Errorf("missing topics")
	}
	event, err := contractABI.EventByID(l.Topics[0])
	if err != nil {
		return model.DistributionEvent{}, fmt.Errorf("unsupported topic0: %s", l.Topics[0].Hex())
	}

	indexed := indexedArguments(event.Inputs)
	if len(l.Topics) != len(indexed)+1 {
		return model.DistributionEvent{}, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(l.Topics))
	}

	values := make(map[string]interface{}, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(values, indexed, l.Topics[1:]); err != nil {
		return model.DistributionEvent{}, fmt.Errorf("parse topics: %w", err)
	}
	if err := contractABI.UnpackIntoMap(values, event.Name, l.Data); err != nil {
		return model.DistributionEvent{}, fmt.Errorf("unpack %s: %w", event.Name, err)
	}

	out := model.DistributionEvent{
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
		Removed:     l.Removed,
	}
	if out.Sender, err = asAddress(values["sender"]); err != nil {
		return model.DistributionEvent{}, err
	}
	if out.AmountWei, err = asBigInt(values["amount"]); err != nil {
		return model.DistributionEvent{}, err
	}
	if out.RoundID, err = asBigInt(values["roundId"]); err != nil {
		return model.DistributionEvent{}, err
	}

	switch event.Name {
	case EventPacketCreated:
		out.Kind = model.EventCreated
		if out.Count, err = asBigInt(values["count"]); err != nil {
			return model.DistributionEvent{}, err
		}
		if out.IsEqual, err = asBool(values["isEqual"]); err != nil {
			return model.DistributionEvent{}, err
		}
	case EventPacketGrabbed:
		out.Kind = model.EventGrabbed
	default:
		return model.DistributionEvent{}, fmt.Errorf("unsupported event name: %s", event.Name)
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("unsupported integer type %T", value)
	}
}

func asBool(value interface{}) (bool, error) {
	v, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("unsupported bool type %T", value)
	}
	return v, nil
}
