package action

import (
	"errors"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"redPacketSync/internal/chain"
	"redPacketSync/internal/model"
)

const revertPrefix = "execution reverted: "

// RevertReason extracts the most specific failure message from err: a decoded
// Error(string) revert payload, then a JSON-RPC error data message, then the
// error text itself.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	if code, ok := chain.ProviderCode(err); ok && code == chain.CodeUserRejected {
		return model.ErrUserRejected.Error()
	}
	if errors.Is(err, model.ErrUserRejected) {
		return model.ErrUserRejected.Error()
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason := reasonFromData(dataErr.ErrorData()); reason != "" {
			return reason
		}
	}

	msg := err.Error()
	if idx := strings.LastIndex(msg, revertPrefix); idx >= 0 {
		return strings.TrimSpace(msg[idx+len(revertPrefix):])
	}
	return msg
}

func reasonFromData(data interface{}) string {
	switch v := data.(type) {
	case string:
		if raw, err := hexutil.Decode(v); err == nil {
			if reason, err := abi.UnpackRevert(raw); err == nil {
				return reason
			}
			return ""
		}
		return v
	case []byte:
		if reason, err := abi.UnpackRevert(v); err == nil {
			return reason
		}
	case map[string]interface{}:
		for _, key := range []string{"reason", "message"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
		for _, key := range nestedKeys(v) {
			if reason := reasonFromData(v[key]); reason != "" {
				return reason
			}
		}
	}
	return ""
}

// nestedKeys lists data, originalError and error first, then the remaining
// keys sorted.
func nestedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	rest := make([]string, 0, len(m))
	for _, key := range []string{"data", "originalError", "error"} {
		if _, ok := m[key]; ok {
			keys = append(keys, key)
		}
	}
	for key := range m {
		switch key {
		case "data", "originalError", "error", "reason", "message":
		default:
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}
