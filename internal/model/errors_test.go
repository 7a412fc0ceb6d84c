package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{NewValidationError("address", "no address found"), KindValidation},
		{fmt.Errorf("bind: %w", &ChainMismatchError{Actual: 1, Expected: 1337}), KindConnection},
		{ErrConnectionPending, KindConnection},
		{&ConnectionError{Op: "connect wallet", Err: errors.New("boom")}, KindConnection},
		{&SyncError{Op: "refresh", Err: errors.New("timeout")}, KindSync},
		{&TransactionError{Action: "claim", Reason: "already grabbed"}, KindTransaction},
		{&SwitchChainError{Target: "0x539", Err: errors.New("nope")}, KindSwitchChain},
		{fmt.Errorf("rebind: %w", ErrRebindLoop), KindFatal},
		{errors.New("other"), KindUnknown},
	}

	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("classify %v: got %q want %q", tc.err, got, tc.want)
		}
	}
}

func TestChainMismatchMessage(t *testing.T) {
	err := &ChainMismatchError{Actual: 1, Expected: 1337}
	if got := err.Error(); got != "chain mismatch: connected to 1, expected 1337" {
		t.Fatalf("message mismatch: %q", got)
	}
}
