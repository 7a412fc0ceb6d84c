package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to the session status line.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindValidation  ErrorKind = "validation"
	KindConnection  ErrorKind = "connection"
	KindSync        ErrorKind = "sync"
	KindTransaction ErrorKind = "transaction"
	KindSwitchChain ErrorKind = "switch_chain"
	KindFatal       ErrorKind = "fatal"
	KindUnknown     ErrorKind = "unknown"
)

var (
	ErrNoWalletDetected   = errors.New("no wallet detected")
	ErrConnectionPending  = errors.New("wallet connection request already pending")
	ErrUserRejected       = errors.New("request rejected by user")
	ErrReadOnlyConnection = errors.New("connection cannot sign transactions")
	ErrNoBinding          = errors.New("contract is not bound")
	ErrRebindLoop         = errors.New("rebind keeps failing with the same error")
)

// ValidationError is a locally detected, user-correctable input problem.
// No network call is issued when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConnectionError blocks binding and writes until the user resolves it.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChainMismatchError reports that the endpoint is on a different chain than expected.
type ChainMismatchError struct {
	Actual   uint64
	Expected uint64
}

func (e *ChainMismatchError) Error() string {
	return fmt.Sprintf("chain mismatch: connected to %d, expected %d", e.Actual, e.Expected)
}

// SyncError is a transient read failure. Previous state is kept and the read is retried later.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// TransactionError is a rejected or reverted write.
type TransactionError struct {
	Action string
	Reason string
	Err    error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Action, e.Reason)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// SwitchChainError reports that the wallet stayed on its previous chain.
type SwitchChainError struct {
	Target string
	Err    error
}

func (e *SwitchChainError) Error() string {
	return fmt.Sprintf("switch chain to %s: %v", e.Target, e.Err)
}

func (e *SwitchChainError) Unwrap() error { return e.Err }

// Classify maps an error to its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var (
		validationErr  *ValidationError
		connectionErr  *ConnectionError
		mismatchErr    *ChainMismatchError
		syncErr        *SyncError
		transactionErr *TransactionError
		switchErr      *SwitchChainError
	)
	switch {
	case errors.Is(err, ErrRebindLoop):
		return KindFatal
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &switchErr):
		return KindSwitchChain
	case errors.As(err, &transactionErr):
		return KindTransaction
	case errors.As(err, &mismatchErr), errors.As(err, &connectionErr),
		errors.Is(err, ErrNoWalletDetected), errors.Is(err, ErrConnectionPending),
		errors.Is(err, ErrUserRejected), errors.Is(err, ErrReadOnlyConnection),
		errors.Is(err, ErrNoBinding):
		return KindConnection
	case errors.As(err, &syncErr):
		return KindSync
	default:
		return KindUnknown
	}
}
