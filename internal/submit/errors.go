package submit

import (
	"errors"
	"fmt"

	"crowdfund/internal/chain"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrWalletNotConnected = errors.New("wallet not connected")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidDeadline    = errors.New("deadline must be in the future")
	ErrInvalidMetaURI     = errors.New("metadata uri required")
	ErrInvalidAddress     = errors.New("invalid campaign address")
	ErrInFlight           = errors.New("a transaction for this target is already in flight")
)

// Kind tells the caller how a failure should be surfaced.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindConnectivity Kind = "connectivity"
	KindBusy         Kind = "busy"
	KindTransaction  Kind = "transaction"
)

// Error is returned by every failed write. Reason is the message to show the
// user; TxHash is set once the transaction left the client.
type Error struct {
	Action Action
	Kind   Kind
	Reason string
	TxHash common.Hash
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Action, e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a submit error, or "" for anything else.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func failure(action Action, kind Kind, err error) *Error {
	return &Error{Action: action, Kind: kind, Reason: reason(err), Err: err}
}

func reason(err error) string {
	if r, ok := chain.RevertReason(err); ok {
		return r
	}
	return err.Error()
}
