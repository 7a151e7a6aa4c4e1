package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Reason classifies a ledger failure.
type Reason string

const (
	ReasonUnderpriced            Reason = "underpriced"
	ReasonNonceTooLow            Reason = "nonce_too_low"
	ReasonReplacementUnderpriced Reason = "replacement_underpriced"
	ReasonAlreadyKnown           Reason = "already_known"
	ReasonTimeout                Reason = "timeout"
	ReasonNetwork                Reason = "network"

	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonInvalidRecipient  Reason = "invalid_recipient"
	ReasonReverted          Reason = "reverted"
	ReasonIntrinsicGas      Reason = "intrinsic_gas"
)

var recoverable = map[Reason]bool{
	ReasonUnderpriced:            true,
	ReasonNonceTooLow:            true,
	ReasonReplacementUnderpriced: true,
	ReasonAlreadyKnown:           true,
	ReasonTimeout:                true,
	ReasonNetwork:                true,
}

// Error is a classified ledger failure.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether a fresh attempt may succeed.
func (e *Error) Recoverable() bool { return recoverable[e.Reason] }

// Transient reports whether the failure says nothing about the transaction
// itself. The circuit breaker only counts these.
func (e *Error) Transient() bool {
	return e.Reason == ReasonNetwork || e.Reason == ReasonTimeout
}

// node error substrings, matched against lower-cased messages. Order matters:
// the replacement message also contains "underpriced".
var patterns = []struct {
	needle string
	reason Reason
}{
	{"replacement transaction underpriced", ReasonReplacementUnderpriced},
	{"nonce too low", ReasonNonceTooLow},
	{"already known", ReasonAlreadyKnown},
	{"known transaction", ReasonAlreadyKnown},
	{"underpriced", ReasonUnderpriced},
	{"max fee per gas less than block base fee", ReasonUnderpriced},
	{"fee cap less than block base fee", ReasonUnderpriced},
	{"insufficient funds", ReasonInsufficientFunds},
	{"intrinsic gas too low", ReasonIntrinsicGas},
	{"gas limit reached", ReasonIntrinsicGas},
	{"execution reverted", ReasonReverted},
	{"invalid recipient", ReasonInvalidRecipient},
	{"timeout", ReasonTimeout},
	{"deadline exceeded", ReasonTimeout},
}

// Classify maps an error returned by a node onto a Reason. Unknown errors are
// treated as network failures so they stay within the retry budget.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Reason: ReasonTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Reason: ReasonTimeout, Err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p.needle) {
			return &Error{Reason: p.reason, Err: err}
		}
	}
	return &Error{Reason: ReasonNetwork, Err: err}
}

// ReasonOf returns the classified reason of err.
func ReasonOf(err error) Reason {
	if le := Classify(err); le != nil {
		return le.Reason
	}
	return ""
}
