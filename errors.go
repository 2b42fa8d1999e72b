package charmcards

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure so callers can decide between
// "try again" and "start over" without parsing messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindProofGenerationFailed
	KindProofTimeout
	KindUserRejected
	KindWalletUnavailable
	KindSigningFailed
	KindBroadcastRejected
	KindNodeUnreachable
	KindNodeSyncing
	KindConfirmationTimeout
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindProofGenerationFailed:
		return "ProofGenerationFailed"
	case KindProofTimeout:
		return "ProofTimeout"
	case KindUserRejected:
		return "UserRejected"
	case KindWalletUnavailable:
		return "WalletUnavailable"
	case KindSigningFailed:
		return "SigningFailed"
	case KindBroadcastRejected:
		return "BroadcastRejected"
	case KindNodeUnreachable:
		return "NodeUnreachable"
	case KindNodeSyncing:
		return "NodeSyncing"
	case KindConfirmationTimeout:
		return "ConfirmationTimeout"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

var (
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInsufficientCharm = errors.New("insufficient charm balance")
	ErrInvalidSpell      = errors.New("invalid spell")
)

// Error is the typed failure every pipeline stage returns.
type Error struct {
	Kind Kind
	// Op names the stage or call that failed, e.g. "prove" or "submitpackage".
	Op  string
	Err error

	// CommitTxid is set when the commit transaction was accepted but the
	// spell transaction was not.
	CommitTxid string

	// Transient marks a BroadcastRejected caused by mempool conditions
	// (fees, mempool full) rather than by the package itself.
	Transient bool
}

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error from a format string.
func Errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.CommitTxid != "" {
		msg += " (commit " + e.CommitTxid + " accepted)"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTerminal reports whether err requires new user action rather than a
// retry of the same request.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindUserRejected, KindWalletUnavailable:
		return true
	}
	return false
}

// IsRetriable reports whether resubmitting the same request is safe and
// may succeed.
func IsRetriable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindProofGenerationFailed, KindProofTimeout, KindSigningFailed,
		KindNodeUnreachable, KindNodeSyncing:
		return true
	case KindBroadcastRejected:
		return e.Transient
	}
	return false
}

// IsPending reports whether err means the outcome is not known yet, as
// opposed to a failure.
func IsPending(err error) bool {
	return KindOf(err) == KindConfirmationTimeout
}
