// Package docserr defines the error kinds the docs core surfaces to
// callers and collaborators.
package docserr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure a caller may want to branch on.
type Kind int

const (
	// KindUnknown is the zero value; never returned by this package.
	KindUnknown Kind = iota
	KindStorage
	KindSignatureInvalid
	KindNamespaceMismatch
	KindEmptyEntry
	KindTooFarInTheFuture
	KindReadOnly
	KindNotFound
	KindNewerEntryExists
	KindClosed
	KindAlreadySyncing
	KindConnectFailed
	KindSyncAborted
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "storage"
	case KindSignatureInvalid:
		return "signature_invalid"
	case KindNamespaceMismatch:
		return "namespace_mismatch"
	case KindEmptyEntry:
		return "empty_entry"
	case KindTooFarInTheFuture:
		return "too_far_in_the_future"
	case KindReadOnly:
		return "read_only"
	case KindNotFound:
		return "not_found"
	case KindNewerEntryExists:
		return "newer_entry_exists"
	case KindClosed:
		return "closed"
	case KindAlreadySyncing:
		return "already_syncing"
	case KindConnectFailed:
		return "connect_failed"
	case KindSyncAborted:
		return "sync_aborted"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the single error type the docs core returns. Callers branch on
// Kind rather than on sentinel identity.
type Error struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "replica.insert"
	Reason string // optional human detail
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, reason string) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason}
}

// Wrap builds an *Error around an existing cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Wrapf is Wrap with a formatted reason appended.
func Wrapf(kind Kind, op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindUnknown if err isn't an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
