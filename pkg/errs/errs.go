// Package errs defines the error kinds consumed at core boundaries
// (§7): InvalidInput, InvalidData, TransientIO, UnknownSequenceNumber,
// CompactorConflict, and Fatal. Every error crossing a collaborator
// boundary carries one of these so the caller can decide whether to
// surface it, retry it, or crash.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for the caller's dispatch decision.
type Kind int

const (
	// Unknown is the zero value; code should never deliberately produce it.
	Unknown Kind = iota
	// InvalidInput marks malformed DML, an unknown shard id, or a
	// predicate referencing a column the table does not have. Surfaced
	// to the caller; no state change.
	InvalidInput
	// InvalidData marks a persisted file or message that failed
	// decoding. The affected operation fails and the file is quarantined
	// (flagged suspicious, not deleted).
	InvalidData
	// TransientIO marks an RPC, catalog, or object-store failure
	// classified as retryable.
	TransientIO
	// UnknownSequenceNumber marks a WAL position that no longer exists
	// (retention cutoff).
	UnknownSequenceNumber
	// CompactorConflict marks reconciliation seeing an L1 file whose
	// max_seq exceeds the ingester's reported parquet_max_seq.
	CompactorConflict
	// Fatal marks an invariant violation. The offending component must
	// crash rather than let the catalog reach an inconsistent state.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case InvalidData:
		return "invalid_data"
	case TransientIO:
		return "transient_io"
	case UnknownSequenceNumber:
		return "unknown_sequence_number"
	case CompactorConflict:
		return "compactor_conflict"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with the Kind and operation that
// produced it, following the wrap-with-context convention used
// throughout this module.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is an
// *Error, or Unknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
