// Package apierr defines Needlestack's internal error taxonomy and the
// translation of those errors to gRPC status codes at the RPC boundary.
package apierr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind identifies which class of error occurred, independent of the
// human-readable message. Handlers and tests should compare on Kind via
// errors.As, never on message text.
type Kind int

const (
	// KindUnknown is the zero value. It is also used deliberately for
	// failures that genuinely have no better classification (e.g. a
	// sub-search returning zero responses) — ToStatus maps it to
	// codes.Unknown via the default case.
	KindUnknown Kind = iota
	// KindSerialization covers NDArray/Metadata encode failures.
	KindSerialization
	// KindDeserialization covers NDArray/Metadata decode failures (shape,
	// dtype, or missing-field problems).
	KindDeserialization
	// KindUnsupportedIndexOperation covers calling an operation an
	// IndexBackend does not implement (add_vectors on a read-only backend,
	// retrieve-by-id without enable_id_to_vector).
	KindUnsupportedIndexOperation
	// KindCapacityExceeded is raised by the placement solver when a
	// knapsack's capacity would be violated.
	KindCapacityExceeded
	// KindDuplicateItem is raised by the placement solver when an item is
	// placed twice into the same knapsack.
	KindDuplicateItem
	// KindDimensionMismatch marks a replica DOWN when a shard's vector
	// dimension disagrees with its collection's established dimension.
	KindDimensionMismatch
	// KindCoordinationTransient wraps a retryable coordination-store error.
	KindCoordinationTransient
	// KindCoordinationFatal marks a coordination session lost past the
	// retry budget.
	KindCoordinationFatal
	// KindNotFound covers admin lookups against missing collections,
	// shards, or ids.
	KindNotFound
	// KindAlreadyExists covers admin collisions (collection name reused).
	KindAlreadyExists
	// KindRemote wraps an error surfaced by a downstream RPC, preserving
	// its originating code.
	KindRemote
)

// Error is the concrete error type carried through Needlestack's internal
// call chain. It always has a Kind and a message; Remote errors also carry
// the originating gRPC code so it can be passed through unchanged.
type Error struct {
	Cause      error
	Msg        string
	Kind       Kind
	RemoteCode codes.Code
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Remote wraps a downstream RPC failure, preserving its status code so
// it can be propagated verbatim by ToStatus.
func Remote(code codes.Code, msg string) *Error {
	return &Error{Kind: KindRemote, Msg: msg, RemoteCode: code}
}

// ToStatus translates err into a gRPC status per the rules in spec §7/§4.8:
// a Remote error, or a gRPC status error returned as-is by a downstream
// stub, is propagated with its original code and message; any other
// *Error maps to a fixed code; anything else (a bare, unrecognized error)
// becomes codes.Unknown.
func ToStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}

	var ae *Error
	if !errors.As(err, &ae) {
		if st, ok := status.FromError(err); ok {
			return st
		}
		return status.New(codes.Unknown, err.Error())
	}

	switch ae.Kind {
	case KindRemote:
		return status.New(ae.RemoteCode, ae.Msg)
	case KindSerialization, KindDeserialization, KindCapacityExceeded, KindDuplicateItem:
		return status.New(codes.InvalidArgument, ae.Error())
	case KindUnsupportedIndexOperation, KindDimensionMismatch:
		return status.New(codes.FailedPrecondition, ae.Error())
	case KindCoordinationTransient, KindCoordinationFatal:
		return status.New(codes.Unavailable, ae.Error())
	case KindNotFound:
		return status.New(codes.NotFound, ae.Error())
	case KindAlreadyExists:
		return status.New(codes.AlreadyExists, ae.Error())
	default:
		return status.New(codes.Unknown, ae.Error())
	}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Kind == kind
}
