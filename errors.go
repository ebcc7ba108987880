package cqlite

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error without requiring callers to match on message text.
type Kind int

const (
	KindUnknown Kind = iota

	// Format errors.
	KindInvalidMagic
	KindUnsupportedVersion
	KindInvalidTypeId
	KindInvalidLength
	KindInvalidUtf8
	KindTrailingGarbage
	KindOversizeVInt

	// Integrity errors.
	KindChecksumMismatch
	KindCorruptedBlock
	KindCorruptedTrie
	KindTrieDepthExceeded

	// Compression errors.
	KindUnknownAlgorithm
	KindDecompressionFailed

	// I/O errors.
	KindIo
	KindUnexpectedEof

	// Schema errors.
	KindUnknownTable
	KindSchemaMismatch
	KindMissingColumn

	// Limits.
	KindMemoryBudgetExceeded
	KindTimeoutExceeded
	KindCancelled

	// Internal.
	KindInvariantViolated
)

func (k Kind) String() string {
	switch k {
	case KindInvalidMagic:
		return "InvalidMagic"
	case KindUnsupportedVersion:
		return "UnsupportedVersion"
	case KindInvalidTypeId:
		return "InvalidTypeId"
	case KindInvalidLength:
		return "InvalidLength"
	case KindInvalidUtf8:
		return "InvalidUtf8"
	case KindTrailingGarbage:
		return "TrailingGarbage"
	case KindOversizeVInt:
		return "OversizeVInt"
	case KindChecksumMismatch:
		return "ChecksumMismatch"
	case KindCorruptedBlock:
		return "CorruptedBlock"
	case KindCorruptedTrie:
		return "CorruptedTrie"
	case KindTrieDepthExceeded:
		return "TrieDepthExceeded"
	case KindUnknownAlgorithm:
		return "UnknownAlgorithm"
	case KindDecompressionFailed:
		return "DecompressionFailed"
	case KindIo:
		return "Io"
	case KindUnexpectedEof:
		return "UnexpectedEof"
	case KindUnknownTable:
		return "UnknownTable"
	case KindSchemaMismatch:
		return "SchemaMismatch"
	case KindMissingColumn:
		return "MissingColumn"
	case KindMemoryBudgetExceeded:
		return "MemoryBudgetExceeded"
	case KindTimeoutExceeded:
		return "TimeoutExceeded"
	case KindCancelled:
		return "Cancelled"
	case KindInvariantViolated:
		return "InvariantViolated"
	default:
		return "Unknown"
	}
}

// Error is the engine's single error type. Decoders and readers return it
// instead of panicking; the caller matches on Kind, never on message text.
type Error struct {
	Kind   Kind
	Path   string
	Offset int64
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Path != "" {
		s += fmt.Sprintf(" (path=%s offset=%d)", e.Path, e.Offset)
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// newErr builds a bare Error of the given kind.
func newErr(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// atOffset annotates an Error with the file and byte offset it originated from.
func (e *Error) atOffset(path string, offset int64) *Error {
	e.Path = path
	e.Offset = offset
	return e
}

// wrapIo wraps an I/O cause with a stack trace and ties it to a path/offset.
func wrapIo(cause error, path string, offset int64, format string, args ...interface{}) *Error {
	return &Error{
		Kind:   KindIo,
		Path:   path,
		Offset: offset,
		Msg:    fmt.Sprintf(format, args...),
		Cause:  errors.Wrap(cause, "io"),
	}
}

// Is reports whether err is a *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
