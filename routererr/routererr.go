// Package routererr defines the router's error taxonomy: a closed set of Kind values shared
// across couplers, codecs and the controller, plus the two severities (ObjectCreationError,
// ObjectFatalError) that Error.Fatal reports.
package routererr

import "fmt"

// Kind is a taxonomy of error situations the router distinguishes for propagation/logging
// purposes — not a set of Go types, per spec.md §7: callers compare Kind, not type-assert.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCouplerTimeOut
	KindCouplerReadError
	KindCouplerWriteError
	KindIncompleteMessage
	KindInvalidFrame
	KindUnknownPGN
	KindDecodeEOL
	KindMissingEnumKey
	KindEncodeOutOfRange
	KindFastPacketError
	KindISOTPAbort
	KindAddressClaimLost
	KindConfigError
	// KindObjectCreationError is fatal at config-build time: the offending object is skipped.
	KindObjectCreationError
	// KindObjectFatalError is fatal at runtime: it stops its owning subsystem, not the process.
	KindObjectFatalError
)

func (k Kind) String() string {
	switch k {
	case KindCouplerTimeOut:
		return "coupler_timeout"
	case KindCouplerReadError:
		return "coupler_read_error"
	case KindCouplerWriteError:
		return "coupler_write_error"
	case KindIncompleteMessage:
		return "incomplete_message"
	case KindInvalidFrame:
		return "invalid_frame"
	case KindUnknownPGN:
		return "unknown_pgn"
	case KindDecodeEOL:
		return "decode_eol"
	case KindMissingEnumKey:
		return "missing_enum_key"
	case KindEncodeOutOfRange:
		return "encode_out_of_range"
	case KindFastPacketError:
		return "fast_packet_error"
	case KindISOTPAbort:
		return "isotp_abort"
	case KindAddressClaimLost:
		return "address_claim_lost"
	case KindConfigError:
		return "config_error"
	case KindObjectCreationError:
		return "object_creation_error"
	case KindObjectFatalError:
		return "object_fatal_error"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and the name of the object/subsystem it happened in,
// so propagation policy (§7) can be driven off Kind rather than a growing hierarchy of error types.
type Error struct {
	Kind   Kind
	Object string
	Err    error
}

func New(kind Kind, object string, err error) *Error {
	return &Error{Kind: kind, Object: object, Err: err}
}

func (e *Error) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Kind, e.Object, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether this error's Kind is one of the two fatal severities: ObjectFatalError
// (stops its owning subsystem) or ObjectCreationError (the offending object is skipped at
// config-build time).
func (e *Error) Fatal() bool {
	return e.Kind == KindObjectFatalError || e.Kind == KindObjectCreationError
}
