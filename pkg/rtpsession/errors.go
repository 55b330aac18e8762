package rtpsession

import "fmt"

// ErrorCode namespaces the failure modes named in spec.md §7. Negotiation
// failures are returned, never thrown; invariant violations are fatal
// errors returned to the caller of the offending method.
type ErrorCode int

const (
	// Negotiation errors (spec.md §7 "Negotiation").
	ErrNoLocalTracks ErrorCode = iota + 1000
	ErrNoRemoteDescription
	ErrAudioIncompatible
	ErrVideoIncompatible

	// Invariant violations (spec.md §7 "Invariant violation").
	ErrDuplicateTrack
	ErrMissingSendingFormat

	// Transform / transport failures (spec.md §7).
	ErrTransformFailed
	ErrSecureContextNotReady
	ErrTransportSend

	// Lifecycle misuse.
	ErrSessionClosed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNoLocalTracks:
		return "NoLocalTracks"
	case ErrNoRemoteDescription:
		return "NoRemoteDescription"
	case ErrAudioIncompatible:
		return "AudioIncompatible"
	case ErrVideoIncompatible:
		return "VideoIncompatible"
	case ErrDuplicateTrack:
		return "DuplicateTrack"
	case ErrMissingSendingFormat:
		return "MissingSendingFormat"
	case ErrTransformFailed:
		return "TransformFailed"
	case ErrSecureContextNotReady:
		return "SecureContextNotReady"
	case ErrTransportSend:
		return "TransportSend"
	case ErrSessionClosed:
		return "SessionClosed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// SessionError is the typed error carried by every failure this package
// returns, following pkg/media/errors.go's MediaError shape: a code,
// a human message, optional media-kind context and an optional wrapped
// cause.
type SessionError struct {
	Code    ErrorCode
	Message string
	Kind    *MediaKind
	Wrapped error
}

func (e *SessionError) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("rtpsession: %s (%s): %s", e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("rtpsession: %s: %s", e.Code, e.Message)
}

func (e *SessionError) Unwrap() error { return e.Wrapped }

func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newError(code ErrorCode, msg string) *SessionError {
	return &SessionError{Code: code, Message: msg}
}

func newKindError(code ErrorCode, kind MediaKind, msg string) *SessionError {
	return &SessionError{Code: code, Message: msg, Kind: &kind}
}

func wrapError(code ErrorCode, msg string, err error) *SessionError {
	return &SessionError{Code: code, Message: msg, Wrapped: err}
}
