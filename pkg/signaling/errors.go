package signaling

import "errors"

var (
	// ErrUnknownRole is returned for a role token other than caller/callee.
	ErrUnknownRole = errors.New("unknown role")
	// ErrInvalidSession is returned for an empty or oversized session id.
	ErrInvalidSession = errors.New("invalid session id")
	// ErrTooManySessions is returned when the registry is at capacity.
	ErrTooManySessions = errors.New("too many sessions")
)

// MaxSessionIDLength bounds session identifiers in bytes.
const MaxSessionIDLength = 128

// ValidateSessionID checks the identifier is non-empty and bounded.
func ValidateSessionID(id string) error {
	if id == "" {
		return ErrInvalidSession
	}
	if len(id) > MaxSessionIDLength {
		return ErrInvalidSession
	}
	return nil
}
