package signaling

import (
	"context"

	"webrtc-signal-relay/pkg/webrtc/protocol"
)

// Store abstracts the per-session queue pair so callers can swap storage
// backends. Sessions referenced for the first time are created empty.
type Store interface {
	// Append adds msg to the queue of role in session.
	Append(ctx context.Context, session string, role Role, msg protocol.Message) error
	// Drain atomically returns and clears the queue of role in session.
	Drain(ctx context.Context, session string, role Role) ([]protocol.Message, error)
	// Claim hands out Initiator to the first caller of a session and
	// Responder to every later caller.
	Claim(ctx context.Context, session string) (Role, error)
	// Watch returns a channel that is closed once something is appended to
	// the queue after Watch returned. stop releases the watch.
	Watch(ctx context.Context, session string, role Role) (ready <-chan struct{}, stop func(), err error)
	// Reset drops every session.
	Reset(ctx context.Context) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}
