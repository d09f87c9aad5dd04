package signaling

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"webrtc-signal-relay/pkg/logger"
	"webrtc-signal-relay/pkg/webrtc/protocol"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	RolePolicy RolePolicy
	Metrics    *Metrics
	Logger     *logger.Logger
}

// Service implements publish, fetch and role assignment over a Store.
type Service struct {
	store   Store
	policy  RolePolicy
	metrics *Metrics
	log     *logger.Logger
}

// Assignment is the result of AssignRole. Messages holds whatever the probe
// drained from the initiator queue; it is always empty under the claim policy.
type Assignment struct {
	Role     Role
	Policy   RolePolicy
	Messages []protocol.Message
}

func NewService(store Store, opts ServiceOptions) *Service {
	policy := opts.RolePolicy
	if policy == "" {
		policy = RolePolicyProbe
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:   store,
		policy:  policy,
		metrics: opts.Metrics,
		log:     log,
	}
}

func (s *Service) Store() Store { return s.store }

func (s *Service) RolePolicy() RolePolicy { return s.policy }

// Publish parses payload and appends it to the queue of sender's counterpart.
// Nothing is written when the payload is malformed.
func (s *Service) Publish(ctx context.Context, session string, sender Role, payload []byte) (protocol.Message, error) {
	if err := ValidateSessionID(session); err != nil {
		s.metrics.Rejected(RejectSession)
		return protocol.Message{}, err
	}
	msg, err := protocol.ParseMessage(payload)
	if err != nil {
		s.metrics.Rejected(RejectMalformed)
		return protocol.Message{}, err
	}
	if err := s.PublishMessage(ctx, session, sender, msg); err != nil {
		return protocol.Message{}, err
	}
	return msg, nil
}

// PublishMessage appends an already parsed message.
func (s *Service) PublishMessage(ctx context.Context, session string, sender Role, msg protocol.Message) error {
	if err := msg.Validate(); err != nil {
		s.metrics.Rejected(RejectMalformed)
		return err
	}
	target := sender.Opposite()
	if err := s.store.Append(ctx, session, target, msg); err != nil {
		s.rejectStoreErr(err)
		return fmt.Errorf("append to %s/%s: %w", session, target, err)
	}
	s.metrics.Published(string(msg.Kind()))
	s.log.Debug().Str("session", session).Str("from", sender.String()).Str("to", target.String()).
		Str("kind", string(msg.Kind())).Msg("signal queued")
	return nil
}

// Fetch drains the receiver's own queue. It never blocks; an empty result
// means nothing new yet.
func (s *Service) Fetch(ctx context.Context, session string, receiver Role) ([]protocol.Message, error) {
	msgs, err := s.store.Drain(ctx, session, receiver)
	if err != nil {
		s.rejectStoreErr(err)
		return nil, fmt.Errorf("drain %s/%s: %w", session, receiver, err)
	}
	s.metrics.Delivered(len(msgs))
	return msgs, nil
}

// Wait is a long-poll over Fetch: it returns as soon as the receiver's queue
// has messages, or an empty result once timeout elapses. A non-positive
// timeout behaves like Fetch.
func (s *Service) Wait(ctx context.Context, session string, receiver Role, timeout time.Duration) ([]protocol.Message, error) {
	if timeout <= 0 {
		return s.Fetch(ctx, session, receiver)
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		ready, stop, err := s.store.Watch(waitCtx, session, receiver)
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return []protocol.Message{}, nil
			}
			s.rejectStoreErr(err)
			return nil, fmt.Errorf("watch %s/%s: %w", session, receiver, err)
		}
		msgs, err := s.Fetch(ctx, session, receiver)
		if err != nil || len(msgs) > 0 {
			stop()
			return msgs, err
		}
		select {
		case <-ready:
			stop()
		case <-waitCtx.Done():
			stop()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return []protocol.Message{}, nil
		}
	}
}

// AssignRole decides the role of a newly arriving participant using the
// configured policy.
//
// Under the probe policy the emptiness check is the first drain of the
// initiator queue. Two participants probing before anything was published
// both get Initiator.
func (s *Service) AssignRole(ctx context.Context, session string) (Assignment, error) {
	if err := ValidateSessionID(session); err != nil {
		s.metrics.Rejected(RejectSession)
		return Assignment{}, err
	}

	var a Assignment
	switch s.policy {
	case RolePolicyClaim:
		role, err := s.store.Claim(ctx, session)
		if err != nil {
			s.rejectStoreErr(err)
			return Assignment{}, fmt.Errorf("claim %s: %w", session, err)
		}
		a = Assignment{Role: role, Policy: RolePolicyClaim, Messages: []protocol.Message{}}
	default:
		msgs, err := s.Fetch(ctx, session, Initiator)
		if err != nil {
			return Assignment{}, err
		}
		role := Initiator
		if len(msgs) > 0 {
			role = Responder
		}
		a = Assignment{Role: role, Policy: RolePolicyProbe, Messages: msgs}
	}

	s.metrics.Assigned(a.Role, a.Policy)
	s.log.Info().Str("session", session).Str("role", a.Role.String()).Str("policy", string(a.Policy)).
		Msg("role assigned")
	return a, nil
}

// CreateSession generates a fresh session id and registers it.
func (s *Service) CreateSession(ctx context.Context) (string, error) {
	id := NewSessionID()
	// Draining the empty responder queue creates the session without
	// touching the initiator queue or the claim.
	if _, err := s.store.Drain(ctx, id, Responder); err != nil {
		s.rejectStoreErr(err)
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *Service) rejectStoreErr(err error) {
	switch {
	case errors.Is(err, ErrInvalidSession):
		s.metrics.Rejected(RejectSession)
	case errors.Is(err, ErrTooManySessions):
		s.metrics.Rejected(RejectCapacity)
	default:
		s.metrics.Rejected(RejectStore)
	}
}

// NewSessionID produces a short, URL-safe session name.
func NewSessionID() string {
	// 6 bytes -> 8 chars when raw URL base64 encoded without padding.
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return strings.TrimRight(base64.RawURLEncoding.EncodeToString(b), "=")
}
