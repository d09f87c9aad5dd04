package signaling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"webrtc-signal-relay/pkg/webrtc/protocol"
)

// Session owns the two queues of one session.
type Session struct {
	id       string
	queues   [2]*SignalQueue
	claimed  atomic.Bool
	lastSeen atomic.Int64
}

func newSession(id string, now time.Time) *Session {
	s := &Session{
		id:     id,
		queues: [2]*SignalQueue{NewSignalQueue(), NewSignalQueue()},
	}
	s.touch(now)
	return s
}

func (s *Session) ID() string { return s.id }

// Queue returns the mailbox read by role.
func (s *Session) Queue(role Role) *SignalQueue { return s.queues[role] }

// Claim returns Initiator exactly once per session.
func (s *Session) Claim() Role {
	if s.claimed.CompareAndSwap(false, true) {
		return Initiator
	}
	return Responder
}

func (s *Session) touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// IdleTimeout evicts sessions not touched for this long. Zero keeps
	// sessions for the life of the process.
	IdleTimeout time.Duration
	// MaxSessions caps live sessions. Zero is unlimited.
	MaxSessions int
	// OnEvict is called outside the registry lock with the number of
	// sessions removed by a sweep.
	OnEvict func(n int)
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Registry is the in-memory Store: a map of sessions created on demand.
//
// The map lock is only held to look up, create or evict sessions; queue
// operations lock the individual queue, so unrelated sessions never contend.
type Registry struct {
	opts RegistryOptions

	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ Store = (*Registry)(nil)

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the unique Session for id, creating it if absent.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	now := r.opts.Now()

	r.mu.RLock()
	s, ok := r.sessions[id]
	if ok {
		s.touch(now)
	}
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.touch(now)
		return s, nil
	}
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		return nil, ErrTooManySessions
	}
	s = newSession(id, now)
	r.sessions[id] = s
	return s, nil
}

// Lookup returns an existing session without creating or touching it.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep removes sessions idle longer than IdleTimeout and returns how many
// were removed.
func (r *Registry) Sweep() int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	now := r.opts.Now()

	r.mu.Lock()
	n := 0
	for id, s := range r.sessions {
		if s.idleSince(now) > r.opts.IdleTimeout {
			delete(r.sessions, id)
			n++
		}
	}
	r.mu.Unlock()

	if n > 0 && r.opts.OnEvict != nil {
		r.opts.OnEvict(n)
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if r.opts.IdleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) Append(_ context.Context, session string, role Role, msg protocol.Message) error {
	s, err := r.GetOrCreate(session)
	if err != nil {
		return err
	}
	s.Queue(role).Append(msg)
	return nil
}

func (r *Registry) Drain(_ context.Context, session string, role Role) ([]protocol.Message, error) {
	s, err := r.GetOrCreate(session)
	if err != nil {
		return nil, err
	}
	return s.Queue(role).Drain(), nil
}

func (r *Registry) Claim(_ context.Context, session string) (Role, error) {
	s, err := r.GetOrCreate(session)
	if err != nil {
		return 0, err
	}
	return s.Claim(), nil
}

func (r *Registry) Watch(_ context.Context, session string, role Role) (<-chan struct{}, func(), error) {
	s, err := r.GetOrCreate(session)
	if err != nil {
		return nil, nil, err
	}
	return s.Queue(role).Ready(), func() {}, nil
}

func (r *Registry) Reset(context.Context) error {
	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	return nil
}

func (r *Registry) Ping(context.Context) error { return nil }
