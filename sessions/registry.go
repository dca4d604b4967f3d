package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/pkgd/protocol"
)

const (
	DefaultDisconnectWait = 15 * time.Minute
	DefaultHeartbeat      = 650 * time.Millisecond
	DefaultSettle         = 50 * time.Millisecond
)

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithDisconnectWait sets how long a disconnected session waits for its
// client to come back before ending.
func WithDisconnectWait(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.disconnectWait = d
		}
	}
}

// WithHeartbeat sets the keep-alive interval for half-duplex sessions.
func WithHeartbeat(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeat = d
		}
	}
}

// WithSettle sets the delay between an asynchronous operation finishing and
// its task-complete.
func WithSettle(d time.Duration) Option {
	return func(r *Registry) {
		if d >= 0 {
			r.settle = d
		}
	}
}

// Registry holds the live sessions of one engine.
type Registry struct {
	ctx        context.Context
	dispatcher Dispatcher
	log        *slog.Logger

	disconnectWait time.Duration
	heartbeat      time.Duration
	settle         time.Duration

	mu       sync.Mutex
	sessions map[Key]*Session
	changed  chan struct{}

	wg sync.WaitGroup
}

// NewRegistry returns an empty Registry. Sessions end when ctx is done.
func NewRegistry(ctx context.Context, d Dispatcher, opts ...Option) *Registry {
	r := &Registry{
		ctx:            ctx,
		dispatcher:     d,
		log:            slog.Default(),
		disconnectWait: DefaultDisconnectWait,
		heartbeat:      DefaultHeartbeat,
		settle:         DefaultSettle,
		sessions:       make(map[Key]*Session),
		changed:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach binds channels to the session named by id. A live session with a
// matching identity tuple is reconnected and reused. A session that shares
// only the key is ended and replaced. out may be nil for duplex channels.
func (r *Registry) Attach(id Identity, in, out Conn) (s *Session, reconnected bool) {
	r.mu.Lock()
	existing := r.sessions[id.Key]
	if existing != nil && existing.id.Matches(id) && existing.attach(in, out) {
		r.mu.Unlock()
		return existing, true
	}
	if existing != nil {
		delete(r.sessions, id.Key)
	}
	s = newSession(r, id, in, out)
	r.sessions[id.Key] = s
	r.mu.Unlock()

	if existing != nil {
		r.log.Info("session.replace", slog.String("session_id", id.SessionID), slog.String("client_id", id.ClientID))
		existing.End()
	}
	s.start()
	r.log.InfoContext(s.ctx, "session.start")
	return s, false
}

// Get returns the live session for key.
func (r *Registry) Get(key Key) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Sessions returns a snapshot of live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast emits ev to every live session.
func (r *Registry) Broadcast(ev protocol.Event) {
	for _, s := range r.Sessions() {
		s.Emit(ev)
	}
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id.Key] == s {
		delete(r.sessions, s.id.Key)
	}
	close(r.changed)
	r.changed = make(chan struct{})
}

// WaitIdle blocks until no sessions remain or ctx is done.
func (r *Registry) WaitIdle(ctx context.Context) error {
	for {
		r.mu.Lock()
		n, ch := len(r.sessions), r.changed
		r.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// EndAll ends every live session and waits for their goroutines.
func (r *Registry) EndAll() {
	for _, s := range r.Sessions() {
		s.End()
	}
	r.wg.Wait()
}
