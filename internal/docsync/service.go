// Package docsync is the server-side authoritative merge point for shared
// editable documents. It owns one in-memory replica per open document,
// funnels every client delta through the merge engine, and persists merged
// state back to the remote store on a debounce timer.
package docsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aveer-dev/collabsync/internal/clock"
	"github.com/aveer-dev/collabsync/internal/remote"
)

// Hooks are the seams where external collaborators plug in. A non-nil
// error from an authorize hook hard-rejects the operation; replica state
// is never touched on rejection. This subsystem implements no
// authorization policy of its own.
type Hooks struct {
	OnConnect      func(ctx context.Context, doc, origin string) error
	OnDisconnect   func(doc, origin string)
	AuthorizeLoad  func(ctx context.Context, doc, origin string) error
	AuthorizeStore func(ctx context.Context, doc string) error
}

// Service manages document sessions. Deltas for one document are applied
// strictly one at a time in receipt order; documents are fully independent
// of each other.
type Service struct {
	store remote.Store
	clk   clock.Clock
	log   zerolog.Logger
	hooks Hooks
	quiet time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the scheduling clock (a fake in tests).
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clk = c } }

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithHooks installs lifecycle and authorization hooks.
func WithHooks(h Hooks) Option { return func(s *Service) { s.hooks = h } }

// WithDebounce overrides the persist quiet period (default 2s).
func WithDebounce(d time.Duration) Option { return func(s *Service) { s.quiet = d } }

// NewService constructs a Service over the given remote store.
func NewService(store remote.Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		clk:      clock.New(),
		log:      zerolog.Nop(),
		quiet:    2 * time.Second,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect attaches a client to the named document, loading it from the
// remote store on first connection. The returned Conn delivers broadcasts
// from other clients and accepts this client's deltas. ctx only bounds
// connection setup.
func (s *Service) Connect(ctx context.Context, doc, origin string) (*Conn, error) {
	if s.hooks.OnConnect != nil {
		if err := s.hooks.OnConnect(ctx, doc, origin); err != nil {
			return nil, err
		}
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrServiceClosed
		}
		sess, ok := s.sessions[doc]
		if !ok {
			if s.hooks.AuthorizeLoad != nil {
				if err := s.hooks.AuthorizeLoad(ctx, doc, origin); err != nil {
					s.mu.Unlock()
					return nil, err
				}
			}
			sess = newSession(s, doc)
			s.sessions[doc] = sess
			openSessions.Inc()
		}
		s.mu.Unlock()

		conn, err := sess.attach(ctx, origin)
		if err == nil {
			return conn, nil
		}
		// The session's last client left between lookup and attach; it is
		// closing and will leave the map. Try again with a fresh session.
		if !errors.Is(err, errSessionClosed) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Close persists every dirty replica and shuts all sessions down.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown()
	}
}

// dropSession removes a session whose last client disconnected.
func (s *Service) dropSession(doc string) {
	s.mu.Lock()
	if _, ok := s.sessions[doc]; ok {
		delete(s.sessions, doc)
		openSessions.Dec()
	}
	s.mu.Unlock()
}
