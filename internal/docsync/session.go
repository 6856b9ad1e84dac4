package docsync

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/aveer-dev/collabsync/internal/clock"
	"github.com/aveer-dev/collabsync/internal/crdt"
	"github.com/aveer-dev/collabsync/internal/remote"
)

// Public errors.
var (
	// ErrServiceClosed is returned by Connect after Close.
	ErrServiceClosed = errors.New("docsync: service closed")
	// ErrBackPressure is returned when a session's job queue is full.
	ErrBackPressure = errors.New("docsync: back-pressure (queue full)")

	errSessionClosed = errors.New("docsync: session closed")
)

const (
	jobQueueSize   = 256
	updateBufSize  = 64
	remoteDeadline = 10 * time.Second
)

// Update is a delta broadcast to the other clients of a document.
type Update struct {
	Delta  []byte
	Origin string
}

// Conn is one client's attachment to a document session.
type Conn struct {
	sess    *session
	origin  string
	updates chan Update
	once    sync.Once
}

// Origin returns the client identifier supplied at Connect.
func (c *Conn) Origin() string { return c.origin }

// Updates delivers deltas applied by other clients. The channel is closed
// when the connection or the session closes.
func (c *Conn) Updates() <-chan Update { return c.updates }

// State returns an encoded snapshot of the current replica. The snapshot
// is taken on the session worker, so it is never a partially-applied view.
func (c *Conn) State(ctx context.Context) ([]byte, error) {
	res, err := c.sess.submitAndWait(ctx, job{kind: jobSnapshot})
	if err != nil {
		return nil, err
	}
	return res.state, nil
}

// Apply merges a delta from this client into the document. A malformed
// delta fails here and is reported to no other client.
func (c *Conn) Apply(ctx context.Context, delta []byte) error {
	_, err := c.sess.submitAndWait(ctx, job{kind: jobApply, delta: delta, from: c})
	return err
}

// Close detaches the client. When the last client leaves, any pending
// persist is forced before the session closes.
func (c *Conn) Close() {
	c.once.Do(func() { c.sess.detach(c) })
}

type jobKind int

const (
	jobApply jobKind = iota
	jobSnapshot
)

type job struct {
	kind  jobKind
	delta []byte
	from  *Conn
	reply chan jobResult
}

type jobResult struct {
	state []byte
	err   error
}

// session serializes all replica access for one document on a single
// worker goroutine: delta application, snapshots, and debounced persists
// can never interleave.
type session struct {
	svc  *Service
	name string

	jobs chan job
	quit chan struct{}
	done chan struct{}

	// Worker-owned; never touched outside the worker goroutine.
	doc   *crdt.Doc
	dirty bool
	timer clock.Timer

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	stopped bool
}

func newSession(svc *Service, name string) *session {
	s := &session{
		svc:   svc,
		name:  name,
		jobs:  make(chan job, jobQueueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		conns: make(map[*Conn]struct{}),
	}
	go s.run()
	return s
}

func (s *session) attach(ctx context.Context, origin string) (*Conn, error) {
	c := &Conn{sess: s, origin: origin, updates: make(chan Update, updateBufSize)}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, errSessionClosed
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.svc.log.Debug().Str("doc", s.name).Str("origin", origin).Msg("client connected")
	return c, nil
}

func (s *session) detach(c *Conn) {
	s.mu.Lock()
	if _, ok := s.conns[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c)
	close(c.updates)
	last := len(s.conns) == 0 && !s.stopped
	s.mu.Unlock()

	if s.svc.hooks.OnDisconnect != nil {
		s.svc.hooks.OnDisconnect(s.name, c.origin)
	}
	if last {
		s.shutdown()
		s.svc.dropSession(s.name)
	}
}

// shutdown stops the worker after it has drained pending deltas and forced
// any pending persist. Safe to call more than once.
func (s *session) shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.quit)
	<-s.done
}

func (s *session) submitAndWait(ctx context.Context, j job) (jobResult, error) {
	j.reply = make(chan jobResult, 1)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return jobResult{}, errSessionClosed
	}
	select {
	case s.jobs <- j:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return jobResult{}, ErrBackPressure
	}

	select {
	case res := <-j.reply:
		return res, res.err
	case <-ctx.Done():
		return jobResult{}, ctx.Err()
	case <-s.done:
		return jobResult{}, errSessionClosed
	}
}

// run is the session worker: LOADING, then the ACTIVE loop, then a final
// persist on the way to CLOSED.
func (s *session) run() {
	defer close(s.done)
	s.load()

	for {
		var timerC <-chan time.Time
		if s.timer != nil {
			timerC = s.timer.C()
		}
		select {
		case j := <-s.jobs:
			s.handle(j)
		case <-timerC:
			s.timer = nil
			s.persist()
		case <-s.quit:
			s.drain()
			if s.timer != nil {
				s.timer.Stop()
				s.timer = nil
			}
			s.persist()
			s.svc.log.Debug().Str("doc", s.name).Msg("session closed")
			return
		}
	}
}

// drain applies jobs already queued at shutdown, preserving receipt order.
func (s *session) drain() {
	for {
		select {
		case j := <-s.jobs:
			s.handle(j)
		default:
			return
		}
	}
}

func (s *session) handle(j job) {
	switch j.kind {
	case jobApply:
		j.reply <- jobResult{err: s.apply(j.delta, j.from)}
	case jobSnapshot:
		j.reply <- jobResult{state: s.doc.EncodeState()}
	}
}

func (s *session) apply(delta []byte, from *Conn) error {
	origin := ""
	if from != nil {
		origin = from.origin
	}
	if err := s.doc.ApplyDelta(delta, origin); err != nil {
		// The replica is untouched; only the originating client hears
		// about its bad delta.
		s.svc.log.Warn().Err(err).Str("doc", s.name).Str("origin", origin).Msg("rejected malformed delta")
		return err
	}
	deltasApplied.Inc()
	s.dirty = true
	if s.timer == nil {
		s.timer = s.svc.clk.NewTimer(s.svc.quiet)
	} else {
		s.timer.Reset(s.svc.quiet)
	}
	s.broadcast(Update{Delta: delta, Origin: origin}, from)
	return nil
}

func (s *session) broadcast(u Update, from *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c == from {
			continue
		}
		select {
		case c.updates <- u:
		default:
			s.svc.log.Warn().Str("doc", s.name).Str("origin", c.origin).Msg("dropping update for slow client")
		}
	}
}

// load brings the replica up from the remote store. Any failure falls back
// to the empty state so the document is always available.
func (s *session) load() {
	ctx, cancel := context.WithTimeout(context.Background(), remoteDeadline)
	defer cancel()

	rec, err := s.svc.store.Get(ctx, remote.TableDocuments, s.name)
	switch {
	case err != nil:
		s.svc.log.Warn().Err(err).Str("doc", s.name).Msg("load failed, starting from empty state")
		s.doc = crdt.New()
	case rec == nil:
		s.doc = crdt.New()
	default:
		s.doc = decodeStored(rec)
		if s.doc == nil {
			s.svc.log.Warn().Str("doc", s.name).Msg("stored state undecodable, starting from empty state")
			s.doc = crdt.New()
		}
	}
	s.svc.log.Info().Str("doc", s.name).Int("chars", s.doc.Len()).Msg("document loaded")
}

// persist writes the merged state back, keyed by document name. On failure
// the in-memory replica is untouched and the debounce timer is rearmed so
// the same state is carried forward to the next attempt.
func (s *session) persist() {
	if !s.dirty {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), remoteDeadline)
	defer cancel()

	if s.svc.hooks.AuthorizeStore != nil {
		if err := s.svc.hooks.AuthorizeStore(ctx, s.name); err != nil {
			s.svc.log.Error().Err(err).Str("doc", s.name).Msg("store rejected by authorization hook")
			return
		}
	}

	rec := remote.Record{
		"id":         s.name,
		"content":    base64.StdEncoding.EncodeToString(s.doc.EncodeState()),
		"updated_at": s.svc.clk.Now().UTC(),
	}
	if _, err := s.svc.store.Upsert(ctx, remote.TableDocuments, rec, "id"); err != nil {
		persistFailures.Inc()
		s.svc.log.Error().Err(err).Str("doc", s.name).Msg("persist failed, will retry next cycle")
		s.timer = s.svc.clk.NewTimer(s.svc.quiet)
		return
	}
	persists.Inc()
	s.dirty = false
}

func decodeStored(rec remote.Record) *crdt.Doc {
	content, ok := rec["content"].(string)
	if !ok {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil
	}
	doc, err := crdt.DecodeState(raw)
	if err != nil {
		return nil
	}
	return doc
}
