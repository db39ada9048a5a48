package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecomassist/chat/internal/log"
)

// Store is an in-memory session store with TTL-based expiry.
//
// A session expires when no write has touched it for the configured TTL.
// Expired sessions are treated exactly like sessions that never existed:
// reads fail with ErrSessionNotFound and CreateOrGet starts a fresh session
// under the same ID. Eviction is lazy (checked on access) plus periodic via
// the sweeper; expiry never depends on the sweeper having run.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	locks    map[string]chan struct{}
	closed   bool
	dirty    bool

	ttl    time.Duration
	now    func() time.Time
	path   string
	logger log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the sweeper and persistence.
func WithLogger(logger log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSnapshotPath enables JSON snapshot persistence at the given path.
// An existing snapshot is loaded on construction; sessions that expired
// while the service was down are dropped during load.
func WithSnapshotPath(path string) Option {
	return func(s *Store) { s.path = path }
}

// NewStore creates a session store whose sessions expire after ttl of
// inactivity.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		locks:    make(map[string]chan struct{}),
		ttl:      ttl,
		now:      time.Now,
		logger:   log.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.path != "" {
		if err := s.load(); err != nil {
			s.logger.Warn("session snapshot load failed, starting empty",
				"path", s.path, "error", err)
		}
	}
	return s
}

// expired reports whether the session has outlived the TTL.
// Caller must hold at least the read lock.
func (s *Store) expired(sess *Session) bool {
	return s.now().Sub(sess.LastActive) > s.ttl
}

// CreateOrGet returns the session for id, creating it if it does not exist
// or has expired. An empty id gets a freshly generated UUID. The returned
// bool reports whether a new session was created.
func (s *Store) CreateOrGet(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}

	if id != "" {
		if sess, ok := s.sessions[id]; ok && !s.expired(sess) {
			sess.LastActive = s.now()
			s.dirty = true
			return sess.clone(), false
		}
	}

	if id == "" {
		id = uuid.NewString()
	}

	now := s.now()
	sess := &Session{
		ID:         id,
		CreatedAt:  now,
		LastActive: now,
	}
	s.sessions[id] = sess
	s.dirty = true
	return sess.clone(), true
}

// Get returns a snapshot of the session, or ErrSessionNotFound if it does
// not exist or has expired. Get does not refresh the TTL.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok || s.expired(sess) {
		return nil, ErrSessionNotFound
	}
	return sess.clone(), nil
}

// AppendTurn appends a completed turn to the session history and refreshes
// the TTL. The turn's At field is stamped if zero.
func (s *Store) AppendTurn(id string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	sess, ok := s.sessions[id]
	if !ok || s.expired(sess) {
		return ErrSessionNotFound
	}

	if turn.At.IsZero() {
		turn.At = s.now()
	}
	sess.Turns = append(sess.Turns, turn)
	sess.LastActive = s.now()
	s.dirty = true
	return nil
}

// History returns a copy of the session's turns in append order. A positive
// maxTurns keeps only the most recent turns; zero or negative returns the
// full history. Reading history does not refresh the TTL.
func (s *Store) History(id string, maxTurns int) ([]Turn, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	turns := sess.Turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns, nil
}

// ClearHistory removes all turns from the session but keeps the session
// itself alive with its identity and metadata.
func (s *Store) ClearHistory(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || s.expired(sess) {
		return ErrSessionNotFound
	}
	sess.Turns = nil
	sess.LastActive = s.now()
	s.dirty = true
	return nil
}

// SetMetadata attaches a key/value pair to the session.
func (s *Store) SetMetadata(id, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || s.expired(sess) {
		return ErrSessionNotFound
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]string)
	}
	sess.Metadata[key] = value
	s.dirty = true
	return nil
}

// Delete removes the session. Returns true if a live session was removed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	live := ok && !s.expired(sess)
	if ok {
		delete(s.sessions, id)
		delete(s.locks, id)
		s.dirty = true
	}
	return live
}

// ActiveCount returns the number of non-expired sessions.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sess := range s.sessions {
		if !s.expired(sess) {
			count++
		}
	}
	return count
}

// EvictExpired removes all expired sessions and returns how many were
// evicted.
func (s *Store) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, id)
			delete(s.locks, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.dirty = true
	}
	return evicted
}

// StartSweeper runs periodic eviction (and snapshot flushing, when
// persistence is enabled) until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictExpired(); n > 0 {
				s.logger.Debug("evicted expired sessions", "count", n)
			}
			if err := s.Flush(); err != nil {
				s.logger.Warn("session snapshot flush failed", "error", err)
			}
		}
	}
}

// Acquire takes the session's turn lock, blocking until the lock is free or
// ctx is done. Requests for the same session run one at a time so that
// concurrent turns cannot interleave history writes.
func (s *Store) Acquire(ctx context.Context, id string) error {
	s.mu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[id] = lock
	}
	s.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the session's turn lock. Must follow a successful Acquire.
func (s *Store) Release(id string) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()

	if ok {
		select {
		case <-lock:
		default:
		}
	}
}

// Close flushes the snapshot (when enabled) and rejects further writes.
func (s *Store) Close() error {
	err := s.Flush()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return err
}
