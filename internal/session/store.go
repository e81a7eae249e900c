package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown or expired session ids. The HTTP
// edge maps it to 404.
var ErrNotFound = errors.New("session: not found")

const (
	// DefaultTTL is the session eviction window.
	DefaultTTL = 24 * time.Hour

	// sweepInterval is how often the sweeper walks the map.
	sweepInterval = 5 * time.Minute
)

// JobCanceller lets the sweeper and Delete cancel a session's in-flight
// job. Satisfied by the job registry.
type JobCanceller interface {
	Cancel(jobID, reason string)
}

// entry pairs a session with its mutex. The mutex is a 1-slot channel so
// acquisition can respect context cancellation.
type entry struct {
	lock    chan struct{}
	session *Session
	expiry  time.Time
}

// Store is the in-memory session map plus the per-session scratch area on
// disk under root/sessions/{uid}/{session_id}.
type Store struct {
	root   string
	ttl    time.Duration
	jobs   JobCanceller
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTTL overrides the eviction window.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// WithJobCanceller wires the job registry so eviction and deletion cancel
// in-flight jobs.
func WithJobCanceller(jc JobCanceller) StoreOption {
	return func(s *Store) { s.jobs = jc }
}

// WithClock substitutes the time source. Used by expiry tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.clock = now }
}

// NewStore creates a Store rooted at dir and starts the eviction sweeper.
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{
		root:    dir,
		ttl:     DefaultTTL,
		logger:  slog.Default().With("component", "sessionstore"),
		clock:   time.Now,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.sweep()
	return s
}

// Create allocates a new session for userID and its scratch directory.
func (s *Store) Create(userID string) (*Session, error) {
	now := s.clock()
	sess := &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		CreatedAt:  now,
		LastActive: now,
	}
	if err := os.MkdirAll(s.ScratchDir(sess.UserID, sess.ID), 0o755); err != nil {
		return nil, fmt.Errorf("session: create scratch: %w", err)
	}

	s.mu.Lock()
	s.entries[sess.ID] = &entry{
		lock:    make(chan struct{}, 1),
		session: sess,
		expiry:  now.Add(s.ttl),
	}
	s.mu.Unlock()

	s.logger.Info("session created", "session_id", sess.ID, "user_id", userID)
	return sess, nil
}

// ScratchDir returns the per-session scratch path.
func (s *Store) ScratchDir(userID, sessionID string) string {
	return filepath.Join(s.root, "sessions", userID, sessionID)
}

// WithSession acquires the session mutex and passes the mutable session to
// fn. The mutex is released on all exit paths; the last-active timestamp
// and expiry advance on every acquisition.
func (s *Store) WithSession(ctx context.Context, id string, fn func(*Session) error) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.lock }()

	// Re-check: the sweeper may have evicted between lookup and acquire.
	s.mu.Lock()
	if _, ok := s.entries[id]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	now := s.clock()
	e.session.LastActive = now
	e.expiry = now.Add(s.ttl)
	s.mu.Unlock()

	return fn(e.session)
}

// Touch advances the last-active timestamp without borrowing the session.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	now := s.clock()
	e.session.LastActive = now
	e.expiry = now.Add(s.ttl)
	return nil
}

// Delete removes the session, cancels its in-flight job, and deletes its
// scratch directory. Deleting an unknown session is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.dispose(e.session)
}

// dispose cancels the session's job and removes its scratch dir. Called
// without the session mutex held; the entry is already unreachable.
func (s *Store) dispose(sess *Session) {
	if sess.ActiveJobID != "" && s.jobs != nil {
		s.jobs.Cancel(sess.ActiveJobID, "session deleted")
	}
	dir := s.ScratchDir(sess.UserID, sess.ID)
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("scratch cleanup failed", "session_id", sess.ID, "err", err)
	}
	s.logger.Info("session removed", "session_id", sess.ID)
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the sweeper. Live sessions are left in place for a clean
// process exit.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// sweep evicts expired sessions every sweepInterval.
func (s *Store) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

// evictExpired removes every entry past its expiry.
func (s *Store) evictExpired() {
	now := s.clock()

	s.mu.Lock()
	var expired []*entry
	for id, e := range s.entries {
		if now.After(e.expiry) {
			delete(s.entries, id)
			expired = append(expired, e)
		}
	}
	s.mu.Unlock()

	for _, e := range expired {
		s.dispose(e.session)
	}
	if len(expired) > 0 {
		s.logger.Info("expired sessions evicted", "count", len(expired))
	}
}
