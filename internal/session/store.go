// Package session owns the set of persisted chat sessions and the active
// selection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/llmchat/internal/domain"
	"github.com/ashureev/llmchat/internal/store"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// Keys under which the store persists its state.
const (
	ChatsKey  = "chats"
	ActiveKey = "currentChatId"
)

// ErrNotFound is wrapped by every error for an unknown session id.
var ErrNotFound = fmt.Errorf("session %w", errdefs.ErrNotFound)

// Store manages chat sessions backed by a key-value store.
type Store struct {
	mu       sync.Mutex
	kv       store.KV
	sessions map[string]*domain.ChatSession
	activeID string

	greeting string
	strict   bool
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithGreeting overrides the assistant greeting that seeds new sessions.
// An empty greeting keeps the default.
func WithGreeting(greeting string) Option {
	return func(s *Store) {
		if greeting != "" {
			s.greeting = greeting
		}
	}
}

// WithStrict makes lookups of unknown ids panic. Meant for development builds
// where passing a stale id is a programming error.
func WithStrict(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open loads persisted sessions from kv. The store always holds at least one
// session: when nothing usable is persisted a new one is created and saved.
func Open(ctx context.Context, kv store.KV, opts ...Option) (*Store, error) {
	s := &Store{
		kv:       kv,
		sessions: make(map[string]*domain.ChatSession),
		greeting: domain.DefaultGreeting,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	if len(s.sessions) == 0 {
		if _, err := s.createLocked(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	s.restoreActive(ctx)
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	raw, err := s.kv.Get(ctx, ChatsKey)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	var sessions map[string]*domain.ChatSession
	if err := json.Unmarshal(raw, &sessions); err != nil {
		s.logger.Warn("discarding unreadable persisted sessions", "error", err)
		return nil
	}
	for id, cs := range sessions {
		if cs == nil {
			continue
		}
		if cs.ID != id {
			if cs.ID != "" {
				s.logger.Warn("persisted session id does not match its key, using the key",
					"session_id", id, "stored_id", cs.ID)
			}
			cs.ID = id
		}
		if len(cs.Messages) == 0 {
			cs.Messages = []domain.Message{domain.NewAssistantMessage(s.greeting)}
		}
		s.sessions[id] = cs
	}
	return nil
}

// restoreActive reads the last-active pointer, falling back to the most
// recently updated session when it is missing or stale.
func (s *Store) restoreActive(ctx context.Context) {
	raw, err := s.kv.Get(ctx, ActiveKey)
	if err != nil && !store.IsNotFound(err) {
		s.logger.Warn("failed to read active session pointer", "error", err)
	}
	id := strings.TrimSpace(string(raw))
	if _, ok := s.sessions[id]; ok {
		s.activeID = id
		return
	}
	s.activeID = s.mostRecentLocked()
	if id != "" {
		s.logger.Info("active session pointer is stale, using most recent", "stale_id", id, "session_id", s.activeID)
	}
}

// Create adds a new session, makes it active and persists it immediately.
func (s *Store) Create(ctx context.Context) (domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx)
}

func (s *Store) createLocked(ctx context.Context) (domain.ChatSession, error) {
	cs := domain.NewChatSession(s.newID(), s.greeting, s.now())
	prevActive := s.activeID
	s.sessions[cs.ID] = cs
	s.activeID = cs.ID
	if err := s.persistLocked(ctx); err != nil {
		delete(s.sessions, cs.ID)
		s.activeID = prevActive
		return domain.ChatSession{}, err
	}
	s.logger.Debug("session created", "session_id", cs.ID)
	return cs.Clone(), nil
}

// Load makes id the active session and returns a copy of it.
func (s *Store) Load(ctx context.Context, id string) (domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, err := s.lookupLocked(id)
	if err != nil {
		return domain.ChatSession{}, err
	}
	if s.activeID != id {
		s.activeID = id
		if err := s.persistActiveLocked(ctx); err != nil {
			return domain.ChatSession{}, err
		}
	}
	return cs.Clone(), nil
}

// Get returns a copy of session id without changing the active selection.
func (s *Store) Get(id string) (domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, err := s.lookupLocked(id)
	if err != nil {
		return domain.ChatSession{}, err
	}
	return cs.Clone(), nil
}

// Append adds msg to session id and persists the result.
func (s *Store) Append(ctx context.Context, id string, msg domain.Message) (domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, err := s.lookupLocked(id)
	if err != nil {
		return domain.ChatSession{}, err
	}

	next := cs.Clone()
	next.Append(msg, s.now())
	s.sessions[id] = &next
	if err := s.persistLocked(ctx); err != nil {
		s.sessions[id] = cs
		return domain.ChatSession{}, err
	}
	return next.Clone(), nil
}

// Delete removes session id. If it was active, the most recent remaining
// session becomes active, or a new session is created when none remain.
// Nothing changes when the result cannot be persisted.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	prevActive := s.activeID
	delete(s.sessions, id)

	if len(s.sessions) == 0 {
		if _, err := s.createLocked(ctx); err != nil {
			s.sessions[id] = cs
			s.activeID = prevActive
			return err
		}
		return nil
	}
	if s.activeID == id {
		s.activeID = s.mostRecentLocked()
	}
	if err := s.persistLocked(ctx); err != nil {
		s.sessions[id] = cs
		s.activeID = prevActive
		return err
	}
	return nil
}

// ListByRecency returns copies of all sessions, most recently updated first.
// Ties are broken by id, which encodes creation time.
func (s *Store) ListByRecency() []domain.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ChatSession, 0, len(s.sessions))
	for _, cs := range s.sessions {
		out = append(out, cs.Clone())
	}
	slices.SortFunc(out, compareRecency)
	return out
}

// Active returns a copy of the active session.
func (s *Store) Active() domain.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[s.activeID].Clone()
}

// ActiveID returns the id of the active session.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Persist writes the current state to the key-value store.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(s.sessions)
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	if err := s.kv.Set(ctx, ChatsKey, raw); err != nil {
		return fmt.Errorf("persist sessions: %w", err)
	}
	return s.persistActiveLocked(ctx)
}

func (s *Store) persistActiveLocked(ctx context.Context) error {
	if err := s.kv.Set(ctx, ActiveKey, []byte(s.activeID)); err != nil {
		return fmt.Errorf("persist active session: %w", err)
	}
	return nil
}

func (s *Store) lookupLocked(id string) (*domain.ChatSession, error) {
	cs, ok := s.sessions[id]
	if ok {
		return cs, nil
	}
	err := fmt.Errorf("%w: %q", ErrNotFound, id)
	s.logger.Error("unknown session id", "session_id", id)
	if s.strict {
		panic(err)
	}
	return nil, err
}

func (s *Store) mostRecentLocked() string {
	var best *domain.ChatSession
	for _, cs := range s.sessions {
		if best == nil || compareRecency(*cs, *best) < 0 {
			best = cs
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

// compareRecency orders by LastUpdated descending, then id descending.
func compareRecency(a, b domain.ChatSession) int {
	if c := b.LastUpdated.Compare(a.LastUpdated); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

// IsNotFound reports whether err is caused by an unknown session id.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
