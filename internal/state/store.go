package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

// ErrExists is returned by Create when the account already has an entry.
var ErrExists = errors.New("entry already exists")

// Store caches every entry in memory and writes through to the backend.
// Writers to the same account are serialized; readers never block on I/O.
type Store struct {
	backend Backend
	codec   *Codec
	clock   clockwork.Clock
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	locks   map[string]*sync.Mutex
}

// NewStore creates a store over backend.
func NewStore(backend Backend, codec *Codec, clock clockwork.Clock, logger *slog.Logger) *Store {
	if codec == nil {
		codec, _ = NewCodec(false, "")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		codec:   codec,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*Entry),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Load reads every account entry from the backend into the cache.
func (s *Store) Load(ctx context.Context) error {
	keys, err := s.backend.List(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}
	loaded := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		id, ok := idFromKey(key)
		if !ok || id == "" {
			continue
		}
		data, err := s.backend.Read(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		var e Entry
		if err := s.codec.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		loaded[id] = &e
	}

	s.mu.Lock()
	s.entries = loaded
	s.mu.Unlock()
	s.logger.Info("Loaded sync state", "accounts", len(loaded))
	return nil
}

// IDs returns the ids of all known accounts, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// View calls fn with the current entry. fn must not modify or retain it.
func (s *Store) View(id string, fn func(*Entry) error) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return fn(e)
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Update applies fn to a copy of the entry, persists the copy and only then
// makes it visible. If fn or the write fails, the entry is unchanged.
func (s *Store) Update(ctx context.Context, id string, fn func(*Entry) error) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	cur, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	return s.persist(ctx, id, next)
}

// Create stores a new entry.
func (s *Store) Create(ctx context.Context, e *Entry) error {
	id := e.Account.ID
	if id == "" {
		return errors.New("account id is required")
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	_, exists := s.entries[id]
	s.mu.RUnlock()
	if exists {
		return fmt.Errorf("account %s: %w", id, ErrExists)
	}
	return s.persist(ctx, id, e.Clone())
}

func (s *Store) persist(ctx context.Context, id string, e *Entry) error {
	e.LastUpdatedAt = s.clock.Now().UTC()
	data, err := s.codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	if err := s.backend.Write(ctx, Key(id), data); err != nil {
		return fmt.Errorf("failed to persist account %s: %w", id, err)
	}
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
	return nil
}

// Delete removes the account entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := s.backend.Delete(ctx, Key(id)); err != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Close releases the backend.
func (s *Store) Close() error { return s.backend.Close() }
