// Package memory is the in-process storage backend. State is lost on
// restart, which is acceptable for rate windows in a single replica.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/goodtune/kfetch/internal/storage"
)

// Store implements storage.Store in memory.
type Store struct {
	windows *windowStore
	history *historyStore
}

// New creates an empty store. historyLimit caps the records kept per user
// (0 keeps everything).
func New(historyLimit int) *Store {
	return &Store{
		windows: &windowStore{},
		history: &historyStore{limit: historyLimit, records: make(map[string][]storage.Record), stats: make(map[string]*storage.UserStats)},
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Windows returns the WindowStore implementation
func (s *Store) Windows() storage.WindowStore { return s.windows }

// History returns the HistoryStore implementation
func (s *Store) History() storage.HistoryStore { return s.history }

// windowStore keeps one entry per user, each with its own lock so that
// admission for one user never waits on another.
type windowStore struct {
	entries sync.Map // string -> *windowEntry
}

type windowEntry struct {
	mu     sync.Mutex
	window int64
	count  int
	dead   bool
}

// lock returns the live entry for user with its mutex held.
func (s *windowStore) lock(user string) *windowEntry {
	for {
		v, ok := s.entries.Load(user)
		if !ok {
			v, _ = s.entries.LoadOrStore(user, &windowEntry{})
		}
		e := v.(*windowEntry)
		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

func (s *windowStore) Admit(_ context.Context, user string, window int64, limit int) (bool, int, error) {
	e := s.lock(user)
	defer e.mu.Unlock()

	if e.count == 0 || window > e.window {
		e.window = window
		e.count = 1
		return true, 1, nil
	}
	if e.count >= limit {
		return false, e.count, nil
	}
	e.count++
	return true, e.count, nil
}

func (s *windowStore) Get(_ context.Context, user string) (*storage.RateWindow, error) {
	v, ok := s.entries.Load(user)
	if !ok {
		return nil, storage.ErrNotFound
	}
	e := v.(*windowEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || e.count == 0 {
		return nil, storage.ErrNotFound
	}
	return &storage.RateWindow{User: user, Window: e.window, Count: e.count}, nil
}

// DeleteBefore drops stale windows. Removed entries are marked dead under
// their lock so a concurrent Admit retries against a fresh entry.
func (s *windowStore) DeleteBefore(_ context.Context, window int64) (int, error) {
	removed := 0
	s.entries.Range(func(k, v any) bool {
		e := v.(*windowEntry)
		e.mu.Lock()
		if e.window < window {
			s.entries.CompareAndDelete(k, v)
			e.dead = true
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed, nil
}

type historyStore struct {
	mu      sync.RWMutex
	limit   int
	records map[string][]storage.Record
	stats   map[string]*storage.UserStats
}

func (s *historyStore) Append(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := append(s.records[rec.User], rec)
	if s.limit > 0 && len(recs) > s.limit {
		recs = recs[len(recs)-s.limit:]
	}
	s.records[rec.User] = recs

	st, ok := s.stats[rec.User]
	if !ok {
		st = &storage.UserStats{User: rec.User}
		s.stats[rec.User] = st
	}
	st.Add(rec)
	return nil
}

func (s *historyStore) UserStats(_ context.Context, user string) (*storage.UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stats[user]
	if !ok {
		return &storage.UserStats{User: user}, nil
	}
	cp := *st
	return &cp, nil
}

// Recent returns up to limit records, newest first.
func (s *historyStore) Recent(_ context.Context, user string, limit int) ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[user]
	if limit <= 0 || limit > len(recs) {
		limit = len(recs)
	}
	out := make([]storage.Record, 0, limit)
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

func (s *historyStore) GlobalStats(_ context.Context, since time.Time) (*storage.GlobalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := &storage.GlobalStats{Since: since}
	for user, st := range s.stats {
		g.AddUser(st)
		for _, rec := range s.records[user] {
			g.AddRecent(rec)
		}
	}
	return g, nil
}
