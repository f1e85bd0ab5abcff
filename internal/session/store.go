// Package session tracks each user's interactive download flow.
//
// A user has at most one live session. Closing a session (explicitly or by
// inactivity expiry) returns the user to the idle state.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/kfetch/internal/clock"
	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTTL is the inactivity expiry for sessions.
const DefaultTTL = 10 * time.Minute

// Session is a snapshot of one user's flow.
type Session struct {
	ID        string       `json:"id"`
	User      media.UserID `json:"user"`
	URL       string       `json:"url"`
	Info      *media.Info  `json:"info,omitempty"`
	Choice    Choice       `json:"choice"`
	State     State        `json:"state"`
	Prev      State        `json:"prev,omitempty"`
	Err       error        `json:"-"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// slot guards one user's session. A dead slot has been removed from the
// arena and must not be used.
type slot struct {
	mu     sync.Mutex
	sess   *Session
	cancel context.CancelFunc
	dead   bool
}

// Store holds per-user sessions, each behind its own lock.
type Store struct {
	slots  sync.Map // media.UserID -> *slot
	ttl    time.Duration
	clock  clock.Clock
	logger zerolog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore creates a session store. ttl <= 0 selects DefaultTTL.
func NewStore(ttl time.Duration, clk clock.Clock, logger zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		ttl:      ttl,
		clock:    clk,
		logger:   logger.With().Str("component", "session-store").Logger(),
		stopChan: make(chan struct{}),
	}
}

// lock returns user's slot with its mutex held. With create unset it
// returns nil when the user has no slot.
func (s *Store) lock(user media.UserID, create bool) *slot {
	for {
		v, ok := s.slots.Load(user)
		if !ok {
			if !create {
				return nil
			}
			v, _ = s.slots.LoadOrStore(user, &slot{})
		}
		sl := v.(*slot)
		sl.mu.Lock()
		if !sl.dead {
			return sl
		}
		sl.mu.Unlock()
	}
}

// expired reports whether the slot's session outlived its TTL. Executing
// sessions never expire; the running flow owns them.
func (s *Store) expired(sl *slot, now time.Time) bool {
	return sl.sess != nil && sl.sess.State != Executing && now.Sub(sl.sess.UpdatedAt) > s.ttl
}

// drop clears the slot and removes it from the arena. Caller holds sl.mu.
func (s *Store) drop(user media.UserID, sl *slot) {
	if sl.cancel != nil {
		sl.cancel()
		sl.cancel = nil
	}
	if sl.sess != nil {
		metrics.SessionsActive.Dec()
	}
	sl.sess = nil
	sl.dead = true
	s.slots.CompareAndDelete(user, sl)
}

// BeginOrResume returns the user's live session unchanged with isNew
// false, or starts a new Idle session for url with isNew true. Terminal
// sessions that were not closed yet are superseded.
func (s *Store) BeginOrResume(user media.UserID, url string) (Session, bool) {
	sl := s.lock(user, true)
	defer sl.mu.Unlock()

	now := s.clock.Now()
	if s.expired(sl, now) {
		s.logger.Debug().Str("user", string(user)).Str("session", sl.sess.ID).Msg("Reclaimed expired session")
		metrics.SessionsActive.Dec()
		sl.sess = nil
	}

	if sl.sess != nil && !sl.sess.State.Terminal() {
		return *sl.sess, false
	}

	if sl.sess == nil {
		metrics.SessionsActive.Inc()
	}
	sl.cancel = nil
	sl.sess = &Session{
		ID:        uuid.NewString(),
		User:      user,
		URL:       url,
		State:     Idle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.logger.Debug().
		Str("user", string(user)).
		Str("session", sl.sess.ID).
		Str("url", url).
		Msg("Started session")

	return *sl.sess, true
}

// Advance applies ev to the user's session. It fails with ErrSessionAbsent
// when there is no live session and with ErrInvalidTransition when the
// current state has no edge for ev.
func (s *Store) Advance(user media.UserID, ev Event) (Session, error) {
	sl := s.lock(user, false)
	if sl == nil {
		return Session{}, media.NewError(media.ErrSessionAbsent, "advance", string(ev.Kind), nil)
	}
	defer sl.mu.Unlock()

	now := s.clock.Now()
	if sl.sess == nil || s.expired(sl, now) {
		s.drop(user, sl)
		return Session{}, media.NewError(media.ErrSessionAbsent, "advance", string(ev.Kind), nil)
	}

	sess := sl.sess
	next, ok := Next(sess.State, ev.Kind)
	if !ok {
		return *sess, media.NewError(media.ErrInvalidTransition, "advance",
			fmt.Sprintf("no %s edge from %s", ev.Kind, sess.State), nil)
	}

	switch ev.Kind {
	case EventSubmitURL:
		sess.Info = ev.Info
	case EventSelectAction:
		sess.Choice = ev.Choice
	case EventDispatch:
		sl.cancel = ev.Cancel
	case EventFail:
		sess.Err = ev.Err
	case EventCancel:
		if sl.cancel != nil {
			sl.cancel()
		}
	}
	if next.Terminal() {
		sl.cancel = nil
	}

	metrics.SessionTransitions.WithLabelValues(string(sess.State), string(next)).Inc()
	s.logger.Debug().
		Str("user", string(user)).
		Str("session", sess.ID).
		Str("from", string(sess.State)).
		Str("to", string(next)).
		Msg("Session transition")

	sess.Prev = sess.State
	sess.State = next
	sess.UpdatedAt = now

	return *sess, nil
}

// Get returns the user's live session.
func (s *Store) Get(user media.UserID) (Session, error) {
	sl := s.lock(user, false)
	if sl == nil {
		return Session{}, media.NewError(media.ErrSessionAbsent, "get", "", nil)
	}
	defer sl.mu.Unlock()

	if sl.sess == nil || s.expired(sl, s.clock.Now()) {
		s.drop(user, sl)
		return Session{}, media.NewError(media.ErrSessionAbsent, "get", "", nil)
	}
	return *sl.sess, nil
}

// Close ends the user's session, cancelling any running work. Closing an
// absent session does nothing.
func (s *Store) Close(user media.UserID) {
	sl := s.lock(user, false)
	if sl == nil {
		return
	}
	defer sl.mu.Unlock()

	if sl.sess != nil {
		s.logger.Debug().
			Str("user", string(user)).
			Str("session", sl.sess.ID).
			Str("state", string(sl.sess.State)).
			Msg("Closed session")
	}
	s.drop(user, sl)
}

// CloseIf closes the user's session only if it is still the session with
// id. A flow finishing late must not close a newer session.
func (s *Store) CloseIf(user media.UserID, id string) bool {
	sl := s.lock(user, false)
	if sl == nil {
		return false
	}
	defer sl.mu.Unlock()

	if sl.sess == nil || sl.sess.ID != id {
		return false
	}
	s.drop(user, sl)
	return true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	n := 0
	s.slots.Range(func(_, v any) bool {
		sl := v.(*slot)
		sl.mu.Lock()
		if sl.sess != nil {
			n++
		}
		sl.mu.Unlock()
		return true
	})
	return n
}

// Sweep reclaims expired sessions and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	removed := 0
	s.slots.Range(func(k, v any) bool {
		sl := v.(*slot)
		sl.mu.Lock()
		if !sl.dead && (sl.sess == nil || s.expired(sl, now)) {
			if sl.sess != nil {
				removed++
			}
			s.drop(k.(media.UserID), sl)
		}
		sl.mu.Unlock()
		return true
	})
	if removed > 0 {
		s.logger.Info().Int("count", removed).Msg("Expired inactive sessions")
	}
	return removed
}

// Start runs Sweep every interval until Stop.
func (s *Store) Start(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop halts the sweeper started by Start.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}
