/* Copyright 2019 Comcast Cable Communications Management, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package session tracks the asynchronous work outstanding for one
// scan and decides when that scan is over.
//
// A Session is created per scan with a finalizer.  Work that can't
// complete synchronously registers an Event and removes it when done.
// Once the owner has requested close and no events remain, the
// finalizer runs, exactly once.  A scan that runs out of time is torn
// down with Destroy: outstanding events are cleaned up, the optional
// cleanup hook runs once, and the finalizer never runs.
//
// A Session is not safe for concurrent use.  All calls are expected
// from the goroutine that owns the scan (see package reactor).
package session

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

var (
	// ErrNoFinalizer is returned by New when the finalizer is nil.
	ErrNoFinalizer = errors.New("session finalizer is required")

	// ErrDestroyed occurs when an event is registered against a
	// destroyed session.
	ErrDestroyed = errors.New("session destroyed")

	// ErrFinalized occurs when an event is registered after the
	// session reached its final state.
	ErrFinalized = errors.New("session finalized")
)

// State is the position of a Session in its life cycle.
type State int

const (
	Active       State = iota // Accepting events; close not yet requested.
	Closing                   // Close requested; waiting for events.
	Restoring                 // Finalizer asked for another pass; restore hook running.
	Finalized                 // Finalizer has run.
	ForceCleaned              // Destroyed with events pending.
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Restoring:
		return "restoring"
	case Finalized:
		return "finalized"
	case ForceCleaned:
		return "force-cleaned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Finalizer is called when a closing session has no pending events.
// Returning true asks for restoration: the restore hook runs and the
// session becomes Active again.
type Finalizer func() (restore bool, err error)

// Hook is a restore or cleanup callback.
type Hook func() error

// EventFinalizer releases whatever an event holds.  It receives the
// data given to RegisterEvent.
type EventFinalizer func(data interface{}) error

// Event is one outstanding asynchronous operation.  The pointer
// returned by RegisterEvent is its identity.
type Event struct {
	Data interface{}
	Tag  string

	fin EventFinalizer
	s   *Session
}

// Pending reports whether the event is still registered with a live
// session.
func (e *Event) Pending() bool {
	return e != nil && e.s != nil
}

// Session tracks the events of one scan.
type Session struct {
	// ID is a random identifier used in log records.
	ID string

	pool    *Pool
	fin     Finalizer
	restore Hook
	cleanup Hook
	log     *slog.Logger

	events    []*Event
	state     State
	destroyed bool
}

// Option configures a Session.
type Option func(*Session)

// WithRestore sets the restore hook.
func WithRestore(h Hook) Option {
	return func(s *Session) {
		s.restore = h
	}
}

// WithCleanup sets the hook called when the session is destroyed
// while events are still pending.
func WithCleanup(h Hook) Option {
	return func(s *Session) {
		s.cleanup = h
	}
}

// WithLogger sets the logger used to report callback failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// New makes an Active session.  The pool, if not nil, is released
// when the session is destroyed.
func New(pool *Pool, fin Finalizer, opts ...Option) (*Session, error) {
	if fin == nil {
		return nil, ErrNoFinalizer
	}
	s := &Session{
		ID:     uuid.NewString(),
		pool:   pool,
		fin:    fin,
		events: make([]*Event, 0, 8),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("session", s.ID)
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Destroyed reports whether Destroy has been called.
func (s *Session) Destroyed() bool {
	return s.destroyed
}

// Pool returns the session's pool.
func (s *Session) Pool() *Pool {
	return s.pool
}

// PendingCount returns the number of registered events.
func (s *Session) PendingCount() int {
	return len(s.events)
}

// RegisterEvent adds an outstanding event.  Registering while Closing
// is allowed and simply delays finalization.
func (s *Session) RegisterEvent(fin EventFinalizer, data interface{}, tag string) (*Event, error) {
	if s.destroyed {
		return nil, ErrDestroyed
	}
	if s.state == Finalized {
		return nil, ErrFinalized
	}
	ev := &Event{
		Data: data,
		Tag:  tag,
		fin:  fin,
		s:    s,
	}
	s.events = append(s.events, ev)
	return ev, nil
}

// RemoveEvent runs the event's finalizer and forgets the event.  When
// the session is Closing and this was the last event, the session
// finalizes.
//
// Removing an event that is no longer pending (already removed, or
// cleaned up by Destroy) does nothing and returns false.
func (s *Session) RemoveEvent(ev *Event) bool {
	if ev == nil || ev.s != s {
		return false
	}
	s.detach(ev)
	s.runEvent(ev)
	if !s.destroyed && s.state == Closing && len(s.events) == 0 {
		s.finalize()
	}
	return true
}

// RequestClose marks the session Closing and finalizes it at once if
// nothing is pending.
func (s *Session) RequestClose() {
	if s.destroyed || s.state != Active {
		return
	}
	s.state = Closing
	if len(s.events) == 0 {
		s.finalize()
	}
}

// Destroy tears the session down.  Without pending events this only
// releases the pool.  With pending events every event finalizer runs
// once, then the cleanup hook runs once; the session finalizer is
// never called on this path.
//
// Destroy is idempotent.
func (s *Session) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true

	if len(s.events) > 0 {
		s.state = ForceCleaned
		evs := s.events
		s.events = nil
		for _, ev := range evs {
			ev.s = nil
			s.runEvent(ev)
		}
		s.fin = nil
		if s.cleanup != nil {
			if err := safely(s.cleanup); err != nil {
				s.log.Warn("session cleanup failed", "error", err)
			}
		}
	}

	if s.pool != nil {
		s.pool.Release()
	}
}

func (s *Session) detach(ev *Event) {
	for i, x := range s.events {
		if x == ev {
			copy(s.events[i:], s.events[i+1:])
			s.events[len(s.events)-1] = nil
			s.events = s.events[:len(s.events)-1]
			break
		}
	}
	ev.s = nil
}

func (s *Session) runEvent(ev *Event) {
	if ev.fin == nil {
		return
	}
	fin := ev.fin
	ev.fin = nil
	if err := safely(func() error { return fin(ev.Data) }); err != nil {
		s.log.Warn("event finalizer failed", "tag", ev.Tag, "error", err)
	}
}

// finalize runs the finalizer (at most once over the session's life)
// and moves to Finalized, or back to Active when restoration is
// requested.
func (s *Session) finalize() {
	fin := s.fin
	s.fin = nil

	var restore bool
	if fin != nil {
		err := safely(func() error {
			var err error
			restore, err = fin()
			return err
		})
		if err != nil {
			s.log.Warn("session finalizer failed", "error", err)
			restore = false
		}
	}

	if !restore {
		s.state = Finalized
		return
	}

	s.state = Restoring
	if s.restore != nil {
		if err := safely(s.restore); err != nil {
			s.log.Warn("session restore failed", "error", err)
		}
	}
	if s.state == Restoring {
		s.state = Active
	}
}

// safely calls f, turning a panic into an error.
func safely(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}
