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

// Package reactor provides the single-goroutine event loop that owns
// all per-scan state of a worker.
//
// Everything that touches a session or a scan runtime runs as a
// function posted to the Loop.  Work that happens elsewhere (network
// lookups, timers) posts its completion back, so scan state needs no
// locks.
package reactor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrStopped is returned when the loop is no longer running.
	ErrStopped = errors.New("reactor stopped")

	// ErrRunning is returned by Run when the loop is already running.
	ErrRunning = errors.New("reactor already running")
)

// DefaultQueue is the default capacity of a Loop's task queue.
var DefaultQueue = 1024

// Loop runs posted functions one at a time on the goroutine that
// called Run.
type Loop struct {
	tasks chan func()
	done  chan struct{}

	// deferred is only touched on the loop goroutine.
	deferred []func()

	once    sync.Once
	started bool
	mu      sync.Mutex
}

// New makes a Loop with the given queue capacity (DefaultQueue if
// not positive).
func New(queue int) *Loop {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Loop{
		tasks: make(chan func(), queue),
		done:  make(chan struct{}),
	}
}

// Post queues fn.  It is safe to call from any goroutine except the
// loop's own: Post blocks while the queue is full, and only the loop
// drains it.  Tasks use Defer instead.  Post returns false if the
// loop has stopped, in which case fn will never run.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case <-l.done:
		return false
	case l.tasks <- fn:
		return true
	}
}

// Do posts fn and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Defer runs fn on the loop right after the current task returns and
// before the next queued task.  It must only be called from the loop
// goroutine, and it never blocks.
func (l *Loop) Defer(fn func()) {
	l.deferred = append(l.deferred, fn)
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run processes posted functions until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrRunning
	}
	l.started = true
	l.mu.Unlock()

	defer l.once.Do(func() { close(l.done) })

	slog.DebugContext(ctx, "reactor loop starting")
	for {
		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "reactor loop done")
			return nil
		case fn := <-l.tasks:
			l.run(ctx, fn)
			for 0 < len(l.deferred) {
				fns := l.deferred
				l.deferred = nil
				for _, f := range fns {
					l.run(ctx, f)
				}
			}
		}
	}
}

func (l *Loop) run(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "reactor task panicked", "panic", r)
		}
	}()
	fn()
}

// Timer is a pending AfterFunc.
type Timer struct {
	t       *time.Timer
	stopped bool
}

// AfterFunc runs fn on the loop after d.  The returned Timer must
// only be stopped from the loop goroutine.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if tm.stopped {
				return
			}
			tm.stopped = true
			fn()
		})
	})
	return tm
}

// Stop prevents the timer's function from running.  It returns false
// if the function already ran or the timer was already stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped {
		return false
	}
	t.stopped = true
	t.t.Stop()
	return true
}
