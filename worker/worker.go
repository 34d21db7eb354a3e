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

// Package worker runs scans against a compiled symcache.Cache.
//
// A Worker owns one reactor loop.  Every scan is created, driven and
// finished on that loop, so scans never need locks; callers on other
// goroutines use Scan, which posts the work and waits for the
// result.  A scan still waiting on asynchronous work when its timeout
// expires is torn down by destroying its session, and its partial
// result is reported as timed out.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/bilym/rspamd/reactor"
	"github.com/bilym/rspamd/session"
	"github.com/bilym/rspamd/stats"
	"github.com/bilym/rspamd/symcache"

	"golang.org/x/sync/errgroup"
)

var DefaultScanTimeout = 8 * time.Second

// Result is the outcome of one scan.
type Result struct {
	ID         string               `json:"id"`
	SettingsID uint32               `json:"settings_id,omitempty"`
	Insertions []symcache.Insertion `json:"symbols"`
	Failures   []string             `json:"failures,omitempty"`

	// Pending names the symbols that hadn't finished when a
	// timed out scan was torn down.
	Pending  []string      `json:"pending,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

type Worker struct {
	Cache       *symcache.Cache
	Loop        *reactor.Loop
	Refresher   *stats.Refresher
	ScanTimeout time.Duration

	// Addr, if not empty, is where Run serves HTTP.
	Addr string

	Log *slog.Logger
}

type Option func(*Worker)

func WithLoop(l *reactor.Loop) Option {
	return func(w *Worker) {
		w.Loop = l
	}
}

func WithRefresher(r *stats.Refresher) Option {
	return func(w *Worker) {
		w.Refresher = r
	}
}

func WithScanTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.ScanTimeout = d
	}
}

func WithAddr(addr string) Option {
	return func(w *Worker) {
		w.Addr = addr
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		w.Log = l
	}
}

// New makes a Worker.  A worker refuses a cache that isn't compiled.
func New(c *symcache.Cache, opts ...Option) (*Worker, error) {
	if c == nil || !c.Compiled() {
		return nil, symcache.ErrNotCompiled
	}
	w := &Worker{
		Cache:       c,
		ScanTimeout: DefaultScanTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.Loop == nil {
		w.Loop = reactor.New(reactor.DefaultQueue)
	}
	if w.Log == nil {
		w.Log = slog.Default()
	}
	return w, nil
}

// Run runs the reactor loop, the statistics refresher (if any) and
// the HTTP server (if Addr is set) until ctx is done or one of them
// fails.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Loop.Run(ctx)
	})
	if w.Refresher != nil {
		g.Go(func() error {
			return w.Refresher.Run(ctx)
		})
	}
	if w.Addr != "" {
		g.Go(func() error {
			return w.Serve(ctx, w.Addr)
		})
	}

	w.Log.InfoContext(ctx, "worker running", "symbols", w.Cache.Len(), "addr", w.Addr)
	err := g.Wait()
	w.Log.InfoContext(ctx, "worker stopped", "error", err)
	return err
}

// Serve serves the worker's HTTP API at addr until ctx is done.
func (w *Worker) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	shut, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shut); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Scan runs one scan of input under the given settings profile and
// waits for its result.  The loop must be running.
func (w *Worker) Scan(ctx context.Context, input map[string]interface{}, settingsID uint32) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, w.ScanTimeout+time.Second)
	defer cancel()

	results := make(chan *Result, 1)
	failed := make(chan error, 1)

	var sess *session.Session
	if !w.Loop.Post(func() {
		s, err := w.start(ctx, input, settingsID, results)
		if err != nil {
			failed <- err
			return
		}
		sess = s
	}) {
		return nil, reactor.ErrStopped
	}

	select {
	case res := <-results:
		return res, nil
	case err := <-failed:
		return nil, err
	case <-w.Loop.Done():
		return nil, reactor.ErrStopped
	case <-ctx.Done():
		// Don't leave the scan behind.
		w.Loop.Post(func() {
			if sess != nil {
				sess.Destroy()
			}
		})
		return nil, ctx.Err()
	}
}

// start creates and runs a scan.  It must be called on the loop.
func (w *Worker) start(ctx context.Context, input map[string]interface{}, settingsID uint32, results chan<- *Result) (*session.Session, error) {
	var (
		begin     = time.Now()
		pool      = session.NewPool("scan")
		r         *symcache.Runtime
		sess      *session.Session
		timer     *reactor.Timer
		delivered bool
	)

	deliver := func(timedOut bool) {
		if delivered {
			return
		}
		delivered = true
		res := &Result{
			ID:         sess.ID,
			SettingsID: settingsID,
			Insertions: slices.Clone(r.Insertions()),
			TimedOut:   timedOut,
			Elapsed:    time.Since(begin),
		}
		for _, err := range r.Failures() {
			res.Failures = append(res.Failures, err.Error())
		}
		if timedOut {
			res.Pending = r.Pending()
		}
		results <- res
	}

	fin := func() (bool, error) {
		deliver(false)
		// Release the pool once the finalizer has returned.
		w.Loop.Defer(sess.Destroy)
		return false, nil
	}

	cleanup := func() error {
		deliver(true)
		return nil
	}

	sess, err := session.New(pool, fin,
		session.WithCleanup(cleanup),
		session.WithLogger(w.Log))
	if err != nil {
		return nil, err
	}

	r, err = symcache.NewRuntime(w.Cache, sess,
		symcache.WithSettings(settingsID),
		symcache.WithInput(input),
		symcache.WithLoop(w.Loop),
		symcache.WithRuntimeLogger(w.Log))
	if err != nil {
		sess.Destroy()
		return nil, err
	}

	timer = w.Loop.AfterFunc(w.ScanTimeout, func() {
		if delivered {
			return
		}
		w.Log.WarnContext(ctx, "scan timed out", "session", sess.ID, "pending", r.Pending())
		sess.Destroy()
		deliver(true)
	})
	pool.AddDestructor(func() {
		timer.Stop()
	})

	r.Run(ctx)
	return sess, nil
}

// Stats reads the statistics of every item.  It may be called from
// any goroutine.
func (w *Worker) Stats() stats.Snapshots {
	return stats.Snapshot(w.Cache)
}

// Order lists the symbols a scan under the given profile attempts.
func (w *Worker) Order(settingsID uint32) ([]string, error) {
	seq, err := w.Cache.ExecutionOrder(settingsID)
	if err != nil {
		return nil, err
	}
	var names []string
	for id := range seq {
		names = append(names, w.Cache.Item(id).Name())
	}
	return names, nil
}
