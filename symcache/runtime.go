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

package symcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bilym/rspamd/reactor"
	"github.com/bilym/rspamd/session"
)

var (
	// ErrNoLoop occurs when Exec.After is used by a Runtime made
	// without a reactor loop.
	ErrNoLoop = errors.New("runtime has no reactor loop")

	// ErrItemFinished occurs when a finished item tries to hold
	// its scan.
	ErrItemFinished = errors.New("symbol already finished")
)

type itemState uint8

const (
	statePending itemState = iota
	stateStarted
	stateFinished
)

type dynamic struct {
	state    itemState
	mode     Mode
	async    int
	invoking bool
	ran      bool
	start    time.Time
}

// Insertion is a result inserted by a callback.
type Insertion struct {
	Symbol  string   `json:"symbol"`
	Weight  float64  `json:"weight"`
	Options []string `json:"options,omitempty"`
}

// Runtime drives one scan through a compiled Cache.  It walks the
// execution order, runs every item whose dependencies have finished,
// and revisits waiting items as asynchronous work completes.  Once
// every item has finished it requests the session's close.
//
// A Runtime is not safe for concurrent use.  When a reactor loop is
// given, all calls must come from that loop.
type Runtime struct {
	cache      *Cache
	sess       *session.Session
	loop       *reactor.Loop
	settingsID uint32
	input      map[string]interface{}
	log        *slog.Logger
	onDone     func(*Runtime)
	ctx        context.Context

	order    []int
	dyn      map[int]*dynamic
	inserted []Insertion
	failures []error

	processing bool
	again      bool
	done       bool
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithSettings selects the settings profile of the scan.
func WithSettings(id uint32) RuntimeOption {
	return func(r *Runtime) {
		r.settingsID = id
	}
}

// WithInput gives callbacks the message being scanned.
func WithInput(m map[string]interface{}) RuntimeOption {
	return func(r *Runtime) {
		r.input = m
	}
}

// WithLoop gives the Runtime a reactor loop for Exec.After.
func WithLoop(l *reactor.Loop) RuntimeOption {
	return func(r *Runtime) {
		r.loop = l
	}
}

// WithRuntimeLogger sets the logger.
func WithRuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.log = l
	}
}

// OnDone sets a function called once every item has finished, just
// before the session is asked to close.
func OnDone(fn func(*Runtime)) RuntimeOption {
	return func(r *Runtime) {
		r.onDone = fn
	}
}

// NewRuntime prepares a scan.  The cache must be compiled.
func NewRuntime(c *Cache, sess *session.Session, opts ...RuntimeOption) (*Runtime, error) {
	if sess == nil {
		return nil, errors.New("runtime needs a session")
	}
	r := &Runtime{
		cache: c,
		sess:  sess,
		ctx:   context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("session", sess.ID, "settings_id", r.settingsID)

	seq, err := c.ExecutionOrder(r.settingsID)
	if err != nil {
		return nil, err
	}
	r.dyn = make(map[int]*dynamic, c.Len())
	for id := range seq {
		r.order = append(r.order, id)
		r.dyn[id] = &dynamic{
			mode: c.items[id].Mode(r.settingsID),
		}
	}
	return r, nil
}

// Run starts the scan.  Items that don't wait on asynchronous work
// run before Run returns.
func (r *Runtime) Run(ctx context.Context) {
	r.ctx = ctx
	r.process()
}

// Session returns the scan's session.
func (r *Runtime) Session() *session.Session {
	return r.sess
}

// SettingsID returns the scan's settings profile.
func (r *Runtime) SettingsID() uint32 {
	return r.settingsID
}

// Input returns the message given with WithInput.
func (r *Runtime) Input() map[string]interface{} {
	return r.input
}

// Done reports whether every item has finished.
func (r *Runtime) Done() bool {
	return r.done
}

// Insertions returns the results inserted so far.
func (r *Runtime) Insertions() []Insertion {
	return r.inserted
}

// Failures returns the CallbackFailures of the scan.
func (r *Runtime) Failures() []error {
	return r.failures
}

// Scheduled returns the ids of the items of this scan, in order.
func (r *Runtime) Scheduled() []int {
	return r.order
}

// Finished reports whether the named item has finished in this scan.
func (r *Runtime) Finished(name string) bool {
	it := r.cache.ItemByName(name)
	if it == nil {
		return false
	}
	d, have := r.dyn[it.id]
	return have && d.state == stateFinished
}

// Pending returns the names of the items that haven't finished.
func (r *Runtime) Pending() []string {
	var names []string
	for _, id := range r.order {
		if r.dyn[id].state != stateFinished {
			names = append(names, r.cache.items[id].name)
		}
	}
	return names
}

func (r *Runtime) depsDone(it *CacheItem) bool {
	for _, dep := range it.deps {
		if d, have := r.dyn[dep.Item]; have && d.state != stateFinished {
			return false
		}
	}
	return true
}

// process runs every pending item whose dependencies have finished.
// It is reentrant: a nested call makes the outer one take another
// pass.
func (r *Runtime) process() {
	if r.processing {
		r.again = true
		return
	}
	r.processing = true
	defer func() {
		r.processing = false
	}()

	for {
		r.again = false
		// No item starts before every item of earlier stages has
		// finished.
		barrier := -1
		for _, id := range r.order {
			if r.sess.Destroyed() {
				return
			}
			d := r.dyn[id]
			it := r.cache.items[id]
			if it.IsVirtual() {
				// Finished along with its parent, or now if the
				// parent isn't part of this scan.
				if _, have := r.dyn[it.Real()]; !have && d.state == statePending {
					d.state = stateFinished
				}
				continue
			}
			rank := it.stage.rank()
			if 0 <= barrier && barrier < rank {
				break
			}
			if d.state == statePending && r.depsDone(it) {
				r.start(it, d)
			}
			if d.state != stateFinished && barrier < 0 {
				barrier = rank
			}
		}
		if !r.again {
			break
		}
	}
	r.checkDone()
}

func (r *Runtime) checkDone() {
	if r.done || r.sess.Destroyed() {
		return
	}
	for _, id := range r.order {
		if r.dyn[id].state != stateFinished {
			return
		}
	}
	r.done = true
	r.log.DebugContext(r.ctx, "all symbols finished", "inserted", len(r.inserted))
	if r.onDone != nil {
		r.onDone(r)
	}
	r.sess.RequestClose()
}

func (r *Runtime) start(it *CacheItem, d *dynamic) {
	d.state = stateStarted
	d.start = time.Now()
	it.IncFrequency()

	n := it.Normal()
	x := &Exec{r: r, item: it, d: d}

	// Holds released while conditions or the callback still run
	// must not finish the item.
	d.invoking = true
	for _, cond := range n.Conditions {
		ok, err := r.check(cond, x)
		if err != nil {
			r.fail(it, err)
			ok = false
		}
		if !ok {
			d.invoking = false
			r.log.DebugContext(r.ctx, "symbol condition declined", "symbol", it.name)
			r.finish(it, d)
			return
		}
	}

	if n.Callback != nil {
		res, err := r.invoke(n.Callback, x)
		if err != nil {
			r.fail(it, err)
		} else {
			d.ran = res == ResultOK
		}
	}
	d.invoking = false

	if d.async == 0 && d.state == stateStarted {
		r.finish(it, d)
	}
}

func (r *Runtime) finish(it *CacheItem, d *dynamic) {
	if d.state == stateFinished {
		return
	}
	d.state = stateFinished
	if !d.start.IsZero() {
		it.stats.AddTime(time.Since(d.start))
	}
	for _, v := range it.virtuals {
		if vd, have := r.dyn[v]; have && vd.state == statePending {
			vd.state = stateFinished
			if d.ran {
				r.cache.items[v].IncFrequency()
			}
		}
	}
	r.process()
}

func (r *Runtime) fail(it *CacheItem, err error) {
	f := &CallbackFailure{Name: it.name, Err: err}
	r.failures = append(r.failures, f)
	r.log.WarnContext(r.ctx, "symbol callback failed", "symbol", it.name, "error", err)
}

func (r *Runtime) invoke(cb Callback, x *Exec) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return cb.Invoke(r.ctx, x)
}

func (r *Runtime) check(c Condition, x *Exec) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return c.Check(r.ctx, x)
}

// Exec is what a callback sees of its scan.
type Exec struct {
	r    *Runtime
	item *CacheItem
	d    *dynamic
}

// Item returns the running item.
func (x *Exec) Item() *CacheItem {
	return x.item
}

// Runtime returns the scan.
func (x *Exec) Runtime() *Runtime {
	return x.r
}

// Context returns the scan's context.
func (x *Exec) Context() context.Context {
	return x.r.ctx
}

// Input returns the message being scanned.
func (x *Exec) Input() map[string]interface{} {
	return x.r.input
}

// UserData returns the opaque value given at registration.
func (x *Exec) UserData() interface{} {
	if n := x.item.Normal(); n != nil {
		return n.UserData
	}
	return nil
}

// ExecOnly reports whether the item runs without inserting results.
func (x *Exec) ExecOnly() bool {
	return x.d.mode == ModeExecOnly
}

// Insert adds a result for the running item.  It returns false when
// the result is suppressed.
func (x *Exec) Insert(weight float64, options ...string) bool {
	return x.InsertSymbol(x.item.name, weight, options...)
}

// InsertSymbol adds a result for the named item, typically one of the
// running item's virtual symbols.  Results are suppressed for
// exec-only and ghost items and for items not part of this scan.
// Inserting the same symbol twice keeps the larger weight and merges
// the options.
func (x *Exec) InsertSymbol(name string, weight float64, options ...string) bool {
	r := x.r
	if x.d.mode == ModeExecOnly {
		r.log.DebugContext(r.ctx, "insert suppressed for exec-only symbol", "symbol", x.item.name)
		return false
	}
	it := r.cache.ItemByName(name)
	if it == nil {
		r.log.WarnContext(r.ctx, "insert of unknown symbol", "symbol", name, "by", x.item.name)
		return false
	}
	if it.IsGhost() {
		return false
	}
	if td, have := r.dyn[it.id]; !have || td.mode != ModeRun {
		return false
	}
	if weight < 0 && !it.flags.Has(FlagFine) {
		r.log.DebugContext(r.ctx, "negative weight for symbol without fine flag", "symbol", name)
		return false
	}

	for i := range r.inserted {
		ins := &r.inserted[i]
		if ins.Symbol != name {
			continue
		}
		if weight > ins.Weight {
			ins.Weight = weight
		}
		for _, o := range options {
			if !slices.Contains(ins.Options, o) {
				ins.Options = append(ins.Options, o)
			}
		}
		return true
	}
	r.inserted = append(r.inserted, Insertion{
		Symbol:  name,
		Weight:  weight,
		Options: slices.Clone(options),
	})
	return true
}

// Hold keeps the item running until the returned release function is
// called.  Release may be called any number of times; only the first
// call counts.  After the session is destroyed release does nothing.
func (x *Exec) Hold(tag string) (func(), error) {
	r, d, it := x.r, x.d, x.item
	if d.state != stateStarted {
		return nil, ErrItemFinished
	}
	ev, err := r.sess.RegisterEvent(func(interface{}) error {
		d.async--
		if d.async == 0 && !d.invoking && !r.sess.Destroyed() && d.state == stateStarted {
			r.finish(it, d)
		}
		return nil
	}, it.id, it.name+":"+tag)
	if err != nil {
		return nil, err
	}
	d.async++
	return func() {
		r.sess.RemoveEvent(ev)
	}, nil
}

// After runs fn on the reactor loop after delay and holds the item
// until then.  Nothing runs if the session is destroyed first.
func (x *Exec) After(delay time.Duration, tag string, fn func(*Exec) error) error {
	r := x.r
	if r.loop == nil {
		return ErrNoLoop
	}
	release, err := x.Hold(tag)
	if err != nil {
		return err
	}
	tm := r.loop.AfterFunc(delay, func() {
		if r.sess.Destroyed() {
			return
		}
		if err := x.call(fn); err != nil {
			r.fail(x.item, err)
		}
		release()
	})
	if pool := r.sess.Pool(); pool != nil {
		pool.AddDestructor(func() {
			tm.Stop()
		})
	}
	return nil
}

func (x *Exec) call(fn func(*Exec) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if fn == nil {
		return nil
	}
	return fn(x)
}
