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

// Package stats collects, persists and refreshes the per-item
// statistics of a compiled symcache.Cache.
//
// A Refresher periodically folds the hits counted by scans into each
// item's totals and frequency average, reports frequency peaks to a
// Notifier, and writes snapshots to a Store so that averages survive
// restarts.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bilym/rspamd/symcache"

	"github.com/gorhill/cronexpr"
)

// Snapshots maps symbol names to their statistics.
type Snapshots map[string]symcache.StatsSnapshot

// Store is a persistence interface for item statistics.
type Store interface {
	// Load returns what was saved, if anything.
	Load(ctx context.Context) (Snapshots, error)

	// Save replaces what was saved.
	Save(ctx context.Context, ss Snapshots) error

	Close() error
}

// Peak describes a frequency peak of one item.
type Peak struct {
	Symbol          string    `json:"symbol"`
	At              time.Time `json:"at"`
	AvgFrequency    float64   `json:"avg_frequency"`
	StddevFrequency float64   `json:"stddev_frequency"`
	Peaks           uint64    `json:"frequency_peaks"`
}

// Notifier learns about frequency peaks.
type Notifier interface {
	Peak(ctx context.Context, p Peak) error
}

// Snapshot reads the statistics of every item.
func Snapshot(c *symcache.Cache) Snapshots {
	ss := make(Snapshots, c.Len())
	for it := range c.Items() {
		ss[it.Name()] = it.Stats().Snapshot()
	}
	return ss
}

// Restore loads saved statistics into the items with the same names.
// Statistics of symbols no longer configured are ignored.  Returns
// the number of items restored.
func Restore(c *symcache.Cache, ss Snapshots) int {
	n := 0
	for name, snap := range ss {
		if it := c.ItemByName(name); it != nil {
			it.Stats().Restore(snap)
			n++
		}
	}
	return n
}

// MemStore is a Store that keeps snapshots in memory.
type MemStore struct {
	sync.Mutex
	ss Snapshots
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Load(ctx context.Context) (Snapshots, error) {
	s.Lock()
	defer s.Unlock()
	acc := make(Snapshots, len(s.ss))
	for k, v := range s.ss {
		acc[k] = v
	}
	return acc, nil
}

func (s *MemStore) Save(ctx context.Context, ss Snapshots) error {
	acc := make(Snapshots, len(ss))
	for k, v := range ss {
		acc[k] = v
	}
	s.Lock()
	s.ss = acc
	s.Unlock()
	return nil
}

func (s *MemStore) Close() error {
	return nil
}

// Refresher periodically updates item counters and checks for
// frequency peaks.
type Refresher struct {
	Cache    *symcache.Cache
	Store    Store
	Notifier Notifier
	Params   symcache.PeakParams
	Log      *slog.Logger

	schedule *cronexpr.Expression

	mu   sync.Mutex
	last time.Time
}

// NewRefresher makes a Refresher that runs according to the given
// cron expression.  The store and notifier may be nil.
func NewRefresher(c *symcache.Cache, schedule string, store Store, n Notifier) (*Refresher, error) {
	if !c.Compiled() {
		return nil, symcache.ErrNotCompiled
	}
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	return &Refresher{
		Cache:    c,
		Store:    store,
		Notifier: n,
		Params:   symcache.DefaultPeakParams,
		Log:      slog.Default(),
		schedule: expr,
	}, nil
}

// Next returns the time of the next refresh after t.
func (r *Refresher) Next(t time.Time) time.Time {
	return r.schedule.Next(t)
}

// Load restores statistics from the store.
func (r *Refresher) Load(ctx context.Context) error {
	if r.Store == nil {
		return nil
	}
	ss, err := r.Store.Load(ctx)
	if err != nil {
		return err
	}
	n := Restore(r.Cache, ss)
	r.Log.InfoContext(ctx, "statistics restored", "items", n, "saved", len(ss))
	return nil
}

// Refresh updates every item's counters as of now and returns the
// peaks found.  Items flagged FlagNoStat are left alone.  The first
// refresh only establishes the baseline.
func (r *Refresher) Refresh(ctx context.Context, now time.Time) ([]Peak, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	last := r.last
	if last.IsZero() {
		last = now
	}
	r.last = now

	var peaks []Peak
	for it := range r.Cache.Items() {
		if it.Flags().Has(symcache.FlagNoStat) {
			continue
		}
		if !it.UpdateCountersCheckPeak(now, last, r.Params) {
			continue
		}
		snap := it.Stats().Snapshot()
		p := Peak{
			Symbol:          it.Name(),
			At:              now,
			AvgFrequency:    snap.AvgFrequency,
			StddevFrequency: snap.StddevFrequency,
			Peaks:           snap.FrequencyPeaks,
		}
		r.Log.InfoContext(ctx, "frequency peak", "symbol", p.Symbol,
			"avg", p.AvgFrequency, "stddev", p.StddevFrequency)
		peaks = append(peaks, p)
	}

	var errs []error
	if r.Notifier != nil {
		for _, p := range peaks {
			if err := r.Notifier.Peak(ctx, p); err != nil {
				errs = append(errs, fmt.Errorf("notify %s: %w", p.Symbol, err))
			}
		}
	}
	if r.Store != nil {
		if err := r.Store.Save(ctx, Snapshot(r.Cache)); err != nil {
			errs = append(errs, fmt.Errorf("save: %w", err))
		}
	}
	return peaks, errors.Join(errs...)
}

// Run refreshes on schedule until the context is done.  Errors from
// a refresh are logged.  A last refresh is made on the way out so
// that the store is current.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.Load(ctx); err != nil {
		r.Log.WarnContext(ctx, "statistics not restored", "error", err)
	}
	if _, err := r.Refresh(ctx, time.Now()); err != nil {
		r.Log.WarnContext(ctx, "refresh failed", "error", err)
	}
	for {
		now := time.Now()
		next := r.Next(now)
		if next.IsZero() {
			return errors.New("schedule has no next time")
		}
		t := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			// The context is gone, but the store still deserves
			// the final numbers.
			if _, err := r.Refresh(context.WithoutCancel(ctx), time.Now()); err != nil {
				r.Log.WarnContext(ctx, "final refresh failed", "error", err)
			}
			return nil
		case at := <-t.C:
			if _, err := r.Refresh(ctx, at); err != nil {
				r.Log.WarnContext(ctx, "refresh failed", "error", err)
			}
		}
	}
}
