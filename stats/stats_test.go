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

package stats_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bilym/rspamd/stats"
	"github.com/bilym/rspamd/symcache"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	sync.Mutex
	peaks []stats.Peak
	err   error
}

func (r *recorder) Peak(ctx context.Context, p stats.Peak) error {
	r.Lock()
	defer r.Unlock()
	r.peaks = append(r.peaks, p)
	return r.err
}

func compiled(t *testing.T) *symcache.Cache {
	c := symcache.NewCache(nil)
	noop := symcache.CallbackFunc(func(context.Context, *symcache.Exec) (symcache.Result, error) {
		return symcache.ResultOK, nil
	})
	_, err := c.RegisterNormal("A", 0, noop, nil, symcache.Normal, 0)
	require.NoError(t, err)
	_, err = c.RegisterNormal("QUIET", 0, noop, nil, symcache.Normal, symcache.FlagNoStat)
	require.NoError(t, err)
	require.NoError(t, c.Compile())
	return c
}

func hit(it *symcache.CacheItem, n int) {
	for i := 0; i < n; i++ {
		it.IncFrequency()
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := compiled(t)
	store := stats.NewMemStore()
	n := &recorder{}
	r, err := stats.NewRefresher(c, "*/1 * * * *", store, n)
	require.NoError(t, err)

	a, quiet := c.ItemByName("A"), c.ItemByName("QUIET")
	now := time.Unix(1700000000, 0)
	for i := 0; i < 12; i++ {
		hit(a, 10)
		hit(quiet, 10)
		peaks, err := r.Refresh(ctx, now)
		require.NoError(t, err)
		require.Empty(t, peaks)
		now = now.Add(time.Second)
	}

	hit(a, 1000)
	peaks, err := r.Refresh(ctx, now)
	require.NoError(t, err)
	require.Len(t, peaks, 1)
	require.Equal(t, "A", peaks[0].Symbol)
	require.Equal(t, now, peaks[0].At)
	require.EqualValues(t, 1, peaks[0].Peaks)
	require.Equal(t, peaks, n.peaks)

	// Not refreshed, so its hits are still pending.
	require.EqualValues(t, 120, quiet.Stats().Snapshot().Hits)

	saved, err := store.Load(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1120, saved["A"].TotalHits)
	require.EqualValues(t, 1, saved["A"].FrequencyPeaks)
}

func TestRefreshNotifierError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := compiled(t)
	broken := errors.New("broker gone")
	n := &recorder{err: broken}
	r, err := stats.NewRefresher(c, "*/1 * * * *", nil, n)
	require.NoError(t, err)
	r.Params = symcache.PeakParams{Decay: 0.25, Sigma: 3, MinSamples: 1}

	a := c.ItemByName("A")
	now := time.Unix(1700000000, 0)
	for i := 0; i < 4; i++ {
		hit(a, 10)
		_, err := r.Refresh(ctx, now)
		require.NoError(t, err)
		now = now.Add(time.Second)
	}
	hit(a, 5000)
	peaks, err := r.Refresh(ctx, now)
	require.ErrorIs(t, err, broken)
	require.Len(t, peaks, 1)
}

func TestRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := stats.NewMemStore()
	require.NoError(t, store.Save(ctx, stats.Snapshots{
		"A":    {TotalHits: 40, Hits: 2, AvgFrequency: 3.5, Samples: 12},
		"GONE": {TotalHits: 1},
	}))

	c := compiled(t)
	r, err := stats.NewRefresher(c, "*/1 * * * *", store, nil)
	require.NoError(t, err)
	require.NoError(t, r.Load(ctx))

	snap := c.ItemByName("A").Stats().Snapshot()
	require.EqualValues(t, 42, snap.TotalHits)
	require.EqualValues(t, 42, snap.LastCount)
	require.Equal(t, 3.5, snap.AvgFrequency)

	ss := stats.Snapshot(c)
	require.Len(t, ss, 2)
	require.Equal(t, snap, ss["A"])
}

func TestRun(t *testing.T) {
	t.Parallel()
	c := compiled(t)
	store := stats.NewMemStore()
	r, err := stats.NewRefresher(c, "*/1 * * * *", store, nil)
	require.NoError(t, err)

	hit(c.ItemByName("A"), 7)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 7, saved["A"].TotalHits)
}

func TestNewRefresher(t *testing.T) {
	t.Parallel()
	c := compiled(t)
	_, err := stats.NewRefresher(c, "whenever", nil, nil)
	require.Error(t, err)

	_, err = stats.NewRefresher(symcache.NewCache(nil), "*/1 * * * *", nil, nil)
	require.ErrorIs(t, err, symcache.ErrNotCompiled)

	r, err := stats.NewRefresher(c, "0 * * * *", nil, nil)
	require.NoError(t, err)
	at := time.Date(2024, 5, 1, 10, 17, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), r.Next(at))
}
