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
	"math"
	"sync/atomic"
	"time"
)

// PeakParams controls the frequency peak check.
type PeakParams struct {
	// Decay is the smoothing factor of the moving averages.
	Decay float64

	// Sigma scales the threshold a deviation must exceed.
	Sigma float64

	// MinSamples is the number of rate samples needed before
	// peaks are reported.
	MinSamples uint64
}

// DefaultPeakParams are used when a zero PeakParams is given.
var DefaultPeakParams = PeakParams{
	Decay:      0.25,
	Sigma:      3,
	MinSamples: 10,
}

type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) Store(x float64) {
	f.bits.Store(math.Float64bits(x))
}

func (f *atomicFloat) Add(x float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + x)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFloat) Swap(x float64) float64 {
	return math.Float64frombits(f.bits.Swap(math.Float64bits(x)))
}

// ema is an exponential moving average with a running deviation.
type ema struct {
	mean   atomicFloat
	stddev atomicFloat
	number atomic.Uint64
}

func (e *ema) update(value, alpha float64) {
	if e.number.Load() == 0 {
		e.mean.Store(value)
		e.stddev.Store(0)
		e.number.Store(1)
		return
	}
	mean := e.mean.Load()
	diff := value - mean
	incr := diff * alpha
	e.mean.Store(mean + incr)
	e.stddev.Store((1 - alpha) * (e.stddev.Load() + diff*incr))
	e.number.Add(1)
}

// Stats are the counters of one item.  Scans update them from the
// reactor; a statistics goroutine reads them and calls
// UpdateCountersCheckPeak.  Every field is atomic.
type Stats struct {
	hits      atomic.Uint64
	totalHits atomic.Uint64
	lastCount atomic.Uint64
	peaks     atomic.Uint64

	timeCount atomic.Uint64
	timeSum   atomicFloat

	frequency ema
	time      ema
}

// IncFrequency counts one invocation.
func (s *Stats) IncFrequency() {
	s.hits.Add(1)
}

// AddTime records the duration of one invocation.
func (s *Stats) AddTime(d time.Duration) {
	s.timeSum.Add(d.Seconds())
	s.timeCount.Add(1)
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Hits            uint64  `json:"hits"`
	TotalHits       uint64  `json:"total_hits"`
	LastCount       uint64  `json:"last_count"`
	FrequencyPeaks  uint64  `json:"frequency_peaks"`
	AvgFrequency    float64 `json:"avg_frequency"`
	StddevFrequency float64 `json:"stddev_frequency"`
	Samples         uint64  `json:"samples"`
	AvgTime         float64 `json:"avg_time"`
}

// Snapshot reads every counter.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:            s.hits.Load(),
		TotalHits:       s.totalHits.Load(),
		LastCount:       s.lastCount.Load(),
		FrequencyPeaks:  s.peaks.Load(),
		AvgFrequency:    s.frequency.mean.Load(),
		StddevFrequency: s.frequency.stddev.Load(),
		Samples:         s.frequency.number.Load(),
		AvgTime:         s.time.mean.Load(),
	}
}

// Restore loads counters persisted by an earlier process.  Hits not
// yet folded into the total are added to it.
func (s *Stats) Restore(snap StatsSnapshot) {
	total := snap.TotalHits + snap.Hits
	s.totalHits.Store(total)
	s.lastCount.Store(total)
	s.peaks.Store(snap.FrequencyPeaks)
	s.frequency.mean.Store(snap.AvgFrequency)
	s.frequency.stddev.Store(snap.StddevFrequency)
	s.frequency.number.Store(snap.Samples)
	s.time.mean.Store(snap.AvgTime)
	if snap.AvgTime != 0 {
		s.time.number.Store(1)
	}
}

// UpdateCountersCheckPeak folds hits counted since the previous call
// (made at lastResort) into the totals and the rate average, and
// reports whether the current rate is a frequency peak.  It also
// folds the mean invocation time of the interval into the time
// average (not for virtual items, which never run).
//
// Calls must not overlap.
func (it *CacheItem) UpdateCountersCheckPeak(now, lastResort time.Time, p PeakParams) bool {
	if p == (PeakParams{}) {
		p = DefaultPeakParams
	}
	s := &it.stats

	peak := false
	total := s.totalHits.Add(s.hits.Swap(0))
	last := s.lastCount.Load()

	if 0 < last {
		elapsed := now.Sub(lastResort).Seconds()
		if 0 < elapsed {
			rate := float64(total-last) / elapsed
			s.frequency.update(rate, p.Decay)
			avg := s.frequency.mean.Load()
			stddev := s.frequency.stddev.Load()
			dev := avg - rate
			dev *= dev
			if p.MinSamples < s.frequency.number.Load() && math.Sqrt(stddev)*p.Sigma < dev {
				s.peaks.Add(1)
				peak = true
			}
		}
	}
	s.lastCount.Store(total)

	if n := s.timeCount.Swap(0); 0 < n {
		sum := s.timeSum.Swap(0)
		if !it.IsVirtual() {
			s.time.update(sum/float64(n), p.Decay)
		}
	}

	return peak
}
