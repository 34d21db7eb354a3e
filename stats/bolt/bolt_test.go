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

package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bilym/rspamd/stats"
	"github.com/bilym/rspamd/symcache"
)

func TestImpl(t *testing.T) {
	// Just confirm that this code compiles.
	var _ stats.Store = &Storage{}
}

func TestBasics(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "stats.db")
	ctx := context.Background()

	s := NewStorage(filename)
	s.Debug = true
	if _, err := s.Load(ctx); err != ErrNotOpen {
		t.Fatalf("wanted ErrNotOpen, got %v", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}

	ss, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ss) != 0 {
		t.Fatalf("fresh file has %v", ss)
	}

	if err := s.Save(ctx, stats.Snapshots{
		"A": {TotalHits: 10, AvgFrequency: 1.5},
		"B": {TotalHits: 3, FrequencyPeaks: 1},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, stats.Snapshots{
		"A": {TotalHits: 12, AvgFrequency: 2.5, AvgTime: 0.01},
	}); err != nil {
		t.Fatal(err)
	}

	// Reopen to make sure it's really on disk.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}
	}()

	if ss, err = s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	want := symcache.StatsSnapshot{TotalHits: 12, AvgFrequency: 2.5, AvgTime: 0.01}
	if len(ss) != 1 || ss["A"] != want {
		t.Fatalf("didn't want %#v", ss)
	}
}

func TestRefresherStore(t *testing.T) {
	ctx := context.Background()
	s := NewStorage(filepath.Join(t.TempDir(), "stats.db"))
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	c := symcache.NewCache(nil)
	if _, err := c.RegisterNormal("A", 0, nil, nil, symcache.Normal, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Compile(); err != nil {
		t.Fatal(err)
	}
	c.ItemByName("A").IncFrequency()

	r, err := stats.NewRefresher(c, "*/1 * * * *", s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = r.Refresh(ctx, time.Unix(1700000000, 0)); err != nil {
		t.Fatal(err)
	}
	ss, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ss["A"].TotalHits != 1 {
		t.Fatalf("didn't want %#v", ss)
	}
}
