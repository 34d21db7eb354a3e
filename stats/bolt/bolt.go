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

// Package bolt is a stats.Store backed by a bbolt file.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bilym/rspamd/stats"
	"github.com/bilym/rspamd/symcache"

	bolt "go.etcd.io/bbolt"
)

// DefaultBucket holds one JSON snapshot per symbol.
var DefaultBucket = []byte("symcache_stats")

var ErrNotOpen = errors.New("storage not open")

type Storage struct {
	Debug  bool
	Bucket []byte

	filename string
	db       *bolt.DB
}

func NewStorage(filename string) *Storage {
	return &Storage{
		filename: filename,
		Bucket:   DefaultBucket,
	}
}

// Open opens (or creates) the file.  Another process holding the
// file makes Open fail after a second.
func (s *Storage) Open(ctx context.Context) error {
	opts := &bolt.Options{
		Timeout: time.Second,
	}

	db, err := bolt.Open(s.filename, 0644, opts)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.filename, err)
	}
	s.db = db
	s.logf(ctx, "opened")
	return nil
}

func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Storage) logf(ctx context.Context, msg string, args ...any) {
	if s.Debug {
		slog.DebugContext(ctx, "bolt storage "+msg, append([]any{"file", s.filename}, args...)...)
	}
}

// Load implements stats.Store.
func (s *Storage) Load(ctx context.Context) (stats.Snapshots, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	ss := make(stats.Snapshots)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.Bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var snap symcache.StatsSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("symbol %q: %w", k, err)
			}
			ss[string(k)] = snap
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.logf(ctx, "loaded", "symbols", len(ss))
	return ss, nil
}

// Save implements stats.Store.  Symbols missing from ss are removed.
func (s *Storage) Save(ctx context.Context, ss stats.Snapshots) error {
	if s.db == nil {
		return ErrNotOpen
	}
	vals := make(map[string][]byte, len(ss))
	for name, snap := range ss {
		js, err := json.Marshal(&snap)
		if err != nil {
			return err
		}
		vals[name] = js
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(s.Bucket) != nil {
			if err := tx.DeleteBucket(s.Bucket); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket(s.Bucket)
		if err != nil {
			return err
		}
		for name, js := range vals {
			if err := b.Put([]byte(name), js); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logf(ctx, "saved", "symbols", len(vals))
	return nil
}
