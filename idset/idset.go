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

// Package idset provides a fixed-capacity set of settings profile ids.
//
// Every symbol carries three of these sets (allowed, exec-only and
// forbidden).  A scan asks a set whether it holds the scan's profile
// id, so Has must be cheap: the set is a small bitset and never
// allocates after construction.
package idset

import (
	"errors"
	"math/bits"
	"strconv"
	"strings"
)

// Capacity is the number of distinct profile ids a Set can hold.
// Valid ids are 1..Capacity-1; id 0 means "no profile".
const Capacity = 256

const words = Capacity / 64

var (
	// ErrOutOfRange occurs when an id can't be stored in a Set.
	ErrOutOfRange = errors.New("settings id out of range")
)

// Set is a bitset of settings profile ids.
//
// The zero value is an empty set ready to use.
type Set struct {
	w [words]uint64
}

// New returns a set holding the given ids.
func New(ids ...uint32) (Set, error) {
	var s Set
	for _, id := range ids {
		if err := s.Add(id); err != nil {
			return Set{}, err
		}
	}
	return s, nil
}

func valid(id uint32) bool {
	return id != 0 && id < Capacity
}

// Add inserts the id.
func (s *Set) Add(id uint32) error {
	if !valid(id) {
		return ErrOutOfRange
	}
	s.w[id/64] |= 1 << (id % 64)
	return nil
}

// Remove deletes the id if present.
func (s *Set) Remove(id uint32) {
	if !valid(id) {
		return
	}
	s.w[id/64] &^= 1 << (id % 64)
}

// Has reports whether the id is in the set.  Has(0) is always false.
func (s *Set) Has(id uint32) bool {
	if !valid(id) {
		return false
	}
	return s.w[id/64]&(1<<(id%64)) != 0
}

// Reset empties the set.
func (s *Set) Reset() {
	s.w = [words]uint64{}
}

// Empty reports whether the set holds no ids.
func (s *Set) Empty() bool {
	for _, w := range s.w {
		if w != 0 {
			return false
		}
	}
	return true
}

// Len returns the number of ids in the set.
func (s *Set) Len() int {
	n := 0
	for _, w := range s.w {
		n += bits.OnesCount64(w)
	}
	return n
}

// IDs returns the ids in ascending order.
func (s *Set) IDs() []uint32 {
	acc := make([]uint32, 0, s.Len())
	for i, w := range s.w {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			acc = append(acc, uint32(i*64+b))
			w &^= 1 << b
		}
	}
	return acc
}

func (s Set) String() string {
	ids := s.IDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
