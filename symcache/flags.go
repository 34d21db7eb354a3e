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
	"fmt"
	"sort"
	"strings"
)

// Flags modify how an item is scheduled and reported.  Bits the
// scheduler doesn't interpret are carried for callers.
type Flags uint32

const (
	// FlagGhost items produce no visible result; they exist for
	// metrics.
	FlagGhost Flags = 1 << iota

	// FlagSkip items are registered but never scheduled.
	FlagSkip

	// FlagNoStat items are left out of statistics refreshes.
	FlagNoStat

	// FlagFine items may insert negative weights.
	FlagFine

	// FlagExplicitDisable items only run under a settings profile
	// that lists them as allowed.
	FlagExplicitDisable

	// FlagExplicitEnable items can't be disabled by a settings
	// profile.
	FlagExplicitEnable

	FlagEmpty
	FlagTrivial
	FlagMimeOnly
	FlagIgnorePassthrough
	FlagUseHeuristic
)

var flagNames = map[Flags]string{
	FlagGhost:             "ghost",
	FlagSkip:              "skip",
	FlagNoStat:            "nostat",
	FlagFine:              "fine",
	FlagExplicitDisable:   "explicit_disable",
	FlagExplicitEnable:    "explicit_enable",
	FlagEmpty:             "empty",
	FlagTrivial:           "trivial",
	FlagMimeOnly:          "mime_only",
	FlagIgnorePassthrough: "ignore_passthrough",
	FlagUseHeuristic:      "use_heuristic",
}

// Has reports whether all of x is set.
func (f Flags) Has(x Flags) bool {
	return f&x == x
}

func (f Flags) String() string {
	if f == 0 {
		return ""
	}
	names := make([]string, 0, 4)
	rest := f
	for bit, name := range flagNames {
		if f&bit != 0 {
			names = append(names, name)
			rest &^= bit
		}
	}
	sort.Strings(names)
	if rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

// ParseFlags converts flag names (as produced by Flags.String) into
// Flags.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		found := false
		for bit, s := range flagNames {
			if s == name {
				f |= bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown flag %q", name)
		}
	}
	return f, nil
}
