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

package tools

import (
	"cmp"
	"slices"
	"sort"

	"github.com/bilym/rspamd/symcache"
)

// Analysis summarizes a compiled cache, mostly to point out symbols
// that are unlikely to do what their author intended.
type Analysis struct {
	Symbols    int            `json:"symbols"`
	ByStage    map[string]int `json:"by_stage"`
	Virtuals   int            `json:"virtuals"`
	Conditions int            `json:"conditions"`
	Edges      int            `json:"edges"`

	// Depth is the length of the longest dependency chain.
	Depth int `json:"depth"`

	// NoCallback lists normal symbols without a callback.  They
	// finish at once and their virtual symbols never fire.
	NoCallback []string `json:"no_callback,omitempty"`

	// Disabled lists symbols no scan runs without a settings
	// profile (disabled, skipped or explicitly disabled).
	Disabled []string `json:"disabled,omitempty"`

	// Roots have no dependencies and no dependents.
	Roots []string `json:"roots,omitempty"`

	// Hubs are the symbols the most others depend on.
	Hubs []string `json:"hubs,omitempty"`
}

// Analyze examines a compiled cache.
func Analyze(c *symcache.Cache) (*Analysis, error) {
	if !c.Compiled() {
		return nil, symcache.ErrNotCompiled
	}

	a := &Analysis{
		ByStage: make(map[string]int),
	}
	depth := make(map[int]int, c.Len())
	most := 0
	var hubs []string

	// Dependencies come first in execution order, so one pass
	// computes depths.
	for _, it := range ordered(c) {
		a.Symbols++
		a.ByStage[it.Type().String()]++
		if it.Mode(0) == symcache.ModeSkip {
			a.Disabled = append(a.Disabled, it.Name())
		}
		if it.IsVirtual() {
			a.Virtuals++
			continue
		}

		n := it.Normal()
		a.Conditions += len(n.Conditions)
		if n.Callback == nil {
			a.NoCallback = append(a.NoCallback, it.Name())
		}

		d := 0
		for _, dep := range it.Deps() {
			a.Edges++
			d = max(d, depth[dep.Item]+1)
		}
		depth[it.ID()] = d
		a.Depth = max(a.Depth, d)

		if len(it.Deps()) == 0 && len(it.RDeps()) == 0 {
			a.Roots = append(a.Roots, it.Name())
		}
		switch r := len(it.RDeps()); {
		case r == 0:
		case most < r:
			most = r
			hubs = []string{it.Name()}
		case most == r:
			hubs = append(hubs, it.Name())
		}
	}

	sort.Strings(a.NoCallback)
	sort.Strings(a.Disabled)
	sort.Strings(a.Roots)
	sort.Strings(hubs)
	a.Hubs = hubs
	return a, nil
}

// ordered returns every item in compiled order, including those no
// scan would run.
func ordered(c *symcache.Cache) []*symcache.CacheItem {
	its := slices.Collect(c.Items())
	slices.SortFunc(its, func(x, y *symcache.CacheItem) int {
		return cmp.Compare(x.Order(), y.Order())
	})
	return its
}

// stagesInOrder lists the effective stages of the items in execution
// order.
func stagesInOrder(c *symcache.Cache) []symcache.Stage {
	var acc []symcache.Stage
	for _, it := range ordered(c) {
		if s := c.EffectiveStage(it); !slices.Contains(acc, s) {
			acc = append(acc, s)
		}
	}
	return acc
}
