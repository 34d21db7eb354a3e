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
	"github.com/bilym/rspamd/idset"
)

// specific is the variant part of a CacheItem: *NormalItem or
// *VirtualItem.
type specific interface {
	isSpecific()
}

// NormalItem owns a callback and the conditions gating it.
type NormalItem struct {
	Callback   Callback
	UserData   interface{}
	Conditions []Condition
}

func (*NormalItem) isSpecific() {}

// VirtualItem names another item.  Its parent is kept by id and
// resolved through the cache.
type VirtualItem struct {
	ParentID int

	// parent is the resolved normal item, -1 until Compile.
	parent int
}

func (*VirtualItem) isSpecific() {}

// Dependency is one edge of the graph as seen from one of its ends.
type Dependency struct {
	// Item is the id of the item on the other end, always a
	// normal item.
	Item int

	// Symbol is the name given in the declaration.
	Symbol string

	// From is the id of the (normal) dependent item.
	From int

	// VirtualFrom is the id of the virtual item that declared the
	// dependency, or -1.
	VirtualFrom int
}

// CacheItem is one registered symbol.
type CacheItem struct {
	id       int
	name     string
	stage    Stage
	flags    Flags
	priority int
	enabled  bool
	specific specific

	allowed  idset.Set
	execOnly idset.Set
	forbid   idset.Set

	deps     []Dependency
	rdeps    []Dependency
	virtuals []int
	order    int

	stats Stats
}

func newItem(id int, name string, priority int, stage Stage, flags Flags, sp specific) *CacheItem {
	return &CacheItem{
		id:       id,
		name:     name,
		stage:    stage,
		flags:    flags,
		priority: priority,
		enabled:  true,
		specific: sp,
		order:    -1,
	}
}

func (it *CacheItem) ID() int {
	return it.id
}

func (it *CacheItem) Name() string {
	return it.name
}

// Type returns the declared stage.
func (it *CacheItem) Type() Stage {
	return it.stage
}

func (it *CacheItem) Flags() Flags {
	return it.flags
}

func (it *CacheItem) Priority() int {
	return it.priority
}

func (it *CacheItem) Enabled() bool {
	return it.enabled
}

// Order is the item's position in the compiled order, or -1.
func (it *CacheItem) Order() int {
	return it.order
}

func (it *CacheItem) IsVirtual() bool {
	_, is := it.specific.(*VirtualItem)
	return is
}

// IsFilter reports whether this is a normal item of the Normal stage.
func (it *CacheItem) IsFilter() bool {
	_, is := it.specific.(*NormalItem)
	return is && it.stage == Normal
}

// IsScoreable reports whether a weight may be attached to the item's
// results.
func (it *CacheItem) IsScoreable() bool {
	switch {
	case it.stage == Normal, it.stage == Composite, it.stage == Classifier:
		return true
	default:
		return it.IsVirtual()
	}
}

func (it *CacheItem) IsGhost() bool {
	return it.flags.Has(FlagGhost)
}

// Normal returns the normal part, or nil for a virtual item.
func (it *CacheItem) Normal() *NormalItem {
	n, _ := it.specific.(*NormalItem)
	return n
}

// Virtual returns the virtual part, or nil for a normal item.
func (it *CacheItem) Virtual() *VirtualItem {
	v, _ := it.specific.(*VirtualItem)
	return v
}

// Parent returns the resolved parent of a virtual item.
func (it *CacheItem) Parent() (int, bool) {
	v, is := it.specific.(*VirtualItem)
	if !is || v.parent < 0 {
		return -1, false
	}
	return v.parent, true
}

// Real returns the id of the item that runs for this one: the item
// itself, or the resolved parent of a virtual item.
func (it *CacheItem) Real() int {
	if p, ok := it.Parent(); ok {
		return p
	}
	return it.id
}

// Deps returns what this item depends on.
func (it *CacheItem) Deps() []Dependency {
	return it.deps
}

// RDeps returns the items depending on this one.
func (it *CacheItem) RDeps() []Dependency {
	return it.rdeps
}

// Virtuals returns the ids of the virtual items resolving to this
// item.
func (it *CacheItem) Virtuals() []int {
	return it.virtuals
}

// AllowedIDs, ExecOnlyIDs and ForbiddenIDs return the settings
// filters.
func (it *CacheItem) AllowedIDs() idset.Set {
	return it.allowed
}

func (it *CacheItem) ExecOnlyIDs() idset.Set {
	return it.execOnly
}

func (it *CacheItem) ForbiddenIDs() idset.Set {
	return it.forbid
}

// AddCondition appends a condition.  Virtual items can't have
// conditions; AddCondition returns false for them.
func (it *CacheItem) AddCondition(c Condition) bool {
	n, is := it.specific.(*NormalItem)
	if !is {
		return false
	}
	n.Conditions = append(n.Conditions, c)
	return true
}

// IncFrequency counts one invocation.
func (it *CacheItem) IncFrequency() {
	it.stats.IncFrequency()
}

// Stats returns the live counters.
func (it *CacheItem) Stats() *Stats {
	return &it.stats
}

// Mode is how an item takes part in a scan.
type Mode int

const (
	ModeSkip Mode = iota
	ModeRun
	ModeExecOnly
)

func (m Mode) String() string {
	switch m {
	case ModeRun:
		return "run"
	case ModeExecOnly:
		return "exec-only"
	default:
		return "skip"
	}
}

// Mode decides, from the item's own configuration alone, how it runs
// under the settings profile settingsID (0 for none).
func (it *CacheItem) Mode(settingsID uint32) Mode {
	if !it.enabled || it.flags.Has(FlagSkip) {
		return ModeSkip
	}

	explicitEnable := it.flags.Has(FlagExplicitEnable)
	if settingsID == 0 {
		if it.flags.Has(FlagExplicitDisable) && !explicitEnable {
			return ModeSkip
		}
		return ModeRun
	}
	execOnly := it.execOnly.Has(settingsID)

	if !explicitEnable && it.forbid.Has(settingsID) {
		return ModeSkip
	}

	switch {
	case !it.allowed.Empty():
		if it.allowed.Has(settingsID) {
			return ModeRun
		}
	case !it.flags.Has(FlagExplicitDisable):
		if execOnly {
			return ModeExecOnly
		}
		return ModeRun
	}

	switch {
	case execOnly:
		return ModeExecOnly
	case explicitEnable:
		return ModeRun
	default:
		return ModeSkip
	}
}

func (it *CacheItem) release() {
	n, is := it.specific.(*NormalItem)
	if !is {
		return
	}
	if n.Callback != nil {
		n.Callback.Release()
	}
	for _, c := range n.Conditions {
		if c != nil {
			c.Release()
		}
	}
}
