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

// Package symcache is the registry and scheduler of symbols: the
// checks that run against every scanned message.
//
// Symbols are registered, dependencies between them declared by
// name, and then the Cache is compiled once.  Compilation resolves
// names and virtual parents, rejects configuration errors, and
// computes a total order that respects stages, dependencies and
// priorities.  After that the Cache is read-only and serves any
// number of concurrent scans through ExecutionOrder and Runtime.
package symcache

import (
	"container/heap"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/bilym/rspamd/idset"
)

type pendingDep struct {
	child  string
	parent string
}

// Cache owns every registered item.
type Cache struct {
	items  []*CacheItem
	byName map[string]int
	deps   []pendingDep

	compiled bool
	order    []int
	filtered sync.Map // uint32 -> []int

	log *slog.Logger
}

// NewCache makes an empty Cache.  A nil logger means slog.Default().
func NewCache(log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		items:  make([]*CacheItem, 0, 64),
		byName: make(map[string]int, 64),
		log:    log,
	}
}

// Compiled reports whether Compile succeeded.
func (c *Cache) Compiled() bool {
	return c.compiled
}

// Len returns the number of registered items.
func (c *Cache) Len() int {
	return len(c.items)
}

// Item returns the item with the given id, or nil.
func (c *Cache) Item(id int) *CacheItem {
	if id < 0 || len(c.items) <= id {
		return nil
	}
	return c.items[id]
}

// ItemByName returns the named item, or nil.
func (c *Cache) ItemByName(name string) *CacheItem {
	id, have := c.byName[name]
	if !have {
		return nil
	}
	return c.items[id]
}

// Items iterates over all items in id order.
func (c *Cache) Items() iter.Seq[*CacheItem] {
	return func(yield func(*CacheItem) bool) {
		for _, it := range c.items {
			if !yield(it) {
				return
			}
		}
	}
}

func (c *Cache) insert(name string, mk func(id int) *CacheItem) (int, error) {
	if c.compiled {
		return -1, ErrCompiled
	}
	if name == "" {
		return -1, errors.New("empty symbol name")
	}
	if _, have := c.byName[name]; have {
		return -1, &DuplicateSymbol{Name: name}
	}
	id := len(c.items)
	c.items = append(c.items, mk(id))
	c.byName[name] = id
	return id, nil
}

// RegisterNormal adds an item with a callback.  The callback may be
// nil for items (composites for example) whose results are inserted by
// others.
func (c *Cache) RegisterNormal(name string, priority int, cb Callback, udata interface{}, stage Stage, flags Flags) (int, error) {
	if stage == Virtual {
		return -1, fmt.Errorf("symbol %q: normal symbols can't have the virtual stage", name)
	}
	return c.insert(name, func(id int) *CacheItem {
		return newItem(id, name, priority, stage, flags, &NormalItem{
			Callback: cb,
			UserData: udata,
		})
	})
}

// RegisterVirtual adds an alias of the item parentID.  The parent is
// resolved by Compile, so it may be registered later.  The stage is
// either Virtual or one sharing the real parent's rank; Compile
// reports any other as a StageMismatch.
func (c *Cache) RegisterVirtual(name string, parentID int, stage Stage, flags Flags) (int, error) {
	return c.insert(name, func(id int) *CacheItem {
		return newItem(id, name, 0, stage, flags, &VirtualItem{
			ParentID: parentID,
			parent:   -1,
		})
	})
}

// AddDependency declares that child runs after parent.  Neither needs
// to be registered yet.
func (c *Cache) AddDependency(child, parent string) error {
	if c.compiled {
		return ErrCompiled
	}
	c.deps = append(c.deps, pendingDep{child: child, parent: parent})
	return nil
}

func (c *Cache) mutable(name string) (*CacheItem, error) {
	if c.compiled {
		return nil, ErrCompiled
	}
	it := c.ItemByName(name)
	if it == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSymbol, name)
	}
	return it, nil
}

// AddCondition appends a condition to a normal item.
func (c *Cache) AddCondition(name string, cond Condition) error {
	it, err := c.mutable(name)
	if err != nil {
		return err
	}
	if !it.AddCondition(cond) {
		return fmt.Errorf("%w: %q", ErrVirtualCondition, name)
	}
	return nil
}

func (c *Cache) setIDs(name string, which func(*CacheItem) *idset.Set, ids []uint32) error {
	it, err := c.mutable(name)
	if err != nil {
		return err
	}
	s, err := idset.New(ids...)
	if err != nil {
		return fmt.Errorf("symbol %q: %w", name, err)
	}
	*which(it) = s
	return nil
}

// SetAllowedIDs sets the profiles under which the item inserts
// results.
func (c *Cache) SetAllowedIDs(name string, ids ...uint32) error {
	return c.setIDs(name, func(it *CacheItem) *idset.Set { return &it.allowed }, ids)
}

// SetExecOnlyIDs sets the profiles under which the item runs without
// inserting results.
func (c *Cache) SetExecOnlyIDs(name string, ids ...uint32) error {
	return c.setIDs(name, func(it *CacheItem) *idset.Set { return &it.execOnly }, ids)
}

// SetForbiddenIDs sets the profiles under which the item never runs.
func (c *Cache) SetForbiddenIDs(name string, ids ...uint32) error {
	return c.setIDs(name, func(it *CacheItem) *idset.Set { return &it.forbid }, ids)
}

// Enable and Disable set an item's enabled flag.
func (c *Cache) Enable(name string) error {
	return c.setEnabled(name, true)
}

func (c *Cache) Disable(name string) error {
	return c.setEnabled(name, false)
}

func (c *Cache) setEnabled(name string, enabled bool) error {
	it, err := c.mutable(name)
	if err != nil {
		return err
	}
	it.enabled = enabled
	return nil
}

// EffectiveStage is the stage an item is ordered in.  Virtual items
// follow their parent once compiled.
func (c *Cache) EffectiveStage(it *CacheItem) Stage {
	if p, ok := it.Parent(); ok {
		return c.items[p].stage
	}
	return it.stage
}

// resolveParents resolves every virtual item to a normal item and
// checks its declared stage.  The result maps item ids to their real
// item.
func (c *Cache) resolveParents() ([]int, error) {
	resolved := make([]int, len(c.items))
	var errs []error
	for i, it := range c.items {
		v := it.Virtual()
		if v == nil {
			resolved[i] = i
			continue
		}
		resolved[i] = -1
		cur := v.ParentID
		for hops := 0; hops <= len(c.items); hops++ {
			p := c.Item(cur)
			if p == nil || cur == i {
				break
			}
			pv := p.Virtual()
			if pv == nil {
				resolved[i] = cur
				break
			}
			cur = pv.ParentID
		}
		if resolved[i] < 0 {
			errs = append(errs, &DanglingParent{Name: it.name, ParentID: v.ParentID})
			continue
		}
		if rp := c.items[resolved[i]]; it.stage != Virtual && it.stage.rank() != rp.stage.rank() {
			errs = append(errs, &StageMismatch{
				Name:        it.name,
				Stage:       it.stage,
				Parent:      rp.name,
				ParentStage: rp.stage,
			})
		}
	}
	return resolved, errors.Join(errs...)
}

type edge struct {
	parent int // real
	child  int // real
	dep    Dependency
}

// resolveDeps turns the declared dependencies into edges between
// normal items.
func (c *Cache) resolveDeps(resolved []int) ([]edge, error) {
	var (
		errs  []error
		edges = make([]edge, 0, len(c.deps))
		seen  = make(map[[2]int]bool, len(c.deps))
	)
	for _, d := range c.deps {
		childID, haveChild := c.byName[d.child]
		parentID, haveParent := c.byName[d.parent]
		if !haveChild || !haveParent {
			errs = append(errs, &UnknownDependency{Child: d.child, Parent: d.parent})
			continue
		}
		from, to := resolved[childID], resolved[parentID]
		if from < 0 || to < 0 {
			// Already reported as a dangling parent.
			continue
		}
		child, parent := c.items[from], c.items[to]
		if from == to {
			errs = append(errs, &CyclicDependency{
				Name:   d.child,
				Detail: fmt.Sprintf("depends on %q, which resolves to itself", d.parent),
			})
			continue
		}
		if parent.stage.rank() > child.stage.rank() {
			errs = append(errs, &CyclicDependency{
				Name: d.child,
				Detail: fmt.Sprintf("stage %s depends on %q of later stage %s",
					child.stage, d.parent, parent.stage),
			})
			continue
		}
		if seen[[2]int{from, to}] {
			continue
		}
		seen[[2]int{from, to}] = true

		vfrom := -1
		if from != childID {
			vfrom = childID
		}
		edges = append(edges, edge{
			parent: to,
			child:  from,
			dep: Dependency{
				Item:        to,
				Symbol:      d.parent,
				From:        from,
				VirtualFrom: vfrom,
			},
		})
	}
	return edges, errors.Join(errs...)
}

// readyQueue orders items by stage, then priority (higher first),
// then id.
type readyQueue struct {
	ids []int
	c   *Cache
}

func (q *readyQueue) Len() int { return len(q.ids) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.c.items[q.ids[i]], q.c.items[q.ids[j]]
	if ra, rb := a.stage.rank(), b.stage.rank(); ra != rb {
		return ra < rb
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.id < b.id
}

func (q *readyQueue) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }

func (q *readyQueue) Push(x any) { q.ids = append(q.ids, x.(int)) }

func (q *readyQueue) Pop() any {
	n := len(q.ids)
	x := q.ids[n-1]
	q.ids = q.ids[:n-1]
	return x
}

// Compile resolves the graph and computes the execution order.  On
// error nothing is changed and the cache stays uncompiled; the error
// joins every problem found.
func (c *Cache) Compile() error {
	if c.compiled {
		return ErrCompiled
	}

	resolved, perr := c.resolveParents()
	edges, derr := c.resolveDeps(resolved)
	if err := errors.Join(perr, derr); err != nil {
		c.log.Error("symbol cache compile failed", "error", err)
		return err
	}

	n := len(c.items)
	children := make([][]int, n)
	indegree := make([]int, n)
	virtuals := make([][]int, n)
	for _, e := range edges {
		children[e.parent] = append(children[e.parent], e.child)
		indegree[e.child]++
	}
	for i, r := range resolved {
		if r != i {
			virtuals[r] = append(virtuals[r], i)
		}
	}

	q := &readyQueue{c: c}
	normals := 0
	for i, it := range c.items {
		if it.IsVirtual() {
			continue
		}
		normals++
		if indegree[i] == 0 {
			q.ids = append(q.ids, i)
		}
	}
	heap.Init(q)

	order := make([]int, 0, n)
	emitted := 0
	for 0 < q.Len() {
		id := heap.Pop(q).(int)
		emitted++
		order = append(order, id)
		order = append(order, virtuals[id]...)
		for _, child := range children[id] {
			if indegree[child]--; indegree[child] == 0 {
				heap.Push(q, child)
			}
		}
	}

	if emitted < normals {
		err := c.cycleError(indegree, children)
		c.log.Error("symbol cache compile failed", "error", err)
		return err
	}

	// Commit.
	for _, it := range c.items {
		it.deps = nil
		it.rdeps = nil
		it.virtuals = virtuals[it.id]
		if v := it.Virtual(); v != nil {
			v.parent = resolved[it.id]
		}
	}
	for _, e := range edges {
		c.items[e.child].deps = append(c.items[e.child].deps, e.dep)
		c.items[e.parent].rdeps = append(c.items[e.parent].rdeps, Dependency{
			Item:        e.child,
			Symbol:      c.items[e.child].name,
			From:        e.child,
			VirtualFrom: e.dep.VirtualFrom,
		})
	}
	for i, id := range order {
		c.items[id].order = i
	}
	c.order = order
	c.deps = nil
	c.compiled = true

	c.log.Info("symbol cache compiled", "items", n, "edges", len(edges))
	return nil
}

// cycleError finds a loop among the items that could not be ordered.
// Every such item still has an unordered parent, so walking parents
// from any of them ends in a loop.
func (c *Cache) cycleError(indegree []int, children [][]int) error {
	start := -1
	for i, d := range indegree {
		if 0 < d {
			start = i
			break
		}
	}

	parents := make(map[int]int)
	for p, cs := range children {
		if indegree[p] == 0 {
			continue
		}
		for _, ch := range cs {
			if _, have := parents[ch]; !have && 0 < indegree[ch] {
				parents[ch] = p
			}
		}
	}

	pos := make(map[int]int)
	path := make([]int, 0, 8)
	for cur := start; ; {
		if at, seen := pos[cur]; seen {
			path = path[at:]
			break
		}
		pos[cur] = len(path)
		path = append(path, cur)
		next, have := parents[cur]
		if !have {
			break
		}
		cur = next
	}

	last := path[len(path)-1]
	names := make([]string, 0, len(path)+1)
	for i := len(path) - 1; 0 <= i; i-- {
		names = append(names, c.items[path[i]].name)
	}
	names = append(names, c.items[last].name)
	return &CyclicDependency{
		Name:   c.items[last].name,
		Detail: "dependency loop " + strings.Join(names, " -> "),
	}
}

// Mode returns how the item id runs under settingsID.
func (c *Cache) Mode(id int, settingsID uint32) Mode {
	it := c.Item(id)
	if it == nil {
		return ModeSkip
	}
	return it.Mode(settingsID)
}

// ExecutionOrder returns the ids of the items a scan under settingsID
// attempts, in order.  The sequence can be iterated any number of
// times.  Filtered orders are cached per settings id.
func (c *Cache) ExecutionOrder(settingsID uint32) (iter.Seq[int], error) {
	if !c.compiled {
		return nil, ErrNotCompiled
	}
	ids := c.filteredOrder(settingsID)
	return func(yield func(int) bool) {
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}, nil
}

func (c *Cache) filteredOrder(settingsID uint32) []int {
	if x, have := c.filtered.Load(settingsID); have {
		return x.([]int)
	}
	ids := make([]int, 0, len(c.order))
	for _, id := range c.order {
		if c.items[id].Mode(settingsID) != ModeSkip {
			ids = append(ids, id)
		}
	}
	x, _ := c.filtered.LoadOrStore(settingsID, ids)
	return x.([]int)
}

// Release releases every callback and condition handle.
func (c *Cache) Release() {
	for _, it := range c.items {
		it.release()
	}
}
