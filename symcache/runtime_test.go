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

package symcache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bilym/rspamd/reactor"
	"github.com/bilym/rspamd/session"
	"github.com/bilym/rspamd/symcache"
	"github.com/stretchr/testify/require"
)

type scan struct {
	sess     *session.Session
	fin      int
	cleanups int
}

func newScan(t *testing.T) *scan {
	t.Helper()
	sc := &scan{}
	s, err := session.New(session.NewPool("scan"),
		func() (bool, error) {
			sc.fin++
			return false, nil
		},
		session.WithCleanup(func() error {
			sc.cleanups++
			return nil
		}))
	require.NoError(t, err)
	sc.sess = s
	return sc
}

func inserting(weight float64, opts ...string) symcache.Callback {
	return symcache.CallbackFunc(func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
		x.Insert(weight, opts...)
		return symcache.ResultOK, nil
	})
}

func register(t *testing.T, c *symcache.Cache, name string, stage symcache.Stage, cb symcache.Callback) int {
	t.Helper()
	id, err := c.RegisterNormal(name, 0, cb, nil, stage, 0)
	require.NoError(t, err)
	return id
}

func insertedNames(r *symcache.Runtime) []string {
	var names []string
	for _, ins := range r.Insertions() {
		names = append(names, ins.Symbol)
	}
	return names
}

func TestRuntimeSynchronous(t *testing.T) {
	t.Parallel()
	c := symcache.NewCache(nil)
	register(t, c, "C", symcache.Post, inserting(3))
	register(t, c, "B", symcache.Normal, symcache.CallbackFunc(func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
		require.True(t, x.Runtime().Finished("A"))
		require.False(t, x.Runtime().Finished("C"))
		x.Insert(2, "after-a")
		return symcache.ResultOK, nil
	}))
	register(t, c, "A", symcache.Normal, inserting(1, "x", "y"))
	require.NoError(t, c.AddDependency("B", "A"))
	require.NoError(t, c.Compile())

	sc := newScan(t)
	done := 0
	r, err := symcache.NewRuntime(c, sc.sess, symcache.OnDone(func(*symcache.Runtime) { done++ }))
	require.NoError(t, err)
	r.Run(context.Background())

	require.True(t, r.Done())
	require.Equal(t, 1, done)
	require.Equal(t, 1, sc.fin)
	require.Equal(t, session.Finalized, sc.sess.State())
	require.Equal(t, []string{"A", "B", "C"}, insertedNames(r))
	require.Equal(t, []string{"x", "y"}, r.Insertions()[0].Options)
	require.Empty(t, r.Pending())
	require.Empty(t, r.Failures())
	require.EqualValues(t, 1, c.ItemByName("A").Stats().Snapshot().Hits)
}

func TestRuntimeAsyncHold(t *testing.T) {
	t.Parallel()
	c := symcache.NewCache(nil)

	var release func()
	register(t, c, "A", symcache.Normal, symcache.CallbackFunc(func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
		var err error
		release, err = x.Hold("dns")
		return symcache.ResultOK, err
	}))
	register(t, c, "B", symcache.Normal, inserting(1))
	register(t, c, "C", symcache.Normal, inserting(1))
	require.NoError(t, c.AddDependency("B", "A"))
	require.NoError(t, c.Compile())

	sc := newScan(t)
	r, err := symcache.NewRuntime(c, sc.sess)
	require.NoError(t, err)
	r.Run(context.Background())

	// C doesn't depend on A and runs while A waits.
	require.False(t, r.Done())
	require.Equal(t, []string{"A", "B"}, r.Pending())
	require.Equal(t, []string{"C"}, insertedNames(r))
	require.Equal(t, 1, sc.sess.PendingCount())
	require.Equal(t, session.Active, sc.sess.State())
	require.Equal(t, 0, sc.fin)

	release()
	require.True(t, r.Done())
	require.Equal(t, []string{"C", "B"}, insertedNames(r))
	require.Equal(t, 1, sc.fin)
	require.Equal(t, session.Finalized, sc.sess.State())

	release()
	require.Equal(t, 1, sc.fin)
}

func TestRuntimeReleaseInsideCallback(t *testing.T) {
	t.Parallel()
	c := symcache.NewCache(nil)
	register(t, c, "A", symcache.Normal, symcache.CallbackFunc(func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
		release, err := x.Hold("quick")
		if err != nil {
			return symcache.ResultOK, err
		}
		release()
		x.Insert(1)
		return symcache.ResultOK, nil
	}))
	require.NoError(t, c.Compile())

	sc := newScan(t)
	r, err := symcache.NewRuntime(c, sc.sess)
	require.NoError(t, err)
	r.Run(context.Background())
	require.True(t, r.Done())
	require.Equal(t, []string{"A"}, insertedNames(r))
	require.Equal(t, 1, sc.fin)
}

func TestRuntimeReleaseInsideCondition(t *testing.T) {
	t.Parallel()
	c := symcache.NewCache(nil)
	register(t, c, "A", symcache.Normal, symcache.CallbackFunc(func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
		release, err := x.Hold("cb")
		if err != nil {
			return symcache.ResultOK, err
		}
		x.Insert(1)
		release()
		return symcache.ResultOK, nil
	}))
	require.NoError(t, c.AddCondition("A", symcache.ConditionFunc(func(ctx context.Context, x *symcache.Exec) (bool, error) {
		release, err := x.Hold("cond")
		if err != nil {
			return false, err
		}
		release()
		return true, nil
	})))
	require.NoError(t, c.Compile())

	sc := newScan(t)
	r, err := symcache.NewRuntime(c, sc.sess)
	require.NoError(t, err)
	r.Run(context.Background())
	require.Empty(t, r.Failures())
	require.True(t, r.Done())
	require.Equal(t, []string{"A"}, insertedNames(r))
	require.Equal(t, 1, sc.fin)
}

func TestRuntimeFailuresAndConditions(t *testing.T) {
	t.Parallel()
	c := symcache.NewCache(nil)
	register(t, c, "panics", symcache.Normal, symcache.CallbackFunc(func(context.Context, *symcache.Exec) (symcache.Result, error) {
		panic("boom")
	}))
	register(t, c, "errs", symcache.Normal, symcache.CallbackFunc(func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
		x.Insert(1)
		return symcache.ResultOK, errors.New("lookup failed")
	}))
	called := false
	register(t, c, "declined", symcache.Normal, symcache.CallbackFunc(func(context.Context, *symcache.Exec) (symcache.Result, error) {
		called = true
		return symcache.ResultOK, nil
	}))
	register(t, c, "after", symcache.Post, inserting(1))
	require.NoError(t, c.AddCondition("declined", symcache.ConditionFunc(func(context.Context, *symcache.Exec) (bool, error) {
		return false, nil
	})))
	require.NoError(t, c.AddDependency("after", "panics"))
	require.NoError(t, c.AddDependency("after", "declined"))
	require.NoError(t, c.Compile())

	sc := newScan(t)
	r, err := symcache.NewRuntime(c, sc.sess)
	require.NoError(t, err)
	r.Run(context.Background())

	require.True(t, r.Done())
	require.False(t, called)
	require.Equal(t, []string{"errs", "after"}, insertedNames(r))
	require.Len(t, r.Failures(), 2)
	var cf *symcache.CallbackFailure
	require.ErrorAs(t, r.Failures()[0], &cf)
	require.Equal(t, "panics", cf.Name)
	require.Equal(t, 1, sc.fin)
}

func TestRuntimeSuppressedInsertions(t *testing.T) {
	t.Parallel()
	c := symcache.NewCache(nil)
	register(t, c, "exec", symcache.Normal, inserting(1))
	_, err := c.RegisterNormal("ghost", 0, inserting(1), nil, symcache.Normal, symcache.FlagGhost)
	require.NoError(t, err)
	register(t, c, "negative", symcache.Normal, inserting(-1))
	_, err = c.RegisterNormal("fine", 0, inserting(-1), nil, symcache.Normal, symcache.FlagFine)
	require.NoError(t, err)
	parent := register(t, c, "parent", symcache.Normal, symcache.CallbackFunc(func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
		require.True(t, x.InsertSymbol("child", 2, "a"))
		require.True(t, x.InsertSymbol("child", 1, "b", "a"))
		require.False(t, x.InsertSymbol("missing", 1))
		return symcache.ResultOK, nil
	}))
	_, err = c.RegisterVirtual("child", parent, symcache.Virtual, 0)
	require.NoError(t, err)
	require.NoError(t, c.SetExecOnlyIDs("exec", 3))
	require.NoError(t, c.Compile())

	sc := newScan(t)
	r, err := symcache.NewRuntime(c, sc.sess, symcache.WithSettings(3))
	require.NoError(t, err)
	r.Run(context.Background())

	require.True(t, r.Done())
	require.Equal(t, []string{"fine", "child"}, insertedNames(r))
	require.Equal(t, 2.0, r.Insertions()[1].Weight)
	require.Equal(t, []string{"a", "b"}, r.Insertions()[1].Options)
	require.EqualValues(t, 1, c.ItemByName("child").Stats().Snapshot().Hits)
}

func TestRuntimeForcedDestroy(t *testing.T) {
	t.Parallel()
	c := symcache.NewCache(nil)
	var release func()
	register(t, c, "A", symcache.Normal, symcache.CallbackFunc(func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
		var err error
		release, err = x.Hold("slow")
		return symcache.ResultOK, err
	}))
	ranB := false
	register(t, c, "B", symcache.Normal, symcache.CallbackFunc(func(context.Context, *symcache.Exec) (symcache.Result, error) {
		ranB = true
		return symcache.ResultOK, nil
	}))
	require.NoError(t, c.AddDependency("B", "A"))
	require.NoError(t, c.Compile())

	sc := newScan(t)
	r, err := symcache.NewRuntime(c, sc.sess)
	require.NoError(t, err)
	r.Run(context.Background())

	sc.sess.Destroy()
	require.Equal(t, session.ForceCleaned, sc.sess.State())
	require.Equal(t, 1, sc.cleanups)
	require.Equal(t, 0, sc.fin)
	require.False(t, ranB)
	require.False(t, r.Done())
	require.Equal(t, []string{"A", "B"}, r.Pending())

	release()
	require.False(t, ranB)
	require.Equal(t, 0, sc.fin)
	require.Equal(t, 1, sc.cleanups)
}

func TestRuntimeNotCompiled(t *testing.T) {
	t.Parallel()
	c := symcache.NewCache(nil)
	sc := newScan(t)
	_, err := symcache.NewRuntime(c, sc.sess)
	require.ErrorIs(t, err, symcache.ErrNotCompiled)
}

func TestRuntimeAfter(t *testing.T) {
	t.Parallel()

	loop := reactor.New(0)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	c := symcache.NewCache(nil)
	register(t, c, "A", symcache.Normal, symcache.CallbackFunc(func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
		return symcache.ResultOK, x.After(5*time.Millisecond, "timer", func(x *symcache.Exec) error {
			x.Insert(1, "late")
			return nil
		})
	}))
	register(t, c, "B", symcache.Post, inserting(1))
	require.NoError(t, c.Compile())

	finished := make(chan []string, 1)
	var r *symcache.Runtime
	require.NoError(t, loop.Do(ctx, func() {
		s, err := session.New(nil, func() (bool, error) {
			finished <- insertedNames(r)
			return false, nil
		})
		require.NoError(t, err)
		r, err = symcache.NewRuntime(c, s, symcache.WithLoop(loop))
		require.NoError(t, err)
		r.Run(ctx)
	}))

	select {
	case got := <-finished:
		require.Equal(t, []string{"A", "B"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not finish")
	}

	// Without a loop After refuses.
	c2 := symcache.NewCache(nil)
	var afterErr error
	register(t, c2, "A", symcache.Normal, symcache.CallbackFunc(func(ctx context.Context, x *symcache.Exec) (symcache.Result, error) {
		afterErr = x.After(time.Millisecond, "t", nil)
		return symcache.ResultOK, nil
	}))
	require.NoError(t, c2.Compile())
	sc := newScan(t)
	r2, err := symcache.NewRuntime(c2, sc.sess)
	require.NoError(t, err)
	r2.Run(context.Background())
	require.ErrorIs(t, afterErr, symcache.ErrNoLoop)
	require.True(t, r2.Done())
}
