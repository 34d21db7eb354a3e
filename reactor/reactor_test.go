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

package reactor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bilym/rspamd/reactor"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func start(t *testing.T) (*reactor.Loop, context.CancelFunc) {
	t.Helper()
	l := reactor.New(0)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, l.Run(ctx))
	}()
	stop := func() {
		cancel()
		wg.Wait()
	}
	t.Cleanup(stop)
	return l, stop
}

func TestLoopRunsInOrder(t *testing.T) {
	l, _ := start(t)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Do(context.Background(), func() {}))
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestLoopSurvivesPanic(t *testing.T) {
	l, _ := start(t)
	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	require.True(t, ran)
}

func TestLoopStopped(t *testing.T) {
	l, stop := start(t)
	stop()
	require.False(t, l.Post(func() {}))
	require.ErrorIs(t, l.Do(context.Background(), func() {}), reactor.ErrStopped)
	require.ErrorIs(t, l.Run(context.Background()), reactor.ErrRunning)
}

func TestAfterFunc(t *testing.T) {
	l, _ := start(t)

	fired := make(chan struct{})
	l.Post(func() {
		l.AfterFunc(5*time.Millisecond, func() { close(fired) })
	})
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}

	var stopped bool
	ran := false
	require.NoError(t, l.Do(context.Background(), func() {
		tm := l.AfterFunc(time.Millisecond, func() { ran = true })
		stopped = tm.Stop()
	}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Do(context.Background(), func() {}))
	require.True(t, stopped)
	require.False(t, ran)
}

func TestDeferWithFullQueue(t *testing.T) {
	l := reactor.New(1)

	var got []string
	finished := make(chan struct{})
	require.True(t, l.Post(func() {
		got = append(got, "task")
		// Refill the queue, then defer work behind it.
		require.True(t, l.Post(func() {
			got = append(got, "queued")
			close(finished)
		}))
		l.Defer(func() {
			got = append(got, "deferred")
			l.Defer(func() { got = append(got, "nested") })
		})
	}))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, l.Run(ctx))
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("loop stuck")
	}
	require.Equal(t, []string{"task", "deferred", "nested", "queued"}, got)
}
