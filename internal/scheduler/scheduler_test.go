package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("@every 250ms")
	require.NoError(t, err)
	now := time.Now()
	assert.Equal(t, now.Add(250*time.Millisecond), s.Next(now))

	_, err = ParseSchedule("*/5 * * * * *")
	require.NoError(t, err)
	_, err = ParseSchedule("@hourly")
	require.NoError(t, err)

	for _, bad := range []string{"@every", "@every -1s", "@every nope", "not a schedule"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}

func TestRunInvokesTasksUntilCancelled(t *testing.T) {
	s := New(nil)
	var n atomic.Int32
	require.NoError(t, s.Add("tick", 20*time.Millisecond, func(ctx context.Context) {
		if ctx.Err() == nil {
			n.Add(1)
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return n.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	after := n.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	s := New(nil)
	var active, maxActive, runs atomic.Int32
	require.NoError(t, s.Add("slow", 10*time.Millisecond, func(ctx context.Context) {
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if cur <= m || maxActive.CompareAndSwap(m, cur) {
				break
			}
		}
		runs.Add(1)
		time.Sleep(50 * time.Millisecond)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(nil)
	var n atomic.Int32
	require.NoError(t, s.Add("boom", 15*time.Millisecond, func(context.Context) {
		n.Add(1)
		panic("task failure")
	}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()
	require.Eventually(t, func() bool { return n.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestTaskKeepsRunningAfterFirstPanic(t *testing.T) {
	s := New(nil)
	var n atomic.Int32
	require.NoError(t, s.Add("flaky", 10*time.Millisecond, func(context.Context) {
		if n.Add(1) == 1 {
			panic("first run fails")
		}
	}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()
	require.Eventually(t, func() bool { return n.Load() >= 3 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestAddValidation(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) {}
	require.NoError(t, s.Add("a", time.Second, noop))
	assert.Error(t, s.Add("a", time.Second, noop))
	assert.Error(t, s.Add("", time.Second, noop))
	assert.Error(t, s.Add("zero", 0, noop))
	assert.Error(t, s.AddSpec("bad", "@every x", noop))
	require.NoError(t, s.AddSpec("cron", "0 * * * * *", noop))
	assert.Len(t, s.Tasks(), 2)
}

func TestRunTwiceFails(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Run(ctx); close(done) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.running
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Run(context.Background()), ErrRunning)
	cancel()
	<-done
}
