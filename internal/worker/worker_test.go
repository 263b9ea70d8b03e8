package worker

// ============================================================================
// Trigger Pool Test File
// Purpose: Verify coalescing, bounded retrigger, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/assignment-scheduler/internal/dispatcher"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// fakeRunner 記錄每個單位的 pass 次數，可設定延遲與回傳值
type fakeRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	running map[string]int
	overlap atomic.Bool
	delay   time.Duration
	result  func(unitID string, call int) (dispatcher.Result, error)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: map[string]int{}, running: map[string]int{}}
}

func (f *fakeRunner) Run(ctx context.Context, unitID string) (dispatcher.Result, error) {
	f.mu.Lock()
	f.calls[unitID]++
	call := f.calls[unitID]
	f.running[unitID]++
	if f.running[unitID] > 1 {
		f.overlap.Store(true)
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running[unitID]--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return dispatcher.Result{}, ctx.Err()
		}
	}
	if f.result != nil {
		return f.result(unitID, call)
	}
	return dispatcher.Result{UnitID: unitID}, nil
}

func (f *fakeRunner) Calls(unitID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[unitID]
}

func fastConfig() Config {
	return Config{
		Workers:       4,
		BufferSize:    16,
		PassTimeout:   time.Second,
		MaxRetriggers: 3,
		RetriggerRate: 1000,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    4 * time.Millisecond,
	}
}

func waitIdle(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.WaitIdle(ctx))
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestPoolStart(t *testing.T) {
	pool := New(newFakeRunner(), Config{Workers: 3})
	assert.False(t, pool.IsStarted())

	require.NoError(t, pool.Start())
	assert.Equal(t, 3, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())
	assert.Error(t, pool.Start())

	pool.Stop()
}

func TestSubmitBeforeStartAndAfterStop(t *testing.T) {
	pool := New(newFakeRunner(), fastConfig())
	assert.ErrorIs(t, pool.Submit(types.Trigger{UnitID: "u1"}), ErrPoolNotStarted)

	require.NoError(t, pool.Start())
	pool.Stop()
	assert.ErrorIs(t, pool.Submit(types.Trigger{UnitID: "u1"}), ErrPoolClosed)

	_, err := pool.ReceiveResult(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	pool.Stop() // idempotent
}

func TestPassResults(t *testing.T) {
	runner := newFakeRunner()
	var mu sync.Mutex
	var seen []Result
	pool := New(runner, fastConfig(), WithResultHook(func(r Result) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	}))
	require.NoError(t, pool.Start())
	defer pool.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(types.Trigger{UnitID: fmt.Sprintf("u%d", i), Reason: types.TriggerCompletion}))
	}
	units := map[string]bool{}
	for i := 0; i < 3; i++ {
		res, err := pool.ReceiveResult(context.Background())
		require.NoError(t, err)
		assert.NoError(t, res.Error)
		assert.Equal(t, types.TriggerCompletion, res.Trigger.Reason)
		units[res.Trigger.UnitID] = true
	}
	assert.Len(t, units, 3)

	waitIdle(t, pool)
	mu.Lock()
	assert.Len(t, seen, 3)
	mu.Unlock()
	assert.Equal(t, int64(3), pool.Stats().Passes)
}

// ============================================================================
// Coalescing
// ============================================================================

func TestCoalescesTriggersPerUnit(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 20 * time.Millisecond
	pool := New(runner, fastConfig())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	for i := 0; i < 100; i++ {
		require.NoError(t, pool.Submit(types.Trigger{UnitID: "u1", Reason: types.TriggerCompletion}))
	}
	waitIdle(t, pool)

	assert.Equal(t, 2, runner.Calls("u1"), "triggers during a pass fold into one rerun")
	assert.False(t, runner.overlap.Load(), "one pass per unit at a time")

	st := pool.Stats()
	assert.Equal(t, int64(100), st.Submitted)
	assert.Equal(t, int64(99), st.Coalesced)
}

func TestTriggerDuringPassCausesRerun(t *testing.T) {
	runner := newFakeRunner()
	started := make(chan struct{})
	release := make(chan struct{})
	runner.result = func(unitID string, call int) (dispatcher.Result, error) {
		if call == 1 {
			close(started)
			<-release
		}
		return dispatcher.Result{UnitID: unitID}, nil
	}
	pool := New(runner, fastConfig())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.NoError(t, pool.Submit(types.Trigger{UnitID: "u1", Reason: types.TriggerCompletion}))
	<-started
	require.NoError(t, pool.Submit(types.Trigger{UnitID: "u1", Reason: types.TriggerAvailability}))
	close(release)

	waitIdle(t, pool)
	assert.Equal(t, 2, runner.Calls("u1"), "a trigger that arrives mid-pass is never lost")
}

func TestUnitsRunInParallel(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 50 * time.Millisecond
	pool := New(runner, fastConfig())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(types.Trigger{UnitID: fmt.Sprintf("u%d", i)}))
	}
	waitIdle(t, pool)
	assert.Less(t, time.Since(start), 180*time.Millisecond)
}

// ============================================================================
// Retrigger
// ============================================================================

func TestRetriggerUntilDrained(t *testing.T) {
	runner := newFakeRunner()
	runner.result = func(unitID string, call int) (dispatcher.Result, error) {
		remaining := 3 - call
		return dispatcher.Result{UnitID: unitID, Assigned: 1, Truncated: remaining > 0, Remaining: remaining}, nil
	}
	pool := New(runner, fastConfig())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.NoError(t, pool.Submit(types.Trigger{UnitID: "u1", Reason: types.TriggerCompletion}))
	waitIdle(t, pool)

	assert.Equal(t, 3, runner.Calls("u1"))
	st := pool.Stats()
	assert.Equal(t, int64(2), st.Retriggers)
	assert.Zero(t, st.Exhausted)
}

func TestRetriggerIsBounded(t *testing.T) {
	runner := newFakeRunner()
	var attempts []int
	var mu sync.Mutex
	runner.result = func(unitID string, call int) (dispatcher.Result, error) {
		return dispatcher.Result{UnitID: unitID, Truncated: true, Remaining: 10}, nil
	}
	pool := New(runner, fastConfig(), WithResultHook(func(r Result) {
		mu.Lock()
		attempts = append(attempts, r.Trigger.Attempt)
		mu.Unlock()
	}))
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.NoError(t, pool.Submit(types.Trigger{UnitID: "u1", Reason: types.TriggerCompletion}))
	waitIdle(t, pool)

	assert.Equal(t, 4, runner.Calls("u1"), "original pass plus max_retriggers")
	mu.Lock()
	assert.Equal(t, []int{0, 1, 2, 3}, attempts)
	mu.Unlock()
	assert.Equal(t, int64(1), pool.Stats().Exhausted)
}

func TestNoRetriggerWhenUnitFullOrFailed(t *testing.T) {
	tests := []struct {
		name   string
		result dispatcher.Result
		err    error
	}{
		{"unit full", dispatcher.Result{Truncated: true, UnitFull: true, Remaining: 5}, nil},
		{"nothing left", dispatcher.Result{Truncated: true}, nil},
		{"pass failed", dispatcher.Result{Truncated: true, Remaining: 5}, errors.New("store down")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := newFakeRunner()
			runner.result = func(string, int) (dispatcher.Result, error) { return tt.result, tt.err }
			pool := New(runner, fastConfig())
			require.NoError(t, pool.Start())
			defer pool.Stop()

			require.NoError(t, pool.Submit(types.Trigger{UnitID: "u1"}))
			waitIdle(t, pool)
			assert.Equal(t, 1, runner.Calls("u1"))
			assert.Zero(t, pool.Stats().Retriggers)
		})
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(100*time.Millisecond, time.Second, tt.attempt), "attempt %d", tt.attempt)
	}
}

// ============================================================================
// Shutdown
// ============================================================================

func TestStopCancelsPendingRetriggers(t *testing.T) {
	runner := newFakeRunner()
	runner.result = func(unitID string, call int) (dispatcher.Result, error) {
		return dispatcher.Result{UnitID: unitID, Truncated: true, Remaining: 1}, nil
	}
	cfg := fastConfig()
	cfg.BaseBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	pool := New(runner, cfg)
	require.NoError(t, pool.Start())

	require.NoError(t, pool.Submit(types.Trigger{UnitID: "u1"}))
	require.Eventually(t, func() bool { return pool.Stats().Retriggers == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a pending retrigger")
	}
	assert.Equal(t, 1, runner.Calls("u1"))
}

func TestStopWaitsForRunningPass(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 100 * time.Millisecond
	pool := New(runner, fastConfig())
	require.NoError(t, pool.Start())

	require.NoError(t, pool.Submit(types.Trigger{UnitID: "u1"}))
	require.Eventually(t, func() bool { return runner.Calls("u1") == 1 }, time.Second, time.Millisecond)

	pool.Stop()
	assert.Equal(t, int64(1), pool.Stats().Passes, "in-flight pass finished before Stop returned")
}
