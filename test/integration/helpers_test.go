// ============================================================================
// Assignment Scheduler Integration Test Suite
// ============================================================================
//
// Package: test/integration
// File: helpers_test.go
// Functionality: 共用的測試環境，讓每個情境在 memory / sqlite / postgres 上各跑一次
//
// Backends:
//   - memory:   永遠執行
//   - sqlite:   永遠執行（臨時目錄）
//   - postgres: 設定 SCHEDULER_TEST_POSTGRES_DSN 時執行
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/assignment-scheduler/internal/controller"
	"github.com/ChuLiYu/assignment-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/internal/store/memory"
	"github.com/ChuLiYu/assignment-scheduler/internal/store/sqlstore"
	"github.com/ChuLiYu/assignment-scheduler/internal/worker"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

const postgresEnv = "SCHEDULER_TEST_POSTGRES_DSN"

var t0 = time.Date(2026, 4, 6, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// backend 一個可重新開啟的儲存後端
type backend struct {
	name string
	open func(t *testing.T) store.Store
}

func backends(t *testing.T) []backend {
	t.Helper()
	list := []backend{
		{name: "memory", open: func(t *testing.T) store.Store { return memory.New() }},
		{name: "sqlite", open: func(t *testing.T) store.Store {
			path := filepath.Join(t.TempDir(), "scheduler.db")
			st, err := sqlstore.OpenSQLite(context.Background(), path)
			require.NoError(t, err)
			return st
		}},
	}
	if dsn := os.Getenv(postgresEnv); dsn != "" {
		list = append(list, backend{name: "postgres", open: func(t *testing.T) store.Store {
			st, err := sqlstore.OpenPostgres(context.Background(), dsn)
			require.NoError(t, err)
			for _, table := range []string{"events", "assignments", "queue_entries", "staff", "units"} {
				_, err := st.DB().Exec(`DELETE FROM ` + table)
				require.NoError(t, err)
			}
			return st
		}})
	}
	return list
}

// forEachBackend 在每個後端上執行同一情境
func forEachBackend(t *testing.T, fn func(t *testing.T, st store.Store)) {
	for _, b := range backends(t) {
		b := b
		t.Run(b.name, func(t *testing.T) {
			st := b.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func testConfig() controller.Config {
	cfg := controller.DefaultConfig()
	cfg.ScanInterval = 0
	cfg.SweepInterval = 0
	cfg.GaugeInterval = 0
	cfg.SnapshotInterval = 0
	cfg.RotateInterval = 0
	cfg.Worker = worker.Config{
		Workers:       4,
		BufferSize:    256,
		PassTimeout:   5 * time.Second,
		MaxRetriggers: 5,
		RetriggerRate: 1000,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    10 * time.Millisecond,
	}
	// 一般配額放寬；comment/escalate 沿用預設值
	cfg.RateLimits = ratelimit.Policies{
		ratelimit.ClassGeneral: {Limit: 100000, Window: time.Minute},
	}
	return cfg
}

type env struct {
	ctrl  *controller.Controller
	store store.Store
	clock *fakeClock
}

// unit 與 staff 的 WIP 設定
type layout struct {
	unitLimit  int
	staff      int
	staffLimit int
}

// newEnv 建立單位 u1 與 s1..sN，並啟動 Controller
func newEnv(t *testing.T, st store.Store, l layout) *env {
	t.Helper()
	e := &env{store: st, clock: &fakeClock{now: t0}}
	ctrl, err := controller.New(st, testConfig(), controller.WithClock(e.clock.Now))
	require.NoError(t, err)
	e.ctrl = ctrl

	ctx := context.Background()
	_, err = ctrl.UpsertUnit(ctx, "admin", types.Unit{ID: "u1", WIPLimit: l.unitLimit, SupervisorID: "lead"})
	require.NoError(t, err)
	for i := 1; i <= l.staff; i++ {
		_, err = ctrl.UpsertStaff(ctx, "admin", types.StaffProfile{
			ID:       fmt.Sprintf("s%d", i),
			UnitID:   "u1",
			WIPLimit: l.staffLimit,
		})
		require.NoError(t, err)
	}

	require.NoError(t, ctrl.Start())
	t.Cleanup(func() { _ = ctrl.Stop() })
	return e
}

func (e *env) submit(t *testing.T, workItemID string, p types.Priority) controller.SubmitResult {
	t.Helper()
	res, err := e.ctrl.Submit(context.Background(), "alice", controller.SubmitRequest{
		WorkItemID:   workItemID,
		WorkItemType: "ticket",
		Priority:     p,
		UnitID:       "u1",
	})
	require.NoError(t, err)
	return res
}

func (e *env) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.ctrl.WaitIdle(ctx))
}

// snapshot 一次讀取的容量與指派狀態
type state struct {
	unitCount  int
	staffCount map[string]int
	staffLimit map[string]int
	active     []*types.Assignment
	queued     []*types.QueueEntry
}

func (e *env) state(t *testing.T) state {
	t.Helper()
	ctx := context.Background()
	s := state{staffCount: map[string]int{}, staffLimit: map[string]int{}}
	require.NoError(t, e.store.View(ctx, func(tx store.Tx) error {
		u, err := tx.GetUnit(ctx, "u1")
		if err != nil {
			return err
		}
		s.unitCount = u.CurrentCount

		staff, err := tx.ListStaffByUnit(ctx, "u1")
		if err != nil {
			return err
		}
		for _, st := range staff {
			s.staffCount[st.ID] = st.CurrentCount
			s.staffLimit[st.ID] = st.WIPLimit
		}

		if s.active, err = tx.ListActiveAssignments(ctx); err != nil {
			return err
		}
		s.queued, err = tx.ListQueueEntries(ctx, "u1")
		return err
	}))
	return s
}

// requireConsistent 計數器必須與進行中的指派一致，且不超過上限
func requireConsistent(t *testing.T, s state, unitLimit int) {
	t.Helper()
	perStaff := map[string]int{}
	perItem := map[string]int{}
	for _, a := range s.active {
		perStaff[a.AssigneeID]++
		perItem[a.WorkItemID]++
	}
	for item, n := range perItem {
		require.Equalf(t, 1, n, "work item %s has %d active assignments", item, n)
	}
	require.LessOrEqual(t, s.unitCount, unitLimit)
	require.Equal(t, len(s.active), s.unitCount)
	for id, count := range s.staffCount {
		require.LessOrEqualf(t, count, s.staffLimit[id], "staff %s over limit", id)
		require.Equalf(t, perStaff[id], count, "staff %s counter drifted", id)
	}
}
