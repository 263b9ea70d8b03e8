package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/assignment-scheduler/internal/controller"
	"github.com/ChuLiYu/assignment-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/internal/store/memory"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// TestQueueDrainThroughput 200 筆排隊項目在 10 位人員間輪轉，直到全部完成
//
// 每一輪完成所有進行中的指派，派送補上空出的容量；記錄總耗時與每秒處理量。
func TestQueueDrainThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}
	forEachBackend(t, func(t *testing.T, st store.Store) {
		const total = 200
		e := newEnv(t, st, layout{unitLimit: 10, staff: 10, staffLimit: 1})
		ctx := context.Background()

		for i := 0; i < total; i++ {
			e.submit(t, fmt.Sprintf("w%03d", i), types.PriorityNormal)
		}

		start := time.Now()
		completed := 0
		for completed < total {
			s := e.state(t)
			require.NotEmpty(t, s.active, "queue stalled after %d completions", completed)
			requireConsistent(t, s, 10)
			for _, a := range s.active {
				_, err := e.ctrl.Complete(ctx, "alice", a.ID, "")
				require.NoError(t, err)
				completed++
			}
			e.waitIdle(t)
		}
		elapsed := time.Since(start)
		t.Logf("drained %d items in %v (%.0f/s)", total, elapsed, float64(total)/elapsed.Seconds())

		s := e.state(t)
		require.Empty(t, s.queued)
		require.Empty(t, s.active)
	})
}

func BenchmarkSubmitComplete(b *testing.B) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.RateLimits[ratelimit.ClassGeneral] = ratelimit.Policy{Limit: 1 << 30, Window: time.Minute}
	ctrl, err := controller.New(memory.New(), cfg)
	require.NoError(b, err)
	_, err = ctrl.UpsertUnit(ctx, "admin", types.Unit{ID: "u1", WIPLimit: 1000})
	require.NoError(b, err)
	_, err = ctrl.UpsertStaff(ctx, "admin", types.StaffProfile{ID: "s1", UnitID: "u1", WIPLimit: 1000})
	require.NoError(b, err)
	require.NoError(b, ctrl.Start())
	defer ctrl.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := ctrl.Submit(ctx, "bench", controller.SubmitRequest{
			WorkItemID:   fmt.Sprintf("w%d", i),
			WorkItemType: "ticket",
			UnitID:       "u1",
		})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := ctrl.Complete(ctx, "bench", res.Assignment.ID, ""); err != nil {
			b.Fatal(err)
		}
	}
}
