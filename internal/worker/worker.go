// ============================================================================
// Trigger Worker - dispatch pass 執行單元
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: 每個 Worker 是獨立的 goroutine，從 taskCh 取出 Trigger 並執行 pass
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ select taskCh / stopCh       │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ runner.Run(unit)        │   │
//   │  │   ├─ 期間有新觸發 → 再跑一次   │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// Worker represents a pass execution unit
type Worker struct {
	id   int
	pool *Pool
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{id: id, pool: pool}
}

// Run is the main loop of Worker. It exits when the pool stops.
func (w *Worker) Run() {
	p := w.pool
	for {
		select {
		case <-p.stopCh:
			return
		case trigger := <-p.taskCh:
			for {
				res := w.execute(trigger)
				p.report(res)
				next, again := p.finish(res)
				if !again {
					break
				}
				trigger = next
			}
		}
	}
}

// execute runs one pass with its own timeout
func (w *Worker) execute(trigger types.Trigger) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(w.pool.ctx, w.pool.cfg.PassTimeout)
	defer cancel()

	res, err := w.pool.runner.Run(ctx, trigger.UnitID)
	return Result{
		Trigger:  trigger,
		Pass:     res,
		Error:    err,
		Duration: time.Since(start),
	}
}
