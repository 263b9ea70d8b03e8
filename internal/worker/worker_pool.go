// ============================================================================
// Trigger Worker Pool - 容量變更觸發的並發執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 接收 Trigger（completion、cancellation、availability ...），
//       交給 Worker 對該單位執行 dispatch pass
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit(trigger)--> taskCh
//   └─────────────┘
//         ↑
//    ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 單位合併 (coalescing):
//   每個單位同時最多一個 Trigger 在 taskCh 或執行中。執行期間再收到的
//   Trigger 只設定 dirty 標記，pass 結束後同一個 Worker 立即再跑一次。
//   這只是減少重複工作；正確性由 ledger 與 queue 的原子操作保證。
//
// 重新觸發 (retrigger):
//   pass 被預算截斷且佇列仍有項目時，延遲後再送一次 retrigger。
//   延遲 = max(單位 rate.Limiter 的等待時間, 指數退避)，
//   同一條觸發鏈最多 MaxRetriggers 次。
//
// 生命週期:
//   1. New() - 創建 Pool
//   2. Start() - 啟動 Worker goroutines
//   3. Submit(trigger) - 提交觸發
//   4. Stop() - 停止計時器，等待執行中的 pass 完成
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新觸發
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// unitState 單位的執行狀態
type unitState struct {
	busy    bool          // 在 taskCh 中或執行中
	dirty   bool          // 執行期間又被觸發
	pending types.Trigger // dirty 時下一次要執行的 Trigger
}

// Pool 代表 Worker 池
type Pool struct {
	cfg      Config
	runner   Runner
	onResult func(Result)

	workers  []*Worker
	taskCh   chan types.Trigger
	resultCh chan Result
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	units    map[string]*unitState
	limiters map[string]*rate.Limiter
	timers   map[*time.Timer]struct{}
	stats    Stats
	started  bool
	stopped  bool
}

// Option 設定選項
type Option func(*Pool)

// WithResultHook 每次 pass 完成後呼叫（在 Worker goroutine 中）
func WithResultHook(fn func(Result)) Option {
	return func(p *Pool) { p.onResult = fn }
}

// New 建立 Pool
func New(runner Runner, cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		runner:   runner,
		taskCh:   make(chan types.Trigger, cfg.BufferSize),
		resultCh: make(chan Result, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		units:    make(map[string]*unitState),
		limiters: make(map[string]*rate.Limiter),
		timers:   make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 啟動 cfg.Workers 個 Worker
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < p.cfg.Workers; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	log.Info("Trigger pool started", "workers", p.cfg.Workers, "maxRetriggers", p.cfg.MaxRetriggers)
	return nil
}

// Submit 提交觸發
//
// 同一單位已在排隊或執行時只標記 dirty 並立即回傳。taskCh 滿時會阻塞，
// 直到有空間或 Pool 停止。
func (p *Pool) Submit(trigger types.Trigger) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	p.stats.Submitted++

	st := p.units[trigger.UnitID]
	if st == nil {
		st = &unitState{}
		p.units[trigger.UnitID] = st
	}
	if st.busy {
		if !st.dirty || trigger.Attempt < st.pending.Attempt {
			st.pending = trigger
		}
		st.dirty = true
		p.stats.Coalesced++
		p.mu.Unlock()
		return nil
	}
	st.busy = true
	p.mu.Unlock()

	select {
	case p.taskCh <- trigger:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// report 記錄結果並嘗試送到 resultCh（滿了就丟棄）
func (p *Pool) report(res Result) {
	p.mu.Lock()
	p.stats.Passes++
	if res.Error != nil {
		p.stats.Failed++
	}
	p.mu.Unlock()

	if res.Error != nil {
		log.Warn("Dispatch pass failed", "unitID", res.Trigger.UnitID, "reason", res.Trigger.Reason, "error", res.Error)
	}
	if p.onResult != nil {
		p.onResult(res)
	}
	select {
	case p.resultCh <- res:
	default:
	}
}

// finish 結束一次 pass；dirty 時回傳下一個要立即執行的 Trigger
func (p *Pool) finish(res Result) (types.Trigger, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	unitID := res.Trigger.UnitID
	st := p.units[unitID]
	if st.dirty && !p.stopped {
		st.dirty = false
		return st.pending, true
	}
	st.busy = false
	st.dirty = false

	if p.stopped || res.Error != nil || !res.Pass.NeedsRetrigger() {
		return types.Trigger{}, false
	}
	if res.Trigger.Attempt >= p.cfg.MaxRetriggers {
		p.stats.Exhausted++
		log.Warn("Retrigger limit reached", "unitID", unitID, "attempts", res.Trigger.Attempt, "remaining", res.Pass.Remaining)
		return types.Trigger{}, false
	}

	next := types.Trigger{UnitID: unitID, Reason: types.TriggerRetrigger, Attempt: res.Trigger.Attempt + 1}
	delay := p.retriggerDelayLocked(unitID, res.Trigger.Attempt)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		// 先提交再移除計時器，WaitIdle 才不會在兩者之間看到閒置
		if err := p.Submit(next); err != nil && !errors.Is(err, ErrPoolClosed) {
			log.Error("Failed to submit retrigger", "unitID", next.UnitID, "error", err)
		}
		p.mu.Lock()
		delete(p.timers, timer)
		p.mu.Unlock()
	})
	p.timers[timer] = struct{}{}
	p.stats.Retriggers++
	return types.Trigger{}, false
}

// retriggerDelayLocked 單位 limiter 的等待時間與指數退避取較大者
func (p *Pool) retriggerDelayLocked(unitID string, attempt int) time.Duration {
	lim := p.limiters[unitID]
	if lim == nil {
		lim = rate.NewLimiter(rate.Limit(p.cfg.RetriggerRate), p.cfg.RetriggerBurst)
		p.limiters[unitID] = lim
	}
	wait := lim.Reserve().Delay()
	return max(wait, Backoff(p.cfg.BaseBackoff, p.cfg.MaxBackoff, attempt))
}

// Backoff base * 2^attempt，上限 maxDelay
func Backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// ReceiveResult 從結果通道接收 pass 結果
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// WaitIdle 等待所有單位閒置且沒有待觸發的 retrigger
func (p *Pool) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.timers) > 0 {
		return false
	}
	for _, st := range p.units {
		if st.busy {
			return false
		}
	}
	return true
}

// Stop 優雅地關閉 Pool
//  1. 設定 stopped，取消所有排程中的 retrigger
//  2. 關閉 stopCh，Worker 完成當前 pass 後退出
//  3. 等待所有 Worker，取消 context，關閉 resultCh
//
// taskCh 中尚未執行的觸發會被丟棄；佇列項目仍在 store 中，下次觸發會處理。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for t := range p.timers {
		t.Stop()
	}
	clear(p.timers)
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	p.cancel()
	close(p.resultCh)
	log.Info("Trigger pool stopped")
}

// GetWorkerCount 返回 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Stats 回傳計數快照
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Config 回傳生效的設定
func (p *Pool) Config() Config { return p.cfg }
