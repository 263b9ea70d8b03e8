// ============================================================================
// Assignment Scheduler 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組合所有模組，提供對外操作，並執行背景循環
//
// 架構設計:
//   Controller 負責協調以下組件：
//   - Store: 交易式儲存（memory / SQLite / Postgres）
//   - Ledger: 人員與單位的 WIP 計數
//   - Queue: 等待容量的工作項目
//   - Audit: 稽核事件（提交後鏡像到 Journal）
//   - Dispatcher + Trigger Pool: 容量釋放時把佇列項目轉成指派
//   - Escalator: SLA 期限與升級
//   - Limiter: 所有由使用者發起的操作都先經過限流
//
// 背景循環:
//   1. Result Loop   - 接收 pass 結果，更新佇列長度指標
//   2. SLA Loop      - 定期掃描逾期指派並升級
//   3. Sweep Loop    - 定期對有積壓的單位補送觸發（遺失觸發的保險）
//   4. Snapshot Loop - memory 後端定期寫快照
//   5. Journal Loop  - 定期旋轉稽核日誌並上傳封存
//   6. Gauge Loop    - 更新佇列長度與 WIP 指標
//
// 恢復流程（Start）:
//   1. loadSnapshot() - memory 後端從快照恢復
//   2. checkJournal() - journal 領先快照時旋轉，避免序號重複
//   3. 啟動 Trigger Pool 與背景循環
//   4. 對所有有積壓的單位送出觸發
//
// 關閉流程（Stop）:
//   close(stopCh) → 等待循環退出 → pool.Stop() → 最後一次快照 → 關閉 journal
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/assignment-scheduler/internal/audit"
	"github.com/ChuLiYu/assignment-scheduler/internal/audit/archive"
	"github.com/ChuLiYu/assignment-scheduler/internal/audit/journal"
	"github.com/ChuLiYu/assignment-scheduler/internal/dispatcher"
	"github.com/ChuLiYu/assignment-scheduler/internal/ledger"
	"github.com/ChuLiYu/assignment-scheduler/internal/metrics"
	"github.com/ChuLiYu/assignment-scheduler/internal/queue"
	"github.com/ChuLiYu/assignment-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/assignment-scheduler/internal/sla"
	"github.com/ChuLiYu/assignment-scheduler/internal/snapshot"
	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/internal/worker"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Dispatcher dispatcher.Config
	Worker     worker.Config
	SLAPolicy  sla.Policy
	RateLimits ratelimit.Policies

	EscalationCooldown time.Duration // 同一指派兩次升級的最短間隔
	ScanInterval       time.Duration // SLA 掃描間隔；0 表示不啟動
	SweepInterval      time.Duration // 積壓單位補觸發間隔；0 表示不啟動
	GaugeInterval      time.Duration // 指標更新間隔；0 表示不啟動

	SnapshotPath     string        // memory 後端快照路徑；空字串表示不使用
	SnapshotInterval time.Duration // 快照間隔
	SnapshotBackups  int           // 保留的舊快照數量

	JournalPath    string          // 稽核日誌路徑；空字串表示不使用
	Journal        journal.Options // 批次設定
	RotateInterval time.Duration   // 日誌旋轉間隔；0 表示不旋轉
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		Dispatcher:         dispatcher.DefaultConfig(),
		Worker:             worker.DefaultConfig(),
		SLAPolicy:          sla.DefaultPolicy(),
		RateLimits:         ratelimit.DefaultPolicies(),
		EscalationCooldown: sla.DefaultCooldown,
		ScanInterval:       sla.DefaultScanInterval,
		SweepInterval:      30 * time.Second,
		GaugeInterval:      15 * time.Second,
		SnapshotInterval:   time.Minute,
		SnapshotBackups:    3,
		Journal:            journal.DefaultOptions(),
		RotateInterval:     24 * time.Hour,
	}
}

// Snapshotter 可匯出/匯入完整狀態的儲存後端（memory）
type Snapshotter interface {
	Export() types.SnapshotData
	Import(data types.SnapshotData) error
}

// Controller 核心控制器
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	metrics *metrics.Collector

	store      store.Store
	ledger     *ledger.Ledger
	queue      *queue.Queue
	audit      *audit.Log
	limiter    *ratelimit.Limiter
	escalator  *sla.Escalator
	dispatcher *dispatcher.Dispatcher
	pool       *worker.Pool

	snapshot *snapshot.Manager // nil 表示不使用快照
	journal  *journal.Journal  // nil 表示不使用日誌
	archiver *archive.Archiver // nil 表示旋轉後不上傳

	stopCh    chan struct{}
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// Option 設定選項
type Option func(*options)

type options struct {
	now      func() time.Time
	metrics  *metrics.Collector
	notifier sla.Notifier
	backend  ratelimit.Backend
	archiver *archive.Archiver
	tracer   trace.TracerProvider
	logger   *slog.Logger
}

// WithClock 注入時鐘（測試用）
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithMetrics 使用指定的指標收集器；未設定時註冊到私有 registry
func WithMetrics(c *metrics.Collector) Option { return func(o *options) { o.metrics = c } }

// WithNotifier 設定升級通知的對象；未設定時只寫日誌
func WithNotifier(n sla.Notifier) Option { return func(o *options) { o.notifier = n } }

// WithRateLimitBackend 設定限流計數後端；未設定時使用記憶體
func WithRateLimitBackend(b ratelimit.Backend) Option { return func(o *options) { o.backend = b } }

// WithArchiver 旋轉後的日誌片段上傳到物件儲存
func WithArchiver(a *archive.Archiver) Option { return func(o *options) { o.archiver = a } }

// WithTracerProvider 設定 OpenTelemetry provider
func WithTracerProvider(tp trace.TracerProvider) Option { return func(o *options) { o.tracer = tp } }

// WithLogger 設定元件使用的 logger
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Controller
//
// 設定 JournalPath 時會立即開啟日誌，事件在交易提交後寫入。
func New(st store.Store, cfg Config, opts ...Option) (*Controller, error) {
	o := options{now: time.Now, tracer: otel.GetTracerProvider(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	if o.backend == nil {
		o.backend = ratelimit.NewMemoryBackend()
	}
	if err := cfg.SLAPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	c := &Controller{
		cfg:      cfg,
		now:      o.now,
		metrics:  o.metrics,
		store:    st,
		ledger:   ledger.New(o.logger),
		queue:    queue.New(o.now),
		archiver: o.archiver,
		stopCh:   make(chan struct{}),
	}

	auditOpts := []audit.Option{audit.WithClock(o.now), audit.WithLogger(o.logger)}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		c.journal = j
		auditOpts = append(auditOpts, audit.WithSink(j))
	}
	c.audit = audit.New(auditOpts...)

	if cfg.SnapshotPath != "" {
		if _, ok := st.(Snapshotter); !ok {
			log.Warn("Store does not support snapshots, ignoring snapshot path", "path", cfg.SnapshotPath)
		} else {
			c.snapshot = snapshot.NewManager(cfg.SnapshotPath)
		}
	}

	c.limiter = ratelimit.New(o.backend, cfg.RateLimits,
		ratelimit.WithClock(o.now),
		ratelimit.WithDenyHook(func(class ratelimit.Class) { c.metrics.RecordRateLimitDenial(string(class)) }),
	)

	c.escalator = sla.NewEscalator(c.audit, o.notifier,
		sla.WithPolicy(cfg.SLAPolicy),
		sla.WithCooldown(cfg.EscalationCooldown),
		sla.WithClock(o.now),
		sla.WithLogger(o.logger),
		sla.WithTracerProvider(o.tracer),
		sla.WithHooks(c.metrics.RecordEscalation, c.metrics.RecordNotificationFailure),
	)

	c.dispatcher = dispatcher.New(st, c.ledger, c.queue, c.audit,
		dispatcher.WithConfig(cfg.Dispatcher),
		dispatcher.WithPolicy(cfg.SLAPolicy),
		dispatcher.WithClock(o.now),
		dispatcher.WithLogger(o.logger),
		dispatcher.WithTracerProvider(o.tracer),
		dispatcher.WithHooks(dispatcher.Hooks{
			OnAssigned: c.metrics.RecordAssignment,
			OnRaced:    c.metrics.RecordRace,
			OnRejected: c.metrics.RecordRejected,
			OnPass: func(res dispatcher.Result, elapsed time.Duration) {
				c.metrics.RecordPass(res.UnitID, elapsed.Seconds())
			},
		}),
	)

	c.pool = worker.New(c.dispatcher, cfg.Worker)
	return c, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：loadSnapshot -> checkJournal
//  2. 啟動階段：Trigger Pool 和背景循環
//  3. 對有積壓的單位送出觸發
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	log.Info("Starting recovery...")
	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	if err := c.checkJournal(); err != nil {
		return fmt.Errorf("checkJournal failed: %w", err)
	}

	if err := c.pool.Start(); err != nil {
		return fmt.Errorf("failed to start trigger pool: %w", err)
	}

	c.startLoop(c.resultLoop)
	if c.cfg.ScanInterval > 0 {
		c.startLoop(c.slaLoop)
	}
	if c.cfg.SweepInterval > 0 {
		c.startLoop(c.sweepLoop)
	}
	if c.snapshot != nil && c.cfg.SnapshotInterval > 0 {
		c.startLoop(c.snapshotLoop)
	}
	if c.journal != nil && c.cfg.RotateInterval > 0 {
		c.startLoop(c.journalLoop)
	}
	if c.cfg.GaugeInterval > 0 {
		c.startLoop(c.gaugeLoop)
	}

	n, err := c.sweep(context.Background(), types.TriggerManual)
	if err != nil {
		log.Warn("Initial sweep failed", "error", err)
	}
	log.Info("Controller started", "backlogUnits", n, "recovery", time.Since(c.startTime))
	return nil
}

// Stop 優雅地關閉 Controller
//
// 流程：
//  1. 關閉 stopCh，等待背景循環退出
//  2. 停止 Trigger Pool（等待執行中的 pass）
//  3. 最後一次快照
//  4. 關閉 journal（flush + fsync）
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	wasStarted := c.started
	c.mu.Unlock()

	log.Info("Stopping controller...")
	close(c.stopCh)
	c.loopWg.Wait()
	if wasStarted {
		c.pool.Stop()
	}

	var errs []error
	if wasStarted && c.snapshot != nil {
		if err := c.createSnapshot(); err != nil {
			errs = append(errs, fmt.Errorf("final snapshot: %w", err))
		}
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	log.Info("Controller stopped")
	return errors.Join(errs...)
}

func (c *Controller) running() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrNotRunning
	}
	return nil
}

func (c *Controller) startLoop(fn func()) {
	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()
		fn()
	}()
}

// ============================================================================
// 恢復
// ============================================================================

// loadSnapshot memory 後端從快照恢復
func (c *Controller) loadSnapshot() error {
	if c.snapshot == nil || !c.snapshot.Exists() {
		return nil
	}
	data, err := c.snapshot.Load()
	if err != nil {
		return err
	}
	if err := c.store.(Snapshotter).Import(data); err != nil {
		return err
	}
	log.Info("Snapshot loaded",
		"units", len(data.Units), "staff", len(data.Staff), "queued", len(data.Queue),
		"assignments", len(data.Assignments), "lastEventSeq", data.LastEventSeq)
	return nil
}

// checkJournal journal 的序號領先儲存層時（memory 後端在兩次快照之間崩潰），
// 旋轉出舊片段保留歷史，新片段從儲存層的序號重新開始。
func (c *Controller) checkJournal() error {
	if c.journal == nil {
		return nil
	}
	snap, ok := c.store.(Snapshotter)
	if !ok {
		return nil
	}
	storeSeq := snap.Export().LastEventSeq
	journalSeq := c.journal.LastSeq()
	if journalSeq <= storeSeq {
		return nil
	}
	segment, err := c.journal.Rotate()
	if err != nil {
		return err
	}
	log.Warn("Journal ahead of restored state, rotated",
		"journalSeq", journalSeq, "storeSeq", storeSeq, "segment", segment)
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

// resultLoop 接收 pass 結果並更新佇列長度
func (c *Controller) resultLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		res, err := c.pool.ReceiveResult(ctx)
		if err != nil {
			return
		}
		if res.Error == nil {
			c.metrics.SetQueueDepth(res.Pass.UnitID, res.Pass.Remaining)
		}
		if res.Pass.Assigned > 0 || res.Pass.Truncated {
			log.Debug("Dispatch pass finished",
				"unitID", res.Trigger.UnitID, "reason", res.Trigger.Reason, "attempt", res.Trigger.Attempt,
				"assigned", res.Pass.Assigned, "remaining", res.Pass.Remaining, "duration", res.Duration)
		}
	}
}

// slaLoop 定期掃描逾期指派
func (c *Controller) slaLoop() {
	c.tick(c.cfg.ScanInterval, func() {
		if _, err := c.ScanSLA(context.Background()); err != nil {
			log.Error("SLA scan failed", "error", err)
		}
	})
}

// sweepLoop 對所有有積壓的單位補送觸發
func (c *Controller) sweepLoop() {
	c.tick(c.cfg.SweepInterval, func() {
		if _, err := c.sweep(context.Background(), types.TriggerManual); err != nil {
			log.Error("Backlog sweep failed", "error", err)
		}
	})
}

// snapshotLoop 定期寫快照
func (c *Controller) snapshotLoop() {
	c.tick(c.cfg.SnapshotInterval, func() {
		if err := c.createSnapshot(); err != nil {
			log.Error("Failed to create snapshot", "error", err)
		}
	})
}

// journalLoop 定期旋轉日誌並上傳
func (c *Controller) journalLoop() {
	c.tick(c.cfg.RotateInterval, func() {
		if _, err := c.RotateJournal(context.Background()); err != nil {
			log.Error("Journal rotation failed", "error", err)
		}
	})
}

// gaugeLoop 定期更新指標
func (c *Controller) gaugeLoop() {
	c.tick(c.cfg.GaugeInterval, func() {
		if err := c.refreshGauges(context.Background()); err != nil {
			log.Warn("Failed to refresh gauges", "error", err)
		}
	})
}

func (c *Controller) tick(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// createSnapshot 匯出 memory 後端狀態
func (c *Controller) createSnapshot() error {
	if c.snapshot == nil {
		return nil
	}
	data := c.store.(Snapshotter).Export()
	if err := c.snapshot.WriteWithBackup(data, c.cfg.SnapshotBackups); err != nil {
		return err
	}
	log.Debug("Snapshot created", "lastEventSeq", data.LastEventSeq, "assignments", len(data.Assignments))
	return nil
}

// RotateJournal 旋轉稽核日誌，有設定 archiver 時上傳舊片段並回傳物件 key
func (c *Controller) RotateJournal(ctx context.Context) (string, error) {
	if c.journal == nil {
		return "", nil
	}
	segment, err := c.journal.Rotate()
	if err != nil {
		return "", err
	}
	if c.archiver == nil {
		return segment, nil
	}
	key, err := c.archiver.Upload(ctx, segment)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", segment, err)
	}
	return key, nil
}

func (c *Controller) refreshGauges(ctx context.Context) error {
	return c.store.View(ctx, func(tx store.Tx) error {
		units, err := tx.ListUnits(ctx)
		if err != nil {
			return err
		}
		depths, err := c.queue.Depths(ctx, tx)
		if err != nil {
			return err
		}
		for _, u := range units {
			c.metrics.SetQueueDepth(u.ID, depths[u.ID])
			c.metrics.SetUnitWIP(u.ID, u.CurrentCount)
		}
		return nil
	})
}

// ============================================================================
// 調度入口
// ============================================================================

// TriggerDispatch 送出單位觸發；所有來源（手動、排程、容量釋放）都經過這裡
func (c *Controller) TriggerDispatch(ctx context.Context, unitID string, reason types.TriggerReason) error {
	return c.TriggerStaffDispatch(ctx, unitID, "", reason)
}

// TriggerStaffDispatch 同 TriggerDispatch，附帶釋放容量的人員
func (c *Controller) TriggerStaffDispatch(_ context.Context, unitID, staffID string, reason types.TriggerReason) error {
	if unitID == "" {
		return fmt.Errorf("%w: unit_id is required", ErrInvalidArgument)
	}
	if err := c.running(); err != nil {
		return err
	}
	err := c.pool.Submit(types.Trigger{UnitID: unitID, StaffID: staffID, Reason: reason})
	if errors.Is(err, worker.ErrPoolClosed) {
		return ErrNotRunning
	}
	return err
}

// triggerAfterCommit 交易提交後送出觸發；Controller 未啟動時只記錄
func (c *Controller) triggerAfterCommit(tx store.Tx, unitID, staffID string, reason types.TriggerReason) {
	tx.AfterCommit(func() {
		err := c.TriggerStaffDispatch(context.Background(), unitID, staffID, reason)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotRunning), errors.Is(err, worker.ErrPoolNotStarted):
			log.Debug("Trigger dropped, controller not running", "unitID", unitID, "reason", reason)
		default:
			log.Error("Failed to submit trigger", "unitID", unitID, "reason", reason, "error", err)
		}
	})
}

// RunDispatch 同步執行一次 pass（測試與 CLI 使用）
func (c *Controller) RunDispatch(ctx context.Context, unitID string) (dispatcher.Result, error) {
	if err := c.running(); err != nil {
		return dispatcher.Result{}, err
	}
	res, err := c.dispatcher.Run(ctx, unitID)
	if err == nil {
		c.metrics.SetQueueDepth(unitID, res.Remaining)
	}
	return res, err
}

// ScanSLA 執行一次逾期掃描
func (c *Controller) ScanSLA(ctx context.Context) (sla.ScanResult, error) {
	if err := c.running(); err != nil {
		return sla.ScanResult{}, err
	}
	res, err := c.escalator.Scan(ctx, c.store)
	if err != nil {
		return res, err
	}
	if res.Escalated > 0 || res.Failed > 0 {
		log.Info("SLA scan finished", "scanned", res.Scanned, "breached", res.Breached,
			"escalated", res.Escalated, "suppressed", res.Suppressed, "failed", res.Failed)
	}
	return res, nil
}

// sweep 對所有有積壓的單位送出觸發，回傳單位數
func (c *Controller) sweep(ctx context.Context, reason types.TriggerReason) (int, error) {
	var depths map[string]int
	err := c.store.View(ctx, func(tx store.Tx) error {
		var err error
		depths, err = c.queue.Depths(ctx, tx)
		return err
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for unitID, depth := range depths {
		if depth == 0 {
			continue
		}
		if err := c.TriggerDispatch(ctx, unitID, reason); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// WaitIdle 等待所有觸發處理完成（測試用）
func (c *Controller) WaitIdle(ctx context.Context) error {
	return c.pool.WaitIdle(ctx)
}

// ============================================================================
// 狀態查詢
// ============================================================================

// UnitStatus 單位容量與積壓
type UnitStatus struct {
	ledger.UnitStats
	Queued int `json:"queued"`
}

// Status 系統狀態
type Status struct {
	Uptime       time.Duration `json:"uptime"`
	Units        []UnitStatus  `json:"units"`
	ActiveCount  int           `json:"active_assignments"`
	QueuedCount  int           `json:"queued"`
	Pool         worker.Stats  `json:"pool"`
	JournalSeq   uint64        `json:"journal_seq"`
	SnapshotPath string        `json:"snapshot_path,omitempty"`
	JournalPath  string        `json:"journal_path,omitempty"`
	WorkerCount  int           `json:"workers"`
}

// Status 回傳系統狀態
func (c *Controller) Status(ctx context.Context) (Status, error) {
	st := Status{Pool: c.pool.Stats(), WorkerCount: c.pool.GetWorkerCount()}
	c.mu.Lock()
	if c.started {
		st.Uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()
	if c.journal != nil {
		st.JournalSeq = c.journal.LastSeq()
		st.JournalPath = c.journal.Path()
	}
	if c.snapshot != nil {
		st.SnapshotPath = c.snapshot.GetPath()
	}

	err := c.store.View(ctx, func(tx store.Tx) error {
		units, err := tx.ListUnits(ctx)
		if err != nil {
			return err
		}
		depths, err := c.queue.Depths(ctx, tx)
		if err != nil {
			return err
		}
		for _, u := range units {
			stats, err := c.ledger.Stats(ctx, tx, u.ID)
			if err != nil {
				return err
			}
			st.Units = append(st.Units, UnitStatus{UnitStats: stats, Queued: depths[u.ID]})
			st.QueuedCount += depths[u.ID]
		}
		active, err := tx.ListActiveAssignments(ctx)
		if err != nil {
			return err
		}
		st.ActiveCount = len(active)
		return nil
	})
	return st, err
}

// Limiter 回傳限流器（傳輸層讀取政策用）
func (c *Controller) Limiter() *ratelimit.Limiter { return c.limiter }
