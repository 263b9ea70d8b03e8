// ============================================================================
// Dispatcher - 佇列到人員的排程演算法
// ============================================================================
//
// Package: internal/dispatcher
// 文件: dispatcher.go
// 功能: 一次 pass 依 drain 順序取出候選項目，逐一嘗試指派給有空位的人員
//
// 每個候選項目是獨立的一個 store.Update:
//   1. 在單位內找出合格人員（技能涵蓋、可用、有空位），負載最輕者優先
//   2. ledger.Reserve（compare-and-increment）
//   3. queue.Remove（compare-and-delete）；被搶先時整個交易回滾，保留的容量一併撤銷
//   4. 建立 Assignment，寫入 created 事件
//
// pass 受批次大小、時間預算與保留嘗試次數限制；被截斷時回傳 Truncated，
// 由 worker pool 負責有限次數的重新觸發。
//
// ============================================================================

package dispatcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/assignment-scheduler/internal/audit"
	"github.com/ChuLiYu/assignment-scheduler/internal/ledger"
	"github.com/ChuLiYu/assignment-scheduler/internal/queue"
	"github.com/ChuLiYu/assignment-scheduler/internal/sla"
	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

const (
	tracerName = "github.com/ChuLiYu/assignment-scheduler/dispatcher"

	// ActorDispatcher is recorded as the actor of queue-drained assignments.
	ActorDispatcher = "system:dispatcher"
)

var (
	errRaced    = errors.New("dispatcher: queue entry taken by another pass")
	errNoMatch  = errors.New("dispatcher: no eligible staff with capacity")
	errUnitFull = errors.New("dispatcher: unit at wip limit")
)

// Config 每次 pass 的限制
type Config struct {
	BatchSize   int           `yaml:"batch_size"`
	PassBudget  time.Duration `yaml:"pass_budget"`
	MaxAttempts int           `yaml:"max_attempts"` // 每次 pass 最多幾次 Reserve
}

// DefaultConfig 預設值
func DefaultConfig() Config {
	return Config{BatchSize: 50, PassBudget: 2 * time.Second, MaxAttempts: 500}
}

// Hooks 指標回呼（皆可為 nil）
type Hooks struct {
	OnAssigned func(unitID string)
	OnRaced    func(unitID string)
	OnRejected func(unitID string)
	OnPass     func(res Result, elapsed time.Duration)
}

// Result 一次 pass 的結果
type Result struct {
	UnitID    string `json:"unit_id"`
	Assigned  int    `json:"assigned"`
	Skipped   int    `json:"skipped"`
	Raced     int    `json:"raced"`
	Truncated bool   `json:"truncated"` // 因預算或批次上限提前結束
	UnitFull  bool   `json:"unit_full"`
	Remaining int    `json:"remaining"` // pass 結束時佇列剩餘數量
}

// NeedsRetrigger 還有待處理項目且可能還有容量
func (r Result) NeedsRetrigger() bool {
	return r.Truncated && !r.UnitFull && r.Remaining > 0
}

// Dispatcher 排程器
type Dispatcher struct {
	store  store.Store
	ledger *ledger.Ledger
	queue  *queue.Queue
	audit  *audit.Log
	policy sla.Policy
	cfg    Config
	now    func() time.Time
	log    *slog.Logger
	tracer trace.Tracer
	hooks  Hooks
}

// Option 設定選項
type Option func(*Dispatcher)

func WithConfig(cfg Config) Option          { return func(d *Dispatcher) { d.cfg = cfg } }
func WithPolicy(p sla.Policy) Option        { return func(d *Dispatcher) { d.policy = p } }
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(d *Dispatcher) { d.log = l } }
func WithHooks(h Hooks) Option              { return func(d *Dispatcher) { d.hooks = h } }

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(tracerName) }
}

// New 建立 Dispatcher
func New(s store.Store, l *ledger.Ledger, q *queue.Queue, a *audit.Log, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  s,
		ledger: l,
		queue:  q,
		audit:  a,
		policy: sla.DefaultPolicy(),
		cfg:    DefaultConfig(),
		now:    time.Now,
		log:    slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	def := DefaultConfig()
	if d.cfg.BatchSize <= 0 {
		d.cfg.BatchSize = def.BatchSize
	}
	if d.cfg.PassBudget <= 0 {
		d.cfg.PassBudget = def.PassBudget
	}
	if d.cfg.MaxAttempts <= 0 {
		d.cfg.MaxAttempts = def.MaxAttempts
	}
	return d
}

// Config 回傳生效的設定
func (d *Dispatcher) Config() Config { return d.cfg }

// Run 對單位執行一次 pass
func (d *Dispatcher) Run(ctx context.Context, unitID string) (res Result, err error) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatcher.pass",
		trace.WithAttributes(attribute.String("scheduler.unit_id", unitID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		span.SetAttributes(
			attribute.Int("scheduler.assigned", res.Assigned),
			attribute.Int("scheduler.skipped", res.Skipped),
			attribute.Int("scheduler.raced", res.Raced),
			attribute.Int("scheduler.remaining", res.Remaining),
			attribute.Bool("scheduler.truncated", res.Truncated),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		if err == nil && d.hooks.OnPass != nil {
			d.hooks.OnPass(res, time.Since(start))
		}
	}()

	res.UnitID = unitID
	var candidates []*types.QueueEntry
	err = d.store.View(ctx, func(tx store.Tx) error {
		unit, err := tx.GetUnit(ctx, unitID)
		if err != nil {
			return err
		}
		if unit.CurrentCount >= unit.WIPLimit {
			res.UnitFull = true
			res.Remaining, err = d.queue.Depth(ctx, tx, unitID)
			return err
		}
		candidates, err = d.queue.DrainCandidates(ctx, tx, unitID, d.cfg.BatchSize+1)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("dispatch %s: %w", unitID, err)
	}
	if res.UnitFull {
		return res, nil
	}
	if len(candidates) > d.cfg.BatchSize {
		candidates = candidates[:d.cfg.BatchSize]
		res.Truncated = true
	}

	attempts := 0
	deadline := start.Add(d.cfg.PassBudget)
	for i, entry := range candidates {
		if ctx.Err() != nil || time.Now().After(deadline) || attempts >= d.cfg.MaxAttempts {
			res.Truncated = true
			res.Skipped += len(candidates) - i
			break
		}
		var used int
		err := d.store.Update(ctx, func(tx store.Tx) error {
			var err error
			used, err = d.assignEntry(ctx, tx, entry)
			return err
		})
		attempts += used
		switch {
		case err == nil:
			res.Assigned++
		case errors.Is(err, errRaced):
			res.Raced++
			if d.hooks.OnRaced != nil {
				d.hooks.OnRaced(unitID)
			}
		case errors.Is(err, errNoMatch):
			res.Skipped++
			if d.hooks.OnRejected != nil && used > 0 {
				d.hooks.OnRejected(unitID)
			}
		case errors.Is(err, errUnitFull):
			res.UnitFull = true
			res.Skipped += len(candidates) - i
		default:
			// 暫時性錯誤：項目留在佇列，下一次觸發再試
			res.Skipped++
			d.log.Warn("Dispatch candidate failed", "unitID", unitID, "workItemID", entry.WorkItemID, "error", err)
		}
		if res.UnitFull {
			break
		}
	}

	err = d.store.View(ctx, func(tx store.Tx) error {
		var err error
		res.Remaining, err = d.queue.Depth(ctx, tx, unitID)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("dispatch %s: depth: %w", unitID, err)
	}
	return res, nil
}

// assignEntry 在 tx 內處理一個候選項目，回傳使用的 Reserve 次數
func (d *Dispatcher) assignEntry(ctx context.Context, tx store.Tx, candidate *types.QueueEntry) (int, error) {
	entry, err := tx.GetQueueEntry(ctx, candidate.WorkItemID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, errRaced
	}
	if err != nil {
		return 0, err
	}

	unit, err := tx.GetUnit(ctx, entry.UnitID)
	if err != nil {
		return 0, err
	}
	if unit.CurrentCount >= unit.WIPLimit {
		return 0, errUnitFull
	}

	staff, attempts, err := d.ReserveEligible(ctx, tx, entry.UnitID, entry.RequiredSkills)
	if err != nil {
		return attempts, err
	}

	removed, err := d.queue.Remove(ctx, tx, entry.WorkItemID)
	if err != nil {
		return attempts, err
	}
	if !removed {
		// 回傳錯誤讓交易回滾，Reserve 的遞增一起撤銷
		return attempts, errRaced
	}

	queuedAt := entry.CreatedAt
	_, err = d.CreateAssignment(ctx, tx, NewAssignment{
		WorkItemID:     entry.WorkItemID,
		WorkItemType:   entry.WorkItemType,
		RequiredSkills: entry.RequiredSkills,
		Priority:       entry.Priority,
		EngagementID:   entry.EngagementID,
		Staff:          staff,
		QueuedAt:       &queuedAt,
		ActorID:        ActorDispatcher,
	})
	return attempts, err
}

// Eligible 回傳可接手的人員：技能涵蓋、可用、未達上限，負載最輕者優先
func Eligible(staff []*types.StaffProfile, skills []string) []*types.StaffProfile {
	out := make([]*types.StaffProfile, 0, len(staff))
	for _, st := range staff {
		if st.Availability == types.Available && st.CurrentCount < st.WIPLimit && st.HasSkills(skills) {
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(a, b *types.StaffProfile) int {
		if c := cmp.Compare(a.CurrentCount, b.CurrentCount); c != 0 {
			return c
		}
		if c := cmp.Compare(b.WIPLimit-b.CurrentCount, a.WIPLimit-a.CurrentCount); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// ReserveEligible 依 Eligible 順序嘗試 Reserve，第一個成功者回傳
//
// 找不到時回傳 errNoMatch（IsNoMatch 可判斷），不寫入任何資料。
func (d *Dispatcher) ReserveEligible(ctx context.Context, tx store.Tx, unitID string, skills []string) (*types.StaffProfile, int, error) {
	staff, err := tx.ListStaffByUnit(ctx, unitID)
	if err != nil {
		return nil, 0, err
	}
	attempts := 0
	for _, st := range Eligible(staff, skills) {
		attempts++
		ok, err := d.ledger.Reserve(ctx, tx, st.ID)
		if err != nil {
			return nil, attempts, err
		}
		if ok {
			return st, attempts, nil
		}
	}
	return nil, attempts, errNoMatch
}

// IsNoMatch 判斷錯誤是否為「沒有可用人員」
func IsNoMatch(err error) bool { return errors.Is(err, errNoMatch) }

// NewAssignment CreateAssignment 的輸入
type NewAssignment struct {
	WorkItemID     string
	WorkItemType   string
	RequiredSkills []string
	Priority       types.Priority
	EngagementID   string
	Staff          *types.StaffProfile // 已完成 Reserve
	QueuedAt       *time.Time
	ActorID        string
	DedupeKey      string
}

// CreateAssignment 寫入 Assignment 與 created 事件；呼叫者必須已對 Staff 完成 Reserve
func (d *Dispatcher) CreateAssignment(ctx context.Context, tx store.Tx, in NewAssignment) (*types.Assignment, error) {
	now := d.now().UTC()
	a := &types.Assignment{
		ID:             uuid.NewString(),
		WorkItemID:     in.WorkItemID,
		WorkItemType:   in.WorkItemType,
		AssigneeID:     in.Staff.ID,
		UnitID:         in.Staff.UnitID,
		Priority:       in.Priority,
		Status:         types.StatusAssigned,
		RequiredSkills: in.RequiredSkills,
		EngagementID:   in.EngagementID,
		SLADeadline:    d.policy.Deadline(in.Priority, now),
		QueuedAt:       in.QueuedAt,
		AssignedAt:     now,
	}
	if err := tx.PutAssignment(ctx, a); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", queue.ErrDuplicateWorkItem, in.WorkItemID)
		}
		return nil, err
	}

	source := "direct"
	if in.QueuedAt != nil {
		source = "queue"
	}
	_, _, err := d.audit.Append(ctx, tx, &types.AssignmentEvent{
		AssignmentID: a.ID,
		WorkItemID:   a.WorkItemID,
		StaffID:      a.AssigneeID,
		Type:         types.EventCreated,
		ActorUserID:  in.ActorID,
		DedupeKey:    in.DedupeKey,
		Data: map[string]any{
			"assignee_id":  a.AssigneeID,
			"unit_id":      a.UnitID,
			"priority":     string(a.Priority),
			"sla_deadline": a.SLADeadline.Format(time.RFC3339),
			"source":       source,
		},
	})
	if err != nil {
		return nil, err
	}

	if d.hooks.OnAssigned != nil {
		unitID := a.UnitID
		tx.AfterCommit(func() { d.hooks.OnAssigned(unitID) })
	}
	return a, nil
}
