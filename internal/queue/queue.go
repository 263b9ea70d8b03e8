// ============================================================================
// Assignment Queue - 每個單位的待分派工作佇列
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 管理等待容量的工作項目（QueueEntry）
//
// 設計理念:
//   插入時不計算順序，順序在 drain 時才計算：
//     (priority rank 由高到低, created_at 由舊到新, seq 由小到大)
//   同優先級內 FIFO，高優先級永遠先於低優先級。
//
// 並發安全:
//   所有方法都在 store.Tx 內執行，原子性由儲存層提供。
//   Remove 是 compare-and-delete：被其他 dispatch 搶先刪除時回傳 false。
//
// ============================================================================

package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

var (
	// 工作項目已在佇列或已有進行中的指派
	ErrDuplicateWorkItem = errors.New("queue: work item already queued or assigned")
	// 佇列中找不到工作項目
	ErrNotQueued = errors.New("queue: work item not queued")
)

// Queue 佇列操作（無狀態，時鐘可注入）
type Queue struct {
	now func() time.Time
}

// New 建立 Queue，now 為 nil 時使用 time.Now
func New(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{now: now}
}

// Compare 回傳 drain 順序比較結果（負數表示 a 先）
func Compare(a, b *types.QueueEntry) int {
	if c := cmp.Compare(b.Priority.Rank(), a.Priority.Rank()); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// Enqueue 插入 QueueEntry
//
// CreatedAt 為零值時使用目前時間。工作項目已排隊或已有進行中的指派時
// 回傳 ErrDuplicateWorkItem。
func (q *Queue) Enqueue(ctx context.Context, tx store.Tx, e *types.QueueEntry) error {
	if e.WorkItemID == "" || e.UnitID == "" {
		return fmt.Errorf("queue: work_item_id and unit_id are required")
	}
	if !e.Priority.IsValid() {
		return fmt.Errorf("queue: invalid priority %q", e.Priority)
	}
	if _, err := tx.ActiveAssignmentByWorkItem(ctx, e.WorkItemID); err == nil {
		return ErrDuplicateWorkItem
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = q.now().UTC()
	}
	if err := tx.InsertQueueEntry(ctx, e); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrDuplicateWorkItem
		}
		return err
	}
	return nil
}

// DrainCandidates 回傳單位內依 drain 順序排序的前 limit 筆（limit <= 0 表示全部）
func (q *Queue) DrainCandidates(ctx context.Context, tx store.Tx, unitID string, limit int) ([]*types.QueueEntry, error) {
	entries, err := tx.ListQueueEntries(ctx, unitID)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, Compare)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Remove compare-and-delete，回傳這次呼叫是否真的刪除
func (q *Queue) Remove(ctx context.Context, tx store.Tx, workItemID string) (bool, error) {
	return tx.DeleteQueueEntry(ctx, workItemID)
}

// Depth 單位佇列長度（unitID 為空時回傳全部）
func (q *Queue) Depth(ctx context.Context, tx store.Tx, unitID string) (int, error) {
	entries, err := tx.ListQueueEntries(ctx, unitID)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Depths 每個單位的佇列長度
func (q *Queue) Depths(ctx context.Context, tx store.Tx) (map[string]int, error) {
	entries, err := tx.ListQueueEntries(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, e := range entries {
		out[e.UnitID]++
	}
	return out, nil
}
