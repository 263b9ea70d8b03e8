package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ChuLiYu/assignment-scheduler/internal/dispatcher"
	"github.com/ChuLiYu/assignment-scheduler/internal/ledger"
	"github.com/ChuLiYu/assignment-scheduler/internal/queue"
	"github.com/ChuLiYu/assignment-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// Submit 的結果
const (
	OutcomeAssigned = "assigned"
	OutcomeQueued   = "queued"
)

// SubmitRequest 工作項目提交
type SubmitRequest struct {
	WorkItemID     string         `json:"work_item_id"`
	WorkItemType   string         `json:"work_item_type"`
	RequiredSkills []string       `json:"required_skills,omitempty"`
	Priority       types.Priority `json:"priority,omitempty"`
	UnitID         string         `json:"unit_id"`
	EngagementID   string         `json:"engagement_id,omitempty"`
	RequestID      string         `json:"request_id,omitempty"` // 重試時相同的 RequestID 不會重複提交
}

// SubmitResult 直接指派時 Assignment 有值，進入佇列時 Entry 有值
type SubmitResult struct {
	Outcome    string            `json:"outcome"`
	Assignment *types.Assignment `json:"assignment,omitempty"`
	Entry      *types.QueueEntry `json:"queue_entry,omitempty"`
	Replayed   bool              `json:"replayed,omitempty"`
}

// ============================================================================
// 共用檢查
// ============================================================================

func requireActor(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return fmt.Errorf("%w: actor_id is required", ErrInvalidArgument)
	}
	return nil
}

// allow 依序檢查限流類別；任何一個拒絕都不會進入儲存層
func (c *Controller) allow(ctx context.Context, actorID, resourceID string, classes ...ratelimit.Class) error {
	for _, class := range classes {
		if _, err := c.limiter.Check(ctx, class, actorID, resourceID); err != nil {
			return err
		}
	}
	return nil
}

// dedupeKey 冪等鍵：操作/使用者/請求 ID
func dedupeKey(op, actorID, requestID string) string {
	if requestID == "" {
		return ""
	}
	return op + "/" + actorID + "/" + requestID
}

// update 執行交易；計數不變量違反時記錄指標
func (c *Controller) update(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := c.running(); err != nil {
		return err
	}
	err := c.store.Update(ctx, fn)
	if errors.Is(err, ledger.ErrInvariantViolation) {
		c.metrics.RecordInvariantViolation()
		log.Error("Capacity invariant violated", "error", err, "fatal", true)
	}
	return err
}

func (c *Controller) view(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := c.running(); err != nil {
		return err
	}
	return c.store.View(ctx, fn)
}

// ============================================================================
// Submit
// ============================================================================

// Submit 提交工作項目：有合格人員可保留容量時直接指派，否則進入佇列
//
// 單位佇列已有積壓時一律排隊並觸發 dispatch，直接指派不會插隊。
func (c *Controller) Submit(ctx context.Context, actorID string, req SubmitRequest) (SubmitResult, error) {
	if err := requireActor(actorID); err != nil {
		return SubmitResult{}, err
	}
	if req.WorkItemID == "" || req.UnitID == "" {
		return SubmitResult{}, fmt.Errorf("%w: work_item_id and unit_id are required", ErrInvalidArgument)
	}
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}
	if !req.Priority.IsValid() {
		return SubmitResult{}, fmt.Errorf("%w: priority %q", ErrInvalidArgument, req.Priority)
	}
	if err := c.allow(ctx, actorID, "", ratelimit.ClassGeneral); err != nil {
		c.metrics.RecordSubmission("rejected")
		return SubmitResult{}, err
	}

	key := dedupeKey("submit", actorID, req.RequestID)
	var res SubmitResult
	err := c.update(ctx, func(tx store.Tx) error {
		res = SubmitResult{}
		if prev, ok, err := c.audit.Lookup(ctx, tx, key); err != nil {
			return err
		} else if ok {
			return c.replaySubmit(ctx, tx, prev, &res)
		}

		if _, err := tx.GetUnit(ctx, req.UnitID); err != nil {
			return fmt.Errorf("unit %s: %w", req.UnitID, err)
		}
		if _, err := tx.GetQueueEntry(ctx, req.WorkItemID); err == nil {
			return fmt.Errorf("%w: %s", queue.ErrDuplicateWorkItem, req.WorkItemID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := tx.ActiveAssignmentByWorkItem(ctx, req.WorkItemID); err == nil {
			return fmt.Errorf("%w: %s", queue.ErrDuplicateWorkItem, req.WorkItemID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		backlog, err := c.queue.Depth(ctx, tx, req.UnitID)
		if err != nil {
			return err
		}
		if backlog == 0 {
			staff, _, err := c.dispatcher.ReserveEligible(ctx, tx, req.UnitID, req.RequiredSkills)
			switch {
			case err == nil:
				a, err := c.dispatcher.CreateAssignment(ctx, tx, dispatcher.NewAssignment{
					WorkItemID:     req.WorkItemID,
					WorkItemType:   req.WorkItemType,
					RequiredSkills: req.RequiredSkills,
					Priority:       req.Priority,
					EngagementID:   req.EngagementID,
					Staff:          staff,
					ActorID:        actorID,
					DedupeKey:      key,
				})
				if err != nil {
					return err
				}
				res.Outcome, res.Assignment = OutcomeAssigned, a
				return nil
			case !dispatcher.IsNoMatch(err):
				return err
			}
		}

		entry := &types.QueueEntry{
			WorkItemID:     req.WorkItemID,
			WorkItemType:   req.WorkItemType,
			RequiredSkills: req.RequiredSkills,
			Priority:       req.Priority,
			UnitID:         req.UnitID,
			EngagementID:   req.EngagementID,
		}
		if err := c.queue.Enqueue(ctx, tx, entry); err != nil {
			return err
		}
		if _, _, err := c.audit.Append(ctx, tx, &types.AssignmentEvent{
			WorkItemID:  req.WorkItemID,
			Type:        types.EventQueued,
			ActorUserID: actorID,
			DedupeKey:   key,
			Data: map[string]any{
				"unit_id":         req.UnitID,
				"priority":        string(req.Priority),
				"work_item_type":  req.WorkItemType,
				"required_skills": req.RequiredSkills,
			},
		}); err != nil {
			return err
		}
		if backlog > 0 {
			c.triggerAfterCommit(tx, req.UnitID, "", types.TriggerSubmit)
		}
		res.Outcome, res.Entry = OutcomeQueued, entry
		return nil
	})
	switch {
	case err == nil:
		if !res.Replayed {
			c.metrics.RecordSubmission(res.Outcome)
		}
	case errors.Is(err, queue.ErrDuplicateWorkItem):
		c.metrics.RecordSubmission("duplicate")
	}
	return res, err
}

// replaySubmit 重送的請求回傳第一次的結果
func (c *Controller) replaySubmit(ctx context.Context, tx store.Tx, prev *types.AssignmentEvent, res *SubmitResult) error {
	res.Replayed = true
	if prev.Type == types.EventCreated {
		a, err := tx.GetAssignment(ctx, prev.AssignmentID)
		if err != nil {
			return err
		}
		res.Outcome, res.Assignment = OutcomeAssigned, a
		return nil
	}
	res.Outcome = OutcomeQueued
	entry, err := tx.GetQueueEntry(ctx, prev.WorkItemID)
	switch {
	case err == nil:
		res.Entry = entry
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	return nil
}

// ============================================================================
// 狀態轉換
// ============================================================================

type statusChange struct {
	to        types.AssignmentStatus
	event     types.EventType
	data      map[string]any
	key       string
	release   bool
	trigger   types.TriggerReason
	operation string
}

// transition 在一個交易內變更狀態、釋放容量並寫入事件
func (c *Controller) transition(ctx context.Context, actorID, assignmentID string, t statusChange) (*types.Assignment, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if assignmentID == "" {
		return nil, fmt.Errorf("%w: assignment_id is required", ErrInvalidArgument)
	}
	if err := c.allow(ctx, actorID, "", ratelimit.ClassGeneral); err != nil {
		return nil, err
	}

	var out *types.Assignment
	err := c.update(ctx, func(tx store.Tx) error {
		if prev, ok, err := c.audit.Lookup(ctx, tx, t.key); err != nil {
			return err
		} else if ok {
			a, err := tx.GetAssignment(ctx, prev.AssignmentID)
			out = a
			return err
		}

		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return fmt.Errorf("assignment %s: %w", assignmentID, err)
		}
		if !types.CanTransition(a.Status, t.to) {
			return fmt.Errorf("%w: %s %s (status %s)", ErrInvalidTransition, t.operation, a.ID, a.Status)
		}

		from := a.Status
		a.Status = t.to
		if t.to == types.StatusCompleted {
			now := c.now().UTC()
			a.CompletedAt = &now
		}
		if t.release {
			// Release 會寫回 a
			if err := c.ledger.Release(ctx, tx, a); err != nil {
				return err
			}
		} else if err := tx.PutAssignment(ctx, a); err != nil {
			return err
		}

		data := map[string]any{"from_status": string(from), "to_status": string(t.to)}
		for k, v := range t.data {
			data[k] = v
		}
		if _, _, err := c.audit.Append(ctx, tx, &types.AssignmentEvent{
			AssignmentID: a.ID,
			WorkItemID:   a.WorkItemID,
			StaffID:      a.AssigneeID,
			Type:         t.event,
			ActorUserID:  actorID,
			Data:         data,
			DedupeKey:    t.key,
		}); err != nil {
			return err
		}
		if t.trigger != "" {
			c.triggerAfterCommit(tx, a.UnitID, a.AssigneeID, t.trigger)
		}
		out = a
		return nil
	})
	return out, err
}

// Complete 完成指派：釋放容量、寫入 completed 事件並觸發單位 dispatch
//
// 已結束的指派回傳 ErrInvalidTransition，不會第二次釋放容量。
func (c *Controller) Complete(ctx context.Context, actorID, assignmentID, requestID string) (*types.Assignment, error) {
	return c.transition(ctx, actorID, assignmentID, statusChange{
		to:        types.StatusCompleted,
		event:     types.EventCompleted,
		key:       dedupeKey("complete", actorID, requestID),
		release:   true,
		trigger:   types.TriggerCompletion,
		operation: "complete",
	})
}

// Cancel 取消指派：釋放容量並觸發單位 dispatch
func (c *Controller) Cancel(ctx context.Context, actorID, assignmentID, reason string) (*types.Assignment, error) {
	return c.transition(ctx, actorID, assignmentID, statusChange{
		to:        types.StatusCancelled,
		event:     types.EventStatusChanged,
		data:      map[string]any{"reason": reason},
		release:   true,
		trigger:   types.TriggerCancellation,
		operation: "cancel",
	})
}

// StartAssignment assigned → in_progress
func (c *Controller) StartAssignment(ctx context.Context, actorID, assignmentID string) (*types.Assignment, error) {
	return c.transition(ctx, actorID, assignmentID, statusChange{
		to:        types.StatusInProgress,
		event:     types.EventStatusChanged,
		operation: "start",
	})
}

// AdvanceStage 更新工作流程階段（狀態不變）
func (c *Controller) AdvanceStage(ctx context.Context, actorID, assignmentID, stage string) (*types.Assignment, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if assignmentID == "" || stage == "" {
		return nil, fmt.Errorf("%w: assignment_id and stage are required", ErrInvalidArgument)
	}
	if err := c.allow(ctx, actorID, "", ratelimit.ClassGeneral); err != nil {
		return nil, err
	}

	var out *types.Assignment
	err := c.update(ctx, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return fmt.Errorf("assignment %s: %w", assignmentID, err)
		}
		if !a.IsActive() {
			return fmt.Errorf("%w: advance %s (status %s)", ErrInvalidTransition, a.ID, a.Status)
		}
		out = a
		if a.WorkflowStage == stage {
			return nil
		}
		from := a.WorkflowStage
		a.WorkflowStage = stage
		if err := tx.PutAssignment(ctx, a); err != nil {
			return err
		}
		_, _, err = c.audit.Append(ctx, tx, &types.AssignmentEvent{
			AssignmentID: a.ID,
			WorkItemID:   a.WorkItemID,
			StaffID:      a.AssigneeID,
			Type:         types.EventStatusChanged,
			ActorUserID:  actorID,
			Data:         map[string]any{"from_stage": from, "to_stage": stage},
		})
		return err
	})
	return out, err
}

// Reassign 轉派給另一位人員
//
// 釋放原人員的容量後保留目標人員的容量（失敗回傳 ErrNoCapacity 並整筆回滾），
// 同單位內轉派在單位已滿時也能完成。原單位會收到 reassignment 觸發。
func (c *Controller) Reassign(ctx context.Context, actorID, assignmentID, toStaffID string) (*types.Assignment, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if assignmentID == "" || toStaffID == "" {
		return nil, fmt.Errorf("%w: assignment_id and to_staff_id are required", ErrInvalidArgument)
	}
	if err := c.allow(ctx, actorID, "", ratelimit.ClassGeneral); err != nil {
		return nil, err
	}

	var out *types.Assignment
	err := c.update(ctx, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return fmt.Errorf("assignment %s: %w", assignmentID, err)
		}
		if !a.IsActive() {
			return fmt.Errorf("%w: reassign %s (status %s)", ErrInvalidTransition, a.ID, a.Status)
		}
		if a.AssigneeID == toStaffID {
			return fmt.Errorf("%w: %s is already assigned to %s", ErrInvalidArgument, a.ID, toStaffID)
		}
		target, err := tx.ReadStaff(ctx, toStaffID)
		if err != nil {
			return fmt.Errorf("staff %s: %w", toStaffID, err)
		}
		if !target.HasSkills(a.RequiredSkills) {
			return fmt.Errorf("%w: staff %s lacks required skills", ErrInvalidArgument, toStaffID)
		}
		// 跨單位轉派時依 id 順序鎖定兩個單位
		units := []string{a.UnitID, target.UnitID}
		slices.Sort(units)
		for _, id := range slices.Compact(units) {
			if _, err := tx.GetUnit(ctx, id); err != nil {
				return fmt.Errorf("unit %s: %w", id, err)
			}
		}

		fromStaff, fromUnit := a.AssigneeID, a.UnitID
		if err := c.ledger.Release(ctx, tx, a); err != nil {
			return err
		}
		ok, err := c.ledger.Reserve(ctx, tx, toStaffID)
		if err != nil {
			return err
		}
		if !ok {
			// 回傳錯誤讓交易回滾，釋放一併撤銷
			return fmt.Errorf("%w: staff %s", ledger.ErrNoCapacity, toStaffID)
		}

		a.AssigneeID = target.ID
		a.UnitID = target.UnitID
		a.CapacityReleased = false
		if err := tx.PutAssignment(ctx, a); err != nil {
			return err
		}
		if _, _, err := c.audit.Append(ctx, tx, &types.AssignmentEvent{
			AssignmentID: a.ID,
			WorkItemID:   a.WorkItemID,
			StaffID:      a.AssigneeID,
			Type:         types.EventReassigned,
			ActorUserID:  actorID,
			Data: map[string]any{
				"from_staff_id": fromStaff,
				"to_staff_id":   target.ID,
				"from_unit_id":  fromUnit,
				"to_unit_id":    target.UnitID,
			},
		}); err != nil {
			return err
		}
		c.triggerAfterCommit(tx, fromUnit, fromStaff, types.TriggerReassignment)
		out = a
		return nil
	})
	return out, err
}

// Withdraw 撤回佇列中的工作項目（compare-and-delete）
func (c *Controller) Withdraw(ctx context.Context, actorID, workItemID string) (*types.QueueEntry, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if workItemID == "" {
		return nil, fmt.Errorf("%w: work_item_id is required", ErrInvalidArgument)
	}
	if err := c.allow(ctx, actorID, "", ratelimit.ClassGeneral); err != nil {
		return nil, err
	}

	var out *types.QueueEntry
	err := c.update(ctx, func(tx store.Tx) error {
		entry, err := tx.GetQueueEntry(ctx, workItemID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", queue.ErrNotQueued, workItemID)
		}
		if err != nil {
			return err
		}
		removed, err := c.queue.Remove(ctx, tx, workItemID)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%w: %s", queue.ErrNotQueued, workItemID)
		}
		_, _, err = c.audit.Append(ctx, tx, &types.AssignmentEvent{
			WorkItemID:  workItemID,
			Type:        types.EventWithdrawn,
			ActorUserID: actorID,
			Data:        map[string]any{"unit_id": entry.UnitID, "priority": string(entry.Priority)},
		})
		out = entry
		return err
	})
	return out, err
}

// GetAssignment 讀取指派
func (c *Controller) GetAssignment(ctx context.Context, actorID, assignmentID string) (*types.Assignment, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if err := c.allow(ctx, actorID, "", ratelimit.ClassGeneral); err != nil {
		return nil, err
	}
	var out *types.Assignment
	err := c.view(ctx, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return fmt.Errorf("assignment %s: %w", assignmentID, err)
		}
		out = a
		return nil
	})
	return out, err
}
