package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChuLiYu/assignment-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/assignment-scheduler/internal/sla"
	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// Comment 新增留言，每次成功恰好寫入一個 commented 事件
//
// 相同 requestID 的重試回傳第一次寫入的事件。
func (c *Controller) Comment(ctx context.Context, actorID, assignmentID, body, requestID string) (*types.AssignmentEvent, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if assignmentID == "" || strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: assignment_id and body are required", ErrInvalidArgument)
	}
	if err := c.allow(ctx, actorID, assignmentID, ratelimit.ClassGeneral, ratelimit.ClassComment); err != nil {
		return nil, err
	}

	var out *types.AssignmentEvent
	err := c.update(ctx, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return fmt.Errorf("assignment %s: %w", assignmentID, err)
		}
		out, _, err = c.audit.Append(ctx, tx, &types.AssignmentEvent{
			AssignmentID: a.ID,
			WorkItemID:   a.WorkItemID,
			StaffID:      a.AssigneeID,
			Type:         types.EventCommented,
			ActorUserID:  actorID,
			Data:         map[string]any{"body": body},
			DedupeKey:    dedupeKey("comment", actorID, requestID),
		})
		return err
	})
	return out, err
}

// UpdateChecklist 勾選或取消勾選檢查項目
func (c *Controller) UpdateChecklist(ctx context.Context, actorID, assignmentID, item string, done bool, requestID string) (*types.AssignmentEvent, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if assignmentID == "" || item == "" {
		return nil, fmt.Errorf("%w: assignment_id and item are required", ErrInvalidArgument)
	}
	if err := c.allow(ctx, actorID, assignmentID, ratelimit.ClassGeneral); err != nil {
		return nil, err
	}

	key := dedupeKey("checklist", actorID, requestID)
	var out *types.AssignmentEvent
	err := c.update(ctx, func(tx store.Tx) error {
		if prev, ok, err := c.audit.Lookup(ctx, tx, key); err != nil || ok {
			out = prev
			return err
		}
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return fmt.Errorf("assignment %s: %w", assignmentID, err)
		}
		if a.Checklist == nil {
			a.Checklist = make(map[string]bool)
		}
		a.Checklist[item] = done
		if err := tx.PutAssignment(ctx, a); err != nil {
			return err
		}
		out, _, err = c.audit.Append(ctx, tx, &types.AssignmentEvent{
			AssignmentID: a.ID,
			WorkItemID:   a.WorkItemID,
			StaffID:      a.AssigneeID,
			Type:         types.EventChecklistUpdated,
			ActorUserID:  actorID,
			Data:         map[string]any{"item": item, "done": done},
			DedupeKey:    key,
		})
		return err
	})
	return out, err
}

// AddObserver 加入觀察者；已存在時不寫事件並回傳 nil
func (c *Controller) AddObserver(ctx context.Context, actorID, assignmentID, observerID string) (*types.AssignmentEvent, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if assignmentID == "" || observerID == "" {
		return nil, fmt.Errorf("%w: assignment_id and observer_id are required", ErrInvalidArgument)
	}
	if err := c.allow(ctx, actorID, assignmentID, ratelimit.ClassGeneral); err != nil {
		return nil, err
	}

	var out *types.AssignmentEvent
	err := c.update(ctx, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return fmt.Errorf("assignment %s: %w", assignmentID, err)
		}
		if a.HasObserver(observerID) {
			return nil
		}
		a.Observers = append(a.Observers, observerID)
		if err := tx.PutAssignment(ctx, a); err != nil {
			return err
		}
		out, _, err = c.audit.Append(ctx, tx, &types.AssignmentEvent{
			AssignmentID: a.ID,
			WorkItemID:   a.WorkItemID,
			StaffID:      a.AssigneeID,
			Type:         types.EventObserverAdded,
			ActorUserID:  actorID,
			Data:         map[string]any{"observer_id": observerID},
		})
		return err
	})
	return out, err
}

// Escalate 手動升級
//
// 檢查順序：一般限流 → 冷卻時間 → escalate 限流。冷卻中的請求不消耗
// escalate 配額，呼叫者拿到的是 EscalationCooldownActive 與精確的 retry_after。
func (c *Controller) Escalate(ctx context.Context, actorID, assignmentID, reason string) (*types.AssignmentEvent, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if assignmentID == "" {
		return nil, fmt.Errorf("%w: assignment_id is required", ErrInvalidArgument)
	}
	if err := c.allow(ctx, actorID, assignmentID, ratelimit.ClassGeneral); err != nil {
		return nil, err
	}

	err := c.view(ctx, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return fmt.Errorf("assignment %s: %w", assignmentID, err)
		}
		if !a.IsActive() {
			return fmt.Errorf("escalate %s (%s): %w", a.ID, a.Status, sla.ErrNotActive)
		}
		return c.escalator.CheckCooldown(a, c.now().UTC())
	})
	if err != nil {
		return nil, err
	}
	if err := c.allow(ctx, actorID, assignmentID, ratelimit.ClassEscalate); err != nil {
		return nil, err
	}

	var out *types.AssignmentEvent
	err = c.update(ctx, func(tx store.Tx) error {
		var err error
		out, err = c.escalator.Escalate(ctx, tx, sla.Request{
			AssignmentID: assignmentID,
			ActorID:      actorID,
			Reason:       reason,
			Trigger:      sla.TriggerManual,
		})
		return err
	})
	return out, err
}

// Events 指派的完整歷史（依 created_at、seq 遞增）
func (c *Controller) Events(ctx context.Context, actorID, assignmentID string) ([]*types.AssignmentEvent, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if err := c.allow(ctx, actorID, "", ratelimit.ClassGeneral); err != nil {
		return nil, err
	}
	var out []*types.AssignmentEvent
	err := c.view(ctx, func(tx store.Tx) error {
		if _, err := tx.GetAssignment(ctx, assignmentID); err != nil {
			return fmt.Errorf("assignment %s: %w", assignmentID, err)
		}
		var err error
		out, err = c.audit.QueryByAssignment(ctx, tx, assignmentID, true)
		return err
	})
	return out, err
}

// WorkItemEvents 工作項目的所有事件（含排隊與撤回）
func (c *Controller) WorkItemEvents(ctx context.Context, actorID, workItemID string) ([]*types.AssignmentEvent, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if err := c.allow(ctx, actorID, "", ratelimit.ClassGeneral); err != nil {
		return nil, err
	}
	var out []*types.AssignmentEvent
	err := c.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = c.audit.QueryByWorkItem(ctx, tx, workItemID)
		return err
	})
	return out, err
}

// Queue 依 drain 順序列出單位佇列
func (c *Controller) Queue(ctx context.Context, actorID, unitID string) ([]*types.QueueEntry, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if err := c.allow(ctx, actorID, "", ratelimit.ClassGeneral); err != nil {
		return nil, err
	}
	var out []*types.QueueEntry
	err := c.view(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUnit(ctx, unitID); err != nil {
			return fmt.Errorf("unit %s: %w", unitID, err)
		}
		var err error
		out, err = c.queue.DrainCandidates(ctx, tx, unitID, 0)
		return err
	})
	return out, err
}
