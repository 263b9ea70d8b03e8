package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ChuLiYu/assignment-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// ============================================================================
// 人員與單位目錄同步
//
// 計數欄位（CurrentCount）只由 Ledger 修改，這裡寫入時一律保留儲存中的值。
// ============================================================================

// UpsertUnit 建立或更新單位；調高 WIP 上限時觸發 dispatch
//
// 目錄同步屬於管理操作，不經過 Rate Limiter。上限不能低於目前進行中的指派數。
func (c *Controller) UpsertUnit(ctx context.Context, actorID string, in types.Unit) (*types.Unit, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if in.ID == "" || in.WIPLimit < 0 {
		return nil, fmt.Errorf("%w: unit id is required and wip limit must be >= 0", ErrInvalidArgument)
	}

	var out *types.Unit
	err := c.update(ctx, func(tx store.Tx) error {
		u := in.Clone()
		u.CurrentCount = 0
		prev, err := tx.GetUnit(ctx, in.ID)
		switch {
		case err == nil:
			if u.WIPLimit < prev.CurrentCount {
				return fmt.Errorf("%w: unit %s wip limit %d is below its %d active assignments",
					ErrInvalidArgument, u.ID, u.WIPLimit, prev.CurrentCount)
			}
			u.CurrentCount = prev.CurrentCount
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := tx.PutUnit(ctx, u); err != nil {
			return err
		}
		if prev == nil || u.WIPLimit > prev.WIPLimit {
			c.triggerAfterCommit(tx, u.ID, "", types.TriggerUnitCapacity)
		}
		if prev != nil && prev.WIPLimit != u.WIPLimit {
			unitID, from, to := u.ID, prev.WIPLimit, u.WIPLimit
			tx.AfterCommit(func() {
				log.Info("Unit WIP limit changed", "unitID", unitID, "from", from, "to", to, "actor", actorID)
			})
		}
		out = u
		return nil
	})
	return out, err
}

// UpsertStaff 建立或更新人員
//
// 調高個人上限、變為可用或技能變更都可能讓佇列項目變得可指派，會觸發 dispatch。
// 仍有進行中指派的人員不能換單位，個人上限也不能低於進行中的指派數。
// 與 UpsertUnit 相同，不經過 Rate Limiter。
//
// 建立人員或變更技能、單位、主管時寫入 staff_updated；上限變更寫入
// capacity_changed；可用狀態變更寫入 availability_changed。
func (c *Controller) UpsertStaff(ctx context.Context, actorID string, in types.StaffProfile) (*types.StaffProfile, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if in.ID == "" || in.UnitID == "" || in.WIPLimit < 0 {
		return nil, fmt.Errorf("%w: staff id and unit id are required and wip limit must be >= 0", ErrInvalidArgument)
	}
	if in.Availability == "" {
		in.Availability = types.Available
	}
	if !in.Availability.IsValid() {
		return nil, fmt.Errorf("%w: availability %q", ErrInvalidArgument, in.Availability)
	}

	var out *types.StaffProfile
	err := c.update(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUnit(ctx, in.UnitID); err != nil {
			return fmt.Errorf("unit %s: %w", in.UnitID, err)
		}
		st := in.Clone()
		st.CurrentCount = 0
		prev, err := tx.GetStaff(ctx, in.ID)
		switch {
		case err == nil:
			if prev.UnitID != st.UnitID && prev.CurrentCount > 0 {
				return fmt.Errorf("%w: staff %s holds %d assignments in unit %s", ErrInvalidArgument, prev.ID, prev.CurrentCount, prev.UnitID)
			}
			if st.WIPLimit < prev.CurrentCount {
				return fmt.Errorf("%w: staff %s wip limit %d is below its %d active assignments",
					ErrInvalidArgument, prev.ID, st.WIPLimit, prev.CurrentCount)
			}
			st.CurrentCount = prev.CurrentCount
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		out = st
		if prev != nil && profileEqual(prev, st) {
			return nil
		}
		if err := tx.PutStaff(ctx, st); err != nil {
			return err
		}

		if data := profileChanges(prev, st); data != nil {
			if _, _, err := c.audit.Append(ctx, tx, &types.AssignmentEvent{
				StaffID:     st.ID,
				Type:        types.EventStaffUpdated,
				ActorUserID: actorID,
				Data:        data,
			}); err != nil {
				return err
			}
		}
		if prev != nil && prev.WIPLimit != st.WIPLimit {
			if _, _, err := c.audit.Append(ctx, tx, &types.AssignmentEvent{
				StaffID:     st.ID,
				Type:        types.EventCapacityChanged,
				ActorUserID: actorID,
				Data:        map[string]any{"from_limit": prev.WIPLimit, "to_limit": st.WIPLimit, "unit_id": st.UnitID},
			}); err != nil {
				return err
			}
		}
		if prev != nil && prev.Availability != st.Availability {
			if err := c.appendAvailability(ctx, tx, actorID, st, prev.Availability); err != nil {
				return err
			}
		}
		if staffGainedCapacity(prev, st) {
			c.triggerAfterCommit(tx, st.UnitID, st.ID, types.TriggerUnitCapacity)
		}
		return nil
	})
	return out, err
}

func profileEqual(a, b *types.StaffProfile) bool {
	return a.UnitID == b.UnitID &&
		a.WIPLimit == b.WIPLimit &&
		a.Availability == b.Availability &&
		a.SupervisorID == b.SupervisorID &&
		slices.Equal(a.Skills, b.Skills)
}

// profileChanges staff_updated 的事件內容；上限與可用狀態另有事件，這裡不含
func profileChanges(prev, next *types.StaffProfile) map[string]any {
	skills := next.Skills
	if skills == nil {
		skills = []string{}
	}
	if prev == nil {
		return map[string]any{
			"created":       true,
			"unit_id":       next.UnitID,
			"wip_limit":     next.WIPLimit,
			"skills":        skills,
			"supervisor_id": next.SupervisorID,
			"availability":  string(next.Availability),
		}
	}
	data := map[string]any{}
	if prev.UnitID != next.UnitID {
		data["from_unit_id"], data["to_unit_id"] = prev.UnitID, next.UnitID
	}
	if !slices.Equal(prev.Skills, next.Skills) {
		from := prev.Skills
		if from == nil {
			from = []string{}
		}
		data["from_skills"], data["to_skills"] = from, skills
	}
	if prev.SupervisorID != next.SupervisorID {
		data["from_supervisor_id"], data["to_supervisor_id"] = prev.SupervisorID, next.SupervisorID
	}
	if len(data) == 0 {
		return nil
	}
	data["unit_id"] = next.UnitID
	return data
}

func staffGainedCapacity(prev, next *types.StaffProfile) bool {
	if next.Availability != types.Available {
		return false
	}
	if prev == nil {
		return true
	}
	return prev.Availability != types.Available ||
		next.WIPLimit > prev.WIPLimit ||
		prev.UnitID != next.UnitID ||
		!slices.Equal(prev.Skills, next.Skills)
}

// SetAvailability 變更人員可用狀態；變為可用時觸發 dispatch
func (c *Controller) SetAvailability(ctx context.Context, actorID, staffID string, availability types.Availability) (*types.StaffProfile, error) {
	if err := requireActor(actorID); err != nil {
		return nil, err
	}
	if staffID == "" || !availability.IsValid() {
		return nil, fmt.Errorf("%w: staff_id and a valid availability are required", ErrInvalidArgument)
	}
	if err := c.allow(ctx, actorID, "", ratelimit.ClassGeneral); err != nil {
		return nil, err
	}

	var out *types.StaffProfile
	err := c.update(ctx, func(tx store.Tx) error {
		st, err := tx.GetStaff(ctx, staffID)
		if err != nil {
			return fmt.Errorf("staff %s: %w", staffID, err)
		}
		out = st
		if st.Availability == availability {
			return nil
		}
		from := st.Availability
		st.Availability = availability
		if err := tx.PutStaff(ctx, st); err != nil {
			return err
		}
		if err := c.appendAvailability(ctx, tx, actorID, st, from); err != nil {
			return err
		}
		if availability == types.Available {
			c.triggerAfterCommit(tx, st.UnitID, st.ID, types.TriggerAvailability)
		}
		return nil
	})
	return out, err
}

func (c *Controller) appendAvailability(ctx context.Context, tx store.Tx, actorID string, st *types.StaffProfile, from types.Availability) error {
	_, _, err := c.audit.Append(ctx, tx, &types.AssignmentEvent{
		StaffID:     st.ID,
		Type:        types.EventAvailabilityChanged,
		ActorUserID: actorID,
		Data:        map[string]any{"from": string(from), "to": string(st.Availability), "unit_id": st.UnitID},
	})
	return err
}
