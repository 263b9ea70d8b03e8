// Package types 定義了 assignment-scheduler 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Priority 工作項目優先級
type Priority string

// 定義優先級常數
const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// priorityRank higher wins when draining the queue.
var priorityRank = map[Priority]int{
	PriorityUrgent: 40,
	PriorityHigh:   30,
	PriorityNormal: 20,
	PriorityLow:    10,
}

// Priorities lists every valid priority from highest to lowest.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// Rank returns the ordering weight of p. Unknown priorities rank below low.
func (p Priority) Rank() int {
	return priorityRank[p]
}

// IsValid reports whether p is one of the known priorities.
func (p Priority) IsValid() bool {
	_, ok := priorityRank[p]
	return ok
}

// ParsePriority converts a string into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if !p.IsValid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// AssignmentStatus 指派狀態
type AssignmentStatus string

// 定義指派狀態常數
const (
	StatusAssigned   AssignmentStatus = "assigned"    // 已指派：等待處理
	StatusInProgress AssignmentStatus = "in_progress" // 處理中
	StatusCompleted  AssignmentStatus = "completed"   // 完成狀態（終態）
	StatusCancelled  AssignmentStatus = "cancelled"   // 取消狀態（終態）
)

// IsTerminal reports whether the status no longer counts against capacity.
func (s AssignmentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to AssignmentStatus) bool {
	switch from {
	case StatusAssigned:
		return to == StatusInProgress || to == StatusCompleted || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusCancelled
	default:
		return false
	}
}

// Availability 人員可用狀態
type Availability string

const (
	Available   Availability = "available"
	Unavailable Availability = "unavailable"
	OnLeave     Availability = "on_leave"
)

// IsValid reports whether a is a known availability status.
func (a Availability) IsValid() bool {
	return a == Available || a == Unavailable || a == OnLeave
}

// EventType 稽核事件類型
type EventType string

const (
	EventCreated             EventType = "created"
	EventCommented           EventType = "commented"
	EventChecklistUpdated    EventType = "checklist_updated"
	EventEscalated           EventType = "escalated"
	EventStatusChanged       EventType = "status_changed"
	EventReassigned          EventType = "reassigned"
	EventCompleted           EventType = "completed"
	EventObserverAdded       EventType = "observer_added"
	EventQueued              EventType = "queued"               // 工作項目進入佇列
	EventWithdrawn           EventType = "withdrawn"            // 佇列中的工作項目被撤回
	EventAvailabilityChanged EventType = "availability_changed" // 人員可用狀態變更
	EventCapacityChanged     EventType = "capacity_changed"     // WIP 上限變更
	EventStaffUpdated        EventType = "staff_updated"        // 人員建立，或技能、單位、主管變更
)

// Assignment 指派，將一個工作項目綁定到一位人員
type Assignment struct {
	// 識別
	ID           string `json:"id"`
	WorkItemID   string `json:"work_item_id"`
	WorkItemType string `json:"work_item_type"`
	AssigneeID   string `json:"assignee_id"`
	UnitID       string `json:"unit_id"`

	// 排程屬性
	Priority       Priority         `json:"priority"`
	Status         AssignmentStatus `json:"status"`
	RequiredSkills []string         `json:"required_skills,omitempty"`
	EngagementID   string           `json:"engagement_id,omitempty"`
	WorkflowStage  string           `json:"workflow_stage,omitempty"`

	// 時間管理
	SLADeadline time.Time  `json:"sla_deadline"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	AssignedAt  time.Time  `json:"assigned_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// 容量與升級記帳
	CapacityReleased bool       `json:"capacity_released"`
	EscalationCount  int        `json:"escalation_count"`
	LastEscalatedAt  *time.Time `json:"last_escalated_at,omitempty"`

	// 協作
	Observers []string        `json:"observers,omitempty"`
	Checklist map[string]bool `json:"checklist,omitempty"`
}

// IsActive reports whether the assignment still holds capacity.
func (a *Assignment) IsActive() bool {
	return !a.Status.IsTerminal()
}

// HasObserver reports whether userID already observes the assignment.
func (a *Assignment) HasObserver(userID string) bool {
	return slices.Contains(a.Observers, userID)
}

// Clone returns a deep copy.
func (a *Assignment) Clone() *Assignment {
	c := *a
	c.RequiredSkills = slices.Clone(a.RequiredSkills)
	c.Observers = slices.Clone(a.Observers)
	if a.Checklist != nil {
		c.Checklist = make(map[string]bool, len(a.Checklist))
		for k, v := range a.Checklist {
			c.Checklist[k] = v
		}
	}
	c.QueuedAt = cloneTime(a.QueuedAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	c.LastEscalatedAt = cloneTime(a.LastEscalatedAt)
	return &c
}

// QueueEntry 佇列項目，等待容量的工作項目
type QueueEntry struct {
	WorkItemID     string    `json:"work_item_id"`
	WorkItemType   string    `json:"work_item_type"`
	RequiredSkills []string  `json:"required_skills,omitempty"`
	Priority       Priority  `json:"priority"`
	UnitID         string    `json:"unit_id"`
	EngagementID   string    `json:"engagement_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Seq            uint64    `json:"seq"` // 插入序號，同一時間戳時保證 FIFO
}

// Clone returns a deep copy.
func (q *QueueEntry) Clone() *QueueEntry {
	c := *q
	c.RequiredSkills = slices.Clone(q.RequiredSkills)
	return &c
}

// StaffProfile 具容量的人員
type StaffProfile struct {
	ID           string       `json:"id"`
	UnitID       string       `json:"unit_id"`
	Skills       []string     `json:"skills,omitempty"`
	WIPLimit     int          `json:"individual_wip_limit"`
	CurrentCount int          `json:"current_assignment_count"` // 只允許 Capacity Ledger 修改
	Availability Availability `json:"availability_status"`
	SupervisorID string       `json:"supervisor_id,omitempty"`
}

// HasSkills reports whether the staff member covers every required skill.
func (s *StaffProfile) HasSkills(required []string) bool {
	for _, r := range required {
		if !slices.Contains(s.Skills, r) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (s *StaffProfile) Clone() *StaffProfile {
	c := *s
	c.Skills = slices.Clone(s.Skills)
	return &c
}

// Unit 組織單位，容量池與佇列範圍
type Unit struct {
	ID           string `json:"id"`
	WIPLimit     int    `json:"unit_wip_limit"`
	CurrentCount int    `json:"current_count"` // 只允許 Capacity Ledger 修改
	SupervisorID string `json:"supervisor_id,omitempty"`
}

// Clone returns a copy.
func (u *Unit) Clone() *Unit {
	c := *u
	return &c
}

// AssignmentEvent 稽核事件，寫入後不可變更
type AssignmentEvent struct {
	Seq          uint64         `json:"seq"` // 儲存層指派，嚴格遞增
	AssignmentID string         `json:"assignment_id,omitempty"`
	WorkItemID   string         `json:"work_item_id,omitempty"`
	StaffID      string         `json:"staff_id,omitempty"`
	Type         EventType      `json:"event_type"`
	ActorUserID  string         `json:"actor_user_id"`
	Data         map[string]any `json:"event_data,omitempty"`
	DedupeKey    string         `json:"dedupe_key,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Checksum     uint32         `json:"checksum"`
}

// Clone returns a copy; Data is copied one level deep.
func (e *AssignmentEvent) Clone() *AssignmentEvent {
	c := *e
	if e.Data != nil {
		c.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// TriggerReason 觸發調度的原因
type TriggerReason string

const (
	TriggerCompletion   TriggerReason = "completion"
	TriggerCancellation TriggerReason = "cancellation"
	TriggerReassignment TriggerReason = "reassignment"
	TriggerAvailability TriggerReason = "availability"
	TriggerUnitCapacity TriggerReason = "unit_capacity"
	TriggerManual       TriggerReason = "manual"
	TriggerRetrigger    TriggerReason = "retrigger"
	TriggerSubmit       TriggerReason = "submit"
)

// Trigger 容量變更事件，驅動 Dispatcher
type Trigger struct {
	UnitID  string        `json:"unit_id"`
	StaffID string        `json:"staff_id,omitempty"`
	Reason  TriggerReason `json:"reason"`
	Attempt int           `json:"attempt"` // 重新觸發次數
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// SnapshotData 快照資料，用於記憶體後端狀態的持久化和恢復
type SnapshotData struct {
	Units        []*Unit            `json:"units"`
	Staff        []*StaffProfile    `json:"staff"`
	Queue        []*QueueEntry      `json:"queue"`
	Assignments  []*Assignment      `json:"assignments"`
	Events       []*AssignmentEvent `json:"events"`
	LastQueueSeq uint64             `json:"last_queue_seq"`
	LastEventSeq uint64             `json:"last_event_seq"`
	SchemaVer    int                `json:"schema_ver"` // 資料結構版本號，用於向後相容性
}
