package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

type sqlTx struct {
	tx          *sql.Tx
	d           dialect
	writable    bool
	afterCommit []func()
}

func (t *sqlTx) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

func (t *sqlTx) checkWritable() error {
	if !t.writable {
		return store.ErrReadOnly
	}
	return nil
}

// lock returns the row-lock suffix for single-row reads inside Update.
func (t *sqlTx) lock() string {
	if t.writable {
		return t.d.lockSuffix
	}
	return ""
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.d, query), args...)
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, rebind(t.d, query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.d, query), args...)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// ---- units ----

const unitCols = `id, wip_limit, current_count, supervisor_id`

func scanUnit(sc scanner) (*types.Unit, error) {
	var u types.Unit
	if err := sc.Scan(&u.ID, &u.WIPLimit, &u.CurrentCount, &u.SupervisorID); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *sqlTx) GetUnit(ctx context.Context, id string) (*types.Unit, error) {
	u, err := scanUnit(t.queryRow(ctx, `SELECT `+unitCols+` FROM units WHERE id = ?`+t.lock(), id))
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (t *sqlTx) PutUnit(ctx context.Context, u *types.Unit) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	_, err := t.exec(ctx, `INSERT INTO units (`+unitCols+`) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET wip_limit = excluded.wip_limit,
			current_count = excluded.current_count, supervisor_id = excluded.supervisor_id`,
		u.ID, u.WIPLimit, u.CurrentCount, u.SupervisorID)
	if err != nil {
		return fmt.Errorf("put unit %s: %w", u.ID, err)
	}
	return nil
}

func (t *sqlTx) ListUnits(ctx context.Context) ([]*types.Unit, error) {
	rows, err := t.query(ctx, `SELECT `+unitCols+` FROM units ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*types.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ---- staff ----

const staffCols = `id, unit_id, skills, wip_limit, current_count, availability, supervisor_id`

func scanStaff(sc scanner) (*types.StaffProfile, error) {
	var (
		st     types.StaffProfile
		skills string
		avail  string
	)
	if err := sc.Scan(&st.ID, &st.UnitID, &skills, &st.WIPLimit, &st.CurrentCount, &avail, &st.SupervisorID); err != nil {
		return nil, err
	}
	if err := decodeJSON(skills, &st.Skills); err != nil {
		return nil, fmt.Errorf("decode skills of %s: %w", st.ID, err)
	}
	st.Availability = types.Availability(avail)
	return &st, nil
}

func (t *sqlTx) GetStaff(ctx context.Context, id string) (*types.StaffProfile, error) {
	st, err := scanStaff(t.queryRow(ctx, `SELECT `+staffCols+` FROM staff WHERE id = ?`+t.lock(), id))
	if err != nil {
		return nil, notFound(err)
	}
	return st, nil
}

func (t *sqlTx) ReadStaff(ctx context.Context, id string) (*types.StaffProfile, error) {
	st, err := scanStaff(t.queryRow(ctx, `SELECT `+staffCols+` FROM staff WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return st, nil
}

func (t *sqlTx) PutStaff(ctx context.Context, st *types.StaffProfile) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	skills, err := encodeJSON(st.Skills, "[]")
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, `INSERT INTO staff (`+staffCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET unit_id = excluded.unit_id, skills = excluded.skills,
			wip_limit = excluded.wip_limit, current_count = excluded.current_count,
			availability = excluded.availability, supervisor_id = excluded.supervisor_id`,
		st.ID, st.UnitID, skills, st.WIPLimit, st.CurrentCount, string(st.Availability), st.SupervisorID)
	if err != nil {
		return fmt.Errorf("put staff %s: %w", st.ID, err)
	}
	return nil
}

func (t *sqlTx) ListStaffByUnit(ctx context.Context, unitID string) ([]*types.StaffProfile, error) {
	rows, err := t.query(ctx, `SELECT `+staffCols+` FROM staff WHERE unit_id = ? ORDER BY id`, unitID)
	if err != nil {
		return nil, fmt.Errorf("list staff: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*types.StaffProfile
	for rows.Next() {
		st, err := scanStaff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan staff: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ---- queue ----

const queueCols = `seq, work_item_id, work_item_type, required_skills, priority, unit_id, engagement_id, created_at`

func scanQueueEntry(sc scanner) (*types.QueueEntry, error) {
	var (
		q        types.QueueEntry
		seq      int64
		skills   string
		priority string
		created  int64
	)
	if err := sc.Scan(&seq, &q.WorkItemID, &q.WorkItemType, &skills, &priority, &q.UnitID, &q.EngagementID, &created); err != nil {
		return nil, err
	}
	if err := decodeJSON(skills, &q.RequiredSkills); err != nil {
		return nil, fmt.Errorf("decode required skills of %s: %w", q.WorkItemID, err)
	}
	q.Seq = uint64(seq)
	q.Priority = types.Priority(priority)
	q.CreatedAt = fromNanos(created)
	return &q, nil
}

func (t *sqlTx) GetQueueEntry(ctx context.Context, workItemID string) (*types.QueueEntry, error) {
	q, err := scanQueueEntry(t.queryRow(ctx, `SELECT `+queueCols+` FROM queue_entries WHERE work_item_id = ?`, workItemID))
	if err != nil {
		return nil, notFound(err)
	}
	return q, nil
}

func (t *sqlTx) InsertQueueEntry(ctx context.Context, e *types.QueueEntry) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	skills, err := encodeJSON(e.RequiredSkills, "[]")
	if err != nil {
		return err
	}
	var seq int64
	err = t.queryRow(ctx, `INSERT INTO queue_entries
		(work_item_id, work_item_type, required_skills, priority, unit_id, engagement_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING RETURNING seq`,
		e.WorkItemID, e.WorkItemType, skills, string(e.Priority), e.UnitID, e.EngagementID, toNanos(e.CreatedAt),
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert queue entry %s: %w", e.WorkItemID, err)
	}
	e.Seq = uint64(seq)
	return nil
}

func (t *sqlTx) DeleteQueueEntry(ctx context.Context, workItemID string) (bool, error) {
	if err := t.checkWritable(); err != nil {
		return false, err
	}
	res, err := t.exec(ctx, `DELETE FROM queue_entries WHERE work_item_id = ?`, workItemID)
	if err != nil {
		return false, fmt.Errorf("delete queue entry %s: %w", workItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *sqlTx) ListQueueEntries(ctx context.Context, unitID string) ([]*types.QueueEntry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if unitID == "" {
		rows, err = t.query(ctx, `SELECT `+queueCols+` FROM queue_entries ORDER BY seq`)
	} else {
		rows, err = t.query(ctx, `SELECT `+queueCols+` FROM queue_entries WHERE unit_id = ? ORDER BY seq`, unitID)
	}
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*types.QueueEntry
	for rows.Next() {
		q, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ---- assignments ----

const assignmentCols = `id, work_item_id, work_item_type, assignee_id, unit_id, priority, status,
	required_skills, engagement_id, workflow_stage, sla_deadline, queued_at, assigned_at,
	completed_at, capacity_released, escalation_count, last_escalated_at, observers, checklist`

func scanAssignment(sc scanner) (*types.Assignment, error) {
	var (
		a                             types.Assignment
		priority, status              string
		skills, observers, checklist  string
		deadline, assigned            int64
		queued, completed, escalation sql.NullInt64
	)
	err := sc.Scan(&a.ID, &a.WorkItemID, &a.WorkItemType, &a.AssigneeID, &a.UnitID, &priority, &status,
		&skills, &a.EngagementID, &a.WorkflowStage, &deadline, &queued, &assigned,
		&completed, &a.CapacityReleased, &a.EscalationCount, &escalation, &observers, &checklist)
	if err != nil {
		return nil, err
	}
	a.Priority = types.Priority(priority)
	a.Status = types.AssignmentStatus(status)
	a.SLADeadline = fromNanos(deadline)
	a.AssignedAt = fromNanos(assigned)
	a.QueuedAt = fromNullNanos(queued)
	a.CompletedAt = fromNullNanos(completed)
	a.LastEscalatedAt = fromNullNanos(escalation)
	if err := decodeJSON(skills, &a.RequiredSkills); err != nil {
		return nil, fmt.Errorf("decode required skills of %s: %w", a.ID, err)
	}
	if err := decodeJSON(observers, &a.Observers); err != nil {
		return nil, fmt.Errorf("decode observers of %s: %w", a.ID, err)
	}
	if err := decodeJSON(checklist, &a.Checklist); err != nil {
		return nil, fmt.Errorf("decode checklist of %s: %w", a.ID, err)
	}
	return &a, nil
}

func (t *sqlTx) GetAssignment(ctx context.Context, id string) (*types.Assignment, error) {
	a, err := scanAssignment(t.queryRow(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id = ?`+t.lock(), id))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (t *sqlTx) ActiveAssignmentByWorkItem(ctx context.Context, workItemID string) (*types.Assignment, error) {
	a, err := scanAssignment(t.queryRow(ctx, `SELECT `+assignmentCols+` FROM assignments
		WHERE work_item_id = ? AND status IN ('assigned', 'in_progress')`+t.lock(), workItemID))
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (t *sqlTx) PutAssignment(ctx context.Context, a *types.Assignment) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if a.IsActive() {
		var other string
		err := t.queryRow(ctx, `SELECT id FROM assignments
			WHERE work_item_id = ? AND status IN ('assigned', 'in_progress') AND id <> ?`, a.WorkItemID, a.ID).Scan(&other)
		switch {
		case err == nil:
			return store.ErrConflict
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check active assignment for %s: %w", a.WorkItemID, err)
		}
	}

	skills, err := encodeJSON(a.RequiredSkills, "[]")
	if err != nil {
		return err
	}
	observers, err := encodeJSON(a.Observers, "[]")
	if err != nil {
		return err
	}
	checklist, err := encodeJSON(a.Checklist, "{}")
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, `INSERT INTO assignments (`+assignmentCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			assignee_id = excluded.assignee_id, unit_id = excluded.unit_id,
			priority = excluded.priority, status = excluded.status,
			required_skills = excluded.required_skills, engagement_id = excluded.engagement_id,
			workflow_stage = excluded.workflow_stage, sla_deadline = excluded.sla_deadline,
			queued_at = excluded.queued_at, assigned_at = excluded.assigned_at,
			completed_at = excluded.completed_at, capacity_released = excluded.capacity_released,
			escalation_count = excluded.escalation_count, last_escalated_at = excluded.last_escalated_at,
			observers = excluded.observers, checklist = excluded.checklist`,
		a.ID, a.WorkItemID, a.WorkItemType, a.AssigneeID, a.UnitID, string(a.Priority), string(a.Status),
		skills, a.EngagementID, a.WorkflowStage, toNanos(a.SLADeadline), toNullNanos(a.QueuedAt), toNanos(a.AssignedAt),
		toNullNanos(a.CompletedAt), a.CapacityReleased, a.EscalationCount, toNullNanos(a.LastEscalatedAt), observers, checklist)
	if err != nil {
		return fmt.Errorf("put assignment %s: %w", a.ID, err)
	}
	return nil
}

func (t *sqlTx) ListActiveAssignments(ctx context.Context) ([]*types.Assignment, error) {
	rows, err := t.query(ctx, `SELECT `+assignmentCols+` FROM assignments
		WHERE status IN ('assigned', 'in_progress') ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active assignments: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*types.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- events ----

const eventCols = `seq, assignment_id, work_item_id, staff_id, event_type, actor_user_id, data, dedupe_key, created_at, checksum`

func scanEvent(sc scanner) (*types.AssignmentEvent, error) {
	var (
		e        types.AssignmentEvent
		seq      int64
		typ      string
		data     string
		dedupe   sql.NullString
		created  int64
		checksum int64
	)
	if err := sc.Scan(&seq, &e.AssignmentID, &e.WorkItemID, &e.StaffID, &typ, &e.ActorUserID, &data, &dedupe, &created, &checksum); err != nil {
		return nil, err
	}
	if err := decodeJSON(data, &e.Data); err != nil {
		return nil, fmt.Errorf("decode event %d data: %w", seq, err)
	}
	e.Seq = uint64(seq)
	e.Type = types.EventType(typ)
	e.DedupeKey = dedupe.String
	e.CreatedAt = fromNanos(created)
	e.Checksum = uint32(checksum)
	return &e, nil
}

func (t *sqlTx) AppendEvent(ctx context.Context, e *types.AssignmentEvent) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	data, err := encodeJSON(e.Data, "{}")
	if err != nil {
		return err
	}
	var dedupe any
	if e.DedupeKey != "" {
		dedupe = e.DedupeKey
	}
	var seq int64
	err = t.queryRow(ctx, `INSERT INTO events
		(assignment_id, work_item_id, staff_id, event_type, actor_user_id, data, dedupe_key, created_at, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING RETURNING seq`,
		e.AssignmentID, e.WorkItemID, e.StaffID, string(e.Type), e.ActorUserID, data, dedupe, toNanos(e.CreatedAt), int64(e.Checksum),
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	e.Seq = uint64(seq)
	return nil
}

func (t *sqlTx) LastEvent(ctx context.Context, assignmentID, workItemID string) (*types.AssignmentEvent, error) {
	col, key := "assignment_id", assignmentID
	if assignmentID == "" {
		col, key = "work_item_id", workItemID
	}
	e, err := scanEvent(t.queryRow(ctx, `SELECT `+eventCols+` FROM events WHERE `+col+` = ?
		ORDER BY created_at DESC, seq DESC LIMIT 1`, key))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (t *sqlTx) ListEventsByAssignment(ctx context.Context, assignmentID string) ([]*types.AssignmentEvent, error) {
	return t.listEvents(ctx, "assignment_id", assignmentID)
}

func (t *sqlTx) ListEventsByWorkItem(ctx context.Context, workItemID string) ([]*types.AssignmentEvent, error) {
	return t.listEvents(ctx, "work_item_id", workItemID)
}

func (t *sqlTx) listEvents(ctx context.Context, col, key string) ([]*types.AssignmentEvent, error) {
	rows, err := t.query(ctx, `SELECT `+eventCols+` FROM events WHERE `+col+` = ? ORDER BY created_at, seq`, key)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []*types.AssignmentEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *sqlTx) EventByDedupeKey(ctx context.Context, key string) (*types.AssignmentEvent, error) {
	e, err := scanEvent(t.queryRow(ctx, `SELECT `+eventCols+` FROM events WHERE dedupe_key = ?`, key))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

// ---- encoding helpers ----

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" || s == "[]" || s == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
