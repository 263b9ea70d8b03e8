package memory

import (
	"cmp"
	"context"
	"slices"

	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

type memTx struct {
	s           *Store
	writable    bool
	undo        []func()
	afterCommit []func()
}

func (tx *memTx) checkWritable() error {
	if !tx.writable {
		return store.ErrReadOnly
	}
	return nil
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.afterCommit = nil
}

func (tx *memTx) runAfterCommit() {
	for _, fn := range tx.afterCommit {
		fn()
	}
}

func (tx *memTx) AfterCommit(fn func()) {
	tx.afterCommit = append(tx.afterCommit, fn)
}

// restore returns an undo func that puts back the previous map value.
func restore[V any](m map[string]V, key string) func() {
	prev, had := m[key]
	return func() {
		if had {
			m[key] = prev
		} else {
			delete(m, key)
		}
	}
}

// Units

func (tx *memTx) GetUnit(_ context.Context, id string) (*types.Unit, error) {
	u, ok := tx.s.units[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u.Clone(), nil
}

func (tx *memTx) PutUnit(_ context.Context, u *types.Unit) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.undo = append(tx.undo, restore(tx.s.units, u.ID))
	tx.s.units[u.ID] = u.Clone()
	return nil
}

func (tx *memTx) ListUnits(_ context.Context) ([]*types.Unit, error) {
	out := make([]*types.Unit, 0, len(tx.s.units))
	for _, u := range tx.s.units {
		out = append(out, u.Clone())
	}
	slices.SortFunc(out, func(a, b *types.Unit) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Staff

func (tx *memTx) GetStaff(_ context.Context, id string) (*types.StaffProfile, error) {
	st, ok := tx.s.staff[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st.Clone(), nil
}

// ReadStaff is GetStaff; the writer lock already covers every row.
func (tx *memTx) ReadStaff(ctx context.Context, id string) (*types.StaffProfile, error) {
	return tx.GetStaff(ctx, id)
}

func (tx *memTx) PutStaff(_ context.Context, st *types.StaffProfile) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	tx.undo = append(tx.undo, restore(tx.s.staff, st.ID))
	tx.s.staff[st.ID] = st.Clone()
	return nil
}

func (tx *memTx) ListStaffByUnit(_ context.Context, unitID string) ([]*types.StaffProfile, error) {
	var out []*types.StaffProfile
	for _, st := range tx.s.staff {
		if st.UnitID == unitID {
			out = append(out, st.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *types.StaffProfile) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Queue

func (tx *memTx) GetQueueEntry(_ context.Context, workItemID string) (*types.QueueEntry, error) {
	q, ok := tx.s.queue[workItemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return q.Clone(), nil
}

func (tx *memTx) InsertQueueEntry(_ context.Context, e *types.QueueEntry) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if _, exists := tx.s.queue[e.WorkItemID]; exists {
		return store.ErrConflict
	}
	prevSeq := tx.s.queueSeq
	tx.s.queueSeq++
	e.Seq = tx.s.queueSeq
	tx.undo = append(tx.undo, restore(tx.s.queue, e.WorkItemID), func() { tx.s.queueSeq = prevSeq })
	tx.s.queue[e.WorkItemID] = e.Clone()
	return nil
}

func (tx *memTx) DeleteQueueEntry(_ context.Context, workItemID string) (bool, error) {
	if err := tx.checkWritable(); err != nil {
		return false, err
	}
	if _, exists := tx.s.queue[workItemID]; !exists {
		return false, nil
	}
	tx.undo = append(tx.undo, restore(tx.s.queue, workItemID))
	delete(tx.s.queue, workItemID)
	return true, nil
}

func (tx *memTx) ListQueueEntries(_ context.Context, unitID string) ([]*types.QueueEntry, error) {
	var out []*types.QueueEntry
	for _, q := range tx.s.queue {
		if unitID == "" || q.UnitID == unitID {
			out = append(out, q.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *types.QueueEntry) int { return cmp.Compare(a.Seq, b.Seq) })
	return out, nil
}

// Assignments

func (tx *memTx) GetAssignment(_ context.Context, id string) (*types.Assignment, error) {
	a, ok := tx.s.assignments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a.Clone(), nil
}

func (tx *memTx) ActiveAssignmentByWorkItem(_ context.Context, workItemID string) (*types.Assignment, error) {
	id, ok := tx.s.active[workItemID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return tx.s.assignments[id].Clone(), nil
}

func (tx *memTx) PutAssignment(_ context.Context, a *types.Assignment) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	current, hasActive := tx.s.active[a.WorkItemID]
	if a.IsActive() && hasActive && current != a.ID {
		return store.ErrConflict
	}

	tx.undo = append(tx.undo, restore(tx.s.assignments, a.ID), restore(tx.s.active, a.WorkItemID))
	tx.s.assignments[a.ID] = a.Clone()
	switch {
	case a.IsActive():
		tx.s.active[a.WorkItemID] = a.ID
	case hasActive && current == a.ID:
		delete(tx.s.active, a.WorkItemID)
	}
	return nil
}

func (tx *memTx) ListActiveAssignments(_ context.Context) ([]*types.Assignment, error) {
	out := make([]*types.Assignment, 0, len(tx.s.active))
	for _, id := range tx.s.active {
		out = append(out, tx.s.assignments[id].Clone())
	}
	slices.SortFunc(out, func(a, b *types.Assignment) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Events

func (tx *memTx) AppendEvent(_ context.Context, e *types.AssignmentEvent) error {
	if err := tx.checkWritable(); err != nil {
		return err
	}
	if e.DedupeKey != "" {
		if _, exists := tx.s.dedupe[e.DedupeKey]; exists {
			return store.ErrConflict
		}
	}
	prevSeq := tx.s.eventSeq
	e.Seq = prevSeq + 1
	tx.s.indexEvent(e.Clone())
	tx.undo = append(tx.undo, func() {
		tx.s.unindexLastEvent()
		tx.s.eventSeq = prevSeq
	})
	return nil
}

func (tx *memTx) LastEvent(_ context.Context, assignmentID, workItemID string) (*types.AssignmentEvent, error) {
	var ids []int
	if assignmentID != "" {
		ids = tx.s.byAssignment[assignmentID]
	} else {
		ids = tx.s.byWorkItem[workItemID]
	}
	if len(ids) == 0 {
		return nil, store.ErrNotFound
	}
	return tx.s.events[ids[len(ids)-1]].Clone(), nil
}

func (tx *memTx) ListEventsByAssignment(_ context.Context, assignmentID string) ([]*types.AssignmentEvent, error) {
	return tx.collect(tx.s.byAssignment[assignmentID]), nil
}

func (tx *memTx) ListEventsByWorkItem(_ context.Context, workItemID string) ([]*types.AssignmentEvent, error) {
	return tx.collect(tx.s.byWorkItem[workItemID]), nil
}

func (tx *memTx) EventByDedupeKey(_ context.Context, key string) (*types.AssignmentEvent, error) {
	idx, ok := tx.s.dedupe[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return tx.s.events[idx].Clone(), nil
}

func (tx *memTx) collect(ids []int) []*types.AssignmentEvent {
	out := make([]*types.AssignmentEvent, 0, len(ids))
	for _, idx := range ids {
		out = append(out, tx.s.events[idx].Clone())
	}
	slices.SortStableFunc(out, func(a, b *types.AssignmentEvent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out
}
