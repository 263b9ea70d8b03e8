package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

var errBoom = errors.New("boom")

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutUnit(ctx, &types.Unit{ID: "unit-a", WIPLimit: 3}); err != nil {
			return err
		}
		return tx.PutStaff(ctx, &types.StaffProfile{ID: "alice", UnitID: "unit-a", WIPLimit: 2, Availability: types.Available})
	}))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s)

	err := s.Update(ctx, func(tx store.Tx) error {
		st, err := tx.GetStaff(ctx, "alice")
		if err != nil {
			return err
		}
		st.CurrentCount = 1
		if err := tx.PutStaff(ctx, st); err != nil {
			return err
		}
		if err := tx.InsertQueueEntry(ctx, &types.QueueEntry{WorkItemID: "w1", UnitID: "unit-a", Priority: types.PriorityNormal}); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &types.AssignmentEvent{WorkItemID: "w1", Type: types.EventQueued, ActorUserID: "u"}); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		st, err := tx.GetStaff(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, 0, st.CurrentCount)

		_, err = tx.GetQueueEntry(ctx, "w1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = tx.LastEvent(ctx, "", "w1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))

	// Sequences are restored too.
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		e := &types.QueueEntry{WorkItemID: "w2", UnitID: "unit-a", Priority: types.PriorityNormal}
		require.NoError(t, tx.InsertQueueEntry(ctx, e))
		assert.Equal(t, uint64(1), e.Seq)
		return nil
	}))
}

func TestUpdateRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s)

	assert.Panics(t, func() {
		_ = s.Update(ctx, func(tx store.Tx) error {
			_ = tx.PutUnit(ctx, &types.Unit{ID: "unit-b", WIPLimit: 1})
			panic("bad")
		})
	})

	// Lock released and write undone.
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetUnit(ctx, "unit-b")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestDeleteQueueEntryIsCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.InsertQueueEntry(ctx, &types.QueueEntry{WorkItemID: "w1", UnitID: "u"})
	}))

	var first, second bool
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		var err error
		first, err = tx.DeleteQueueEntry(ctx, "w1")
		return err
	}))
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		var err error
		second, err = tx.DeleteQueueEntry(ctx, "w1")
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)
}

func TestInsertQueueEntryConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertQueueEntry(ctx, &types.QueueEntry{WorkItemID: "w1"}); err != nil {
			return err
		}
		return tx.InsertQueueEntry(ctx, &types.QueueEntry{WorkItemID: "w1"})
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestSingleActiveAssignmentPerWorkItem(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.PutAssignment(ctx, &types.Assignment{ID: "a1", WorkItemID: "w1", Status: types.StatusAssigned})
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.PutAssignment(ctx, &types.Assignment{ID: "a2", WorkItemID: "w1", Status: types.StatusAssigned})
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	// Completing the first frees the work item.
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, "a1")
		if err != nil {
			return err
		}
		a.Status = types.StatusCompleted
		if err := tx.PutAssignment(ctx, a); err != nil {
			return err
		}
		return tx.PutAssignment(ctx, &types.Assignment{ID: "a2", WorkItemID: "w1", Status: types.StatusAssigned})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		a, err := tx.ActiveAssignmentByWorkItem(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "a2", a.ID)
		active, err := tx.ListActiveAssignments(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 1)
		return nil
	}))
}

func TestViewIsReadOnly(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.View(ctx, func(tx store.Tx) error {
		return tx.PutUnit(ctx, &types.Unit{ID: "u"})
	})
	assert.ErrorIs(t, err, store.ErrReadOnly)
}

func TestAfterCommitOnlyRunsOnCommit(t *testing.T) {
	ctx := context.Background()
	s := New()
	calls := 0

	_ = s.Update(ctx, func(tx store.Tx) error {
		tx.AfterCommit(func() { calls++ })
		return errBoom
	})
	assert.Equal(t, 0, calls)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		tx.AfterCommit(func() { calls++ })
		return nil
	}))
	assert.Equal(t, 1, calls)
}

func TestEventDedupeAndOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		for i, typ := range []types.EventType{types.EventCreated, types.EventCommented, types.EventCompleted} {
			e := &types.AssignmentEvent{
				AssignmentID: "a1",
				Type:         typ,
				ActorUserID:  "u",
				CreatedAt:    base.Add(time.Duration(i) * time.Second),
			}
			if typ == types.EventCommented {
				e.DedupeKey = "req-1"
			}
			if err := tx.AppendEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.AppendEvent(ctx, &types.AssignmentEvent{AssignmentID: "a1", Type: types.EventCommented, DedupeKey: "req-1"})
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		events, err := tx.ListEventsByAssignment(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, types.EventCreated, events[0].Type)
		assert.Equal(t, []uint64{1, 2, 3}, []uint64{events[0].Seq, events[1].Seq, events[2].Seq})

		e, err := tx.EventByDedupeKey(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), e.Seq)
		return nil
	}))
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	s := New()
	seed(t, s)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertQueueEntry(ctx, &types.QueueEntry{WorkItemID: "w1", UnitID: "unit-a"}); err != nil {
			return err
		}
		if err := tx.PutAssignment(ctx, &types.Assignment{ID: "a1", WorkItemID: "w0", Status: types.StatusAssigned}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &types.AssignmentEvent{AssignmentID: "a1", WorkItemID: "w0", Type: types.EventCreated, ActorUserID: "u"})
	}))

	data := s.Export()
	restored := New()
	require.NoError(t, restored.Import(data))

	require.NoError(t, restored.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetQueueEntry(ctx, "w1")
		assert.NoError(t, err)
		a, err := tx.ActiveAssignmentByWorkItem(ctx, "w0")
		require.NoError(t, err)
		assert.Equal(t, "a1", a.ID)
		events, err := tx.ListEventsByAssignment(ctx, "a1")
		require.NoError(t, err)
		assert.Len(t, events, 1)
		return nil
	}))

	// Sequences continue after import.
	require.NoError(t, restored.Update(ctx, func(tx store.Tx) error {
		e := &types.AssignmentEvent{AssignmentID: "a1", Type: types.EventCommented, ActorUserID: "u"}
		require.NoError(t, tx.AppendEvent(ctx, e))
		assert.Equal(t, uint64(2), e.Seq)
		return nil
	}))
}

func TestClosedStore(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	err := s.Update(context.Background(), func(tx store.Tx) error { return nil })
	assert.ErrorIs(t, err, store.ErrClosed)
}
