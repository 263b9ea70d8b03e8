package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/internal/store/memory"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var base = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func newEntry(id string, p types.Priority, age time.Duration) *types.QueueEntry {
	return &types.QueueEntry{
		WorkItemID:   id,
		WorkItemType: "ticket",
		Priority:     p,
		UnitID:       "unit-a",
		CreatedAt:    base.Add(-age),
	}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

func enqueueAll(t *testing.T, s store.Store, q *Queue, entries ...*types.QueueEntry) {
	t.Helper()
	ctx := context.Background()
	for _, e := range entries {
		assertNoError(t, s.Update(ctx, func(tx store.Tx) error { return q.Enqueue(ctx, tx, e) }))
	}
}

func drainIDs(t *testing.T, s store.Store, q *Queue, limit int) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	assertNoError(t, s.View(ctx, func(tx store.Tx) error {
		entries, err := q.DrainCandidates(ctx, tx, "unit-a", limit)
		if err != nil {
			return err
		}
		for _, e := range entries {
			ids = append(ids, e.WorkItemID)
		}
		return nil
	}))
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestDrainOrder(t *testing.T) {
	tests := []struct {
		name    string
		entries []*types.QueueEntry
		limit   int
		want    []string
	}{
		{
			name: "FIFO within priority",
			entries: []*types.QueueEntry{
				newEntry("n3", types.PriorityNormal, 2*time.Minute),
				newEntry("n1", types.PriorityNormal, 6*time.Minute),
				newEntry("n2", types.PriorityNormal, 4*time.Minute),
			},
			want: []string{"n1", "n2", "n3"},
		},
		{
			name: "urgent preempts older lower priority",
			entries: []*types.QueueEntry{
				newEntry("low-old", types.PriorityLow, time.Hour),
				newEntry("normal-old", types.PriorityNormal, 30*time.Minute),
				newEntry("urgent-new", types.PriorityUrgent, 0),
				newEntry("high", types.PriorityHigh, time.Minute),
			},
			want: []string{"urgent-new", "high", "normal-old", "low-old"},
		},
		{
			name: "same timestamp falls back to insertion order",
			entries: []*types.QueueEntry{
				newEntry("first", types.PriorityHigh, time.Minute),
				newEntry("second", types.PriorityHigh, time.Minute),
				newEntry("third", types.PriorityHigh, time.Minute),
			},
			want: []string{"first", "second", "third"},
		},
		{
			name: "limit bounds the batch",
			entries: []*types.QueueEntry{
				newEntry("a", types.PriorityNormal, 3*time.Minute),
				newEntry("b", types.PriorityNormal, 2*time.Minute),
				newEntry("c", types.PriorityNormal, time.Minute),
			},
			limit: 2,
			want:  []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			q := New(nil)
			enqueueAll(t, s, q, tt.entries...)
			if got := drainIDs(t, s, q, tt.limit); !equalIDs(got, tt.want) {
				t.Errorf("drain order: got %v, want %v", got, tt.want)
			}
		})
	}
}

// An old normal item is never starved by a stream of newer normal items.
func TestNoStarvationWithinBand(t *testing.T) {
	s := memory.New()
	q := New(nil)
	enqueueAll(t, s, q, newEntry("oldest", types.PriorityNormal, time.Hour))
	for i := 0; i < 20; i++ {
		enqueueAll(t, s, q, newEntry(fmt.Sprintf("new-%02d", i), types.PriorityNormal, -time.Duration(i)*time.Second))
	}
	got := drainIDs(t, s, q, 1)
	if !equalIDs(got, []string{"oldest"}) {
		t.Errorf("expected oldest first, got %v", got)
	}
}

func TestEnqueueDefaultsCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	q := New(func() time.Time { return base })

	e := &types.QueueEntry{WorkItemID: "w1", UnitID: "unit-a", Priority: types.PriorityLow}
	assertNoError(t, s.Update(ctx, func(tx store.Tx) error { return q.Enqueue(ctx, tx, e) }))
	if !e.CreatedAt.Equal(base) {
		t.Errorf("created_at: got %v, want %v", e.CreatedAt, base)
	}
}

func TestEnqueueRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	q := New(nil)
	enqueueAll(t, s, q, newEntry("w1", types.PriorityNormal, 0))

	err := s.Update(ctx, func(tx store.Tx) error { return q.Enqueue(ctx, tx, newEntry("w1", types.PriorityHigh, 0)) })
	assertError(t, err, ErrDuplicateWorkItem)

	// Work item with an active assignment cannot be queued either.
	assertNoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.PutAssignment(ctx, &types.Assignment{ID: "a1", WorkItemID: "w2", Status: types.StatusInProgress})
	}))
	err = s.Update(ctx, func(tx store.Tx) error { return q.Enqueue(ctx, tx, newEntry("w2", types.PriorityNormal, 0)) })
	assertError(t, err, ErrDuplicateWorkItem)
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	q := New(nil)
	bad := []*types.QueueEntry{
		{WorkItemID: "", UnitID: "unit-a", Priority: types.PriorityNormal},
		{WorkItemID: "w", UnitID: "", Priority: types.PriorityNormal},
		{WorkItemID: "w", UnitID: "unit-a", Priority: "someday"},
	}
	for _, e := range bad {
		if err := s.Update(ctx, func(tx store.Tx) error { return q.Enqueue(ctx, tx, e) }); err == nil {
			t.Errorf("expected validation error for %+v", e)
		}
	}
}

func TestConcurrentRemoveHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	q := New(nil)
	enqueueAll(t, s, q, newEntry("w1", types.PriorityNormal, 0))

	var (
		mu      sync.Mutex
		winners int
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(ctx, func(tx store.Tx) error {
				removed, err := q.Remove(ctx, tx, "w1")
				if removed {
					mu.Lock()
					winners++
					mu.Unlock()
				}
				return err
			})
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
}

func TestDepths(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	q := New(nil)
	other := newEntry("b1", types.PriorityNormal, 0)
	other.UnitID = "unit-b"
	enqueueAll(t, s, q, newEntry("a1", types.PriorityNormal, 0), newEntry("a2", types.PriorityLow, 0), other)

	assertNoError(t, s.View(ctx, func(tx store.Tx) error {
		n, err := q.Depth(ctx, tx, "unit-a")
		if err != nil {
			return err
		}
		if n != 2 {
			t.Errorf("unit-a depth: got %d, want 2", n)
		}
		depths, err := q.Depths(ctx, tx)
		if err != nil {
			return err
		}
		if depths["unit-a"] != 2 || depths["unit-b"] != 1 {
			t.Errorf("depths: got %v", depths)
		}
		return nil
	}))
}
