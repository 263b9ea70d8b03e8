// Package memory is the in-process store backend.
//
// One writer lock serializes Update transactions, which makes every
// read-check-write inside a transaction atomic. Writes are applied in place and
// an undo log restores the previous values when the transaction fails.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Store keeps the whole scheduler state in maps guarded by a RWMutex.
type Store struct {
	mu     sync.RWMutex
	closed bool

	units       map[string]*types.Unit
	staff       map[string]*types.StaffProfile
	queue       map[string]*types.QueueEntry
	assignments map[string]*types.Assignment
	active      map[string]string // work item id -> active assignment id

	events       []*types.AssignmentEvent // in seq order
	byAssignment map[string][]int
	byWorkItem   map[string][]int
	dedupe       map[string]int

	queueSeq uint64
	eventSeq uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		units:        make(map[string]*types.Unit),
		staff:        make(map[string]*types.StaffProfile),
		queue:        make(map[string]*types.QueueEntry),
		assignments:  make(map[string]*types.Assignment),
		active:       make(map[string]string),
		byAssignment: make(map[string][]int),
		byWorkItem:   make(map[string][]int),
		dedupe:       make(map[string]int),
	}
}

// Update runs fn under the writer lock.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrClosed
	}

	tx := &memTx{s: s, writable: true}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
		s.mu.Unlock()
		if committed {
			tx.runAfterCommit()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

// View runs fn under the reader lock.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return fn(&memTx{s: s})
}

// Close marks the store closed. Later transactions fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Export returns a deep copy of the current state.
func (s *Store) Export() types.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := types.SnapshotData{
		LastQueueSeq: s.queueSeq,
		LastEventSeq: s.eventSeq,
		SchemaVer:    1,
	}
	for _, u := range s.units {
		data.Units = append(data.Units, u.Clone())
	}
	for _, st := range s.staff {
		data.Staff = append(data.Staff, st.Clone())
	}
	for _, q := range s.queue {
		data.Queue = append(data.Queue, q.Clone())
	}
	for _, a := range s.assignments {
		data.Assignments = append(data.Assignments, a.Clone())
	}
	for _, e := range s.events {
		data.Events = append(data.Events, e.Clone())
	}
	slices.SortFunc(data.Units, func(a, b *types.Unit) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(data.Staff, func(a, b *types.StaffProfile) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(data.Queue, func(a, b *types.QueueEntry) int { return cmp.Compare(a.Seq, b.Seq) })
	slices.SortFunc(data.Assignments, func(a, b *types.Assignment) int { return cmp.Compare(a.ID, b.ID) })
	return data
}

// Import replaces the current state with data.
func (s *Store) Import(data types.SnapshotData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := New()
	for _, u := range data.Units {
		fresh.units[u.ID] = u.Clone()
	}
	for _, st := range data.Staff {
		fresh.staff[st.ID] = st.Clone()
	}
	for _, q := range data.Queue {
		fresh.queue[q.WorkItemID] = q.Clone()
	}
	for _, a := range data.Assignments {
		fresh.assignments[a.ID] = a.Clone()
		if a.IsActive() {
			if other, ok := fresh.active[a.WorkItemID]; ok {
				return fmt.Errorf("import: work item %s has two active assignments (%s, %s)", a.WorkItemID, other, a.ID)
			}
			fresh.active[a.WorkItemID] = a.ID
		}
	}
	events := slices.Clone(data.Events)
	slices.SortFunc(events, func(a, b *types.AssignmentEvent) int { return cmp.Compare(a.Seq, b.Seq) })
	for _, e := range events {
		fresh.indexEvent(e.Clone())
	}
	fresh.queueSeq = data.LastQueueSeq
	fresh.eventSeq = max(data.LastEventSeq, fresh.eventSeq)

	s.units, s.staff, s.queue = fresh.units, fresh.staff, fresh.queue
	s.assignments, s.active = fresh.assignments, fresh.active
	s.events, s.byAssignment, s.byWorkItem, s.dedupe = fresh.events, fresh.byAssignment, fresh.byWorkItem, fresh.dedupe
	s.queueSeq, s.eventSeq = fresh.queueSeq, fresh.eventSeq
	return nil
}

func (s *Store) indexEvent(e *types.AssignmentEvent) {
	idx := len(s.events)
	s.events = append(s.events, e)
	if e.AssignmentID != "" {
		s.byAssignment[e.AssignmentID] = append(s.byAssignment[e.AssignmentID], idx)
	}
	if e.WorkItemID != "" {
		s.byWorkItem[e.WorkItemID] = append(s.byWorkItem[e.WorkItemID], idx)
	}
	if e.DedupeKey != "" {
		s.dedupe[e.DedupeKey] = idx
	}
	if e.Seq > s.eventSeq {
		s.eventSeq = e.Seq
	}
}

func (s *Store) unindexLastEvent() {
	idx := len(s.events) - 1
	e := s.events[idx]
	s.events = s.events[:idx]
	if e.AssignmentID != "" {
		popIndex(s.byAssignment, e.AssignmentID)
	}
	if e.WorkItemID != "" {
		popIndex(s.byWorkItem, e.WorkItemID)
	}
	if e.DedupeKey != "" {
		delete(s.dedupe, e.DedupeKey)
	}
}

func popIndex(m map[string][]int, key string) {
	ids := m[key]
	if len(ids) <= 1 {
		delete(m, key)
		return
	}
	m[key] = ids[:len(ids)-1]
}
