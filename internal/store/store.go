// Package store defines the storage contract the scheduler relies on.
//
// Every scheduler invariant rests on two properties of an Update transaction:
// reads and writes inside fn observe a consistent view, and either every write
// commits or none does. The capacity ledger's compare-and-increment and the
// queue's compare-and-delete are expressed as ordinary reads and writes inside
// one Update; the backend supplies the atomicity.
package store

import (
	"context"
	"errors"

	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an insert collides with an existing key.
	ErrConflict = errors.New("store: conflict")
	// ErrReadOnly is returned by write methods called inside View.
	ErrReadOnly = errors.New("store: read-only transaction")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Store runs transactions against the scheduler state.
type Store interface {
	// Update runs fn in a read-write transaction. If fn returns an error the
	// transaction is rolled back and the error is returned unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the set of primitives available inside a transaction. Returned records
// are copies; changes are only stored through the Put/Insert methods.
//
// Inside Update, GetUnit and GetStaff lock the row on backends that support
// row locks. Writers lock a unit before any of its staff rows.
type Tx interface {
	GetUnit(ctx context.Context, id string) (*types.Unit, error)
	PutUnit(ctx context.Context, u *types.Unit) error
	ListUnits(ctx context.Context) ([]*types.Unit, error)

	GetStaff(ctx context.Context, id string) (*types.StaffProfile, error)
	// ReadStaff is GetStaff without the row lock. The result must not be
	// written back.
	ReadStaff(ctx context.Context, id string) (*types.StaffProfile, error)
	PutStaff(ctx context.Context, s *types.StaffProfile) error
	ListStaffByUnit(ctx context.Context, unitID string) ([]*types.StaffProfile, error)

	GetQueueEntry(ctx context.Context, workItemID string) (*types.QueueEntry, error)
	// InsertQueueEntry assigns Seq and fails with ErrConflict when the work
	// item is already queued.
	InsertQueueEntry(ctx context.Context, e *types.QueueEntry) error
	// DeleteQueueEntry is a compare-and-delete: it reports whether this call
	// removed the entry.
	DeleteQueueEntry(ctx context.Context, workItemID string) (bool, error)
	ListQueueEntries(ctx context.Context, unitID string) ([]*types.QueueEntry, error)

	GetAssignment(ctx context.Context, id string) (*types.Assignment, error)
	// ActiveAssignmentByWorkItem returns ErrNotFound when no non-terminal
	// assignment exists for the work item.
	ActiveAssignmentByWorkItem(ctx context.Context, workItemID string) (*types.Assignment, error)
	// PutAssignment upserts. Writing a second active assignment for a work
	// item fails with ErrConflict.
	PutAssignment(ctx context.Context, a *types.Assignment) error
	ListActiveAssignments(ctx context.Context) ([]*types.Assignment, error)

	// AppendEvent assigns Seq and stores the event. Events are never updated.
	AppendEvent(ctx context.Context, e *types.AssignmentEvent) error
	// LastEvent returns the newest event for the subject (assignment id, or
	// work item id when assignment id is empty). ErrNotFound when none.
	LastEvent(ctx context.Context, assignmentID, workItemID string) (*types.AssignmentEvent, error)
	ListEventsByAssignment(ctx context.Context, assignmentID string) ([]*types.AssignmentEvent, error)
	ListEventsByWorkItem(ctx context.Context, workItemID string) ([]*types.AssignmentEvent, error)
	EventByDedupeKey(ctx context.Context, key string) (*types.AssignmentEvent, error)

	// AfterCommit registers fn to run once the transaction has committed.
	// Callbacks never run for rolled-back transactions.
	AfterCommit(fn func())
}
