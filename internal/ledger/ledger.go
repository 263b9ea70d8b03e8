// Package ledger is the only writer of staff and unit WIP counters.
//
// Every method runs inside a store transaction. Reserve is a compare-and-
// increment: the limit checks and both increments happen in the same Update,
// so concurrent callers for the same staff member or unit cannot overshoot.
//
// Rows are locked unit first, then staff, matching the dispatcher, so two
// writers on the same unit queue up instead of deadlocking.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

var (
	// ErrInvariantViolation marks counter bookkeeping bugs. These are never
	// clamped or retried.
	ErrInvariantViolation = errors.New("ledger: invariant violation")
	// ErrNoCapacity is returned by callers that require a reservation to
	// succeed (reassignment). Dispatch treats a failed reservation as a
	// normal outcome instead.
	ErrNoCapacity = errors.New("ledger: no capacity available")
)

// DoubleReleaseError is returned when an assignment's capacity is released a
// second time.
type DoubleReleaseError struct {
	AssignmentID string
	StaffID      string
}

func (e *DoubleReleaseError) Error() string {
	return fmt.Sprintf("ledger: capacity for assignment %s (staff %s) already released", e.AssignmentID, e.StaffID)
}

// Is lets errors.Is(err, ErrInvariantViolation) match a double release.
func (e *DoubleReleaseError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// Code is the machine-readable error code.
func (e *DoubleReleaseError) Code() string { return "INVARIANT_VIOLATION" }

// Ledger implements reserve and release on top of a store.Tx.
type Ledger struct {
	log *slog.Logger
}

// New returns a Ledger. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{log: logger.With("component", "ledger")}
}

// Reserve takes one slot from staffID and from the staff member's unit. It
// returns false, with nothing written, when the staff member is not available
// or either limit is reached.
func (l *Ledger) Reserve(ctx context.Context, tx store.Tx, staffID string) (bool, error) {
	peek, err := tx.ReadStaff(ctx, staffID)
	if err != nil {
		return false, fmt.Errorf("reserve: staff %s: %w", staffID, err)
	}
	unit, err := tx.GetUnit(ctx, peek.UnitID)
	if err != nil {
		return false, fmt.Errorf("reserve: unit %s: %w", peek.UnitID, err)
	}
	st, err := tx.GetStaff(ctx, staffID)
	if err != nil {
		return false, fmt.Errorf("reserve: staff %s: %w", staffID, err)
	}
	if st.UnitID != unit.ID {
		// 讀取與加鎖之間換了單位
		return false, nil
	}
	if st.Availability != types.Available || st.CurrentCount >= st.WIPLimit {
		return false, nil
	}
	if unit.CurrentCount >= unit.WIPLimit {
		return false, nil
	}

	st.CurrentCount++
	unit.CurrentCount++
	if err := tx.PutStaff(ctx, st); err != nil {
		return false, err
	}
	if err := tx.PutUnit(ctx, unit); err != nil {
		return false, err
	}
	return true, nil
}

// Release returns the slot held by a to its assignee and unit, marks a as
// released and persists it. The caller sets the terminal status (or the new
// assignee) on a before or after the call; either order is fine inside one
// transaction.
func (l *Ledger) Release(ctx context.Context, tx store.Tx, a *types.Assignment) error {
	if a.CapacityReleased {
		err := &DoubleReleaseError{AssignmentID: a.ID, StaffID: a.AssigneeID}
		l.log.Error("Double capacity release", "assignmentID", a.ID, "staffID", a.AssigneeID, "fatal", true)
		return err
	}

	unit, err := tx.GetUnit(ctx, a.UnitID)
	if err != nil {
		return fmt.Errorf("release: unit %s: %w", a.UnitID, err)
	}
	st, err := tx.GetStaff(ctx, a.AssigneeID)
	if err != nil {
		return fmt.Errorf("release: staff %s: %w", a.AssigneeID, err)
	}
	if st.CurrentCount <= 0 || unit.CurrentCount <= 0 {
		l.log.Error("Capacity counter would go below zero",
			"assignmentID", a.ID, "staffID", st.ID, "staffCount", st.CurrentCount,
			"unitID", unit.ID, "unitCount", unit.CurrentCount, "fatal", true)
		return fmt.Errorf("%w: release of %s would take staff %s (count %d) or unit %s (count %d) below zero",
			ErrInvariantViolation, a.ID, st.ID, st.CurrentCount, unit.ID, unit.CurrentCount)
	}

	st.CurrentCount--
	unit.CurrentCount--
	if err := tx.PutStaff(ctx, st); err != nil {
		return err
	}
	if err := tx.PutUnit(ctx, unit); err != nil {
		return err
	}
	a.CapacityReleased = true
	return tx.PutAssignment(ctx, a)
}

// StaffStats is a point-in-time view of one staff member's load.
type StaffStats struct {
	StaffID      string             `json:"staff_id"`
	Count        int                `json:"count"`
	Limit        int                `json:"limit"`
	Availability types.Availability `json:"availability"`
}

// UnitStats is a point-in-time view of a unit's load.
type UnitStats struct {
	UnitID string       `json:"unit_id"`
	Count  int          `json:"count"`
	Limit  int          `json:"limit"`
	Staff  []StaffStats `json:"staff"`
}

// Free returns how many more assignments the unit accepts in aggregate.
func (u UnitStats) Free() int {
	if u.Count >= u.Limit {
		return 0
	}
	return u.Limit - u.Count
}

// Stats reads the counters for unitID.
func (l *Ledger) Stats(ctx context.Context, tx store.Tx, unitID string) (UnitStats, error) {
	unit, err := tx.GetUnit(ctx, unitID)
	if err != nil {
		return UnitStats{}, fmt.Errorf("stats: unit %s: %w", unitID, err)
	}
	staff, err := tx.ListStaffByUnit(ctx, unitID)
	if err != nil {
		return UnitStats{}, err
	}
	out := UnitStats{UnitID: unit.ID, Count: unit.CurrentCount, Limit: unit.WIPLimit}
	for _, st := range staff {
		out.Staff = append(out.Staff, StaffStats{
			StaffID:      st.ID,
			Count:        st.CurrentCount,
			Limit:        st.WIPLimit,
			Availability: st.Availability,
		})
	}
	return out, nil
}
