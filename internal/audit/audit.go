// Package audit is the append-only assignment event log.
//
// Events are written inside the caller's store transaction, so a state change
// and its event commit or roll back together. created_at never moves backwards
// for a subject: it is max(now, previous created_at), and the store sequence
// breaks ties.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

var (
	ErrInvalidEvent     = errors.New("audit: invalid event")
	ErrChecksumMismatch = errors.New("audit: checksum mismatch")
)

// ChecksumError reports a stored event whose checksum does not match its
// contents.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("audit: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// Sink receives events after their transaction commits.
type Sink interface {
	Write(events ...*types.AssignmentEvent) error
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithSink mirrors committed events to s.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.log = logger }
}

// Log appends and queries events.
type Log struct {
	now  func() time.Time
	sink Sink
	log  *slog.Logger
}

// New returns a Log.
func New(opts ...Option) *Log {
	l := &Log{now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes e inside tx and fills in Seq, CreatedAt and Checksum.
//
// When e carries a DedupeKey that was already recorded, nothing is written and
// the stored event is returned with appended=false.
func (l *Log) Append(ctx context.Context, tx store.Tx, e *types.AssignmentEvent) (stored *types.AssignmentEvent, appended bool, err error) {
	if err := validate(e); err != nil {
		return nil, false, err
	}
	if e.DedupeKey != "" {
		if prev, ok, err := l.Lookup(ctx, tx, e.DedupeKey); err != nil || ok {
			return prev, false, err
		}
	}

	createdAt := l.now().UTC()
	if e.AssignmentID != "" || e.WorkItemID != "" {
		last, err := tx.LastEvent(ctx, e.AssignmentID, e.WorkItemID)
		switch {
		case err == nil:
			if last.CreatedAt.After(createdAt) {
				createdAt = last.CreatedAt
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, fmt.Errorf("audit: last event: %w", err)
		}
	}
	e.CreatedAt = createdAt
	e.Checksum = Checksum(e)

	if err := tx.AppendEvent(ctx, e); err != nil {
		if errors.Is(err, store.ErrConflict) && e.DedupeKey != "" {
			prev, ok, lookupErr := l.Lookup(ctx, tx, e.DedupeKey)
			if lookupErr == nil && ok {
				return prev, false, nil
			}
		}
		return nil, false, fmt.Errorf("audit: append %s: %w", e.Type, err)
	}

	if l.sink != nil {
		committed := e.Clone()
		tx.AfterCommit(func() {
			if err := l.sink.Write(committed); err != nil {
				l.log.Error("Failed to mirror audit event", "seq", committed.Seq, "error", err)
			}
		})
	}
	return e, true, nil
}

// Lookup returns the event recorded under key, if any.
func (l *Log) Lookup(ctx context.Context, tx store.Tx, key string) (*types.AssignmentEvent, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	prev, err := tx.EventByDedupeKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("audit: dedupe lookup: %w", err)
	}
	return prev, true, nil
}

// QueryByAssignment returns the history of an assignment ordered by
// (created_at, seq), newest first when ascending is false.
func (l *Log) QueryByAssignment(ctx context.Context, tx store.Tx, assignmentID string, ascending bool) ([]*types.AssignmentEvent, error) {
	events, err := tx.ListEventsByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !ascending {
		slices.Reverse(events)
	}
	return events, nil
}

// QueryByWorkItem returns every event recorded for a work item, queue events
// included, oldest first.
func (l *Log) QueryByWorkItem(ctx context.Context, tx store.Tx, workItemID string) ([]*types.AssignmentEvent, error) {
	return tx.ListEventsByWorkItem(ctx, workItemID)
}

func validate(e *types.AssignmentEvent) error {
	switch {
	case e.Type == "":
		return fmt.Errorf("%w: missing event type", ErrInvalidEvent)
	case strings.TrimSpace(e.ActorUserID) == "":
		return fmt.Errorf("%w: missing actor", ErrInvalidEvent)
	case e.AssignmentID == "" && e.WorkItemID == "" && e.StaffID == "":
		return fmt.Errorf("%w: event has no subject", ErrInvalidEvent)
	}
	return nil
}

// Checksum is CRC32-IEEE over the immutable fields of e. Seq is excluded
// because the store assigns it during the insert.
func Checksum(e *types.AssignmentEvent) uint32 {
	data, _ := json.Marshal(e.Data)
	var b strings.Builder
	for _, part := range []string{
		e.AssignmentID, e.WorkItemID, e.StaffID, string(e.Type), e.ActorUserID,
		strconv.FormatInt(e.CreatedAt.UnixNano(), 10), string(data), e.DedupeKey,
	} {
		b.WriteString(part)
		b.WriteByte('|')
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// Verify checks every event's checksum and that created_at never decreases.
func Verify(events []*types.AssignmentEvent) error {
	for i, e := range events {
		if want := Checksum(e); want != e.Checksum {
			return &ChecksumError{Seq: e.Seq, Expected: want, Actual: e.Checksum}
		}
		if i > 0 && e.CreatedAt.Before(events[i-1].CreatedAt) {
			return fmt.Errorf("audit: event seq=%d created_at %s precedes seq=%d",
				e.Seq, e.CreatedAt.Format(time.RFC3339Nano), events[i-1].Seq)
		}
	}
	return nil
}
