package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/internal/store/memory"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// regressingClock returns the queued instants in order, then repeats the last.
type regressingClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *regressingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

type recordingSink struct {
	mu     sync.Mutex
	events []*types.AssignmentEvent
}

func (s *recordingSink) Write(events ...*types.AssignmentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func appendEvent(t *testing.T, s store.Store, l *Log, e *types.AssignmentEvent) (*types.AssignmentEvent, bool) {
	t.Helper()
	var (
		stored   *types.AssignmentEvent
		appended bool
	)
	require.NoError(t, s.Update(context.Background(), func(tx store.Tx) error {
		var err error
		stored, appended, err = l.Append(context.Background(), tx, e)
		return err
	}))
	return stored, appended
}

func TestAppendKeepsCreatedAtMonotonicWhenClockRegresses(t *testing.T) {
	t0 := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := &regressingClock{times: []time.Time{t0, t0.Add(-time.Minute), t0.Add(time.Second)}}
	s := memory.New()
	l := New(WithClock(clock.Now))

	for _, typ := range []types.EventType{types.EventCreated, types.EventCommented, types.EventCompleted} {
		appendEvent(t, s, l, &types.AssignmentEvent{AssignmentID: "a1", Type: typ, ActorUserID: "alice"})
	}

	var events []*types.AssignmentEvent
	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		var err error
		events, err = l.QueryByAssignment(context.Background(), tx, "a1", true)
		return err
	}))
	require.Len(t, events, 3)
	assert.Equal(t, types.EventCreated, events[0].Type)
	assert.True(t, events[1].CreatedAt.Equal(t0), "regressed clock is clamped to the previous event")
	assert.True(t, events[2].CreatedAt.Equal(t0.Add(time.Second)))
	assert.NoError(t, Verify(events))
}

func TestAppendDedupeKey(t *testing.T) {
	s := memory.New()
	sink := &recordingSink{}
	l := New(WithSink(sink))

	first, appended := appendEvent(t, s, l, &types.AssignmentEvent{
		AssignmentID: "a1", Type: types.EventCommented, ActorUserID: "alice",
		Data: map[string]any{"body": "hello"}, DedupeKey: "comment/alice/req-1",
	})
	require.True(t, appended)

	again, appended := appendEvent(t, s, l, &types.AssignmentEvent{
		AssignmentID: "a1", Type: types.EventCommented, ActorUserID: "alice",
		Data: map[string]any{"body": "hello"}, DedupeKey: "comment/alice/req-1",
	})
	assert.False(t, appended)
	assert.Equal(t, first.Seq, again.Seq)

	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		events, err := l.QueryByAssignment(context.Background(), tx, "a1", true)
		require.NoError(t, err)
		assert.Len(t, events, 1, "retry must not double-log")
		return nil
	}))
	assert.Len(t, sink.events, 1)
}

func TestAppendValidation(t *testing.T) {
	tests := []struct {
		name  string
		event *types.AssignmentEvent
	}{
		{"missing type", &types.AssignmentEvent{AssignmentID: "a1", ActorUserID: "alice"}},
		{"missing actor", &types.AssignmentEvent{AssignmentID: "a1", Type: types.EventCommented, ActorUserID: " "}},
		{"no subject", &types.AssignmentEvent{Type: types.EventCommented, ActorUserID: "alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			err := s.Update(context.Background(), func(tx store.Tx) error {
				_, _, err := New().Append(context.Background(), tx, tt.event)
				return err
			})
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestSinkOnlySeesCommittedEvents(t *testing.T) {
	s := memory.New()
	sink := &recordingSink{}
	l := New(WithSink(sink))

	_ = s.Update(context.Background(), func(tx store.Tx) error {
		if _, _, err := l.Append(context.Background(), tx, &types.AssignmentEvent{
			AssignmentID: "a1", Type: types.EventCreated, ActorUserID: "system:dispatcher",
		}); err != nil {
			return err
		}
		return errors.New("state change failed")
	})
	assert.Empty(t, sink.events)

	appendEvent(t, s, l, &types.AssignmentEvent{AssignmentID: "a1", Type: types.EventCreated, ActorUserID: "system:dispatcher"})
	require.Len(t, sink.events, 1)
	assert.NotZero(t, sink.events[0].Seq)
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := memory.New()
	l := New()
	e, _ := appendEvent(t, s, l, &types.AssignmentEvent{
		AssignmentID: "a1", Type: types.EventEscalated, ActorUserID: "system:sla",
		Data: map[string]any{"reason": "sla breach"},
	})
	require.NoError(t, Verify([]*types.AssignmentEvent{e}))

	tampered := e.Clone()
	tampered.Data["reason"] = "nothing to see"
	err := Verify([]*types.AssignmentEvent{tampered})
	var ce *ChecksumError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, e.Seq, ce.Seq)
	assert.Contains(t, ce.Error(), "checksum mismatch")
}

func TestQueryOrdering(t *testing.T) {
	s := memory.New()
	t0 := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	tick := t0
	l := New(WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
	for _, typ := range []types.EventType{types.EventCreated, types.EventStatusChanged, types.EventCompleted} {
		appendEvent(t, s, l, &types.AssignmentEvent{AssignmentID: "a1", WorkItemID: "w1", Type: typ, ActorUserID: "alice"})
	}
	appendEvent(t, s, l, &types.AssignmentEvent{WorkItemID: "w1", Type: types.EventQueued, ActorUserID: "alice"})

	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		desc, err := l.QueryByAssignment(context.Background(), tx, "a1", false)
		require.NoError(t, err)
		require.Len(t, desc, 3)
		assert.Equal(t, types.EventCompleted, desc[0].Type)
		assert.Equal(t, types.EventCreated, desc[2].Type)

		byItem, err := l.QueryByWorkItem(context.Background(), tx, "w1")
		require.NoError(t, err)
		assert.Len(t, byItem, 4)
		return nil
	}))
}
