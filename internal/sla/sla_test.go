package sla

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ChuLiYu/assignment-scheduler/internal/audit"
	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/internal/store/memory"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memory.Store
	clock    *fakeClock
	notifier *MemoryNotifier
	esc      *Escalator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), clock: &fakeClock{now: t0}, notifier: &MemoryNotifier{}}
	auditLog := audit.New(audit.WithClock(f.clock.Now))
	f.esc = NewEscalator(auditLog, f.notifier, append([]Option{WithClock(f.clock.Now)}, opts...)...)

	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutUnit(ctx, &types.Unit{ID: "u1", WIPLimit: 10, CurrentCount: 2, SupervisorID: "unit-lead"}); err != nil {
			return err
		}
		if err := tx.PutStaff(ctx, &types.StaffProfile{ID: "s1", UnitID: "u1", WIPLimit: 5, CurrentCount: 1, Availability: types.Available, SupervisorID: "boss"}); err != nil {
			return err
		}
		if err := tx.PutStaff(ctx, &types.StaffProfile{ID: "s2", UnitID: "u1", WIPLimit: 5, CurrentCount: 1, Availability: types.Available}); err != nil {
			return err
		}
		for _, a := range []*types.Assignment{
			{ID: "a1", WorkItemID: "w1", AssigneeID: "s1", UnitID: "u1", Priority: types.PriorityUrgent, Status: types.StatusAssigned, AssignedAt: t0, SLADeadline: t0.Add(4 * time.Hour)},
			{ID: "a2", WorkItemID: "w2", AssigneeID: "s2", UnitID: "u1", Priority: types.PriorityHigh, Status: types.StatusInProgress, AssignedAt: t0, SLADeadline: t0.Add(24 * time.Hour)},
		} {
			if err := tx.PutAssignment(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}))
	return f
}

func (f *fixture) escalate(req Request) (*types.AssignmentEvent, error) {
	var ev *types.AssignmentEvent
	err := f.store.Update(context.Background(), func(tx store.Tx) error {
		var err error
		ev, err = f.esc.Escalate(context.Background(), tx, req)
		return err
	})
	return ev, err
}

func TestDeadline(t *testing.T) {
	pol := DefaultPolicy()
	tests := []struct {
		priority types.Priority
		want     time.Duration
	}{
		{types.PriorityUrgent, 4 * time.Hour},
		{types.PriorityHigh, 24 * time.Hour},
		{types.PriorityNormal, 48 * time.Hour},
		{types.PriorityLow, 5 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			assert.Equal(t, t0.Add(tt.want), pol.Deadline(tt.priority, t0))
			assert.Equal(t, pol.Deadline(tt.priority, t0), pol.Deadline(tt.priority, t0), "pure")
		})
	}
	assert.NoError(t, pol.Validate())
	assert.Error(t, Policy{Urgent: time.Hour}.Validate())
}

func TestEscalateCooldown(t *testing.T) {
	f := newFixture(t)

	ev, err := f.escalate(Request{AssignmentID: "a1", ActorID: "alice", Reason: "stuck"})
	require.NoError(t, err)
	assert.Equal(t, types.EventEscalated, ev.Type)
	assert.Equal(t, "boss", ev.Data["supervisor_id"])
	assert.Equal(t, TriggerManual, ev.Data["trigger"])

	f.clock.Advance(10 * time.Minute)
	_, err = f.escalate(Request{AssignmentID: "a1", ActorID: "alice", Reason: "still stuck"})
	var cd *EscalationCooldownActive
	require.True(t, errors.As(err, &cd))
	assert.Equal(t, "ESCALATION_COOLDOWN_ACTIVE", cd.Code())
	assert.Equal(t, 50*60, cd.RetryAfterSeconds())
	assert.Equal(t, t0.Add(time.Hour), cd.NextAllowedAt)

	f.clock.Advance(50 * time.Minute)
	_, err = f.escalate(Request{AssignmentID: "a1", ActorID: "alice", Reason: "still stuck"})
	require.NoError(t, err)

	var events []*types.AssignmentEvent
	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		events, err = tx.ListEventsByAssignment(context.Background(), "a1")
		return err
	}))
	assert.Len(t, events, 2, "the denied attempt wrote nothing")
	assert.Len(t, f.notifier.Messages(), 2)
}

func TestEscalateDoesNotTouchCapacity(t *testing.T) {
	f := newFixture(t)
	_, err := f.escalate(Request{AssignmentID: "a1", ActorID: "alice"})
	require.NoError(t, err)

	require.NoError(t, f.store.View(context.Background(), func(tx store.Tx) error {
		st, _ := tx.GetStaff(context.Background(), "s1")
		unit, _ := tx.GetUnit(context.Background(), "u1")
		a, _ := tx.GetAssignment(context.Background(), "a1")
		assert.Equal(t, 1, st.CurrentCount)
		assert.Equal(t, 2, unit.CurrentCount)
		assert.Equal(t, types.StatusAssigned, a.Status)
		assert.Equal(t, 1, a.EscalationCount)
		return nil
	}))
}

func TestEscalateNotActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, "a1")
		if err != nil {
			return err
		}
		a.Status = types.StatusCompleted
		a.CapacityReleased = true
		return tx.PutAssignment(ctx, a)
	}))

	_, err := f.escalate(Request{AssignmentID: "a1", ActorID: "alice"})
	assert.ErrorIs(t, err, ErrNotActive)
	_, err = f.escalate(Request{AssignmentID: "missing", ActorID: "alice"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSupervisorFallsBackToUnit(t *testing.T) {
	f := newFixture(t)
	ev, err := f.escalate(Request{AssignmentID: "a2", ActorID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "unit-lead", ev.Data["supervisor_id"])

	msgs := f.notifier.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "unit-lead", msgs[0].Recipient)
	assert.Equal(t, TemplateEscalation, msgs[0].Template)
}

func TestNotificationFailureKeepsEvent(t *testing.T) {
	var failures int
	f := newFixture(t, WithHooks(nil, func() { failures++ }))
	f.notifier.Err = errors.New("smtp down")

	ev, err := f.escalate(Request{AssignmentID: "a1", ActorID: "alice"})
	require.NoError(t, err)
	assert.NotZero(t, ev.Seq)
	assert.Equal(t, 1, failures)
}

func TestRolledBackEscalationDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	err := f.store.Update(context.Background(), func(tx store.Tx) error {
		if _, err := f.esc.Escalate(context.Background(), tx, Request{AssignmentID: "a1", ActorID: "alice"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, f.notifier.Messages())

	_, err = f.escalate(Request{AssignmentID: "a1", ActorID: "alice"})
	assert.NoError(t, err, "rolled back escalation left no cooldown")
}

func TestEscalateDedupe(t *testing.T) {
	f := newFixture(t)
	first, err := f.escalate(Request{AssignmentID: "a1", ActorID: "alice", DedupeKey: "escalate/alice/r1"})
	require.NoError(t, err)
	again, err := f.escalate(Request{AssignmentID: "a1", ActorID: "alice", DedupeKey: "escalate/alice/r1"})
	require.NoError(t, err, "retry returns the recorded event instead of a cooldown error")
	assert.Equal(t, first.Seq, again.Seq)
	assert.Len(t, f.notifier.Messages(), 1)
}

func TestScan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	f := newFixture(t, WithTracerProvider(tp))
	ctx := context.Background()

	res, err := f.esc.Scan(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Scanned: 2}, res)

	// a1 (urgent, 4h) breached, a2 (high, 24h) not.
	f.clock.Advance(5 * time.Hour)
	res, err = f.esc.Scan(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Scanned: 2, Breached: 1, Escalated: 1}, res)

	// Same breach inside the cooldown is suppressed.
	f.clock.Advance(30 * time.Minute)
	res, err = f.esc.Scan(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Scanned: 2, Breached: 1, Suppressed: 1}, res)

	var events []*types.AssignmentEvent
	require.NoError(t, f.store.View(ctx, func(tx store.Tx) error {
		var err error
		events, err = tx.ListEventsByAssignment(ctx, "a1")
		return err
	}))
	require.Len(t, events, 1)
	assert.Equal(t, ActorScanner, events[0].ActorUserID)
	assert.Equal(t, TriggerSLABreach, events[0].Data["trigger"])

	spans := sr.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "sla.scan", spans[0].Name())
}

func TestHTTPNotifier(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL+"/", "", time.Second)
	require.NoError(t, n.Notify(context.Background(), "boss", TemplateEscalation, map[string]any{"assignment_id": "a1"}))
	assert.Equal(t, Message{Channel: "email", Recipient: "boss", Template: TemplateEscalation, Data: map[string]any{"assignment_id": "a1"}}, got)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	assert.ErrorContains(t, NewHTTPNotifier(failing.URL, "webhook", time.Second).Notify(context.Background(), "boss", "t", nil), "502")
}
