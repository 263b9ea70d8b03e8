package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/assignment-scheduler/internal/audit"
	"github.com/ChuLiYu/assignment-scheduler/internal/store"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

const (
	tracerName = "github.com/ChuLiYu/assignment-scheduler/sla"

	// ActorScanner is recorded as the actor of scanner escalations.
	ActorScanner = "system:sla"

	TriggerSLABreach = "sla_breach"
	TriggerManual    = "manual"

	DefaultCooldown     = time.Hour
	DefaultScanInterval = time.Minute
)

// ErrNotActive is returned when escalating a completed or cancelled
// assignment.
var ErrNotActive = errors.New("sla: assignment is not active")

// EscalationCooldownActive is returned when an assignment was escalated less
// than the cooldown ago.
type EscalationCooldownActive struct {
	AssignmentID  string
	NextAllowedAt time.Time
	RetryAfter    time.Duration
}

func (e *EscalationCooldownActive) Error() string {
	return fmt.Sprintf("sla: escalation of %s is cooling down until %s", e.AssignmentID, e.NextAllowedAt.Format(time.RFC3339))
}

// Code is the machine-readable error code.
func (e *EscalationCooldownActive) Code() string { return "ESCALATION_COOLDOWN_ACTIVE" }

// RetryAfterSeconds rounds up, minimum 1.
func (e *EscalationCooldownActive) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Request describes one escalation.
type Request struct {
	AssignmentID string
	ActorID      string
	Reason       string
	Trigger      string
	DedupeKey    string
}

// Escalator records escalated events and notifies supervisors.
type Escalator struct {
	audit    *audit.Log
	notifier Notifier
	policy   Policy
	cooldown time.Duration
	now      func() time.Time
	log      *slog.Logger
	tracer   trace.Tracer

	onEscalated   func(trigger string)
	onNotifyError func()
}

// Option configures an Escalator.
type Option func(*Escalator)

func WithPolicy(p Policy) Option            { return func(e *Escalator) { e.policy = p } }
func WithCooldown(d time.Duration) Option   { return func(e *Escalator) { e.cooldown = d } }
func WithClock(now func() time.Time) Option { return func(e *Escalator) { e.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(e *Escalator) { e.log = l } }

// WithTracerProvider sets the OpenTelemetry provider. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Escalator) { e.tracer = tp.Tracer(tracerName) }
}

// WithHooks registers metric callbacks.
func WithHooks(onEscalated func(trigger string), onNotifyError func()) Option {
	return func(e *Escalator) {
		e.onEscalated = onEscalated
		e.onNotifyError = onNotifyError
	}
}

// NewEscalator returns an Escalator. A nil notifier logs notices.
func NewEscalator(auditLog *audit.Log, notifier Notifier, opts ...Option) *Escalator {
	e := &Escalator{
		audit:    auditLog,
		notifier: notifier,
		policy:   DefaultPolicy(),
		cooldown: DefaultCooldown,
		now:      time.Now,
		log:      slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = NewLogNotifier(e.log)
	}
	return e
}

// Policy returns the deadline policy.
func (e *Escalator) Policy() Policy { return e.policy }

// Cooldown returns the re-escalation cooldown.
func (e *Escalator) Cooldown() time.Duration { return e.cooldown }

// CheckCooldown returns *EscalationCooldownActive when a was escalated less
// than the cooldown before now.
func (e *Escalator) CheckCooldown(a *types.Assignment, now time.Time) error {
	if a.LastEscalatedAt == nil {
		return nil
	}
	next := a.LastEscalatedAt.Add(e.cooldown)
	if now.Before(next) {
		return &EscalationCooldownActive{AssignmentID: a.ID, NextAllowedAt: next, RetryAfter: next.Sub(now)}
	}
	return nil
}

// Escalate records one escalated event inside tx. Status and capacity are
// not touched. The supervisor is notified after tx commits; a failed
// notification is logged and the event stays.
func (e *Escalator) Escalate(ctx context.Context, tx store.Tx, req Request) (*types.AssignmentEvent, error) {
	if req.DedupeKey != "" {
		if prev, ok, err := e.audit.Lookup(ctx, tx, req.DedupeKey); err != nil || ok {
			return prev, err
		}
	}

	a, err := tx.GetAssignment(ctx, req.AssignmentID)
	if err != nil {
		return nil, fmt.Errorf("escalate %s: %w", req.AssignmentID, err)
	}
	if !a.IsActive() {
		return nil, fmt.Errorf("escalate %s (%s): %w", a.ID, a.Status, ErrNotActive)
	}
	now := e.now().UTC()
	if err := e.CheckCooldown(a, now); err != nil {
		return nil, err
	}

	supervisor, err := e.supervisorFor(ctx, tx, a)
	if err != nil {
		return nil, err
	}

	a.EscalationCount++
	a.LastEscalatedAt = &now
	if err := tx.PutAssignment(ctx, a); err != nil {
		return nil, err
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerManual
	}
	data := map[string]any{
		"reason":           req.Reason,
		"supervisor_id":    supervisor,
		"trigger":          trigger,
		"escalation_count": a.EscalationCount,
		"sla_deadline":     a.SLADeadline.UTC().Format(time.RFC3339),
	}
	ev, _, err := e.audit.Append(ctx, tx, &types.AssignmentEvent{
		AssignmentID: a.ID,
		WorkItemID:   a.WorkItemID,
		StaffID:      a.AssigneeID,
		Type:         types.EventEscalated,
		ActorUserID:  req.ActorID,
		Data:         data,
		DedupeKey:    req.DedupeKey,
	})
	if err != nil {
		return nil, err
	}

	assignmentID := a.ID
	tx.AfterCommit(func() {
		if e.onEscalated != nil {
			e.onEscalated(trigger)
		}
		if supervisor == "" {
			e.log.Warn("No supervisor to notify", "assignmentID", assignmentID)
			return
		}
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.notifier.Notify(nctx, supervisor, TemplateEscalation, map[string]any{
			"assignment_id": assignmentID,
			"reason":        req.Reason,
			"trigger":       trigger,
		}); err != nil {
			e.log.Error("Failed to notify supervisor", "assignmentID", assignmentID, "supervisorID", supervisor, "error", err)
			if e.onNotifyError != nil {
				e.onNotifyError()
			}
		}
	})
	return ev, nil
}

// supervisorFor resolves the assignee's supervisor, falling back to the
// unit's. Missing records resolve to "".
func (e *Escalator) supervisorFor(ctx context.Context, tx store.Tx, a *types.Assignment) (string, error) {
	st, err := tx.ReadStaff(ctx, a.AssigneeID)
	switch {
	case err == nil && st.SupervisorID != "":
		return st.SupervisorID, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", err
	}
	unit, err := tx.GetUnit(ctx, a.UnitID)
	switch {
	case err == nil:
		return unit.SupervisorID, nil
	case errors.Is(err, store.ErrNotFound):
		return "", nil
	default:
		return "", err
	}
}

// ScanResult summarizes one breach scan.
type ScanResult struct {
	Scanned    int `json:"scanned"`
	Breached   int `json:"breached"`
	Escalated  int `json:"escalated"`
	Suppressed int `json:"suppressed"`
	Failed     int `json:"failed"`
}

// Breached reports whether a is past its deadline at now.
func Breached(a *types.Assignment, now time.Time) bool {
	return a.IsActive() && !a.SLADeadline.IsZero() && now.After(a.SLADeadline)
}

// Scan escalates every active assignment past its deadline whose last
// escalation is absent or older than the cooldown. Each escalation is its
// own transaction, so one failure does not block the others.
func (e *Escalator) Scan(ctx context.Context, s store.Store) (ScanResult, error) {
	ctx, span := e.tracer.Start(ctx, "sla.scan", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	var res ScanResult
	var due []string
	now := e.now().UTC()
	err := s.View(ctx, func(tx store.Tx) error {
		active, err := tx.ListActiveAssignments(ctx)
		if err != nil {
			return err
		}
		res.Scanned = len(active)
		for _, a := range active {
			if !Breached(a, now) {
				continue
			}
			res.Breached++
			if e.CheckCooldown(a, now) != nil {
				res.Suppressed++
				continue
			}
			due = append(due, a.ID)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("sla scan: %w", err)
	}

	for _, id := range due {
		if err := ctx.Err(); err != nil {
			break
		}
		err := s.Update(ctx, func(tx store.Tx) error {
			_, err := e.Escalate(ctx, tx, Request{
				AssignmentID: id,
				ActorID:      ActorScanner,
				Reason:       "sla deadline breached",
				Trigger:      TriggerSLABreach,
			})
			return err
		})
		var cooldown *EscalationCooldownActive
		switch {
		case err == nil:
			res.Escalated++
		case errors.As(err, &cooldown), errors.Is(err, ErrNotActive):
			// manual escalation or completion won the race
			res.Suppressed++
		default:
			res.Failed++
			e.log.Error("SLA escalation failed", "assignmentID", id, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("sla.scanned", res.Scanned),
		attribute.Int("sla.breached", res.Breached),
		attribute.Int("sla.escalated", res.Escalated),
		attribute.Int("sla.suppressed", res.Suppressed),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}
