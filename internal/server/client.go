package server

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/assignment-scheduler/internal/controller"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls AssignmentScheduler as one actor.
type Client struct {
	conn  grpc.ClientConnInterface
	actor string
}

// NewClient returns a client that identifies itself as actorID.
func NewClient(conn grpc.ClientConnInterface, actorID string) *Client {
	return &Client{conn: conn, actor: actorID}
}

// As returns a copy of the client acting as another actor.
func (c *Client) As(actorID string) *Client {
	return &Client{conn: c.conn, actor: actorID}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := encode(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	if c.actor != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, ActorHeader, c.actor)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if err := decode(out, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) assignmentCall(ctx context.Context, method string, req assignmentRequest, opts ...grpc.CallOption) (*types.Assignment, error) {
	var a types.Assignment
	if err := c.invoke(ctx, method, req, &a, opts...); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) eventCall(ctx context.Context, method string, req assignmentRequest, opts ...grpc.CallOption) (*types.AssignmentEvent, error) {
	var ev types.AssignmentEvent
	if err := c.invoke(ctx, method, req, &ev, opts...); err != nil {
		return nil, err
	}
	if ev.Type == "" {
		return nil, nil
	}
	return &ev, nil
}

func (c *Client) Submit(ctx context.Context, req controller.SubmitRequest, opts ...grpc.CallOption) (controller.SubmitResult, error) {
	var res controller.SubmitResult
	err := c.invoke(ctx, "Submit", req, &res, opts...)
	return res, err
}

func (c *Client) Complete(ctx context.Context, assignmentID, requestID string, opts ...grpc.CallOption) (*types.Assignment, error) {
	return c.assignmentCall(ctx, "Complete", assignmentRequest{AssignmentID: assignmentID, RequestID: requestID}, opts...)
}

func (c *Client) Cancel(ctx context.Context, assignmentID, reason string, opts ...grpc.CallOption) (*types.Assignment, error) {
	return c.assignmentCall(ctx, "Cancel", assignmentRequest{AssignmentID: assignmentID, Reason: reason}, opts...)
}

func (c *Client) Start(ctx context.Context, assignmentID string, opts ...grpc.CallOption) (*types.Assignment, error) {
	return c.assignmentCall(ctx, "Start", assignmentRequest{AssignmentID: assignmentID}, opts...)
}

func (c *Client) AdvanceStage(ctx context.Context, assignmentID, stage string, opts ...grpc.CallOption) (*types.Assignment, error) {
	return c.assignmentCall(ctx, "AdvanceStage", assignmentRequest{AssignmentID: assignmentID, Stage: stage}, opts...)
}

func (c *Client) Reassign(ctx context.Context, assignmentID, toStaffID string, opts ...grpc.CallOption) (*types.Assignment, error) {
	return c.assignmentCall(ctx, "Reassign", assignmentRequest{AssignmentID: assignmentID, ToStaffID: toStaffID}, opts...)
}

func (c *Client) GetAssignment(ctx context.Context, assignmentID string, opts ...grpc.CallOption) (*types.Assignment, error) {
	return c.assignmentCall(ctx, "GetAssignment", assignmentRequest{AssignmentID: assignmentID}, opts...)
}

func (c *Client) Withdraw(ctx context.Context, workItemID string, opts ...grpc.CallOption) (*types.QueueEntry, error) {
	var e types.QueueEntry
	if err := c.invoke(ctx, "Withdraw", withdrawRequest{WorkItemID: workItemID}, &e, opts...); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) SetAvailability(ctx context.Context, staffID string, availability types.Availability, opts ...grpc.CallOption) (*types.StaffProfile, error) {
	var st types.StaffProfile
	if err := c.invoke(ctx, "SetAvailability", availabilityRequest{StaffID: staffID, Availability: availability}, &st, opts...); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) UpsertUnit(ctx context.Context, u types.Unit, opts ...grpc.CallOption) (*types.Unit, error) {
	var out types.Unit
	if err := c.invoke(ctx, "UpsertUnit", u, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpsertStaff(ctx context.Context, st types.StaffProfile, opts ...grpc.CallOption) (*types.StaffProfile, error) {
	var out types.StaffProfile
	if err := c.invoke(ctx, "UpsertStaff", st, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Comment(ctx context.Context, assignmentID, body, requestID string, opts ...grpc.CallOption) (*types.AssignmentEvent, error) {
	return c.eventCall(ctx, "Comment", assignmentRequest{AssignmentID: assignmentID, Body: body, RequestID: requestID}, opts...)
}

func (c *Client) UpdateChecklist(ctx context.Context, assignmentID, item string, done bool, requestID string, opts ...grpc.CallOption) (*types.AssignmentEvent, error) {
	return c.eventCall(ctx, "UpdateChecklist", assignmentRequest{AssignmentID: assignmentID, Item: item, Done: done, RequestID: requestID}, opts...)
}

// AddObserver returns nil without error when the observer was already present.
func (c *Client) AddObserver(ctx context.Context, assignmentID, observerID string, opts ...grpc.CallOption) (*types.AssignmentEvent, error) {
	return c.eventCall(ctx, "AddObserver", assignmentRequest{AssignmentID: assignmentID, ObserverID: observerID}, opts...)
}

func (c *Client) Escalate(ctx context.Context, assignmentID, reason string, opts ...grpc.CallOption) (*types.AssignmentEvent, error) {
	return c.eventCall(ctx, "Escalate", assignmentRequest{AssignmentID: assignmentID, Reason: reason}, opts...)
}

func (c *Client) Events(ctx context.Context, assignmentID string, opts ...grpc.CallOption) ([]*types.AssignmentEvent, error) {
	var out EventList
	err := c.invoke(ctx, "Events", eventsRequest{AssignmentID: assignmentID}, &out, opts...)
	return out.Events, err
}

func (c *Client) WorkItemEvents(ctx context.Context, workItemID string, opts ...grpc.CallOption) ([]*types.AssignmentEvent, error) {
	var out EventList
	err := c.invoke(ctx, "Events", eventsRequest{WorkItemID: workItemID}, &out, opts...)
	return out.Events, err
}

func (c *Client) Queue(ctx context.Context, unitID string, opts ...grpc.CallOption) ([]*types.QueueEntry, error) {
	var out QueueList
	err := c.invoke(ctx, "Queue", unitRequest{UnitID: unitID}, &out, opts...)
	return out.Entries, err
}

func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (controller.Status, error) {
	var out controller.Status
	err := c.invoke(ctx, "Status", struct{}{}, &out, opts...)
	return out, err
}

func (c *Client) TriggerDispatch(ctx context.Context, unitID string, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "TriggerDispatch", unitRequest{UnitID: unitID}, nil, opts...)
}
