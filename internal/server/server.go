// ============================================================================
// AssignmentScheduler gRPC 服務
// ============================================================================
//
// 服務描述以手寫 grpc.ServiceDesc 註冊，訊息一律使用 structpb.Struct，
// 欄位名稱與 controller 的 JSON tag 相同。
//
// 呼叫者身分放在 metadata 的 x-actor-id（已通過上游驗證）。
// 每次呼叫的限流結果寫入 response header：
//   x-ratelimit-limit / x-ratelimit-remaining / x-ratelimit-reset
//   retry-after（僅在拒絕時）
//
// 錯誤對應：
//   RATE_LIMIT_EXCEEDED        → ResourceExhausted + RetryInfo
//   ESCALATION_COOLDOWN_ACTIVE → FailedPrecondition + RetryInfo
//   NOT_FOUND                  → NotFound
//   DUPLICATE_WORK_ITEM        → AlreadyExists
//   INVARIANT_VIOLATION        → Internal
// 所有錯誤都附 ErrorInfo，Reason 為錯誤碼。
// ============================================================================

package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ChuLiYu/assignment-scheduler/internal/controller"
	"github.com/ChuLiYu/assignment-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var log = slog.Default()

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "scheduler.v1.AssignmentScheduler"
	// ActorHeader carries the authenticated caller id.
	ActorHeader = "x-actor-id"
)

type handlerFunc func(s *Service, ctx context.Context, actor string, in *structpb.Struct) (any, error)

// methods 方法名稱 → 處理函式
var methods = map[string]handlerFunc{
	"Submit":          (*Service).submit,
	"Complete":        (*Service).complete,
	"Cancel":          (*Service).cancel,
	"Start":           (*Service).start,
	"AdvanceStage":    (*Service).advanceStage,
	"Reassign":        (*Service).reassign,
	"Withdraw":        (*Service).withdraw,
	"SetAvailability": (*Service).setAvailability,
	"UpsertUnit":      (*Service).upsertUnit,
	"UpsertStaff":     (*Service).upsertStaff,
	"Comment":         (*Service).comment,
	"UpdateChecklist": (*Service).updateChecklist,
	"AddObserver":     (*Service).addObserver,
	"Escalate":        (*Service).escalate,
	"GetAssignment":   (*Service).getAssignment,
	"Events":          (*Service).events,
	"Queue":           (*Service).queue,
	"Status":          (*Service).status,
	"TriggerDispatch": (*Service).triggerDispatch,
}

// schedulerServer 供 ServiceDesc 做型別檢查
type schedulerServer interface {
	call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes AssignmentScheduler for grpc.Server.RegisterService.
var ServiceDesc = buildServiceDesc()

func buildServiceDesc() grpc.ServiceDesc {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)

	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*schedulerServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "scheduler/v1/scheduler.proto",
	}
	for _, name := range names {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name)})
	}
	return desc
}

func unaryHandler(method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		h := srv.(schedulerServer)
		if interceptor == nil {
			return h.call(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return h.call(ctx, method, req.(*structpb.Struct))
		})
	}
}

// FullMethod returns "/scheduler.v1.AssignmentScheduler/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Service implements AssignmentScheduler on top of a Controller.
type Service struct {
	controller *controller.Controller
}

// NewService wraps ctrl.
func NewService(ctrl *controller.Controller) *Service {
	return &Service{controller: ctrl}
}

// Register attaches the service to s.
func Register(s *grpc.Server, svc *Service) {
	s.RegisterService(&ServiceDesc, svc)
}

// NewServer 建立已註冊服務與日誌攔截器的 grpc.Server
func NewServer(ctrl *controller.Controller, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(loggingInterceptor)}, opts...)
	s := grpc.NewServer(opts...)
	Register(s, NewService(ctrl))
	return s
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	switch code := status.Code(err); code {
	case codes.OK:
	case codes.Internal:
		log.Error("RPC failed", "method", info.FullMethod, "error", err, "duration", time.Since(start))
	default:
		log.Debug("RPC rejected", "method", info.FullMethod, "code", code, "error", err, "duration", time.Since(start))
	}
	return resp, err
}

func (s *Service) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	fn, ok := methods[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	ctx, rec := ratelimit.WithRecorder(ctx)
	out, err := fn(s, ctx, actorFrom(ctx), in)
	if d, ok := rec.Last(); ok {
		if herr := grpc.SetHeader(ctx, metadata.New(d.Headers())); herr != nil {
			log.Debug("Failed to set rate limit header", "method", method, "error", herr)
		}
	}
	if err != nil {
		return nil, toStatus(err)
	}
	res, err := encode(out)
	if err != nil {
		return nil, toStatus(fmt.Errorf("encode %s response: %w", method, err))
	}
	return res, nil
}

func actorFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(ActorHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}

// ----------------------------------------------------------------------------
// 請求格式
// ----------------------------------------------------------------------------

type assignmentRequest struct {
	AssignmentID string `json:"assignment_id"`
	RequestID    string `json:"request_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Stage        string `json:"stage,omitempty"`
	ToStaffID    string `json:"to_staff_id,omitempty"`
	Body         string `json:"body,omitempty"`
	Item         string `json:"item,omitempty"`
	Done         bool   `json:"done,omitempty"`
	ObserverID   string `json:"observer_id,omitempty"`
}

type withdrawRequest struct {
	WorkItemID string `json:"work_item_id"`
}

type availabilityRequest struct {
	StaffID      string             `json:"staff_id"`
	Availability types.Availability `json:"availability"`
}

type eventsRequest struct {
	AssignmentID string `json:"assignment_id,omitempty"`
	WorkItemID   string `json:"work_item_id,omitempty"`
}

type unitRequest struct {
	UnitID string `json:"unit_id"`
}

// EventList wraps event listings.
type EventList struct {
	Events []*types.AssignmentEvent `json:"events"`
}

// QueueList wraps queue listings.
type QueueList struct {
	Entries []*types.QueueEntry `json:"entries"`
}

func (s *Service) submit(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req controller.SubmitRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.Submit(ctx, actor, req)
}

func (s *Service) complete(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req assignmentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.Complete(ctx, actor, req.AssignmentID, req.RequestID)
}

func (s *Service) cancel(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req assignmentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.Cancel(ctx, actor, req.AssignmentID, req.Reason)
}

func (s *Service) start(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req assignmentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.StartAssignment(ctx, actor, req.AssignmentID)
}

func (s *Service) advanceStage(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req assignmentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.AdvanceStage(ctx, actor, req.AssignmentID, req.Stage)
}

func (s *Service) reassign(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req assignmentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.Reassign(ctx, actor, req.AssignmentID, req.ToStaffID)
}

func (s *Service) withdraw(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req withdrawRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.Withdraw(ctx, actor, req.WorkItemID)
}

func (s *Service) setAvailability(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req availabilityRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.SetAvailability(ctx, actor, req.StaffID, req.Availability)
}

func (s *Service) upsertUnit(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var u types.Unit
	if err := decode(in, &u); err != nil {
		return nil, err
	}
	return s.controller.UpsertUnit(ctx, actor, u)
}

func (s *Service) upsertStaff(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var st types.StaffProfile
	if err := decode(in, &st); err != nil {
		return nil, err
	}
	return s.controller.UpsertStaff(ctx, actor, st)
}

func (s *Service) comment(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req assignmentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.Comment(ctx, actor, req.AssignmentID, req.Body, req.RequestID)
}

func (s *Service) updateChecklist(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req assignmentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.UpdateChecklist(ctx, actor, req.AssignmentID, req.Item, req.Done, req.RequestID)
}

func (s *Service) addObserver(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req assignmentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.AddObserver(ctx, actor, req.AssignmentID, req.ObserverID)
}

func (s *Service) escalate(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req assignmentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.Escalate(ctx, actor, req.AssignmentID, req.Reason)
}

func (s *Service) getAssignment(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req assignmentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.controller.GetAssignment(ctx, actor, req.AssignmentID)
}

func (s *Service) events(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req eventsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	var (
		evs []*types.AssignmentEvent
		err error
	)
	switch {
	case req.AssignmentID != "":
		evs, err = s.controller.Events(ctx, actor, req.AssignmentID)
	case req.WorkItemID != "":
		evs, err = s.controller.WorkItemEvents(ctx, actor, req.WorkItemID)
	default:
		return nil, fmt.Errorf("%w: assignment_id or work_item_id is required", controller.ErrInvalidArgument)
	}
	if err != nil {
		return nil, err
	}
	return EventList{Events: evs}, nil
}

func (s *Service) queue(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req unitRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	entries, err := s.controller.Queue(ctx, actor, req.UnitID)
	if err != nil {
		return nil, err
	}
	return QueueList{Entries: entries}, nil
}

func (s *Service) status(ctx context.Context, _ string, _ *structpb.Struct) (any, error) {
	return s.controller.Status(ctx)
}

func (s *Service) triggerDispatch(ctx context.Context, actor string, in *structpb.Struct) (any, error) {
	var req unitRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.controller.TriggerDispatch(ctx, req.UnitID, types.TriggerManual); err != nil {
		return nil, err
	}
	log.Info("Manual dispatch requested", "unitID", req.UnitID, "actor", actor)
	return nil, nil
}
