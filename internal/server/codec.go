package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ChuLiYu/assignment-scheduler/internal/controller"
	"github.com/ChuLiYu/assignment-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/assignment-scheduler/internal/sla"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrorDomain is the ErrorInfo domain of every scheduler error.
const ErrorDomain = "assignment-scheduler"

// decode 把 Struct 轉成 JSON 後解到 v
func decode(in *structpb.Struct, v any) error {
	b, err := json.Marshal(in.AsMap())
	if err != nil {
		return fmt.Errorf("%w: %v", controller.ErrInvalidArgument, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", controller.ErrInvalidArgument, err)
	}
	return nil
}

// encode 把 v 的 JSON 形式轉成 Struct；nil 回傳空 Struct
func encode(v any) (*structpb.Struct, error) {
	if v == nil {
		return &structpb.Struct{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(b, []byte("null")) {
		return &structpb.Struct{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func grpcCode(code string) codes.Code {
	switch code {
	case controller.CodeInvalidArgument:
		return codes.InvalidArgument
	case controller.CodeNotFound:
		return codes.NotFound
	case controller.CodeDuplicate:
		return codes.AlreadyExists
	case controller.CodeInvalidTransition, controller.CodeCooldown:
		return codes.FailedPrecondition
	case controller.CodeNoCapacity, controller.CodeRateLimited:
		return codes.ResourceExhausted
	case controller.CodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toStatus 把 controller 錯誤轉成帶 ErrorInfo（與 RetryInfo）的 gRPC status
func toStatus(err error) error {
	code := controller.Code(err)
	info := &errdetails.ErrorInfo{Reason: code, Domain: ErrorDomain, Metadata: map[string]string{}}
	var retry *errdetails.RetryInfo

	var rle *ratelimit.RateLimitExceeded
	var cool *sla.EscalationCooldownActive
	switch {
	case errors.As(err, &rle):
		info.Metadata["class"] = string(rle.Class)
		info.Metadata["limit"] = strconv.Itoa(rle.Limit)
		info.Metadata["reset"] = strconv.FormatInt(rle.Reset.Unix(), 10)
		info.Metadata["retry_after"] = strconv.Itoa(rle.RetryAfterSeconds())
		retry = &errdetails.RetryInfo{RetryDelay: durationpb.New(rle.RetryAfter)}
	case errors.As(err, &cool):
		info.Metadata["assignment_id"] = cool.AssignmentID
		info.Metadata["next_allowed_at"] = strconv.FormatInt(cool.NextAllowedAt.Unix(), 10)
		info.Metadata["retry_after"] = strconv.Itoa(cool.RetryAfterSeconds())
		retry = &errdetails.RetryInfo{RetryDelay: durationpb.New(cool.RetryAfter)}
	}

	st := status.New(grpcCode(code), err.Error())
	var withDetails *status.Status
	var derr error
	if retry != nil {
		withDetails, derr = st.WithDetails(info, retry)
	} else {
		withDetails, derr = st.WithDetails(info)
	}
	if derr != nil {
		log.Warn("Failed to attach error details", "code", code, "error", derr)
		return st.Err()
	}
	return withDetails.Err()
}

// ErrorCode extracts the scheduler error code from a gRPC error.
// It returns "" when err carries no ErrorInfo.
func ErrorCode(err error) string {
	if info := errorInfo(err); info != nil {
		return info.GetReason()
	}
	return ""
}

// ErrorMetadata returns the ErrorInfo metadata of err, or nil.
func ErrorMetadata(err error) map[string]string {
	if info := errorInfo(err); info != nil {
		return info.GetMetadata()
	}
	return nil
}

// RetryAfter returns the server-suggested retry delay; ok is false when none
// was attached.
func RetryAfter(err error) (seconds int, ok bool) {
	st, isStatus := status.FromError(err)
	if !isStatus {
		return 0, false
	}
	for _, d := range st.Details() {
		if ri, match := d.(*errdetails.RetryInfo); match {
			dur := ri.GetRetryDelay().AsDuration()
			s := int(dur.Seconds())
			if dur > 0 && float64(s) < dur.Seconds() {
				s++
			}
			return s, true
		}
	}
	return 0, false
}

func errorInfo(err error) *errdetails.ErrorInfo {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}
	for _, d := range st.Details() {
		if info, match := d.(*errdetails.ErrorInfo); match {
			return info
		}
	}
	return nil
}
