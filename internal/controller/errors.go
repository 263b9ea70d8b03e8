package controller

import (
	"errors"

	"github.com/ChuLiYu/assignment-scheduler/internal/ledger"
	"github.com/ChuLiYu/assignment-scheduler/internal/queue"
	"github.com/ChuLiYu/assignment-scheduler/internal/ratelimit"
	"github.com/ChuLiYu/assignment-scheduler/internal/sla"
	"github.com/ChuLiYu/assignment-scheduler/internal/store"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidArgument 請求欄位缺漏或不合法
	ErrInvalidArgument = errors.New("controller: invalid argument")
	// ErrInvalidTransition 指派狀態不允許此操作（例如完成已結束的指派）
	ErrInvalidTransition = errors.New("controller: invalid status transition")
	// ErrNotRunning Controller 尚未啟動或已停止
	ErrNotRunning = errors.New("controller: not running")
)

// 對外錯誤碼
const (
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeNotFound           = "NOT_FOUND"
	CodeDuplicate          = "DUPLICATE_WORK_ITEM"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeNoCapacity         = "NO_CAPACITY_AVAILABLE"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	CodeCooldown           = "ESCALATION_COOLDOWN_ACTIVE"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeUnavailable        = "UNAVAILABLE"
	CodeInternal           = "INTERNAL"
)

// Code 把錯誤對應到穩定的錯誤碼，nil 回傳空字串
func Code(err error) string {
	var rle *ratelimit.RateLimitExceeded
	var cool *sla.EscalationCooldownActive
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rle):
		return CodeRateLimited
	case errors.As(err, &cool):
		return CodeCooldown
	case errors.Is(err, ledger.ErrInvariantViolation):
		return CodeInvariantViolation
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrNotQueued):
		return CodeNotFound
	case errors.Is(err, queue.ErrDuplicateWorkItem):
		return CodeDuplicate
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, sla.ErrNotActive):
		return CodeInvalidTransition
	case errors.Is(err, ledger.ErrNoCapacity):
		return CodeNoCapacity
	case errors.Is(err, ErrNotRunning), errors.Is(err, store.ErrClosed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
