package consultation

import (
	"net/http"

	xerrors "Oracle-Delphi/internal/errors"
	"Oracle-Delphi/internal/ritual"
)

// Status 表示问询在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存一次问询得到的神谕。
type Result struct {
	Reply       string           `json:"reply"`
	RitualState ritual.StateInfo `json:"ritual_state"`
}

// Consultation 描述排队等待神谕回应的一次问询。
type Consultation struct {
	ID         string  `json:"id"`
	SessionID  string  `json:"session_id"`
	Question   string  `json:"question"`
	Status     Status  `json:"status"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Result     *Result `json:"result,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Done 表示问询已经进入终态。
func (c *Consultation) Done() bool {
	if c == nil {
		return false
	}
	if c.Status == StatusSucceeded {
		return true
	}
	return c.Status == StatusFailed && c.Attempts >= c.MaxRetries
}

const (
	CodeNotFound   xerrors.Code = "CONSULTATION_NOT_FOUND"
	CodeConflict   xerrors.Code = "CONSULTATION_CONFLICT"
	CodeCompleted  xerrors.Code = "CONSULTATION_COMPLETED"
	CodeExhausted  xerrors.Code = "CONSULTATION_RETRIES_EXHAUSTED"
	CodeValidation xerrors.Code = "CONSULTATION_VALIDATION_FAILED"
	CodePublish    xerrors.Code = "CONSULTATION_PUBLISH_FAILED"
	CodeProcessing xerrors.Code = "CONSULTATION_PROCESSING_FAILED"
)

var (
	// ErrNotFound 表示指定的问询不存在。
	ErrNotFound = xerrors.New(CodeNotFound, "consultation not found")
	// ErrConflict 表示问询在当前状态下无法进行所请求的操作。
	ErrConflict = xerrors.New(CodeConflict, "consultation conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrCompleted 表示问询已经完成。
	ErrCompleted = xerrors.New(CodeCompleted, "consultation already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrExhausted 表示重试次数已经耗尽。
	ErrExhausted = xerrors.New(CodeExhausted, "consultation retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:    "consultation not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeConflict, xerrors.Attributes{
		Message:    "consultation conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeCompleted, xerrors.Attributes{
		Message:    "consultation already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeExhausted, xerrors.Attributes{
		Message:  "consultation retries exhausted",
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:    "consultation validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodePublish, xerrors.Attributes{
		Message:   "failed to publish consultation",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
	xerrors.Register(CodeProcessing, xerrors.Attributes{
		Message:   "consultation execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func clone(c *Consultation) *Consultation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Result != nil {
		result := *c.Result
		out.Result = &result
	}
	return &out
}
