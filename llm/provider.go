package llm

import (
	"context"
	"errors"
	"strings"
)

// 统一的 LLM 错误码，用于对齐 HTTP 状态、可重试性与降级策略。
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "LLM_INVALID_REQUEST"     // 参数/格式错误
	ErrMissingCredential  ErrorCode = "LLM_MISSING_CREDENTIAL"  // 密钥未配置（启动即失败，不重试）
	ErrUnauthorized       ErrorCode = "LLM_UNAUTHORIZED"        // 未授权或密钥失效
	ErrRateLimited        ErrorCode = "LLM_RATE_LIMITED"        // 上游限流
	ErrUpstreamTimeout    ErrorCode = "LLM_UPSTREAM_TIMEOUT"    // 上游超时
	ErrUpstreamError      ErrorCode = "LLM_UPSTREAM_ERROR"      // 上游 5xx/网络错误
	ErrEmptyCompletion    ErrorCode = "LLM_EMPTY_COMPLETION"    // 响应中没有可用文本
	ErrServiceUnavailable ErrorCode = "LLM_SERVICE_UNAVAILABLE" // 503 或后端不可达
)

// Error 统一错误结构。Code 决定上层的 retry-vs-abort 策略。
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return "[" + string(e.Code) + "] " + e.Message + ": " + e.Cause.Error()
	}
	return "[" + string(e.Code) + "] " + e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// transientPatterns 上游未包成 *Error 时的兜底判断。
// 503/限流/后端不可达 属于瞬时错误，重试若干次后升级为 rejected。
var transientPatterns = []string{
	"503",
	"rate limit",
	"rate_limit",
	"too many requests",
	"unreachable_backend",
	"internal server error",
	"service unavailable",
	"timeout",
	"connection reset",
}

// IsTransient 判断错误是否为瞬时服务错误（可重试）。
// 配置错误（密钥缺失、401）永远返回 false。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var le *Error
	if errors.As(err, &le) {
		switch le.Code {
		case ErrMissingCredential, ErrUnauthorized, ErrInvalidRequest:
			return false
		}
		return le.Retryable
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsConfigError 判断错误是否为配置类错误（致命，不重试）。
func IsConfigError(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Code == ErrMissingCredential || le.Code == ErrUnauthorized
	}
	return false
}

// Provider 定义了统一的文本补全接口，是 Agent 对模型能力的唯一依赖。
// 实现必须是并发安全的；一次调用要么成功返回完整文本，要么返回错误。
type Provider interface {
	// Complete 发起同步补全请求，返回完整响应文本
	Complete(ctx context.Context, prompt string) (string, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}
