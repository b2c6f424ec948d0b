package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorType 错误类别
type ErrorType string

const (
	TypeNetwork ErrorType = "network"
	TypeTimeout ErrorType = "timeout"
	TypeServer  ErrorType = "server"
	TypeAuth    ErrorType = "auth"
	TypeConfig  ErrorType = "config"
	TypeSandbox ErrorType = "sandbox"
	TypeUnknown ErrorType = "unknown"
)

// ProviderInfo 出错的上游标识
type ProviderInfo struct {
	Vendor     string `json:"vendor,omitempty"`
	BaseURL    string `json:"baseUrl,omitempty"`
	ModuleType string `json:"moduleType,omitempty"`
}

// Report 上游业务码的诊断建议
type Report struct {
	BusinessCode string `json:"businessCode"`
	Advice       string `json:"advice"`
}

// Details 错误上下文
type Details struct {
	Upstream json.RawMessage `json:"upstream,omitempty"`
	Provider ProviderInfo    `json:"provider"`
	Report   *Report         `json:"report,omitempty"`
}

// AppError 应用错误
//
// 网关内所有向调用方暴露的错误统一为该结构，StatusCode 为 0 表示未知。
type AppError struct {
	Type       ErrorType `json:"type"`
	StatusCode int       `json:"statusCode,omitempty"`
	Retryable  bool      `json:"retryable"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
	Details    Details   `json:"details"`
	Err        error     `json:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithProvider 附加上游标识
func (e *AppError) WithProvider(vendor, baseURL, moduleType string) *AppError {
	e.Details.Provider = ProviderInfo{Vendor: vendor, BaseURL: baseURL, ModuleType: moduleType}
	return e
}

// WithUpstream 附加上游原始响应体（截断到 4KB）
func (e *AppError) WithUpstream(body []byte) *AppError {
	if len(body) == 0 {
		return e
	}
	if len(body) > 4096 {
		body = body[:4096]
	}
	if json.Valid(body) {
		e.Details.Upstream = json.RawMessage(body)
	} else {
		raw, _ := json.Marshal(string(body))
		e.Details.Upstream = raw
	}
	return e
}

// New 创建指定类别的错误
func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message}
}

// Wrap 包装底层错误
func Wrap(t ErrorType, err error, message string) *AppError {
	return &AppError{Type: t, Message: message, Err: err}
}

// NewConfigError 创建配置错误
func NewConfigError(message string) *AppError {
	return &AppError{Type: TypeConfig, Message: message}
}

// NewAuthError 创建认证错误
func NewAuthError(message string) *AppError {
	return &AppError{Type: TypeAuth, StatusCode: 401, Message: message}
}

// glmBusinessAdvice 智谱业务码 -> 排障建议
var glmBusinessAdvice = map[string]string{
	"1113": "account balance is insufficient or in arrears; top up at the GLM console",
	"1210": "request parameter validation failed; check model name and message fields",
	"1213": "model is not available to this account; verify the model grant",
	"1302": "concurrency limit reached for this API key; reduce parallel requests",
	"1303": "request frequency limit reached; slow down or request a quota raise",
}

// FromHTTPStatus 根据上游 HTTP 状态构造错误
//
// body 可为空；存在 JSON 错误信封时提取 message/业务码。
func FromHTTPStatus(status int, body []byte, vendor string) *AppError {
	e := &AppError{
		StatusCode: status,
		Retryable:  status >= 500 || status == 429,
		Code:       fmt.Sprintf("HTTP_%d", status),
	}
	switch {
	case status == 401 || status == 403:
		e.Type = TypeAuth
	case status == 408 || status == 504:
		e.Type = TypeTimeout
	default:
		e.Type = TypeServer
	}
	e.Message = fmt.Sprintf("upstream returned HTTP %d", status)

	if len(body) > 0 {
		var envelope struct {
			Error struct {
				Message string          `json:"message"`
				Code    json.RawMessage `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &envelope); err == nil {
			if envelope.Error.Message != "" {
				e.Message = envelope.Error.Message
			}
			if code := decodeBusinessCode(envelope.Error.Code); code != "" {
				if advice, ok := glmBusinessAdvice[code]; ok {
					e.Details.Report = &Report{BusinessCode: code, Advice: advice}
				}
			}
		}
		e.WithUpstream(body)
	}
	e.Details.Provider.Vendor = vendor
	return e
}

// decodeBusinessCode 业务码可能是数字或字符串
func decodeBusinessCode(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// FromTransportError 把传输层错误映射为分类错误
//
// 连接被拒 / DNS 失败视为沙箱网络受限：503 且不可重试，并提示放行出站流量。
func FromTransportError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{
			Type:       TypeTimeout,
			StatusCode: 504,
			Retryable:  false,
			Code:       "HTTP_504",
			Message:    "upstream request timed out",
			Err:        err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{
			Type:       TypeTimeout,
			StatusCode: 504,
			Retryable:  false,
			Code:       "HTTP_504",
			Message:    "upstream request aborted",
			Err:        err,
		}
	}

	var dnsErr *net.DNSError
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.As(err, &dnsErr) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host") {
		return &AppError{
			Type:       TypeSandbox,
			StatusCode: 503,
			Retryable:  false,
			Code:       "HTTP_503",
			Message:    "upstream unreachable; if running sandboxed, grant outbound network access",
			Err:        err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &AppError{
			Type:       TypeTimeout,
			StatusCode: 504,
			Retryable:  false,
			Code:       "HTTP_504",
			Message:    "upstream request timed out",
			Err:        err,
		}
	}

	return &AppError{Type: TypeNetwork, Retryable: false, Message: "transport failure", Err: err}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// IsAuth 判断是否为认证错误
func IsAuth(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == TypeAuth
	}
	return false
}

// IsConfig 判断是否为配置错误
func IsConfig(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == TypeConfig
	}
	return false
}

// StatusOf 提取 HTTP 状态码，未知时回退 500
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return 500
}

// Envelope JSON 错误信封
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

// EnvelopeBody 信封主体
type EnvelopeBody struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       string `json:"code,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

// ToEnvelope 渲染为 HTTP 响应信封
func ToEnvelope(err error) Envelope {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return Envelope{Error: EnvelopeBody{
			Message:    appErr.Message,
			Type:       string(appErr.Type),
			Code:       appErr.Code,
			StatusCode: appErr.StatusCode,
		}}
	}
	return Envelope{Error: EnvelopeBody{
		Message: err.Error(),
		Type:    string(TypeUnknown),
	}}
}
