package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 管道错误分类
const (
	ErrCodeTransientStore      ErrorCode = "TRANSIENT_STORE"
	ErrCodePermanentFormat     ErrorCode = "PERMANENT_FORMAT"
	ErrCodeUnsupportedFormat   ErrorCode = "UNSUPPORTED_FORMAT"
	ErrCodeExtraction          ErrorCode = "EXTRACTION"
	ErrCodeEmbeddingBackend    ErrorCode = "EMBEDDING_BACKEND"
	ErrCodeConsistencyConflict ErrorCode = "CONSISTENCY_CONFLICT"
	ErrCodeConfiguration       ErrorCode = "CONFIGURATION"
	ErrCodeQueryBackend        ErrorCode = "QUERY_BACKEND"
	ErrCodeDelivery            ErrorCode = "DELIVERY"
	ErrCodeLeaseHeld           ErrorCode = "LEASE_HELD"
	ErrCodeTimeout             ErrorCode = "TIMEOUT"

	// 通用错误
	ErrCodeInternal   ErrorCode = "INTERNAL_ERROR"
	ErrCodeBadRequest ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound   ErrorCode = "RESOURCE_NOT_FOUND"
)

// ErrorType 错误类型
type ErrorType int

const (
	ErrorTypeSystem ErrorType = iota
	ErrorTypeBusiness
	ErrorTypeValidation
	ErrorTypeExternal
)

// AppError 应用错误结构体
type AppError struct {
	Code      ErrorCode   `json:"code"`
	Message   string      `json:"message"`
	Type      ErrorType   `json:"type"`
	HTTPCode  int         `json:"-"`
	Retryable bool        `json:"retryable"`
	Details   interface{} `json:"details,omitempty"`
	Cause     error       `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *AppError with the same code, so
// errors.Is(err, errors.ErrLeaseHeld) works across wrapping.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Sentinels for errors.Is matching by code.
var (
	ErrTransientStore      = &AppError{Code: ErrCodeTransientStore}
	ErrPermanentFormat     = &AppError{Code: ErrCodePermanentFormat}
	ErrUnsupportedFormat   = &AppError{Code: ErrCodeUnsupportedFormat}
	ErrExtraction          = &AppError{Code: ErrCodeExtraction}
	ErrEmbeddingBackend    = &AppError{Code: ErrCodeEmbeddingBackend}
	ErrConsistencyConflict = &AppError{Code: ErrCodeConsistencyConflict}
	ErrConfiguration       = &AppError{Code: ErrCodeConfiguration}
	ErrQueryBackend        = &AppError{Code: ErrCodeQueryBackend}
	ErrDelivery            = &AppError{Code: ErrCodeDelivery}
	ErrLeaseHeld           = &AppError{Code: ErrCodeLeaseHeld}
	ErrNotFound            = &AppError{Code: ErrCodeNotFound}
)

func newError(code ErrorCode, typ ErrorType, retryable bool, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Type:      typ,
		HTTPCode:  getHTTPCodeForError(code),
		Retryable: retryable,
	}
}

// NewTransientStoreError 存储暂时不可用，可重试
func NewTransientStoreError(store string, cause error) *AppError {
	return newError(ErrCodeTransientStore, ErrorTypeExternal, true, "%s unavailable", store).WithCause(cause)
}

// NewPermanentFormatError 内容损坏，不可重试
func NewPermanentFormatError(format string, cause error) *AppError {
	return newError(ErrCodePermanentFormat, ErrorTypeValidation, false, "corrupt %s content", format).WithCause(cause)
}

// NewUnsupportedFormatError 不支持的格式，不可重试
func NewUnsupportedFormatError(format string) *AppError {
	return newError(ErrCodeUnsupportedFormat, ErrorTypeValidation, false, "unsupported format %q", format)
}

// NewExtractionError 解析器失败，可重试
func NewExtractionError(format string, cause error) *AppError {
	return newError(ErrCodeExtraction, ErrorTypeSystem, true, "extract %s", format).WithCause(cause)
}

// NewEmbeddingBackendError 嵌入后端失败，整批重试
func NewEmbeddingBackendError(message string, cause error) *AppError {
	return newError(ErrCodeEmbeddingBackend, ErrorTypeExternal, true, "%s", message).WithCause(cause)
}

// NewConsistencyConflict 文档已有更新的版本
func NewConsistencyConflict(documentID string, revision, current int64) *AppError {
	return newError(ErrCodeConsistencyConflict, ErrorTypeBusiness, false,
		"document %s revision %d superseded by %d", documentID, revision, current)
}

// NewConfigurationError 配置错误，快速失败
func NewConfigurationError(format string, args ...interface{}) *AppError {
	return newError(ErrCodeConfiguration, ErrorTypeValidation, false, format, args...)
}

// NewQueryBackendError 检索时存储失败
func NewQueryBackendError(store string, cause error) *AppError {
	return newError(ErrCodeQueryBackend, ErrorTypeExternal, false, "%s query failed", store).WithCause(cause)
}

// NewDeliveryError 消息投递失败
func NewDeliveryError(channel string, cause error) *AppError {
	return newError(ErrCodeDelivery, ErrorTypeExternal, true, "publish to %s", channel).WithCause(cause)
}

// NewLeaseHeldError 租约被其他worker持有
func NewLeaseHeldError(key string) *AppError {
	return newError(ErrCodeLeaseHeld, ErrorTypeBusiness, true, "lease %s held by another owner", key)
}

// NewNotFoundError 创建资源未找到错误
func NewNotFoundError(resource string) *AppError {
	return newError(ErrCodeNotFound, ErrorTypeBusiness, false, "%s not found", resource)
}

// NewBadRequestError 请求参数错误
func NewBadRequestError(format string, args ...interface{}) *AppError {
	return newError(ErrCodeBadRequest, ErrorTypeValidation, false, format, args...)
}

// NewInternalError 内部错误
func NewInternalError(message string, cause error) *AppError {
	return newError(ErrCodeInternal, ErrorTypeSystem, false, "%s", message).WithCause(cause)
}

func getHTTPCodeForError(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeBadRequest, ErrCodeUnsupportedFormat, ErrCodePermanentFormat:
		return http.StatusBadRequest
	case ErrCodeConsistencyConflict, ErrCodeLeaseHeld:
		return http.StatusConflict
	case ErrCodeQueryBackend, ErrCodeTransientStore, ErrCodeEmbeddingBackend:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
