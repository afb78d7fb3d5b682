package errors

// Response is the JSON body returned by the HTTP API for a failed request.
type Response struct {
	Error ResponseError `json:"error"`
}

// ResponseError 错误响应内容
type ResponseError struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Type      string      `json:"type"`
	Retryable bool        `json:"retryable"`
	Details   interface{} `json:"details,omitempty"`
}

// ToResponse 将错误转换为HTTP状态码和响应体
func ToResponse(err error) (int, Response) {
	appErr := GetAppError(err)
	resp := Response{Error: ResponseError{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Type:      getErrorTypeString(appErr.Type),
		Retryable: appErr.Retryable,
	}}
	if shouldIncludeDetails(appErr) {
		resp.Error.Details = appErr.Details
	}
	return appErr.HTTPCode, resp
}

func getErrorTypeString(errorType ErrorType) string {
	switch errorType {
	case ErrorTypeSystem:
		return "system"
	case ErrorTypeBusiness:
		return "business"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// 系统错误不暴露内部细节
func shouldIncludeDetails(appErr *AppError) bool {
	return appErr.Details != nil && appErr.Type != ErrorTypeSystem
}
