package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
)

// ErrorCode 标识错误的类别，调用方据此决定是否重试。
type ErrorCode string

const (
	CodeTransient    ErrorCode = "TRANSIENT"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeConflict     ErrorCode = "CONFLICT"
	CodeValidation   ErrorCode = "VALIDATION"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeInternal     ErrorCode = "INTERNAL"
)

// AppError 是对外暴露的类型化错误。
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// ErrorResponse 是 HTTP 错误响应体。
type ErrorResponse struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// StatusCode maps the code to an HTTP status.
func (e *AppError) StatusCode() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func New(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func Transient(message string, err error) *AppError {
	return New(CodeTransient, message, err)
}

func NotFound(message string, err error) *AppError {
	return New(CodeNotFound, message, err)
}

func Conflict(message string, err error) *AppError {
	return New(CodeConflict, message, err)
}

func Validation(message string) *AppError {
	return New(CodeValidation, message, nil)
}

func Unauthorized(message string) *AppError {
	return New(CodeUnauthorized, message, nil)
}

func Internal(message string, err error) *AppError {
	return New(CodeInternal, message, err)
}

// CodeOf 返回错误链中第一个 AppError 的 code；没有则返回 CodeInternal。
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is 报告 err 是否为给定类别的 AppError。
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// AsTransient 保留已有的 AppError 分类，其余错误归为可重试的网络/后端故障。
func AsTransient(message string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	return Transient(message, err)
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// HandleError 把错误写成 JSON 响应。
func HandleError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		WriteJSON(w, appErr.StatusCode(), ErrorResponse{Error: appErr.Message, Code: appErr.Code})
		return
	}

	log.Printf("Internal error: %v", err)
	WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error", Code: CodeInternal})
}
