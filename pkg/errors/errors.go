// Package errors 业务错误码
//
// 每个外部协作方 (存储后端、名称服务、链 RPC、内容哈希解码) 对应独立错误码，
// 状态机按错误码分支而不是匹配错误文本：
//
//	if pkgerrors.Is(err, pkgerrors.ErrContentNotFound) { ... }
//
// 包级变量是哨兵，只读；Wrap 系列总是返回副本。
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error 带错误码的业务错误
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
	Cause      error
}

func define(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: status}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 同错误码即匹配，与 Message / Cause 无关
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// 通用
var (
	ErrInternal       = define("INTERNAL_ERROR", "内部错误", http.StatusInternalServerError)
	ErrInvalidRequest = define("INVALID_REQUEST", "请求参数无效", http.StatusBadRequest)
)

// 内容哈希与存储后端
var (
	ErrContentDecode      = define("CONTENT_DECODE_ERROR", "内容哈希无法解码", http.StatusUnprocessableEntity)
	ErrContentNotFound    = define("CONTENT_NOT_FOUND", "存储后端找不到内容", http.StatusNotFound)
	ErrStorageTimeout     = define("STORAGE_TIMEOUT", "存储后端请求超时", http.StatusGatewayTimeout)
	ErrStorageUnavailable = define("STORAGE_UNAVAILABLE", "存储后端不可用", http.StatusBadGateway)
)

// 名称服务与链 RPC
var (
	ErrNameServiceUnavailable = define("NAME_SERVICE_UNAVAILABLE", "名称服务不可用", http.StatusBadGateway)
	ErrRPCUnavailable         = define("RPC_UNAVAILABLE", "链 RPC 不可用", http.StatusBadGateway)
)

// 调度
var (
	// ErrCycleInProgress 上一轮未结束，调度记为 skipped
	ErrCycleInProgress = define("CYCLE_IN_PROGRESS", "上一轮尚未结束", http.StatusConflict)
	ErrJobNotFound     = define("JOB_NOT_FOUND", "任务不存在", http.StatusNotFound)
)

// Wrap 挂上原因
func Wrap(base *Error, cause error) *Error {
	out := *base
	out.Cause = cause
	return &out
}

// Wrapf 在消息后追加上下文
func Wrapf(base *Error, format string, args ...interface{}) *Error {
	out := *base
	out.Message = base.Message + ": " + fmt.Sprintf(format, args...)
	return &out
}

// WrapWithCause Wrapf + Wrap
func WrapWithCause(base *Error, cause error, format string, args ...interface{}) *Error {
	out := Wrapf(base, format, args...)
	out.Cause = cause
	return out
}

// FromError 非业务错误统一为 ErrInternal，原始信息只留在 Cause
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(ErrInternal, err)
}

// ToHTTPStatus nil 为 200，非业务错误为 500
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if errors.As(err, &e) && e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is errors.Is 的类型化版本
func Is(err error, target *Error) bool {
	return err != nil && target != nil && errors.Is(err, target)
}

// Code 错误码，非业务错误返回 UNKNOWN
func Code(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "UNKNOWN"
}
