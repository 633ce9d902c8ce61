package linkerrors

import (
	"errors"
	"fmt"
)

// Code 表示统一的链接层错误码。
type Code string

const (
	// CodeInvalidArgument 表示调用参数缺失或互相矛盾。
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	// CodeUpstreamFetch 表示链节点查询（get_info/get_abi/push）失败。
	CodeUpstreamFetch Code = "UPSTREAM_FETCH"
	// CodeProtocolViolation 表示钱包返回的签名与原始请求不符。
	CodeProtocolViolation Code = "PROTOCOL_VIOLATION"
	// CodeUserCancelled 表示用户拒绝或调用方主动中止，属于预期结果。
	CodeUserCancelled Code = "USER_CANCELLED"
	// CodeTransport 表示传输层投递/展示失败。
	CodeTransport Code = "TRANSPORT_ERROR"
	// CodeStorageUnconfigured 表示未配置存储却调用了会话操作。
	CodeStorageUnconfigured Code = "STORAGE_UNCONFIGURED"
	// CodeStorage 表示底层持久化读写失败。
	CodeStorage Code = "STORAGE_ERROR"
)

// retryableCodes 标记调用方重试可能成功的错误类别。
var retryableCodes = map[Code]bool{
	CodeUpstreamFetch: true,
	CodeStorage:       true,
}

// Error 表示带统一错误码的链接层错误。
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New 创建一个新的链接层错误。
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf 按格式化消息创建错误。
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误并附加错误码与上下文。
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Message != "" && e.cause != nil:
		return e.Message + ": " + e.cause.Error()
	case e.Message != "":
		return e.Message
	case e.cause != nil:
		return string(e.Code) + ": " + e.cause.Error()
	default:
		return string(e.Code)
	}
}

// Unwrap 暴露被包装的底层错误。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// FromError 尝试从通用 error 中解析链接层错误。
func FromError(err error) (*Error, bool) {
	var linkErr *Error
	if errors.As(err, &linkErr) {
		return linkErr, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码，非链接层错误返回空串。
func CodeOf(err error) Code {
	if linkErr, ok := FromError(err); ok {
		return linkErr.Code
	}
	return ""
}

// HasCode 判断错误链中是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsCancel 判断错误是否为用户取消，便于调用方区分预期结果与真实失败。
func IsCancel(err error) bool {
	return HasCode(err, CodeUserCancelled)
}

// Retryable 标记调用方重试是否可能成功；重试策略由调用方决定。
func Retryable(code Code) bool {
	return retryableCodes[code]
}
