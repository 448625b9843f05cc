package voice

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类，同时作为下发给客户端的 kind 字段。
type ErrorKind string

const (
	KindAuthentication ErrorKind = "AuthenticationError"
	KindTranscription  ErrorKind = "TranscriptionError"
	KindGeneration     ErrorKind = "GenerationError"
	KindSynthesis      ErrorKind = "SynthesisError"
	KindProtocol       ErrorKind = "ProtocolError"
	KindConnectionLost ErrorKind = "ConnectionLost"
)

// Fatal 为 true 时会终止整个会话；其余错误只影响当前话语。
func (k ErrorKind) Fatal() bool {
	return k == KindAuthentication || k == KindConnectionLost
}

// Error 携带分类的错误。
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError 创建分类错误。
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf 提取错误链中的分类，未分类时返回 false。
func KindOf(err error) (ErrorKind, bool) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind, true
	}
	return "", false
}

// Describe 返回可以展示给客户端的分类与描述，未分类错误按 fallback 处理。
func Describe(err error, fallback ErrorKind) (ErrorKind, string) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind, verr.Message
	}
	return fallback, err.Error()
}
