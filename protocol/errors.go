package protocol

import (
	"fmt"
)

// SchemaError 表示消息目录在加载阶段出现的致命错误：
// 重复的操作码、未知的类型引用、格式错误的条目等。
// 出现 SchemaError 时进程不应继续启动，没有降级模式。
type SchemaError struct {
	Entry string // 出错的目录条目（结构体名、操作码或别名）
	Msg   string
}

func (e *SchemaError) Error() string {
	if e.Entry == "" {
		return "protocol: schema: " + e.Msg
	}
	return fmt.Sprintf("protocol: schema: %s: %s", e.Entry, e.Msg)
}

func schemaErrorf(entry, format string, args ...any) error {
	return &SchemaError{Entry: entry, Msg: fmt.Sprintf(format, args...)}
}

// ProtocolError 表示解码或构造消息时的错误：未知操作码、字段集合不匹配、
// 字段值类型不符、缓冲区被截断等。它被原样返回给直接调用者。
type ProtocolError struct {
	Msg string
	Err error // 底层错误（如 io.ErrUnexpectedEOF），可能为 nil
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol: " + e.Msg + ": " + e.Err.Error()
	}
	return "protocol: " + e.Msg
}

// Unwrap 让 errors.Is(err, io.ErrUnexpectedEOF) 之类的判断穿透 ProtocolError
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

func wrapProtocolError(err error, format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...), Err: err}
}
