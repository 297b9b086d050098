// Package codec 定义在连接上读写 ponyca 消息的编解码接口和实现。
package codec

import (
	"io"

	"github.com/nukecoke1828/ponyca/protocol"
)

// 定义支持的编码类型常量，用于握手时协商
const (
	StreamType Type = "application/x-ponyca" // 消息首尾相接的字节流
)

// NewCodecFuncMap 根据编码类型获取对应的编解码器构造函数
var NewCodecFuncMap map[Type]NewCodecFunc

// Type 标识一种编解码格式
type Type string

// NewCodecFunc 在一个可读可写可关闭的连接上创建编解码器
type NewCodecFunc func(conn io.ReadWriteCloser, reg *protocol.Registry) Codec

// Codec 读写完整的协议消息
type Codec interface {
	io.Closer
	// ReadMessage 读取下一条消息，连接在消息边界上结束时返回 io.EOF
	ReadMessage() (*protocol.Message, error)
	Write(*protocol.Message) error
}

func init() {
	NewCodecFuncMap = make(map[Type]NewCodecFunc)
	NewCodecFuncMap[StreamType] = NewStreamCodec
}
