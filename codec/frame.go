package codec

import (
	"sync"

	"github.com/nukecoke1828/ponyca/protocol"
)

// FrameConn 是按帧收发的连接，每帧恰好承载一条消息
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
}

var _ Codec = (*FrameCodec)(nil)

// FrameCodec 在按帧收发的连接（websocket、gRPC 流）上读写消息
type FrameCodec struct {
	conn    FrameConn
	reg     *protocol.Registry
	sending sync.Mutex // 底层连接同一时刻只允许一个写者
}

func NewFrameCodec(conn FrameConn, reg *protocol.Registry) *FrameCodec {
	return &FrameCodec{conn: conn, reg: reg}
}

// ReadMessage 读取一帧并解码，帧中多出的字节是协议错误
func (c *FrameCodec) ReadMessage() (*protocol.Message, error) {
	b, err := c.conn.ReadFrame()
	if err != nil {
		return nil, err
	}
	return c.reg.ReadBytes(b)
}

func (c *FrameCodec) Write(m *protocol.Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	c.sending.Lock()
	defer c.sending.Unlock()
	return c.conn.WriteFrame(b)
}

func (c *FrameCodec) Close() error {
	return c.conn.Close()
}
