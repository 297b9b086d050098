package codec

import (
	"bufio"
	"io"

	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/protocol"
)

var _ Codec = (*StreamCodec)(nil)

// StreamCodec 直接在字节流上传输消息，消息之间没有额外的分帧
type StreamCodec struct {
	conn io.ReadWriteCloser
	reg  *protocol.Registry
	rd   *bufio.Reader // 带缓冲的读取器
	buf  *bufio.Writer // 带缓冲的写入器，减少系统调用次数
}

func NewStreamCodec(conn io.ReadWriteCloser, reg *protocol.Registry) Codec {
	return &StreamCodec{
		conn: conn,
		reg:  reg,
		rd:   bufio.NewReader(conn),
		buf:  bufio.NewWriter(conn),
	}
}

func (c *StreamCodec) ReadMessage() (*protocol.Message, error) {
	return c.reg.Read(c.rd)
}

// Write 编码并写出一条消息，写入失败时关闭连接
func (c *StreamCodec) Write(m *protocol.Message) (err error) {
	defer func() {
		if err == nil {
			err = c.buf.Flush()
		}
		if err != nil {
			log.Warn("codec: stream error writing:", err)
			_ = c.conn.Close()
		}
	}()
	return m.Encode(c.buf)
}

func (c *StreamCodec) Close() error {
	return c.conn.Close()
}
