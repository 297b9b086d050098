package codec

import (
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nukecoke1828/ponyca/protocol"
)

// wsConn 把 websocket 连接适配为 FrameConn，每条消息是一个二进制帧
type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return payload, nil
		}
		// 文本帧不属于协议，跳过
	}
}

func (c wsConn) WriteFrame(b []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// NewWebSocketCodec 在 websocket 连接上创建编解码器
func NewWebSocketCodec(conn *websocket.Conn, reg *protocol.Registry) Codec {
	return NewFrameCodec(wsConn{conn: conn}, reg)
}
