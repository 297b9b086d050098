// Package transport 把路由器接到真实的网络连接上：TCP 字节流、websocket 与 gRPC 双向流。
package transport

import (
	"errors"
	"io"
	"sync"

	"github.com/nukecoke1828/ponyca/codec"
	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/protocol"
	"github.com/nukecoke1828/ponyca/router"
)

// ErrShutdown 连接已关闭或正在关闭
var ErrShutdown = errors.New("transport: connection is shut down")

// conn 是一条连接的发送端，RemoteClient 与 RemoteServer 共用
type conn struct {
	cc       codec.Codec
	reg      *protocol.Registry
	sending  sync.Mutex // 保证消息按完整的帧串行写出
	mu       sync.Mutex // 保护下面的状态
	closing  bool       // 本端主动关闭
	shutdown bool       // 读循环结束，连接不可用
	done     chan struct{}
	err      error // 读循环结束的原因
}

func newConn(cc codec.Codec, reg *protocol.Registry) *conn {
	return &conn{cc: cc, reg: reg, done: make(chan struct{})}
}

// Send 把消息写到连接上
func (c *conn) Send(m *protocol.Message) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	if !c.IsAvailable() {
		return ErrShutdown
	}
	return c.cc.Write(m)
}

// IsAvailable 判断连接是否仍可用
func (c *conn) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closing && !c.shutdown
}

// CloseConnection 先发送 Disconnect 告知对端原因，再关闭连接
func (c *conn) CloseConnection(reason string) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrShutdown
	}
	shutdown := c.shutdown
	c.closing = true
	c.mu.Unlock()

	if !shutdown {
		if m, err := c.reg.NewMessage("disconnect", map[string]any{"reason": reason}); err == nil {
			c.sending.Lock()
			if err := c.cc.Write(m); err != nil {
				log.Debug("transport: send disconnect:", err)
			}
			c.sending.Unlock()
		}
	}
	log.Infof("transport: close connection: %s", reason)
	return c.cc.Close()
}

// Done 在读循环结束后关闭
func (c *conn) Done() <-chan struct{} {
	return c.done
}

// Err 返回读循环结束的原因，对端正常关闭时为 nil
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// receive 持续读取消息并分发给 r，origin 是这些消息的来源端点。
// 协议错误会关闭连接。
func (c *conn) receive(r *router.Router, origin router.Endpoint) {
	var err error
	for {
		var m *protocol.Message
		if m, err = c.cc.ReadMessage(); err != nil {
			break
		}
		r.Dispatch(origin, m)
	}

	var pe *protocol.ProtocolError
	switch {
	case errors.Is(err, io.EOF):
		err = nil
	case errors.As(err, &pe):
		log.Warn("transport: protocol error:", err)
		_ = origin.CloseConnection("protocol error")
	default:
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing { // 本端关闭导致的读错误
			err = nil
		} else {
			log.Debug("transport: read error:", err)
		}
	}

	c.mu.Lock()
	c.shutdown = true
	c.err = err
	c.mu.Unlock()
	close(c.done)
}
