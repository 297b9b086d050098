package router

import (
	"errors"
	"sync"

	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/protocol"
)

// LocalServer 是客户端眼中在同一进程内运行的服务器。
// 它的回调是服务器逻辑，客户端调用 Send 时消息分发给这些回调，来源为配对的 LocalClient。
type LocalServer struct {
	*Router
	mu     sync.Mutex
	client *LocalClient
}

// LocalClient 是服务器眼中在同一进程内运行的客户端。
// 它的回调是客户端逻辑，服务器调用 Send 时消息分发给这些回调，来源为 LocalServer。
type LocalClient struct {
	*Router
	server *LocalServer
}

var (
	_ Peer = (*LocalServer)(nil)
	_ Peer = (*LocalClient)(nil)
)

func NewLocalServer(opts ...Option) *LocalServer {
	return &LocalServer{Router: New(opts...)}
}

func NewLocalClient(server *LocalServer, opts ...Option) *LocalClient {
	return &LocalClient{Router: New(opts...), server: server}
}

// NewLocalPair 创建一对尚未连接的本地端点，注册完回调后调用 server.AddClient(client) 完成接入
func NewLocalPair(opts ...Option) (*LocalServer, *LocalClient) {
	s := NewLocalServer(opts...)
	return s, NewLocalClient(s, opts...)
}

// AddClient 接入客户端，并对服务器回调执行握手。一个 LocalServer 只接入一个客户端。
func (s *LocalServer) AddClient(c *LocalClient) error {
	if c == nil || c.server != s {
		return errors.New("router: client is not paired with this server")
	}
	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		return errors.New("router: local server already has a client")
	}
	s.client = c
	s.mu.Unlock()
	return s.Handshake(c)
}

// Send 把客户端发出的消息交给服务器回调
func (s *LocalServer) Send(m *protocol.Message) error {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return errors.New("router: no client attached")
	}
	if s.Closed() {
		return ErrClosed
	}
	s.Dispatch(c, m)
	return nil
}

// CloseConnection 关闭本地连接，双方的 Router 都会关闭
func (s *LocalServer) CloseConnection(reason string) error {
	log.Infof("router: local connection closed: %s", reason)
	s.Close()
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c != nil {
		c.Close()
		s.ClientClosed(c)
	}
	return nil
}

// Send 把服务器发出的消息交给客户端回调
func (c *LocalClient) Send(m *protocol.Message) error {
	if c.Closed() {
		return ErrClosed
	}
	c.Dispatch(c.server, m)
	return nil
}

// CloseConnection 关闭本地连接，双方的 Router 都会关闭
func (c *LocalClient) CloseConnection(reason string) error {
	log.Infof("router: local connection closed: %s", reason)
	c.Close()
	c.server.Close()
	c.server.ClientClosed(c)
	return nil
}
