package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nukecoke1828/ponyca/codec"
	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/protocol"
	"github.com/nukecoke1828/ponyca/router"
)

// MagicNumber 标识 ponyca 连接，客户端在字节流连接建立后首先发送
const MagicNumber = 0x706f6e79

// ErrMagic 对端发送的魔数不匹配
var ErrMagic = errors.New("transport: magic number mismatch")

// Option 是字节流连接建立时以 JSON 协商的选项，后跟一个换行
type Option struct {
	MagicNumber int
	CodecType   codec.Type
}

var DefaultOption = &Option{
	MagicNumber: MagicNumber,
	CodecType:   codec.StreamType,
}

// RemoteClient 是服务器眼中通过网络接入的一个客户端
type RemoteClient struct {
	*conn
}

var _ router.Endpoint = (*RemoteClient)(nil)

// Server 接受客户端连接，把收到的消息分发给服务器回调
type Server struct {
	*router.Router
	reg      *protocol.Registry
	upgrader websocket.Upgrader

	mu      sync.Mutex
	closed  bool
	clients map[*RemoteClient]struct{}
	wg      sync.WaitGroup
}

func NewServer(reg *protocol.Registry, opts ...router.Option) *Server {
	return &Server{
		Router:  router.New(opts...),
		reg:     reg,
		clients: make(map[*RemoteClient]struct{}),
	}
}

// Accept 接收 lis 上的连接，每个连接由一个 goroutine 处理
func (s *Server) Accept(lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error("transport: accept error:", err)
			}
			return
		}
		go s.ServeConn(conn)
	}
}

// bufferedConn 把 JSON 解码器多读的字节放回连接前面
type bufferedConn struct {
	io.Reader
	io.WriteCloser
}

// ServeConn 处理一个字节流连接：读取 Option 并校验魔数，然后进入消息循环
func (s *Server) ServeConn(conn io.ReadWriteCloser) {
	var opt Option
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&opt); err != nil {
		log.Warn("transport: options error:", err)
		_ = conn.Close()
		return
	}
	if opt.MagicNumber != MagicNumber {
		log.Warnf("transport: %v: %x", ErrMagic, opt.MagicNumber)
		_ = conn.Close()
		return
	}
	f := codec.NewCodecFuncMap[opt.CodecType]
	if f == nil {
		log.Warnf("transport: invalid codec type %s", opt.CodecType)
		_ = conn.Close()
		return
	}
	// Option 以一个换行结束，解码器多读的字节放回消息流前面
	rd := bufio.NewReader(io.MultiReader(dec.Buffered(), conn))
	if c, err := rd.ReadByte(); err != nil || c != '\n' {
		log.Warnf("transport: option not terminated by a newline: %q, %v", c, err)
		_ = conn.Close()
		return
	}
	s.ServeCodec(f(bufferedConn{Reader: rd, WriteCloser: conn}, s.reg))
}

// ServeHTTP 把 HTTP 请求升级为 websocket 连接
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn("transport: websocket upgrade:", err)
		return
	}
	s.ServeCodec(codec.NewWebSocketCodec(ws, s.reg))
}

// ServeCodec 为连接创建 RemoteClient，执行握手，然后读取消息直到连接结束。
// 无论连接以何种方式结束，实现了 router.Disconnecter 的回调都会收到通知。
func (s *Server) ServeCodec(cc codec.Codec) {
	client := &RemoteClient{conn: newConn(cc, s.reg)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = cc.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.ClientClosed(client)
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		s.wg.Done()
	}()

	if err := s.Handshake(client); err != nil {
		log.Error(err)
		_ = client.CloseConnection(fmt.Sprintf("handshake failed: %v", err))
		return
	}
	client.receive(s.Router, client)
	_ = cc.Close()
}

// Clients 返回当前连接的客户端数量
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close 停止分发并关闭所有客户端连接
func (s *Server) Close() {
	s.Router.Close()
	s.mu.Lock()
	s.closed = true // 之后的连接不再登记，Wait 与 Add 不会并发
	clients := make([]*RemoteClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.CloseConnection("server shutting down")
	}
	s.wg.Wait()
}

// RemoteServer 是客户端眼中通过网络连接的服务器。
// 注册完回调后调用 Start 开始接收消息。
type RemoteServer struct {
	*router.Router
	*conn
	start sync.Once
}

var _ router.Peer = (*RemoteServer)(nil)

// NewRemoteServer 在已建立的编解码器上创建 RemoteServer
func NewRemoteServer(cc codec.Codec, reg *protocol.Registry, opts ...router.Option) *RemoteServer {
	return &RemoteServer{Router: router.New(opts...), conn: newConn(cc, reg)}
}

// SetRouterOptions 用 opts 重建 RemoteServer 的 Router，必须在注册回调和 Start 之前调用。
// 拨号函数创建的 Router 使用默认选项。
func (s *RemoteServer) SetRouterOptions(opts ...router.Option) {
	s.Router = router.New(opts...)
}

// Start 在后台开始读取服务器消息，多次调用只生效一次
func (s *RemoteServer) Start() {
	s.start.Do(func() {
		go func() {
			s.receive(s.Router, s)
			s.Router.Close()
		}()
	})
}

// Close 关闭连接
func (s *RemoteServer) Close() error {
	s.Router.Close()
	return s.CloseConnection("client closed")
}

// Dial 拨号、发送 Option 并返回 RemoteServer
func Dial(network, address string, reg *protocol.Registry, opts ...*Option) (client *RemoteServer, err error) {
	opt, err := parseOptions(opts...)
	if err != nil {
		return nil, err
	}
	f := codec.NewCodecFuncMap[opt.CodecType]
	if f == nil {
		return nil, fmt.Errorf("transport: invalid codec type %s", opt.CodecType)
	}
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	// 发生错误时自动关闭连接
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()
	w := bufio.NewWriter(conn)
	if err = json.NewEncoder(w).Encode(opt); err != nil { // Encode 以换行结束
		return nil, err
	}
	if err = w.Flush(); err != nil {
		return nil, err
	}
	return NewRemoteServer(f(conn, reg), reg), nil
}

// DialWebSocket 连接 websocket 地址（ws://host/path）
func DialWebSocket(url string, reg *protocol.Registry) (*RemoteServer, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewRemoteServer(codec.NewWebSocketCodec(ws, reg), reg), nil
}

// parseOptions 解析可变 Option，填充默认值
func parseOptions(opts ...*Option) (*Option, error) {
	if len(opts) == 0 || opts[0] == nil {
		return DefaultOption, nil
	}
	if len(opts) != 1 {
		return nil, errors.New("transport: number of options is more than 1")
	}
	opt := *opts[0]
	opt.MagicNumber = DefaultOption.MagicNumber
	if opt.CodecType == "" {
		opt.CodecType = DefaultOption.CodecType
	}
	return &opt, nil
}
