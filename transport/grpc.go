package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/nukecoke1828/ponyca/codec"
	"github.com/nukecoke1828/ponyca/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// 使用 protobuf 的 BytesValue 作为帧，无需 protoc 生成代码。
//
//	service Pipe { rpc Pipe(stream google.protobuf.BytesValue) returns (stream google.protobuf.BytesValue); }
const pipeMethod = "/ponyca.transport.v1.Pipe/Pipe"

// PipeServer 是 gRPC Pipe 服务的服务端接口
type PipeServer interface {
	Pipe(grpc.ServerStream) error
}

func _Pipe_Pipe_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(PipeServer).Pipe(stream)
}

// Pipe_ServiceDesc 是 Pipe 服务的 grpc.ServiceDesc
var Pipe_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "ponyca.transport.v1.Pipe",
	HandlerType: (*PipeServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Pipe",
			Handler:       _Pipe_Pipe_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pipe.proto",
}

// RegisterGRPC 在 gRPC 服务器上注册 Pipe 服务，每条流是一个客户端连接
func (s *Server) RegisterGRPC(r grpc.ServiceRegistrar) {
	r.RegisterService(&Pipe_ServiceDesc, s)
}

// Pipe 处理一条双向流，直到客户端断开或本端关闭连接
func (s *Server) Pipe(stream grpc.ServerStream) error {
	frames := &grpcFrames{stream: stream, closed: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ServeCodec(codec.NewFrameCodec(frames, s.reg))
	}()
	select {
	case <-done:
	case <-frames.closed: // 服务端流只能通过从处理函数返回来结束
	case <-stream.Context().Done():
	}
	return nil
}

// msgStream 是 grpc.ServerStream 与 grpc.ClientStream 的公共部分
type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcFrames 把 gRPC 流适配为 codec.FrameConn
type grpcFrames struct {
	stream  msgStream
	closed  chan struct{}
	once    sync.Once
	closeFn func() error // 客户端：半关闭发送方向
	release func()       // 客户端：读方向结束后释放流与连接
}

func (f *grpcFrames) ReadFrame() ([]byte, error) {
	in := new(wrapperspb.BytesValue)
	if err := f.stream.RecvMsg(in); err != nil {
		if f.release != nil {
			f.release()
		}
		select {
		case <-f.closed:
			return nil, io.EOF
		default:
		}
		return nil, err
	}
	return in.GetValue(), nil
}

func (f *grpcFrames) WriteFrame(b []byte) error {
	select {
	case <-f.closed:
		return ErrShutdown
	default:
	}
	return f.stream.SendMsg(wrapperspb.Bytes(b))
}

func (f *grpcFrames) Close() error {
	var err error
	f.once.Do(func() {
		close(f.closed)
		if f.closeFn != nil {
			err = f.closeFn()
		}
	})
	return err
}

// DialGRPC 连接 gRPC 服务器并打开一条 Pipe 流。
// 默认不使用传输层加密，opts 可以覆盖。
func DialGRPC(target string, reg *protocol.Registry, opts ...grpc.DialOption) (*RemoteServer, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := cc.NewStream(ctx, &Pipe_ServiceDesc.Streams[0], pipeMethod)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, err
	}
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			cancel()
			_ = cc.Close()
		})
	}
	frames := &grpcFrames{
		stream:  stream,
		closed:  make(chan struct{}),
		release: release,
		closeFn: func() error {
			// 等服务端结束流再释放，保证已发出的 Disconnect 送达
			time.AfterFunc(time.Second, release)
			return stream.CloseSend()
		},
	}
	return NewRemoteServer(codec.NewFrameCodec(frames, reg), reg), nil
}
