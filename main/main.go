// ponyca 运行创造模式服务器、无渲染客户端，或二者在同一进程内配对运行：
//
//	ponyca -mode local
//	ponyca -mode server -addr :9999 -transport grpc -debug :6060
//	ponyca -mode client -addr 127.0.0.1:9999 -transport grpc -username derpy
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nukecoke1828/ponyca/client"
	"github.com/nukecoke1828/ponyca/config"
	"github.com/nukecoke1828/ponyca/creative"
	"github.com/nukecoke1828/ponyca/journal"
	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/protocol"
	"github.com/nukecoke1828/ponyca/router"
	"github.com/nukecoke1828/ponyca/transport"
	"github.com/nukecoke1828/ponyca/world"
	"google.golang.org/grpc"
)

// wsPath 是 websocket 传输的挂载路径
const wsPath = "/ponyca"

func main() {
	cfg, err := config.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("ponyca: %v", err)
	}
	log.SetLevel(cfg.Level())

	reg, err := loadCatalog(cfg.Catalog)
	if err != nil { // 目录错误无法恢复
		config.Exitf("ponyca: %v", err)
	}
	v := reg.Version()
	log.Infof("ponyca: protocol %d.%d, %d opcodes", v.Major, v.Minor, len(reg.Opcodes()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []router.Option{router.WithWorkers(cfg.Workers)}
	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			config.Exitf("ponyca: journal: %v", err)
		}
		defer j.Close()
		opts = append(opts, router.WithObserver(j))
	}

	switch cfg.Mode {
	case config.ModeLocal:
		err = runLocal(ctx, cfg, reg, opts)
	case config.ModeServer:
		err = runServer(ctx, cfg, reg, opts)
	case config.ModeClient:
		err = runClient(ctx, cfg, reg, opts)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		config.Exitf("ponyca: %v", err)
	}
}

func loadCatalog(path string) (*protocol.Registry, error) {
	if path == "" {
		return protocol.LoadDefault()
	}
	return protocol.LoadFile(path)
}

// startDebug 在 addr 上提供回调调用计数页面与区块 HTTP 接口
func startDebug(addr string, r *router.Router, w *world.World) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(router.DebugPath, router.DebugHandler(r))
	if w != nil {
		pool := creative.NewHTTPPool(addr, w)
		mux.Handle(pool.BasePath(), pool)
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Infof("ponyca: debug on http://%s%s", addr, router.DebugPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ponyca: debug server:", err)
		}
	}()
	return srv
}

func stopDebug(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// runLocal 在同一进程内配对运行服务器与客户端
func runLocal(ctx context.Context, cfg config.Config, reg *protocol.Registry, opts []router.Option) error {
	srv, err := creative.NewServer(reg)
	if err != nil {
		return err
	}
	server, peer := router.NewLocalPair(opts...)
	if err := server.AddCallback(srv); err != nil {
		return err
	}
	c, err := client.New(reg, peer, server, cfg.Username, cfg.Password, world.WithFetchTimeout(cfg.FetchTimeout))
	if err != nil {
		return err
	}
	defer c.Close()
	dbg := startDebug(cfg.DebugAddr, server.Router, srv.World())
	defer stopDebug(dbg)

	if err := server.AddClient(peer); err != nil {
		return err
	}
	return play(ctx, c, server)
}

// play 等待登录，加载出生点附近的区块，然后一直运行到断开或收到信号
func play(ctx context.Context, c *client.Client, server router.Endpoint) error {
	select {
	case <-c.LoggedIn():
	case <-c.Done():
		return fmt.Errorf("disconnected: %s", c.Reason())
	case <-ctx.Done():
		return ctx.Err()
	}
	id, name := c.WorldInfo()
	log.Infof("ponyca: client %d in world %d %q", c.ID(), id, name)

	spawn := world.ChunkOf(protocol.Coordinates{0, 0, 10})
	if _, err := c.World().Chunk(ctx, spawn); err != nil {
		return err
	}
	log.Infof("ponyca: loaded %s, %d solid blocks", spawn, len(c.World().Blocks()))

	select {
	case <-c.Done():
		log.Infof("ponyca: disconnected: %s", c.Reason())
		return nil
	case <-ctx.Done():
		_ = server.CloseConnection("client shutting down")
		return nil
	}
}

func runServer(ctx context.Context, cfg config.Config, reg *protocol.Registry, opts []router.Option) error {
	srv, err := creative.NewServer(reg)
	if err != nil {
		return err
	}
	ts := transport.NewServer(reg, opts...)
	if err := ts.AddCallback(srv); err != nil {
		return err
	}
	dbg := startDebug(cfg.DebugAddr, ts.Router, srv.World())
	defer stopDebug(dbg)

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	log.Infof("ponyca: %s server on %s", cfg.Transport, lis.Addr())

	errc := make(chan error, 1)
	var shutdown func()
	switch cfg.Transport {
	case config.TransportTCP:
		go ts.Accept(lis)
		shutdown = func() { _ = lis.Close() }
	case config.TransportWS:
		mux := http.NewServeMux()
		mux.Handle(wsPath, ts)
		hs := &http.Server{Handler: mux}
		go func() { errc <- hs.Serve(lis) }()
		shutdown = func() { _ = hs.Close() }
	case config.TransportGRPC:
		gs := grpc.NewServer()
		ts.RegisterGRPC(gs)
		go func() { errc <- gs.Serve(lis) }()
		shutdown = gs.Stop
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	ts.Close()
	shutdown()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

func dial(cfg config.Config, reg *protocol.Registry) (*transport.RemoteServer, error) {
	switch cfg.Transport {
	case config.TransportWS:
		return transport.DialWebSocket("ws://"+cfg.Addr+wsPath, reg)
	case config.TransportGRPC:
		return transport.DialGRPC(cfg.Addr, reg)
	default:
		return transport.Dial("tcp", cfg.Addr, reg)
	}
}

func runClient(ctx context.Context, cfg config.Config, reg *protocol.Registry, opts []router.Option) error {
	remote, err := dial(cfg, reg)
	if err != nil {
		return err
	}
	remote.SetRouterOptions(opts...)
	c, err := client.New(reg, remote, remote, cfg.Username, cfg.Password, world.WithFetchTimeout(cfg.FetchTimeout))
	if err != nil {
		_ = remote.Close()
		return err
	}
	defer c.Close()
	dbg := startDebug(cfg.DebugAddr, remote.Router, nil)
	defer stopDebug(dbg)

	remote.Start()
	return play(ctx, c, remote)
}
