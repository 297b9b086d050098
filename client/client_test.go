package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nukecoke1828/ponyca/creative"
	"github.com/nukecoke1828/ponyca/protocol"
	"github.com/nukecoke1828/ponyca/router"
	"github.com/nukecoke1828/ponyca/transport"
	"github.com/nukecoke1828/ponyca/world"
)

func _assert(condition bool, msg string, v ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assertion failed: "+msg, v...))
	}
}

func mustRegistry(t *testing.T) *protocol.Registry {
	t.Helper()
	reg, err := protocol.LoadDefault()
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// play 登录后检查世界、实体，并通过区块请求读取地面
func play(t *testing.T, reg *protocol.Registry, c *Client) {
	t.Helper()
	wait(t, c.LoggedIn(), "login")
	id, name := c.WorldInfo()
	_assert(id == creative.WorldID && name == creative.WorldName, "world %d %q", id, name)
	_assert(c.ID() == 1, "client id %d", c.ID())

	deadline := time.Now().Add(2 * time.Second)
	for c.Entities() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no entity spawned")
		}
		time.Sleep(time.Millisecond)
	}
	e, ok := c.Entity(1)
	_assert(ok, "entity 1 missing")
	username, _ := protocol.Get[string](e, "name")
	_assert(username == "derpy", "entity name %q", username)

	b, err := c.World().Block(context.Background(), protocol.Coordinates{5, 0, 5})
	if err != nil {
		t.Fatal(err)
	}
	dirt, _ := reg.BlockType("dirt")
	_assert(b[0] == byte(dirt), "ground block % X", b)
	_assert(c.Fetcher().Cached(world.ChunkID{}), "fetched chunk should be cached")
}

func TestLocal(t *testing.T) {
	reg := mustRegistry(t)
	srv, err := creative.NewServer(reg)
	if err != nil {
		t.Fatal(err)
	}
	server, peer := router.NewLocalPair()
	_ = server.AddCallback(srv)
	c, err := New(reg, peer, server, "derpy", "muffins", world.WithFetchTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if err := server.AddClient(peer); err != nil {
		t.Fatal(err)
	}
	play(t, reg, c)

	_ = c.Close()
	_assert(len(peer.Callbacks()) == 1, "fetcher should be unregistered")
}

func TestTCP(t *testing.T) {
	reg := mustRegistry(t)
	srv, _ := creative.NewServer(reg)
	ts := transport.NewServer(reg)
	_ = ts.AddCallback(srv)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer lis.Close()
	go ts.Accept(lis)

	remote, err := transport.Dial("tcp", lis.Addr().String(), reg)
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(reg, remote, remote, "derpy", "muffins", world.WithFetchTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	remote.Start()
	play(t, reg, c)

	ts.Close()
	wait(t, c.Done(), "disconnect")
	_assert(c.Reason() == "server shutting down", "reason %q", c.Reason())
}

// fakeServer 记录客户端发出的消息与关闭原因
type fakeServer struct {
	mu     sync.Mutex
	sent   []*protocol.Message
	closed string
}

func (s *fakeServer) Send(m *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

func (s *fakeServer) CloseConnection(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = reason
	return nil
}

func connect(t *testing.T, reg *protocol.Registry, major, minor uint16) *protocol.Message {
	t.Helper()
	str, _ := reg.Type("string")
	ext, _ := protocol.NewList(str)
	m, err := reg.NewMessage("connect", map[string]any{
		"protocol":   map[string]any{"majorVersion": major, "minorVersion": minor},
		"clientId":   7,
		"extensions": ext,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestVersionCheck(t *testing.T) {
	reg := mustRegistry(t)
	v := reg.Version()

	t.Run("minor mismatch logs in", func(t *testing.T) {
		server := &fakeServer{}
		_, peer := router.NewLocalPair()
		c, _ := New(reg, peer, server, "derpy", "muffins")
		if err := c.OnConnect(server, connect(t, reg, v.Major, v.Minor+1)); err != nil {
			t.Fatal(err)
		}
		_assert(len(server.sent) == 1 && server.sent[0].Name() == "Login", "client should log in")
		_assert(c.ID() == 7, "client id %d", c.ID())
	})

	t.Run("major mismatch closes", func(t *testing.T) {
		server := &fakeServer{}
		_, peer := router.NewLocalPair()
		c, _ := New(reg, peer, server, "derpy", "muffins")
		err := c.OnConnect(server, connect(t, reg, v.Major+1, v.Minor))
		if !errors.Is(err, router.ErrIncompatibleMajor) {
			t.Fatalf("expected ErrIncompatibleMajor, got %v", err)
		}
		_assert(len(server.sent) == 0, "client should not log in")
		_assert(server.closed != "", "connection should be closed")
		wait(t, c.Done(), "done")
	})
}

func TestBlockUpdate(t *testing.T) {
	reg := mustRegistry(t)
	server := &fakeServer{}
	_, peer := router.NewLocalPair()
	c, _ := New(reg, peer, server, "derpy", "muffins")
	stone, _ := reg.BlockType("stone")
	update, _ := reg.NewMessage("blockUpdate", map[string]any{
		"block": map[string]any{
			"block":       map[string]any{"blockType": stone, "blockVariant": 0},
			"world":       1,
			"coordinates": protocol.Coordinates{3, 3, 3},
		},
	})
	// 区块未加载时忽略
	if err := c.OnBlockUpdate(server, update); err != nil {
		t.Fatal(err)
	}
	_ = c.World().SetChunk(world.ChunkID{}, make([]byte, world.ChunkBytes))
	if err := c.OnBlockUpdate(server, update); err != nil {
		t.Fatal(err)
	}
	b, _ := c.World().Block(context.Background(), protocol.Coordinates{3, 3, 3})
	_assert(b[0] == byte(stone), "block % X", b)
}
