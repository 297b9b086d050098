package creative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nukecoke1828/ponyca/codec"
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

func mustServer(t *testing.T) (*protocol.Registry, *Server) {
	t.Helper()
	reg, err := protocol.LoadDefault()
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewServer(reg)
	if err != nil {
		t.Fatal(err)
	}
	return reg, s
}

// recorder 是记录收到消息的客户端端点
type recorder struct {
	mu   sync.Mutex
	sent []*protocol.Message
}

func (r *recorder) Send(m *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return nil
}

func (r *recorder) CloseConnection(string) error { return nil }

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.sent))
	for i, m := range r.sent {
		names[i] = m.Name()
	}
	return names
}

func TestSpawnList(t *testing.T) {
	reg, _ := mustServer(t)
	clientType, _ := reg.Struct("client")
	l, err := NewSpawnList(clientType)
	if err != nil {
		t.Fatal(err)
	}
	for want := uint32(1); want <= 3; want++ {
		s, err := l.Spawn(nil)
		if err != nil {
			t.Fatal(err)
		}
		id, _ := protocol.Get[uint32](s, "id")
		_assert(id == want, "spawned id %d, want %d", id, want)
	}
	_assert(l.Remove(2) && !l.Remove(2), "remove should report presence")
	s, _ := l.Spawn(nil)
	id, _ := protocol.Get[uint32](s, "id")
	_assert(id == 2, "first free id should be reused, got %d", id)
	_assert(l.Len() == 3, "len %d", l.Len())

	block, _ := reg.Struct("block")
	if _, err := NewSpawnList(block); err == nil {
		t.Fatal("structure without id field should be rejected")
	}
	if _, err := l.Spawn(map[string]any{"bogus": 1}); err == nil {
		t.Fatal("unknown field should be rejected")
	}
}

func TestHandshake(t *testing.T) {
	reg, s := mustServer(t)
	client := &recorder{}
	if err := s.DoHandshake(client); err != nil {
		t.Fatal(err)
	}
	_assert(len(client.sent) == 1 && client.sent[0].Name() == "Connect", "sent %v", client.names())
	m := client.sent[0]
	id, _ := protocol.Get[uint32](m, "clientId")
	_assert(id == 1, "client id %d", id)
	pv, _ := protocol.Get[*protocol.Struct](m, "protocol")
	major, _ := protocol.Get[uint16](pv, "majorVersion")
	_assert(major == reg.Version().Major, "major %d", major)
	ext, _ := protocol.Get[*protocol.List](m, "extensions")
	n, typed := ext.Len()
	_assert(typed && n == 0, "extensions should be an empty string list")

	// 第二个客户端拿到下一个编号
	other := &recorder{}
	_ = s.DoHandshake(other)
	id, _ = protocol.Get[uint32](other.sent[0], "clientId")
	_assert(id == 2, "second client id %d", id)
}

func TestLogin(t *testing.T) {
	reg, s := mustServer(t)
	client := &recorder{}
	_ = s.DoHandshake(client)
	login, _ := reg.NewMessage("login", map[string]any{"username": "derpy", "password": "muffins"})
	if err := s.OnLogin(client, login); err != nil {
		t.Fatal(err)
	}
	names := client.names()
	_assert(len(names) == 4, "sent %v", names)
	_assert(names[1] == "WorldCreation" && names[2] == "EntitySpawn" && names[3] == "BlockUpdate", "order %v", names)

	entity, err := protocol.Get[*protocol.Struct](client.sent[2], "entity")
	if err != nil {
		t.Fatal(err)
	}
	name, _ := protocol.Get[string](entity, "name")
	by, _ := protocol.Get[uint32](entity, "playedBy")
	pos, _ := protocol.Get[protocol.Position](entity, "position")
	_assert(name == "derpy" && by == 1, "entity %v", entity)
	_assert(pos == protocol.Position{0, 0, 10}, "position %v", pos)
	_assert(s.Entities().Len() == 1, "entities %d", s.Entities().Len())

	placed, _ := protocol.Get[*protocol.Struct](client.sent[3], "block")
	coords, _ := protocol.Get[protocol.Coordinates](placed, "coordinates")
	_assert(coords == protocol.Coordinates{3, 3, 3}, "coordinates %v", coords)
}

func TestLoginWithoutHandshake(t *testing.T) {
	reg, s := mustServer(t)
	login, _ := reg.NewMessage("login", map[string]any{"username": "a", "password": "b"})
	client := &recorder{}
	if err := s.OnLogin(client, login); err == nil {
		t.Fatal("login before handshake should fail")
	}
	_assert(len(client.sent) == 0, "nothing should be sent")
}

func TestChunkRequest(t *testing.T) {
	reg, s := mustServer(t)
	client := &recorder{}
	req, _ := reg.NewMessage("chunkRequest", map[string]any{"coordinates": protocol.Coordinates{10, 0, 0}})
	if err := s.OnChunkRequest(client, req); err != nil {
		t.Fatal(err)
	}
	_assert(len(client.sent) == 1 && client.sent[0].Name() == "ChunkUpdate", "sent %v", client.names())
	list, _ := protocol.Get[*protocol.List](client.sent[0], "chunk")
	raw, _ := list.Raw()
	want, _ := s.World().Chunk(context.Background(), world.ChunkID{1, 0, 0})
	_assert(bytes.Equal(raw, want), "chunk payload differs")
	_assert(!list.Typed(), "chunk list should be sent untyped")
}

func TestDisconnect(t *testing.T) {
	reg, s := mustServer(t)
	client := &recorder{}
	_ = s.DoHandshake(client)
	login, _ := reg.NewMessage("login", map[string]any{"username": "derpy", "password": "muffins"})
	_ = s.OnLogin(client, login)

	bye, _ := reg.NewMessage("disconnect", map[string]any{"reason": "bye"})
	s.OnDisconnect(client, bye)
	_assert(s.Clients().Len() == 0 && s.Entities().Len() == 0, "client and entity should be released")
	s.OnDisconnect(client, bye) // 重复断开无影响
}

func TestLocalPair(t *testing.T) {
	reg, s := mustServer(t)
	server, client := router.NewLocalPair()
	_ = server.AddCallback(s)
	got := make(chan *protocol.Message, 8)
	_ = client.AddCallback(&collector{got: got})
	if err := server.AddClient(client); err != nil {
		t.Fatal(err)
	}
	m := next(t, got)
	_assert(m.Name() == "Connect", "handshake sent %s", m.Name())

	login, _ := reg.NewMessage("login", map[string]any{"username": "derpy", "password": "muffins"})
	if err := server.Send(login); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		seen[next(t, got).Name()] = true
	}
	_assert(seen["WorldCreation"] && seen["EntitySpawn"] && seen["BlockUpdate"], "seen %v", seen)
}

type collector struct{ got chan *protocol.Message }

func (c *collector) OnConnect(_ router.Endpoint, m *protocol.Message)       { c.got <- m }
func (c *collector) OnWorldCreation(_ router.Endpoint, m *protocol.Message) { c.got <- m }
func (c *collector) OnEntitySpawn(_ router.Endpoint, m *protocol.Message)   { c.got <- m }
func (c *collector) OnBlockUpdate(_ router.Endpoint, m *protocol.Message)   { c.got <- m }

func next(t *testing.T, got chan *protocol.Message) *protocol.Message {
	t.Helper()
	select {
	case m := <-got:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return nil
}

func TestHTTPPool(t *testing.T) {
	_, s := mustServer(t)
	pool := NewHTTPPool("test", s.World())
	hs := httptest.NewServer(pool)
	defer hs.Close()

	getter := NewHTTPGetter(hs.URL + pool.BasePath())
	chunk, err := getter.GetChunk(context.Background(), world.ChunkID{0, 0, 2})
	if err != nil {
		t.Fatal(err)
	}
	want, _ := s.World().Chunk(context.Background(), world.ChunkID{0, 0, 2})
	_assert(bytes.Equal(chunk, want), "chunk over http differs")

	w := world.New(HTTPGenerator(getter))
	b, err := w.Block(context.Background(), protocol.Coordinates{1, 0, 25})
	if err != nil {
		t.Fatal(err)
	}
	_assert(b[0] != 0, "ground block should not be air: % X", b)

	for _, path := range []string{"1/2", "a/b/c", "1/-2/3", "1/6554/0"} {
		res, err := http.Get(hs.URL + pool.BasePath() + path)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		_assert(res.StatusCode == http.StatusBadRequest, "%s: status %d", path, res.StatusCode)
	}
	res, _ := http.Get(hs.URL + "/elsewhere")
	res.Body.Close()
	_assert(res.StatusCode == http.StatusNotFound, "status %d", res.StatusCode)
}

// 客户端不发 Disconnect 直接断开 TCP，编号也要释放
func TestDroppedConnectionReleasesID(t *testing.T) {
	reg, s := mustServer(t)
	srv := transport.NewServer(reg)
	if err := srv.AddCallback(s); err != nil {
		t.Fatal(err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Accept(lis)
	defer srv.Close()
	defer lis.Close()

	connect := func() (net.Conn, uint32) {
		conn, err := net.Dial("tcp", lis.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		if err := json.NewEncoder(conn).Encode(transport.DefaultOption); err != nil {
			t.Fatal(err)
		}
		m, err := codec.NewStreamCodec(conn, reg).ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		_assert(m.Name() == "connect", "first message %s", m.Name())
		id, _ := protocol.Get[uint32](m, "clientId")
		return conn, id
	}

	var conns []net.Conn
	for i := 1; i <= 3; i++ {
		conn, id := connect()
		_assert(id == uint32(i), "id %d, want %d", id, i)
		conns = append(conns, conn)
	}
	_assert(s.Clients().Len() == 3, "clients %d", s.Clients().Len())

	for _, conn := range conns {
		_ = conn.Close()
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Clients().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("clients still held: %v", s.Clients().IDs())
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn, id := connect()
	defer conn.Close()
	_assert(id == 1, "id after release %d", id)
}
