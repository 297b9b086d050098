package codec

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/nukecoke1828/ponyca/protocol"
)

func mustRegistry(t *testing.T) *protocol.Registry {
	t.Helper()
	reg, err := protocol.LoadDefault()
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func login(t *testing.T, reg *protocol.Registry, user string) *protocol.Message {
	t.Helper()
	m, err := reg.NewMessage("login", map[string]any{"username": user, "password": "secret"})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestStreamCodec(t *testing.T) {
	reg := mustRegistry(t)
	a, b := net.Pipe()
	f := NewCodecFuncMap[StreamType]
	if f == nil {
		t.Fatal("stream codec not registered")
	}
	ca, cb := f(a, reg), f(b, reg)

	sent := []*protocol.Message{login(t, reg, "twilight"), login(t, reg, "rarity")}
	go func() {
		for _, m := range sent {
			if err := ca.Write(m); err != nil {
				t.Error(err)
			}
		}
		_ = ca.Close()
	}()
	for _, want := range sent {
		got, err := cb.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if _, err := cb.ReadMessage(); err != io.EOF {
		t.Fatalf("expected io.EOF after close, got %v", err)
	}
}

func TestStreamCodecUnknownOpcode(t *testing.T) {
	reg := mustRegistry(t)
	a, b := net.Pipe()
	go func() {
		_, _ = a.Write([]byte{0xEE, 0xEE})
		_ = a.Close()
	}()
	_, err := NewStreamCodec(b, reg).ReadMessage()
	var pe *protocol.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

// fakeFrames 内存中的 FrameConn
type fakeFrames struct {
	in  [][]byte
	out [][]byte
}

func (f *fakeFrames) ReadFrame() ([]byte, error) {
	if len(f.in) == 0 {
		return nil, io.EOF
	}
	b := f.in[0]
	f.in = f.in[1:]
	return b, nil
}

func (f *fakeFrames) WriteFrame(b []byte) error {
	f.out = append(f.out, b)
	return nil
}

func (f *fakeFrames) Close() error { return nil }

func TestFrameCodec(t *testing.T) {
	reg := mustRegistry(t)
	m := login(t, reg, "applejack")
	raw, _ := m.MarshalBinary()
	frames := &fakeFrames{in: [][]byte{raw, append(bytes.Clone(raw), 0x00)}}
	c := NewFrameCodec(frames, reg)

	got, err := c.ReadMessage()
	if err != nil || !got.Equal(m) {
		t.Fatalf("read frame: %v %v", got, err)
	}
	if _, err := c.ReadMessage(); err == nil {
		t.Fatal("trailing bytes in a frame should be rejected")
	}
	if _, err := c.ReadMessage(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	_ = c.Write(m)
	if len(frames.out) != 1 || !bytes.Equal(frames.out[0], raw) {
		t.Fatalf("wrote %v", frames.out)
	}
}

func TestWebSocketCodec(t *testing.T) {
	reg := mustRegistry(t)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewWebSocketCodec(conn, reg)
		defer c.Close()
		for { // 回显
			m, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.Write(m); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := NewWebSocketCodec(conn, reg)
	defer c.Close()

	m := login(t, reg, "pinkie")
	if err := c.Write(m); err != nil {
		t.Fatal(err)
	}
	got, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(m) {
		t.Fatalf("echo mismatch: %v", got)
	}
}
