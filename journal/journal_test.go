package journal

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/nukecoke1828/ponyca/protocol"
	"github.com/nukecoke1828/ponyca/router"
)

func _assert(condition bool, msg string, v ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assertion failed: "+msg, v...))
	}
}

func open(t *testing.T) (*protocol.Registry, *Journal, string) {
	t.Helper()
	reg, err := protocol.LoadDefault()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return reg, j, path
}

func messages(t *testing.T, reg *protocol.Registry) []*protocol.Message {
	t.Helper()
	login, err := reg.NewMessage("login", map[string]any{"username": "derpy", "password": "muffins"})
	if err != nil {
		t.Fatal(err)
	}
	req, err := reg.NewMessage("chunkRequest", map[string]any{"coordinates": protocol.Coordinates{10, 0, 20}})
	if err != nil {
		t.Fatal(err)
	}
	bye, err := reg.NewMessage("disconnect", map[string]any{"reason": "bye"})
	if err != nil {
		t.Fatal(err)
	}
	return []*protocol.Message{login, req, bye}
}

func TestAppendReplay(t *testing.T) {
	reg, j, _ := open(t)
	want := messages(t, reg)
	for _, m := range want {
		if err := j.Append("test", m); err != nil {
			t.Fatal(err)
		}
	}
	n, err := j.Count()
	_assert(err == nil && n == 3, "count %d: %v", n, err)

	var got []*protocol.Message
	err = j.Replay(reg, func(e Entry) error {
		_assert(e.Origin == "test" && !e.At.IsZero(), "entry %+v", e)
		got = append(got, e.Message)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_assert(len(got) == len(want), "replayed %d", len(got))
	for i := range want {
		_assert(got[i].Equal(want[i]), "entry %d: %v != %v", i, got[i], want[i])
	}

	counts, err := j.CountByName()
	_assert(err == nil && counts["Login"] == 1 && counts["Disconnect"] == 1, "counts %v: %v", counts, err)
}

func TestReplayStops(t *testing.T) {
	reg, j, _ := open(t)
	for _, m := range messages(t, reg) {
		_ = j.Append("test", m)
	}
	stop := errors.New("stop")
	seen := 0
	err := j.Replay(reg, func(Entry) error {
		seen++
		return stop
	})
	_assert(errors.Is(err, stop) && seen == 1, "replay should stop at the first error")
}

func TestReplayUnknownOpcode(t *testing.T) {
	reg, j, _ := open(t)
	_, err := j.newSession().Raw(
		fmt.Sprintf("INSERT INTO %s (at, origin, opcode, name, frame) VALUES (?, ?, ?, ?, ?)", table),
		0, "test", 0xEEEE, "Bogus", []byte{0xEE, 0xEE},
	).Exec()
	if err != nil {
		t.Fatal(err)
	}
	err = j.Replay(reg, func(Entry) error { return nil })
	var pe *protocol.ProtocolError
	_assert(errors.As(err, &pe), "expected ProtocolError, got %v", err)
}

func TestObserver(t *testing.T) {
	reg, j, _ := open(t)
	r := router.New(router.WithObserver(j))
	for _, m := range messages(t, reg) {
		r.Dispatch(nil, m)
	}
	r.Close()
	r.Wait()
	n, _ := j.Count()
	_assert(n == 3, "observed %d messages", n)
}

func TestTruncateAndReopen(t *testing.T) {
	reg, j, path := open(t)
	for _, m := range messages(t, reg) {
		_ = j.Append("test", m)
	}
	removed, err := j.Truncate(2)
	_assert(err == nil && removed == 2, "removed %d: %v", removed, err)
	_ = j.Close()

	j2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()
	var names []string
	_ = j2.Replay(reg, func(e Entry) error {
		names = append(names, e.Message.Name())
		return nil
	})
	_assert(len(names) == 1 && names[0] == "Disconnect", "after truncate %v", names)
}
