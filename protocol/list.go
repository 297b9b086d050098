package protocol

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
)

// List 是线上的 list 字段。解码得到的列表只持有截取的原始区域，
// 由处理函数调用 SetItemType 声明元素类型后才能读取元素。
// 类型化只能发生一次，之后对所有持有者可见。
type List struct {
	mu    sync.Mutex
	raw   []byte // 解码时截取的区域，类型化之后保留用于比较
	elem  Type   // nil 表示尚未类型化
	items []any
}

// NewList 用给定元素类型构造一个已类型化的列表
func NewList(elem Type, items ...any) (*List, error) {
	if elem == nil {
		return nil, protocolErrorf("list element type is nil")
	}
	l := &List{elem: elem, items: make([]any, len(items))}
	for i, item := range items {
		v, err := elem.convert(item)
		if err != nil {
			return nil, wrapProtocolError(err, "list item %d", i)
		}
		l.items[i] = v
	}
	return l, nil
}

// RawList 用一段已编码的元素区域构造一个未类型化的列表，b 会被复制
func RawList(b []byte) *List {
	return &List{raw: bytes.Clone(b)}
}

// Typed 报告列表是否已经声明了元素类型
func (l *List) Typed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.elem != nil
}

// ItemType 返回元素类型，未类型化时为 nil
func (l *List) ItemType() Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.elem
}

// SetItemType 按元素类型解析截取的区域。
// 以相同类型重复声明不做任何事；以不同类型重新声明返回 ProtocolError。
// 区域末尾残留不完整的元素时返回 ProtocolError，列表保持未类型化。
func (l *List) SetItemType(t Type) error {
	if t == nil {
		return protocolErrorf("list element type is nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.elem != nil {
		if l.elem == t {
			return nil
		}
		return protocolErrorf("list already typed as %s, cannot retype as %s", l.elem.Name(), t.Name())
	}
	r := bytes.NewReader(l.raw)
	var items []any
	for r.Len() > 0 {
		v, err := t.decode(r)
		if err != nil {
			return wrapProtocolError(unexpected(err), "list item %d of %s", len(items), t.Name())
		}
		items = append(items, v)
	}
	l.elem, l.items = t, items
	return nil
}

// Items 返回元素的副本，未类型化时返回 ProtocolError
func (l *List) Items() ([]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.elem == nil {
		return nil, protocolErrorf("list item type not set")
	}
	return append([]any(nil), l.items...), nil
}

// Len 返回元素个数，未类型化时第二个返回值为 false
func (l *List) Len() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.elem == nil {
		return 0, false
	}
	return len(l.items), true
}

// Raw 返回元素区域的编码（不含长度前缀）
func (l *List) Raw() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.payload()
}

// payload 调用方需持有 l.mu
func (l *List) payload() ([]byte, error) {
	if l.elem == nil {
		return bytes.Clone(l.raw), nil
	}
	var buf bytes.Buffer
	for i, item := range l.items {
		if err := l.elem.encode(&buf, item); err != nil {
			return nil, wrapProtocolError(err, "list item %d", i)
		}
	}
	return buf.Bytes(), nil
}

func (l *List) encode(w io.Writer) error {
	l.mu.Lock()
	b, err := l.payload()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if len(b) > math.MaxUint16 {
		return protocolErrorf("list of %d bytes exceeds %d", len(b), math.MaxUint16)
	}
	var head [2]byte
	le.PutUint16(head[:], uint16(len(b)))
	if _, err = w.Write(head[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Equal 两边都已类型化时逐元素比较，否则比较编码后的区域
func (l *List) Equal(o *List) bool {
	if l == o {
		return true
	}
	if l == nil || o == nil {
		return false
	}
	la, oa := l.snapshot(), o.snapshot()
	if la.elem != nil && oa.elem != nil {
		if la.elem != oa.elem || len(la.items) != len(oa.items) {
			return false
		}
		for i := range la.items {
			if !valueEqual(la.items[i], oa.items[i]) {
				return false
			}
		}
		return true
	}
	lb, err1 := l.Raw()
	ob, err2 := o.Raw()
	return err1 == nil && err2 == nil && bytes.Equal(lb, ob)
}

type listSnapshot struct {
	elem  Type
	items []any
}

func (l *List) snapshot() listSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return listSnapshot{elem: l.elem, items: l.items}
}

func (l *List) String() string {
	s := l.snapshot()
	if s.elem == nil {
		raw, _ := l.Raw()
		return fmt.Sprintf("list(%d bytes)", len(raw))
	}
	parts := make([]string, len(s.items))
	for i, item := range s.items {
		parts[i] = fmt.Sprint(item)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
