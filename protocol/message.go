package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// Opcode 是带有唯一数字 id 的结构体类型，对应一种线上消息
type Opcode struct {
	*StructType
	id uint16
}

// ID 返回操作码
func (op *Opcode) ID() uint16 { return op.id }

// New 用完整的字段集合构造一条消息
func (op *Opcode) New(fields map[string]any) (*Message, error) {
	s, err := op.StructType.New(fields)
	if err != nil {
		return nil, err
	}
	return &Message{Struct: s, op: op}, nil
}

// DecodeBody 读取操作码之后的字段部分
func (op *Opcode) DecodeBody(r io.Reader) (*Message, error) {
	s, err := op.StructType.Decode(r)
	if err != nil {
		return nil, err
	}
	return &Message{Struct: s, op: op}, nil
}

func (op *Opcode) String() string {
	return fmt.Sprintf("%s(0x%04X)", op.name, op.id)
}

// Message 是一条完整的线上消息：操作码加字段
type Message struct {
	*Struct
	op *Opcode
}

func (m *Message) Opcode() *Opcode { return m.op }
func (m *Message) ID() uint16      { return m.op.id }

// Name 返回消息名，路由依据它查找 On<Name> 处理函数
func (m *Message) Name() string { return m.op.name }

// Encode 写出 u16 操作码，再写出字段
func (m *Message) Encode(w io.Writer) error {
	var head [2]byte
	le.PutUint16(head[:], m.op.id)
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	return m.Struct.Encode(w)
}

func (m *Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Equal 操作码相同且逐字段相等
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.op == o.op && m.Struct.Equal(o.Struct)
}

// Write 把消息编码后一次写入 w
func Write(w io.Writer, m *Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Read 从 r 读取一条消息。
// 在消息边界上遇到流结束时返回 io.EOF；未知操作码返回 ProtocolError，
// 此时只消耗了 2 个字节。
func (reg *Registry) Read(r io.Reader) (*Message, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, wrapProtocolError(err, "read opcode")
	}
	id := le.Uint16(head[:])
	op, ok := reg.opcodes[id]
	if !ok {
		return nil, protocolErrorf("unknown opcode 0x%04X", id)
	}
	return op.DecodeBody(r)
}

// ReadBytes 从 b 解码恰好一条消息
func (reg *Registry) ReadBytes(b []byte) (*Message, error) {
	r := bytes.NewReader(b)
	m, err := reg.Read(r)
	if err == io.EOF {
		return nil, wrapProtocolError(io.ErrUnexpectedEOF, "empty message")
	}
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, protocolErrorf("%s: %d trailing bytes", m.Name(), r.Len())
	}
	return m, nil
}

// NewMessage 按名称查找操作码并构造消息
func (reg *Registry) NewMessage(name string, fields map[string]any) (*Message, error) {
	op, ok := reg.OpcodeByName(name)
	if !ok {
		return nil, protocolErrorf("unknown message %q", name)
	}
	return op.New(fields)
}
