package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Field 是结构体中的一个具名字段
type Field struct {
	Name string
	Type Type
}

// StructType 是目录中定义的一个结构体类型。
// 字段顺序即线上顺序。加载完成后不可变。
type StructType struct {
	name   string
	fields []Field
	index  map[string]int
}

func newStructType(name string, fields []Field) *StructType {
	st := &StructType{name: name, fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		st.index[f.Name] = i
	}
	return st
}

func (st *StructType) Name() string { return st.name }
func (st *StructType) Kind() Kind   { return KindStruct }

// Size 所有字段都定长时返回总字节数
func (st *StructType) Size() (int, bool) {
	total := 0
	for _, f := range st.fields {
		n, ok := f.Type.Size()
		if !ok {
			return 0, false
		}
		total += n
	}
	return total, true
}

// Fields 按线上顺序返回字段
func (st *StructType) Fields() []Field {
	return append([]Field(nil), st.fields...)
}

// FieldNames 按线上顺序返回字段名
func (st *StructType) FieldNames() []string {
	names := make([]string, len(st.fields))
	for i, f := range st.fields {
		names[i] = f.Name
	}
	return names
}

// New 用完整的字段集合构造实例，缺少或多出字段、值与字段类型不符都返回 ProtocolError
func (st *StructType) New(fields map[string]any) (*Struct, error) {
	var missing, extra []string
	for _, f := range st.fields {
		if _, ok := fields[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	for name := range fields {
		if _, ok := st.index[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(extra)
		return nil, protocolErrorf("%s: field set mismatch: missing %v, unexpected %v", st.name, missing, extra)
	}
	values := make([]any, len(st.fields))
	for i, f := range st.fields {
		v, err := f.Type.convert(fields[f.Name])
		if err != nil {
			return nil, wrapProtocolError(err, "%s.%s", st.name, f.Name)
		}
		values[i] = v
	}
	return &Struct{typ: st, values: values}, nil
}

// Decode 从 r 中按字段顺序读出一个实例（不含操作码）
func (st *StructType) Decode(r io.Reader) (*Struct, error) {
	values := make([]any, len(st.fields))
	for i, f := range st.fields {
		v, err := f.Type.decode(r)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				return nil, err
			}
			return nil, wrapProtocolError(unexpected(err), "decode %s.%s", st.name, f.Name)
		}
		values[i] = v
	}
	return &Struct{typ: st, values: values}, nil
}

// DecodeBytes 从 b 解码一个实例，b 必须恰好被消耗完
func (st *StructType) DecodeBytes(b []byte) (*Struct, error) {
	r := bytes.NewReader(b)
	s, err := st.Decode(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, protocolErrorf("%s: %d trailing bytes", st.name, r.Len())
	}
	return s, nil
}

func (st *StructType) encode(w io.Writer, v any) error {
	s, ok := v.(*Struct)
	if !ok || s == nil || s.typ != st {
		return protocolErrorf("cannot encode %T as %s", v, st.name)
	}
	return s.Encode(w)
}

func (st *StructType) decode(r io.Reader) (any, error) {
	return st.Decode(r)
}

func (st *StructType) convert(v any) (any, error) {
	switch s := v.(type) {
	case *Struct:
		if s != nil && s.typ == st {
			return s, nil
		}
	case *Message:
		if s != nil && s.typ == st {
			return s.Struct, nil
		}
	case map[string]any: // 允许嵌套结构体直接以字段表给出
		return st.New(s)
	}
	return nil, protocolErrorf("cannot use %T as %s", v, st.name)
}

// Struct 是一个结构体实例，构造后不可变
type Struct struct {
	typ    *StructType
	values []any
}

// Type 返回实例的结构体类型
func (s *Struct) Type() *StructType { return s.typ }

// Get 读取字段值，字段名不属于该类型时返回 ProtocolError
func (s *Struct) Get(name string) (any, error) {
	i, ok := s.typ.index[name]
	if !ok {
		return nil, protocolErrorf("%s has no field %q", s.typ.name, name)
	}
	return s.values[i], nil
}

// Values 返回字段名到值的映射副本
func (s *Struct) Values() map[string]any {
	m := make(map[string]any, len(s.values))
	for i, f := range s.typ.fields {
		m[f.Name] = s.values[i]
	}
	return m
}

// Encode 按字段顺序写出实例
func (s *Struct) Encode(w io.Writer) error {
	for i, f := range s.typ.fields {
		if err := f.Type.encode(w, s.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Struct) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Equal 类型相同且逐字段相等
func (s *Struct) Equal(o *Struct) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil || s.typ != o.typ {
		return false
	}
	for i := range s.values {
		if !valueEqual(s.values[i], o.values[i]) {
			return false
		}
	}
	return true
}

func (s *Struct) String() string {
	var b strings.Builder
	b.WriteString(s.typ.name)
	b.WriteByte('(')
	for i, f := range s.typ.fields {
		if i > 0 {
			b.WriteString(", ")
		}
		v := s.values[i]
		if str, ok := v.(string); ok {
			fmt.Fprintf(&b, "%s=%q", f.Name, str)
		} else {
			fmt.Fprintf(&b, "%s=%v", f.Name, v)
		}
	}
	b.WriteByte(')')
	return b.String()
}

func valueEqual(a, b any) bool {
	switch x := a.(type) {
	case *Struct:
		y, ok := b.(*Struct)
		return ok && x.Equal(y)
	case *List:
		y, ok := b.(*List)
		return ok && x.Equal(y)
	}
	return a == b
}

// Getter 由 *Struct 与 *Message 实现
type Getter interface {
	Get(name string) (any, error)
}

// Get 读取字段并断言为 T
//
//	id, err := protocol.Get[uint32](m, "clientId")
func Get[T any](s Getter, name string) (T, error) {
	var zero T
	v, err := s.Get(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, protocolErrorf("field %q is %T, not %T", name, v, zero)
	}
	return t, nil
}
