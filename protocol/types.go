package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"reflect"
)

// Kind 区分类型描述符的种类
type Kind int

const (
	KindPrimitive Kind = iota // 定长数值/布尔/复合定长
	KindString                // u16 长度 + 字节
	KindList                  // u16 长度 + 未解析区域
	KindStruct                // 结构体（包括操作码）
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindStruct:
		return "struct"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Coordinates 方块坐标，线上格式为 3 个 uint16
type Coordinates [3]uint16

// Position 实体位置，线上格式为 3 个 float64
type Position [3]float64

// Direction 实体朝向，线上格式为 2 个 uint16
type Direction [2]uint16

// Type 是目录中一个类型名解析后的描述符。
// 别名与其目标共享同一个描述符。
type Type interface {
	Name() string
	Kind() Kind
	// Size 返回定长类型的线上字节数，变长类型返回 (0, false)
	Size() (int, bool)

	encode(w io.Writer, v any) error
	decode(r io.Reader) (any, error)
	// convert 把构造时传入的 Go 值规整为该类型的规范 Go 值
	convert(v any) (any, error)
}

var le = binary.LittleEndian

// primitive 定长类型
type primitive struct {
	name string
	size int
	typ  reflect.Type // 规范 Go 类型
	put  func(b []byte, v any) bool
	get  func(b []byte) any
}

func fixed[T any](name string, size int, put func([]byte, T), get func([]byte) T) *primitive {
	return &primitive{
		name: name,
		size: size,
		typ:  reflect.TypeFor[T](),
		put: func(b []byte, v any) bool {
			x, ok := v.(T)
			if ok {
				put(b, x)
			}
			return ok
		},
		get: func(b []byte) any { return get(b) },
	}
}

func (p *primitive) Name() string      { return p.name }
func (p *primitive) Kind() Kind        { return KindPrimitive }
func (p *primitive) Size() (int, bool) { return p.size, true }

func (p *primitive) encode(w io.Writer, v any) error {
	var buf [24]byte
	b := buf[:p.size]
	if !p.put(b, v) {
		return protocolErrorf("cannot encode %T as %s", v, p.name)
	}
	_, err := w.Write(b)
	return err
}

func (p *primitive) decode(r io.Reader) (any, error) {
	var buf [24]byte
	b := buf[:p.size]
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return p.get(b), nil
}

func (p *primitive) convert(v any) (any, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, protocolErrorf("nil value for %s", p.name)
	}
	if rv.Type() == p.typ {
		return v, nil
	}
	target := reflect.New(p.typ).Elem()
	switch p.typ.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch {
		case rv.CanInt():
			if target.OverflowInt(rv.Int()) {
				return nil, protocolErrorf("value %v overflows %s", v, p.name)
			}
			target.SetInt(rv.Int())
		case rv.CanUint():
			u := rv.Uint()
			if u > math.MaxInt64 || target.OverflowInt(int64(u)) {
				return nil, protocolErrorf("value %v overflows %s", v, p.name)
			}
			target.SetInt(int64(u))
		default:
			return nil, protocolErrorf("cannot use %T as %s", v, p.name)
		}
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch {
		case rv.CanUint():
			if target.OverflowUint(rv.Uint()) {
				return nil, protocolErrorf("value %v overflows %s", v, p.name)
			}
			target.SetUint(rv.Uint())
		case rv.CanInt():
			i := rv.Int()
			if i < 0 || target.OverflowUint(uint64(i)) {
				return nil, protocolErrorf("value %v overflows %s", v, p.name)
			}
			target.SetUint(uint64(i))
		default:
			return nil, protocolErrorf("cannot use %T as %s", v, p.name)
		}
	case reflect.Float32, reflect.Float64:
		switch {
		case rv.CanFloat():
			if target.OverflowFloat(rv.Float()) {
				return nil, protocolErrorf("value %v overflows %s", v, p.name)
			}
			target.SetFloat(rv.Float())
		case rv.CanInt():
			target.SetFloat(float64(rv.Int()))
		case rv.CanUint():
			target.SetFloat(float64(rv.Uint()))
		default:
			return nil, protocolErrorf("cannot use %T as %s", v, p.name)
		}
	default: // bool 与定长数组只接受同种类的可转换值
		if rv.Kind() != p.typ.Kind() || !rv.Type().ConvertibleTo(p.typ) {
			return nil, protocolErrorf("cannot use %T as %s", v, p.name)
		}
		target.Set(rv.Convert(p.typ))
	}
	return target.Interface(), nil
}

// stringType u16 字节长度前缀的字符串
type stringType struct{}

func (stringType) Name() string      { return "string" }
func (stringType) Kind() Kind        { return KindString }
func (stringType) Size() (int, bool) { return 0, false }

func (stringType) encode(w io.Writer, v any) error {
	s, ok := v.(string)
	if !ok {
		return protocolErrorf("cannot encode %T as string", v)
	}
	if len(s) > math.MaxUint16 {
		return protocolErrorf("string of %d bytes exceeds %d", len(s), math.MaxUint16)
	}
	b := make([]byte, 2+len(s))
	le.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	_, err := w.Write(b)
	return err
}

func (stringType) decode(r io.Reader) (any, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	b := make([]byte, le.Uint16(head[:]))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, unexpected(err)
	}
	return string(b), nil
}

func (stringType) convert(v any) (any, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	}
	return nil, protocolErrorf("cannot use %T as string", v)
}

// listType 未类型化列表，解码时只截取区域
type listType struct{}

func (listType) Name() string      { return "list" }
func (listType) Kind() Kind        { return KindList }
func (listType) Size() (int, bool) { return 0, false }

func (listType) encode(w io.Writer, v any) error {
	l, ok := v.(*List)
	if !ok || l == nil {
		return protocolErrorf("cannot encode %T as list", v)
	}
	return l.encode(w)
}

func (listType) decode(r io.Reader) (any, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	raw := make([]byte, le.Uint16(head[:]))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, unexpected(err)
	}
	return &List{raw: raw}, nil
}

func (listType) convert(v any) (any, error) {
	l, ok := v.(*List)
	if !ok || l == nil {
		return nil, protocolErrorf("cannot use %T as list", v)
	}
	return l, nil
}

// unexpected 把读到一半遇到的 io.EOF 变成 io.ErrUnexpectedEOF
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// primitives 返回一组新的内置类型，每个 Registry 各持一份
func primitives() []Type {
	return []Type{
		fixed("int8", 1, func(b []byte, v int8) { b[0] = byte(v) }, func(b []byte) int8 { return int8(b[0]) }),
		fixed("uint8", 1, func(b []byte, v uint8) { b[0] = v }, func(b []byte) uint8 { return b[0] }),
		fixed("bool", 1, func(b []byte, v bool) {
			if v {
				b[0] = 1
			} else {
				b[0] = 0
			}
		}, func(b []byte) bool { return b[0] != 0 }),
		fixed("int16", 2, func(b []byte, v int16) { le.PutUint16(b, uint16(v)) }, func(b []byte) int16 { return int16(le.Uint16(b)) }),
		fixed("uint16", 2, le.PutUint16, le.Uint16),
		fixed("int32", 4, func(b []byte, v int32) { le.PutUint32(b, uint32(v)) }, func(b []byte) int32 { return int32(le.Uint32(b)) }),
		fixed("uint32", 4, le.PutUint32, le.Uint32),
		fixed("int64", 8, func(b []byte, v int64) { le.PutUint64(b, uint64(v)) }, func(b []byte) int64 { return int64(le.Uint64(b)) }),
		fixed("uint64", 8, le.PutUint64, le.Uint64),
		fixed("float32", 4, func(b []byte, v float32) { le.PutUint32(b, math.Float32bits(v)) }, func(b []byte) float32 { return math.Float32frombits(le.Uint32(b)) }),
		fixed("float64", 8, func(b []byte, v float64) { le.PutUint64(b, math.Float64bits(v)) }, func(b []byte) float64 { return math.Float64frombits(le.Uint64(b)) }),
		fixed("coordinates", 6, func(b []byte, v Coordinates) {
			for i, c := range v {
				le.PutUint16(b[2*i:], c)
			}
		}, func(b []byte) (c Coordinates) {
			for i := range c {
				c[i] = le.Uint16(b[2*i:])
			}
			return
		}),
		fixed("position", 24, func(b []byte, v Position) {
			for i, f := range v {
				le.PutUint64(b[8*i:], math.Float64bits(f))
			}
		}, func(b []byte) (p Position) {
			for i := range p {
				p[i] = math.Float64frombits(le.Uint64(b[8*i:]))
			}
			return
		}),
		fixed("direction", 4, func(b []byte, v Direction) {
			le.PutUint16(b, v[0])
			le.PutUint16(b[2:], v[1])
		}, func(b []byte) Direction { return Direction{le.Uint16(b), le.Uint16(b[2:])} }),
		stringType{},
		listType{},
	}
}
