package protocol

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Version 是目录描述的协议版本
type Version struct {
	Major uint16 `yaml:"major"`
	Minor uint16 `yaml:"minor"`
}

// Registry 保存从目录加载的全部类型与操作码，加载后只读，可并发使用
type Registry struct {
	types      map[string]Type // 内置类型、别名、结构体（目录名与导出名）
	structs    []*StructType
	opcodes    map[uint16]*Opcode
	byName     map[string]*Opcode
	ordered    []*Opcode
	version    Version
	blockTypes []string
}

// catalog 目录文件的顶层结构
type catalog struct {
	Version    Version                          `yaml:"version"`
	BlockTypes []string                         `yaml:"blocktypes"`
	Aliases    map[string]string                `yaml:"aliases"`
	Structures []map[string][]map[string]string `yaml:"structures"`
	Opcodes    []map[string]opcodeEntry         `yaml:"opcodes"`
}

type opcodeEntry struct {
	Name   string              `yaml:"name"`
	Fields []map[string]string `yaml:"fields"`
}

// Load 解析目录文档并构建 Registry，任何目录错误都以 SchemaError 返回
func Load(r io.Reader) (*Registry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc catalog
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schemaErrorf("", "empty catalog")
		}
		return nil, schemaErrorf("", "malformed catalog: %v", err)
	}
	l := &loader{
		reg: &Registry{
			types:   make(map[string]Type),
			opcodes: make(map[uint16]*Opcode),
			byName:  make(map[string]*Opcode),
			version: doc.Version,
		},
		aliases: doc.Aliases,
	}
	if err := l.load(&doc); err != nil {
		return nil, err
	}
	return l.reg, nil
}

// LoadFile 从文件加载目录
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, schemaErrorf(path, "open catalog: %v", err)
	}
	defer f.Close()
	return Load(f)
}

// LoadDefault 加载内嵌的默认目录
func LoadDefault() (*Registry, error) {
	return Load(bytes.NewReader(defaultCatalog))
}

type loader struct {
	reg       *Registry
	aliases   map[string]string
	resolving map[string]bool
}

func (l *loader) load(doc *catalog) error {
	for _, t := range primitives() {
		l.reg.types[t.Name()] = t
	}
	seen := make(map[string]bool)
	for i, name := range doc.BlockTypes {
		if name == "" {
			return schemaErrorf("blocktypes", "empty name at index %d", i)
		}
		if seen[name] {
			return schemaErrorf("blocktypes", "duplicate block type %q", name)
		}
		seen[name] = true
	}
	l.reg.blockTypes = doc.BlockTypes
	for alt := range l.aliases {
		if _, ok := l.reg.types[alt]; ok {
			return schemaErrorf(alt, "alias shadows a builtin type")
		}
	}

	for _, entry := range doc.Structures {
		if len(entry) != 1 {
			return schemaErrorf("structures", "each entry must define exactly one structure, got %d", len(entry))
		}
		for name, fields := range entry {
			st, err := l.structType(name, fields)
			if err != nil {
				return err
			}
			l.reg.structs = append(l.reg.structs, st)
		}
	}

	for _, entry := range doc.Opcodes {
		if len(entry) != 1 {
			return schemaErrorf("opcodes", "each entry must define exactly one opcode, got %d", len(entry))
		}
		for key, def := range entry {
			id, err := strconv.ParseUint(key, 0, 16)
			if err != nil {
				return schemaErrorf(key, "bad opcode id: %v", err)
			}
			if prev, ok := l.reg.opcodes[uint16(id)]; ok {
				return schemaErrorf(key, "duplicate opcode id, already used by %s", prev.name)
			}
			st, err := l.structType(def.Name, def.Fields)
			if err != nil {
				return err
			}
			op := &Opcode{StructType: st, id: uint16(id)}
			l.reg.opcodes[op.id] = op
			l.reg.byName[st.name] = op
			l.reg.ordered = append(l.reg.ordered, op)
		}
	}

	// 没有被引用的别名也必须可解析
	for alt := range l.aliases {
		if _, err := l.resolve(alt); err != nil {
			return err
		}
	}
	return nil
}

// structType 构建一个结构体类型并以目录名和导出名注册
func (l *loader) structType(name string, fields []map[string]string) (*StructType, error) {
	if name == "" {
		return nil, schemaErrorf("", "structure without a name")
	}
	exported := upFirst(name)
	for _, n := range []string{name, exported} {
		if _, ok := l.reg.types[n]; ok {
			return nil, schemaErrorf(name, "duplicate name %q", n)
		}
		if _, ok := l.aliases[n]; ok {
			return nil, schemaErrorf(name, "name %q collides with an alias", n)
		}
	}
	list := make([]Field, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) != 1 {
			return nil, schemaErrorf(name, "each field entry must have exactly one name, got %d", len(f))
		}
		for fname, tname := range f {
			if fname == "" {
				return nil, schemaErrorf(name, "field without a name")
			}
			if seen[fname] {
				return nil, schemaErrorf(name, "duplicate field %q", fname)
			}
			seen[fname] = true
			t, err := l.resolve(tname)
			if err != nil {
				return nil, schemaErrorf(name, "field %q: %v", fname, err)
			}
			list = append(list, Field{Name: fname, Type: t})
		}
	}
	st := newStructType(exported, list)
	l.reg.types[name] = st
	l.reg.types[exported] = st
	return st, nil
}

// resolve 把类型名解析为描述符，别名解析后缓存到 types 中
func (l *loader) resolve(name string) (Type, error) {
	if t, ok := l.reg.types[name]; ok {
		return t, nil
	}
	target, ok := l.aliases[name]
	if !ok {
		return nil, schemaErrorf(name, "unknown type")
	}
	if l.resolving == nil {
		l.resolving = make(map[string]bool)
	}
	if l.resolving[name] {
		return nil, schemaErrorf(name, "cyclic alias")
	}
	l.resolving[name] = true
	defer delete(l.resolving, name)
	t, err := l.resolve(target)
	if err != nil {
		return nil, err
	}
	l.reg.types[name] = t
	return t, nil
}

func upFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[n:]
}

// Type 按名称查找类型（内置类型、别名或结构体）
func (reg *Registry) Type(name string) (Type, bool) {
	t, ok := reg.types[name]
	return t, ok
}

// Struct 按名称查找结构体类型，操作码同样可以查到
func (reg *Registry) Struct(name string) (*StructType, bool) {
	if op, ok := reg.OpcodeByName(name); ok {
		return op.StructType, true
	}
	st, ok := reg.types[name].(*StructType)
	return st, ok
}

// Opcode 按 id 查找操作码
func (reg *Registry) Opcode(id uint16) (*Opcode, bool) {
	op, ok := reg.opcodes[id]
	return op, ok
}

// OpcodeByName 按名称查找操作码，接受目录名（connect）与导出名（Connect）
func (reg *Registry) OpcodeByName(name string) (*Opcode, bool) {
	if name == "" {
		return nil, false
	}
	op, ok := reg.byName[upFirst(name)]
	return op, ok
}

// Opcodes 按目录顺序返回所有操作码
func (reg *Registry) Opcodes() []*Opcode {
	return append([]*Opcode(nil), reg.ordered...)
}

// Structs 按目录顺序返回所有普通结构体（不含操作码）
func (reg *Registry) Structs() []*StructType {
	return append([]*StructType(nil), reg.structs...)
}

func (reg *Registry) Version() Version { return reg.version }

// BlockType 返回方块类型名对应的 id
func (reg *Registry) BlockType(name string) (uint16, bool) {
	for i, n := range reg.blockTypes {
		if strings.EqualFold(n, name) {
			return uint16(i), true
		}
	}
	return 0, false
}

// BlockTypeName 返回方块类型 id 对应的名称
func (reg *Registry) BlockTypeName(id uint16) (string, bool) {
	if int(id) >= len(reg.blockTypes) {
		return "", false
	}
	return reg.blockTypes[id], true
}
