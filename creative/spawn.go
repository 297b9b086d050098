package creative

import (
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/nukecoke1828/ponyca/protocol"
)

// ErrFull 所有 uint32 编号都已被占用
var ErrFull = errors.New("creative: no free id")

// SpawnList 按编号保存同一结构体类型的实例，新实例取最小的空闲编号（从 1 开始）
type SpawnList struct {
	typ   *protocol.StructType
	mu    sync.Mutex
	items map[uint32]*protocol.Struct
}

// NewSpawnList 结构体类型必须有一个名为 id 的字段
func NewSpawnList(typ *protocol.StructType) (*SpawnList, error) {
	for _, name := range typ.FieldNames() {
		if name == "id" {
			return &SpawnList{typ: typ, items: make(map[uint32]*protocol.Struct)}, nil
		}
	}
	return nil, errors.New("creative: " + typ.Name() + " has no id field")
}

// Spawn 分配编号并用其余字段构造实例，fields 中不需要也不应包含 id
func (l *SpawnList) Spawn(fields map[string]any) (*protocol.Struct, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := uint64(1); id <= math.MaxUint32; id++ {
		if _, ok := l.items[uint32(id)]; ok {
			continue
		}
		values := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			values[k] = v
		}
		values["id"] = uint32(id)
		s, err := l.typ.New(values)
		if err != nil {
			return nil, err
		}
		l.items[uint32(id)] = s
		return s, nil
	}
	return nil, ErrFull
}

func (l *SpawnList) Get(id uint32) (*protocol.Struct, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.items[id]
	return s, ok
}

// Remove 释放编号，之后可被重新分配
func (l *SpawnList) Remove(id uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.items[id]
	delete(l.items, id)
	return ok
}

// IDs 返回已分配的编号，升序
func (l *SpawnList) IDs() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]uint32, 0, len(l.items))
	for id := range l.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (l *SpawnList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
