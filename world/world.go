// Package world 保存按区块划分的方块数据，并提供从服务器按需获取区块的 Fetcher。
package world

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nukecoke1828/ponyca/protocol"
)

const (
	// ChunkSize 区块每条边上的方块数
	ChunkSize = 10
	// BlockSize 是 Block 结构体的线上字节数
	BlockSize = 4
	// ChunkBytes 一个区块的字节数
	ChunkBytes = ChunkSize * ChunkSize * ChunkSize * BlockSize
)

// ChunkID 区块坐标，等于方块坐标整除 ChunkSize
type ChunkID [3]int

// ChunkOf 返回方块所在的区块
func ChunkOf(c protocol.Coordinates) ChunkID {
	return ChunkID{int(c[0]) / ChunkSize, int(c[1]) / ChunkSize, int(c[2]) / ChunkSize}
}

// Origin 返回区块中坐标最小的方块
func (id ChunkID) Origin() protocol.Coordinates {
	return protocol.Coordinates{uint16(id[0] * ChunkSize), uint16(id[1] * ChunkSize), uint16(id[2] * ChunkSize)}
}

func (id ChunkID) String() string {
	return fmt.Sprintf("chunk(%d,%d,%d)", id[0], id[1], id[2])
}

// BlockIndex 返回方块在区块字节中的偏移
func BlockIndex(c protocol.Coordinates) int {
	x, y, z := int(c[0])%ChunkSize, int(c[1])%ChunkSize, int(c[2])%ChunkSize
	return ((x*ChunkSize+y)*ChunkSize + z) * BlockSize
}

// Generator 为缺失的区块生成数据，生成器负责调用 SetChunk
type Generator func(ctx context.Context, w *World, id ChunkID) ([]byte, error)

// World 是一个世界的全部已加载区块
type World struct {
	mu        sync.RWMutex
	chunks    map[ChunkID][]byte
	generator Generator
}

func New(generator Generator) *World {
	return &World{chunks: make(map[ChunkID][]byte), generator: generator}
}

// SetChunk 保存区块数据，长度必须为 ChunkBytes
func (w *World) SetChunk(id ChunkID, chunk []byte) error {
	if len(chunk) != ChunkBytes {
		return fmt.Errorf("world: %s has %d bytes, want %d", id, len(chunk), ChunkBytes)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chunks[id] = bytes.Clone(chunk)
	return nil
}

// HasChunk 报告区块是否已加载
func (w *World) HasChunk(id ChunkID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.chunks[id]
	return ok
}

// Chunk 返回区块数据的副本，区块未加载时调用生成器
func (w *World) Chunk(ctx context.Context, id ChunkID) ([]byte, error) {
	w.mu.RLock()
	chunk, ok := w.chunks[id]
	w.mu.RUnlock()
	if ok {
		return bytes.Clone(chunk), nil
	}
	if w.generator == nil {
		return nil, fmt.Errorf("world: %s not loaded and no generator", id)
	}
	return w.generator(ctx, w, id)
}

// SetBlock 修改一个方块。区块未加载时什么都不做并返回 false。
func (w *World) SetBlock(c protocol.Coordinates, block *protocol.Struct) (bool, error) {
	b, err := block.MarshalBinary()
	if err != nil {
		return false, err
	}
	if len(b) != BlockSize {
		return false, fmt.Errorf("world: block encodes to %d bytes, want %d", len(b), BlockSize)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	chunk, ok := w.chunks[ChunkOf(c)]
	if !ok {
		return false, nil
	}
	copy(chunk[BlockIndex(c):], b)
	return true, nil
}

// Block 返回方块的编码，必要时生成所在区块
func (w *World) Block(ctx context.Context, c protocol.Coordinates) ([]byte, error) {
	chunk, err := w.Chunk(ctx, ChunkOf(c))
	if err != nil {
		return nil, err
	}
	i := BlockIndex(c)
	return chunk[i : i+BlockSize], nil
}

// Blocks 返回已加载区块中所有非空气方块的坐标
func (w *World) Blocks() []protocol.Coordinates {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]ChunkID, 0, len(w.chunks))
	for id := range w.chunks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[2] < b[2]
	})
	var air [BlockSize]byte
	var coords []protocol.Coordinates
	for _, id := range ids {
		chunk, o := w.chunks[id], id.Origin()
		for x := 0; x < ChunkSize; x++ {
			for y := 0; y < ChunkSize; y++ {
				for z := 0; z < ChunkSize; z++ {
					c := protocol.Coordinates{o[0] + uint16(x), o[1] + uint16(y), o[2] + uint16(z)}
					i := BlockIndex(c)
					if !bytes.Equal(chunk[i:i+BlockSize], air[:]) {
						coords = append(coords, c)
					}
				}
			}
		}
	}
	return coords
}

// Len 返回已加载区块中的方块总数
func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.chunks) * ChunkSize * ChunkSize * ChunkSize
}

// NewFlatGenerator 返回一个生成平坦地形的生成器：y 区块为 0 时每列最底层是泥土，其余为空气
func NewFlatGenerator(reg *protocol.Registry) (Generator, error) {
	st, ok := reg.Struct("block")
	if !ok {
		return nil, fmt.Errorf("world: catalog has no block structure")
	}
	if n, fixed := st.Size(); !fixed || n != BlockSize {
		return nil, fmt.Errorf("world: block structure is not %d bytes", BlockSize)
	}
	encode := func(name string) ([]byte, error) {
		id, ok := reg.BlockType(name)
		if !ok {
			return nil, fmt.Errorf("world: catalog has no %q block type", name)
		}
		b, err := st.New(map[string]any{"blockType": id, "blockVariant": 0})
		if err != nil {
			return nil, err
		}
		return b.MarshalBinary()
	}
	air, err := encode("air")
	if err != nil {
		return nil, err
	}
	dirt, err := encode("dirt")
	if err != nil {
		return nil, err
	}
	airline := bytes.Repeat(air, ChunkSize)
	dirtline := bytes.Repeat(dirt, ChunkSize)
	ground := bytes.Repeat(append(bytes.Clone(dirtline), bytes.Repeat(airline, ChunkSize-1)...), ChunkSize)
	sky := bytes.Repeat(airline, ChunkSize*ChunkSize)

	return func(_ context.Context, w *World, id ChunkID) ([]byte, error) {
		chunk := sky
		if id[1] == 0 {
			chunk = ground
		}
		if err := w.SetChunk(id, chunk); err != nil {
			return nil, err
		}
		return bytes.Clone(chunk), nil
	}, nil
}
