package world

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/protocol"
	"github.com/nukecoke1828/ponyca/router"
	"github.com/nukecoke1828/ponyca/world/lru"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultCacheBytes   = 256 * ChunkBytes
)

// ErrFetchTimeout 在超时时间内没有收到服务器的 ChunkUpdate
var ErrFetchTimeout = errors.New("world: chunk fetch timed out")

type requestState int

const (
	statePending   requestState = iota // 已发出 ChunkRequest，等待响应
	stateSatisfied                     // 已收到 ChunkUpdate，等待取走
	stateConsumed                      // 结果已移入缓存
)

// request 是一次区块请求的关联条目，只在 Fetcher 内部存在，受 Fetcher.mu 保护
type request struct {
	id      ChunkID
	state   requestState
	chunk   []byte
	err     error
	waiters int
	done    chan struct{} // 状态离开 statePending 时关闭
}

type chunkBytes []byte

func (c chunkBytes) Len() int { return len(c) }

// Fetcher 把基于推送的 ChunkRequest/ChunkUpdate 交换变成阻塞调用。
// 它作为回调注册在客户端一侧，以接收 OnChunkUpdate。
type Fetcher struct {
	reg     *protocol.Registry
	server  router.Endpoint
	client  router.Peer // 由 NewFetchGenerator 设置，Close 时注销
	timeout time.Duration

	mu      sync.Mutex
	pending map[ChunkID]*request
	cache   *lru.Cache[ChunkID, chunkBytes]
}

// FetchOption 配置 Fetcher
type FetchOption func(*Fetcher)

// WithFetchTimeout 设置等待 ChunkUpdate 的最长时间
func WithFetchTimeout(d time.Duration) FetchOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithCacheBytes 设置区块缓存的容量
func WithCacheBytes(n int64) FetchOption {
	return func(f *Fetcher) {
		f.cache = lru.New[ChunkID, chunkBytes](n, nil)
	}
}

func NewFetcher(reg *protocol.Registry, server router.Endpoint, opts ...FetchOption) (*Fetcher, error) {
	if _, ok := reg.OpcodeByName("chunkRequest"); !ok {
		return nil, errors.New("world: catalog has no ChunkRequest opcode")
	}
	f := &Fetcher{
		reg:     reg,
		server:  server,
		timeout: DefaultFetchTimeout,
		pending: make(map[ChunkID]*request),
		cache:   lru.New[ChunkID, chunkBytes](DefaultCacheBytes, nil),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Get 返回区块数据。缓存命中直接返回；同一区块已有请求在途时加入等待，不再发送请求；
// 否则发送 ChunkRequest 并等待，最长等待 ctx 与超时时间中较早的一个。
func (f *Fetcher) Get(ctx context.Context, id ChunkID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	if c, ok := f.cache.Get(id); ok {
		f.mu.Unlock()
		return bytes.Clone(c), nil
	}
	req, joined := f.pending[id]
	if !joined {
		req = &request{id: id, state: statePending, done: make(chan struct{})}
		f.pending[id] = req
	}
	req.waiters++
	f.mu.Unlock()

	if !joined {
		if err := f.request(id); err != nil {
			f.mu.Lock()
			f.fail(req, err)
			f.mu.Unlock()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	select {
	case <-req.done:
	case <-ctx.Done():
		f.mu.Lock()
		defer f.mu.Unlock()
		req.waiters--
		if req.state != statePending { // 超时与响应同时发生，以响应为准
			return f.consume(req)
		}
		if req.waiters == 0 && f.pending[id] == req {
			delete(f.pending, id)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrFetchTimeout, id)
		}
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	req.waiters--
	return f.consume(req)
}

func (f *Fetcher) request(id ChunkID) error {
	m, err := f.reg.NewMessage("chunkRequest", map[string]any{"coordinates": id.Origin()})
	if err != nil {
		return err
	}
	return f.server.Send(m)
}

// fail 调用方需持有 f.mu
func (f *Fetcher) fail(req *request, err error) {
	if req.state != statePending {
		return
	}
	req.err = err
	req.state = stateConsumed
	if f.pending[req.id] == req {
		delete(f.pending, req.id)
	}
	close(req.done)
}

// consume 第一个醒来的等待者把结果移入缓存并删除条目，调用方需持有 f.mu
func (f *Fetcher) consume(req *request) ([]byte, error) {
	if req.err != nil {
		return nil, req.err
	}
	if req.state == stateSatisfied {
		f.cache.Add(req.id, chunkBytes(req.chunk))
		req.state = stateConsumed
		if f.pending[req.id] == req {
			delete(f.pending, req.id)
		}
	}
	return bytes.Clone(req.chunk), nil
}

// OnChunkUpdate 接收服务器推送的区块。没有对应的在途请求时忽略，长度不对时返回错误。
func (f *Fetcher) OnChunkUpdate(origin router.Endpoint, m *protocol.Message) error {
	coords, err := protocol.Get[protocol.Coordinates](m, "coordinates")
	if err != nil {
		return err
	}
	list, err := protocol.Get[*protocol.List](m, "chunk")
	if err != nil {
		return err
	}
	chunk, err := list.Raw()
	if err != nil {
		return err
	}
	id := ChunkOf(coords)
	if len(chunk) != ChunkBytes { // 条目保持等待，直到收到正确的区块或超时
		return fmt.Errorf("world: update for %s has %d bytes, want %d", id, len(chunk), ChunkBytes)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.pending[id]
	if !ok || req.state != statePending {
		log.Debugf("world: ignore unsolicited update for %s", id)
		return nil
	}
	req.chunk = chunk
	req.state = stateSatisfied
	close(req.done)
	return nil
}

// Cached 报告区块是否在缓存中
func (f *Fetcher) Cached(id ChunkID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.Contains(id)
}

// Pending 返回在途请求的数量
func (f *Fetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Generator 返回一个通过 Get 获取区块并写入世界的生成器
func (f *Fetcher) Generator() Generator {
	return func(ctx context.Context, w *World, id ChunkID) ([]byte, error) {
		chunk, err := f.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := w.SetChunk(id, chunk); err != nil {
			return nil, err
		}
		return chunk, nil
	}
}

// Close 把 Fetcher 从客户端注销
func (f *Fetcher) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.RemoveCallback(f)
}

// NewFetchGenerator 创建 Fetcher，把它注册到 client 上接收 ChunkUpdate，
// 并返回基于它的生成器。server 是发送 ChunkRequest 的目标。
func NewFetchGenerator(reg *protocol.Registry, client router.Peer, server router.Endpoint, opts ...FetchOption) (Generator, *Fetcher, error) {
	f, err := NewFetcher(reg, server, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := client.AddCallback(f); err != nil {
		return nil, nil, err
	}
	f.client = client
	return f.Generator(), f, nil
}
