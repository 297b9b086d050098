// Package router 把解码后的消息分发给感兴趣的回调对象。
// 回调对象通过导出方法 On<消息名> 声明自己处理哪些消息：
//
//	func (t *T) OnLogin(origin router.Endpoint, m *protocol.Message)
//	func (t *T) OnLogin(origin router.Endpoint, m *protocol.Message) error
package router

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/protocol"
	"golang.org/x/sync/semaphore"
)

// DefaultWorkers 是同时运行的处理函数数量上限
const DefaultWorkers = 64

var (
	ErrClosed            = errors.New("router: connection closed")
	ErrDuplicateCallback = errors.New("router: callback already registered")
	ErrUnknownCallback   = errors.New("router: callback not registered")
)

// Endpoint 表示连接的另一端：客户端眼中的服务器，或服务器眼中的某个客户端
type Endpoint interface {
	Send(m *protocol.Message) error
	// CloseConnection 关闭连接，对该端点是致命的
	CloseConnection(reason string) error
}

// Peer 是可以注册回调的端点
type Peer interface {
	Endpoint
	AddCallback(cb any) error
	RemoveCallback(cb any) error
}

// Handshaker 由需要在客户端接入时主动发消息的回调实现
type Handshaker interface {
	DoHandshake(client Endpoint) error
}

// Disconnecter 由需要在客户端连接结束时释放状态的回调实现。
// 连接无论是正常断开、出错还是被本端关闭都会调用一次。
type Disconnecter interface {
	ClientClosed(client Endpoint)
}

// Observer 在消息分发给处理函数之前同步地看到每一条消息
type Observer interface {
	Observe(origin Endpoint, m *protocol.Message)
}

var (
	typeOfEndpoint = reflect.TypeOf((*Endpoint)(nil)).Elem()
	typeOfMessage  = reflect.TypeOf((*protocol.Message)(nil))
	typeOfError    = reflect.TypeOf((*error)(nil)).Elem()
)

// handlerType 描述一个 On<Name> 处理函数
type handlerType struct {
	method    reflect.Method
	returnErr bool   // 是否返回 error
	numCalls  uint64 // 调用次数（原子计数）
}

func (h *handlerType) NumCalls() uint64 {
	return atomic.LoadUint64(&h.numCalls)
}

// callback 一个已注册的回调对象
type callback struct {
	name    string
	value   any
	rcvr    reflect.Value
	handler map[string]*handlerType // key 为消息名（去掉 On 前缀）
}

func newCallback(cb any) (*callback, error) {
	if cb == nil {
		return nil, errors.New("router: nil callback")
	}
	typ := reflect.TypeOf(cb)
	if !typ.Comparable() {
		return nil, fmt.Errorf("router: callback %s is not comparable", typ)
	}
	c := &callback{
		name:    reflect.Indirect(reflect.ValueOf(cb)).Type().Name(),
		value:   cb,
		rcvr:    reflect.ValueOf(cb),
		handler: make(map[string]*handlerType),
	}
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mtype := method.Type
		if !strings.HasPrefix(method.Name, "On") || len(method.Name) == 2 {
			continue
		}
		// func (t *T) OnName(origin Endpoint, m *protocol.Message) [error]
		if mtype.NumIn() != 3 || mtype.In(1) != typeOfEndpoint || mtype.In(2) != typeOfMessage {
			continue
		}
		if mtype.NumOut() > 1 || (mtype.NumOut() == 1 && mtype.Out(0) != typeOfError) {
			continue
		}
		name := method.Name[2:]
		if !ast.IsExported(name) {
			continue
		}
		c.handler[name] = &handlerType{method: method, returnErr: mtype.NumOut() == 1}
		log.Debugf("router: register %s.%s", c.name, method.Name)
	}
	return c, nil
}

func (c *callback) call(h *handlerType, origin Endpoint, m *protocol.Message) error {
	atomic.AddUint64(&h.numCalls, 1)
	var originv reflect.Value
	if origin == nil {
		originv = reflect.Zero(typeOfEndpoint)
	} else {
		originv = reflect.ValueOf(&origin).Elem()
	}
	out := h.method.Func.Call([]reflect.Value{c.rcvr, originv, reflect.ValueOf(m)})
	if h.returnErr {
		if err := out[0].Interface(); err != nil {
			return err.(error)
		}
	}
	return nil
}

// Option 配置 Router
type Option func(*Router)

// WithWorkers 设置同时运行的处理函数数量上限
func WithWorkers(n int64) Option {
	return func(r *Router) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithObserver 添加一个观察者
func WithObserver(o Observer) Option {
	return func(r *Router) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// Router 持有一组回调对象，把每条消息扇出给所有声明了对应处理函数的回调。
// 每次调用在独立的 goroutine 中运行，处理函数之间没有顺序保证。
type Router struct {
	mu        sync.RWMutex
	callbacks []*callback
	observers []Observer
	workers   int64
	sem       *semaphore.Weighted
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(opts ...Option) *Router {
	r := &Router{workers: DefaultWorkers}
	for _, opt := range opts {
		opt(r)
	}
	r.sem = semaphore.NewWeighted(r.workers)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// AddCallback 注册回调对象，同一个对象不能注册两次
func (r *Router) AddCallback(cb any) error {
	c, err := newCallback(cb)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, old := range r.callbacks {
		if old.value == cb {
			return fmt.Errorf("%w: %s", ErrDuplicateCallback, c.name)
		}
	}
	r.callbacks = append(r.callbacks, c)
	return nil
}

// RemoveCallback 注销回调对象，对象未注册时返回错误
func (r *Router) RemoveCallback(cb any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, old := range r.callbacks {
		if old.value == cb {
			r.callbacks = append(r.callbacks[:i:i], r.callbacks[i+1:]...)
			return nil
		}
	}
	return ErrUnknownCallback
}

// Callbacks 返回已注册回调对象的快照
func (r *Router) Callbacks() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cbs := make([]any, len(r.callbacks))
	for i, c := range r.callbacks {
		cbs[i] = c.value
	}
	return cbs
}

func (r *Router) snapshot() []*callback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*callback(nil), r.callbacks...)
}

// Dispatch 把来自 origin 的消息分发给所有声明了 On<Name> 的回调。
// 正在运行的处理函数达到上限时 Dispatch 会阻塞，Router 关闭后消息被丢弃。
func (r *Router) Dispatch(origin Endpoint, m *protocol.Message) {
	if r.ctx.Err() != nil {
		log.Debugf("router: closed, drop %s", m.Name())
		return
	}
	for _, o := range r.observers {
		o.Observe(origin, m)
	}
	name := m.Name()
	for _, c := range r.snapshot() {
		h := c.handler[name]
		if h == nil {
			continue
		}
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			log.Debugf("router: closed, drop %s for %s", name, c.name)
			return
		}
		if !r.track() {
			r.sem.Release(1)
			log.Debugf("router: closed, drop %s for %s", name, c.name)
			return
		}
		go r.invoke(c, h, origin, m)
	}
}

func (r *Router) invoke(c *callback, h *handlerType, origin Endpoint, m *protocol.Message) {
	defer r.wg.Done()
	defer r.sem.Release(1)
	defer func() {
		if err := recover(); err != nil { // 处理函数的 panic 不影响其他处理函数
			log.Errorf("router: %s.%s panic: %s\n\n", c.name, h.method.Name, trace(fmt.Sprintf("%v", err)))
		}
	}()
	if err := c.call(h, origin, m); err != nil {
		log.Errorf("router: %s.%s: %v", c.name, h.method.Name, err)
	}
}

// Handshake 对实现了 Handshaker 的回调依次调用 DoHandshake
func (r *Router) Handshake(client Endpoint) error {
	var errs []error
	for _, c := range r.snapshot() {
		if hs, ok := c.value.(Handshaker); ok {
			if err := hs.DoHandshake(client); err != nil {
				errs = append(errs, fmt.Errorf("router: %s handshake: %w", c.name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// track 在 Router 未关闭时登记一个将要运行的处理函数
func (r *Router) track() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ctx.Err() != nil {
		return false
	}
	r.wg.Add(1)
	return true
}

// ClientClosed 通知实现了 Disconnecter 的回调：client 的连接已经结束
func (r *Router) ClientClosed(client Endpoint) {
	for _, c := range r.snapshot() {
		if d, ok := c.value.(Disconnecter); ok {
			d.ClientClosed(client)
		}
	}
}

// Close 停止接受新的分发，已经在运行的处理函数不受影响
func (r *Router) Close() {
	r.mu.Lock() // 与 track 互斥，Close 之后不再有 wg.Add
	r.cancel()
	r.mu.Unlock()
}

// Closed 报告 Router 是否已关闭
func (r *Router) Closed() bool {
	return r.ctx.Err() != nil
}

// Wait 等待所有正在运行的处理函数返回。与 Dispatch 并发调用时应先 Close。
func (r *Router) Wait() {
	r.wg.Wait()
}
