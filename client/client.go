// Package client 是不带渲染的客户端：完成版本检查与登录，记录服务器推送的世界、实体与方块，
// 并通过区块请求按需加载世界。
package client

import (
	"fmt"
	"sync"

	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/protocol"
	"github.com/nukecoke1828/ponyca/router"
	"github.com/nukecoke1828/ponyca/world"
)

// Client 作为回调注册在客户端一侧的路由器上
type Client struct {
	reg      *protocol.Registry
	server   router.Endpoint
	username string
	password string
	world    *world.World
	fetcher  *world.Fetcher

	mu        sync.Mutex
	id        uint32
	worldID   uint32
	worldName string
	entities  map[uint32]*protocol.Struct
	reason    string
	loggedIn  chan struct{}
	done      chan struct{}
	loginOnce sync.Once
	doneOnce  sync.Once
}

// New 创建客户端并注册到 peer 上。peer 接收服务器消息，server 是发送目标；
// 远程连接时二者是同一个 transport.RemoteServer。
func New(reg *protocol.Registry, peer router.Peer, server router.Endpoint, username, password string, opts ...world.FetchOption) (*Client, error) {
	gen, fetcher, err := world.NewFetchGenerator(reg, peer, server, opts...)
	if err != nil {
		return nil, err
	}
	c := &Client{
		reg:      reg,
		server:   server,
		username: username,
		password: password,
		world:    world.New(gen),
		fetcher:  fetcher,
		entities: make(map[uint32]*protocol.Struct),
		loggedIn: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := peer.AddCallback(c); err != nil {
		_ = fetcher.Close()
		return nil, err
	}
	return c, nil
}

// OnConnect 检查协议版本后登录。主版本不同时关闭连接。
func (c *Client) OnConnect(server router.Endpoint, m *protocol.Message) error {
	pv, err := protocol.Get[*protocol.Struct](m, "protocol")
	if err != nil {
		return err
	}
	major, err := protocol.Get[uint16](pv, "majorVersion")
	if err != nil {
		return err
	}
	minor, err := protocol.Get[uint16](pv, "minorVersion")
	if err != nil {
		return err
	}
	if err := router.CheckVersion(c.reg.Version(), protocol.Version{Major: major, Minor: minor}); err != nil {
		_ = server.CloseConnection("incompatible protocol version")
		c.finish(err.Error())
		return err
	}
	id, err := protocol.Get[uint32](m, "clientId")
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()

	login, err := c.reg.NewMessage("login", map[string]any{"username": c.username, "password": c.password})
	if err != nil {
		return err
	}
	return server.Send(login)
}

func (c *Client) OnWorldCreation(_ router.Endpoint, m *protocol.Message) error {
	id, err := protocol.Get[uint32](m, "id")
	if err != nil {
		return err
	}
	name, err := protocol.Get[string](m, "name")
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.worldID, c.worldName = id, name
	c.mu.Unlock()
	log.Infof("client: joined world %d %q", id, name)
	c.loginOnce.Do(func() { close(c.loggedIn) })
	return nil
}

func (c *Client) OnEntitySpawn(_ router.Endpoint, m *protocol.Message) error {
	entity, err := protocol.Get[*protocol.Struct](m, "entity")
	if err != nil {
		return err
	}
	id, err := protocol.Get[uint32](entity, "id")
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entities[id] = entity
	c.mu.Unlock()
	log.Debugf("client: spawn %v", entity)
	return nil
}

// OnBlockUpdate 更新已加载区块中的方块，未加载的区块忽略
func (c *Client) OnBlockUpdate(_ router.Endpoint, m *protocol.Message) error {
	placed, err := protocol.Get[*protocol.Struct](m, "block")
	if err != nil {
		return err
	}
	coords, err := protocol.Get[protocol.Coordinates](placed, "coordinates")
	if err != nil {
		return err
	}
	block, err := protocol.Get[*protocol.Struct](placed, "block")
	if err != nil {
		return err
	}
	ok, err := c.world.SetBlock(coords, block)
	if err != nil {
		return fmt.Errorf("client: block update at %v: %w", coords, err)
	}
	if !ok {
		log.Debugf("client: block update at %v outside loaded chunks", coords)
	}
	return nil
}

func (c *Client) OnDisconnect(_ router.Endpoint, m *protocol.Message) {
	reason, _ := protocol.Get[string](m, "reason")
	log.Infof("client: disconnected by server: %s", reason)
	c.finish(reason)
}

func (c *Client) finish(reason string) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// LoggedIn 在收到 WorldCreation 后关闭
func (c *Client) LoggedIn() <-chan struct{} { return c.loggedIn }

// Done 在服务器断开或版本不兼容后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

// Reason 返回断开的原因
func (c *Client) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// ID 返回服务器分配的客户端编号，握手前为 0
func (c *Client) ID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// WorldInfo 返回当前世界的编号和名字
func (c *Client) WorldInfo() (uint32, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.worldID, c.worldName
}

// Entity 返回已生成的实体
func (c *Client) Entity(id uint32) (*protocol.Struct, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entities[id]
	return e, ok
}

// Entities 返回已生成实体的数量
func (c *Client) Entities() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entities)
}

// World 返回客户端的世界，缺失的区块向服务器请求
func (c *Client) World() *world.World { return c.world }

// Fetcher 返回区块请求的 Fetcher
func (c *Client) Fetcher() *world.Fetcher { return c.fetcher }

// Close 注销区块 Fetcher
func (c *Client) Close() error {
	return c.fetcher.Close()
}
