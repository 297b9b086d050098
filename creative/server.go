// Package creative 是一个创造模式服务器：为每个客户端分配编号，登录后创建世界和实体，
// 并按请求发送平坦地形的区块。
package creative

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/protocol"
	"github.com/nukecoke1828/ponyca/router"
	"github.com/nukecoke1828/ponyca/world"
)

const (
	// WorldID 是唯一的世界
	WorldID   = 1
	WorldName = "World 1"
)

// Server 作为回调注册在服务器端的路由器上
type Server struct {
	reg      *protocol.Registry
	world    *world.World
	clients  *SpawnList
	entities *SpawnList

	mu        sync.Mutex
	instances map[router.Endpoint]uint32 // 端点 -> 客户端编号
}

var (
	_ router.Handshaker   = (*Server)(nil)
	_ router.Disconnecter = (*Server)(nil)
)

func NewServer(reg *protocol.Registry) (*Server, error) {
	gen, err := world.NewFlatGenerator(reg)
	if err != nil {
		return nil, err
	}
	clientType, ok := reg.Struct("client")
	if !ok {
		return nil, errors.New("creative: catalog has no client structure")
	}
	entityType, ok := reg.Struct("entity")
	if !ok {
		return nil, errors.New("creative: catalog has no entity structure")
	}
	clients, err := NewSpawnList(clientType)
	if err != nil {
		return nil, err
	}
	entities, err := NewSpawnList(entityType)
	if err != nil {
		return nil, err
	}
	return &Server{
		reg:       reg,
		world:     world.New(gen),
		clients:   clients,
		entities:  entities,
		instances: make(map[router.Endpoint]uint32),
	}, nil
}

// World 返回服务器持有的世界
func (s *Server) World() *world.World { return s.world }

// Clients 返回已分配编号的客户端
func (s *Server) Clients() *SpawnList { return s.clients }

// Entities 返回已生成的实体
func (s *Server) Entities() *SpawnList { return s.entities }

// DoHandshake 为新客户端分配编号并发送 Connect
func (s *Server) DoHandshake(client router.Endpoint) error {
	instance, err := s.clients.Spawn(nil)
	if err != nil {
		return err
	}
	id, _ := protocol.Get[uint32](instance, "id")
	s.mu.Lock()
	s.instances[client] = id
	s.mu.Unlock()

	str, _ := s.reg.Type("string")
	extensions, err := protocol.NewList(str)
	if err != nil {
		return err
	}
	v := s.reg.Version()
	m, err := s.reg.NewMessage("connect", map[string]any{
		"protocol":   map[string]any{"majorVersion": v.Major, "minorVersion": v.Minor},
		"clientId":   id,
		"extensions": extensions,
	})
	if err != nil {
		return err
	}
	log.Infof("creative: client %d connected", id)
	return client.Send(m)
}

func (s *Server) clientID(client router.Endpoint) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.instances[client]
	if !ok {
		return 0, errors.New("creative: message from a client without handshake")
	}
	return id, nil
}

// OnLogin 发送世界、玩家实体和一个示例方块
func (s *Server) OnLogin(client router.Endpoint, m *protocol.Message) error {
	clientID, err := s.clientID(client)
	if err != nil {
		return err
	}
	username, err := protocol.Get[string](m, "username")
	if err != nil {
		return err
	}
	creation, err := s.reg.NewMessage("worldCreation", map[string]any{"id": WorldID, "name": WorldName})
	if err != nil {
		return err
	}
	if err := client.Send(creation); err != nil {
		return err
	}

	entity, err := s.entities.Spawn(map[string]any{
		"entityType": 1,
		"name":       username,
		"playedBy":   clientID,
		"world":      WorldID,
		"position":   protocol.Position{0, 0, 10},
		"direction":  protocol.Direction{0, 0},
		"metadata":   protocol.RawList(nil),
	})
	if err != nil {
		return err
	}
	spawn, err := s.reg.NewMessage("entitySpawn", map[string]any{"entity": entity})
	if err != nil {
		return err
	}
	if err := client.Send(spawn); err != nil {
		return err
	}
	log.Infof("creative: %s logged in as client %d", username, clientID)

	dirt, _ := s.reg.BlockType("dirt")
	update, err := s.reg.NewMessage("blockUpdate", map[string]any{
		"block": map[string]any{
			"block":       map[string]any{"blockType": dirt, "blockVariant": 0},
			"world":       WorldID,
			"coordinates": protocol.Coordinates{3, 3, 3},
		},
	})
	if err != nil {
		return err
	}
	return client.Send(update)
}

// OnChunkRequest 以未类型化列表回复区块数据
func (s *Server) OnChunkRequest(client router.Endpoint, m *protocol.Message) error {
	coords, err := protocol.Get[protocol.Coordinates](m, "coordinates")
	if err != nil {
		return err
	}
	chunk, err := s.world.Chunk(context.Background(), world.ChunkOf(coords))
	if err != nil {
		return fmt.Errorf("creative: chunk at %v: %w", coords, err)
	}
	reply, err := s.reg.NewMessage("chunkUpdate", map[string]any{
		"coordinates": coords,
		"chunk":       protocol.RawList(chunk),
	})
	if err != nil {
		return err
	}
	return client.Send(reply)
}

// OnDisconnect 客户端主动断开
func (s *Server) OnDisconnect(client router.Endpoint, m *protocol.Message) {
	reason, _ := protocol.Get[string](m, "reason")
	s.release(client, reason)
}

// ClientClosed 连接以任何方式结束时释放客户端
func (s *Server) ClientClosed(client router.Endpoint) {
	s.release(client, "connection closed")
}

// release 释放客户端编号和它操控的实体，重复调用无影响
func (s *Server) release(client router.Endpoint, reason string) {
	s.mu.Lock()
	id, ok := s.instances[client]
	delete(s.instances, client)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.clients.Remove(id)
	for _, eid := range s.entities.IDs() {
		e, ok := s.entities.Get(eid)
		if !ok {
			continue
		}
		if by, _ := protocol.Get[uint32](e, "playedBy"); by == id {
			s.entities.Remove(eid)
		}
	}
	log.Infof("creative: client %d disconnected: %s", id, reason)
}
