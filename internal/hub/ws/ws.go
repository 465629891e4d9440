package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"cardbridge/internal/comm"
	"cardbridge/internal/service"
	"cardbridge/internal/store"
)

// ClientConn is the slice of *websocket.Conn the hub needs; narrowed so
// delivery can be exercised without a network.
type ClientConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// client pairs a connection with its write lock. gorilla/websocket
// supports at most one concurrent writer per connection, and command
// replies, scan broadcasts and monitor frames arrive on different
// goroutines.
type client struct {
	writeMu sync.Mutex
	conn    ClientConn
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Ws is the realtime hub: it tracks connected dashboard clients, routes
// their commands to the registry and fans out scan events and the serial
// monitor tap.
type Ws struct {
	connMap    sync.Map // socketId -> *client
	monitorMap sync.Map // socketId -> struct{}, monitor tap subscribers

	store  *store.CardStore
	access *service.AccessService
}

// NewWs creates the hub over the given registry and access service.
func NewWs(cardStore *store.CardStore, access *service.AccessService) *Ws {
	return &Ws{
		store:  cardStore,
		access: access,
	}
}

// StoreConnection registers a client connection under its socket id.
func (s *Ws) StoreConnection(socketId string, conn ClientConn) {
	s.connMap.Store(socketId, &client{conn: conn})
}

// GetConnection returns the connection for a socket id.
func (s *Ws) GetConnection(socketId string) (ClientConn, bool) {
	c, ok := s.getClient(socketId)
	if !ok {
		return nil, false
	}
	return c.conn, true
}

func (s *Ws) getClient(socketId string) (*client, bool) {
	v, ok := s.connMap.Load(socketId)
	if !ok {
		return nil, false
	}
	return v.(*client), true
}

// HandleDisconnect removes a client from the client set and, if present,
// from the monitor subscriber set.
func (s *Ws) HandleDisconnect(socketId string) {
	s.connMap.Delete(socketId)
	s.monitorMap.Delete(socketId)
}

// subscribeMonitor adds a client to the monitor tap.
func (s *Ws) subscribeMonitor(socketId string) {
	s.monitorMap.Store(socketId, struct{}{})
}

// send marshals v and delivers it to one client. A failed delivery
// prunes the client from both sets.
func (s *Ws) send(socketId string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("marshal reply for socket %s: %v", socketId, err)
		return
	}

	c, ok := s.getClient(socketId)
	if !ok {
		return
	}
	if err := c.write(data); err != nil {
		log.Warnf("dropping client %s: %v", socketId, err)
		c.conn.Close()
		s.HandleDisconnect(socketId)
	}
}

// BroadcastScan delivers a scan event to every connected client. Clients
// whose delivery fails are collected during the pass and pruned after it,
// never mid-iteration.
func (s *Ws) BroadcastScan(event comm.ScanEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Errorf("marshal scan event: %v", err)
		return
	}

	var failed []string
	s.connMap.Range(func(key, value interface{}) bool {
		socketId := key.(string)
		c := value.(*client)
		if err := c.write(data); err != nil {
			failed = append(failed, socketId)
		}
		return true
	})

	s.purge(failed)
}

// BroadcastMonitor delivers a monitor frame to monitor subscribers only.
func (s *Ws) BroadcastMonitor(frame comm.MonitorFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Errorf("marshal monitor frame: %v", err)
		return
	}

	var failed []string
	s.monitorMap.Range(func(key, _ interface{}) bool {
		socketId := key.(string)
		c, ok := s.getClient(socketId)
		if !ok {
			failed = append(failed, socketId)
			return true
		}
		if err := c.write(data); err != nil {
			failed = append(failed, socketId)
		}
		return true
	})

	s.purge(failed)
}

func (s *Ws) purge(socketIds []string) {
	for _, socketId := range socketIds {
		if conn, ok := s.GetConnection(socketId); ok {
			conn.Close()
		}
		s.HandleDisconnect(socketId)
		log.Infof("pruned dead client %s", socketId)
	}
}
