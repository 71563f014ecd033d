package realtime

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 16
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Relay forwards tenant events to websocket clients joined to the tenant's
// room. Slow clients miss events rather than blocking the room.
type Relay struct {
	mu       sync.RWMutex
	rooms    map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewRelay creates an empty relay
func NewRelay(logger *zap.Logger) *Relay {
	return &Relay{
		rooms: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run forwards deliveries from the realtime exchange until ctx is done or
// the delivery channel closes
func (r *Relay) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				r.logger.Warn("realtime subscription closed")
				return
			}
			tenantID, ok := TenantFromRoutingKey(d.RoutingKey)
			if !ok {
				r.logger.Debug("ignoring realtime event", zap.String("routing_key", d.RoutingKey))
				continue
			}
			r.Broadcast(tenantID, d.Body)
		}
	}
}

// ServeTenant upgrades the request and joins the connection to tenantID's room
func (r *Relay) ServeTenant(w http.ResponseWriter, req *http.Request, tenantID string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	r.join(tenantID, c)
	r.logger.Debug("client joined tenant room", zap.String("tenant_id", tenantID))

	go r.write(c)

	// reads only detect the client going away
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}

	r.leave(tenantID, c)
	conn.Close()
}

// Broadcast queues msg for every client in tenantID's room
func (r *Relay) Broadcast(tenantID string, msg []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.rooms[tenantID] {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// RoomSize returns the number of clients joined to tenantID
func (r *Relay) RoomSize(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[tenantID])
}

// TenantFromRoutingKey extracts the tenant of a tenant.<id>.readings key
func TenantFromRoutingKey(key string) (string, bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != "tenant" || parts[2] != EventType || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (r *Relay) join(tenantID string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[tenantID]
	if !ok {
		room = make(map[*client]struct{})
		r.rooms[tenantID] = room
	}
	room[c] = struct{}{}
}

func (r *Relay) leave(tenantID string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[tenantID]
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(r.rooms, tenantID)
	}
}

func (r *Relay) write(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			r.logger.Debug("websocket write failed", zap.Error(err))
			c.conn.Close()
			// drain until the reader notices and leaves the room
			for range c.send {
			}
			return
		}
	}
}
