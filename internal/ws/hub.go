// Package ws serves the notification socket. Each connection joins its
// user's group and the broadcast group on the channel layer, so any process
// can reach it, and can mark notifications read over the same socket.
package ws

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/notification"
	"github.com/Aidin1998/fincore/pkg/metrics"
	"github.com/Aidin1998/fincore/pkg/models"
)

// Inbox is the read-state side of the notification store.
type Inbox interface {
	MarkRead(ctx context.Context, userID, id uuid.UUID) (*models.Notification, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	UnreadCount(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Config tunes connection handling.
type Config struct {
	HeartbeatInterval     time.Duration
	PongTimeout           time.Duration
	WriteTimeout          time.Duration
	ReadLimit             int64
	SendBuffer            int
	MaxConnectionsPerUser int
	Shards                int
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:     30 * time.Second,
		PongTimeout:           60 * time.Second,
		WriteTimeout:          10 * time.Second,
		ReadLimit:             4096,
		SendBuffer:            256,
		MaxConnectionsPerUser: 10,
		Shards:                16,
	}
}

// Hub tracks open sockets, sharded by user.
type Hub struct {
	cfg      Config
	layer    notification.ChannelLayer
	inbox    Inbox
	logger   *zap.Logger
	upgrader websocket.Upgrader
	shards   []*shard
}

type shard struct {
	mu      sync.Mutex
	clients map[uuid.UUID]map[*Client]struct{}
}

func NewHub(layer notification.ChannelLayer, inbox Inbox, logger *zap.Logger, cfg Config) *Hub {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	h := &Hub{
		cfg:    cfg,
		layer:  layer,
		inbox:  inbox,
		logger: logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Sockets authenticate with a bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		shards: make([]*shard, cfg.Shards),
	}
	for i := range h.shards {
		h.shards[i] = &shard{clients: map[uuid.UUID]map[*Client]struct{}{}}
	}
	return h
}

func (h *Hub) shardFor(userID uuid.UUID) *shard {
	hasher := fnv.New32a()
	hasher.Write(userID[:])
	return h.shards[hasher.Sum32()%uint32(len(h.shards))]
}

// Connections returns the number of open sockets for userID.
func (h *Hub) Connections(userID uuid.UUID) int {
	sh := h.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.clients[userID])
}

func (h *Hub) register(c *Client) {
	sh := h.shardFor(c.userID)
	sh.mu.Lock()
	if sh.clients[c.userID] == nil {
		sh.clients[c.userID] = map[*Client]struct{}{}
	}
	sh.clients[c.userID][c] = struct{}{}
	sh.mu.Unlock()
	metrics.WebsocketConnections.Inc()
}

func (h *Hub) unregister(c *Client) {
	sh := h.shardFor(c.userID)
	sh.mu.Lock()
	delete(sh.clients[c.userID], c)
	if len(sh.clients[c.userID]) == 0 {
		delete(sh.clients, c.userID)
	}
	sh.mu.Unlock()
	metrics.WebsocketConnections.Dec()
}

// ServeWS upgrades the request and attaches the socket to userID's groups.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	if h.cfg.MaxConnectionsPerUser > 0 && h.Connections(userID) >= h.cfg.MaxConnectionsPerUser {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
	defer cancel()
	sub, err := h.layer.Subscribe(ctx, notification.UserGroup(userID), notification.BroadcastGroup)
	if err != nil {
		h.logger.Error("channel layer subscribe failed", zap.Error(err))
		http.Error(w, "notifications unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sub.Close()
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:     uuid.New(),
		userID: userID,
		conn:   conn,
		sub:    sub,
		hub:    h,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	h.register(c)

	unread, err := h.inbox.UnreadCount(ctx, userID)
	if err != nil {
		h.logger.Warn("unread count unavailable", zap.Error(err))
	}
	c.reply(frame{Type: "connected", UnreadCount: &unread})

	go c.writePump()
	go c.forward()
	go c.readPump()
}

// Close disconnects every socket.
func (h *Hub) Close() {
	var all []*Client
	for _, sh := range h.shards {
		sh.mu.Lock()
		for _, set := range sh.clients {
			for c := range set {
				all = append(all, c)
			}
		}
		sh.mu.Unlock()
	}
	for _, c := range all {
		c.close()
	}
}

// Client is one socket.
type Client struct {
	id     uuid.UUID
	userID uuid.UUID
	conn   *websocket.Conn
	sub    notification.Subscription
	hub    *Hub
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// inbound is a frame sent by the client.
type inbound struct {
	Action         string `json:"action"`
	NotificationID string `json:"notification_id"`
}

// frame is a reply to the client.
type frame struct {
	Type           string `json:"type"`
	NotificationID string `json:"notification_id,omitempty"`
	Count          *int64 `json:"count,omitempty"`
	UnreadCount    *int64 `json:"unread_count,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sub.Close()
		_ = c.conn.Close()
		c.hub.unregister(c)
	})
}

func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		c.hub.logger.Warn("dropping message for slow socket",
			zap.String("user_id", c.userID.String()), zap.String("conn_id", c.id.String()))
	}
}

func (c *Client) reply(f frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(b)
}

// forward relays channel layer messages until the subscription ends.
func (c *Client) forward() {
	defer c.close()
	for {
		select {
		case env, ok := <-c.sub.Messages():
			if !ok {
				return
			}
			c.enqueue(env.Payload)
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	defer c.close()
	cfg := c.hub.cfg
	c.conn.SetReadLimit(cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		var in inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			c.reply(frame{Type: "error", Error: "malformed message"})
			continue
		}
		c.handle(in)
	}
}

func (c *Client) handle(in inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.WriteTimeout)
	defer cancel()
	inbox := c.hub.inbox
	switch in.Action {
	case "mark_read":
		id, err := uuid.Parse(in.NotificationID)
		if err != nil {
			c.reply(frame{Type: "error", Error: "invalid notification_id"})
			return
		}
		if _, err := inbox.MarkRead(ctx, c.userID, id); err != nil {
			c.reply(frame{Type: "error", NotificationID: in.NotificationID, Error: "notification not found"})
			return
		}
		unread, _ := inbox.UnreadCount(ctx, c.userID)
		c.reply(frame{Type: "marked_read", NotificationID: in.NotificationID, UnreadCount: &unread})
	case "mark_all_read":
		n, err := inbox.MarkAllRead(ctx, c.userID)
		if err != nil {
			c.reply(frame{Type: "error", Error: "could not mark notifications read"})
			return
		}
		var zero int64
		c.reply(frame{Type: "all_marked_read", Count: &n, UnreadCount: &zero})
	case "unread_count":
		unread, err := inbox.UnreadCount(ctx, c.userID)
		if err != nil {
			c.reply(frame{Type: "error", Error: "unread count unavailable"})
			return
		}
		c.reply(frame{Type: "unread_count", UnreadCount: &unread})
	default:
		c.reply(frame{Type: "error", Error: "unknown action"})
	}
}

func (c *Client) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
