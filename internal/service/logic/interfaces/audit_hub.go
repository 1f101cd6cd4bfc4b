package interfaces

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"storelogic/internal/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

var errHubStopped = errors.New("audit hub stopped")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 管理端与网关不同源，鉴权由上游网关负责
		return true
	},
}

type broadcast struct {
	distributorID string
	payload       []byte
}

// AuditHub 维护所有管理端的 WebSocket 连接，按租户推送审计事件
type AuditHub struct {
	clients    map[string]map[*auditClient]struct{} // 使用 distributorID 作为 Key
	register   chan *auditClient
	unregister chan *auditClient
	broadcast  chan broadcast
	count      chan chan int
	done       chan struct{}
}

func NewAuditHub() *AuditHub {
	return &AuditHub{
		clients:    make(map[string]map[*auditClient]struct{}),
		register:   make(chan *auditClient),
		unregister: make(chan *auditClient),
		broadcast:  make(chan broadcast, sendBuffer),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Run 处理注册、注销和广播，直到 ctx 结束。所有 clients 的读写都在这个 goroutine 内完成。
func (h *AuditHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			set, ok := h.clients[client.distributorID]
			if !ok {
				set = make(map[*auditClient]struct{})
				h.clients[client.distributorID] = set
			}
			set[client] = struct{}{}
			logger.Ctx(ctx).Info().Str("distributor_id", client.distributorID).Msg("Audit client registered")
		case client := <-h.unregister:
			h.remove(client)
		case msg := <-h.broadcast:
			for client := range h.clients[msg.distributorID] {
				select {
				case client.send <- msg.payload:
				default:
					// 慢连接直接断开，避免拖慢其他租户
					logger.Ctx(ctx).Warn().Str("distributor_id", client.distributorID).Msg("Audit client too slow, dropping")
					h.remove(client)
				}
			}
		case reply := <-h.count:
			n := 0
			for _, set := range h.clients {
				n += len(set)
			}
			reply <- n
		case <-ctx.Done():
			for _, set := range h.clients {
				for client := range set {
					h.remove(client)
				}
			}
			return nil
		}
	}
}

func (h *AuditHub) remove(client *auditClient) {
	set, ok := h.clients[client.distributorID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.distributorID)
	}
	close(client.send)
}

// Broadcast 把事件推送给该租户的所有连接。
func (h *AuditHub) Broadcast(ctx context.Context, distributorID string, payload []byte) error {
	select {
	case h.broadcast <- broadcast{distributorID: distributorID, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errHubStopped
	}
}

// ClientCount 返回当前连接数。
func (h *AuditHub) ClientCount(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-ctx.Done():
	case <-h.done:
	}
	return 0
}

// ServeWS 把 HTTP 请求升级为 WebSocket，distributor_id 为必填参数
func (h *AuditHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	distributorID := tenantOf(r)
	if distributorID == "" {
		http.Error(w, "distributor_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &auditClient{hub: h, conn: conn, send: make(chan []byte, sendBuffer), distributorID: distributorID}
	select {
	case h.register <- client:
	case <-r.Context().Done():
		conn.Close()
		return
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// auditClient 是一个 WebSocket 连接的代表
type auditClient struct {
	hub           *AuditHub
	conn          *websocket.Conn
	send          chan []byte
	distributorID string
}

// writePump 负责将 send channel 中的消息写入 websocket，并定时发送 ping
func (c *auditClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只处理心跳；连接断开时注销
func (c *auditClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
