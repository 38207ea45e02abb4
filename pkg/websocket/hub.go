package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"survey-bot/internal/bot"
	"survey-bot/pkg/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message represents the standard frame exchanged over WebSocket.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type inboundMessage struct {
	Type string `json:"type"`
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	stepTimeout    = 30 * time.Second
)

var (
	ErrNotConnected   = errors.New("account has no open chat")
	ErrSendBufferFull = errors.New("chat send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Callers authenticate with the bot secret; origins are not restricted.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Dispatcher is the bot side of the chat transport.
type Dispatcher interface {
	Authorized(r *http.Request) bool
	Dispatch(ctx context.Context, accountID int64, text string) error
}

// Hub keeps one chat connection per account and delivers bot replies to it.
// A newer connection for the same account replaces the older one.
type Hub struct {
	clients    map[int64]*Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	log        *zap.Logger
}

func NewHub(m *metrics.Metrics, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[int64]*Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		metrics:    m,
		log:        log,
	}
}

func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	accountID int64
}

func NewClient(hub *Hub, conn *websocket.Conn, accountID int64) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		accountID: accountID,
	}
}

// RegisterClient makes client the delivery target of its account. It
// reports false once the hub has stopped.
func (h *Hub) RegisterClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	if old, ok := h.clients[client.accountID]; ok {
		close(old.send)
		h.log.Info("chat replaced", zap.Int64("account", client.accountID))
	}
	h.clients[client.accountID] = client
	h.updateGauge()
	return true
}

// Run removes dropped clients until ctx is cancelled, then closes every
// open chat.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.accountID]; ok && current == client {
				delete(h.clients, client.accountID)
				close(client.send)
				h.log.Debug("chat closed", zap.Int64("account", client.accountID))
			}
			h.updateGauge()
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			close(h.done)
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.updateGauge()
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) updateGauge() {
	if h.metrics != nil {
		h.metrics.ActiveChats.Set(float64(len(h.clients)))
	}
}

// Send implements bot.Sender.
func (h *Hub) Send(_ context.Context, accountID int64, reply bot.Reply) error {
	return h.SendMessageToAccount(accountID, "reply", reply)
}

func (h *Hub) SendMessageToAccount(accountID int64, messageType string, data interface{}) error {
	messageBytes, err := json.Marshal(Message{Type: messageType, Data: data})
	if err != nil {
		return err
	}

	h.mu.RLock()
	client, exists := h.clients[accountID]
	if !exists {
		h.mu.RUnlock()
		return ErrNotConnected
	}
	select {
	case client.send <- messageBytes:
		h.mu.RUnlock()
		return nil
	default:
	}
	h.mu.RUnlock()

	h.log.Warn("send buffer full, dropping chat", zap.Int64("account", accountID))
	h.drop(client)
	return ErrSendBufferFull
}

func (h *Hub) drop(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// HandleWebSocket upgrades GET /ws/chat?account_id=N to a chat session.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		http.Error(w, "Chat is not available", http.StatusServiceUnavailable)
		return
	}
	if !h.dispatcher.Authorized(r) {
		http.Error(w, "Invalid bot secret", http.StatusUnauthorized)
		return
	}
	accountID, err := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
	if err != nil || accountID == 0 {
		http.Error(w, "Missing account_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(h, conn, accountID)
	if !h.RegisterClient(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump feeds inbound frames to the bot, one step at a time.
func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Info("unexpected chat close", zap.Int64("account", c.accountID), zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.hub.log.Debug("malformed chat frame", zap.Int64("account", c.accountID), zap.Error(err))
		c.hub.SendMessageToAccount(c.accountID, "error", map[string]string{"message": "malformed frame"})
		return
	}

	switch msg.Type {
	case "message":
		ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
		defer cancel()
		err := c.hub.dispatcher.Dispatch(ctx, c.accountID, msg.Data.Text)
		if errors.Is(err, bot.ErrRateLimited) {
			c.hub.SendMessageToAccount(c.accountID, "error", map[string]string{"message": err.Error()})
			return
		}
		if err != nil {
			c.hub.log.Error("chat step failed", zap.Int64("account", c.accountID), zap.Error(err))
		}
	case "ping":
		c.hub.SendMessageToAccount(c.accountID, "pong", nil)
	default:
		c.hub.log.Debug("unknown chat frame", zap.String("type", msg.Type))
	}
}

func (c *Client) writePump() {
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}
			if err := w.Close(); err != nil {
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
