package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"oncorisk/ml"
)

// MessageType 消息类型
type MessageType string

const (
	TrialStarted      MessageType = "trial_started"
	EpochCompleted    MessageType = "epoch_completed"
	TrialCompleted    MessageType = "trial_completed"
	TrainingCompleted MessageType = "training_completed"
)

// Message 监控消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
}

// ClientMessage 客户端消息
type ClientMessage struct {
	Type  string `json:"type"` // subscribe, unsubscribe, ping
	Topic string `json:"topic"`
}

// Client WebSocket客户端
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string

	mu            sync.RWMutex
	subscriptions map[MessageType]bool // empty means everything
}

func (c *Client) wants(t MessageType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

type envelope struct {
	msgType MessageType
	payload []byte
}

// Hub streams training progress to WebSocket clients. It implements
// ml.Observer so a trainer can report into it directly.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc

	started atomic.Bool
	done    chan struct{}
	writers sync.WaitGroup

	sent atomic.Int64
	seq  atomic.Int64
}

var _ ml.Observer = (*Hub)(nil)

// NewHub 创建WebSocket中心
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start 启动WebSocket中心
// It blocks until Stop.
func (h *Hub) Start() {
	h.started.Store(true)
	defer close(h.done)
	defer func() {
		h.logger.Info("progress hub stopped", zap.Int64("messages_sent", h.sent.Load()))
	}()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("progress client connected", zap.String("client", client.clientID), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("progress client disconnected", zap.String("client", client.clientID), zap.Int("total", total))

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-h.ctx.Done():
			// 发送剩余消息
			h.drain()
			// 关闭所有连接
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) deliver(msg envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(msg.msgType) {
			continue
		}
		select {
		case client.send <- msg.payload:
			h.sent.Add(1)
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// drain delivers whatever was queued before Stop.
func (h *Hub) drain() {
	for {
		select {
		case msg := <-h.broadcast:
			h.deliver(msg)
		default:
			return
		}
	}
}

// Stop 停止WebSocket中心
// Messages published before Stop are flushed to connected clients before it
// returns.
func (h *Hub) Stop() {
	h.cancel()
	if !h.started.Load() {
		return
	}
	<-h.done

	// no writer is added once the context is cancelled
	h.mu.Lock()
	h.mu.Unlock()
	flushed := make(chan struct{})
	go func() {
		h.writers.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(5 * time.Second):
		h.logger.Warn("progress hub stopped before all clients were flushed")
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 处理WebSocket连接
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 256),
		clientID:      fmt.Sprintf("client_%d", h.seq.Add(1)),
		subscriptions: make(map[MessageType]bool),
	}

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.writers.Add(1)
	h.mu.Unlock()

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		h.writers.Done()
		conn.Close()
		return
	}

	go func() {
		defer h.writers.Done()
		client.writePump(h.logger)
	}()
	go client.readPump(h)
}

// Publish 广播消息
// The message is dropped when the queue is full.
func (h *Hub) Publish(msgType MessageType, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msgType, err)
	}
	msg := Message{
		Type:      msgType,
		Timestamp: time.Now(),
		ID:        fmt.Sprintf("msg_%d", h.seq.Add(1)),
		Data:      payload,
	}
	messageBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case h.broadcast <- envelope{msgType: msgType, payload: messageBytes}:
	default:
		h.logger.Warn("progress broadcast queue is full, dropping message", zap.String("type", string(msgType)))
	}
	return nil
}

func (h *Hub) OnEpoch(stats ml.EpochStats) {
	if err := h.Publish(EpochCompleted, stats); err != nil {
		h.logger.Warn("publish epoch", zap.Error(err))
	}
}

func (h *Hub) OnTrial(trial ml.Trial) {
	msgType := TrialCompleted
	if trial.Status == ml.TrialRunning {
		msgType = TrialStarted
	}
	if err := h.Publish(msgType, trial); err != nil {
		h.logger.Warn("publish trial", zap.Error(err))
	}
}

// writePump WebSocket写入泵
func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("websocket write error", zap.String("client", c.clientID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump WebSocket读取泵
func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	for {
		_, messageData, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.String("client", c.clientID), zap.Error(err))
			}
			return
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(messageData, &clientMsg); err != nil {
			h.logger.Debug("failed to parse client message", zap.Error(err))
			continue
		}
		c.handleClientMessage(clientMsg)
	}
}

// handleClientMessage 处理客户端消息
func (c *Client) handleClientMessage(msg ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case "subscribe":
		c.subscriptions[MessageType(msg.Topic)] = true
	case "unsubscribe":
		delete(c.subscriptions, MessageType(msg.Topic))
	}
}
