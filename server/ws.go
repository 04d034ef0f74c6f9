package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-sync-go/market"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
)

// Message websocket 推送格式。
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// WSRecorder 连接数指标（由 monitor 实现）。
type WSRecorder interface {
	RecordWSConnection()
	RecordWSDisconnect()
}

type nopWSRecorder struct{}

func (nopWSRecorder) RecordWSConnection() {}
func (nopWSRecorder) RecordWSDisconnect() {}

type HubOptions struct {
	WriteTimeout time.Duration
	SendBuffer   int // 每个连接的待发送队列长度，写满即断开
	Recorder     WSRecorder
	Logger       *zap.Logger
}

// Hub 订阅 Publisher，把快照推送给所有 websocket 客户端。
type Hub struct {
	svc      *market.Service
	opts     HubOptions
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	started  bool
	cancel   context.CancelFunc
	doneChan chan struct{}
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

func NewHub(svc *market.Service, opts HubOptions) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 16
	}
	if opts.Recorder == nil {
		opts.Recorder = nopWSRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Hub{
		svc:    svc,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "ws_hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	pub := h.svc.Publisher()
	books, cancelBooks := pub.SubscribeBook()
	trades, cancelTrades := pub.SubscribeTrades()
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = func() {
		cancel()
		cancelBooks()
		cancelTrades()
	}
	h.doneChan = make(chan struct{})
	h.started = true
	go h.loop(runCtx, books, trades, h.doneChan)
	return nil
}

func (h *Hub) loop(ctx context.Context, books <-chan *market.OrderBookSnapshot, trades <-chan *market.TradeFeed, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-books:
			if !ok {
				return
			}
			h.broadcast(Message{Type: market.KindOrderBook, Data: renderBook(h.svc.Book(), snap)})
		case feed, ok := <-trades:
			if !ok {
				return
			}
			h.broadcast(Message{Type: market.KindTrades, Data: renderTrades(h.svc.Trades(), feed)})
		}
	}
}

// Stop 停止推送并断开所有客户端。
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.cancel()
	done := h.doneChan
	h.started = false
	h.mu.Unlock()

	<-done

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
	return nil
}

func (h *Hub) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return errors.New("ws hub not started")
	}
	return nil
}

// Clients 当前连接数。
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS 升级连接，先推送 initial，再推送后续快照。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial []Message) {
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if !started {
		writeError(w, http.StatusServiceUnavailable, errors.New("ws hub not started"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写了错误响应
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, h.opts.SendBuffer+len(initial))}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	for _, msg := range initial {
		if payload, err := json.Marshal(msg); err == nil {
			c.send <- payload
		}
	}
	h.mu.Unlock()
	h.opts.Recorder.RecordWSConnection()
	h.logger.Info("websocket client connected", zap.String("remote", r.RemoteAddr))

	go h.writePump(c)
	go h.readPump(c)
}

// broadcast 队列满的客户端视为慢客户端直接断开。
func (h *Hub) broadcast(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal ws message failed", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("dropping slow websocket client")
			h.removeLocked(c)
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
	h.opts.Recorder.RecordWSDisconnect()
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readPump 只处理 pong 与关闭，客户端消息被忽略。
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
