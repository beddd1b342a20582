package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/2beens/offlinecache/internal/lifecycle"
	"github.com/2beens/offlinecache/internal/telemetry/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBufferSize = 16
)

var ErrHubClosed = errors.New("client hub closed")

var _ lifecycle.ClientRegistry = (*Hub)(nil)

// MessageHandler receives messages sent by connected pages.
type MessageHandler func(ctx context.Context, msg lifecycle.Message) error

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// non-browser clients send no origin
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

type client struct {
	id           string
	conn         *websocket.Conn
	send         chan []byte
	controlledBy string
	closeOnce    sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub keeps the pages connected over websocket and implements the
// lifecycle client registry on top of them.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
	// version the pages are controlled by, given to late joiners
	version string
	closed  bool
	handler MessageHandler

	metricsManager *metrics.Manager
	wg             sync.WaitGroup
}

func NewHub(metricsManager *metrics.Manager) *Hub {
	return &Hub{
		clients:        make(map[string]*client),
		metricsManager: metricsManager,
	}
}

// SetMessageHandler must be called before the hub serves connections.
func (h *Hub) SetMessageHandler(handler MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied with an error
		log.Errorf("clients: upgrade connection: %s", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	if err := h.register(c); err != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
		return
	}

	go func() {
		defer h.wg.Done()
		h.writePump(c)
	}()

	// the serving goroutine is the reader
	h.readPump(r.Context(), c)
}

func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	// reader and writer; the wait group only grows while not closed
	h.wg.Add(2)
	c.controlledBy = h.version
	h.clients[c.id] = c
	h.metricsManager.GaugeClients.Set(float64(len(h.clients)))
	log.Debugf("clients: client [%s] connected, controlled by [%s]", c.id, c.controlledBy)
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	c.close()
	h.metricsManager.GaugeClients.Set(float64(len(h.clients)))
	log.Debugf("clients: client [%s] disconnected", c.id)
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	defer h.wg.Done()
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("clients: client [%s] read: %s", c.id, err)
			}
			return
		}

		var msg lifecycle.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Warnf("clients: client [%s] sent invalid message: %s", c.id, err)
			continue
		}

		h.mu.Lock()
		handler := h.handler
		h.mu.Unlock()
		if handler == nil {
			log.Warnf("clients: no handler for message [%s] from [%s]", msg.Type, c.id)
			continue
		}
		// pages are not answered; they learn the outcome from broadcasts
		if err := handler(context.WithoutCancel(ctx), msg); err != nil {
			log.Errorf("clients: handle message [%s] from [%s]: %s", msg.Type, c.id, err)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debugf("clients: write to [%s]: %s", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Claim makes every connected page controlled by version.
func (h *Hub) Claim(_ context.Context, version string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrHubClosed
	}

	h.version = version
	claimed := 0
	for _, c := range h.clients {
		if c.controlledBy != version {
			c.controlledBy = version
			claimed++
		}
	}
	return claimed, nil
}

// Broadcast queues msg for every connected page. A page whose queue is full
// is too slow to keep and gets disconnected.
func (h *Hub) Broadcast(_ context.Context, msg lifecycle.Message) (int, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrHubClosed
	}

	sent := 0
	for id, c := range h.clients {
		select {
		case c.send <- payload:
			sent++
		default:
			log.Warnf("clients: client [%s] too slow, disconnecting", id)
			delete(h.clients, id)
			c.close()
		}
	}
	h.metricsManager.GaugeClients.Set(float64(len(h.clients)))
	return sent, nil
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ControlledBy returns how many pages each version controls.
func (h *Hub) ControlledBy() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	counts := make(map[string]int)
	for _, c := range h.clients {
		counts[c.controlledBy]++
	}
	return counts
}

// Close disconnects every page and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
	h.metricsManager.GaugeClients.Set(0)
	h.mu.Unlock()

	h.wg.Wait()
	log.Println("clients: hub closed")
}
