// Package feed streams ritual outcomes and lore submissions to WebSocket
// subscribers.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chodenet.ai/internal/lore"
	"chodenet.ai/internal/protocol"
	"chodenet.ai/internal/ritual"
)

const (
	TopicRituals = "rituals"
	TopicLore    = "lore"
)

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

type Config struct {
	// QueueSize is the per-client send buffer; a full buffer drops messages.
	QueueSize int
	Logger    *zap.Logger
	// Welcome builds the first message each subscriber receives.
	Welcome func(ctx context.Context) protocol.WelcomeMsg
	Now     func() time.Time
}

type Hub struct {
	log      *zap.Logger
	queue    int
	welcome  func(ctx context.Context) protocol.WelcomeMsg
	now      func() time.Time
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup

	dropped atomic.Int64
}

type client struct {
	conn *websocket.Conn
	out  chan []byte

	mu     sync.Mutex
	topics map[string]bool
}

func (c *client) wants(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics) == 0 || c.topics[topic]
}

func (c *client) setTopics(ts []string) {
	m := make(map[string]bool, len(ts))
	for _, t := range ts {
		m[t] = true
	}
	c.mu.Lock()
	c.topics = m
	c.mu.Unlock()
}

func NewHub(cfg Config) *Hub {
	h := &Hub{
		log:     cfg.Logger,
		queue:   cfg.QueueSize,
		welcome: cfg.Welcome,
		now:     cfg.Now,
		clients: map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.queue <= 0 {
		h.queue = 32
	}
	if h.queue > 1024 {
		h.queue = 1024
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	return h
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts messages discarded because a subscriber was too slow.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		c := &client{conn: conn, out: make(chan []byte, h.queue)}
		if !h.add(c) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
		defer h.wg.Done()
		defer h.remove(c)
		defer conn.Close()

		welcome := protocol.WelcomeMsg{Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version}
		if h.welcome != nil {
			welcome = h.welcome(r.Context())
			welcome.Type = protocol.TypeWelcome
			welcome.ProtocolVersion = protocol.Version
		}
		if err := writeJSON(conn, welcome); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			ping := time.NewTicker(pingInterval)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
						cancel()
						return
					}
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeHello {
				continue
			}
			var hello protocol.HelloMsg
			if err := json.Unmarshal(msg, &hello); err != nil {
				continue
			}
			c.setTopics(hello.Topics)
		}
		cancel()
		<-writerDone
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Broadcast sends v to every subscriber of topic without blocking.
func (h *Hub) Broadcast(topic string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("feed marshal", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(topic) {
			continue
		}
		select {
		case c.out <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

// WriteOutcome publishes a resolved ritual.
func (h *Hub) WriteOutcome(rec ritual.Record) error {
	h.Broadcast(TopicRituals, protocol.RitualResolvedMsg{Type: protocol.TypeRitualResolved, Ritual: rec})
	return nil
}

// AcceptInput announces an accepted community submission.
func (h *Hub) AcceptInput(in lore.Input, c lore.Cycle) error {
	h.Broadcast(TopicLore, protocol.LoreInputMsg{
		Type:  protocol.TypeLoreInput,
		Input: in,
		Cycle: protocol.NewCycleInfo(c, h.now()),
	})
	return nil
}

func (h *Hub) PublishCycleClosed(c lore.Cycle) {
	h.Broadcast(TopicLore, protocol.CycleClosedMsg{
		Type:  protocol.TypeCycleClosed,
		Cycle: protocol.NewCycleInfo(c, h.now()),
	})
}

// Close disconnects every subscriber and waits for their handlers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
