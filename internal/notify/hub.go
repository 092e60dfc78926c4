package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// Frame is the JSON envelope pushed to websocket clients.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	FrameSignal = "signal"
	FrameUpdate = "update"
)

// Hub fans events out to websocket clients. Slow clients lose frames rather
// than blocking the engine.
type Hub struct {
	mu       sync.RWMutex
	subs     map[chan Frame]struct{}
	buffer   int
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHub builds a hub with a per-client buffer.
func NewHub(buffer int, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[chan Frame]struct{}),
		buffer: buffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

// Subscribe registers a listener and returns its stream and a cancel func.
func (h *Hub) Subscribe() (<-chan Frame, func()) {
	ch := make(chan Frame, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// Publish delivers f to every subscriber without blocking.
func (h *Hub) Publish(f Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

// Clients is the number of connected listeners.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) NotifySignal(_ context.Context, s *signal.Signal) error {
	h.Publish(Frame{Type: FrameSignal, Data: s.Clone()})
	return nil
}

func (h *Hub) NotifyUpdate(_ context.Context, u signal.PositionUpdate) error {
	h.Publish(Frame{Type: FrameUpdate, Data: u})
	return nil
}

// ServeHTTP upgrades the connection and streams frames until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	stream, unsub := h.Subscribe()
	defer unsub()

	// reader detects the close frame
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case f, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(f); err != nil {
				h.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
