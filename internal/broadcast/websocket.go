package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/koalacloud/koalacloud/internal/events"
)

// WebSocket timing.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Frame is one message sent to a live client.
type Frame struct {
	Type      events.Type `json:"type"`
	Data      any         `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Handler upgrades requests to WebSocket connections and streams snapshot
// events to them. A client that reads too slowly misses ticks.
type Handler struct {
	eventBus *events.Bus
	topics   []events.Type
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// HandlerOption is a functional option for configuring the Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger zerolog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) HandlerOption {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = fn
	}
}

// WithTopics sets the event types forwarded to clients.
func WithTopics(topics ...events.Type) HandlerOption {
	return func(h *Handler) {
		h.topics = topics
	}
}

// NewHandler creates a live handler forwarding the snapshot topics.
func NewHandler(eventBus *events.Bus, opts ...HandlerOption) *Handler {
	h := &Handler{
		eventBus: eventBus,
		topics:   []events.Type{events.TorrentStatus, events.MediaStatus},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an error response.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.eventBus.Subscribe(h.topics...)
	defer h.eventBus.Unsubscribe(sub)

	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("live client connected")

	closed := make(chan struct{})
	go h.readPump(conn, closed)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			h.logger.Debug().Str("remote", r.RemoteAddr).Msg("live client disconnected")
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err = conn.WriteJSON(Frame{Type: ev.Type, Data: ev.Data, Timestamp: ev.Timestamp}); err != nil {
				h.logger.Debug().Err(err).Msg("live write failed")
				return
			}
		case <-ping.C:
			if err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump drains client messages so control frames are processed, and
// closes done when the connection ends.
func (h *Handler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
