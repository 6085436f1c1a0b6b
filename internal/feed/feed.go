// Package feed streams link state transitions to WebSocket subscribers as
// they are applied.
package feed

import (
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/leonetem/leonetem/pkg/trace"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// sendBuffer is the number of messages queued per subscriber before it
	// is considered too slow and disconnected.
	sendBuffer = 64
)

// Message types.
const (
	TypeHello      = "hello"
	TypeTransition = "transition"
)

// Message is the envelope of every message sent on the feed.
type Message struct {
	Type string `json:"type"`
	// Epoch is the run epoch, set on every message once known.
	Epoch *time.Time        `json:"epoch,omitempty"`
	Data  *trace.Transition `json:"data,omitempty"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// Hub fans transitions out to connected subscribers. The zero value is not
// usable; call New.
type Hub struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	epoch  time.Time
	closed bool
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: map[*subscriber]struct{}{},
	}
}

// SetEpoch records the run epoch sent to subscribers with every message.
func (h *Hub) SetEpoch(t time.Time) {
	h.mu.Lock()
	h.epoch = t
	h.mu.Unlock()
}

func (h *Hub) epochLocked() *time.Time {
	if h.epoch.IsZero() {
		return nil
	}
	epoch := h.epoch
	return &epoch
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request to a WebSocket and subscribes it to the
// feed until either side closes the connection.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		log.Warn("feed upgrade failed", "remote", req.RemoteAddr, "err", err)
		return
	}
	s := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	b, err := json.Marshal(Message{Type: TypeHello, Epoch: h.epochLocked()})
	if err == nil {
		s.send <- b
	}
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	log.Debug("feed subscriber connected", "remote", req.RemoteAddr, "subscribers", n)

	go h.writePump(s)
	h.readPump(s)
}

// Publish sends tr to every subscriber. Subscribers whose queue is full are
// disconnected.
func (h *Hub) Publish(tr trace.Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := json.Marshal(Message{Type: TypeTransition, Epoch: h.epochLocked(), Data: &tr})
	if err != nil {
		log.Error("cannot encode transition", "err", err)
		return
	}
	for s := range h.subs {
		select {
		case s.send <- b:
		default:
			log.Warn("dropping slow feed subscriber", "remote", s.conn.RemoteAddr())
			delete(h.subs, s)
			s.close()
		}
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		s.close()
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.close()
}

// readPump discards client messages and returns when the connection fails.
func (h *Hub) readPump(s *subscriber) {
	defer h.remove(s)
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				log.Debug("feed connection closed unexpectedly", "err", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case b, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
