package api

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doridoridoriand/netwatch/internal/eventlog"
	"github.com/doridoridoriand/netwatch/internal/scheduler"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsClientBuffer = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

// streamMessage is one websocket frame: a status snapshot or a new event.
type streamMessage struct {
	Type   string              `json:"type"`
	Status *scheduler.Snapshot `json:"status,omitempty"`
	Event  *eventlog.Entry     `json:"event,omitempty"`
}

func statusMessage(s scheduler.Snapshot) streamMessage {
	return streamMessage{Type: "status", Status: &s}
}

func eventMessage(e eventlog.Entry) streamMessage {
	return streamMessage{Type: "event", Event: &e}
}

// hub fans messages out to connected clients. Slow clients lose messages
// instead of blocking the publisher.
type hub struct {
	mu      sync.Mutex
	clients map[chan streamMessage]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[chan streamMessage]struct{})}
}

func (h *hub) subscribe() chan streamMessage {
	ch := make(chan streamMessage, wsClientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan streamMessage) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

func (h *hub) broadcast(msg streamMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveStream(conn)
}

func (s *Server) serveStream(conn *websocket.Conn) {
	defer conn.Close()

	updates := s.hub.subscribe()
	defer s.hub.unsubscribe(updates)

	if err := writeStreamMessage(conn, statusMessage(s.ctrl.Snapshot())); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-updates:
			if err := writeStreamMessage(conn, msg); err != nil {
				return
			}
		case <-done:
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(wsWriteTimeout))
			return
		}
	}
}

func writeStreamMessage(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}
