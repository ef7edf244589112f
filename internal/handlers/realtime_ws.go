package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/crosspost-labs/crosspost/backend/internal/social"
)

// realtimeHub fans session and job events out to the user's open sockets.
type realtimeHub struct {
	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func newRealtimeHub() *realtimeHub {
	return &realtimeHub{conns: make(map[string]map[*websocket.Conn]struct{})}
}

func (h *realtimeHub) add(userID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(userID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		m = make(map[*websocket.Conn]struct{})
		h.conns[userID] = m
	}
	m[c] = struct{}{}
}

func (h *realtimeHub) remove(userID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(userID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		return
	}
	delete(m, c)
	if len(m) == 0 {
		delete(h.conns, userID)
	}
}

func (h *realtimeHub) broadcast(userID string, msg []byte) {
	if h == nil || strings.TrimSpace(userID) == "" || len(msg) == 0 {
		return
	}
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, 4)
	for c := range h.conns[userID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := websocket.Message.Send(c, string(msg)); err != nil {
			_ = c.Close()
			h.remove(userID, c)
		}
	}
}

// onSessionEvent is the session registry's notify hook: every progress
// change streams to the user's sockets as an upload_session event.
func (h *Handler) onSessionEvent(snap social.Snapshot) {
	h.emitEvent(snap.UserID, map[string]interface{}{
		"type":    "upload_session",
		"session": snap,
	})
}

func (h *Handler) emitEvent(userID string, event map[string]interface{}) {
	event["at"] = time.Now().UTC().Format(time.RFC3339)
	b, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.rt.broadcast(userID, b)
}

func isLoopbackRemoteAddr(remoteAddr string) bool {
	host := remoteAddr
	if hp, _, err := net.SplitHostPort(remoteAddr); err == nil && hp != "" {
		host = hp
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// internalWSAllowed gates the events socket: loopback is always allowed for
// local development; anything else needs the shared internal secret.
func internalWSAllowed(r *http.Request) bool {
	if isLoopbackRemoteAddr(r.RemoteAddr) {
		return true
	}
	sec := strings.TrimSpace(os.Getenv("INTERNAL_WS_SECRET"))
	if sec == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Internal-WS-Secret")) == sec
}

// EventsWebSocket streams realtime publish events for one user.
//
// URL: /api/events/ws?userId=...
// Auth: X-Internal-WS-Secret (or loopback when INTERNAL_WS_SECRET is unset)
func (h *Handler) EventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if !internalWSAllowed(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id_required")
		return
	}

	websocket.Handler(func(c *websocket.Conn) {
		h.rt.add(userID, c)
		defer func() {
			h.rt.remove(userID, c)
			_ = c.Close()
		}()
		h.logger.Printf("[WS] connected userId=%s", userID)

		// Reads are only used to detect the peer going away.
		for {
			var discard string
			if err := websocket.Message.Receive(c, &discard); err != nil {
				return
			}
		}
	}).ServeHTTP(w, r)
}
