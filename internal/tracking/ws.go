package tracking

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"taxi-service/pkg/jwt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// safeConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket allows one concurrent writer; this enforces that.
type safeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *safeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *safeConn) readMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}

func (c *safeConn) close() { c.ws.Close() }

// Hub manages WebSocket connections per channel. A channel is either a user
// id (authenticated app connection) or "track:<token>" (public ride tracking).
type Hub struct {
	mu    sync.RWMutex
	conns map[string][]*safeConn
}

// NewHub creates a connection hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string][]*safeConn)}
}

// Routes returns the /ws mount point. The user stream needs a JWT, as a
// Bearer header or a ?token= query param (browser WebSocket clients cannot
// set headers); the share-token stream is public.
func (h *Hub) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleUserWS)
	r.Get("/track/{token}", h.handleTrackWS)
	return r
}

func (h *Hub) handleUserWS(w http.ResponseWriter, r *http.Request) {
	claims := jwt.GetClaims(r.Context())
	if claims == nil {
		if raw := r.URL.Query().Get("token"); raw != "" {
			claims, _ = jwt.Validate(raw)
		}
	}
	if claims == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	h.serve(w, r, claims.UserID)
}

func (h *Hub) handleTrackWS(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		http.Error(w, `{"error":"token required"}`, http.StatusBadRequest)
		return
	}
	h.serve(w, r, "track:"+token)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, channel string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	conn := &safeConn{ws: ws}

	h.mu.Lock()
	h.conns[channel] = append(h.conns[channel], conn)
	h.mu.Unlock()

	log.Printf("[ws] client connected to %s", channel)

	// Block until the client disconnects
	for {
		if _, _, err := conn.readMessage(); err != nil {
			break
		}
	}

	h.removeConn(channel, conn)
	conn.close()
	log.Printf("[ws] client disconnected from %s", channel)
}

// PushToUser delivers a payload to every local connection on a channel.
// Safe for concurrent calls; each safeConn serialises its own writes.
func (h *Hub) PushToUser(channel, event string, payload any) {
	h.mu.RLock()
	conns := h.conns[channel]
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}
	msg := map[string]any{
		"event":   event,
		"payload": payload,
		"ts":      time.Now().Unix(),
	}
	for _, c := range conns {
		if err := c.writeJSON(msg); err != nil {
			log.Printf("[ws] write error on %s: %v", channel, err)
		}
	}
}

func (h *Hub) removeConn(channel string, conn *safeConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.conns[channel]
	for i, c := range conns {
		if c == conn {
			h.conns[channel] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.conns[channel]) == 0 {
		delete(h.conns, channel)
	}
}
