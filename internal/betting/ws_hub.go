package betting

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lottonet/ledger-core/internal/metrics"
	"github.com/lottonet/ledger-core/internal/tenant"
)

// WSMessage is a bet lifecycle event pushed to WebSocket clients.
type WSMessage struct {
	Type       string `json:"type"`
	BetID      string `json:"bet_id"`
	OwnerID    string `json:"owner_id"`
	TenantID   string `json:"tenant_id,omitempty"`
	Status     string `json:"status"`
	Amount     string `json:"amount,omitempty"`
	Payout     string `json:"payout,omitempty"`
	ProfitLoss string `json:"profit_loss,omitempty"`
}

type envelope struct {
	tenantID string
	data     []byte
}

// WSHub fans bet events out to connected clients. A client only receives
// events of the tenant it authenticated into; ADMIN clients receive all.
type WSHub struct {
	clients    map[*websocket.Conn]tenant.Scope
	broadcast  chan envelope
	register   chan wsClient
	unregister chan *websocket.Conn
	stopped    chan struct{}
	mu         sync.RWMutex
	log        *slog.Logger
}

type wsClient struct {
	conn  *websocket.Conn
	scope tenant.Scope
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]tenant.Scope),
		broadcast:  make(chan envelope, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		stopped:    make(chan struct{}),
		log:        logger,
	}
}

// Run starts the hub's event loop until done is closed. Must be called in
// a goroutine.
func (h *WSHub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			close(h.stopped)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.scope
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Info("ws client connected", "actor", c.scope.ActorID, "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case env := <-h.broadcast:
			h.mu.Lock()
			for conn, scope := range h.clients {
				if !scope.All && scope.TenantID != env.tenantID {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, env.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Broadcast queues a message for every client allowed to see its tenant.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- envelope{tenantID: msg.TenantID, data: data}:
	default:
		// Drop rather than block a ledger operation.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests. The caller must already be
// authenticated by the identity middleware.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	scope, err := tenant.ScopeOf(caller)
	if err != nil {
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, scope: scope}:
	case <-h.stopped:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.stopped:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
