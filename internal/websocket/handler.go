package websocket

import (
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"backchannel/internal/authz"
	"backchannel/internal/coordinator"
	"backchannel/internal/moderation"
	"backchannel/internal/room"
	"backchannel/internal/session"
	"backchannel/pkg/interfaces"
	"backchannel/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is a deployment concern; front with a proxy in
		// production.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Options carries the transport timeouts from configuration.
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
	OpTimeout    time.Duration
}

// Handler upgrades HTTP requests, runs the per-connection read pump and
// dispatches operations to the coordinator components.
type Handler struct {
	registry    *session.Registry
	rooms       *room.Manager
	gate        *authz.Gate
	coordinator *coordinator.Coordinator
	moderation  *moderation.Controller
	store       interfaces.Store
	auth        interfaces.AuthService
	opts        Options
}

// NewHandler wires the transport to the coordinator components.
func NewHandler(
	registry *session.Registry,
	rooms *room.Manager,
	gate *authz.Gate,
	coord *coordinator.Coordinator,
	mod *moderation.Controller,
	store interfaces.Store,
	auth interfaces.AuthService,
	opts Options,
) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 10 * time.Second
	}
	return &Handler{
		registry:    registry,
		rooms:       rooms,
		gate:        gate,
		coordinator: coord,
		moderation:  mod,
		store:       store,
		auth:        auth,
		opts:        opts,
	}
}

// HandleWebSocket upgrades the request and runs the connection until the
// peer goes away. A `token` query parameter performs the identity attach
// during the handshake: a missing token leaves the connection anonymous
// but accepted, an invalid token or a blocked identity is rejected.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(ws, remoteIP(r), h.opts.BufferSize, h.opts.WriteTimeout)
	h.registry.Add(conn)

	if token := r.URL.Query().Get("token"); token != "" {
		ctx, cancel := h.opCtx()
		user, err := h.registry.Attach(ctx, conn, token)
		cancel()
		if err != nil {
			log.Printf("Handshake attach rejected: conn=%s: %v", conn.ID(), err)
			_ = conn.Push(types.EventForceLogout, map[string]string{"message": ackMessage(err)})
			h.registry.Detach(conn.ID())
			_ = conn.Close()
			return
		}
		log.Printf("Connection authenticated: conn=%s user=%s role=%s", conn.ID(), user.ID, user.Role)
	}

	log.Printf("Client connected: conn=%s addr=%s", conn.ID(), conn.RemoteAddr())
	go h.readPump(conn, ws)
}

func (h *Handler) readPump(conn *Connection, ws *websocket.Conn) {
	defer func() {
		h.registry.Detach(conn.ID())
		_ = conn.Close()
		log.Printf("Client disconnected: conn=%s", conn.ID())
	}()

	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.opts.WriteTimeout)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: conn=%s: %v", conn.ID(), err)
			}
			return
		}
		if messageType == websocket.TextMessage {
			h.dispatch(conn, data)
		}
	}
}

// remoteIP extracts the peer host, preferring the upgrade request address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
