package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/minahq/tether/channel"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64KB
)

// clientMessage is what a connected tab may send upstream. Only
// heartbeats are accepted; everything else goes through the REST API.
type clientMessage struct {
	Type string `json:"type"` // "heartbeat"
}

// Gateway upgrades WebSocket connections and bridges them into the
// channel service: each connection becomes one registration, and
// envelopes fanned out to that registration are written to the socket
// as JSON.
type Gateway struct {
	channels *channel.Service
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewGateway creates a gateway serving on addr (host:port).
func NewGateway(addr string, channels *channel.Service) *Gateway {
	g := &Gateway{
		channels: channels,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Browser tabs connect from arbitrary app origins;
				// auth happens at the application layer in front.
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleConnect)
	g.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g
}

// Start begins serving. Blocks until the server stops.
func (g *Gateway) Start() error {
	log.Info().Str("addr", g.server.Addr).Msg("WebSocket gateway listening")
	err := g.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the gateway down.
func (g *Gateway) Close() error {
	return g.server.Close()
}

// handleConnect upgrades the connection and registers the client.
// Query parameters: workspace_id (required), client_id (required),
// tab_id, user_id, events (comma-separated glob filters).
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	workspaceID, err := strconv.ParseInt(q.Get("workspace_id"), 10, 64)
	if err != nil {
		http.Error(w, "workspace_id is required", http.StatusBadRequest)
		return
	}

	clientID := q.Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	tabID := q.Get("tab_id")
	userID, _ := strconv.ParseInt(q.Get("user_id"), 10, 64)

	var eventFilters []string
	if raw := q.Get("events"); raw != "" {
		eventFilters = strings.Split(raw, ",")
	}

	client, err := g.channels.Register(workspaceID, clientID, tabID, userID, eventFilters)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.channels.Unregister(workspaceID, clientID)
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	log.Debug().
		Int64("workspace_id", workspaceID).
		Str("client_id", clientID).
		Str("remote", conn.RemoteAddr().String()).
		Msg("WebSocket client connected")

	go g.writePump(conn, client)
	go g.readPump(conn, client)
}

// readPump consumes frames from the peer. Pongs and heartbeat messages
// both refresh the registration's liveness. Exits (and unregisters) on
// any read error.
func (g *Gateway) readPump(conn *websocket.Conn, client *channel.Client) {
	defer func() {
		g.channels.Unregister(client.WorkspaceID, client.ID)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		g.channels.Heartbeat(client.WorkspaceID, client.ID)
		return nil
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read error")
			}
			return
		}

		if msg.Type == "heartbeat" {
			g.channels.Heartbeat(client.WorkspaceID, client.ID)
		}
	}
}

// writePump forwards fanned-out envelopes to the peer and keeps the
// connection alive with pings. Exits when the registration's event
// channel closes (unregister or stale eviction) or a write fails.
func (g *Gateway) writePump(conn *websocket.Conn, client *channel.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env, ok := <-client.Events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unregistered"))
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				log.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket write failed")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Addr returns the gateway's listen address.
func (g *Gateway) Addr() string {
	return g.server.Addr
}
