package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/api/schemas"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Relay bridges WebSocket peers onto a Hub. Every peer is its own origin,
// so a peer never receives its own messages back.
type Relay struct {
	hub      *Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewRelay(hub *Hub, logger *zap.Logger) *Relay {
	return &Relay{
		hub:    hub,
		logger: logger.Named("broadcast_relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Peers are other local contexts (debug windows, extensions).
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and relays until the peer leaves.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("Broadcast upgrade failed.", zap.Error(err))
		return
	}
	origin := "ws-" + uuid.NewString()
	out, cancel := r.hub.Subscribe(origin)
	logger := r.logger.With(zap.String("origin", origin))
	logger.Debug("Broadcast peer joined.")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.writePump(conn, out, logger)
	}()

	r.readPump(conn, origin, logger)
	cancel()
	wg.Wait()
	logger.Debug("Broadcast peer left.")
}

func (r *Relay) readPump(conn *websocket.Conn, origin string, logger *zap.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg schemas.BroadcastMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Broadcast peer closed unexpectedly.", zap.Error(err))
			}
			return
		}
		if msg.Command == "" {
			continue
		}
		msg.Origin = origin
		r.hub.Publish(msg)
	}
}

func (r *Relay) writePump(conn *websocket.Conn, out <-chan schemas.BroadcastMessage, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				logger.Warn("Error writing broadcast message.", zap.Error(err))
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
