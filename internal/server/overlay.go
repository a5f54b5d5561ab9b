package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/router"
)

// MessageType names an overlay WebSocket message.
type MessageType string

const (
	// Client to server.
	MsgTypeUtterance  MessageType = "Utterance"
	MsgTypeToolCall   MessageType = "ToolCall"
	MsgTypeVisibility MessageType = "Visibility"

	// Server to client.
	MsgTypeOutcome      MessageType = "Outcome"
	MsgTypeNotice       MessageType = "Notice"
	MsgTypeCapabilities MessageType = "Capabilities"
	MsgTypeVoiceState   MessageType = "VoiceState"
	MsgTypeTranscript   MessageType = "Transcript"
	MsgTypeSystemError  MessageType = "SystemError"
)

// WSMessage is the envelope for every overlay message.
type WSMessage struct {
	Type MessageType    `json:"type"`
	Data map[string]any `json:"data,omitempty"`
	// Timestamp is RFC3339, matching the overlay's Date parsing.
	Timestamp string `json:"timestamp"`
	// RequestID correlates an Outcome with the message that caused it.
	RequestID string `json:"request_id,omitempty"`
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 8192
	// Send buffer size
	sendChannelSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The overlay is injected into arbitrary pages, so any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Overlay fans server events out to every connected overlay and feeds
// overlay input to the router. It is the router's Notifier.
type Overlay struct {
	logger *zap.Logger

	mu         sync.RWMutex
	clients    map[*wsClient]struct{}
	dispatcher Dispatcher
	// onCount reports the number of connected overlays, which drives the
	// scanner's poll gate.
	onCount func(n int)
	wg      sync.WaitGroup
}

var _ router.Notifier = (*Overlay)(nil)

func NewOverlay(logger *zap.Logger) *Overlay {
	return &Overlay{
		logger:  logger.Named("overlay"),
		clients: make(map[*wsClient]struct{}),
	}
}

// Attach sets the router that receives overlay input. onCount may be nil.
func (o *Overlay) Attach(d Dispatcher, onCount func(n int)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatcher = d
	o.onCount = onCount
}

// Notify implements router.Notifier.
func (o *Overlay) Notify(_ context.Context, n router.Notice) {
	o.Broadcast(MsgTypeNotice, map[string]any{
		"level":   string(n.Level),
		"message": n.Message,
		"source":  string(n.Source),
		"command": n.Command,
	})
}

// Broadcast queues a message for every connected overlay.
func (o *Overlay) Broadcast(t MessageType, data map[string]any) {
	msg := newMessage(t, "", data)
	o.mu.RLock()
	defer o.mu.RUnlock()
	for c := range o.clients {
		c.enqueue(msg)
	}
}

func newMessage(t MessageType, requestID string, data map[string]any) WSMessage {
	return WSMessage{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// Clients returns the number of connected overlays.
func (o *Overlay) Clients() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.clients)
}

// Close drops every overlay connection and waits for in-flight dispatches.
func (o *Overlay) Close() {
	o.mu.RLock()
	for c := range o.clients {
		_ = c.conn.Close()
	}
	o.mu.RUnlock()
	o.wg.Wait()
}

func (o *Overlay) register(c *wsClient) {
	o.mu.Lock()
	o.clients[c] = struct{}{}
	n, cb := len(o.clients), o.onCount
	o.mu.Unlock()
	if cb != nil {
		cb(n)
	}
}

func (o *Overlay) unregister(c *wsClient) {
	o.mu.Lock()
	if _, ok := o.clients[c]; ok {
		delete(o.clients, c)
		close(c.send)
	}
	n, cb := len(o.clients), o.onCount
	o.mu.Unlock()
	if cb != nil {
		cb(n)
	}
}

func (o *Overlay) router() Dispatcher {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dispatcher
}

// ServeHTTP upgrades the connection and runs the pumps until the overlay
// goes away.
func (o *Overlay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Error("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}
	c := &wsClient{
		overlay: o,
		conn:    conn,
		send:    make(chan WSMessage, sendChannelSize),
		logger:  o.logger.With(zap.String("remoteAddr", r.RemoteAddr)),
	}
	o.register(c)
	c.logger.Info("Overlay connected.")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump()
	o.unregister(c)
	<-done
	c.logger.Debug("Overlay handler finished.")
}

// wsClient is one connected overlay.
type wsClient struct {
	overlay *Overlay
	conn    *websocket.Conn
	// Buffered channel of outgoing messages. The writePump reads from this.
	send   chan WSMessage
	logger *zap.Logger
}

func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("Failed to set initial read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Overlay closed unexpectedly", zap.Error(err))
			}
			return
		}
		c.processMessage(msg)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Warn("Error writing overlay message", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage turns overlay input into an intent. Dispatch runs off the
// read loop so pongs and closes stay responsive.
func (c *wsClient) processMessage(msg WSMessage) {
	d := c.overlay.router()
	if d == nil {
		c.sendError(msg.RequestID, "The agent is not ready yet.")
		return
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	var run func(ctx context.Context) router.Outcome
	switch msg.Type {
	case MsgTypeUtterance:
		text, _ := msg.Data["text"].(string)
		if strings.TrimSpace(text) == "" {
			c.sendError(msg.RequestID, "Utterance requires a non-empty 'text'.")
			return
		}
		run = func(ctx context.Context) router.Outcome {
			return d.Dispatch(ctx, router.Intent{Source: router.SourceUI, Command: router.ParseUtterance(text)})
		}
	case MsgTypeToolCall:
		name, _ := msg.Data["name"].(string)
		args, _ := msg.Data["args"].(map[string]any)
		run = func(ctx context.Context) router.Outcome {
			return d.HandleToolCall(ctx, name, args)
		}
	case MsgTypeVisibility:
		surface, _ := msg.Data["surface"].(string)
		visible, _ := msg.Data["visible"].(bool)
		run = func(ctx context.Context) router.Outcome {
			return d.Dispatch(ctx, router.Intent{Source: router.SourceUI, Command: router.Visibility{Surface: router.Surface(surface), Visible: visible}})
		}
	default:
		c.logger.Warn("Received unknown message type from overlay", zap.String("type", string(msg.Type)))
		c.sendError(msg.RequestID, "Unknown or unsupported message type: "+string(msg.Type))
		return
	}

	c.overlay.wg.Add(1)
	go func() {
		defer c.overlay.wg.Done()
		out := run(context.Background())
		c.sendMessage(MsgTypeOutcome, msg.RequestID, map[string]any{
			"success": out.Success,
			"message": out.Message,
			"data":    out.Data,
		})
	}()
}

// sendMessage queues a message, dropping it when the client is not keeping
// up. A client that already left is skipped.
func (c *wsClient) sendMessage(t MessageType, requestID string, data map[string]any) {
	c.overlay.mu.RLock()
	defer c.overlay.mu.RUnlock()
	if _, live := c.overlay.clients[c]; !live {
		return
	}
	c.enqueue(newMessage(t, requestID, data))
}

// enqueue must be called with the overlay lock held so send is not closed
// underneath it.
func (c *wsClient) enqueue(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		c.logger.Error("WebSocket send buffer full, dropping message. Client may be unresponsive.",
			zap.String("requestID", msg.RequestID), zap.String("type", string(msg.Type)))
	}
}

func (c *wsClient) sendError(requestID, message string) {
	c.sendMessage(MsgTypeSystemError, requestID, map[string]any{"error": message})
}
