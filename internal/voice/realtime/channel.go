// Package realtime connects the voice session to the realtime audio
// service: an HTTP credential issuer and a WebSocket JSON event channel.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/voice"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Transcripts are short; audio never travels on this socket.
	maxMessageSize = 64 * 1024
	sendChannelSize = 64
)

// Event types on the wire.
const (
	TypeListen       = "listen"
	TypeSpeak        = "speak"
	TypeCancel       = "cancel"
	TypeTranscript   = "transcript"
	TypePlaybackDone = "playback_done"
	TypeStatus       = "status"
	TypeError        = "error"
)

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New("realtime channel is closed")

// Event is one JSON frame in either direction.
type Event struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	Final   bool   `json:"final,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Dialer opens realtime channels with a credential.
type Dialer struct {
	url    string
	ws     *websocket.Dialer
	logger *zap.Logger
}

var _ voice.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer for cfg.RealtimeURL.
func NewDialer(cfg config.VoiceConfig, logger *zap.Logger) *Dialer {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dialer{
		url: cfg.RealtimeURL,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		logger: logger.Named("realtime"),
	}
}

// Dial implements voice.Dialer.
func (d *Dialer) Dial(ctx context.Context, cred voice.Credential, events voice.Events) (voice.Channel, error) {
	if d.url == "" {
		return nil, &voice.Error{Reason: voice.ReasonNetwork, Err: errors.New("no realtime endpoint configured")}
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)

	conn, resp, err := d.ws.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &voice.Error{Reason: voice.ReasonCredential, Err: fmt.Errorf("realtime service rejected the credential: %s", resp.Status)}
		}
		return nil, &voice.Error{Reason: voice.ReasonNetwork, Err: err}
	}

	c := &Channel{
		conn:   conn,
		send:   make(chan []byte, sendChannelSize),
		done:   make(chan struct{}),
		events: events,
		logger: d.logger,
	}
	c.writer.Add(1)
	go c.writePump()
	go c.readPump()
	d.logger.Debug("Realtime channel open.", zap.String("url", d.url))
	return c, nil
}

// Channel is a live realtime connection.
type Channel struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	closing atomic.Bool
	writer  sync.WaitGroup
	events  voice.Events
	logger  *zap.Logger
}

var _ voice.Channel = (*Channel)(nil)

// SetListening implements voice.Channel.
func (c *Channel) SetListening(ctx context.Context, enabled bool) error {
	return c.enqueue(ctx, Event{Type: TypeListen, Enabled: &enabled})
}

// Speak implements voice.Channel.
func (c *Channel) Speak(ctx context.Context, id, text string) error {
	return c.enqueue(ctx, Event{Type: TypeSpeak, ID: id, Text: text})
}

// Cancel implements voice.Channel.
func (c *Channel) Cancel(ctx context.Context, id string) error {
	return c.enqueue(ctx, Event{Type: TypeCancel, ID: id})
}

// Close implements voice.Channel. It does not wait for the read loop, so it
// is safe to call from inside an event callback.
func (c *Channel) Close() error {
	c.closing.Store(true)
	c.shutdown()
	c.writer.Wait()
	return nil
}

func (c *Channel) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Channel) enqueue(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.closed(err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closed(nil)
			} else {
				c.closed(err)
			}
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("Dropping malformed realtime event.", zap.Error(err))
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Channel) dispatch(ev Event) {
	switch ev.Type {
	case TypeTranscript:
		if c.events.Transcript != nil {
			c.events.Transcript(ev.Text, ev.Final)
		}
	case TypePlaybackDone:
		if c.events.PlaybackDone != nil {
			c.events.PlaybackDone(ev.ID)
		}
	case TypeStatus:
		c.logger.Debug("Realtime service status.", zap.String("status", ev.Status))
	case TypeError:
		c.logger.Warn("Realtime service reported an error.", zap.String("message", ev.Message))
	default:
		c.logger.Debug("Ignoring unknown realtime event.", zap.String("type", ev.Type))
	}
}

// closed reports a connection end the session did not ask for.
func (c *Channel) closed(err error) {
	if c.closing.Load() {
		return
	}
	if c.events.Closed != nil {
		c.events.Closed(err)
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.writer.Done()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("Error writing realtime event.", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
