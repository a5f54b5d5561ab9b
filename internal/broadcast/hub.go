// Package broadcast delivers commands between execution contexts: an
// in-process hub plus a WebSocket relay that lets other contexts join it.
package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/api/schemas"
)

const subscriberBuffer = 32

type subscriber struct {
	origin string
	ch     chan schemas.BroadcastMessage
}

// Hub fans messages out to every subscriber except the sender.
type Hub struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	next   uint64
	closed bool
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger.Named("broadcast"),
		subs:   make(map[uint64]*subscriber),
	}
}

// Subscribe registers a receiver identified by origin. Messages carrying
// the same origin are not echoed back. The returned cancel func closes the
// channel and is safe to call more than once.
func (h *Hub) Subscribe(origin string) (<-chan schemas.BroadcastMessage, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan schemas.BroadcastMessage, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = &subscriber{origin: origin, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if s, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
		})
	}
}

// Publish delivers msg without blocking and returns how many subscribers
// received it. A subscriber whose buffer is full misses the message.
func (h *Hub) Publish(msg schemas.BroadcastMessage) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, s := range h.subs {
		if msg.Origin != "" && s.origin == msg.Origin {
			continue
		}
		select {
		case s.ch <- msg:
			delivered++
		default:
			h.logger.Warn("Broadcast subscriber is not keeping up, dropping message.",
				zap.String("subscriber", s.origin),
				zap.String("command", msg.Command))
		}
	}
	return delivered
}

// Consume delivers allowed messages to fn until ctx ends or the hub closes.
// Messages without Allowed are logged and dropped.
func (h *Hub) Consume(ctx context.Context, origin string, fn func(context.Context, schemas.BroadcastMessage)) {
	ch, cancel := h.Subscribe(origin)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !msg.Allowed {
				h.logger.Info("Ignoring broadcast command that is not allowed.",
					zap.String("command", msg.Command),
					zap.String("role", msg.Role),
					zap.String("reason", msg.Reason))
				continue
			}
			fn(ctx, msg)
		}
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}
