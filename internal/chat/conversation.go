package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/api/schemas"
)

// historyLimit bounds how much history a session load pulls back.
const historyLimit = 200

// Conversation is the append-only message log of one chat session. A new
// Send cancels the request still in flight.
type Conversation struct {
	client Completer
	store  schemas.ConversationStore
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu        sync.Mutex
	sessionID string
	messages  []schemas.Message
	cancel    context.CancelFunc
	seq       uint64
}

// NewConversation starts a fresh session. A nil store keeps history in memory.
func NewConversation(client Completer, store schemas.ConversationStore, logger *zap.Logger) *Conversation {
	if store == nil {
		store = NewMemoryHistory()
	}
	return &Conversation{
		client:    client,
		store:     store,
		logger:    logger.Named("conversation"),
		now:       time.Now,
		newID:     uuid.NewString,
		sessionID: uuid.NewString(),
	}
}

// SessionID returns the current session identifier.
func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Messages returns a copy of the log.
func (c *Conversation) Messages() []schemas.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schemas.Message(nil), c.messages...)
}

// LastAssistant returns the most recent assistant reply.
func (c *Conversation) LastAssistant() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role == schemas.RoleAssistant {
			return c.messages[i].Content, true
		}
	}
	return "", false
}

// Send appends the user's text, asks for a completion and appends the
// reply. A superseded or aborted request returns ErrCanceled.
func (c *Conversation) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancel = cancel
	c.seq++
	seq := c.seq
	sessionID := c.sessionID
	user := c.appendLocked(schemas.RoleUser, text)
	c.mu.Unlock()

	c.persist(ctx, user)

	resp, err := c.client.Complete(reqCtx, Request{Message: text, SessionID: sessionID})

	c.mu.Lock()
	current := seq == c.seq
	if current {
		c.cancel = nil
	}
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) || !current {
			c.logger.Debug("Chat request canceled.", zap.Uint64("seq", seq))
			return "", ErrCanceled
		}
		return "", err
	}
	if !current || c.sessionID != sessionID {
		c.mu.Unlock()
		return "", ErrCanceled
	}
	adopted := resp.SessionID != "" && resp.SessionID != sessionID
	if adopted {
		c.adoptLocked(resp.SessionID)
		user.SessionID = resp.SessionID
	}
	reply := c.appendLocked(schemas.RoleAssistant, resp.Reply)
	c.mu.Unlock()

	if adopted {
		c.persist(ctx, user)
	}
	c.persist(ctx, reply)
	return resp.Reply, nil
}

// adoptLocked switches to the session id the endpoint assigned. Messages
// already in the log move with it so later persistence stays under one id.
func (c *Conversation) adoptLocked(id string) {
	c.logger.Debug("Adopting server session id.", zap.String("from", c.sessionID), zap.String("to", id))
	c.sessionID = id
	for i := range c.messages {
		c.messages[i].SessionID = id
	}
}

// Cancel aborts the request in flight, if any.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.seq++
}

// Load replaces the log with the stored history of sessionID.
func (c *Conversation) Load(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, errors.New("session id is required")
	}
	history, err := c.store.History(ctx, sessionID, historyLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.seq++
	c.sessionID = sessionID
	c.messages = history
	c.logger.Info("Loaded conversation.", zap.String("session_id", sessionID), zap.Int("messages", len(history)))
	return len(history), nil
}

func (c *Conversation) appendLocked(role schemas.Role, content string) schemas.Message {
	msg := schemas.Message{
		ID:        c.newID(),
		SessionID: c.sessionID,
		Role:      role,
		Content:   content,
		Timestamp: c.now().UTC(),
	}
	c.messages = append(c.messages, msg)
	return msg
}

// persist is best effort; the in-memory log stays authoritative for the
// running session.
func (c *Conversation) persist(ctx context.Context, msg schemas.Message) {
	if err := c.store.Append(context.WithoutCancel(ctx), msg); err != nil {
		c.logger.Warn("Failed to persist chat message.", zap.String("session_id", msg.SessionID), zap.Error(err))
	}
}

// MemoryHistory is a process-local ConversationStore.
type MemoryHistory struct {
	mu       sync.RWMutex
	sessions map[string][]schemas.Message
}

var _ schemas.ConversationStore = (*MemoryHistory)(nil)

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{sessions: make(map[string][]schemas.Message)}
}

func (h *MemoryHistory) Append(_ context.Context, msg schemas.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[msg.SessionID] = append(h.sessions[msg.SessionID], msg)
	return nil
}

// History returns the newest limit messages in chronological order; limit
// <= 0 returns everything.
func (h *MemoryHistory) History(_ context.Context, sessionID string, limit int) ([]schemas.Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	all := h.sessions[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]schemas.Message(nil), all...), nil
}
