package service

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/broadcast"
	"github.com/xkilldash9x/rocker/internal/chat"
	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/executor"
	"github.com/xkilldash9x/rocker/internal/learning"
	"github.com/xkilldash9x/rocker/internal/page"
	"github.com/xkilldash9x/rocker/internal/prefs"
	"github.com/xkilldash9x/rocker/internal/router"
	"github.com/xkilldash9x/rocker/internal/scanner"
	"github.com/xkilldash9x/rocker/internal/sequencer"
	"github.com/xkilldash9x/rocker/internal/server"
	"github.com/xkilldash9x/rocker/internal/voice"
)

// BroadcastOrigin identifies the agent itself on the broadcast hub.
const BroadcastOrigin = "agent"

// Agent holds every component of a running agent and owns their lifecycle.
// Conversation and Voice are nil when their endpoints are not configured;
// DBPool is nil when running on in-memory stores.
type Agent struct {
	Config       config.Interface
	Page         page.Page
	Scanner      *scanner.Scanner
	Poller       *scanner.Poller
	Memory       schemas.SelectorMemory
	Recorder     *learning.Recorder
	Executor     *executor.Executor
	Sequencer    *sequencer.Sequencer
	Conversation *chat.Conversation
	Voice        *voice.Session
	Prefs        *prefs.Store
	Hub          *broadcast.Hub
	Overlay      *server.Overlay
	Router       *router.Router
	DBPool       *pgxpool.Pool

	logger      *zap.Logger
	releasePage func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
	// wg tracks voice dispatches and the background loops started by Start.
	wg sync.WaitGroup
}

// Start launches the background loops: learning writes, capability polling,
// broadcast consumption and the capability push to overlays. A voice
// session left in always-listening mode is restored.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started || a.stopped {
		a.mu.Unlock()
		return
	}
	a.started = true
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.Recorder.Start(runCtx)
	a.Poller.Start(runCtx)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Hub.Consume(runCtx, BroadcastOrigin, func(ctx context.Context, msg schemas.BroadcastMessage) {
			a.Router.HandleBroadcast(ctx, msg)
		})
	}()
	go func() {
		defer a.wg.Done()
		a.pushCapabilities(runCtx)
	}()

	if a.Voice != nil {
		if err := a.Voice.Restore(runCtx); err != nil {
			a.logger.Warn("Could not restore always-listening voice mode.", zap.Error(err))
		}
	}
	a.logger.Info("Agent started.")
}

func (a *Agent) pushCapabilities(ctx context.Context) {
	updates, unsubscribe := a.Poller.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case caps, ok := <-updates:
			if !ok {
				return
			}
			wire := make([]schemas.Capability, 0, len(caps))
			for _, c := range caps {
				wire = append(wire, c.Capability)
			}
			a.Overlay.Broadcast(server.MsgTypeCapabilities, map[string]any{"capabilities": wire})
		}
	}
}

// overlayClients follows the number of connected overlays. Scanning only
// runs while one is open, and the last one closing unmounts push-to-talk
// voice the way leaving the page would.
func (a *Agent) overlayClients(n int) {
	a.Poller.SetOverlayVisible(n > 0)
	if n == 0 && a.Voice != nil {
		a.Voice.Unmount()
	}
}

// lastReply feeds the voice session the reply to repeat after the page
// becomes visible again.
func (a *Agent) lastReply() (string, bool) {
	if a.Conversation == nil {
		return "", false
	}
	return a.Conversation.LastAssistant()
}

// dispatchUtterance runs final speech through the router off the voice
// read loop, so long procedures never stall transcript delivery.
func (a *Agent) dispatchUtterance(ctx context.Context, text string) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	go func() {
		defer a.wg.Done()
		a.Router.HandleUtterance(context.WithoutCancel(ctx), text)
	}()
}

// Shutdown stops producers first, then drains, then releases storage and
// the page. It is safe to call on a partially built or never started
// agent.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	cancel := a.cancel
	a.mu.Unlock()

	a.logger.Debug("Beginning agent shutdown sequence.")

	// 1. Stop the inputs: voice, in-flight chat and the broadcast hub.
	if a.Voice != nil {
		a.Voice.Close()
	}
	if a.Conversation != nil {
		a.Conversation.Cancel()
	}
	if cancel != nil {
		cancel()
	}
	if a.Hub != nil {
		a.Hub.Close()
	}

	// 2. Wait for dispatches and loops to finish.
	a.wg.Wait()
	if a.Poller != nil {
		a.Poller.Stop()
	}
	// 3. Flush learning signals while storage is still open.
	if a.Recorder != nil {
		a.Recorder.Stop()
	}

	// 4. Storage and page.
	if a.Prefs != nil {
		if err := a.Prefs.Close(); err != nil {
			a.logger.Warn("Error closing preference store.", zap.Error(err))
		}
	}
	if a.DBPool != nil {
		a.DBPool.Close()
		a.logger.Debug("Database connection pool closed.")
	}
	if a.releasePage != nil {
		a.releasePage()
	}
	a.logger.Info("Agent shut down.")
}

// Server builds the control server over this agent.
func (a *Agent) Server() *server.Server {
	deps := server.Deps{
		Router:       a.Router,
		Overlay:      a.Overlay,
		Relay:        broadcast.NewRelay(a.Hub, a.logger),
		Capabilities: a.Poller,
	}
	if a.Voice != nil {
		deps.Voice = a.Voice
	}
	return server.New(a.Config.Server(), deps, a.logger)
}
