package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/broadcast"
	"github.com/xkilldash9x/rocker/internal/chat"
	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/executor"
	"github.com/xkilldash9x/rocker/internal/ingest"
	"github.com/xkilldash9x/rocker/internal/learning"
	"github.com/xkilldash9x/rocker/internal/memory"
	"github.com/xkilldash9x/rocker/internal/page"
	"github.com/xkilldash9x/rocker/internal/page/cdppage"
	"github.com/xkilldash9x/rocker/internal/router"
	"github.com/xkilldash9x/rocker/internal/scanner"
	"github.com/xkilldash9x/rocker/internal/sequencer"
	"github.com/xkilldash9x/rocker/internal/server"
	"github.com/xkilldash9x/rocker/internal/voice"
	"github.com/xkilldash9x/rocker/internal/voice/realtime"
)

// Build wires an agent around p. release, if not nil, is called when the
// agent shuts down. On error everything created so far is torn down,
// release included.
func Build(ctx context.Context, cfg config.Interface, p page.Page, release func(), logger *zap.Logger) (*Agent, error) {
	a := &Agent{
		Config:      cfg,
		Page:        p,
		logger:      logger.Named("agent"),
		releasePage: release,
	}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			a.Shutdown()
		}
	}()

	// 1. Durable storage, or in-memory fallbacks.
	stores, pool, err := InitializeStores(ctx, cfg.Database(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	a.DBPool = pool
	a.Memory = stores.Memory

	// 2. Preferences.
	a.Prefs = InitializePrefs(ctx, cfg.Prefs(), logger)

	// 3. Discovery, learning, execution.
	a.Scanner = scanner.New(p, cfg.Scanner(), logger)
	a.Poller = scanner.NewPoller(a.Scanner, cfg.Scanner().PollInterval, logger)
	a.Recorder = learning.NewRecorder(stores.Learning, cfg.Learning(), logger)
	a.Executor = executor.New(p, a.Scanner, a.Memory, a.Recorder, cfg.Executor(), logger)
	a.Sequencer = sequencer.New(a.Executor, cfg.Sequencer(), logger)

	// 4. Outer surfaces.
	a.Hub = broadcast.NewHub(logger)
	a.Overlay = server.NewOverlay(logger)

	if cfg.Chat().Endpoint != "" {
		a.Conversation = chat.NewConversation(chat.NewClient(cfg.Chat(), nil, logger), stores.History, logger)
	} else {
		logger.Info("No chat endpoint configured; free-form questions will be declined.")
	}

	if cfg.Voice().RealtimeURL != "" {
		a.Voice = voice.New(
			realtime.NewIssuer(cfg.Voice(), nil, logger),
			realtime.NewDialer(cfg.Voice(), logger),
			microphoneFor(p),
			a.Prefs,
			voice.Hooks{
				Utterance: a.dispatchUtterance,
				Interim: func(text string) {
					a.Overlay.Broadcast(server.MsgTypeTranscript, map[string]any{"text": text})
				},
				Status: func(voice.Status) {
					a.Overlay.Broadcast(server.MsgTypeVoiceState, map[string]any{"state": a.Voice.Snapshot()})
				},
				Failure: func(err error) {
					a.Overlay.Notify(context.Background(), router.Notice{
						Level:   router.LevelError,
						Message: "Voice connection lost: " + err.Error(),
						Source:  router.SourceVoice,
					})
				},
				LastReply: a.lastReply,
			},
			cfg.Voice(),
			logger,
		)
	} else {
		logger.Info("No realtime voice endpoint configured; voice mode is disabled.")
	}

	// 5. Router.
	deps := router.Deps{
		Page:       p,
		Actions:    a.Executor,
		Procedures: a.Sequencer,
		Overlay:    a.Poller,
		Learner:    a.Recorder,
		Notifier:   a.Overlay,
		Entities:   entityForm{seq: a.Sequencer},
		Ingestor:   ingest.NewFetcher(nil, logger),
	}
	// Typed nils must not reach the router's interfaces.
	if a.Voice != nil {
		deps.Voice = a.Voice
	}
	if a.Conversation != nil {
		deps.Conversation = a.Conversation
	}
	a.Router = router.New(deps, cfg.Routes(), logger)
	a.Overlay.Attach(a.Router, a.overlayClients)

	logger.Info("Agent components initialized.",
		zap.Bool("durable_store", pool != nil),
		zap.Bool("chat", a.Conversation != nil),
		zap.Bool("voice", a.Voice != nil))
	return a, nil
}

// microphoneFor probes the real microphone on a live tab and treats static
// pages as always granted.
func microphoneFor(p page.Page) voice.Permission {
	if live, ok := p.(*cdppage.Page); ok {
		return live.Microphone()
	}
	return voice.StaticPermission(true)
}

// entityForm creates records by filling the host application's own forms.
type entityForm struct {
	seq *sequencer.Sequencer
}

var _ router.EntityCreator = entityForm{}

// CreateEntity implements router.EntityCreator. The host application
// assigns ids, so none is returned.
func (f entityForm) CreateEntity(ctx context.Context, kind string, fields map[string]string) (string, error) {
	if kind == "" {
		return "", errors.New("entity kind is required")
	}
	res := f.seq.CreateEntity(ctx, kind, fields)
	if !res.Success {
		return "", fmt.Errorf("%s", res.Message)
	}
	return "", nil
}

// Stores groups the persistence ports. Learning is nil when there is no
// durable store; the recorder then keeps tallies in memory only.
type Stores struct {
	Memory   schemas.SelectorMemory
	Learning schemas.LearningStore
	History  schemas.ConversationStore
}

func inMemoryStores() Stores {
	return Stores{
		Memory:  memory.New(),
		History: chat.NewMemoryHistory(),
	}
}
