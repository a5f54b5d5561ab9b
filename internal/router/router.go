package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/chat"
	"github.com/xkilldash9x/rocker/internal/ingest"
	"github.com/xkilldash9x/rocker/internal/page"
	"github.com/xkilldash9x/rocker/internal/sequencer"
	"github.com/xkilldash9x/rocker/internal/voice"
)

// -- Collaborators --

// Actions performs single page actions. *executor.Executor satisfies it.
type Actions interface {
	Execute(ctx context.Context, cmd schemas.ActionCommand) schemas.ActionResult
	Teach(ctx context.Context, name, selector string) schemas.ActionResult
}

// Procedures runs the built-in procedures. *sequencer.Sequencer satisfies it.
type Procedures interface {
	PublishPost(ctx context.Context, content string) sequencer.Result
	Search(ctx context.Context, query string) sequencer.Result
}

// Voice is the voice session. *voice.Session satisfies it.
type Voice interface {
	ToggleVoiceMode(ctx context.Context) error
	ToggleAlwaysListening(ctx context.Context) error
	SetHidden(ctx context.Context, hidden bool) error
	Speak(ctx context.Context, text string) error
	BargeIn() bool
	// Unmount ends a push-to-talk session; always-listening survives it.
	Unmount()
	Snapshot() voice.State
}

// Conversation is the chat session. *chat.Conversation satisfies it.
type Conversation interface {
	Send(ctx context.Context, text string) (string, error)
	Load(ctx context.Context, sessionID string) (int, error)
}

// Overlay tracks overlay visibility. *scanner.Poller satisfies it.
type Overlay interface {
	SetOverlayVisible(visible bool)
}

// Learner receives positive and negative reinforcement.
type Learner interface {
	Record(target, route string, success bool, source string)
}

// EntityCreator creates business records in the host application.
type EntityCreator interface {
	CreateEntity(ctx context.Context, kind string, fields map[string]string) (id string, err error)
}

// Ingestor turns a URL or file into text.
type Ingestor interface {
	Ingest(ctx context.Context, source string) (ingest.Document, error)
}

// Level grades a notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
	// LevelReply carries an assistant chat reply.
	LevelReply Level = "reply"
)

// Notice is a user-visible notification.
type Notice struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
	Source  Source `json:"source"`
	Command string `json:"command"`
}

// Notifier shows notices to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice)

func (f NotifierFunc) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// Deps are the router's collaborators. Page and Actions are required;
// commands whose collaborator is missing fail with a clear message.
type Deps struct {
	Page         page.Page
	Actions      Actions
	Procedures   Procedures
	Voice        Voice
	Conversation Conversation
	Overlay      Overlay
	Learner      Learner
	Notifier     Notifier
	Entities     EntityCreator
	Ingestor     Ingestor
}

// Router dispatches intents.
type Router struct {
	deps   Deps
	routes map[string]string
	logger *zap.Logger
}

// New creates a Router. routes maps page names to paths.
func New(deps Deps, routes map[string]string, logger *zap.Logger) *Router {
	aliases := make(map[string]string, len(routes))
	for name, path := range routes {
		aliases[schemas.NormalizeName(name)] = path
	}
	return &Router{deps: deps, routes: aliases, logger: logger.Named("router")}
}

// HandleUtterance dispatches final voice input.
func (r *Router) HandleUtterance(ctx context.Context, text string) Outcome {
	return r.Dispatch(ctx, Intent{Source: SourceVoice, Command: ParseUtterance(text)})
}

// HandleToolCall dispatches a chat tool call.
func (r *Router) HandleToolCall(ctx context.Context, name string, args map[string]any) Outcome {
	cmd, err := ParseToolCall(name, args)
	if err != nil {
		out := Outcome{Message: err.Error()}
		r.report(ctx, Intent{Source: SourceTool}, out)
		return out
	}
	return r.Dispatch(ctx, Intent{Source: SourceTool, Command: cmd})
}

// HandleBroadcast acts on a message from another context. Messages that
// are not allowed are dropped without notice.
func (r *Router) HandleBroadcast(ctx context.Context, msg schemas.BroadcastMessage) Outcome {
	if !msg.Allowed {
		r.logger.Info("Refusing broadcast command.",
			zap.String("command", msg.Command),
			zap.String("role", msg.Role),
			zap.String("reason", msg.Reason))
		return Outcome{Silent: true, Message: "not allowed"}
	}
	cmd := ParseUtterance(msg.Command)
	if _, isChat := cmd.(Chat); isChat {
		out := Outcome{Message: fmt.Sprintf("unrecognized command: %s", msg.Command)}
		r.report(ctx, Intent{Source: SourceBroadcast}, out)
		return out
	}
	return r.Dispatch(ctx, Intent{Source: SourceBroadcast, Command: cmd})
}

// Dispatch carries out one intent and reports the outcome. Typed input
// barges in on any speech in progress before anything else happens.
func (r *Router) Dispatch(ctx context.Context, in Intent) Outcome {
	if typed(in) && r.deps.Voice != nil && r.deps.Voice.BargeIn() {
		r.logger.Debug("Typed input interrupted playback.")
	}
	out := r.dispatch(ctx, in)
	r.logger.Debug("Dispatched intent.",
		zap.String("source", string(in.Source)),
		zap.String("command", Name(in.Command)),
		zap.Bool("success", out.Success))
	r.report(ctx, in, out)
	// Leaving the page unmounts the voice controls. Feedback is spoken
	// first so a push-to-talk user still hears where they went.
	if out.navigated && r.deps.Voice != nil {
		r.deps.Voice.Unmount()
	}
	return out
}

func (r *Router) dispatch(ctx context.Context, in Intent) Outcome {
	switch c := in.Command.(type) {
	case Navigate:
		return r.navigate(ctx, c)
	case Click:
		return r.act(ctx, schemas.Click(c.Target))
	case Fill:
		return r.act(ctx, schemas.Fill(c.Target, c.Value))
	case Read:
		return fromAction(r.deps.Actions.Execute(ctx, schemas.Read()))
	case Scroll:
		if err := r.deps.Page.Scroll(ctx, c.Direction); err != nil {
			return Outcome{Message: fmt.Sprintf("could not scroll %s: %v", c.Direction, err)}
		}
		return Outcome{Success: true, Message: fmt.Sprintf("scrolled %s", c.Direction)}
	case CreateEntity:
		return r.createEntity(ctx, c)
	case Ingest:
		return r.ingest(ctx, c)
	case Procedure:
		return r.procedure(ctx, c)
	case Teach:
		return fromAction(r.deps.Actions.Teach(ctx, c.Name, c.Selector))
	case Chat:
		return r.chat(ctx, c.Text)
	case LoadSession:
		return r.loadSession(ctx, c)
	case VoiceToggle:
		return r.toggleVoice(ctx, false)
	case AlwaysListeningToggle:
		return r.toggleVoice(ctx, true)
	case Visibility:
		return r.visibility(ctx, c)
	case nil:
		return Outcome{Message: "empty command"}
	default:
		return Outcome{Message: fmt.Sprintf("unsupported command %s", Name(c))}
	}
}

// report is the only path to the user: a notice, plus speech when the
// intent was spoken.
func (r *Router) report(ctx context.Context, in Intent, out Outcome) {
	if out.Silent || out.Message == "" {
		return
	}
	level := LevelInfo
	if !out.Success {
		level = LevelError
	} else if _, isChat := in.Command.(Chat); isChat {
		level = LevelReply
	}
	if r.deps.Notifier != nil {
		r.deps.Notifier.Notify(ctx, Notice{Level: level, Message: out.Message, Source: in.Source, Command: Name(in.Command)})
	}
	if in.Source == SourceVoice && r.deps.Voice != nil {
		if err := r.deps.Voice.Speak(ctx, out.Message); err != nil && !errors.Is(err, voice.ErrNotConnected) {
			r.logger.Warn("Could not speak feedback.", zap.Error(err))
		}
	}
}

// typed reports whether in is text the user entered, as opposed to
// bookkeeping such as visibility changes or voice toggles.
func typed(in Intent) bool {
	if in.Source != SourceUI && in.Source != SourceChat {
		return false
	}
	switch in.Command.(type) {
	case Visibility, VoiceToggle, AlwaysListeningToggle, LoadSession, nil:
		return false
	}
	return true
}

func fromAction(res schemas.ActionResult) Outcome {
	return Outcome{Success: res.Success, Message: res.Message, Data: res.Data}
}

func (r *Router) currentRoute(ctx context.Context) string {
	route, err := r.deps.Page.Route(ctx)
	if err != nil {
		return ""
	}
	return route
}

func (r *Router) learn(ctx context.Context, target string, success bool, source string) {
	if r.deps.Learner == nil || target == "" {
		return
	}
	r.deps.Learner.Record(target, r.currentRoute(ctx), success, source)
}

func (r *Router) act(ctx context.Context, cmd schemas.ActionCommand) Outcome {
	res := r.deps.Actions.Execute(ctx, cmd)
	if res.Success {
		r.learn(ctx, cmd.Target, true, "action")
	}
	return fromAction(res)
}

// resolveRoute maps a page name or path to a path.
func (r *Router) resolveRoute(name string) (string, bool) {
	if strings.HasPrefix(name, "/") {
		return name, true
	}
	path, ok := r.routes[schemas.NormalizeName(name)]
	return path, ok
}

// navigate goes to a known route. An unknown name is tried as a link or
// button on the page, since navigation bars are usually just that.
func (r *Router) navigate(ctx context.Context, c Navigate) Outcome {
	path, ok := r.resolveRoute(c.Route)
	if !ok {
		res := r.act(ctx, schemas.Click(c.Route))
		if !res.Success {
			return Outcome{Message: fmt.Sprintf("unknown page: %s", schemas.NormalizeName(c.Route))}
		}
		res.navigated = true
		return res
	}
	if err := r.deps.Page.Navigate(ctx, path); err != nil {
		return Outcome{Message: fmt.Sprintf("could not open %s: %v", path, err)}
	}
	if r.deps.Learner != nil {
		r.deps.Learner.Record(schemas.NormalizeName(c.Route), path, true, "navigate")
	}
	return Outcome{Success: true, Message: fmt.Sprintf("opened %s", path), navigated: true}
}

func (r *Router) procedure(ctx context.Context, c Procedure) Outcome {
	if r.deps.Procedures == nil {
		return Outcome{Message: "procedures are not available"}
	}
	var res sequencer.Result
	switch c.Name {
	case ProcedurePublishPost:
		res = r.deps.Procedures.PublishPost(ctx, c.Input)
	case ProcedureSearch:
		res = r.deps.Procedures.Search(ctx, c.Input)
	default:
		return Outcome{Message: fmt.Sprintf("unknown procedure %q", c.Name)}
	}
	if res.Success {
		r.learn(ctx, c.Name, true, "procedure")
		switch c.Name {
		case ProcedurePublishPost:
			return Outcome{Success: true, Message: "post published"}
		case ProcedureSearch:
			return Outcome{Success: true, Message: fmt.Sprintf("searched for %s", c.Input)}
		}
	}
	return Outcome{Success: res.Success, Message: res.Message}
}

func (r *Router) createEntity(ctx context.Context, c CreateEntity) Outcome {
	if r.deps.Entities == nil {
		return Outcome{Message: fmt.Sprintf("creating a %s is not available here", c.Kind)}
	}
	id, err := r.deps.Entities.CreateEntity(ctx, c.Kind, c.Fields)
	if err != nil {
		return Outcome{Message: fmt.Sprintf("could not create %s: %v", c.Kind, err)}
	}
	return Outcome{Success: true, Message: fmt.Sprintf("created %s", c.Kind), Data: id}
}

// ingest reads the source and, when a conversation is available, hands
// the text to the assistant.
func (r *Router) ingest(ctx context.Context, c Ingest) Outcome {
	if r.deps.Ingestor == nil {
		return Outcome{Message: "ingestion is not available"}
	}
	doc, err := r.deps.Ingestor.Ingest(ctx, c.Source)
	if err != nil {
		return Outcome{Message: fmt.Sprintf("could not read %s: %v", c.Source, err)}
	}
	if r.deps.Conversation == nil {
		return Outcome{Success: true, Message: fmt.Sprintf("read %s", doc.Label()), Data: doc.Text}
	}
	prompt := fmt.Sprintf("Here is the content of %s. Keep it in mind for my next questions.\n\n%s", doc.Label(), doc.Text)
	out := r.chat(ctx, prompt)
	if out.Success {
		out.Data = doc.Text
	}
	return out
}

func (r *Router) chat(ctx context.Context, text string) Outcome {
	if r.deps.Conversation == nil {
		return Outcome{Message: "chat is not available"}
	}
	reply, err := r.deps.Conversation.Send(ctx, text)
	if err != nil {
		if errors.Is(err, chat.ErrCanceled) {
			return Outcome{Silent: true}
		}
		r.logger.Warn("Chat request failed.", zap.Error(err))
		return Outcome{Message: chat.UserMessage(err)}
	}
	return Outcome{Success: true, Message: reply}
}

func (r *Router) loadSession(ctx context.Context, c LoadSession) Outcome {
	if r.deps.Conversation == nil {
		return Outcome{Message: "chat is not available"}
	}
	n, err := r.deps.Conversation.Load(ctx, c.SessionID)
	if err != nil {
		return Outcome{Message: fmt.Sprintf("could not load conversation: %v", err)}
	}
	return Outcome{Success: true, Message: fmt.Sprintf("loaded %d messages", n)}
}

func (r *Router) toggleVoice(ctx context.Context, always bool) Outcome {
	if r.deps.Voice == nil {
		return Outcome{Message: "voice is not available"}
	}
	var err error
	if always {
		err = r.deps.Voice.ToggleAlwaysListening(ctx)
	} else {
		err = r.deps.Voice.ToggleVoiceMode(ctx)
	}
	if err != nil {
		return Outcome{Message: err.Error()}
	}
	st := r.deps.Voice.Snapshot()
	if always {
		if st.AlwaysListening {
			return Outcome{Success: true, Message: "always listening is on"}
		}
		return Outcome{Success: true, Message: "always listening is off"}
	}
	return Outcome{Success: true, Message: "voice is " + st.Status}
}

// visibility changes are bookkeeping and never produce a notice.
func (r *Router) visibility(ctx context.Context, c Visibility) Outcome {
	switch c.Surface {
	case SurfaceOverlay:
		if r.deps.Overlay != nil {
			r.deps.Overlay.SetOverlayVisible(c.Visible)
		}
	case SurfacePage:
		if r.deps.Voice != nil {
			if err := r.deps.Voice.SetHidden(ctx, !c.Visible); err != nil {
				r.logger.Warn("Voice did not follow the page visibility change.", zap.Error(err))
				return Outcome{Silent: true, Message: err.Error()}
			}
		}
	default:
		return Outcome{Silent: true, Message: fmt.Sprintf("unknown surface %q", c.Surface)}
	}
	return Outcome{Success: true, Silent: true}
}
