// Package router is the single entry point for intents from voice, chat
// tool calls, other contexts and the overlay UI. It classifies each intent,
// hands it to the component that can carry it out, records the outcome as
// a learning signal and is the only place that tells the user anything.
package router

import (
	"github.com/xkilldash9x/rocker/internal/page"
)

// Source says where an intent came from.
type Source string

const (
	SourceVoice     Source = "voice"
	SourceChat      Source = "chat"
	SourceTool      Source = "tool"
	SourceBroadcast Source = "broadcast"
	SourceUI        Source = "ui"
)

// Command is one of the concrete command types below.
type Command interface {
	command() string
}

// Navigate moves to a route alias ("feed") or path ("/feed").
type Navigate struct{ Route string }

type Click struct{ Target string }

type Fill struct{ Target, Value string }

// Read summarizes what is on the page.
type Read struct{}

type Scroll struct{ Direction page.ScrollDirection }

// CreateEntity asks the host application to create a business record.
type CreateEntity struct {
	Kind   string
	Fields map[string]string
}

// Ingest pulls a URL or file into the conversation.
type Ingest struct{ Source string }

// Procedure names a built-in multi-step procedure.
type Procedure struct {
	Name  string
	Input string
}

// Built-in procedure names.
const (
	ProcedurePublishPost = "publish_post"
	ProcedureSearch      = "search"
)

type Teach struct{ Name, Selector string }

type Chat struct{ Text string }

// LoadSession reloads a conversation by id.
type LoadSession struct{ SessionID string }

type VoiceToggle struct{}

type AlwaysListeningToggle struct{}

// Surface is what a Visibility change applies to.
type Surface string

const (
	SurfacePage    Surface = "page"
	SurfaceOverlay Surface = "overlay"
)

// Visibility reports the page or the overlay being shown or hidden.
type Visibility struct {
	Surface Surface
	Visible bool
}

func (Navigate) command() string              { return "navigate" }
func (Click) command() string                 { return "click" }
func (Fill) command() string                  { return "fill" }
func (Read) command() string                  { return "read" }
func (Scroll) command() string                { return "scroll" }
func (CreateEntity) command() string          { return "create_entity" }
func (Ingest) command() string                { return "ingest" }
func (Procedure) command() string             { return "procedure" }
func (Teach) command() string                 { return "teach" }
func (Chat) command() string                  { return "chat" }
func (LoadSession) command() string           { return "load_session" }
func (VoiceToggle) command() string           { return "voice_toggle" }
func (AlwaysListeningToggle) command() string { return "always_listening_toggle" }
func (Visibility) command() string            { return "visibility" }

// Name returns the command's wire name.
func Name(c Command) string {
	if c == nil {
		return ""
	}
	return c.command()
}

// Intent is a command plus where it came from.
type Intent struct {
	Source  Source
	Command Command
}

// Outcome is what the router reports back for an intent.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
	// Silent outcomes are not shown or spoken.
	Silent bool `json:"silent,omitempty"`

	navigated bool
}
