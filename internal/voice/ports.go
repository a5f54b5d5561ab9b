package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/rocker/internal/prefs"
)

// Status is the connection state of a session.
type Status int

const (
	Disconnected Status = iota
	// Connecting doubles as the initialization lock: toggles are ignored
	// while a session is in this state.
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Reason classifies a connection failure for the user.
type Reason string

const (
	ReasonPermission Reason = "permission"
	ReasonNetwork    Reason = "network"
	ReasonCredential Reason = "credential"
)

// Error is a connection failure with a user-facing reason.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	var msg string
	switch e.Reason {
	case ReasonPermission:
		msg = "microphone access was denied"
	case ReasonCredential:
		msg = "no voice credential is available"
	default:
		msg = "could not reach the voice service"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("voice session is not connected")

// ReasonOf returns the failure reason of err, or ReasonNetwork when err
// carries none.
func ReasonOf(err error) Reason {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return ReasonNetwork
}

// PermissionState mirrors the platform's permission states.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

// Permission checks and requests microphone access.
type Permission interface {
	// State reports the current permission without prompting.
	State(ctx context.Context) (PermissionState, error)
	// Request prompts the user and reports whether access was granted.
	Request(ctx context.Context) (bool, error)
}

// StaticPermission answers every check with a fixed decision, for hosts
// without a permission model.
type StaticPermission bool

func (p StaticPermission) State(context.Context) (PermissionState, error) {
	if p {
		return PermissionGranted, nil
	}
	return PermissionDenied, nil
}

func (p StaticPermission) Request(context.Context) (bool, error) { return bool(p), nil }

// Credential is a short-lived realtime audio credential.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CredentialIssuer obtains credentials from the token service.
type CredentialIssuer interface {
	Issue(ctx context.Context) (Credential, error)
}

// Events are the callbacks a Channel delivers. They may be invoked from
// the channel's own goroutine.
type Events struct {
	Transcript   func(text string, final bool)
	PlaybackDone func(id string)
	// Closed reports the channel ended on its own; err is nil for a clean close.
	Closed func(err error)
}

// Channel is one live realtime audio connection.
type Channel interface {
	SetListening(ctx context.Context, enabled bool) error
	Speak(ctx context.Context, id, text string) error
	Cancel(ctx context.Context, id string) error
	Close() error
}

// Dialer opens realtime channels.
type Dialer interface {
	Dial(ctx context.Context, cred Credential, events Events) (Channel, error)
}

// PrefStore persists the voice preference flags.
type PrefStore interface {
	Load(ctx context.Context) (prefs.Preferences, error)
	Update(ctx context.Context, fn func(*prefs.Preferences)) error
}

// Hooks deliver session output to the composition root. Any may be nil.
type Hooks struct {
	// Utterance receives final user speech, wake phrase removed.
	Utterance func(ctx context.Context, text string)
	// Interim receives the latest partial transcript.
	Interim func(text string)
	Status  func(Status)
	// Failure reports a connection lost after it was established.
	Failure func(err error)
	// LastReply returns the most recent assistant message, which is spoken
	// again when the page becomes visible mid-conversation.
	LastReply func() (string, bool)
}
