package schemas

import (
	"fmt"
	"strings"
	"time"
)

// CapabilityKind defines the class of a discovered interactive element.
type CapabilityKind string

const (
	KindField  CapabilityKind = "field"
	KindButton CapabilityKind = "button"
)

// Capability is the wire form of a discovered interactive element. The live
// node reference stays with the scanner; only the derived name and a
// re-resolvable selector cross package boundaries.
type Capability struct {
	Kind     CapabilityKind `json:"kind" yaml:"kind"`
	Name     string         `json:"name" yaml:"name"`
	Selector string         `json:"selector" yaml:"selector"`
}

// EntryMetadata describes a learned selector mapping.
type EntryMetadata struct {
	Kind CapabilityKind `json:"kind,omitempty"`
	// Flagged marks a user-taught entry. Flagged entries outrank anything
	// discovered automatically for the same route and name.
	Flagged bool `json:"flagged"`
}

// SelectorMemoryEntry is a learned (route, name) -> selector mapping.
type SelectorMemoryEntry struct {
	Route     string        `json:"route"`
	Name      string        `json:"name"`
	Selector  string        `json:"selector"`
	Metadata  EntryMetadata `json:"metadata"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ActionType identifies an atomic page action.
type ActionType string

const (
	ActionClick ActionType = "click"
	ActionFill  ActionType = "fill"
	ActionRead  ActionType = "read"
)

// ActionCommand is a tagged variant of the three atomic actions. Target is
// required for Click and Fill; Value only applies to Fill.
type ActionCommand struct {
	Type   ActionType `json:"type"`
	Target string     `json:"target,omitempty"`
	Value  string     `json:"value,omitempty"`
}

// Click builds a click command for the named target.
func Click(target string) ActionCommand {
	return ActionCommand{Type: ActionClick, Target: target}
}

// Fill builds a fill command writing value into the named target.
func Fill(target, value string) ActionCommand {
	return ActionCommand{Type: ActionFill, Target: target, Value: value}
}

// Read builds a command summarizing the current capabilities.
func Read() ActionCommand {
	return ActionCommand{Type: ActionRead}
}

// Validate checks the variant is well formed.
func (c ActionCommand) Validate() error {
	switch c.Type {
	case ActionClick, ActionFill:
		if NormalizeName(c.Target) == "" {
			return fmt.Errorf("%s requires a target name", c.Type)
		}
	case ActionRead:
	default:
		return fmt.Errorf("unknown action type %q", c.Type)
	}
	return nil
}

func (c ActionCommand) String() string {
	switch c.Type {
	case ActionFill:
		return fmt.Sprintf("fill(%q, %q)", c.Target, c.Value)
	case ActionClick:
		return fmt.Sprintf("click(%q)", c.Target)
	default:
		return string(c.Type)
	}
}

// ActionResult is the outcome of an action. Failures are reported here and
// never as errors across the executor boundary.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Data carries the Read summary or a read-back value.
	Data string `json:"data,omitempty"`
}

// Succeeded returns a successful result with the given message.
func Succeeded(format string, args ...any) ActionResult {
	return ActionResult{Success: true, Message: fmt.Sprintf(format, args...)}
}

// Failed returns a failed result with the given message.
func Failed(format string, args ...any) ActionResult {
	return ActionResult{Success: false, Message: fmt.Sprintf(format, args...)}
}

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of an append-only conversation.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// BroadcastMessage is a command delivered between execution contexts.
// Receivers only act on messages with Allowed set.
type BroadcastMessage struct {
	Command string `json:"command"`
	Role    string `json:"role"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Origin identifies the sending context so relays can skip echoes.
	Origin string `json:"origin,omitempty"`
}

// LearningSignal records whether resolving a target on a route worked.
type LearningSignal struct {
	Target  string    `json:"target"`
	Route   string    `json:"route"`
	Success bool      `json:"success"`
	Source  string    `json:"source"`
	At      time.Time `json:"at"`
}

// NormalizeName lower-cases a human target name, trims it and collapses
// internal whitespace runs to a single space.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
