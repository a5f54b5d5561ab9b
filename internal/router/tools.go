package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/rocker/internal/page"
)

// Param describes one tool argument. All arguments are strings except
// where Object is set.
type Param struct {
	Name        string
	Description string
	Required    bool
	// Object marks a string-to-string map argument.
	Object bool
}

// Tool is a chat tool-call the router understands.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	build       func(args map[string]any) (Command, error)
}

var tools = map[string]Tool{
	"navigate": {
		Description: "Go to a page of the app by name (for example \"feed\") or path.",
		Params:      []Param{{Name: "route", Description: "Page name or path.", Required: true}},
		build: func(a map[string]any) (Command, error) {
			route, err := stringArg(a, "route", true)
			return Navigate{Route: route}, err
		},
	},
	"click": {
		Description: "Click a button or link by its visible name.",
		Params:      []Param{{Name: "target", Description: "Name of the element.", Required: true}},
		build: func(a map[string]any) (Command, error) {
			target, err := stringArg(a, "target", true)
			return Click{Target: target}, err
		},
	},
	"fill": {
		Description: "Type a value into a field by its visible name.",
		Params: []Param{
			{Name: "target", Description: "Name of the field.", Required: true},
			{Name: "value", Description: "Text to enter.", Required: true},
		},
		build: func(a map[string]any) (Command, error) {
			target, err := stringArg(a, "target", true)
			if err != nil {
				return nil, err
			}
			value, err := stringArg(a, "value", true)
			return Fill{Target: target, Value: value}, err
		},
	},
	"read_page": {
		Description: "List the fields and buttons currently on screen.",
		build:       func(map[string]any) (Command, error) { return Read{}, nil },
	},
	"scroll": {
		Description: "Scroll the page up, down, to the top or to the bottom.",
		Params:      []Param{{Name: "direction", Description: "up, down, top or bottom.", Required: true}},
		build: func(a map[string]any) (Command, error) {
			raw, err := stringArg(a, "direction", true)
			if err != nil {
				return nil, err
			}
			dir, err := page.ParseScrollDirection(raw)
			return Scroll{Direction: dir}, err
		},
	},
	"create_entity": {
		Description: "Create a record such as a listing or event in the app.",
		Params: []Param{
			{Name: "kind", Description: "Kind of record.", Required: true},
			{Name: "fields", Description: "Field values of the record.", Object: true},
		},
		build: func(a map[string]any) (Command, error) {
			kind, err := stringArg(a, "kind", true)
			if err != nil {
				return nil, err
			}
			fields, err := mapArg(a, "fields")
			return CreateEntity{Kind: kind, Fields: fields}, err
		},
	},
	"ingest": {
		Description: "Read a web page or local file into the conversation.",
		Params:      []Param{{Name: "source", Description: "URL or file path.", Required: true}},
		build: func(a map[string]any) (Command, error) {
			src, err := stringArg(a, "source", true)
			return Ingest{Source: src}, err
		},
	},
	"publish_post": {
		Description: "Write and publish a post, then show the feed.",
		Params:      []Param{{Name: "content", Description: "Text of the post.", Required: true}},
		build: func(a map[string]any) (Command, error) {
			content, err := stringArg(a, "content", true)
			return Procedure{Name: ProcedurePublishPost, Input: content}, err
		},
	},
	"search": {
		Description: "Search the app.",
		Params:      []Param{{Name: "query", Description: "What to search for.", Required: true}},
		build: func(a map[string]any) (Command, error) {
			q, err := stringArg(a, "query", true)
			return Procedure{Name: ProcedureSearch, Input: q}, err
		},
	},
	"teach": {
		Description: "Remember that a name refers to the element matched by a selector on this page.",
		Params: []Param{
			{Name: "name", Description: "Name to remember.", Required: true},
			{Name: "selector", Description: "Selector of the element.", Required: true},
		},
		build: func(a map[string]any) (Command, error) {
			name, err := stringArg(a, "name", true)
			if err != nil {
				return nil, err
			}
			sel, err := stringArg(a, "selector", true)
			return Teach{Name: name, Selector: sel}, err
		},
	},
	"load_session": {
		Description: "Reload a previous conversation.",
		Params:      []Param{{Name: "session_id", Description: "Conversation id.", Required: true}},
		build: func(a map[string]any) (Command, error) {
			id, err := stringArg(a, "session_id", true)
			return LoadSession{SessionID: id}, err
		},
	},
	"toggle_voice": {
		Description: "Turn voice mode on or off.",
		build:       func(map[string]any) (Command, error) { return VoiceToggle{}, nil },
	},
	"toggle_always_listening": {
		Description: "Turn always-listening mode on or off.",
		build:       func(map[string]any) (Command, error) { return AlwaysListeningToggle{}, nil },
	},
}

// Tools lists the tool table sorted by name.
func Tools() []Tool {
	out := make([]Tool, 0, len(tools))
	for name, t := range tools {
		t.Name = name
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseToolCall builds the command for a named tool call.
func ParseToolCall(name string, args map[string]any) (Command, error) {
	t, ok := tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	cmd, err := t.build(args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return cmd, nil
}

func stringArg(args map[string]any, key string, required bool) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing argument %q", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", key, v)
	}
	s = strings.TrimSpace(s)
	if s == "" && required {
		return "", fmt.Errorf("argument %q is empty", key)
	}
	return s, nil
}

func mapArg(args map[string]any, key string) (map[string]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return map[string]string{}, nil
	}
	switch m := v.(type) {
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, raw := range m {
			out[k] = fmt.Sprint(raw)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("argument %q must be an object, got %T", key, v)
	}
}
