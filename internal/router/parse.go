package router

import (
	"regexp"
	"strings"

	"github.com/xkilldash9x/rocker/internal/page"
)

// rule maps one utterance pattern to a command. Rules are tried in order.
type rule struct {
	re    *regexp.Regexp
	build func(m []string) Command
}

var trailingPunct = regexp.MustCompile(`[\s.!?,]+$`)

var rules = []rule{
	{
		re:    regexp.MustCompile(`(?i)^(?:what'?s|what is) on (?:the |my |this )?(?:screen|page)$|^read(?: the| this)? (?:page|screen)$`),
		build: func([]string) Command { return Read{} },
	},
	{
		re: regexp.MustCompile(`(?i)^scroll(?: (?:the )?page)? (up|down|(?:to the )?top|(?:to the )?bottom)$`),
		build: func(m []string) Command {
			dir := strings.TrimPrefix(strings.ToLower(m[1]), "to the ")
			return Scroll{Direction: page.ScrollDirection(dir)}
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:publish|create|write|make)(?: a| the)?(?: new)? post\s*(?:[:,-]|saying|that says)?\s*(.+)$`),
		build: func(m []string) Command {
			return Procedure{Name: ProcedurePublishPost, Input: m[1]}
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:search|look)(?: for)?\s+(.+)$|^find\s+(.+)$`),
		build: func(m []string) Command {
			q := m[1]
			if q == "" {
				q = m[2]
			}
			return Procedure{Name: ProcedureSearch, Input: q}
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:type|enter|write)\s+(.+?)\s+(?:into|in)\s+(?:the\s+)?(.+)$`),
		build: func(m []string) Command {
			return Fill{Target: m[2], Value: m[1]}
		},
	},
	{
		re: regexp.MustCompile(`(?i)^fill(?: in| out)?\s+(?:the\s+)?(.+?)\s+with\s+(.+)$`),
		build: func(m []string) Command {
			return Fill{Target: m[1], Value: m[2]}
		},
	},
	{
		re: regexp.MustCompile(`(?i)^(?:click|press|tap|hit|select)\s+(?:on\s+)?(?:the\s+)?(.+)$`),
		build: func(m []string) Command { return Click{Target: m[1]} },
	},
	{
		re: regexp.MustCompile(`(?i)^(?:go to|open|navigate to|take me to|show me)\s+(?:the\s+|my\s+)?(.+?)(?:\s+(?:page|tab|screen))?$`),
		build: func(m []string) Command { return Navigate{Route: m[1]} },
	},
	{
		re:    regexp.MustCompile(`(?i)^(?:toggle |turn (?:on|off) |stop |start )?always[\s-]listening(?: mode)?(?: on| off)?$`),
		build: func([]string) Command { return AlwaysListeningToggle{} },
	},
	{
		re:    regexp.MustCompile(`(?i)^(?:stop|end|turn off|disable) (?:voice|listening|voice mode)$`),
		build: func([]string) Command { return VoiceToggle{} },
	},
}

// ParseUtterance classifies free text. Anything that is not a recognized
// command becomes a Chat message. Captured values keep the speaker's case.
func ParseUtterance(text string) Command {
	text = strings.Join(strings.Fields(text), " ")
	trimmed := trailingPunct.ReplaceAllString(text, "")
	for _, r := range rules {
		if m := r.re.FindStringSubmatch(trimmed); m != nil {
			return r.build(m)
		}
	}
	return Chat{Text: text}
}
