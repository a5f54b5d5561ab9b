// Package ingest turns a web page or local file into plain text the
// assistant can read.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	defaultMaxBytes = 2 << 20
	// defaultMaxRunes keeps a document inside a single chat message.
	defaultMaxRunes = 20000
)

// Document is extracted text plus where it came from.
type Document struct {
	Source    string `json:"source"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Label names the document for the user.
func (d Document) Label() string {
	if d.Title != "" {
		return d.Title
	}
	return d.Source
}

// Fetcher reads URLs over HTTP and paths from disk.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxRunes int
	logger   *zap.Logger
}

// NewFetcher creates a Fetcher. A nil client gets a 30s timeout.
func NewFetcher(client *http.Client, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{
		client:   client,
		maxBytes: defaultMaxBytes,
		maxRunes: defaultMaxRunes,
		logger:   logger.Named("ingest"),
	}
}

// Ingest reads source, which is an http(s) URL or a file path.
func (f *Fetcher) Ingest(ctx context.Context, source string) (Document, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return Document{}, errors.New("nothing to read")
	}
	if u, err := url.Parse(source); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return f.fetch(ctx, source)
	}
	return f.readFile(source)
}

func (f *Fetcher) fetch(ctx context.Context, source string) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return Document{}, err
	}
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.1")
	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("server returned %s", resp.Status)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	body := io.LimitReader(resp.Body, f.maxBytes)
	f.logger.Debug("Fetched document.", zap.String("url", source), zap.String("type", mediaType))
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml" || mediaType == "":
		return f.fromHTML(source, body)
	case strings.HasPrefix(mediaType, "text/") || mediaType == "application/json":
		return f.fromText(source, body)
	default:
		return Document{}, fmt.Errorf("cannot read %s content", mediaType)
	}
}

func (f *Fetcher) readFile(source string) (Document, error) {
	path, err := homedir.Expand(source)
	if err != nil {
		return Document{}, fmt.Errorf("invalid path %s: %w", source, err)
	}
	file, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer file.Close()

	body := io.LimitReader(file, f.maxBytes)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm", ".xhtml":
		return f.fromHTML(source, body)
	default:
		return f.fromText(source, body)
	}
}

func (f *Fetcher) fromText(source string, r io.Reader) (Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Document{}, err
	}
	text, truncated := clip(strings.TrimSpace(string(raw)), f.maxRunes)
	return Document{Source: source, Text: text, Truncated: truncated}, nil
}

// fromHTML keeps the title and the visible text, one block per line.
func (f *Fetcher) fromHTML(source string, r io.Reader) (Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return Document{}, fmt.Errorf("failed to parse HTML: %w", err)
	}
	var title string
	var lines []string
	var cur strings.Builder
	flush := func() {
		if line := strings.Join(strings.Fields(cur.String()), " "); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Iframe, atom.Svg:
				return
			case atom.Title:
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			flush()
		}
	}
	walk(root)
	flush()

	text, truncated := clip(strings.Join(lines, "\n"), f.maxRunes)
	return Document{Source: source, Title: title, Text: text, Truncated: truncated}, nil
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Li, atom.Br, atom.Tr, atom.Section, atom.Article,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Pre, atom.Blockquote,
		atom.Header, atom.Footer, atom.Main, atom.Nav, atom.Td, atom.Th:
		return true
	}
	return false
}

func clip(s string, max int) (string, bool) {
	if max <= 0 {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return string(runes[:max]), true
}
