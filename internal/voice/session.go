// Package voice owns the single realtime voice connection: permission,
// credential exchange, transcript streaming, speak-then-listen sequencing
// and barge-in. The lock that keeps initialization exclusive is the
// Connecting state itself.
package voice

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/prefs"
)

// State is a point-in-time view of a session.
type State struct {
	Status          string `json:"status"`
	AlwaysListening bool   `json:"always_listening"`
	Transcript      string `json:"transcript"`
	Speaking        bool   `json:"speaking"`
	Hidden          bool   `json:"hidden"`
}

// Session is the voice state machine. Exactly one should exist per
// process; the composition root owns it.
type Session struct {
	issuer  CredentialIssuer
	dialer  Dialer
	perm    Permission
	prefs   PrefStore
	hooks   Hooks
	logger  *zap.Logger
	wake    *regexp.Regexp
	timeout time.Duration
	newID   func() string

	mu              sync.Mutex
	status          Status
	alwaysListening bool
	transcript      string
	channel         Channel
	// gen increments on every teardown so callbacks and dials from an
	// earlier connection can recognize themselves as stale.
	gen           uint64
	speaking      string
	speakingText  string
	pendingResume bool

	hidden          bool
	resumeOnVisible bool
	resumeAlways    bool
	resumeText      string
}

// New builds a disconnected session.
func New(issuer CredentialIssuer, dialer Dialer, perm Permission, store PrefStore, hooks Hooks, cfg config.VoiceConfig, logger *zap.Logger) *Session {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Session{
		issuer:  issuer,
		dialer:  dialer,
		perm:    perm,
		prefs:   store,
		hooks:   hooks,
		logger:  logger.Named("voice"),
		wake:    wakePattern(cfg.WakePhrase),
		timeout: timeout,
		newID:   uuid.NewString,
	}
}

// wakePattern matches the wake phrase as whole words, tolerating the
// punctuation speech recognizers like to insert.
func wakePattern(phrase string) *regexp.Regexp {
	words := strings.Fields(strings.ToLower(phrase))
	if len(words) == 0 {
		return nil
	}
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b` + strings.Join(words, `[\s,.!?]+`) + `\b[\s,.!?]*`)
}

// Snapshot returns the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Status:          s.status.String(),
		AlwaysListening: s.alwaysListening,
		Transcript:      s.transcript,
		Speaking:        s.speaking != "",
		Hidden:          s.hidden,
	}
}

// Status returns the connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Restore reconnects in always-listening mode when that preference was
// left on, so wake-word mode survives a reload.
func (s *Session) Restore(ctx context.Context) error {
	p, err := s.prefs.Load(ctx)
	if err != nil {
		s.logger.Warn("Could not load voice preferences.", zap.Error(err))
		return nil
	}
	if !p.AlwaysListening {
		return nil
	}
	return s.connect(ctx, true)
}

// ToggleVoiceMode starts a push-to-talk session, or ends whatever session
// is live. While a connection attempt is in flight it does nothing.
func (s *Session) ToggleVoiceMode(ctx context.Context) error {
	switch s.Status() {
	case Connecting:
		s.logger.Debug("Voice toggle ignored; connection in progress.")
		return nil
	case Connected:
		s.Disconnect(ctx)
		return nil
	}
	return s.connect(ctx, false)
}

// ToggleAlwaysListening flips wake-word mode. Turning it on connects if
// needed; turning it off ends the session. While a connection attempt is
// in flight it does nothing.
func (s *Session) ToggleAlwaysListening(ctx context.Context) error {
	s.mu.Lock()
	status, always := s.status, s.alwaysListening
	switch {
	case status == Connecting:
		s.mu.Unlock()
		s.logger.Debug("Always-listening toggle ignored; connection in progress.")
		return nil
	case status == Connected && always:
		s.mu.Unlock()
		s.Disconnect(ctx)
		return nil
	case status == Connected:
		s.alwaysListening = true
		s.mu.Unlock()
		s.persistAlwaysListening(ctx, true)
		s.emitStatus(Connected)
		return nil
	}
	s.mu.Unlock()
	s.persistAlwaysListening(ctx, true)
	if err := s.connect(ctx, true); err != nil {
		s.mu.Lock()
		s.alwaysListening = false
		s.mu.Unlock()
		s.persistAlwaysListening(ctx, false)
		return err
	}
	return nil
}

// Disconnect ends the session explicitly, including always-listening mode.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	wasAlways := s.alwaysListening
	s.alwaysListening = false
	s.mu.Unlock()
	if wasAlways {
		s.persistAlwaysListening(ctx, false)
	}
	s.teardown()
}

// Unmount tears down the connection unless always-listening mode keeps it
// alive across navigation.
func (s *Session) Unmount() {
	s.mu.Lock()
	always := s.alwaysListening
	s.mu.Unlock()
	if always {
		s.logger.Debug("Keeping always-listening session across unmount.")
		return
	}
	s.teardown()
}

// Close ends the connection at process exit. Stored preferences are left
// alone so always-listening mode comes back on the next Restore.
func (s *Session) Close() { s.teardown() }

// Speak stops listening, plays text and resumes listening once playback
// completes.
func (s *Session) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.status != Connected || s.channel == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	ch, prev := s.channel, s.speaking
	id := s.newID()
	s.speaking, s.speakingText, s.pendingResume = id, text, true
	s.mu.Unlock()

	if prev != "" {
		s.cancel(ch, prev)
	}
	if err := ch.SetListening(ctx, false); err != nil {
		s.clearSpeaking(id)
		return fmt.Errorf("failed to pause listening: %w", err)
	}
	if err := ch.Speak(ctx, id, text); err != nil {
		s.clearSpeaking(id)
		// Do not leave the session deaf.
		if lerr := ch.SetListening(ctx, true); lerr != nil {
			s.logger.Warn("Failed to resume listening.", zap.Error(lerr))
		}
		return fmt.Errorf("failed to speak: %w", err)
	}
	return nil
}

// BargeIn cancels in-flight playback and any pending listen resumption.
// In always-listening mode the microphone is reopened right away so the
// wake phrase keeps working. It reports whether anything was cancelled.
func (s *Session) BargeIn() bool {
	s.mu.Lock()
	id, ch := s.bargeInLocked()
	always := s.alwaysListening
	s.mu.Unlock()
	if id == "" {
		return false
	}
	s.cancel(ch, id)
	if always && ch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := ch.SetListening(ctx, true); err != nil {
			s.logger.Warn("Failed to resume listening after barge-in.", zap.Error(err))
		}
	}
	return true
}

// SetHidden reacts to page visibility. Hiding stops audio and disconnects;
// becoming visible again reconnects a session that was live and speaks the
// utterance the hide interrupted, or else the most recent assistant reply.
func (s *Session) SetHidden(ctx context.Context, hidden bool) error {
	s.mu.Lock()
	if s.hidden == hidden {
		s.mu.Unlock()
		return nil
	}
	s.hidden = hidden

	if hidden {
		live := s.status != Disconnected
		s.resumeOnVisible = live
		s.resumeAlways = s.alwaysListening
		s.resumeText = s.speakingText
		s.mu.Unlock()
		if live {
			s.teardown()
		}
		return nil
	}

	resume, always, text := s.resumeOnVisible, s.resumeAlways, s.resumeText
	s.resumeOnVisible, s.resumeText = false, ""
	s.mu.Unlock()
	if !resume {
		return nil
	}
	if err := s.connect(ctx, always); err != nil {
		return err
	}
	if text == "" && s.hooks.LastReply != nil {
		if last, ok := s.hooks.LastReply(); ok {
			text = last
		}
	}
	if text != "" && s.Status() == Connected {
		return s.Speak(ctx, text)
	}
	return nil
}

// -- connection lifecycle --

// begin claims the Connecting state. Only one caller can win it.
func (s *Session) begin(always bool) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Disconnected {
		return 0, false
	}
	s.status = Connecting
	s.alwaysListening = always
	return s.gen, true
}

func (s *Session) connect(ctx context.Context, always bool) error {
	gen, ok := s.begin(always)
	if !ok {
		return nil
	}
	s.emitStatus(Connecting)

	ch, err := s.open(ctx, gen)

	s.mu.Lock()
	if s.gen != gen {
		// Torn down while connecting; the teardown wins.
		s.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return nil
	}
	if err != nil {
		s.status = Disconnected
		s.mu.Unlock()
		s.emitStatus(Disconnected)
		s.logger.Info("Voice connection failed.", zap.String("reason", string(ReasonOf(err))), zap.Error(err))
		return err
	}
	s.status = Connected
	s.channel = ch
	s.mu.Unlock()

	s.emitStatus(Connected)
	if err := ch.SetListening(ctx, true); err != nil {
		s.logger.Warn("Failed to start listening.", zap.Error(err))
	}
	s.logger.Info("Voice session connected.", zap.Bool("always_listening", always))
	return nil
}

func (s *Session) open(ctx context.Context, gen uint64) (Channel, error) {
	if err := s.ensurePermission(ctx); err != nil {
		return nil, err
	}

	cred, err := s.issuer.Issue(ctx)
	if err != nil {
		return nil, classify(err, ReasonNetwork)
	}
	if cred.Token == "" {
		return nil, &Error{Reason: ReasonCredential, Err: errors.New("issuer returned an empty token")}
	}

	ch, err := s.dialer.Dial(ctx, cred, Events{
		Transcript:   func(text string, final bool) { s.onTranscript(gen, text, final) },
		PlaybackDone: func(id string) { s.onPlaybackDone(gen, id) },
		Closed:       func(err error) { s.onClosed(gen, err) },
	})
	if err != nil {
		return nil, classify(err, ReasonNetwork)
	}
	return ch, nil
}

func classify(err error, fallback Reason) error {
	var ve *Error
	if errors.As(err, &ve) {
		return err
	}
	return &Error{Reason: fallback, Err: err}
}

// ensurePermission only prompts when access is not already known to be
// granted.
func (s *Session) ensurePermission(ctx context.Context) error {
	if p, err := s.prefs.Load(ctx); err == nil && p.VoiceAuthorized {
		return nil
	}

	state, err := s.perm.State(ctx)
	if err != nil {
		s.logger.Debug("Permission state unavailable; prompting.", zap.Error(err))
		state = PermissionPrompt
	}
	switch state {
	case PermissionGranted:
	case PermissionDenied:
		return &Error{Reason: ReasonPermission}
	default:
		granted, err := s.perm.Request(ctx)
		if err != nil {
			return &Error{Reason: ReasonPermission, Err: err}
		}
		if !granted {
			return &Error{Reason: ReasonPermission}
		}
	}

	if err := s.prefs.Update(ctx, func(p *prefs.Preferences) { p.VoiceAuthorized = true }); err != nil {
		s.logger.Warn("Failed to cache microphone permission.", zap.Error(err))
	}
	return nil
}

// teardown closes the live connection, if any, without touching
// preferences.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.status == Disconnected && s.channel == nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	ch := s.channel
	s.channel = nil
	s.status = Disconnected
	s.transcript = ""
	s.speaking, s.speakingText, s.pendingResume = "", "", false
	s.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			s.logger.Debug("Error closing voice channel.", zap.Error(err))
		}
	}
	s.emitStatus(Disconnected)
	s.logger.Info("Voice session disconnected.")
}

// -- channel events --

func (s *Session) onTranscript(gen uint64, text string, final bool) {
	s.mu.Lock()
	if gen != s.gen || s.status != Connected {
		s.mu.Unlock()
		return
	}
	// New speech always barges in.
	cancelID, ch := s.bargeInLocked()
	var utterance string
	deliver := false
	if final {
		s.transcript = ""
		utterance, deliver = s.filter(text)
	} else {
		s.transcript = text
	}
	s.mu.Unlock()

	if cancelID != "" {
		s.cancel(ch, cancelID)
	}
	if s.hooks.Interim != nil {
		if final {
			s.hooks.Interim("")
		} else {
			s.hooks.Interim(text)
		}
	}
	if deliver && s.hooks.Utterance != nil {
		s.hooks.Utterance(context.Background(), utterance)
	}
}

// filter applies wake-word gating. It must be called with mu held.
func (s *Session) filter(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !s.alwaysListening || s.wake == nil {
		return text, text != ""
	}
	loc := s.wake.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	rest := strings.TrimSpace(text[loc[1]:])
	return rest, rest != ""
}

func (s *Session) onPlaybackDone(gen uint64, id string) {
	s.mu.Lock()
	if gen != s.gen || id == "" || id != s.speaking {
		s.mu.Unlock()
		return
	}
	resume, ch := s.pendingResume, s.channel
	s.speaking, s.speakingText, s.pendingResume = "", "", false
	s.mu.Unlock()

	if resume && ch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := ch.SetListening(ctx, true); err != nil {
			s.logger.Warn("Failed to resume listening after playback.", zap.Error(err))
		}
	}
}

func (s *Session) onClosed(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.channel = nil
	s.status = Disconnected
	s.transcript = ""
	s.speaking, s.speakingText, s.pendingResume = "", "", false
	s.mu.Unlock()

	s.emitStatus(Disconnected)
	if err != nil {
		s.logger.Warn("Voice channel closed unexpectedly.", zap.Error(err))
		if s.hooks.Failure != nil {
			s.hooks.Failure(classify(err, ReasonNetwork))
		}
	}
}

// -- helpers --

func (s *Session) bargeInLocked() (string, Channel) {
	id := s.speaking
	s.speaking, s.speakingText, s.pendingResume = "", "", false
	return id, s.channel
}

func (s *Session) clearSpeaking(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking == id {
		s.speaking, s.speakingText, s.pendingResume = "", "", false
	}
}

func (s *Session) cancel(ch Channel, id string) {
	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := ch.Cancel(ctx, id); err != nil {
		s.logger.Debug("Failed to cancel playback.", zap.String("id", id), zap.Error(err))
	}
}

func (s *Session) persistAlwaysListening(ctx context.Context, on bool) {
	if err := s.prefs.Update(ctx, func(p *prefs.Preferences) { p.AlwaysListening = on }); err != nil {
		s.logger.Warn("Failed to persist always-listening preference.", zap.Error(err))
	}
}

func (s *Session) emitStatus(st Status) {
	if s.hooks.Status != nil {
		s.hooks.Status(st)
	}
}
