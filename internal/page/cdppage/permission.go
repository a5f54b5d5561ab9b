package cdppage

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/voice"
)

const (
	micStateJS = `(async () => {
	try {
		const s = await navigator.permissions.query({name: 'microphone'});
		return s.state;
	} catch (e) {
		return 'prompt';
	}
})()`

	// Tracks are stopped immediately; only the grant matters.
	micRequestJS = `(async () => {
	try {
		const stream = await navigator.mediaDevices.getUserMedia({audio: true});
		stream.getTracks().forEach(t => t.stop());
		return true;
	} catch (e) {
		return false;
	}
})()`
)

// Microphone answers voice permission checks from the tab's own
// permission model.
type Microphone struct {
	page *Page
}

var _ voice.Permission = (*Microphone)(nil)

// Microphone returns the tab's microphone permission.
func (p *Page) Microphone() *Microphone { return &Microphone{page: p} }

func awaitPromise(params *runtime.EvaluateParams) *runtime.EvaluateParams {
	return params.WithAwaitPromise(true)
}

// State implements voice.Permission.
func (m *Microphone) State(ctx context.Context) (voice.PermissionState, error) {
	var state string
	if err := m.page.run(ctx, chromedp.Evaluate(micStateJS, &state, awaitPromise)); err != nil {
		return voice.PermissionPrompt, fmt.Errorf("failed to query microphone permission: %w", err)
	}
	switch voice.PermissionState(state) {
	case voice.PermissionGranted, voice.PermissionDenied:
		return voice.PermissionState(state), nil
	default:
		return voice.PermissionPrompt, nil
	}
}

// Request implements voice.Permission.
func (m *Microphone) Request(ctx context.Context) (bool, error) {
	var granted bool
	if err := m.page.run(ctx, chromedp.Evaluate(micRequestJS, &granted, awaitPromise)); err != nil {
		return false, fmt.Errorf("failed to request microphone access: %w", err)
	}
	m.page.logger.Debug("Microphone request answered.", zap.Bool("granted", granted))
	return granted, nil
}
