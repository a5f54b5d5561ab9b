// Package sequencer runs verified multi-step procedures on top of the
// executor. A fill is only trusted once the field reads back the written
// value; the first failed step stops the run and is reported by position.
package sequencer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/config"
)

// Actor performs single actions. *executor.Executor satisfies it.
type Actor interface {
	Execute(ctx context.Context, cmd schemas.ActionCommand) schemas.ActionResult
	ReadValue(ctx context.Context, target string) (string, schemas.ActionResult)
}

// Step is one command of a procedure.
type Step struct {
	Command schemas.ActionCommand
	// Optional steps may fail without failing the run.
	Optional bool
	// Settle is waited after the step succeeds.
	Settle time.Duration
}

// VerifyFunc is consulted after each successful step; returning false
// aborts the run at that step. index is 1-based.
type VerifyFunc func(ctx context.Context, index int, step Step, res schemas.ActionResult) bool

// Result reports how far a run got.
type Result struct {
	Success bool `json:"success"`
	// Completed counts steps that succeeded.
	Completed int `json:"completed"`
	// FailedStep is the 1-based index of the aborting step, or 0.
	FailedStep int                    `json:"failed_step,omitempty"`
	Message    string                 `json:"message"`
	Results    []schemas.ActionResult `json:"results"`
}

// Sequencer runs procedures.
type Sequencer struct {
	actor  Actor
	cfg    config.SequencerConfig
	logger *zap.Logger
	sleep  func(context.Context, time.Duration)
}

// New creates a Sequencer.
func New(actor Actor, cfg config.SequencerConfig, logger *zap.Logger) *Sequencer {
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = 1
	}
	return &Sequencer{actor: actor, cfg: cfg, logger: logger.Named("sequencer"), sleep: sleep}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Run executes steps in order. Partial effects are left in place when a
// step fails. Cancelling ctx does not interrupt a run; the page is left
// to settle.
func (s *Sequencer) Run(ctx context.Context, steps []Step, verify VerifyFunc) Result {
	ctx = context.WithoutCancel(ctx)
	out := Result{Results: make([]schemas.ActionResult, 0, len(steps))}

	for i, step := range steps {
		idx := i + 1
		res := s.actor.Execute(ctx, step.Command)
		if res.Success && step.Command.Type == schemas.ActionFill {
			res = s.verifyFill(ctx, step.Command)
		}
		if res.Success && verify != nil && !verify(ctx, idx, step, res) {
			res = schemas.Failed("verification failed after %s", step.Command)
		}
		out.Results = append(out.Results, res)

		if !res.Success {
			if step.Optional {
				s.logger.Debug("Optional step failed; continuing.",
					zap.Int("step", idx), zap.Stringer("command", step.Command), zap.String("reason", res.Message))
				continue
			}
			out.FailedStep = idx
			out.Message = fmt.Sprintf("step %d of %d (%s) failed: %s", idx, len(steps), step.Command, res.Message)
			s.logger.Info("Procedure aborted.", zap.Int("step", idx), zap.Int("completed", out.Completed), zap.String("reason", res.Message))
			return out
		}
		out.Completed++
		s.sleep(ctx, step.Settle)
	}

	out.Success = true
	out.Message = fmt.Sprintf("completed %d of %d steps", out.Completed, len(steps))
	return out
}

// verifyFill waits for a reactive field to show the written value.
func (s *Sequencer) verifyFill(ctx context.Context, cmd schemas.ActionCommand) schemas.ActionResult {
	want := strings.TrimSpace(cmd.Value)
	var last string
	for attempt := 1; attempt <= s.cfg.VerifyAttempts; attempt++ {
		s.sleep(ctx, s.cfg.SettleDelay)
		got, res := s.actor.ReadValue(ctx, cmd.Target)
		if !res.Success {
			return res
		}
		last = strings.TrimSpace(got)
		if last != "" && last == want {
			return schemas.Succeeded("filled %s", schemas.NormalizeName(cmd.Target))
		}
	}
	if last == "" {
		return schemas.Failed("%s is still empty after filling", schemas.NormalizeName(cmd.Target))
	}
	return schemas.Failed("%s shows %q instead of %q", schemas.NormalizeName(cmd.Target), last, want)
}

// PublishPost fills the composer, submits, then switches to the feed to
// show the new post. The final step is a courtesy and may fail.
func (s *Sequencer) PublishPost(ctx context.Context, content string) Result {
	p := s.cfg.Procedures
	return s.Run(ctx, []Step{
		{Command: schemas.Fill(p.Composer, content)},
		{Command: schemas.Click(p.Submit), Settle: s.cfg.SettleDelay},
		{Command: schemas.Click(p.FeedTab), Optional: true},
	}, nil)
}

// Search fills the search box and only then presses the search button.
func (s *Sequencer) Search(ctx context.Context, query string) Result {
	p := s.cfg.Procedures
	return s.Run(ctx, []Step{
		{Command: schemas.Fill(p.SearchBox, query)},
		{Command: schemas.Click(p.SearchButton)},
	}, nil)
}

// CreateEntity opens the form for kind, fills each field in name order and
// saves. Fields are named by their visible labels.
func (s *Sequencer) CreateEntity(ctx context.Context, kind string, fields map[string]string) Result {
	p := s.cfg.Procedures
	open := p.NewEntity
	if strings.Contains(open, "%s") {
		open = fmt.Sprintf(open, kind)
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	steps := []Step{{Command: schemas.Click(open), Settle: s.cfg.SettleDelay}}
	for _, name := range names {
		steps = append(steps, Step{Command: schemas.Fill(name, fields[name])})
	}
	steps = append(steps, Step{Command: schemas.Click(p.SaveEntity), Settle: s.cfg.SettleDelay})
	return s.Run(ctx, steps, nil)
}
