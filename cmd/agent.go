package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/page"
	"github.com/xkilldash9x/rocker/internal/service"
)

// pageFlags selects the page an agent drives.
type pageFlags struct {
	source    string
	static    bool
	remoteURL string
	headed    bool
}

func (f *pageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.source, "url", "u", "", "Page to open: a URL, or with --static also a directory or HTML file")
	cmd.Flags().BoolVar(&f.static, "static", false, "Parse the page offline instead of driving a browser")
	cmd.Flags().StringVar(&f.remoteURL, "remote", "", "DevTools websocket URL of a running browser (overrides config)")
	cmd.Flags().BoolVar(&f.headed, "headed", false, "Show the browser window")
}

// apply folds browser overrides into cfg.
func (f *pageFlags) apply(cfg config.Interface) {
	if f.remoteURL != "" {
		cfg.SetBrowserRemoteURL(f.remoteURL)
	}
	if f.headed {
		cfg.SetBrowserHeadless(false)
	}
}

// openPage opens the page described by the flags. The release function is
// never nil on success.
func openPage(ctx context.Context, cfg config.Interface, f *pageFlags, logger *zap.Logger) (page.Page, func(), error) {
	f.apply(cfg)
	p, release, err := service.OpenPage(ctx, cfg, f.source, f.static, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open page: %w", err)
	}
	return p, release, nil
}

// buildAgent opens the page and wires an agent around it. The agent owns the
// page afterwards; callers only Shutdown the agent.
func buildAgent(ctx context.Context, cfg config.Interface, f *pageFlags, logger *zap.Logger) (*service.Agent, error) {
	p, release, err := openPage(ctx, cfg, f, logger)
	if err != nil {
		return nil, err
	}
	agent, err := service.Build(ctx, cfg, p, release, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize agent: %w", err)
	}
	return agent, nil
}
