package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/page-agent/internal/browser"
	"github.com/xkilldash9x/page-agent/internal/config"
	"github.com/xkilldash9x/page-agent/internal/interrupt"
	"github.com/xkilldash9x/page-agent/internal/session"
)

const browserShutdownTimeout = 10 * time.Second

// ErrRejected is returned by one-shot commands whose call was rejected.
var ErrRejected = errors.New("tool call rejected")

// pageSource opens pages in one running browser.
type pageSource interface {
	NewPage(ctx context.Context, url string) (session.Page, error)
	Shutdown(ctx context.Context) error
}

type launcher func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (pageSource, error)

type browserPages struct {
	b *browser.Browser
}

func (p browserPages) NewPage(ctx context.Context, url string) (session.Page, error) {
	d, err := p.b.NewPage(ctx, url)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (p browserPages) Shutdown(ctx context.Context) error { return p.b.Shutdown(ctx) }

func launchBrowser(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (pageSource, error) {
	b, err := browser.Launch(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return browserPages{b: b}, nil
}

func shutdownPages(pages pageSource, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), browserShutdownTimeout)
	defer cancel()
	if err := pages.Shutdown(ctx); err != nil {
		logger.Warn("Browser did not shut down cleanly", zap.Error(err))
	}
}

// invokeOnce opens target in a fresh browser, runs a single tool call
// without waiting for a reviewer and returns its decision.
func (a *app) invokeOnce(ctx context.Context, target, tool string, inputs map[string]any) (interrupt.Decision, error) {
	// Nobody is around to approve a held call.
	cfg := *a.cfg
	cfg.CoordinatorCfg.ManualApprovalTools = nil

	pages, err := a.launch(ctx, cfg.Browser(), a.logger)
	if err != nil {
		return interrupt.Decision{}, fmt.Errorf("failed to launch browser: %w", err)
	}
	defer shutdownPages(pages, a.logger)

	page, err := pages.NewPage(ctx, target)
	if err != nil {
		return interrupt.Decision{}, fmt.Errorf("failed to open %s: %w", target, err)
	}

	s, err := session.New(uuid.NewString(), target, page, &cfg, nil, a.logger)
	if err != nil {
		_ = page.Close()
		return interrupt.Decision{}, err
	}
	defer s.Close()

	_, d, err := s.Invoke(ctx, tool, inputs)
	if err != nil {
		return interrupt.Decision{}, err
	}
	return d, nil
}
