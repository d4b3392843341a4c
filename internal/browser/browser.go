// internal/browser/browser.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/page-agent/internal/config"
)

// allocatorFlags turns the browser config into chrome command line flags.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"no-sandbox":               true,
		"disable-gpu":              true,
		"no-first-run":             true,
		"no-default-browser-check": true,
		"enable-automation":        true,
	}
	if cfg.Headless {
		flags["headless"] = true
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
	}
	if cfg.DisableCache {
		flags["disable-cache"] = true
		flags["disk-cache-size"] = "0"
		flags["media-cache-size"] = "0"
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", w, h)
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			flags[key] = value
		} else {
			flags[key] = true
		}
	}
	return flags
}

// DefaultAllocatorOptions builds the exec allocator options for cfg.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	flags := allocatorFlags(cfg)
	opts := make([]chromedp.ExecAllocatorOption, 0, len(flags))
	for k, v := range flags {
		opts = append(opts, chromedp.Flag(k, v))
	}
	return opts
}

// Browser is one chrome process. Each page gets its own tab.
type Browser struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu    sync.Mutex
	pages map[*CDPDriver]struct{}
}

// Launch starts chrome and keeps it running until Shutdown or until ctx ends.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	logger = logger.Named("browser")
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, DefaultAllocatorOptions(cfg)...)

	ctxOpts := []chromedp.ContextOption{}
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(logger.Sugar().Debugf))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	// An empty Run starts the process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	logger.Info("Browser started.", zap.Bool("headless", cfg.Headless))

	return &Browser{
		cfg:           cfg,
		logger:        logger,
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		pages:         make(map[*CDPDriver]struct{}),
	}, nil
}

// NewPage opens a tab, sizes it and navigates to url when url is not empty.
func (b *Browser) NewPage(ctx context.Context, url string) (*CDPDriver, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)

	w, h := b.cfg.Viewport["width"], b.cfg.Viewport["height"]
	if w > 0 && h > 0 {
		if err := chromedp.Run(tabCtx, chromedp.EmulateViewport(int64(w), int64(h))); err != nil {
			tabCancel()
			return nil, fmt.Errorf("failed to open tab: %w", err)
		}
	} else if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	driver := NewCDPDriver(tabCtx, tabCancel, b.cfg, b.logger)
	if url != "" {
		if err := driver.Navigate(ctx, url); err != nil {
			_ = driver.Close()
			return nil, err
		}
	}

	b.mu.Lock()
	b.pages[driver] = struct{}{}
	b.mu.Unlock()
	driver.onClose = func() {
		b.mu.Lock()
		delete(b.pages, driver)
		b.mu.Unlock()
	}
	return driver, nil
}

// Shutdown closes all tabs and waits for chrome to exit, up to ctx's deadline.
func (b *Browser) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	pages := make([]*CDPDriver, 0, len(b.pages))
	for p := range b.pages {
		pages = append(pages, p)
	}
	b.pages = map[*CDPDriver]struct{}{}
	b.mu.Unlock()

	for _, p := range pages {
		_ = p.Close()
	}

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(b.browserCtx) }()

	var err error
	select {
	case err = <-done:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	case <-ctx.Done():
		err = fmt.Errorf("browser shutdown timed out: %w", ctx.Err())
	case <-time.After(30 * time.Second):
		err = errors.New("browser shutdown timed out")
	}
	b.browserCancel()
	b.allocCancel()
	b.logger.Info("Browser stopped.")
	return err
}
