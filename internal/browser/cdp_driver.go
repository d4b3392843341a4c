// internal/browser/cdp_driver.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/page-agent/internal/config"
)

const defaultActionTimeout = 15 * time.Second

// CDPDriver implements Driver on top of a chromedp tab. Calls are serialized
// so two operations never interleave on the same page.
type CDPDriver struct {
	tabCtx    context.Context
	tabCancel context.CancelFunc
	cfg       config.BrowserConfig
	logger    *zap.Logger

	mu      sync.Mutex
	closed  bool
	onClose func()
}

var _ Driver = (*CDPDriver)(nil)

// NewCDPDriver wraps an existing chromedp tab context. The driver owns
// tabCancel and calls it on Close.
func NewCDPDriver(tabCtx context.Context, tabCancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger) *CDPDriver {
	return &CDPDriver{
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
		cfg:       cfg,
		logger:    logger.Named("cdp_driver"),
	}
}

// run executes actions on the tab, bounded by both ctx and the action timeout.
func (d *CDPDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("page driver is closed")
	}

	timeout := d.cfg.ActionTimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runCtx, runCancel := CombineContext(d.tabCtx, opCtx)
	defer runCancel()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return fmt.Errorf("page operation timed out after %v: %w", timeout, err)
	}
	return err
}

func evalOpts(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithReturnByValue(true).WithAwaitPromise(true)
}

func indexSelector(index int) string {
	return fmt.Sprintf(`[%s="%d"]`, IndexAttribute, index)
}

// locate fails with ElementNotFoundError when the index is stale.
func (d *CDPDriver) locate(ctx context.Context, index int) (string, error) {
	var found bool
	err := d.run(ctx,
		chromedp.Evaluate(domScript, nil),
		chromedp.Evaluate(fmt.Sprintf("window.__pageAgent.has(%d)", index), &found, evalOpts),
	)
	if err != nil {
		return "", fmt.Errorf("failed to look up element %d: %w", index, err)
	}
	if !found {
		return "", &ElementNotFoundError{Index: index}
	}
	return indexSelector(index), nil
}

// ClickElement scrolls the indexed element into view and clicks it.
func (d *CDPDriver) ClickElement(ctx context.Context, index int) (ActionResult, error) {
	sel, err := d.locate(ctx, index)
	if err != nil {
		return ActionResult{}, err
	}
	d.logger.Debug("Clicking element.", zap.Int("index", index))
	err = d.run(ctx,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery),
	)
	if err != nil {
		return ActionResult{}, fmt.Errorf("click on element %d failed: %w", index, err)
	}
	return ActionResult{Success: true, Message: fmt.Sprintf("Clicked element [%d]", index)}, nil
}

// InputText clears the indexed field and types text into it.
func (d *CDPDriver) InputText(ctx context.Context, index int, text string) (ActionResult, error) {
	sel, err := d.locate(ctx, index)
	if err != nil {
		return ActionResult{}, err
	}
	d.logger.Debug("Typing into element.", zap.Int("index", index), zap.Int("length", len(text)))
	err = d.run(ctx,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, text, chromedp.ByQuery),
	)
	if err != nil {
		return ActionResult{}, fmt.Errorf("input into element %d failed: %w", index, err)
	}
	return ActionResult{Success: true, Message: fmt.Sprintf("Input %q into element [%d]", text, index)}, nil
}

// ScrollPage scrolls vertically by a number of viewport heights.
func (d *CDPDriver) ScrollPage(ctx context.Context, down bool, pages float64) (ActionResult, error) {
	if pages <= 0 {
		pages = 1
	}
	dir := 1.0
	if !down {
		dir = -1.0
	}
	script := fmt.Sprintf("window.scrollBy(0, %s * window.innerHeight)", strconv.FormatFloat(dir*pages, 'f', -1, 64))
	if err := d.run(ctx, chromedp.Evaluate(script, nil)); err != nil {
		return ActionResult{}, fmt.Errorf("scroll failed: %w", err)
	}
	word := "down"
	if !down {
		word = "up"
	}
	return ActionResult{Success: true, Message: fmt.Sprintf("Scrolled %s %s pages", word, strconv.FormatFloat(pages, 'f', -1, 64))}, nil
}

func (d *CDPDriver) GetCurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := d.run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to read page url: %w", err)
	}
	return url, nil
}

func (d *CDPDriver) GetPageTitle(ctx context.Context) (string, error) {
	var title string
	if err := d.run(ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("failed to read page title: %w", err)
	}
	return title, nil
}

func (d *CDPDriver) GetPageInfo(ctx context.Context) (PageInfo, error) {
	var info PageInfo
	err := d.run(ctx,
		chromedp.Evaluate(domScript, nil),
		chromedp.Evaluate("window.__pageAgent.pageInfo()", &info, evalOpts),
	)
	if err != nil {
		return PageInfo{}, fmt.Errorf("failed to read page geometry: %w", err)
	}
	return info, nil
}

// GetViewportExpansion reports the configured expansion. It never fails.
func (d *CDPDriver) GetViewportExpansion(ctx context.Context) (int, error) {
	return d.cfg.ViewportExpansion, nil
}

func (d *CDPDriver) UpdateTree(ctx context.Context) error {
	var count int
	err := d.run(ctx,
		chromedp.Evaluate(domScript, nil),
		chromedp.Evaluate(fmt.Sprintf("window.__pageAgent.updateTree(%d)", d.cfg.ViewportExpansion), &count, evalOpts),
	)
	if err != nil {
		return fmt.Errorf("failed to scan the page: %w", err)
	}
	d.logger.Debug("Indexed interactive elements.", zap.Int("count", count))
	return nil
}

func (d *CDPDriver) GetSimplifiedHTML(ctx context.Context) (string, error) {
	var html string
	err := d.run(ctx,
		chromedp.Evaluate(domScript, nil),
		chromedp.Evaluate("window.__pageAgent.simplifiedHTML()", &html, evalOpts),
	)
	if err != nil {
		return "", fmt.Errorf("failed to read element tree: %w", err)
	}
	return html, nil
}

func (d *CDPDriver) CleanUpHighlights(ctx context.Context) error {
	var ok bool
	err := d.run(ctx, chromedp.Evaluate("window.__pageAgent ? window.__pageAgent.cleanUp() : true", &ok, evalOpts))
	if err != nil {
		return fmt.Errorf("failed to clear highlights: %w", err)
	}
	return nil
}

// Navigate loads url and waits for the body to be ready.
func (d *CDPDriver) Navigate(ctx context.Context, url string) error {
	d.logger.Info("Navigating.", zap.String("url", url))
	timeout := d.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("page driver is closed")
	}
	runCtx, runCancel := CombineContext(d.tabCtx, navCtx)
	defer runCancel()

	if err := chromedp.Run(runCtx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation to %s timed out after %v: %w", url, timeout, err)
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// Close shuts the tab. It is safe to call more than once.
func (d *CDPDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.tabCancel != nil {
		d.tabCancel()
	}
	onClose := d.onClose
	d.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}
