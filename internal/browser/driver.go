// internal/browser/driver.go
package browser

import (
	"context"
	"fmt"
)

// Driver is the page handle the agent acts through. Every method is a
// separate round trip to the live page and may fail independently.
type Driver interface {
	ClickElement(ctx context.Context, index int) (ActionResult, error)
	InputText(ctx context.Context, index int, text string) (ActionResult, error)
	ScrollPage(ctx context.Context, down bool, pages float64) (ActionResult, error)

	GetCurrentURL(ctx context.Context) (string, error)
	GetPageTitle(ctx context.Context) (string, error)
	GetPageInfo(ctx context.Context) (PageInfo, error)
	GetViewportExpansion(ctx context.Context) (int, error)

	// UpdateTree re-scans the DOM, assigns element indices and draws
	// highlight overlays for them.
	UpdateTree(ctx context.Context) error
	// GetSimplifiedHTML returns the text rendering of the last scan.
	GetSimplifiedHTML(ctx context.Context) (string, error)
	CleanUpHighlights(ctx context.Context) error
}

// PageInfo is the viewport and scroll geometry of the page at one instant.
type PageInfo struct {
	ViewportWidth  int `json:"viewport_width"`
	ViewportHeight int `json:"viewport_height"`
	PageWidth      int `json:"page_width"`
	PageHeight     int `json:"page_height"`

	ScrollX float64 `json:"scroll_x"`
	ScrollY float64 `json:"scroll_y"`

	PixelsAbove float64 `json:"pixels_above"`
	PixelsBelow float64 `json:"pixels_below"`
	PixelsLeft  float64 `json:"pixels_left"`
	PixelsRight float64 `json:"pixels_right"`

	PagesAbove float64 `json:"pages_above"`
	PagesBelow float64 `json:"pages_below"`
	TotalPages float64 `json:"total_pages"`

	// CurrentPagePosition is the scroll position as a ratio of the scrollable height.
	CurrentPagePosition float64 `json:"current_page_position"`
}

// ActionResult is what page actions report back to scripts.
type ActionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ElementNotFoundError is returned when an index from a previous scan no
// longer maps to an element on the page.
type ElementNotFoundError struct {
	Index int
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element with index %d not found, refresh the browser state and retry", e.Index)
}
