// Package browserstate renders the page observation handed to the agent.
package browserstate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/xkilldash9x/page-agent/internal/browser"
	"github.com/xkilldash9x/page-agent/internal/observability"
)

const (
	OpenTag  = "<browser_state>"
	CloseTag = "</browser_state>"

	StartOfPage = "[Start of page]"
	EndOfPage   = "[End of page]"

	// FullPage is the viewport expansion that lists every element on the page.
	FullPage = -1

	// scrollHintThreshold is the number of pixels that must be hidden before
	// a scroll hint replaces the start/end marker.
	scrollHintThreshold = 4
)

// Snapshot is one read of the page. It is never cached.
type Snapshot struct {
	URL               string
	Title             string
	Info              browser.PageInfo
	ViewportExpansion int
	Tree              string
}

// Capture reads the page in a fixed order: url, title, geometry, expansion,
// then a fresh tree scan. Highlights drawn by the scan are always cleared,
// and any failure, cleanup included, yields no snapshot.
func Capture(ctx context.Context, page browser.Driver) (snap Snapshot, err error) {
	if snap.URL, err = page.GetCurrentURL(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("read url: %w", err)
	}
	if snap.Title, err = page.GetPageTitle(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("read title: %w", err)
	}
	if snap.Info, err = page.GetPageInfo(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("read page info: %w", err)
	}
	if snap.ViewportExpansion, err = page.GetViewportExpansion(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("read viewport expansion: %w", err)
	}

	defer func() {
		if cerr := page.CleanUpHighlights(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, fmt.Errorf("clean up highlights: %w", cerr))
		}
		if err != nil {
			snap = Snapshot{}
		}
	}()

	if err = page.UpdateTree(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("update tree: %w", err)
	}
	if snap.Tree, err = page.GetSimplifiedHTML(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("read simplified html: %w", err)
	}
	return snap, nil
}

// Render produces the browser state document.
func (s Snapshot) Render() string {
	pi := s.Info
	full := s.ViewportExpansion == FullPage

	var b strings.Builder
	b.WriteString(OpenTag + "\n")
	fmt.Fprintf(&b, "Current Page: [%s](%s)\n\n", s.Title, s.URL)
	fmt.Fprintf(&b, "Page info: %dx%dpx viewport, %dx%dpx total page size, %s pages above, %s pages below, %s total pages, at %s%% of page\n\n",
		pi.ViewportWidth, pi.ViewportHeight, pi.PageWidth, pi.PageHeight,
		toFixed(pi.PagesAbove, 1), toFixed(pi.PagesBelow, 1), toFixed(pi.TotalPages, 1),
		toFixed(ScrollPercent(pi), 0))

	if full {
		b.WriteString("Interactive elements from top layer of the current page (full page):\n\n")
	} else {
		b.WriteString("Interactive elements from top layer of the current page inside the viewport:\n\n")
	}

	if !full && pi.PixelsAbove > scrollHintThreshold {
		fmt.Fprintf(&b, "... %s pixels above (%s pages) - scroll to see more ...\n", number(pi.PixelsAbove), toFixed(pi.PagesAbove, 1))
	} else {
		b.WriteString(StartOfPage + "\n")
	}

	b.WriteString(s.Tree)
	b.WriteString("\n")

	if !full && pi.PixelsBelow > scrollHintThreshold {
		fmt.Fprintf(&b, "... %s pixels below (%s pages) - scroll to see more ...\n", number(pi.PixelsBelow), toFixed(pi.PagesBelow, 1))
	} else {
		b.WriteString(EndOfPage + "\n")
	}

	b.WriteString(CloseTag + "\n")
	return b.String()
}

// Synthesize captures and renders the page in one step.
func Synthesize(ctx context.Context, page browser.Driver) (string, error) {
	snap, err := Capture(ctx, page)
	if err != nil {
		observability.StateSyntheses.WithLabelValues("error").Inc()
		return "", err
	}
	observability.StateSyntheses.WithLabelValues("ok").Inc()
	return snap.Render(), nil
}

// Extract returns the body between the first open tag and the following close tag.
func Extract(text string) (string, bool) {
	start := strings.Index(text, OpenTag)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(OpenTag):]
	end := strings.Index(rest, CloseTag)
	if end < 0 {
		return "", false
	}
	return strings.Trim(rest[:end], "\n"), true
}

// ScrollPercent is the scroll position as a percentage, clamped to [0, 100].
func ScrollPercent(pi browser.PageInfo) float64 {
	p := pi.CurrentPagePosition * 100
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// number formats like a JavaScript number: shortest form, no exponent.
func number(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// toFixed rounds like Number.prototype.toFixed: the exact binary value is
// rounded and exact ties go away from zero.
func toFixed(v float64, digits int) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return number(v)
	}
	neg := v < 0
	scaled := new(big.Float).SetPrec(1024).SetFloat64(math.Abs(v))
	scaled.Mul(scaled, new(big.Float).SetPrec(1024).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)))

	n, _ := scaled.Int(nil)
	frac := new(big.Float).SetPrec(1024).Sub(scaled, new(big.Float).SetPrec(1024).SetInt(n))
	if frac.Cmp(big.NewFloat(0.5)) >= 0 {
		n.Add(n, big.NewInt(1))
	}

	s := n.String()
	if digits > 0 {
		if len(s) <= digits {
			s = strings.Repeat("0", digits-len(s)+1) + s
		}
		s = s[:len(s)-digits] + "." + s[len(s)-digits:]
	}
	if neg {
		s = "-" + s
	}
	return s
}
