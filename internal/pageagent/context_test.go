package pageagent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/page-agent/internal/browser"
	"github.com/xkilldash9x/page-agent/internal/mocks"
	"github.com/xkilldash9x/page-agent/internal/shortcut"
)

func TestNewRegistersBuiltins(t *testing.T) {
	c := New(new(mocks.MockDriver), zaptest.NewLogger(t))

	assert.Equal(t,
		[]string{"click_element_by_index", "fill_input", "getBrowserState", "scroll"},
		c.Shortcuts().Names())

	doc := c.ShortcutUsagePrompt()
	assert.True(t, strings.HasPrefix(doc, "<shortcuts>\n<shortcut name=\"click_element_by_index\">"))
	assert.True(t, strings.HasSuffix(doc, "</shortcut>\n</shortcuts>"))
}

func TestAddShortcutsOverridesBuiltin(t *testing.T) {
	c := New(new(mocks.MockDriver), zaptest.NewLogger(t))

	err := c.AddShortcuts(shortcut.Descriptor{
		Name:        "fill_input",
		Description: "custom",
		Execute: func(ctx context.Context, h shortcut.Host, args ...any) (any, error) {
			return "overridden", nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, c.Shortcuts().Len())
	assert.Equal(t, "fill_input", c.Shortcuts().Names()[1])

	got, err := c.SafeContext().Shortcuts["fill_input"](context.Background())
	require.NoError(t, err)
	assert.Equal(t, "overridden", got)

	assert.Error(t, c.AddShortcuts(shortcut.Descriptor{Name: "broken"}))
	_, ok := c.Shortcuts().Lookup("broken")
	assert.False(t, ok)
}

func TestSafeContextBindsToPage(t *testing.T) {
	driver := new(mocks.MockDriver)
	driver.On("ClickElement", mock.Anything, 3).Return(browser.ActionResult{Success: true, Message: "Clicked element [3]"}, nil)

	c := New(driver, nil)
	safe := c.SafeContext()
	assert.Same(t, driver, safe.Page)
	assert.Equal(t, c.Shortcuts().Names(), safe.Names)

	got, err := safe.Shortcuts["click_element_by_index"](context.Background(), int64(3))
	require.NoError(t, err)
	assert.Equal(t, browser.ActionResult{Success: true, Message: "Clicked element [3]"}, got)
	driver.AssertExpectations(t)
}
