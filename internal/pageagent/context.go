// Package pageagent holds the agent context: the page handle, its shortcut
// registry and the tool surface offered to the model runtime.
package pageagent

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/page-agent/internal/browser"
	"github.com/xkilldash9x/page-agent/internal/shortcut"
)

// Context owns one page and the shortcuts bound to it.
type Context struct {
	page      browser.Driver
	shortcuts *shortcut.Registry
	logger    *zap.Logger
}

// SafeContext is the only view of a Context that scripts receive.
type SafeContext struct {
	Page      browser.Driver
	Shortcuts map[string]shortcut.Capability
	// Names lists the shortcuts in registration order.
	Names []string
}

// New returns a Context for page with the built-in shortcuts registered.
func New(page browser.Driver, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Context{
		page:      page,
		shortcuts: shortcut.NewRegistry(),
		logger:    logger.Named("pageagent"),
	}
	// Built-ins are statically valid.
	_ = c.shortcuts.Register(shortcut.Builtins()...)
	return c
}

// Page satisfies shortcut.Host.
func (c *Context) Page() browser.Driver { return c.page }

func (c *Context) Shortcuts() *shortcut.Registry { return c.shortcuts }

// AddShortcuts registers ds, replacing any shortcut of the same name.
func (c *Context) AddShortcuts(ds ...shortcut.Descriptor) error {
	if err := c.shortcuts.Register(ds...); err != nil {
		return err
	}
	for _, d := range ds {
		c.logger.Debug("Registered shortcut.", zap.String("name", d.Name))
	}
	return nil
}

// ShortcutUsagePrompt renders the shortcut document for the agent instructions.
func (c *Context) ShortcutUsagePrompt() string {
	return c.shortcuts.Describe()
}

// SafeContext returns the page and the bound shortcuts, nothing else.
func (c *Context) SafeContext() SafeContext {
	return SafeContext{
		Page:      c.page,
		Shortcuts: c.shortcuts.Bind(c),
		Names:     c.shortcuts.Names(),
	}
}
