// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/page-agent/internal/browser"
	"github.com/xkilldash9x/page-agent/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Sandbox() config.SandboxConfig {
	args := m.Called()
	return args.Get(0).(config.SandboxConfig)
}

func (m *MockConfig) Coordinator() config.CoordinatorConfig {
	args := m.Called()
	return args.Get(0).(config.CoordinatorConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) SetBrowserHeadless(b bool)          { m.Called(b) }
func (m *MockConfig) SetBrowserIgnoreTLSErrors(b bool)   { m.Called(b) }
func (m *MockConfig) SetBrowserViewportExpansion(px int) { m.Called(px) }
func (m *MockConfig) SetSandboxWaits(before, after time.Duration) {
	m.Called(before, after)
}
func (m *MockConfig) SetSandboxScriptTimeout(d time.Duration) { m.Called(d) }
func (m *MockConfig) SetServerListenAddr(addr string)         { m.Called(addr) }

// -- Page Driver Mock --

// MockDriver mocks browser.Driver. It also records the order in which
// methods were invoked, which the synthesis tests depend on.
type MockDriver struct {
	mock.Mock

	mu     sync.Mutex
	order  []string
	closed bool
}

var _ browser.Driver = (*MockDriver)(nil)

func (m *MockDriver) record(name string) {
	m.mu.Lock()
	m.order = append(m.order, name)
	m.mu.Unlock()
}

// CallOrder returns the method names in invocation order.
func (m *MockDriver) CallOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *MockDriver) ClickElement(ctx context.Context, index int) (browser.ActionResult, error) {
	m.record("ClickElement")
	args := m.Called(ctx, index)
	return args.Get(0).(browser.ActionResult), args.Error(1)
}

func (m *MockDriver) InputText(ctx context.Context, index int, text string) (browser.ActionResult, error) {
	m.record("InputText")
	args := m.Called(ctx, index, text)
	return args.Get(0).(browser.ActionResult), args.Error(1)
}

func (m *MockDriver) ScrollPage(ctx context.Context, down bool, pages float64) (browser.ActionResult, error) {
	m.record("ScrollPage")
	args := m.Called(ctx, down, pages)
	return args.Get(0).(browser.ActionResult), args.Error(1)
}

func (m *MockDriver) GetCurrentURL(ctx context.Context) (string, error) {
	m.record("GetCurrentURL")
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) GetPageTitle(ctx context.Context) (string, error) {
	m.record("GetPageTitle")
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) GetPageInfo(ctx context.Context) (browser.PageInfo, error) {
	m.record("GetPageInfo")
	args := m.Called(ctx)
	return args.Get(0).(browser.PageInfo), args.Error(1)
}

func (m *MockDriver) GetViewportExpansion(ctx context.Context) (int, error) {
	m.record("GetViewportExpansion")
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockDriver) UpdateTree(ctx context.Context) error {
	m.record("UpdateTree")
	return m.Called(ctx).Error(0)
}

func (m *MockDriver) GetSimplifiedHTML(ctx context.Context) (string, error) {
	m.record("GetSimplifiedHTML")
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) CleanUpHighlights(ctx context.Context) error {
	m.record("CleanUpHighlights")
	return m.Called(ctx).Error(0)
}

// Close marks the page closed. It needs no expectation.
func (m *MockDriver) Close() error {
	m.record("Close")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockDriver) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// StaticPage configures the read side of m to describe one fixed page.
func (m *MockDriver) StaticPage(url, title string, info browser.PageInfo, expansion int, tree string) *MockDriver {
	m.On("GetCurrentURL", mock.Anything).Return(url, nil).Maybe()
	m.On("GetPageTitle", mock.Anything).Return(title, nil).Maybe()
	m.On("GetPageInfo", mock.Anything).Return(info, nil).Maybe()
	m.On("GetViewportExpansion", mock.Anything).Return(expansion, nil).Maybe()
	m.On("UpdateTree", mock.Anything).Return(nil).Maybe()
	m.On("GetSimplifiedHTML", mock.Anything).Return(tree, nil).Maybe()
	m.On("CleanUpHighlights", mock.Anything).Return(nil).Maybe()
	return m
}
