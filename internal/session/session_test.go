package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/page-agent/internal/browser"
	"github.com/xkilldash9x/page-agent/internal/config"
	"github.com/xkilldash9x/page-agent/internal/interrupt"
	"github.com/xkilldash9x/page-agent/internal/mocks"
	"github.com/xkilldash9x/page-agent/internal/pageagent"
	"github.com/xkilldash9x/page-agent/internal/shortcut"
)

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.SetSandboxWaits(0, 0)
	return cfg
}

func newTestSession(t *testing.T, cfg *config.Config, driver *mocks.MockDriver) *Session {
	t.Helper()
	s, err := New("s1", "https://example.com/", driver, cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func withTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestInvokeExecuteJavaScript(t *testing.T) {
	driver := new(mocks.MockDriver)
	driver.On("ClickElement", mock.Anything, 1).Return(browser.ActionResult{Success: true, Message: "Clicked element [1]"}, nil)
	s := newTestSession(t, testConfig(), driver)

	call, d, err := s.Invoke(withTimeout(t, 5*time.Second), pageagent.ToolExecuteJavaScript, map[string]any{
		"description": "click the button",
		"js_code":     `async function main(context) { const r = await context.shortcuts.click_element_by_index(1); return r.message }`,
	})
	require.NoError(t, err)
	assert.Equal(t, interrupt.Respond(`"Clicked element [1]"`), d)
	assert.Equal(t, interrupt.StatusResolved, call.Status)
	assert.Equal(t, interrupt.SourceExecutor, call.Source)
}

func TestInvokeGetBrowserState(t *testing.T) {
	driver := new(mocks.MockDriver).StaticPage("https://example.com/", "Example",
		browser.PageInfo{ViewportWidth: 1280, ViewportHeight: 800, PageWidth: 1280, PageHeight: 800, TotalPages: 1},
		-1, "[0]<button>Go />")
	s := newTestSession(t, testConfig(), driver)

	call, d, err := s.Invoke(withTimeout(t, 5*time.Second), pageagent.ToolGetBrowserState, map[string]any{"description": "look around"})
	require.NoError(t, err)
	assert.Equal(t, interrupt.KindRespond, d.Kind)
	assert.True(t, strings.HasPrefix(d.Payload, "<browser_state>\nCurrent Page: [Example](https://example.com/)"))
	assert.Contains(t, d.Payload, "[0]<button>Go />")
	assert.Equal(t, interrupt.SourceSynthesizer, call.Source)
	assert.Contains(t, driver.CallOrder(), "CleanUpHighlights")
}

func TestInvokeGetBrowserStateFailure(t *testing.T) {
	driver := new(mocks.MockDriver)
	driver.On("GetCurrentURL", mock.Anything).Return("", errors.New("target closed"))
	s := newTestSession(t, testConfig(), driver)

	_, d, err := s.Invoke(withTimeout(t, 5*time.Second), pageagent.ToolGetBrowserState, map[string]any{"description": "look"})
	require.NoError(t, err)
	assert.Equal(t, interrupt.KindReject, d.Kind)
	assert.Contains(t, d.Payload, "failed to read browser state")
	assert.Contains(t, d.Payload, "target closed")
}

func TestGetBrowserStateUsesRegisteredShortcut(t *testing.T) {
	driver := new(mocks.MockDriver)
	s := newTestSession(t, testConfig(), driver)
	require.NoError(t, s.Agent().AddShortcuts(shortcut.Descriptor{
		Name:        shortcut.GetBrowserState.Name,
		Description: "reads a trimmed state",
		Execute: func(ctx context.Context, h shortcut.Host, args ...any) (any, error) {
			return "<browser_state>custom</browser_state>", nil
		},
	}))

	call, d, err := s.Invoke(withTimeout(t, 5*time.Second), pageagent.ToolGetBrowserState, map[string]any{"description": "look"})
	require.NoError(t, err)
	assert.Equal(t, interrupt.Respond("<browser_state>custom</browser_state>"), d)
	assert.Equal(t, interrupt.SourceSynthesizer, call.Source)
	assert.Empty(t, driver.CallOrder())
}

func TestGetBrowserStateShortcutResults(t *testing.T) {
	tests := []struct {
		name    string
		result  any
		err     error
		want    interrupt.Decision
		wantErr string
	}{
		{name: "structured result is JSON encoded", result: map[string]any{"url": "https://example.com/"}, want: interrupt.Respond(`{"url":"https://example.com/"}`)},
		{name: "nil result", result: nil, wantErr: `shortcut "getBrowserState" returned nothing`},
		{name: "error", err: errors.New("tab crashed"), wantErr: "failed to read browser state: tab crashed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(t, testConfig(), new(mocks.MockDriver))
			require.NoError(t, s.Agent().AddShortcuts(shortcut.Descriptor{
				Name:        shortcut.GetBrowserState.Name,
				Description: "replacement",
				Execute: func(ctx context.Context, h shortcut.Host, args ...any) (any, error) {
					return tt.result, tt.err
				},
			}))

			_, d, err := s.Invoke(withTimeout(t, 5*time.Second), pageagent.ToolGetBrowserState, map[string]any{"description": "look"})
			require.NoError(t, err)
			if tt.wantErr != "" {
				assert.Equal(t, interrupt.KindReject, d.Kind)
				assert.Contains(t, d.Payload, tt.wantErr)
				return
			}
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestGetBrowserStateWithoutDescriptionWaitsForReviewer(t *testing.T) {
	driver := new(mocks.MockDriver)
	s := newTestSession(t, testConfig(), driver)

	call, _, err := s.Invoke(withTimeout(t, 50*time.Millisecond), pageagent.ToolGetBrowserState, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, driver.CallOrder(), "nothing was read from the page")

	out, ok := s.Coordinator().Outstanding()
	require.True(t, ok)
	assert.Equal(t, call.ID, out.ID)

	_, err = s.Override(call.ID, interrupt.Respond("reviewer text"))
	require.NoError(t, err)

	d, err := s.Coordinator().Wait(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, interrupt.Respond("reviewer text"), d)
}

func TestSingleOutstandingCallAcrossTools(t *testing.T) {
	cfg := testConfig()
	cfg.CoordinatorCfg.ManualApprovalTools = []string{pageagent.ToolExecuteJavaScript}
	s := newTestSession(t, cfg, new(mocks.MockDriver))

	held, err := s.Start(pageagent.ToolExecuteJavaScript, map[string]any{"js_code": "function main() {}"})
	require.NoError(t, err)

	_, _, err = s.Invoke(context.Background(), pageagent.ToolGetBrowserState, map[string]any{"description": "x"})
	require.ErrorIs(t, err, interrupt.ErrCallOutstanding)

	got, _ := s.Coordinator().Get(held.ID)
	assert.Equal(t, interrupt.StatusInterrupted, got.Status)
}

func TestManualApprovalRun(t *testing.T) {
	cfg := testConfig()
	cfg.CoordinatorCfg.ManualApprovalTools = []string{pageagent.ToolExecuteJavaScript, "no_such_tool"}
	s := newTestSession(t, cfg, new(mocks.MockDriver))

	call, err := s.Start(pageagent.ToolExecuteJavaScript, map[string]any{"js_code": `function main() { return "approved" }`})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	got, _ := s.Coordinator().Get(call.ID)
	require.Equal(t, interrupt.StatusInterrupted, got.Status, "held calls do not run on their own")

	require.NoError(t, s.Run(call.ID))
	d, err := s.Coordinator().Wait(withTimeout(t, 5*time.Second), call.ID)
	require.NoError(t, err)
	assert.Equal(t, interrupt.Respond(`"approved"`), d)

	assert.ErrorIs(t, s.Run(call.ID), interrupt.ErrAlreadyResolved)
	assert.ErrorIs(t, s.Run("missing"), interrupt.ErrUnknownCall)
}

func TestOverrideWinsOverHeldCall(t *testing.T) {
	cfg := testConfig()
	cfg.CoordinatorCfg.ManualApprovalTools = []string{pageagent.ToolExecuteJavaScript}
	s := newTestSession(t, cfg, new(mocks.MockDriver))

	call, err := s.Start(pageagent.ToolExecuteJavaScript, map[string]any{"js_code": `function main() { return 1 }`})
	require.NoError(t, err)

	resolved, err := s.Override(call.ID, interrupt.Reject("not allowed on this page"))
	require.NoError(t, err)
	assert.Equal(t, interrupt.SourceHuman, resolved.Source)

	_, err = s.Override(call.ID, interrupt.Respond("second"))
	assert.ErrorIs(t, err, interrupt.ErrAlreadyResolved)
	assert.ErrorIs(t, s.Run(call.ID), interrupt.ErrAlreadyResolved)
}

func TestLateExecutorDecisionIsDiscarded(t *testing.T) {
	s := newTestSession(t, testConfig(), new(mocks.MockDriver))

	call, err := s.Start(pageagent.ToolExecuteJavaScript, map[string]any{
		"js_code":        `function main() { return "executor" }`,
		"wait_after_run": 0.2,
	})
	require.NoError(t, err)

	_, err = s.Override(call.ID, interrupt.Respond("human"))
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	got, _ := s.Coordinator().Get(call.ID)
	assert.Equal(t, interrupt.Respond("human"), *got.Decision)
	assert.Equal(t, interrupt.SourceHuman, got.Source)
}

func TestCloseRejectsOutstandingAndClosesPage(t *testing.T) {
	driver := new(mocks.MockDriver)
	s, err := New("s1", "about:blank", driver, testConfig(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	call, err := s.Start(pageagent.ToolExecuteJavaScript, map[string]any{
		"js_code":         `function main() { return 1 }`,
		"wait_before_run": 60,
	})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, driver.Closed())

	got, _ := s.Coordinator().Get(call.ID)
	assert.Equal(t, interrupt.SourceTeardown, got.Source)
	assert.Equal(t, interrupt.KindReject, got.Decision.Kind)

	_, err = s.Start(pageagent.ToolGetBrowserState, map[string]any{"description": "x"})
	assert.ErrorIs(t, err, interrupt.ErrClosed)
}

func TestToolsAndInfo(t *testing.T) {
	s := newTestSession(t, testConfig(), new(mocks.MockDriver))
	tools, doc := s.Tools()
	assert.Len(t, tools, 2)
	assert.Contains(t, doc, `<shortcut name="getBrowserState">`)

	info := s.Info()
	assert.Equal(t, "s1", info.ID)
	assert.Nil(t, info.Outstanding)
}
