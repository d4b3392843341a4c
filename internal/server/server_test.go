package server

import (
	"bytes"
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/page-agent/internal/config"
	"github.com/xkilldash9x/page-agent/internal/interrupt"
	"github.com/xkilldash9x/page-agent/internal/ledger"
	"github.com/xkilldash9x/page-agent/internal/mocks"
	"github.com/xkilldash9x/page-agent/internal/pageagent"
	"github.com/xkilldash9x/page-agent/internal/session"
)

type envelope struct {
	Status string             `json:"status"`
	Data   stdjson.RawMessage `json:"data"`
	Error  string             `json:"error"`
}

type fakeHistory struct {
	entries []ledger.Entry
	err     error
}

func (f *fakeHistory) History(ctx context.Context, callID string) ([]ledger.Entry, error) {
	return f.entries, f.err
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.SetSandboxWaits(0, 0)
	return cfg
}

type fixture struct {
	srv      *Server
	http     *httptest.Server
	sessions *session.Manager
	bus      *interrupt.Bus
}

func newFixture(t *testing.T, cfg *config.Config, history HistoryStore) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := interrupt.NewBus(logger, 64)
	factory := func(ctx context.Context, url string) (session.Page, error) {
		return new(mocks.MockDriver), nil
	}
	sessions := session.NewManager(cfg, factory, bus, logger)
	srv := New(cfg, sessions, bus, history, logger)
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		_ = sessions.CloseAll()
		ts.Close()
		bus.Close()
	})
	return &fixture{srv: srv, http: ts, sessions: sessions, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, f.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func (f *fixture) createSession(t *testing.T) session.Info {
	t.Helper()
	code, env := f.do(t, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{URL: "https://example.com/"})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var info session.Info
	require.NoError(t, json.Unmarshal(env.Data, &info))
	return info
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	resp, err := f.http.Client().Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = f.http.Client().Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "pageagent_")
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	info := f.createSession(t)
	assert.Equal(t, "https://example.com/", info.URL)

	code, env := f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, code)
	var list []session.Info
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, info.ID, list[0].ID)

	code, env = f.do(t, http.MethodGet, "/api/v1/sessions/"+info.ID+"/tools", nil)
	require.Equal(t, http.StatusOK, code)
	var tools struct {
		Tools     []pageagent.ToolDefinition `json:"tools"`
		Shortcuts string                     `json:"shortcuts"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &tools))
	require.Len(t, tools.Tools, 2)
	assert.Equal(t, pageagent.ToolExecuteJavaScript, tools.Tools[0].Name)
	assert.Contains(t, tools.Shortcuts, "click_element_by_index")

	code, _ = f.do(t, http.MethodDelete, "/api/v1/sessions/"+info.ID, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, env = f.do(t, http.MethodGet, "/api/v1/sessions/"+info.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "error", env.Status)
	assert.Contains(t, env.Error, "session not found")
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	code, env := f.do(t, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{URL: "ftp://example.com"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, env.Error, "invalid target url")

	code, _ = f.do(t, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	resp, err := f.http.Client().Post(f.http.URL+"/api/v1/sessions", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInvokeExecuteJavaScript(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	info := f.createSession(t)

	code, env := f.do(t, http.MethodPost, "/api/v1/sessions/"+info.ID+"/calls", InvokeRequest{
		Name: pageagent.ToolExecuteJavaScript,
		Inputs: map[string]interface{}{
			"description": "add numbers",
			"js_code":     "function main() { return { sum: 1 + 1 } }",
		},
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	var result InvokeResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, interrupt.Respond(`{"sum":2}`), result.Decision)
	assert.Equal(t, interrupt.StatusResolved, result.Call.Status)
	assert.Equal(t, interrupt.SourceExecutor, result.Call.Source)

	code, env = f.do(t, http.MethodGet, "/api/v1/sessions/"+info.ID+"/calls/"+result.Call.ID, nil)
	require.Equal(t, http.StatusOK, code)
	var call interrupt.ToolCall
	require.NoError(t, json.Unmarshal(env.Data, &call))
	assert.Equal(t, result.Call.ID, call.ID)

	code, _ = f.do(t, http.MethodGet, "/api/v1/sessions/"+info.ID+"/calls/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = f.do(t, http.MethodPost, "/api/v1/sessions/"+info.ID+"/calls", InvokeRequest{Name: "open_tab"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, env.Error, "not configured as interruptible")
}

func TestHeldCallResolvedByDecision(t *testing.T) {
	cfg := testConfig()
	cfg.CoordinatorCfg.ManualApprovalTools = []string{pageagent.ToolExecuteJavaScript}
	cfg.ServerCfg.RequestTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg, nil)
	info := f.createSession(t)
	base := "/api/v1/sessions/" + info.ID

	code, env := f.do(t, http.MethodPost, base+"/calls", InvokeRequest{
		Name:   pageagent.ToolExecuteJavaScript,
		Inputs: map[string]interface{}{"description": "d", "js_code": "function main() { return 1 }"},
	})
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "accepted", env.Status)
	var held interrupt.ToolCall
	require.NoError(t, json.Unmarshal(env.Data, &held))
	assert.Equal(t, interrupt.StatusInterrupted, held.Status)

	// A second call is refused while the first waits.
	code, _ = f.do(t, http.MethodPost, base+"/calls", InvokeRequest{
		Name:   pageagent.ToolGetBrowserState,
		Inputs: map[string]interface{}{"description": "look"},
	})
	assert.Equal(t, http.StatusConflict, code)

	code, env = f.do(t, http.MethodPost, base+"/calls/"+held.ID+"/decision", DecisionRequest{Type: "approve"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, env.Error, "not allowed")

	code, env = f.do(t, http.MethodPost, base+"/calls/"+held.ID+"/decision", DecisionRequest{Type: interrupt.KindReject, Message: "not on this page"})
	require.Equal(t, http.StatusOK, code, env.Error)
	var resolved interrupt.ToolCall
	require.NoError(t, json.Unmarshal(env.Data, &resolved))
	assert.Equal(t, interrupt.StatusResolved, resolved.Status)
	assert.Equal(t, interrupt.SourceHuman, resolved.Source)
	assert.Equal(t, interrupt.Reject("not on this page"), *resolved.Decision)

	code, _ = f.do(t, http.MethodPost, base+"/calls/"+held.ID+"/decision", DecisionRequest{Type: interrupt.KindRespond, Message: "late"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, http.MethodPost, base+"/calls/"+held.ID+"/run", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestRunReleasesHeldCall(t *testing.T) {
	cfg := testConfig()
	cfg.CoordinatorCfg.ManualApprovalTools = []string{pageagent.ToolExecuteJavaScript}
	f := newFixture(t, cfg, nil)
	info := f.createSession(t)

	s, err := f.sessions.Get(info.ID)
	require.NoError(t, err)
	call, err := s.Start(pageagent.ToolExecuteJavaScript, map[string]any{
		"description": "d",
		"js_code":     "function main() { return 'ran' }",
	})
	require.NoError(t, err)

	base := "/api/v1/sessions/" + info.ID + "/calls/" + call.ID
	code, env := f.do(t, http.MethodPost, base+"/run", nil)
	require.Equal(t, http.StatusAccepted, code, env.Error)

	require.Eventually(t, func() bool {
		got, ok := s.Coordinator().Get(call.ID)
		return ok && got.Status == interrupt.StatusResolved
	}, 5*time.Second, 10*time.Millisecond)

	code, env = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, code)
	var got interrupt.ToolCall
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, interrupt.SourceExecutor, got.Source)
	assert.Equal(t, interrupt.Respond(`"ran"`), *got.Decision)

	code, env = f.do(t, http.MethodGet, "/api/v1/sessions/"+info.ID+"/calls", nil)
	require.Equal(t, http.StatusOK, code)
	var calls []interrupt.ToolCall
	require.NoError(t, json.Unmarshal(env.Data, &calls))
	assert.Len(t, calls, 1)
}

func TestCallEvents(t *testing.T) {
	t.Run("WithoutLedger", func(t *testing.T) {
		f := newFixture(t, testConfig(), nil)
		code, env := f.do(t, http.MethodGet, "/api/v1/calls/abc/events", nil)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Contains(t, env.Error, "unavailable")
	})

	t.Run("WithLedger", func(t *testing.T) {
		history := &fakeHistory{entries: []ledger.Entry{
			{ID: "e1", Type: string(interrupt.EventInterrupted), CallID: "abc", Tool: pageagent.ToolGetBrowserState},
			{ID: "e2", Type: string(interrupt.EventResolved), CallID: "abc", Tool: pageagent.ToolGetBrowserState},
		}}
		f := newFixture(t, testConfig(), history)
		code, env := f.do(t, http.MethodGet, "/api/v1/calls/abc/events", nil)
		require.Equal(t, http.StatusOK, code)
		var entries []ledger.Entry
		require.NoError(t, json.Unmarshal(env.Data, &entries))
		require.Len(t, entries, 2)
		assert.Equal(t, "e2", entries[1].ID)
	})

	t.Run("LedgerFailure", func(t *testing.T) {
		f := newFixture(t, testConfig(), &fakeHistory{err: errors.New("connection refused")})
		code, env := f.do(t, http.MethodGet, "/api/v1/calls/abc/events", nil)
		assert.Equal(t, http.StatusInternalServerError, code)
		assert.NotContains(t, env.Error, "connection refused")
	})
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.ServerCfg.AllowedOrigins = []string{"http://reviewer.local"}
	f := newFixture(t, cfg, nil)

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/api/v1/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://reviewer.local")
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://reviewer.local", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://elsewhere.local")
	resp, err = f.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", session.ErrSessionNotFound), http.StatusNotFound},
		{interrupt.ErrUnknownCall, http.StatusNotFound},
		{interrupt.ErrCallOutstanding, http.StatusConflict},
		{interrupt.ErrAlreadyResolved, http.StatusConflict},
		{session.ErrAlreadyRunning, http.StatusConflict},
		{session.ErrTooManySessions, http.StatusConflict},
		{interrupt.ErrDecisionNotAllowed, http.StatusUnprocessableEntity},
		{interrupt.ErrNotInterruptible, http.StatusUnprocessableEntity},
		{pageagent.ErrInvalidInput, http.StatusUnprocessableEntity},
		{session.ErrInvalidTargetURL, http.StatusUnprocessableEntity},
		{session.ErrManagerClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := testConfig()
	logger := zaptest.NewLogger(t)
	bus := interrupt.NewBus(logger, 8)
	defer bus.Close()
	sessions := session.NewManager(cfg, func(ctx context.Context, url string) (session.Page, error) {
		return new(mocks.MockDriver), nil
	}, bus, logger)
	srv := New(cfg, sessions, bus, nil, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	workerStopped := make(chan struct{})
	worker := func(ctx context.Context) error {
		<-ctx.Done()
		close(workerStopped)
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln, worker) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	_, err = sessions.Create(context.Background(), "https://example.com/")
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	<-workerStopped
	assert.Empty(t, sessions.List())
}

func TestServeReturnsWorkerError(t *testing.T) {
	cfg := testConfig()
	logger := zaptest.NewLogger(t)
	bus := interrupt.NewBus(logger, 8)
	defer bus.Close()
	sessions := session.NewManager(cfg, nil, bus, logger)
	srv := New(cfg, sessions, bus, nil, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	boom := errors.New("ledger failed")
	err = srv.Serve(context.Background(), ln, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}
