// Package session binds an agent context, its coordinator and its script
// runtime into one conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/page-agent/internal/browser"
	"github.com/xkilldash9x/page-agent/internal/config"
	"github.com/xkilldash9x/page-agent/internal/interrupt"
	"github.com/xkilldash9x/page-agent/internal/jsexec"
	"github.com/xkilldash9x/page-agent/internal/pageagent"
	"github.com/xkilldash9x/page-agent/internal/shortcut"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Page is a driver the session owns and closes.
type Page interface {
	browser.Driver
	Close() error
}

// Session is one conversation against one page.
type Session struct {
	ID        string
	URL       string
	CreatedAt time.Time

	page    Page
	agent   *pageagent.Context
	coord   *interrupt.Coordinator
	runtime *jsexec.Runtime
	logger  *zap.Logger
	manual  map[string]bool

	// ctx scopes dispatched work; it ends on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started map[string]bool
	wg      sync.WaitGroup
	closed  bool
}

// Info is a summary of a session for listings.
type Info struct {
	ID          string              `json:"id"`
	URL         string              `json:"url"`
	CreatedAt   time.Time           `json:"created_at"`
	Outstanding *interrupt.ToolCall `json:"outstanding,omitempty"`
}

// New builds a session over page. bus may be nil.
func New(id, url string, page Page, cfg config.Interface, bus *interrupt.Bus, logger *zap.Logger) (*Session, error) {
	log := logger.Named("session").With(zap.String("session_id", id))

	coordCfg := cfg.Coordinator()
	opts := []interrupt.Option{
		interrupt.WithDecisionTimeout(coordCfg.DecisionTimeout),
		interrupt.WithHistorySize(coordCfg.HistorySize),
	}
	if bus != nil {
		opts = append(opts, interrupt.WithBus(bus))
	}
	coord, err := interrupt.NewCoordinator(id, pageagent.Policies(), log, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	manual := make(map[string]bool, len(coordCfg.ManualApprovalTools))
	for _, tool := range coordCfg.ManualApprovalTools {
		if _, ok := coord.Policy(tool); !ok {
			log.Warn("Ignoring manual approval for unknown tool.", zap.String("tool", tool))
			continue
		}
		manual[tool] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        id,
		URL:       url,
		CreatedAt: time.Now().UTC(),
		page:      page,
		agent:     pageagent.New(page, log),
		coord:     coord,
		runtime:   jsexec.NewRuntime(log, cfg.Sandbox()),
		logger:    log,
		manual:    manual,
		ctx:       ctx,
		cancel:    cancel,
		started:   make(map[string]bool),
	}, nil
}

func (s *Session) Agent() *pageagent.Context { return s.agent }

func (s *Session) Coordinator() *interrupt.Coordinator { return s.coord }

// Tools returns the tool definitions and the shortcut document.
func (s *Session) Tools() ([]pageagent.ToolDefinition, string) {
	return pageagent.Tools(), s.agent.ShortcutUsagePrompt()
}

func (s *Session) Info() Info {
	info := Info{ID: s.ID, URL: s.URL, CreatedAt: s.CreatedAt}
	if call, ok := s.coord.Outstanding(); ok {
		info.Outstanding = &call
	}
	return info
}

// Invoke issues a tool call, runs it unless the tool needs manual approval,
// and blocks until the call is resolved or ctx ends. A call whose caller
// gave up stays outstanding and can still be resolved.
func (s *Session) Invoke(ctx context.Context, name string, inputs map[string]any) (interrupt.ToolCall, interrupt.Decision, error) {
	call, err := s.Start(name, inputs)
	if err != nil {
		return interrupt.ToolCall{}, interrupt.Decision{}, err
	}
	d, err := s.coord.Wait(ctx, call.ID)
	if err != nil {
		return call, interrupt.Decision{}, err
	}
	final, _ := s.coord.Get(call.ID)
	return final, d, nil
}

// Start issues a tool call and dispatches it in the background unless the
// tool needs manual approval. It does not wait for the decision.
func (s *Session) Start(name string, inputs map[string]any) (interrupt.ToolCall, error) {
	call, err := s.coord.Issue(name, inputs)
	if err != nil {
		return interrupt.ToolCall{}, err
	}
	if s.manual[name] {
		s.logger.Info("Tool call held for approval.", zap.String("call_id", call.ID), zap.String("tool", name))
		return call, nil
	}
	if err := s.launch(call); err != nil {
		return interrupt.ToolCall{}, err
	}
	return call, nil
}

// Run releases a call held for approval.
func (s *Session) Run(id string) error {
	call, ok := s.coord.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", interrupt.ErrUnknownCall, id)
	}
	if call.Status != interrupt.StatusInterrupted {
		return fmt.Errorf("%w: %s", interrupt.ErrAlreadyResolved, id)
	}
	return s.launch(call)
}

// Override resolves a call with a reviewer's decision.
func (s *Session) Override(id string, d interrupt.Decision) (interrupt.ToolCall, error) {
	return s.coord.Resolve(id, d, interrupt.SourceHuman)
}

// Close stops dispatched work, rejects the outstanding call and closes the page.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// The teardown rejection must land before canceled work reports back.
	s.coord.Close()
	s.cancel()
	s.wg.Wait()

	if err := s.page.Close(); err != nil {
		return fmt.Errorf("failed to close page: %w", err)
	}
	s.logger.Info("Session closed.")
	return nil
}

func (s *Session) launch(call interrupt.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interrupt.ErrClosed
	}
	if s.started[call.ID] {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, call.ID)
	}
	s.started[call.ID] = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(call.ID)
		s.dispatch(s.ctx, call)
	}()
	return nil
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	delete(s.started, id)
	s.mu.Unlock()
}

// dispatch produces the automatic decision for call.
func (s *Session) dispatch(ctx context.Context, call interrupt.ToolCall) {
	switch call.Name {
	case pageagent.ToolExecuteJavaScript:
		d, fired := s.runtime.ExecuteCall(ctx, call, s.agent.SafeContext())
		if !fired {
			s.logger.Warn("Nothing to execute; waiting for a reviewer decision.", zap.String("call_id", call.ID))
			return
		}
		s.resolve(call.ID, d, interrupt.SourceExecutor)

	case pageagent.ToolGetBrowserState:
		in, err := pageagent.ParseGetBrowserState(call.Inputs)
		if err != nil {
			s.resolve(call.ID, interrupt.Reject(err.Error()), interrupt.SourceSynthesizer)
			return
		}
		if in.Description == "" {
			s.logger.Warn("Browser state requested without a description; waiting for a reviewer decision.", zap.String("call_id", call.ID))
			return
		}
		text, err := s.browserState(ctx)
		if err != nil {
			s.resolve(call.ID, interrupt.Reject(fmt.Sprintf("failed to read browser state: %v", err)), interrupt.SourceSynthesizer)
			return
		}
		s.resolve(call.ID, interrupt.Respond(text), interrupt.SourceSynthesizer)

	default:
		s.logger.Warn("No automatic handler for tool.", zap.String("tool", call.Name), zap.String("call_id", call.ID))
	}
}

// browserState reads the page through the getBrowserState shortcut, so a
// replacement registered by the host also serves the tool.
func (s *Session) browserState(ctx context.Context) (string, error) {
	capability, ok := s.agent.SafeContext().Shortcuts[shortcut.GetBrowserState.Name]
	if !ok {
		return "", fmt.Errorf("shortcut %q is not registered", shortcut.GetBrowserState.Name)
	}
	v, err := capability(ctx)
	if err != nil {
		return "", err
	}
	switch v := v.(type) {
	case string:
		return v, nil
	case nil:
		return "", fmt.Errorf("shortcut %q returned nothing", shortcut.GetBrowserState.Name)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Session) resolve(id string, d interrupt.Decision, src interrupt.Source) {
	_, err := s.coord.Resolve(id, d, src)
	switch {
	case err == nil:
	case errors.Is(err, interrupt.ErrAlreadyResolved):
		s.logger.Debug("Automatic decision arrived after the call was resolved.", zap.String("call_id", id))
	default:
		s.logger.Error("Failed to deliver automatic decision.", zap.String("call_id", id), zap.Error(err))
	}
}
