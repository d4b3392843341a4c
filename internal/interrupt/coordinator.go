// Package interrupt implements the interrupt/resume protocol for tool calls.
//
// A Coordinator belongs to one conversation. Each tool call moves
// pending -> interrupted -> resolved, only one call may be interrupted at a
// time, and the first decision for a call is final. Refused transitions are
// reported as anomalies and never change call state.
package interrupt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/page-agent/internal/observability"
)

const defaultHistorySize = 1024

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDecisionTimeout auto-rejects calls that get no decision within d.
// Zero waits forever.
func WithDecisionTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithHistorySize bounds how many resolved calls stay queryable.
func WithHistorySize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.historySize = n
		}
	}
}

// WithBus publishes transitions on b.
func WithBus(b *Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

type entry struct {
	call  ToolCall
	done  chan struct{}
	timer *time.Timer
}

// Coordinator tracks the tool calls of one conversation.
type Coordinator struct {
	sessionID   string
	logger      *zap.Logger
	policies    map[string]Policy
	timeout     time.Duration
	historySize int
	bus         *Bus

	mu          sync.Mutex
	calls       map[string]*entry
	resolved    []string
	outstanding string
	closed      bool
}

// NewCoordinator validates policies and returns a Coordinator for sessionID.
// An invalid policy is a configuration error.
func NewCoordinator(sessionID string, policies []Policy, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	byTool := make(map[string]Policy, len(policies))
	for _, p := range policies {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := byTool[p.Tool]; dup {
			return nil, fmt.Errorf("%w: duplicate policy for %s", ErrInvalidPolicy, p.Tool)
		}
		byTool[p.Tool] = p
	}

	c := &Coordinator{
		sessionID:   sessionID,
		logger:      logger.Named("coordinator").With(zap.String("session_id", sessionID)),
		policies:    byTool,
		historySize: defaultHistorySize,
		calls:       make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Policy returns the policy registered for tool.
func (c *Coordinator) Policy(tool string) (Policy, bool) {
	p, ok := c.policies[tool]
	return p, ok
}

// Issue registers a call to name and moves it to interrupted. It is refused
// while another call is interrupted.
func (c *Coordinator) Issue(name string, inputs map[string]any) (ToolCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ToolCall{}, ErrClosed
	}
	p, ok := c.policies[name]
	if !ok || !p.Interruptible {
		return ToolCall{}, fmt.Errorf("%w: %s", ErrNotInterruptible, name)
	}

	call := ToolCall{
		ID:        uuid.NewString(),
		SessionID: c.sessionID,
		Name:      name,
		Inputs:    inputs,
		Status:    StatusPending,
		IssuedAt:  time.Now().UTC(),
	}

	if c.outstanding != "" {
		held := c.calls[c.outstanding].call
		c.anomalyLocked("call_outstanding", call, nil,
			zap.String("outstanding_id", held.ID), zap.String("outstanding_tool", held.Name))
		return ToolCall{}, fmt.Errorf("%w: %s (%s)", ErrCallOutstanding, held.ID, held.Name)
	}

	call.Status = StatusInterrupted
	e := &entry{call: call, done: make(chan struct{})}
	c.calls[call.ID] = e
	c.outstanding = call.ID

	if c.timeout > 0 {
		id, timeout := call.ID, c.timeout
		e.timer = time.AfterFunc(timeout, func() {
			_, _ = c.Resolve(id, Reject(fmt.Sprintf("no decision received within %s", timeout)), SourceTimeout)
		})
	}

	observability.ToolCallsIssued.WithLabelValues(name).Inc()
	c.logger.Debug("Tool call interrupted.", zap.String("call_id", call.ID), zap.String("tool", name))
	c.publishLocked(Event{Type: EventInterrupted, Call: call.clone()})
	return call.clone(), nil
}

// Resolve delivers d for call id. Only the first resolution takes effect;
// later attempts return ErrAlreadyResolved together with the call as it was
// delivered. Timeout and teardown rejections bypass the tool's allowlist.
func (c *Coordinator) Resolve(id string, d Decision, src Source) (ToolCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.calls[id]
	if !ok {
		return ToolCall{}, fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}

	if e.call.Status == StatusResolved {
		if src == SourceTimeout {
			// The timer lost a race with a real decision.
			return e.call.clone(), fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
		}
		c.anomalyLocked("duplicate_decision", e.call, &d,
			zap.String("delivered_kind", string(e.call.Decision.Kind)),
			zap.String("delivered_source", string(e.call.Source)),
			zap.String("attempted_source", string(src)))
		return e.call.clone(), fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}

	system := src == SourceTimeout || src == SourceTeardown
	if !system && !c.policies[e.call.Name].Allows(d.Kind) {
		c.anomalyLocked("decision_not_allowed", e.call, &d, zap.String("attempted_source", string(src)))
		return e.call.clone(), fmt.Errorf("%w: %q for %s", ErrDecisionNotAllowed, d.Kind, e.call.Name)
	}

	c.resolveLocked(e, d, src)
	return e.call.clone(), nil
}

func (c *Coordinator) resolveLocked(e *entry, d Decision, src Source) {
	now := time.Now().UTC()
	id := e.call.ID
	e.call.Status = StatusResolved
	e.call.Decision = &d
	e.call.Source = src
	e.call.ResolvedAt = &now
	if e.timer != nil {
		e.timer.Stop()
	}
	close(e.done)
	if c.outstanding == id {
		c.outstanding = ""
	}
	c.resolved = append(c.resolved, id)
	c.evictLocked()

	observability.DecisionsDelivered.WithLabelValues(e.call.Name, string(d.Kind), string(src)).Inc()
	c.logger.Info("Tool call resolved.",
		zap.String("call_id", id),
		zap.String("tool", e.call.Name),
		zap.String("kind", string(d.Kind)),
		zap.String("source", string(src)))
	c.publishLocked(Event{Type: EventResolved, Call: e.call.clone()})
}

// Wait blocks until call id is resolved or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id string) (Decision, error) {
	c.mu.Lock()
	e, ok := c.calls[id]
	c.mu.Unlock()
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}

	select {
	case <-e.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return *e.call.Decision, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Get returns a copy of call id.
func (c *Coordinator) Get(id string) (ToolCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.calls[id]
	if !ok {
		return ToolCall{}, false
	}
	return e.call.clone(), true
}

// Outstanding returns the interrupted call, if any.
func (c *Coordinator) Outstanding() (ToolCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outstanding == "" {
		return ToolCall{}, false
	}
	return c.calls[c.outstanding].call.clone(), true
}

// Calls returns every retained call, oldest first.
func (c *Coordinator) Calls() []ToolCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolCall, 0, len(c.calls))
	for _, e := range c.calls {
		out = append(out, e.call.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// Close rejects the outstanding call, if any, and refuses new ones.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.outstanding != "" {
		c.resolveLocked(c.calls[c.outstanding], Reject("session closed before a decision was made"), SourceTeardown)
	}
}

func (c *Coordinator) evictLocked() {
	for len(c.resolved) > c.historySize {
		delete(c.calls, c.resolved[0])
		c.resolved = c.resolved[1:]
	}
}

func (c *Coordinator) anomalyLocked(reason string, call ToolCall, attempted *Decision, fields ...zap.Field) {
	observability.ProtocolAnomalies.WithLabelValues(reason).Inc()
	c.logger.Warn("Refused tool call transition.",
		append([]zap.Field{zap.String("reason", reason), zap.String("call_id", call.ID), zap.String("tool", call.Name)}, fields...)...)
	ev := Event{Type: EventAnomaly, Call: call.clone(), Anomaly: reason}
	if attempted != nil {
		a := *attempted
		ev.Attempted = &a
	}
	c.publishLocked(ev)
}

func (c *Coordinator) publishLocked(ev Event) {
	if c.bus == nil {
		return
	}
	ev.SessionID = c.sessionID
	c.bus.Publish(ev)
}
