package interrupt

import (
	"fmt"
	"time"
)

// Status is the lifecycle position of a ToolCall.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInterrupted Status = "interrupted"
	StatusResolved    Status = "resolved"
)

// DecisionKind is the outcome vocabulary shared by every tool.
type DecisionKind string

const (
	KindRespond DecisionKind = "respond"
	KindReject  DecisionKind = "reject"
)

// Valid reports whether k is one of the known kinds.
func (k DecisionKind) Valid() bool {
	return k == KindRespond || k == KindReject
}

// Decision is the terminal outcome of a ToolCall. The JSON form is the resume
// payload the agent runtime consumes.
type Decision struct {
	Kind    DecisionKind `json:"type"`
	Payload string       `json:"message"`
}

func Respond(payload string) Decision { return Decision{Kind: KindRespond, Payload: payload} }
func Reject(message string) Decision  { return Decision{Kind: KindReject, Payload: message} }

// Source identifies who produced a decision.
type Source string

const (
	SourceExecutor    Source = "executor"
	SourceSynthesizer Source = "synthesizer"
	SourceHuman       Source = "human"
	SourceTimeout     Source = "timeout"
	SourceTeardown    Source = "teardown"
)

// ToolCall is one agent-issued tool invocation.
type ToolCall struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Name       string         `json:"name"`
	Inputs     map[string]any `json:"inputs"`
	Status     Status         `json:"status"`
	IssuedAt   time.Time      `json:"issued_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	Decision   *Decision      `json:"decision,omitempty"`
	Source     Source         `json:"source,omitempty"`
}

func (c ToolCall) clone() ToolCall {
	if c.Decision != nil {
		d := *c.Decision
		c.Decision = &d
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

// Policy declares how the coordinator treats calls to one tool.
type Policy struct {
	Tool          string
	Interruptible bool
	Allowed       []DecisionKind
}

// Allows reports whether k is in the tool's allowlist.
func (p Policy) Allows(k DecisionKind) bool {
	for _, a := range p.Allowed {
		if a == k {
			return true
		}
	}
	return false
}

func (p Policy) validate() error {
	if p.Tool == "" {
		return fmt.Errorf("%w: policy without a tool name", ErrInvalidPolicy)
	}
	if p.Interruptible && len(p.Allowed) == 0 {
		return fmt.Errorf("%w: %s is interruptible but allows no decisions", ErrInvalidPolicy, p.Tool)
	}
	for _, k := range p.Allowed {
		if !k.Valid() {
			return fmt.Errorf("%w: %s allows unknown decision kind %q", ErrInvalidPolicy, p.Tool, k)
		}
	}
	return nil
}
