// File: internal/server/types.go
package server

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/page-agent/internal/interrupt"
	"github.com/xkilldash9x/page-agent/internal/ledger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Response is the envelope of every HTTP reply.
type Response struct {
	Status string      `json:"status"` // "success", "error", "accepted"
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// CreateSessionRequest opens a session on URL.
type CreateSessionRequest struct {
	URL string `json:"url"`
}

// InvokeRequest issues a tool call in a session.
type InvokeRequest struct {
	Name   string                 `json:"name"`
	Inputs map[string]interface{} `json:"inputs"`
}

// InvokeResult is returned once a call has been resolved.
type InvokeResult struct {
	Call     interrupt.ToolCall `json:"call"`
	Decision interrupt.Decision `json:"decision"`
}

// DecisionRequest is a reviewer's resolution of a call.
type DecisionRequest struct {
	Type    interrupt.DecisionKind `json:"type"`
	Message string                 `json:"message"`
}

// WSDecision is the data of an inbound Decision message.
type WSDecision struct {
	CallID  string                 `json:"call_id"`
	Type    interrupt.DecisionKind `json:"type"`
	Message string                 `json:"message"`
}

// HistoryStore reads persisted call events.
type HistoryStore interface {
	History(ctx context.Context, callID string) ([]ledger.Entry, error)
}
