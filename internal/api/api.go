// Package api holds the request and response bodies shared by the gateway
// and its clients.
package api

import (
	"time"

	"harness/internal/event"
)

// HeaderExecutionID names the execution on a streaming response so that a
// client can resume or cancel it.
const HeaderExecutionID = "X-Execution-ID"

// Execution statuses. The terminal ones match the loop outcomes.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusTruncated = "truncated"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

type ExecuteRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	// AgentID selects a configured agent profile.
	AgentID string `json:"agent_id,omitempty"`
}

type Execution struct {
	ID          string       `json:"id"`
	Status      string       `json:"status"`
	Message     string       `json:"message"`
	Response    string       `json:"response,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	Iterations  int          `json:"iterations"`
	Usage       *event.Usage `json:"usage,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

type ErrorBody struct {
	Error string `json:"error"`
}
