package models

import (
	"encoding/json"
	"time"
)

// PermissionStatus is the state of a tool permission request.
type PermissionStatus string

const (
	PermissionPending  PermissionStatus = "pending"
	PermissionGranted  PermissionStatus = "granted"
	PermissionDenied   PermissionStatus = "denied"
	PermissionTimedOut PermissionStatus = "timed_out"
)

// Resolved reports whether the status is terminal.
func (s PermissionStatus) Resolved() bool {
	return s == PermissionGranted || s == PermissionDenied || s == PermissionTimedOut
}

// Behavior is the answer handed back to the agent.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// ResolutionReason records which path resolved a request.
type ResolutionReason string

const (
	ReasonPolicy   ResolutionReason = "policy"
	ReasonDecision ResolutionReason = "decision"
	ReasonTimeout  ResolutionReason = "timeout"
)

// PermissionRequest is one tool-execution authorization.
type PermissionRequest struct {
	ID          string
	SessionID   string
	ToolName    string
	ToolInput   json.RawMessage
	ToolUseID   string
	Description string
	Scope       string
	Status      PermissionStatus
	Behavior    Behavior
	Message     string
	AlwaysAllow bool
	Interrupt   bool
	Reason      ResolutionReason
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

// Allowed reports whether the agent may run the tool. Timeouts fail closed.
func (r *PermissionRequest) Allowed() bool {
	return r.Status == PermissionGranted
}

// Policy is a durable always-allow grant for a (scope, tool) pair.
type Policy struct {
	Scope     string
	ToolName  string
	GrantedAt time.Time
}
