package model

import (
	"strings"
	"time"
)

const DefaultSSHPort = 22

// InvalidRequestError reports a request that can never succeed as submitted.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return e.Reason }

// DeploymentRequest is one user-initiated request to run a command on a node.
// It is immutable; retries re-submit the same value.
type DeploymentRequest struct {
	ID        string `json:"id"`
	Requester string `json:"requester"` // requester identity (email)
	AccountID string `json:"accountId"`
	NodeID    string `json:"nodeId"`
	Command   string `json:"command"`
	KeyID     string `json:"keyId,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"-"`
	Port      int    `json:"port,omitempty"`
	Host      string `json:"host,omitempty"` // skips resolution when set
}

// Validate checks the fields every attempt relies on and fills the port default.
func (r *DeploymentRequest) Validate() error {
	var missing []string
	if r.Requester == "" {
		missing = append(missing, "requester")
	}
	if r.AccountID == "" {
		missing = append(missing, "accountId")
	}
	if r.NodeID == "" {
		missing = append(missing, "nodeId")
	}
	if strings.TrimSpace(r.Command) == "" {
		missing = append(missing, "command")
	}
	if len(missing) > 0 {
		return &InvalidRequestError{Reason: "missing " + strings.Join(missing, ", ")}
	}
	if r.Port == 0 {
		r.Port = DefaultSSHPort
	}
	if r.Port < 0 || r.Port > 65535 {
		return &InvalidRequestError{Reason: "port out of range"}
	}
	return nil
}

// CommandRun identifies an accepted fire-and-forget command.
type CommandRun struct {
	ID     string `json:"id"`
	SagaID string `json:"sagaId"`
}

// AttemptResult is the outcome of a command that ran to completion.
type AttemptResult struct {
	ExitStatus int           `json:"exitStatus"`
	Output     string        `json:"output"`
	Duration   time.Duration `json:"duration"`
}

type DeployStatus string

const (
	StatusQueued    DeployStatus = "queued"
	StatusResolving DeployStatus = "resolving"
	StatusExecuting DeployStatus = "executing"
	StatusRetrying  DeployStatus = "retrying"
	StatusSucceeded DeployStatus = "succeeded"
	StatusFailed    DeployStatus = "failed"
	StatusGaveUp    DeployStatus = "gave_up"
)

// Terminal reports whether no further attempt may follow.
func (s DeployStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusGaveUp:
		return true
	}
	return false
}

// Deployment is the persisted record of a logical deployment request.
type Deployment struct {
	ID         string       `json:"id"`
	Requester  string       `json:"requester"`
	AccountID  string       `json:"accountId"`
	NodeID     string       `json:"nodeId"`
	Command    string       `json:"command"`
	SagaID     string       `json:"sagaId"`
	Status     DeployStatus `json:"status"`
	Attempts   int          `json:"attempts"`
	ExitStatus *int         `json:"exitStatus,omitempty"`
	LastError  string       `json:"lastError,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
}

// Settlement is what a terminal transition records.
type Settlement struct {
	Status     DeployStatus
	ExitStatus *int
	Error      string
}

// PendingAttempt is an attempt handed to the queue and not yet claimed. It
// is persisted so a restart can re-arm it.
type PendingAttempt struct {
	Request DeploymentRequest `json:"request"`
	Attempt int               `json:"attempt"`
	SagaID  string            `json:"sagaId"`
	Due     time.Time         `json:"due"`
}

// Unsettled is a deployment a previous process left without a terminal
// status, with the attempt it was waiting to deliver, if any.
type Unsettled struct {
	Deployment
	Pending *PendingAttempt
}

// Rearmable reports whether the pending attempt follows the last claimed one.
func (u Unsettled) Rearmable() bool {
	return u.Pending != nil && u.Pending.Attempt > u.Attempts
}
