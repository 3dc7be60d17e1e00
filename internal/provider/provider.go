// Package provider defines the remote research provider boundary: the
// request/response contract the session engine consumes, plus the Gemini
// implementation. The engine never sees provider wire types, only TaskStatus.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"researchd/internal/session"
)

// TaskState is the remote-side state of a background research task.
type TaskState string

const (
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskCancelled TaskState = "CANCELLED"
)

// TaskStatus is a point-in-time snapshot of a remote task. Result is set
// only when State is TaskCompleted, Err only when TaskFailed.
type TaskStatus struct {
	State  TaskState
	Result *session.Result
	Err    *session.ErrorInfo
}

// FollowupReply is the answer to a conversation followup. Ref identifies
// the new interaction so the next followup can chain from it.
type FollowupReply struct {
	Answer string
	Ref    string
	Usage  *session.Usage
}

// SubmitOptions carries the optional knobs for starting a research task.
type SubmitOptions struct {
	FormatInstructions string
	Agent              string
	FileSearchStores   []string
}

// Provider is the remote research computation this system tracks but does
// not perform.
type Provider interface {
	// Submit starts a background research task and returns its opaque ref.
	Submit(ctx context.Context, query string, opts SubmitOptions) (string, error)
	// Status reports the current remote state of a previously submitted task.
	Status(ctx context.Context, taskRef string) (TaskStatus, error)
	// Followup continues the conversation of a completed task.
	Followup(ctx context.Context, conversationRef, message string) (FollowupReply, error)
	// Cancel asks the remote side to stop a task. Best effort: local
	// tracking stops regardless of whether the remote task does.
	Cancel(ctx context.Context, taskRef string) error
}

// TransientError wraps failures that are safe to retry: network drops,
// timeouts, rate limits, and 5xx responses. The task monitor retries these
// with bounded backoff and never surfaces them as task failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient provider error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable at the monitor boundary.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrTaskNotFound is returned when the remote side no longer knows the task
// ref, e.g. after the provider-side retention window expired.
var ErrTaskNotFound = errors.New("remote task not found")

// retryableFragments are error-message substrings that indicate a condition
// worth reconnecting for.
var retryableFragments = []string{
	"gateway_timeout",
	"deadline_expired",
	"timeout",
	"connection_reset",
	"closed",
	"aborted",
	"internal_error",
	"service_unavailable",
	"rate limit",
	"unavailable",
}

// retryableMessage reports whether an error message looks transient.
func retryableMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, frag := range retryableFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
