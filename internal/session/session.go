// Package session defines the durable research session record, its JSON
// codec, and the disk-backed store that persists one record per session id.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a research session. Transitions are
// monotonic along PENDING -> RUNNING -> {COMPLETED, FAILED, CANCELLED};
// terminal states never transition again.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Valid reports whether s is a known state value.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// canTransition reports whether the state machine allows moving from s to next.
func (s State) canTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateRunning || next == StateFailed || next == StateCancelled
	case StateRunning:
		return next == StateCompleted || next == StateFailed || next == StateCancelled
	default:
		return false
	}
}

// Citation is a single source reference extracted from a research report.
type Citation struct {
	Number int    `json:"number,omitempty"`
	Title  string `json:"title,omitempty"`
	URL    string `json:"url"`
	Domain string `json:"domain,omitempty"`
}

// Usage is the token accounting reported by the remote provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Result is the structured report of a completed research task.
// Present only on COMPLETED sessions.
type Result struct {
	Text              string     `json:"text"`
	Citations         []Citation `json:"citations,omitempty"`
	ThinkingSummaries []string   `json:"thinking_summaries,omitempty"`
	Usage             *Usage     `json:"usage,omitempty"`
	DurationSeconds   float64    `json:"duration_seconds,omitempty"`
}

// ErrorInfo records a terminal provider failure verbatim.
// Present only on FAILED sessions.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Turn is one followup exchange appended after the initial research
// completed. Prior turns are never mutated.
type Turn struct {
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	AskedAt  time.Time `json:"asked_at"`
	Degraded bool      `json:"degraded,omitempty"`
}

// Session is the durable unit of work: one research request and its outcome.
type Session struct {
	ID    string `json:"id"`
	Query string `json:"query"`
	State State  `json:"state"`

	// RemoteTaskRef is the opaque handle issued by the remote provider at
	// submission; all subsequent status checks use it.
	RemoteTaskRef string `json:"remote_task_ref,omitempty"`

	// ConversationRef links followups to the remote conversation. Empty on
	// sessions that predate followup support.
	ConversationRef string `json:"conversation_ref,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result *Result    `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`

	// Summary is a short synopsis generated lazily after completion; the
	// resolver matches free-text references against Query+Summary.
	Summary string `json:"summary,omitempty"`

	Title              string   `json:"title,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	Notes              string   `json:"notes,omitempty"`
	FormatInstructions string   `json:"format_instructions,omitempty"`
	AgentName          string   `json:"agent_name,omitempty"`

	Turns []Turn `json:"turns,omitempty"`
}

// New creates a PENDING session with a fresh id. Ids are never recycled:
// uuids are unique across the life of the store, including after deletion.
func New(query string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Query:     query,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the session to next, enforcing forward-only movement.
// CompletedAt is stamped when a terminal state is entered.
func (s *Session) Transition(next State) error {
	if !next.Valid() {
		return fmt.Errorf("unknown state %q", next)
	}
	if !s.State.canTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s for session %s", s.State, next, s.ID)
	}
	now := time.Now().UTC()
	s.State = next
	s.UpdatedAt = now
	if next.Terminal() {
		s.CompletedAt = &now
	}
	return nil
}

// Touch bumps UpdatedAt, keeping list ordering in step with activity.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Age returns how long ago the session was created.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
