// Package manager is the lifecycle layer: it owns session creation,
// reference resolution, followups, exports, pruning and startup resume,
// delegating state transitions to the monitor and persistence to the store.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"researchd/internal/monitor"
	"researchd/internal/provider"
	"researchd/internal/resolver"
	"researchd/internal/session"
)

// staleAfter is how long a non-terminal session may sit untouched before
// resume treats it as abandoned.
const staleAfter = 24 * time.Hour

// Manager wires the store, monitor, resolver and providers together.
type Manager struct {
	store     *session.Store
	monitor   *monitor.Monitor
	provider  provider.Provider
	quick     *provider.Quick
	resolver  *resolver.Resolver
	retention time.Duration
	logger    *zap.Logger
}

// New creates a manager. quick may be nil; summaries and degraded
// followups are then unavailable.
func New(store *session.Store, mon *monitor.Monitor, prov provider.Provider, quick *provider.Quick, res *resolver.Resolver, retention time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		monitor:   mon,
		provider:  prov,
		quick:     quick,
		resolver:  res,
		retention: retention,
		logger:    logger.Named("manager"),
	}
}

// StartOptions carries the optional fields for a new research session.
type StartOptions struct {
	Title              string
	Tags               []string
	Notes              string
	FormatInstructions string
	Agent              string
	FileSearchStores   []string
}

// Start creates a session, persists it as PENDING, and submits the remote
// task. The session is returned even when submission fails; it is then
// FAILED with the submit error recorded.
func (m *Manager) Start(ctx context.Context, query string, opts StartOptions) (*session.Session, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("research query must not be empty")
	}

	s := session.New(query)
	s.Title = opts.Title
	s.Tags = opts.Tags
	s.Notes = opts.Notes
	s.FormatInstructions = opts.FormatInstructions
	s.AgentName = opts.Agent

	if err := m.store.Put(s); err != nil {
		return nil, fmt.Errorf("failed to persist new session: %w", err)
	}

	err := m.monitor.Submit(ctx, s, provider.SubmitOptions{
		FormatInstructions: opts.FormatInstructions,
		Agent:              opts.Agent,
		FileSearchStores:   opts.FileSearchStores,
	})
	if err != nil {
		return s, err
	}
	return s, nil
}

// CheckResult reports a status check: the session after the check, how the
// reference resolved, and whether the remote side was actually contacted.
type CheckResult struct {
	Session  *session.Session
	Decision *resolver.Decision
	Polled   bool
	// Reason names the refresh-policy condition behind Polled.
	Reason string
}

// Check resolves reference and refreshes the session's state. The result
// is returned alongside monitor errors such as monitor.ErrStatusUnknown so
// callers can report "still running, try again" with the cached session.
func (m *Manager) Check(ctx context.Context, reference string, force bool) (*CheckResult, error) {
	s, decision, err := m.resolve(ctx, reference, session.ListFilter{})
	if err != nil {
		return nil, err
	}
	res := &CheckResult{Session: s, Decision: decision}
	if s.State.Terminal() {
		m.ensureSummary(ctx, s)
		res.Reason = "session already terminal"
		return res, nil
	}

	out, err := m.monitor.Poll(ctx, s.ID, force)
	if out != nil {
		res.Session = out.Session
		res.Polled = out.Polled
		res.Reason = out.Reason
	}
	if err != nil {
		return res, err
	}
	if res.Session.State == session.StateCompleted {
		m.ensureSummary(ctx, res.Session)
	}
	return res, nil
}

// FollowupResult carries the answer to a conversation followup.
type FollowupResult struct {
	Session  *session.Session
	Decision *resolver.Decision
	Answer   string
	// Degraded is true when the original conversation was gone and the
	// answer came from a fresh grounded query instead.
	Degraded bool
}

// Followup asks a question in the context of a completed session. When the
// remote conversation still exists it is continued; when it has expired
// (or the session predates conversation refs) the question is answered by
// a fresh grounded query carrying the prior report as context, and the
// turn is marked degraded.
func (m *Manager) Followup(ctx context.Context, reference, question string) (*FollowupResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("followup question must not be empty")
	}

	s, decision, err := m.resolve(ctx, reference, session.ListFilter{
		States: []session.State{session.StateCompleted},
	})
	if errors.Is(err, resolver.ErrNoSessions) {
		return nil, fmt.Errorf("no completed research sessions to follow up")
	}
	if err != nil {
		return nil, err
	}

	res := &FollowupResult{Session: s, Decision: decision}

	if s.ConversationRef != "" {
		reply, err := m.provider.Followup(ctx, s.ConversationRef, question)
		switch {
		case err == nil:
			res.Answer = reply.Answer
			if reply.Ref != "" {
				s.ConversationRef = reply.Ref
			}
		case errors.Is(err, provider.ErrTaskNotFound):
			m.logger.Info("conversation expired remotely, degrading followup",
				zap.String("id", s.ID))
			res.Answer, err = m.degradedAnswer(ctx, s, question)
			if err != nil {
				return nil, err
			}
			res.Degraded = true
		default:
			return nil, fmt.Errorf("followup failed: %w", err)
		}
	} else {
		res.Answer, err = m.degradedAnswer(ctx, s, question)
		if err != nil {
			return nil, err
		}
		res.Degraded = true
	}

	s.Turns = append(s.Turns, session.Turn{
		Question: question,
		Answer:   res.Answer,
		AskedAt:  time.Now().UTC(),
		Degraded: res.Degraded,
	})
	s.Touch()
	if err := m.store.Put(s); err != nil {
		// The answer is already in hand; losing the turn record is worth
		// reporting but not worth discarding the answer for.
		m.logger.Error("failed to persist followup turn",
			zap.String("id", s.ID), zap.Error(err))
	}
	return res, nil
}

// degradedAnswer answers a followup without the original conversation by
// running a fresh grounded query seeded with the prior report.
func (m *Manager) degradedAnswer(ctx context.Context, s *session.Session, question string) (string, error) {
	if m.quick == nil {
		return "", fmt.Errorf("conversation unavailable and no quick model configured")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "An earlier research task answered this query:\n%s\n\n", s.Query)
	if report := m.reportExcerpt(s); report != "" {
		fmt.Fprintf(&b, "Its report (possibly truncated):\n%s\n\n", report)
	}
	fmt.Fprintf(&b, "Answer this follow-up question in that context:\n%s\n", question)

	result, err := m.quick.Research(ctx, b.String())
	if err != nil {
		return "", fmt.Errorf("degraded followup failed: %w", err)
	}
	return result.Text, nil
}

const maxFollowupContextChars = 30000

func (m *Manager) reportExcerpt(s *session.Session) string {
	if s.Result == nil {
		return ""
	}
	text := s.Result.Text
	if len(text) > maxFollowupContextChars {
		cut := maxFollowupContextChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}

// ListOptions filters List.
type ListOptions struct {
	States []session.State
}

// List returns sessions most recently updated first, plus any unreadable
// records encountered on disk.
func (m *Manager) List(opts ListOptions) ([]*session.Session, []session.CorruptRecord, error) {
	return m.store.List(session.ListFilter{States: opts.States}, session.OrderUpdatedDesc)
}

// UpdateFields are the session annotations Update may change. Nil pointers
// leave the field alone; Tags replaces the whole list when non-nil.
type UpdateFields struct {
	Title *string
	Tags  []string
	Notes *string
}

// Update edits a session's annotations. State, query, result and error are
// immutable through this path. The resolution decision is returned so a
// fallback choice is visible before the edit is trusted.
func (m *Manager) Update(ctx context.Context, reference string, fields UpdateFields) (*session.Session, *resolver.Decision, error) {
	s, decision, err := m.resolve(ctx, reference, session.ListFilter{})
	if err != nil {
		return nil, nil, err
	}
	if fields.Title != nil {
		s.Title = *fields.Title
	}
	if fields.Tags != nil {
		s.Tags = fields.Tags
	}
	if fields.Notes != nil {
		s.Notes = *fields.Notes
	}
	s.Touch()
	if err := m.store.Put(s); err != nil {
		return nil, nil, err
	}
	return s, decision, nil
}

// Delete removes a session record by exact id. Deletion never goes through
// semantic resolution; a fallback guess is not an acceptable target for a
// destructive operation.
func (m *Manager) Delete(id string) error {
	return m.store.Delete(id)
}

// Cancel stops tracking an active session. Only PENDING and RUNNING
// sessions are resolution candidates; the decision is returned so a
// fallback choice is visible.
func (m *Manager) Cancel(ctx context.Context, reference string) (*session.Session, *resolver.Decision, error) {
	s, decision, err := m.resolve(ctx, reference, session.ListFilter{
		States: []session.State{session.StatePending, session.StateRunning},
	})
	if errors.Is(err, resolver.ErrNoSessions) {
		return nil, nil, fmt.Errorf("no active research sessions to cancel")
	}
	if err != nil {
		return nil, nil, err
	}
	cancelled, err := m.monitor.Cancel(ctx, s.ID)
	return cancelled, decision, err
}

// ExportReady resolves reference to a completed session whose result is
// guaranteed present, for callers that render or copy the report.
// Rendering and file writing live outside the lifecycle core.
func (m *Manager) ExportReady(ctx context.Context, reference string) (*session.Session, *resolver.Decision, error) {
	s, decision, err := m.resolve(ctx, reference, session.ListFilter{
		States: []session.State{session.StateCompleted},
	})
	if errors.Is(err, resolver.ErrNoSessions) {
		return nil, nil, fmt.Errorf("no completed research sessions to export")
	}
	if err != nil {
		return nil, nil, err
	}
	if s.Result == nil || s.Result.Text == "" {
		return nil, nil, fmt.Errorf("session %s has no report", s.ID)
	}
	return s, decision, nil
}

// Quick runs a synchronous grounded query. When save is set the answer is
// persisted as an already completed session, so it shares the followup and
// export paths; otherwise nothing is written.
func (m *Manager) Quick(ctx context.Context, query string, save bool) (*session.Session, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("research query must not be empty")
	}
	if m.quick == nil {
		return nil, fmt.Errorf("no quick model configured")
	}

	started := time.Now().UTC()
	result, err := m.quick.Research(ctx, query)
	if err != nil {
		return nil, err
	}
	result.DurationSeconds = time.Since(started).Seconds()

	s := session.New(query)
	s.AgentName = "quick"
	if err := s.Transition(session.StateRunning); err != nil {
		return nil, err
	}
	s.Result = result
	if err := s.Transition(session.StateCompleted); err != nil {
		return nil, err
	}
	if !save {
		return s, nil
	}
	if err := m.store.Put(s); err != nil {
		return s, &monitor.NotPersistedError{SessionID: s.ID, Result: result, Err: err}
	}
	return s, nil
}

// Prune removes terminal sessions older than the retention window.
func (m *Manager) Prune() (int, []session.CorruptRecord, error) {
	return m.store.Prune(m.retention)
}

// ResumeReport summarizes what Resume did at startup.
type ResumeReport struct {
	Checked   int
	Running   []string
	Completed []string
	Failed    []string
	// Removed lists sessions whose remote task no longer exists; their
	// records were deleted.
	Removed []string
}

// Resume reconciles non-terminal sessions after a restart: each one is
// polled once (forced), sessions whose remote task is gone are removed,
// and sessions still running past the stale window are marked failed.
func (m *Manager) Resume(ctx context.Context) (*ResumeReport, error) {
	active, corrupt, err := m.store.List(session.ListFilter{
		States: []session.State{session.StatePending, session.StateRunning},
	}, session.OrderUpdatedDesc)
	if err != nil {
		return nil, err
	}
	for _, c := range corrupt {
		m.logger.Warn("skipping unreadable session record",
			zap.String("path", c.Path), zap.Error(c.Err))
	}

	report := &ResumeReport{Checked: len(active)}
	now := time.Now().UTC()

	for _, s := range active {
		if s.RemoteTaskRef == "" {
			// Submitted never completed; nothing remote to reconcile.
			m.failStale(s, "never submitted")
			report.Failed = append(report.Failed, s.ID)
			continue
		}

		out, err := m.monitor.Poll(ctx, s.ID, true)
		switch {
		case errors.Is(err, provider.ErrTaskNotFound):
			m.logger.Info("remote task gone, removing session",
				zap.String("id", s.ID))
			if derr := m.store.Delete(s.ID); derr != nil {
				m.logger.Error("failed to remove orphaned session",
					zap.String("id", s.ID), zap.Error(derr))
				continue
			}
			report.Removed = append(report.Removed, s.ID)
			continue
		case err != nil:
			m.logger.Warn("resume poll failed, leaving session as-is",
				zap.String("id", s.ID), zap.Error(err))
			report.Running = append(report.Running, s.ID)
			continue
		}

		switch out.Session.State {
		case session.StateCompleted:
			report.Completed = append(report.Completed, s.ID)
		case session.StateFailed, session.StateCancelled:
			report.Failed = append(report.Failed, s.ID)
		default:
			if out.Session.Age(now) > staleAfter {
				m.failStale(out.Session, "still running after 24h")
				report.Failed = append(report.Failed, s.ID)
				continue
			}
			report.Running = append(report.Running, s.ID)
		}
	}
	return report, nil
}

func (m *Manager) failStale(s *session.Session, why string) {
	s.Error = &session.ErrorInfo{
		Code:    "STALE",
		Message: fmt.Sprintf("session abandoned: %s", why),
	}
	if err := s.Transition(session.StateFailed); err != nil {
		m.logger.Error("failed to mark session stale",
			zap.String("id", s.ID), zap.Error(err))
		return
	}
	if err := m.store.Put(s); err != nil {
		m.logger.Error("failed to persist stale session",
			zap.String("id", s.ID), zap.Error(err))
	}
}

// resolve maps a reference onto a stored session, loading the full record
// for the winning id. The filter scopes candidates to the states the
// calling operation can act on, so a recency fallback never lands on a
// session the operation would only reject.
func (m *Manager) resolve(ctx context.Context, reference string, filter session.ListFilter) (*session.Session, *resolver.Decision, error) {
	candidates, corrupt, err := m.store.List(filter, session.OrderUpdatedDesc)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range corrupt {
		m.logger.Warn("skipping unreadable session record",
			zap.String("path", c.Path), zap.Error(c.Err))
	}
	// An exact id names one session; when that session's state is outside
	// the operation's scope, say so rather than resolving to another one.
	if ref := strings.TrimSpace(reference); ref != "" && len(filter.States) > 0 {
		if exact, gerr := m.store.Get(ref); gerr == nil {
			scoped := false
			for _, st := range filter.States {
				if exact.State == st {
					scoped = true
				}
			}
			if !scoped {
				return nil, nil, fmt.Errorf("session %s is %s", exact.ID, exact.State)
			}
		}
	}
	decision, err := m.resolver.Resolve(ctx, reference, candidates)
	if err != nil {
		return nil, nil, err
	}
	if decision.Basis == resolver.BasisFallback {
		m.logger.Info("reference resolved by fallback",
			zap.String("reference", reference),
			zap.String("session", decision.SessionID),
			zap.String("reason", decision.Reason))
	}
	s, err := m.store.Get(decision.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return s, decision, nil
}

// ensureSummary lazily fills the short summary used for listings and
// semantic matching. Best effort; a missing summary never fails a check.
func (m *Manager) ensureSummary(ctx context.Context, s *session.Session) {
	if s.Summary != "" || s.Result == nil || s.Result.Text == "" || m.quick == nil {
		return
	}
	summary, err := m.quick.Summarize(ctx, s.Query, s.Result.Text)
	if err != nil {
		m.logger.Warn("failed to summarize report", zap.String("id", s.ID), zap.Error(err))
		return
	}
	s.Summary = summary
	if err := m.store.Put(s); err != nil {
		m.logger.Warn("failed to persist summary", zap.String("id", s.ID), zap.Error(err))
	}
}
