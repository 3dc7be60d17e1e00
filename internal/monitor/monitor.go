package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"researchd/internal/provider"
	"researchd/internal/session"
)

// ErrStatusUnknown reports that the retry budget for a status check was
// exhausted on transient errors. The session is still RUNNING; this is a
// "check again later" outcome, not a task failure.
var ErrStatusUnknown = errors.New("research status unknown, check again later")

// ErrNotSubmitted reports a poll against a session that never obtained a
// remote task ref.
var ErrNotSubmitted = errors.New("session has no remote task ref")

// NotPersistedError reports that the remote task completed but the result
// could not be written to disk. The result is carried here so a successful
// remote completion is never lost to a local persistence failure.
type NotPersistedError struct {
	SessionID string
	Result    *session.Result
	Err       error
}

func (e *NotPersistedError) Error() string {
	return fmt.Sprintf("session %s completed but result not persisted: %v", e.SessionID, e.Err)
}

func (e *NotPersistedError) Unwrap() error { return e.Err }

// Store is the slice of the session store the monitor needs.
type Store interface {
	Get(id string) (*session.Session, error)
	Put(s *session.Session) error
}

// Config tunes polling cadence and retry budgets.
type Config struct {
	// AbsoluteThreshold is the age A of the refresh policy; the idle
	// threshold is A/2.
	AbsoluteThreshold time.Duration
	// MaxRetries bounds retries of a transient provider error within one
	// status check.
	MaxRetries uint64
	// InitialBackoff and MaxBackoff shape the exponential backoff between
	// those retries.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// PersistRetries bounds retries of a failed disk write.
	PersistRetries uint64
}

// DefaultConfig mirrors the cadence of the deep-research agent: tasks run
// minutes to tens of minutes, so a five-minute absolute threshold keeps
// short tasks quiet without letting long ones go stale.
func DefaultConfig() Config {
	return Config{
		AbsoluteThreshold: 5 * time.Minute,
		MaxRetries:        3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        30 * time.Second,
		PersistRetries:    3,
	}
}

// PollOutcome reports what a Poll did and the session it left behind.
type PollOutcome struct {
	Session *session.Session
	// Polled is false when the refresh policy reused the cached state and
	// no remote call was made.
	Polled bool
	// Reason names the refresh-policy condition that fired (or didn't).
	Reason string
}

// Monitor advances session state machines against the remote provider.
// All transitions for one session id are serialized; concurrent polls for
// the same id are coalesced so the state machine never observes two
// overlapping transitions.
type Monitor struct {
	provider provider.Provider
	store    Store
	tracker  *Tracker
	cfg      Config
	logger   *zap.Logger

	group singleflight.Group
	locks cmap.ConcurrentMap[string, *sync.Mutex]
}

// New creates a monitor.
func New(p provider.Provider, store Store, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.AbsoluteThreshold <= 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		provider: p,
		store:    store,
		tracker:  NewTracker(cfg.AbsoluteThreshold),
		cfg:      cfg,
		logger:   logger.Named("monitor"),
		locks:    cmap.New[*sync.Mutex](),
	}
}

// Tracker exposes the health tracker, mainly for status displays.
func (m *Monitor) Tracker() *Tracker { return m.tracker }

func (m *Monitor) lock(id string) *sync.Mutex {
	if mu, ok := m.locks.Get(id); ok {
		return mu
	}
	mu := &sync.Mutex{}
	if !m.locks.SetIfAbsent(id, mu) {
		mu, _ = m.locks.Get(id)
	}
	return mu
}

// Submit starts the remote task for a PENDING session and persists the
// transition. A failed submission moves the session straight to FAILED
// with the error recorded; it is never silently retried.
func (m *Monitor) Submit(ctx context.Context, s *session.Session, opts provider.SubmitOptions) error {
	mu := m.lock(s.ID)
	mu.Lock()
	defer mu.Unlock()

	if s.State != session.StatePending {
		return fmt.Errorf("cannot submit session %s in state %s", s.ID, s.State)
	}
	m.tracker.Observe(s.ID, s.CreatedAt, s.CreatedAt)

	ref, err := m.provider.Submit(ctx, s.Query, opts)
	if err != nil {
		s.Error = &session.ErrorInfo{Code: "SUBMIT_FAILED", Message: err.Error()}
		if terr := s.Transition(session.StateFailed); terr != nil {
			return terr
		}
		if perr := m.persist(ctx, s); perr != nil {
			m.logger.Error("failed to persist submit failure",
				zap.String("id", s.ID), zap.Error(perr))
		}
		m.tracker.Forget(s.ID)
		return fmt.Errorf("submit research: %w", err)
	}

	s.RemoteTaskRef = ref
	s.ConversationRef = ref
	if err := s.Transition(session.StateRunning); err != nil {
		return err
	}
	if err := m.persist(ctx, s); err != nil {
		// The remote task is live; surface the ref so it is not lost.
		return fmt.Errorf("task %s submitted but session not persisted: %w", ref, err)
	}
	m.logger.Info("session running",
		zap.String("id", s.ID), zap.String("task_ref", ref))
	return nil
}

// Poll refreshes one session from the remote provider if the refresh
// policy warrants it, otherwise returns the cached state. Concurrent calls
// for the same id share one execution.
func (m *Monitor) Poll(ctx context.Context, id string, force bool) (*PollOutcome, error) {
	v, err, _ := m.group.Do(id, func() (any, error) {
		return m.poll(ctx, id, force)
	})
	if v == nil {
		return nil, err
	}
	return v.(*PollOutcome), err
}

func (m *Monitor) poll(ctx context.Context, id string, force bool) (*PollOutcome, error) {
	mu := m.lock(id)
	mu.Lock()
	defer mu.Unlock()

	s, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if s.State.Terminal() {
		return &PollOutcome{Session: s, Reason: "session already terminal"}, nil
	}
	if s.RemoteTaskRef == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotSubmitted, id)
	}

	m.tracker.Observe(id, s.CreatedAt, s.UpdatedAt)
	now := time.Now().UTC()
	ok, reason := m.tracker.ShouldPoll(id, now, force)
	if !ok {
		return &PollOutcome{Session: s, Reason: reason}, nil
	}

	status, err := m.statusWithRetry(ctx, s.RemoteTaskRef)
	if err != nil {
		m.tracker.RecordPoll(id, time.Now().UTC(), true)
		if provider.IsTransient(err) {
			m.logger.Warn("status check budget exhausted, session stays running",
				zap.String("id", id), zap.Error(err))
			return &PollOutcome{Session: s, Polled: true, Reason: reason},
				fmt.Errorf("%w: %v", ErrStatusUnknown, err)
		}
		return &PollOutcome{Session: s, Polled: true, Reason: reason}, err
	}
	m.tracker.RecordPoll(id, time.Now().UTC(), false)

	switch status.State {
	case provider.TaskCompleted:
		return m.complete(ctx, s, status.Result, reason)

	case provider.TaskFailed:
		s.Error = status.Err
		if err := s.Transition(session.StateFailed); err != nil {
			return nil, err
		}
		m.tracker.Forget(id)
		if err := m.persist(ctx, s); err != nil {
			return &PollOutcome{Session: s, Polled: true, Reason: reason}, err
		}
		m.logger.Info("session failed remotely",
			zap.String("id", id), zap.String("code", s.Error.Code))
		return &PollOutcome{Session: s, Polled: true, Reason: reason}, nil

	case provider.TaskCancelled:
		if err := s.Transition(session.StateCancelled); err != nil {
			return nil, err
		}
		m.tracker.Forget(id)
		if err := m.persist(ctx, s); err != nil {
			return &PollOutcome{Session: s, Polled: true, Reason: reason}, err
		}
		return &PollOutcome{Session: s, Polled: true, Reason: reason}, nil

	default:
		s.Touch()
		if err := m.persist(ctx, s); err != nil {
			return &PollOutcome{Session: s, Polled: true, Reason: reason}, err
		}
		return &PollOutcome{Session: s, Polled: true, Reason: reason}, nil
	}
}

// complete records a remote completion. The result is returned to the
// caller even when persistence ultimately fails: a successful completion
// is never converted into a task failure by a disk problem.
func (m *Monitor) complete(ctx context.Context, s *session.Session, res *session.Result, reason string) (*PollOutcome, error) {
	if res == nil {
		res = &session.Result{}
	}
	if res.DurationSeconds == 0 {
		res.DurationSeconds = time.Since(s.CreatedAt).Seconds()
	}
	s.Result = res
	if err := s.Transition(session.StateCompleted); err != nil {
		return nil, err
	}
	m.tracker.Forget(s.ID)

	if err := m.persist(ctx, s); err != nil {
		m.logger.Error("completed result could not be persisted",
			zap.String("id", s.ID), zap.Error(err))
		return &PollOutcome{Session: s, Polled: true, Reason: reason},
			&NotPersistedError{SessionID: s.ID, Result: res, Err: err}
	}
	m.logger.Info("session completed",
		zap.String("id", s.ID),
		zap.Float64("duration_s", res.DurationSeconds))
	return &PollOutcome{Session: s, Polled: true, Reason: reason}, nil
}

// Cancel stops tracking a PENDING/RUNNING session and marks it CANCELLED.
// The remote cancel is best effort: this system ceases tracking the task
// whether or not the remote side actually stops it.
func (m *Monitor) Cancel(ctx context.Context, id string) (*session.Session, error) {
	mu := m.lock(id)
	mu.Lock()
	defer mu.Unlock()

	s, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if s.State.Terminal() {
		return nil, fmt.Errorf("cannot cancel session %s in state %s", id, s.State)
	}

	if s.RemoteTaskRef != "" {
		if err := m.provider.Cancel(ctx, s.RemoteTaskRef); err != nil {
			m.logger.Warn("remote cancel failed, cancelling locally anyway",
				zap.String("id", id), zap.Error(err))
		}
	}
	if err := s.Transition(session.StateCancelled); err != nil {
		return nil, err
	}
	m.tracker.Forget(id)
	if err := m.persist(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// statusWithRetry polls the provider, retrying transient errors with
// bounded exponential backoff. Non-transient errors abort immediately.
func (m *Monitor) statusWithRetry(ctx context.Context, taskRef string) (provider.TaskStatus, error) {
	return backoff.RetryWithData(func() (provider.TaskStatus, error) {
		status, err := m.provider.Status(ctx, taskRef)
		if err != nil && !provider.IsTransient(err) {
			return provider.TaskStatus{}, backoff.Permanent(err)
		}
		return status, err
	}, m.newBackoff(ctx, m.cfg.MaxRetries))
}

// persist writes a session with a brief retry, since routine disk errors
// are often transient (full buffers, antivirus holds, NFS blips).
func (m *Monitor) persist(ctx context.Context, s *session.Session) error {
	return backoff.Retry(func() error {
		return m.store.Put(s)
	}, m.newBackoff(ctx, m.cfg.PersistRetries))
}

func (m *Monitor) newBackoff(ctx context.Context, maxRetries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = m.cfg.MaxBackoff
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}
