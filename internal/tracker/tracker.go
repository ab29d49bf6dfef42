package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stint/internal/domain"
	"stint/internal/store"
)

var (
	// ErrAlreadyTracking guards the Idle->Tracking transition. Start stops
	// the previous session first, so callers never observe it; it exists so
	// the invariant is checked where it lives, not where it is assumed.
	ErrAlreadyTracking = errors.New("issue already tracked")
	// ErrClock is returned when the wall clock reads before the Unix epoch.
	ErrClock = errors.New("system clock before unix epoch")
)

// MaxRecent bounds the persisted most-recently-tracked list.
const MaxRecent = 5

// Notifier receives recent-issue changes for the presentation layer
// (tray menu entries in the desktop shell).
type Notifier interface {
	RecentIssuesChanged(keys []string)
}

// session is the in-memory truth of "tracking is active": the issue being
// tracked, its open worklog row, and a monotonic start instant. It exists if
// and only if exactly one worklog with End==0 is persisted for its issue.
type session struct {
	issue     domain.Issue
	worklog   domain.Worklog
	startedAt time.Time
}

// Tracker is the session controller. One mutex guards the active session,
// the store handle, and the recent list as a single region; every operation
// holds it end to end, store round-trips included, so transitions appear
// atomic to concurrent callers. The store pool itself is concurrency-safe;
// the lock is about compound session state, not about SQLite.
type Tracker struct {
	mu       sync.Mutex
	store    store.Store
	active   *session
	recent   []string
	notifier Notifier

	// Assignee is the configured account email stamped on locally created
	// issues.
	Assignee string
	// Now is injectable for tests.
	Now func() time.Time
}

func New(s store.Store) *Tracker {
	return &Tracker{store: s, Now: time.Now}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// epochNow returns wall-clock epoch seconds for the persisted timestamps.
// Elapsed time is never derived from these; see Elapsed.
func (t *Tracker) epochNow() (domain.Seconds, error) {
	secs := t.now().Unix()
	if secs < 0 {
		return 0, ErrClock
	}
	return domain.Seconds(secs), nil
}

// SetNotifier installs the presentation-layer callback for recent-list
// changes.
func (t *Tracker) SetNotifier(n Notifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifier = n
}

// RestoreRecent loads the persisted recent-issue list, typically once at
// daemon start.
func (t *Tracker) RestoreRecent(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys, err := t.store.GetRecentIssues(ctx)
	if err != nil {
		return fmt.Errorf("restore recent issues: %w", err)
	}
	t.recent = keys
	return nil
}

// Recent returns a copy of the recent-issue list, most recent last.
func (t *Tracker) Recent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.recent))
	copy(out, t.recent)
	return out
}

// Start begins tracking the issue with the given key. If a session is
// already active it is stopped first: switching tasks is one user action,
// not an error.
func (t *Tracker) Start(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.stopLocked(ctx); err != nil {
		return err
	}
	return t.startLocked(ctx, key)
}

func (t *Tracker) startLocked(ctx context.Context, key string) error {
	if t.active != nil {
		return ErrAlreadyTracking
	}
	issue, err := t.store.GetIssue(ctx, key)
	if err != nil {
		return err
	}
	start, err := t.epochNow()
	if err != nil {
		return err
	}
	worklog := domain.Worklog{
		ID:      uuid.New().String(),
		IssueID: issue.ID,
		Start:   start,
	}
	// Persist the open worklog before the in-memory transition. A crash
	// right here leaves a recoverable open row and no active session.
	if worklog, err = t.store.AddWorklog(ctx, worklog); err != nil {
		return err
	}
	t.pushRecentLocked(issue.Key)
	t.active = &session{issue: issue, worklog: worklog, startedAt: t.now()}
	return nil
}

// Stop closes the active session. Stopping while idle is a no-op.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(ctx)
}

// stopLocked persists the issue aggregate before closing the worklog. A
// crash between the two writes leaves the issue total including the session
// while the worklog row stays open; the window is accepted and documented
// rather than papered over. On any storage error the session stays active so
// the caller can retry.
func (t *Tracker) stopLocked(ctx context.Context) error {
	if t.active == nil {
		return nil
	}
	duration := domain.Seconds(t.now().Sub(t.active.startedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}
	end, err := t.epochNow()
	if err != nil {
		return err
	}
	worklog := t.active.worklog
	worklog.End = end
	worklog.TotalTime = duration

	// Re-read by id, not key: the key is mutable through EditIssue and a
	// rename mid-session must not orphan the close.
	issue, err := t.store.GetIssueByID(ctx, t.active.issue.ID)
	if err != nil {
		return err
	}
	issue.TimeTracked += duration
	if _, err := t.store.EditIssue(ctx, issue); err != nil {
		return err
	}
	if _, err := t.store.EditWorklog(ctx, worklog); err != nil {
		return err
	}
	t.active = nil
	return nil
}

// ActiveIssueKey reports the key of the issue being tracked, if any.
func (t *Tracker) ActiveIssueKey() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return "", false
	}
	return t.active.issue.Key, true
}

// Elapsed returns how long the active session has been running, zero when
// idle. Computed from the monotonic start instant, so wall-clock adjustments
// cannot skew a running session.
func (t *Tracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return 0
	}
	d := t.now().Sub(t.active.startedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Flush is the shutdown-path equivalent of Stop: it closes any active
// session and persists the recent-issue list.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.stopLocked(ctx); err != nil {
		return fmt.Errorf("flush session: %w", err)
	}
	if err := t.store.SaveRecentIssues(ctx, t.recent); err != nil {
		return fmt.Errorf("save recent issues: %w", err)
	}
	return nil
}

// ShutdownFlush hands the flush to a worker goroutine and blocks on a
// one-shot completion signal. It is safe to call from a context that must
// not run storage work inline (a tray quit handler); the error is returned
// for logging, and termination proceeds regardless.
func (t *Tracker) ShutdownFlush() error {
	done := make(chan error, 1)
	go func() {
		done <- t.Flush(context.Background())
	}()
	return <-done
}

// ListIssues returns all known issues.
func (t *Tracker) ListIssues(ctx context.Context) ([]domain.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.ListIssues(ctx)
}

// AddIssue creates a local issue with a fresh id and the configured
// assignee.
func (t *Tracker) AddIssue(ctx context.Context, key, summary string) (domain.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	issue := domain.Issue{
		ID:            uuid.New().String(),
		Key:           key,
		Summary:       summary,
		AssigneeEmail: t.Assignee,
	}
	return t.store.AddIssue(ctx, issue)
}

// ImportIssue stores an issue fetched from the remote tracker, id echoed
// from the remote.
func (t *Tracker) ImportIssue(ctx context.Context, issue domain.Issue) (domain.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.AddIssue(ctx, issue)
}

func (t *Tracker) pushRecentLocked(key string) {
	t.recent = append(t.recent, key)
	if len(t.recent) > MaxRecent {
		t.recent = t.recent[len(t.recent)-MaxRecent:]
	}
	if t.notifier != nil {
		out := make([]string, len(t.recent))
		copy(out, t.recent)
		t.notifier.RecentIssuesChanged(out)
	}
}
