package tracker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"stint/internal/db"
	"stint/internal/domain"
	"stint/internal/migrate"
	"stint/internal/store"
	"stint/internal/tracker"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestTracker(t *testing.T) (*tracker.Tracker, store.Store, *fakeClock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.Store{DB: conn}
	clock := newFakeClock()
	trk := tracker.New(s)
	trk.Now = clock.Now
	return trk, s, clock
}

func seedIssue(t *testing.T, s store.Store, id, key, summary string) domain.Issue {
	t.Helper()
	issue, err := s.AddIssue(context.Background(), domain.Issue{ID: id, Key: key, Summary: summary})
	if err != nil {
		t.Fatalf("seed issue %s: %v", key, err)
	}
	return issue
}

func openWorklogs(t *testing.T, s store.Store, issueID string) []domain.Worklog {
	t.Helper()
	logs, err := s.ListWorklogs(context.Background(), issueID)
	if err != nil {
		t.Fatalf("list worklogs: %v", err)
	}
	var open []domain.Worklog
	for _, w := range logs {
		if w.Open() {
			open = append(open, w)
		}
	}
	return open
}

func TestStartStopAggregate(t *testing.T) {
	trk, s, clock := newTestTracker(t)
	ctx := context.Background()
	seedIssue(t, s, "id-1", "TT-1", "widget")

	if err := trk.Start(ctx, "TT-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if key, ok := trk.ActiveIssueKey(); !ok || key != "TT-1" {
		t.Fatalf("active key: %q %v", key, ok)
	}
	if n := len(openWorklogs(t, s, "id-1")); n != 1 {
		t.Fatalf("open worklogs after start: %d", n)
	}

	clock.Advance(90 * time.Second)
	if got := trk.Elapsed(); got != 90*time.Second {
		t.Fatalf("elapsed: %v", got)
	}
	if err := trk.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := trk.ActiveIssueKey(); ok {
		t.Fatalf("still active after stop")
	}
	if got := trk.Elapsed(); got != 0 {
		t.Fatalf("elapsed after stop: %v", got)
	}

	issue, err := s.GetIssue(ctx, "TT-1")
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if issue.TimeTracked != 90 {
		t.Fatalf("aggregate: got %d, want 90", issue.TimeTracked)
	}
	logs, err := s.ListWorklogs(ctx, "id-1")
	if err != nil {
		t.Fatalf("list worklogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Open() || logs[0].TotalTime != 90 {
		t.Fatalf("closed worklog: %+v", logs)
	}
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	trk, _, _ := newTestTracker(t)
	if err := trk.Stop(context.Background()); err != nil {
		t.Fatalf("idle stop: %v", err)
	}
	if err := trk.Stop(context.Background()); err != nil {
		t.Fatalf("second idle stop: %v", err)
	}
}

func TestStartUnknownIssue(t *testing.T) {
	trk, _, _ := newTestTracker(t)
	err := trk.Start(context.Background(), "NOPE-1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, ok := trk.ActiveIssueKey(); ok {
		t.Fatalf("session active after failed start")
	}
}

func TestSwitchClosesPreviousSession(t *testing.T) {
	trk, s, clock := newTestTracker(t)
	ctx := context.Background()
	seedIssue(t, s, "id-a", "TT-A", "first")
	seedIssue(t, s, "id-b", "TT-B", "second")

	if err := trk.Start(ctx, "TT-A"); err != nil {
		t.Fatalf("start A: %v", err)
	}
	clock.Advance(30 * time.Second)
	if err := trk.Start(ctx, "TT-B"); err != nil {
		t.Fatalf("start B: %v", err)
	}

	if n := len(openWorklogs(t, s, "id-a")); n != 0 {
		t.Fatalf("A still has %d open worklogs", n)
	}
	if n := len(openWorklogs(t, s, "id-b")); n != 1 {
		t.Fatalf("B open worklogs: %d", n)
	}
	issueA, err := s.GetIssue(ctx, "TT-A")
	if err != nil {
		t.Fatalf("get A: %v", err)
	}
	if issueA.TimeTracked != 30 {
		t.Fatalf("A aggregate: got %d, want 30", issueA.TimeTracked)
	}
	if key, _ := trk.ActiveIssueKey(); key != "TT-B" {
		t.Fatalf("active key after switch: %q", key)
	}
}

func TestStopAfterKeyRename(t *testing.T) {
	trk, s, clock := newTestTracker(t)
	ctx := context.Background()
	issue := seedIssue(t, s, "id-1", "TT-1", "widget")

	if err := trk.Start(ctx, "TT-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(45 * time.Second)

	// the key is mutable; the id is the stable handle the close must use
	issue.Key = "TT-1-RENAMED"
	if _, err := s.EditIssue(ctx, issue); err != nil {
		t.Fatalf("rename issue: %v", err)
	}
	if err := trk.Stop(ctx); err != nil {
		t.Fatalf("stop after rename: %v", err)
	}

	got, err := s.GetIssueByID(ctx, "id-1")
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if got.TimeTracked != 45 {
		t.Fatalf("aggregate after rename: got %d, want 45", got.TimeTracked)
	}
	if n := len(openWorklogs(t, s, "id-1")); n != 0 {
		t.Fatalf("worklog left open after rename: %d", n)
	}
}

func TestConcurrentStartsSingleOpenWorklog(t *testing.T) {
	trk, s, _ := newTestTracker(t)
	ctx := context.Background()
	seedIssue(t, s, "id-1", "TT-1", "contended")
	trk.Now = time.Now

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := trk.Start(ctx, "TT-1"); err != nil {
				t.Errorf("start: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(openWorklogs(t, s, "id-1")); n != 1 {
		t.Fatalf("open worklogs after concurrent starts: %d, want 1", n)
	}
	logs, err := s.ListWorklogs(ctx, "id-1")
	if err != nil {
		t.Fatalf("list worklogs: %v", err)
	}
	if len(logs) != 10 {
		t.Fatalf("worklogs created: %d, want 10", len(logs))
	}
}

func TestRecentListBound(t *testing.T) {
	trk, s, clock := newTestTracker(t)
	ctx := context.Background()
	var notified [][]string
	trk.SetNotifier(notifierFunc(func(keys []string) {
		notified = append(notified, keys)
	}))

	for i := 1; i <= 7; i++ {
		key := fmt.Sprintf("TT-%d", i)
		seedIssue(t, s, fmt.Sprintf("id-%d", i), key, "")
		if err := trk.Start(ctx, key); err != nil {
			t.Fatalf("start %s: %v", key, err)
		}
		clock.Advance(time.Second)
	}

	recent := trk.Recent()
	want := []string{"TT-3", "TT-4", "TT-5", "TT-6", "TT-7"}
	if len(recent) != len(want) {
		t.Fatalf("recent length: got %v", recent)
	}
	for i := range want {
		if recent[i] != want[i] {
			t.Fatalf("recent order: got %v, want %v", recent, want)
		}
	}
	if len(notified) != 7 {
		t.Fatalf("notifier calls: %d, want 7", len(notified))
	}
	last := notified[len(notified)-1]
	if len(last) != 5 || last[4] != "TT-7" {
		t.Fatalf("last notification: %v", last)
	}
}

type notifierFunc func(keys []string)

func (f notifierFunc) RecentIssuesChanged(keys []string) { f(keys) }

func TestRestoreRecent(t *testing.T) {
	trk, s, _ := newTestTracker(t)
	ctx := context.Background()
	if err := s.SaveRecentIssues(ctx, []string{"TT-1", "TT-2"}); err != nil {
		t.Fatalf("seed recent: %v", err)
	}
	if err := trk.RestoreRecent(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	recent := trk.Recent()
	if len(recent) != 2 || recent[0] != "TT-1" || recent[1] != "TT-2" {
		t.Fatalf("restored recent: %v", recent)
	}
}

func TestShutdownFlushMatchesStop(t *testing.T) {
	trk, s, clock := newTestTracker(t)
	ctx := context.Background()
	seedIssue(t, s, "id-x", "X-1", "test")

	if err := trk.Start(ctx, "X-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(2 * time.Second)
	if err := trk.ShutdownFlush(); err != nil {
		t.Fatalf("shutdown flush: %v", err)
	}

	issue, err := s.GetIssue(ctx, "X-1")
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if issue.TimeTracked < 2 {
		t.Fatalf("aggregate after flush: got %d, want >= 2", issue.TimeTracked)
	}
	logs, err := s.ListWorklogs(ctx, "id-x")
	if err != nil {
		t.Fatalf("list worklogs: %v", err)
	}
	if len(logs) != 1 || logs[0].End == 0 {
		t.Fatalf("worklog not closed by flush: %+v", logs)
	}
	if _, ok := trk.ActiveIssueKey(); ok {
		t.Fatalf("session survives flush")
	}
	persisted, err := s.GetRecentIssues(ctx)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(persisted) != 1 || persisted[0] != "X-1" {
		t.Fatalf("recent not persisted by flush: %v", persisted)
	}
}

func TestFlushWhenIdlePersistsRecentOnly(t *testing.T) {
	trk, s, _ := newTestTracker(t)
	ctx := context.Background()
	if err := trk.Flush(ctx); err != nil {
		t.Fatalf("idle flush: %v", err)
	}
	persisted, err := s.GetRecentIssues(ctx)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(persisted) != 0 {
		t.Fatalf("unexpected recent rows: %v", persisted)
	}
}

func TestClockBeforeEpochFailsStart(t *testing.T) {
	trk, s, _ := newTestTracker(t)
	seedIssue(t, s, "id-1", "TT-1", "")
	trk.Now = func() time.Time { return time.Unix(-100, 0) }
	err := trk.Start(context.Background(), "TT-1")
	if !errors.Is(err, tracker.ErrClock) {
		t.Fatalf("got %v, want ErrClock", err)
	}
}

func TestStopStorageErrorKeepsSession(t *testing.T) {
	trk, s, clock := newTestTracker(t)
	ctx := context.Background()
	seedIssue(t, s, "id-1", "TT-1", "")
	if err := trk.Start(ctx, "TT-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(10 * time.Second)

	s.DB.Close()
	if err := trk.Stop(ctx); err == nil {
		t.Fatalf("expected storage error")
	}
	// session must survive a failed stop so the user can retry
	if key, ok := trk.ActiveIssueKey(); !ok || key != "TT-1" {
		t.Fatalf("session lost after failed stop: %q %v", key, ok)
	}
}
