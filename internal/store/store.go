package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"stint/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	// ErrCorrupt marks a persisted time field that does not parse back as a
	// non-negative integer. Surfaced as-is, never coerced to zero.
	ErrCorrupt = errors.New("corrupt time field")
)

// Store is durable CRUD for issues and worklogs plus the persisted
// recent-issue list. The underlying pool is safe for concurrent use; session
// atomicity is the tracker's job, not the store's.
type Store struct {
	DB *sql.DB
}

// ParseSeconds converts the persisted textual form of a time field back to
// domain seconds.
func ParseSeconds(s string) (domain.Seconds, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %q", ErrCorrupt, s)
	}
	return domain.Seconds(v), nil
}

func formatSeconds(v domain.Seconds) string {
	return strconv.FormatInt(int64(v), 10)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanIssue(row *sql.Row) (domain.Issue, error) {
	var it domain.Issue
	var tracked string
	err := row.Scan(&it.ID, &it.Key, &it.URL, &it.Summary, &it.AssigneeEmail, &tracked)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.TimeTracked, err = ParseSeconds(tracked)
	return it, err
}

func scanWorklog(row *sql.Row) (domain.Worklog, error) {
	var w domain.Worklog
	var start, end, total string
	err := row.Scan(&w.ID, &w.IssueID, &start, &end, &total)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if w.Start, err = ParseSeconds(start); err != nil {
		return w, err
	}
	if w.End, err = ParseSeconds(end); err != nil {
		return w, err
	}
	w.TotalTime, err = ParseSeconds(total)
	return w, err
}

// GetIssue looks an issue up by its tracker key.
func (s Store) GetIssue(ctx context.Context, key string) (domain.Issue, error) {
	return scanIssue(s.DB.QueryRowContext(ctx,
		`SELECT id,key,url,summary,assignee_email,time_tracked_total FROM issue WHERE key=?`, key))
}

// GetIssueByID looks an issue up by its stable id. The key is the
// user-facing handle; the id is the one that never changes.
func (s Store) GetIssueByID(ctx context.Context, id string) (domain.Issue, error) {
	return scanIssue(s.DB.QueryRowContext(ctx,
		`SELECT id,key,url,summary,assignee_email,time_tracked_total FROM issue WHERE id=?`, id))
}

// ListIssues returns an unordered snapshot of all issues.
func (s Store) ListIssues(ctx context.Context) ([]domain.Issue, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,key,url,summary,assignee_email,time_tracked_total FROM issue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		var it domain.Issue
		var tracked string
		if err := rows.Scan(&it.ID, &it.Key, &it.URL, &it.Summary, &it.AssigneeEmail, &tracked); err != nil {
			return nil, err
		}
		if it.TimeTracked, err = ParseSeconds(tracked); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// AddIssue inserts an issue and returns the stored row.
func (s Store) AddIssue(ctx context.Context, it domain.Issue) (domain.Issue, error) {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO issue(id,key,url,summary,assignee_email,time_tracked_total) VALUES (?,?,?,?,?,?)`,
		it.ID, it.Key, it.URL, it.Summary, it.AssigneeEmail, formatSeconds(it.TimeTracked))
	if isUniqueViolation(err) {
		return domain.Issue{}, fmt.Errorf("issue %s: %w", it.Key, ErrConflict)
	}
	if err != nil {
		return domain.Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	return s.GetIssueByID(ctx, it.ID)
}

// EditIssue replaces the mutable fields of an issue, keyed by id.
func (s Store) EditIssue(ctx context.Context, it domain.Issue) (domain.Issue, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE issue SET key=?,url=?,summary=?,assignee_email=?,time_tracked_total=? WHERE id=?`,
		it.Key, it.URL, it.Summary, it.AssigneeEmail, formatSeconds(it.TimeTracked), it.ID)
	if err != nil {
		return domain.Issue{}, fmt.Errorf("update issue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Issue{}, ErrNotFound
	}
	return s.GetIssueByID(ctx, it.ID)
}

// GetWorklog fetches a worklog by id.
func (s Store) GetWorklog(ctx context.Context, id string) (domain.Worklog, error) {
	return scanWorklog(s.DB.QueryRowContext(ctx,
		`SELECT id,issue_id,start,"end",total_time FROM worklog WHERE id=?`, id))
}

// ListWorklogs returns all worklogs for an issue.
func (s Store) ListWorklogs(ctx context.Context, issueID string) ([]domain.Worklog, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,issue_id,start,"end",total_time FROM worklog WHERE issue_id=?`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worklog
	for rows.Next() {
		var w domain.Worklog
		var start, end, total string
		if err := rows.Scan(&w.ID, &w.IssueID, &start, &end, &total); err != nil {
			return nil, err
		}
		if w.Start, err = ParseSeconds(start); err != nil {
			return nil, err
		}
		if w.End, err = ParseSeconds(end); err != nil {
			return nil, err
		}
		if w.TotalTime, err = ParseSeconds(total); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// AddWorklog inserts a worklog and returns the stored row.
func (s Store) AddWorklog(ctx context.Context, w domain.Worklog) (domain.Worklog, error) {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO worklog(id,issue_id,start,"end",total_time) VALUES (?,?,?,?,?)`,
		w.ID, w.IssueID, formatSeconds(w.Start), formatSeconds(w.End), formatSeconds(w.TotalTime))
	if isUniqueViolation(err) {
		return domain.Worklog{}, fmt.Errorf("worklog %s: %w", w.ID, ErrConflict)
	}
	if err != nil {
		return domain.Worklog{}, fmt.Errorf("insert worklog: %w", err)
	}
	return s.GetWorklog(ctx, w.ID)
}

// EditWorklog replaces the mutable fields of a worklog, keyed by id.
func (s Store) EditWorklog(ctx context.Context, w domain.Worklog) (domain.Worklog, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE worklog SET start=?,"end"=?,total_time=? WHERE id=?`,
		formatSeconds(w.Start), formatSeconds(w.End), formatSeconds(w.TotalTime), w.ID)
	if err != nil {
		return domain.Worklog{}, fmt.Errorf("update worklog: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Worklog{}, ErrNotFound
	}
	return s.GetWorklog(ctx, w.ID)
}

// SaveRecentIssues atomically replaces the persisted recent-issue list.
// Clear-then-insert runs in one transaction so a concurrent reader never
// observes a partially written list.
func (s Store) SaveRecentIssues(ctx context.Context, keys []string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM recent_issue`); err != nil {
		return fmt.Errorf("clear recent issues: %w", err)
	}
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `INSERT INTO recent_issue(key) VALUES (?)`, key); err != nil {
			return fmt.Errorf("insert recent issue: %w", err)
		}
	}
	return tx.Commit()
}

// GetRecentIssues restores the recent-issue list in insertion order.
func (s Store) GetRecentIssues(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key FROM recent_issue ORDER BY pos`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
