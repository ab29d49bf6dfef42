package domain

// Seconds is a non-negative count of whole seconds. The store persists these
// as text and parses them back explicitly; a row that fails the parse is
// reported as corrupt, never coerced to zero.
type Seconds int64

// Issue is a unit of trackable work, either created locally or imported from
// the remote tracker (in which case ID echoes the remote id). Key is the
// human-readable tracker key and is the lookup handle for start/stop.
type Issue struct {
	ID            string  `json:"id"`
	Key           string  `json:"key"`
	URL           string  `json:"url"`
	Summary       string  `json:"summary"`
	AssigneeEmail string  `json:"assignee_email"`
	TimeTracked   Seconds `json:"time_tracked_total"`
}

// Worklog is one concrete work interval. End and TotalTime stay 0 while the
// session is open; End == 0 is the open-session sentinel.
type Worklog struct {
	ID        string  `json:"id"`
	IssueID   string  `json:"issue_id"`
	Start     Seconds `json:"start"`
	End       Seconds `json:"end"`
	TotalTime Seconds `json:"total_time"`
}

// Open reports whether the worklog belongs to an in-progress session.
func (w Worklog) Open() bool {
	return w.End == 0
}
