package syncer

import (
	"fmt"
	"log/slog"
)

// Op names the remote operation a failure belongs to.
type Op string

const (
	OpFind   Op = "find"
	OpCreate Op = "create"
	OpDelete Op = "delete"
)

// Failure is one event whose remote operation failed this cycle.
type Failure struct {
	Key     string
	Subject string
	Op      Op
	Err     error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %s (%q): %v", f.Op, f.Key, f.Subject, f.Err)
}

// Report summarizes one reconciliation. It carries no control-flow meaning.
type Report struct {
	Created   int // remote events created
	Matched   int // existing remote events adopted instead of created
	Deleted   int // remote events removed after their source vanished
	Failed    int // remote operations that failed and will be retried
	Unchanged int // synced invitations still present in the source
	Discarded int // pending records dropped because their source vanished
	Retired   int // records dropped after falling out of the read window
	Skipped   int // events that are not invitations
	Malformed int // events the classifier rejected

	Failures []Failure
}

// HasFailures reports whether any remote operation failed.
func (r Report) HasFailures() bool {
	return r.Failed > 0
}

// Changes is the number of remote mutations or adoptions.
func (r Report) Changes() int {
	return r.Created + r.Matched + r.Deleted
}

func (r *Report) fail(key, subject string, op Op, err error) {
	r.Failed++
	r.Failures = append(r.Failures, Failure{Key: key, Subject: subject, Op: op, Err: err})
}

// LogValue implements slog.LogValuer.
func (r Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("created", r.Created),
		slog.Int("matched", r.Matched),
		slog.Int("deleted", r.Deleted),
		slog.Int("failed", r.Failed),
		slog.Int("unchanged", r.Unchanged),
		slog.Int("discarded", r.Discarded),
		slog.Int("retired", r.Retired),
		slog.Int("skipped", r.Skipped),
		slog.Int("malformed", r.Malformed),
	)
}
