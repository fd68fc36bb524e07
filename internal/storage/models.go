package storage

import (
	"math"
	"time"

	"github.com/onexay/perf-ledger/internal/types"
)

// CommitReport is a fully reported commit submitted by a build agent.
type CommitReport struct {
	RepositoryID  int64
	Revision      string
	Time          time.Time
	Parent        *string
	AuthorName    *string
	AuthorAccount *string
	Message       *string
}

func (r CommitReport) validate() error {
	if r.RepositoryID <= 0 {
		return &ValidationError{Message: "repository id is required"}
	}
	if r.Revision == "" {
		return &ValidationError{Message: "revision is required"}
	}
	if err := ValidateTime(r.Time); err != nil {
		return err
	}
	if r.Parent != nil && *r.Parent == r.Revision {
		return &ValidationError{Message: "commit cannot be its own parent"}
	}
	return nil
}

// Outcome describes what UpsertReport did to the ledger.
type Outcome string

const (
	// OutcomeCreated means no record existed and a reported one was created.
	OutcomeCreated Outcome = "created"
	// OutcomeUpgraded means a placeholder was filled in and marked reported.
	OutcomeUpgraded Outcome = "upgraded"
	// OutcomeUnchanged means the commit was already reported.
	OutcomeUnchanged Outcome = "unchanged"
)

// ReportResult summarises an UpsertReport call.
type ReportResult struct {
	Commit  types.Commit
	Outcome Outcome
	// Discrepancy is a unified diff between the stored commit and the
	// submitted report, empty when they agree.
	Discrepancy string
}

// ListCommitsOptions selects and orders commits of one repository.
// Zero From/To leave that side of the time window open; both bounds are
// inclusive.
type ListCommitsOptions struct {
	RepositoryID int64
	ReportedOnly bool
	From         time.Time
	To           time.Time
	Descending   bool
	Limit        int
}

func (o ListCommitsOptions) matches(c types.Commit) bool {
	if c.RepositoryID != o.RepositoryID {
		return false
	}
	if o.ReportedOnly && !c.Reported {
		return false
	}
	if !o.From.IsZero() && c.Time.Before(o.From) {
		return false
	}
	if !o.To.IsZero() && c.Time.After(o.To) {
		return false
	}
	return true
}

// Commit times are persisted as Unix nanoseconds, which bounds the range a
// ledger can hold.
var (
	minCommitTime = time.Unix(0, math.MinInt64).UTC()
	maxCommitTime = time.Unix(0, math.MaxInt64).UTC()
)

// ValidateTime rejects zero times and times the ledger cannot store exactly.
func ValidateTime(ts time.Time) error {
	if ts.IsZero() {
		return &ValidationError{Message: "time is required"}
	}
	if ts.Before(minCommitTime) || ts.After(maxCommitTime) {
		return &ValidationError{Message: "time " + ts.UTC().Format(types.TimeLayout) + " is out of range"}
	}
	return nil
}
