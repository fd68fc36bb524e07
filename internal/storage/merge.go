package storage

import (
	"slices"
	"strconv"
	"time"

	"github.com/onexay/perf-ledger/internal/types"
)

// newPlaceholder builds an unreported commit that only knows its time.
func newPlaceholder(repoID int64, revision string, ts time.Time, seq int64) types.Commit {
	return types.Commit{
		RepositoryID: repoID,
		Revision:     revision,
		Time:         ts.UTC(),
		Seq:          seq,
	}
}

// applyReport merges a full report into the existing record, if any.
// A placeholder keeps its original time and any parent it already had; a
// reported commit is returned untouched.
func applyReport(existing *types.Commit, req CommitReport, seq int64) (types.Commit, Outcome) {
	if existing == nil {
		return types.Commit{
			RepositoryID:  req.RepositoryID,
			Revision:      req.Revision,
			Time:          req.Time.UTC(),
			Parent:        cloneString(req.Parent),
			AuthorName:    cloneString(req.AuthorName),
			AuthorAccount: cloneString(req.AuthorAccount),
			Message:       cloneString(req.Message),
			Reported:      true,
			Seq:           seq,
		}, OutcomeCreated
	}

	if existing.Reported {
		return *existing, OutcomeUnchanged
	}

	merged := *existing
	merged.AuthorName = cloneString(req.AuthorName)
	merged.AuthorAccount = cloneString(req.AuthorAccount)
	merged.Message = cloneString(req.Message)
	if merged.Parent == nil {
		merged.Parent = cloneString(req.Parent)
	}
	merged.Reported = true
	return merged, OutcomeUpgraded
}

// selectCommits filters and orders commits by (time, seq).
func selectCommits(commits []types.Commit, opts ListCommitsOptions) []types.Commit {
	result := make([]types.Commit, 0, len(commits))
	for _, commit := range commits {
		if opts.matches(commit) {
			result = append(result, commit)
		}
	}

	slices.SortStableFunc(result, compareCommits)
	if opts.Descending {
		slices.Reverse(result)
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result
}

func compareCommits(a, b types.Commit) int {
	if c := a.Time.Compare(b.Time); c != 0 {
		return c
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
