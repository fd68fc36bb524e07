package service

import (
	"context"

	"github.com/onexay/perf-ledger/internal/storage"
	"github.com/onexay/perf-ledger/internal/types"
)

// Keyword selectors accepted after the repository name.
const (
	SelectorOldest       = "oldest"
	SelectorLatest       = "latest"
	SelectorLastReported = "last-reported"
)

// CommitQuery describes a read against one repository's ledger. Selector is
// empty, one of the keyword selectors, or a revision. From and To are
// revisions bounding a range and cannot be combined with Selector.
type CommitQuery struct {
	Repository string
	Selector   string
	From       string
	To         string
}

func (q CommitQuery) shape() string {
	switch {
	case q.From != "" || q.To != "":
		return "range"
	case q.Selector == "":
		return "all"
	case q.Selector == SelectorOldest, q.Selector == SelectorLatest, q.Selector == SelectorLastReported:
		return q.Selector
	default:
		return "single"
	}
}

// QueryCommits resolves a CommitQuery. The repository is looked up before
// anything else, so an unknown repository always wins over other errors.
func (s *Service) QueryCommits(ctx context.Context, q CommitQuery) ([]types.Commit, error) {
	repo, err := s.store.FindRepository(ctx, q.Repository)
	if err != nil {
		return nil, err
	}

	switch q.shape() {
	case "range":
		if q.Selector != "" {
			return nil, &storage.ValidationError{Message: "from/to cannot be combined with a commit selector"}
		}
		return s.commitsBetween(ctx, repo, q.From, q.To)
	case "all":
		return s.store.ListCommits(ctx, storage.ListCommitsOptions{RepositoryID: repo.ID, ReportedOnly: true})
	case SelectorOldest:
		return s.store.ListCommits(ctx, storage.ListCommitsOptions{RepositoryID: repo.ID, ReportedOnly: true, Limit: 1})
	case SelectorLatest:
		return s.store.ListCommits(ctx, storage.ListCommitsOptions{RepositoryID: repo.ID, ReportedOnly: true, Descending: true, Limit: 1})
	case SelectorLastReported:
		// Only a direct report sets Reported, so placeholders created as
		// parent references are never candidates here.
		return s.store.ListCommits(ctx, storage.ListCommitsOptions{RepositoryID: repo.ID, ReportedOnly: true, Descending: true, Limit: 1})
	default:
		commit, err := s.store.FindCommit(ctx, repo.ID, q.Selector)
		if err != nil {
			return nil, err
		}
		return []types.Commit{commit}, nil
	}
}

// commitsBetween returns reported commits whose time lies within the times
// of the from and to revisions, inclusive. An empty bound is open.
func (s *Service) commitsBetween(ctx context.Context, repo types.Repository, from, to string) ([]types.Commit, error) {
	opts := storage.ListCommitsOptions{RepositoryID: repo.ID, ReportedOnly: true}

	if from != "" {
		commit, err := s.store.FindCommit(ctx, repo.ID, from)
		if err != nil {
			return nil, err
		}
		opts.From = commit.Time
	}
	if to != "" {
		commit, err := s.store.FindCommit(ctx, repo.ID, to)
		if err != nil {
			return nil, err
		}
		opts.To = commit.Time
	}

	if !opts.From.IsZero() && !opts.To.IsZero() && opts.From.After(opts.To) {
		return []types.Commit{}, nil
	}
	return s.store.ListCommits(ctx, opts)
}
