package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onexay/perf-ledger/internal/metrics"
	"github.com/onexay/perf-ledger/internal/storage"
	"github.com/onexay/perf-ledger/internal/types"
)

// Batch is a set of commit reports submitted by one build agent.
type Batch struct {
	SlaveName     string          `json:"slaveName"`
	SlavePassword string          `json:"slavePassword"`
	Commits       []CommitPayload `json:"commits"`
}

// CommitPayload is one reported commit inside a Batch.
type CommitPayload struct {
	Repository string         `json:"repository"`
	Revision   string         `json:"revision"`
	Time       string         `json:"time"`
	Parent     *string        `json:"parent,omitempty"`
	Author     *AuthorPayload `json:"author,omitempty"`
	Message    *string        `json:"message,omitempty"`
}

// AuthorPayload identifies a commit author.
type AuthorPayload struct {
	Name    *string `json:"name"`
	Account *string `json:"account"`
}

// EntryResult is the outcome of one batch entry.
type EntryResult struct {
	Index      int             `json:"index"`
	Repository string          `json:"repository,omitempty"`
	Revision   string          `json:"revision,omitempty"`
	Status     string          `json:"status"`
	Outcome    storage.Outcome `json:"outcome,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// BatchResult is the outcome of SubmitBatch.
type BatchResult struct {
	Status  string        `json:"status"`
	Entries []EntryResult `json:"entries,omitempty"`
}

// Failed returns the entries that were not applied.
func (r BatchResult) Failed() []EntryResult {
	failed := make([]EntryResult, 0)
	for _, entry := range r.Entries {
		if entry.Status != StatusOK {
			failed = append(failed, entry)
		}
	}
	return failed
}

// SubmitBatch authenticates the agent and applies each entry in order.
//
// Bad credentials abort the batch before anything is written. A malformed
// entry is recorded and its siblings still run. A storage failure stops the
// batch and is returned; entries applied before it stay applied.
func (s *Service) SubmitBatch(ctx context.Context, batch Batch) (BatchResult, error) {
	if err := s.authenticate(ctx, batch.SlaveName, batch.SlavePassword); err != nil {
		status, _ := statusFor(err)
		metrics.Batches.WithLabelValues(status).Inc()
		s.logger.Warn().Str("agent", batch.SlaveName).Err(err).Msg("rejected commit report")
		return BatchResult{Status: status}, err
	}

	if batch.Commits == nil {
		metrics.Batches.WithLabelValues(StatusMalformedEntry).Inc()
		return BatchResult{Status: StatusMalformedEntry}, &storage.ValidationError{Message: "commits are required"}
	}

	result := BatchResult{Status: StatusOK, Entries: make([]EntryResult, 0, len(batch.Commits))}
	for i, entry := range batch.Commits {
		entryResult := EntryResult{Index: i, Repository: entry.Repository, Revision: entry.Revision, Status: StatusOK}

		outcome, err := s.applyEntry(ctx, entry)
		var validation *storage.ValidationError
		switch {
		case err == nil:
			entryResult.Outcome = outcome
		case errors.As(err, &validation):
			entryResult.Status = StatusMalformedEntry
			entryResult.Error = validation.Error()
			result.Status = StatusMalformedEntry
		default:
			entryResult.Status = StatusInternalError
			result.Entries = append(result.Entries, entryResult)
			result.Status = StatusInternalError
			metrics.Batches.WithLabelValues(result.Status).Inc()
			return result, fmt.Errorf("apply commit %s/%s: %w", entry.Repository, entry.Revision, err)
		}
		result.Entries = append(result.Entries, entryResult)
	}

	metrics.Batches.WithLabelValues(result.Status).Inc()
	s.logger.Info().
		Str("agent", batch.SlaveName).
		Int("commits", len(batch.Commits)).
		Str("status", result.Status).
		Msg("processed commit report")
	return result, nil
}

func (s *Service) applyEntry(ctx context.Context, entry CommitPayload) (storage.Outcome, error) {
	report, err := entry.toReport()
	if err != nil {
		return "", err
	}

	repo, err := s.resolveRepository(ctx, entry.Repository)
	if err != nil {
		return "", err
	}
	report.RepositoryID = repo.ID

	// The parent goes in first so the child never references a missing row.
	if report.Parent != nil {
		if _, err := s.store.UpsertPlaceholder(ctx, repo.ID, *report.Parent, report.Time); err != nil {
			return "", err
		}
		metrics.ParentLinks.Inc()
	}

	res, err := s.store.UpsertReport(ctx, report)
	if err != nil {
		return "", err
	}
	metrics.CommitsIngested.WithLabelValues(string(res.Outcome)).Inc()

	if res.Discrepancy != "" {
		s.logger.Warn().
			Str("repository", repo.Name).
			Str("revision", report.Revision).
			Str("outcome", string(res.Outcome)).
			Str("diff", res.Discrepancy).
			Msg("commit report disagrees with ledger")
	}
	s.logger.Debug().
		Str("repository", repo.Name).
		Str("revision", report.Revision).
		Str("outcome", string(res.Outcome)).
		Msg("applied commit report")
	return res.Outcome, nil
}

func (s *Service) resolveRepository(ctx context.Context, name string) (types.Repository, error) {
	// The shared call outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.repos.Do(name, func() (any, error) {
		return s.store.ResolveRepository(shared, name)
	})
	if err != nil {
		return types.Repository{}, err
	}
	return v.(types.Repository), nil
}

func (p CommitPayload) toReport() (storage.CommitReport, error) {
	if p.Repository == "" {
		return storage.CommitReport{}, &storage.ValidationError{Message: "repository is required"}
	}
	if p.Revision == "" {
		return storage.CommitReport{}, &storage.ValidationError{Message: "revision is required"}
	}
	if p.Time == "" {
		return storage.CommitReport{}, &storage.ValidationError{Message: "time is required"}
	}

	ts, err := parseCommitTime(p.Time)
	if err != nil {
		return storage.CommitReport{}, err
	}

	report := storage.CommitReport{
		Revision: p.Revision,
		Time:     ts,
		Message:  p.Message,
	}
	if p.Parent != nil && *p.Parent != "" {
		if *p.Parent == p.Revision {
			return storage.CommitReport{}, &storage.ValidationError{Message: "commit cannot be its own parent"}
		}
		report.Parent = p.Parent
	}
	if p.Author != nil {
		report.AuthorName = p.Author.Name
		report.AuthorAccount = p.Author.Account
	}
	return report, nil
}

// localTimeLayout is ISO-8601 without a zone offset; such times are UTC.
const localTimeLayout = "2006-01-02T15:04:05.999999999"

func parseCommitTime(value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		ts, err = time.Parse(localTimeLayout, value)
	}
	if err != nil {
		return time.Time{}, &storage.ValidationError{Message: fmt.Sprintf("invalid time %q", value)}
	}
	ts = ts.UTC()
	if err := storage.ValidateTime(ts); err != nil {
		return time.Time{}, err
	}
	return ts, nil
}
