package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onexay/perf-ledger/internal/types"
)

// runLedgerSuite exercises the Store contract against one backend. newStore
// must return an empty store.
func runLedgerSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("RepositoryDirectory", func(t *testing.T) { testRepositoryDirectory(t, newStore(t)) })
	t.Run("PlaceholderThenReport", func(t *testing.T) { testPlaceholderThenReport(t, newStore(t)) })
	t.Run("IdempotentReport", func(t *testing.T) { testIdempotentReport(t, newStore(t)) })
	t.Run("ListOrderedByTime", func(t *testing.T) { testListOrderedByTime(t, newStore(t)) })
	t.Run("UnknownRepositoryID", func(t *testing.T) { testUnknownRepositoryID(t, newStore(t)) })
	t.Run("Agents", func(t *testing.T) { testAgents(t, newStore(t)) })
	t.Run("ConcurrentUpserts", func(t *testing.T) { testConcurrentUpserts(t, newStore(t)) })
	t.Run("TimeRange", func(t *testing.T) { testTimeRange(t, newStore(t)) })
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return ts
}

func strPtr(s string) *string { return &s }

func testRepositoryDirectory(t *testing.T, store Store) {
	ctx := context.Background()

	if _, err := store.FindRepository(ctx, "WebKit"); !isNotFound(err, "repository") {
		t.Fatalf("expected repository not found, got %v", err)
	}

	webkit, err := store.ResolveRepository(ctx, "WebKit")
	if err != nil {
		t.Fatalf("ResolveRepository: %v", err)
	}
	if webkit.ID == 0 || webkit.Name != "WebKit" {
		t.Fatalf("unexpected repository %+v", webkit)
	}

	again, err := store.ResolveRepository(ctx, "WebKit")
	if err != nil {
		t.Fatalf("second ResolveRepository: %v", err)
	}
	if again.ID != webkit.ID {
		t.Fatalf("expected stable id %d, got %d", webkit.ID, again.ID)
	}

	lower, err := store.ResolveRepository(ctx, "webkit")
	if err != nil {
		t.Fatalf("ResolveRepository lower: %v", err)
	}
	if lower.ID == webkit.ID {
		t.Fatalf("repository names must be case-sensitive")
	}

	found, err := store.FindRepository(ctx, "WebKit")
	if err != nil {
		t.Fatalf("FindRepository: %v", err)
	}
	if found != webkit {
		t.Fatalf("expected %+v, got %+v", webkit, found)
	}

	var validation *ValidationError
	if _, err := store.ResolveRepository(ctx, ""); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for empty name, got %v", err)
	}
}

func testPlaceholderThenReport(t *testing.T, store Store) {
	ctx := context.Background()
	repo, err := store.ResolveRepository(ctx, "WebKit")
	if err != nil {
		t.Fatalf("ResolveRepository: %v", err)
	}

	placeholderTime := mustTime(t, "2017-01-20T03:49:37.887Z")
	placeholder, err := store.UpsertPlaceholder(ctx, repo.ID, "210950", placeholderTime)
	if err != nil {
		t.Fatalf("UpsertPlaceholder: %v", err)
	}
	if placeholder.Reported || placeholder.AuthorName != nil || placeholder.Message != nil || placeholder.Parent != nil {
		t.Fatalf("unexpected placeholder %+v", placeholder)
	}

	// A second placeholder with a different time must not move the first one.
	same, err := store.UpsertPlaceholder(ctx, repo.ID, "210950", placeholderTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("second UpsertPlaceholder: %v", err)
	}
	if !same.Time.Equal(placeholderTime) {
		t.Fatalf("placeholder time changed to %s", same.Time)
	}

	reportTime := placeholderTime.Add(-time.Minute)
	res, err := store.UpsertReport(ctx, CommitReport{
		RepositoryID:  repo.ID,
		Revision:      "210950",
		Time:          reportTime,
		Parent:        strPtr("210949"),
		AuthorName:    strPtr("Commit Queue"),
		AuthorAccount: strPtr("commit-queue@webkit.org"),
		Message:       strPtr("another message"),
	})
	if err != nil {
		t.Fatalf("UpsertReport: %v", err)
	}
	if res.Outcome != OutcomeUpgraded {
		t.Fatalf("expected upgraded outcome, got %s", res.Outcome)
	}
	if res.Discrepancy == "" {
		t.Fatalf("expected a time discrepancy to be described")
	}

	stored, err := store.FindCommit(ctx, repo.ID, "210950")
	if err != nil {
		t.Fatalf("FindCommit: %v", err)
	}
	if !stored.Reported {
		t.Fatalf("expected commit to be reported")
	}
	if !stored.Time.Equal(placeholderTime) {
		t.Fatalf("expected placeholder time %s to win, got %s", placeholderTime, stored.Time)
	}
	if stored.AuthorName == nil || *stored.AuthorName != "Commit Queue" {
		t.Fatalf("unexpected author %v", stored.AuthorName)
	}
	if stored.Parent == nil || *stored.Parent != "210949" {
		t.Fatalf("unexpected parent %v", stored.Parent)
	}
	if stored.Seq != placeholder.Seq {
		t.Fatalf("upgrade must keep insertion sequence %d, got %d", placeholder.Seq, stored.Seq)
	}

	if _, err := store.FindCommit(ctx, repo.ID, "210951"); !isNotFound(err, "commit") {
		t.Fatalf("expected commit not found, got %v", err)
	}
}

func testIdempotentReport(t *testing.T, store Store) {
	ctx := context.Background()
	repo, err := store.ResolveRepository(ctx, "WebKit")
	if err != nil {
		t.Fatalf("ResolveRepository: %v", err)
	}

	report := CommitReport{
		RepositoryID:  repo.ID,
		Revision:      "210949",
		Time:          mustTime(t, "2017-01-20T03:23:50.645Z"),
		AuthorName:    strPtr("Chris Dumez"),
		AuthorAccount: strPtr("cdumez@apple.com"),
		Message:       strPtr("some message"),
	}

	first, err := store.UpsertReport(ctx, report)
	if err != nil {
		t.Fatalf("UpsertReport: %v", err)
	}
	if first.Outcome != OutcomeCreated {
		t.Fatalf("expected created outcome, got %s", first.Outcome)
	}
	if first.Discrepancy != "" {
		t.Fatalf("unexpected discrepancy on create: %s", first.Discrepancy)
	}

	second, err := store.UpsertReport(ctx, report)
	if err != nil {
		t.Fatalf("repeated UpsertReport: %v", err)
	}
	if second.Outcome != OutcomeUnchanged || second.Discrepancy != "" {
		t.Fatalf("expected silent no-op, got %s %q", second.Outcome, second.Discrepancy)
	}

	changed := report
	changed.AuthorName = strPtr("Someone Else")
	changed.Message = strPtr("rewritten")
	changed.Parent = strPtr("210900")
	changed.Time = report.Time.Add(time.Hour)
	third, err := store.UpsertReport(ctx, changed)
	if err != nil {
		t.Fatalf("conflicting UpsertReport: %v", err)
	}
	if third.Outcome != OutcomeUnchanged {
		t.Fatalf("expected unchanged outcome, got %s", third.Outcome)
	}
	if third.Discrepancy == "" {
		t.Fatalf("expected discrepancy for conflicting report")
	}

	stored, err := store.FindCommit(ctx, repo.ID, "210949")
	if err != nil {
		t.Fatalf("FindCommit: %v", err)
	}
	if *stored.AuthorName != "Chris Dumez" || *stored.Message != "some message" || stored.Parent != nil {
		t.Fatalf("reported commit was overwritten: %+v", stored)
	}
	if !stored.Time.Equal(report.Time) {
		t.Fatalf("reported time was overwritten: %s", stored.Time)
	}

	// A placeholder request never weakens a reported commit.
	after, err := store.UpsertPlaceholder(ctx, repo.ID, "210949", report.Time.Add(-time.Hour))
	if err != nil {
		t.Fatalf("UpsertPlaceholder: %v", err)
	}
	if !after.Reported || !after.Time.Equal(report.Time) {
		t.Fatalf("placeholder downgraded reported commit: %+v", after)
	}
}

func testListOrderedByTime(t *testing.T, store Store) {
	ctx := context.Background()
	repo, err := store.ResolveRepository(ctx, "WebKit")
	if err != nil {
		t.Fatalf("ResolveRepository: %v", err)
	}
	other, err := store.ResolveRepository(ctx, "Safari")
	if err != nil {
		t.Fatalf("ResolveRepository: %v", err)
	}

	base := mustTime(t, "2017-01-20T02:52:34.577Z")
	// Reported out of time order; "c" and "d" share a timestamp.
	reports := []struct {
		revision string
		offset   time.Duration
	}{
		{"c", 2 * time.Minute},
		{"a", 0},
		{"d", 2 * time.Minute},
		{"b", time.Minute},
	}
	for _, r := range reports {
		if _, err := store.UpsertReport(ctx, CommitReport{RepositoryID: repo.ID, Revision: r.revision, Time: base.Add(r.offset)}); err != nil {
			t.Fatalf("UpsertReport %s: %v", r.revision, err)
		}
	}
	if _, err := store.UpsertPlaceholder(ctx, repo.ID, "p", base.Add(90*time.Second)); err != nil {
		t.Fatalf("UpsertPlaceholder: %v", err)
	}
	if _, err := store.UpsertReport(ctx, CommitReport{RepositoryID: other.ID, Revision: "x", Time: base.Add(time.Minute)}); err != nil {
		t.Fatalf("UpsertReport other: %v", err)
	}

	all, err := store.ListCommits(ctx, ListCommitsOptions{RepositoryID: repo.ID})
	if err != nil {
		t.Fatalf("ListCommits: %v", err)
	}
	assertRevisions(t, all, "a", "b", "p", "c", "d")

	reported, err := store.ListCommits(ctx, ListCommitsOptions{RepositoryID: repo.ID, ReportedOnly: true})
	if err != nil {
		t.Fatalf("ListCommits reported: %v", err)
	}
	assertRevisions(t, reported, "a", "b", "c", "d")

	window, err := store.ListCommits(ctx, ListCommitsOptions{
		RepositoryID: repo.ID,
		ReportedOnly: true,
		From:         base.Add(time.Minute),
		To:           base.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("ListCommits window: %v", err)
	}
	assertRevisions(t, window, "b", "c", "d")

	latest, err := store.ListCommits(ctx, ListCommitsOptions{RepositoryID: repo.ID, ReportedOnly: true, Descending: true, Limit: 1})
	if err != nil {
		t.Fatalf("ListCommits latest: %v", err)
	}
	assertRevisions(t, latest, "d")

	oldest, err := store.ListCommits(ctx, ListCommitsOptions{RepositoryID: repo.ID, ReportedOnly: true, Limit: 1})
	if err != nil {
		t.Fatalf("ListCommits oldest: %v", err)
	}
	assertRevisions(t, oldest, "a")

	empty, err := store.ListCommits(ctx, ListCommitsOptions{RepositoryID: repo.ID, From: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("ListCommits empty: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", empty)
	}
}

func testUnknownRepositoryID(t *testing.T, store Store) {
	ctx := context.Background()
	ts := mustTime(t, "2017-01-20T02:52:34.577Z")

	if _, err := store.UpsertPlaceholder(ctx, 42, "1", ts); !isNotFound(err, "repository") {
		t.Fatalf("expected repository not found for placeholder, got %v", err)
	}
	if _, err := store.UpsertReport(ctx, CommitReport{RepositoryID: 42, Revision: "1", Time: ts}); !isNotFound(err, "repository") {
		t.Fatalf("expected repository not found for report, got %v", err)
	}
}

func testAgents(t *testing.T, store Store) {
	ctx := context.Background()

	if _, err := store.GetAgent(ctx, "someSlave"); !isNotFound(err, "agent") {
		t.Fatalf("expected agent not found, got %v", err)
	}
	if err := store.PutAgent(ctx, types.Agent{Name: "someSlave", PasswordHash: []byte("hash-1")}); err != nil {
		t.Fatalf("PutAgent: %v", err)
	}
	if err := store.PutAgent(ctx, types.Agent{Name: "someSlave", PasswordHash: []byte("hash-2")}); err != nil {
		t.Fatalf("PutAgent replace: %v", err)
	}
	agent, err := store.GetAgent(ctx, "someSlave")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if string(agent.PasswordHash) != "hash-2" {
		t.Fatalf("unexpected password hash %q", agent.PasswordHash)
	}
}

func testConcurrentUpserts(t *testing.T, store Store) {
	ctx := context.Background()
	ts := mustTime(t, "2017-01-20T02:52:34.577Z")

	const workers = 8
	var wg sync.WaitGroup
	ids := make([]int64, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			repo, err := store.ResolveRepository(ctx, "WebKit")
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = repo.ID
			if i%2 == 0 {
				_, err = store.UpsertPlaceholder(ctx, repo.ID, "210948", ts.Add(time.Duration(i)*time.Second))
			} else {
				_, err = store.UpsertReport(ctx, CommitReport{
					RepositoryID: repo.ID,
					Revision:     "210948",
					Time:         ts.Add(time.Duration(i) * time.Second),
					AuthorName:   strPtr("Zalan Bujtas"),
				})
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d resolved repository id %d, want %d", i, ids[i], ids[0])
		}
	}

	commits, err := store.ListCommits(ctx, ListCommitsOptions{RepositoryID: ids[0]})
	if err != nil {
		t.Fatalf("ListCommits: %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("expected exactly one commit row, got %d", len(commits))
	}
	if !commits[0].Reported {
		t.Fatalf("expected a report to win over placeholders")
	}
}

func testTimeRange(t *testing.T, store Store) {
	ctx := context.Background()
	repo, err := store.ResolveRepository(ctx, "WebKit")
	if err != nil {
		t.Fatalf("ResolveRepository: %v", err)
	}

	var validation *ValidationError
	_, err = store.UpsertReport(ctx, CommitReport{RepositoryID: repo.ID, Revision: "future", Time: mustTime(t, "2300-01-01T00:00:00Z")})
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error for year 2300 report, got %v", err)
	}
	_, err = store.UpsertPlaceholder(ctx, repo.ID, "past", mustTime(t, "1600-01-01T00:00:00Z"))
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error for year 1600 placeholder, got %v", err)
	}
	if _, err := store.FindCommit(ctx, repo.ID, "future"); !isNotFound(err, "commit") {
		t.Fatalf("rejected report must not be stored, got %v", err)
	}

	near := mustTime(t, "1678-01-01T00:00:00Z")
	far := mustTime(t, "2262-01-01T00:00:00Z")
	for revision, ts := range map[string]time.Time{
		"near":  near,
		"today": mustTime(t, "2017-01-20T02:52:34.577Z"),
		"far":   far,
	} {
		if _, err := store.UpsertReport(ctx, CommitReport{RepositoryID: repo.ID, Revision: revision, Time: ts}); err != nil {
			t.Fatalf("UpsertReport %s: %v", revision, err)
		}
	}

	stored, err := store.FindCommit(ctx, repo.ID, "far")
	if err != nil {
		t.Fatalf("FindCommit: %v", err)
	}
	if !stored.Time.Equal(far) {
		t.Fatalf("expected time %s, got %s", far, stored.Time)
	}

	commits, err := store.ListCommits(ctx, ListCommitsOptions{RepositoryID: repo.ID, From: near, To: far})
	if err != nil {
		t.Fatalf("ListCommits: %v", err)
	}
	assertRevisions(t, commits, "near", "today", "far")
}

func assertRevisions(t *testing.T, commits []types.Commit, want ...string) {
	t.Helper()
	if len(commits) != len(want) {
		got := make([]string, 0, len(commits))
		for _, c := range commits {
			got = append(got, c.Revision)
		}
		t.Fatalf("expected revisions %v, got %v", want, got)
	}
	for i, c := range commits {
		if c.Revision != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], c.Revision)
		}
	}
}

func isNotFound(err error, resource string) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound) && notFound.Resource == resource
}
