package storage

import (
	"context"
	"sync"
	"time"

	"github.com/onexay/perf-ledger/internal/types"
)

// Store defines the persistence operations of the commit ledger.
type Store interface {
	ResolveRepository(ctx context.Context, name string) (types.Repository, error)
	FindRepository(ctx context.Context, name string) (types.Repository, error)
	UpsertPlaceholder(ctx context.Context, repoID int64, revision string, ts time.Time) (types.Commit, error)
	UpsertReport(ctx context.Context, req CommitReport) (ReportResult, error)
	FindCommit(ctx context.Context, repoID int64, revision string) (types.Commit, error)
	ListCommits(ctx context.Context, opts ListCommitsOptions) ([]types.Commit, error)
	PutAgent(ctx context.Context, agent types.Agent) error
	GetAgent(ctx context.Context, name string) (types.Agent, error)
	Close() error
}

// NotFoundError signals missing records.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " " + e.Key + " not found"
}

// ConflictError signals that concurrent writers kept winning the race for a
// record until the retry budget ran out.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return e.Resource + " " + e.Key + " conflicts with existing state"
}

// ValidationError represents invalid input supplied by clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// memoryStore provides an in-memory ledger for development and testing.
type memoryStore struct {
	mu           sync.RWMutex
	repositories map[string]types.Repository
	commits      map[int64]map[string]types.Commit // repo id -> revision -> commit
	agents       map[string]types.Agent
	nextRepoID   int64
	nextSeq      int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore(opts Options) Store {
	return &memoryStore{
		repositories: make(map[string]types.Repository),
		commits:      make(map[int64]map[string]types.Commit),
		agents:       make(map[string]types.Agent),
	}
}

func (m *memoryStore) ResolveRepository(ctx context.Context, name string) (types.Repository, error) {
	if name == "" {
		return types.Repository{}, &ValidationError{Message: "repository name is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if repo, ok := m.repositories[name]; ok {
		return repo, nil
	}

	m.nextRepoID++
	repo := types.Repository{ID: m.nextRepoID, Name: name}
	m.repositories[name] = repo
	m.commits[repo.ID] = make(map[string]types.Commit)
	return repo, nil
}

func (m *memoryStore) FindRepository(ctx context.Context, name string) (types.Repository, error) {
	if name == "" {
		return types.Repository{}, &ValidationError{Message: "repository name is required"}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	repo, ok := m.repositories[name]
	if !ok {
		return types.Repository{}, &NotFoundError{Resource: "repository", Key: name}
	}
	return repo, nil
}

func (m *memoryStore) UpsertPlaceholder(ctx context.Context, repoID int64, revision string, ts time.Time) (types.Commit, error) {
	if revision == "" {
		return types.Commit{}, &ValidationError{Message: "revision is required"}
	}
	if err := ValidateTime(ts); err != nil {
		return types.Commit{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	repoCommits, err := m.repoCommitsLocked(repoID)
	if err != nil {
		return types.Commit{}, err
	}

	if existing, ok := repoCommits[revision]; ok {
		return existing, nil
	}

	m.nextSeq++
	commit := newPlaceholder(repoID, revision, ts, m.nextSeq)
	repoCommits[revision] = commit
	return commit, nil
}

func (m *memoryStore) UpsertReport(ctx context.Context, req CommitReport) (ReportResult, error) {
	if err := req.validate(); err != nil {
		return ReportResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	repoCommits, err := m.repoCommitsLocked(req.RepositoryID)
	if err != nil {
		return ReportResult{}, err
	}

	var existing *types.Commit
	if commit, ok := repoCommits[req.Revision]; ok {
		existing = &commit
	}

	seq := int64(0)
	if existing == nil {
		m.nextSeq++
		seq = m.nextSeq
	}

	commit, outcome := applyReport(existing, req, seq)
	if outcome != OutcomeUnchanged {
		repoCommits[req.Revision] = commit
	}

	return ReportResult{
		Commit:      commit,
		Outcome:     outcome,
		Discrepancy: reportDiscrepancy(commit, req),
	}, nil
}

func (m *memoryStore) FindCommit(ctx context.Context, repoID int64, revision string) (types.Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	commit, ok := m.commits[repoID][revision]
	if !ok {
		return types.Commit{}, &NotFoundError{Resource: "commit", Key: revision}
	}
	return commit, nil
}

func (m *memoryStore) ListCommits(ctx context.Context, opts ListCommitsOptions) ([]types.Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	repoCommits, ok := m.commits[opts.RepositoryID]
	if !ok {
		return []types.Commit{}, nil
	}

	all := make([]types.Commit, 0, len(repoCommits))
	for _, commit := range repoCommits {
		all = append(all, commit)
	}
	return selectCommits(all, opts), nil
}

func (m *memoryStore) PutAgent(ctx context.Context, agent types.Agent) error {
	if agent.Name == "" {
		return &ValidationError{Message: "agent name is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	agent.PasswordHash = append([]byte{}, agent.PasswordHash...)
	m.agents[agent.Name] = agent
	return nil
}

func (m *memoryStore) GetAgent(ctx context.Context, name string) (types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[name]
	if !ok {
		return types.Agent{}, &NotFoundError{Resource: "agent", Key: name}
	}
	return agent, nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) repoCommitsLocked(repoID int64) (map[string]types.Commit, error) {
	repoCommits, ok := m.commits[repoID]
	if !ok {
		return nil, &NotFoundError{Resource: "repository", Key: formatID(repoID)}
	}
	return repoCommits, nil
}
