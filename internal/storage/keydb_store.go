package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/onexay/perf-ledger/internal/types"
)

const (
	repoSeqKey           = "repo:seq"
	commitSeqKey         = "commit:seq"
	repoCommitsKeyPrefix = "repo:commits"
)

type keydbStore struct {
	client     *redis.Client
	maxRetries int
}

// Config defines KeyDB connection settings.
type Config struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database int    `yaml:"database"`
}

// NewKeyDBStore initializes a Store backed by KeyDB.
func NewKeyDBStore(cfg Config, opts Options) (Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}

	redisOpts := &redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.Database,
	}

	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to keydb: %w", err)
	}

	return &keydbStore{
		client:     client,
		maxRetries: opts.maxRetries(),
	}, nil
}

func (s *keydbStore) ResolveRepository(ctx context.Context, name string) (types.Repository, error) {
	repo, err := s.FindRepository(ctx, name)
	if err == nil {
		return repo, nil
	}
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		return types.Repository{}, err
	}

	id, err := s.client.Incr(ctx, repoSeqKey).Result()
	if err != nil {
		return types.Repository{}, err
	}

	// The id -> name entry goes in first so the id is usable the moment the
	// name -> id entry becomes visible. SETNX decides the winner when two
	// writers create the same name.
	if err := s.client.Set(ctx, repoNameKey(id), name, 0).Err(); err != nil {
		return types.Repository{}, err
	}
	created, err := s.client.SetNX(ctx, repoIDKey(name), id, 0).Result()
	if err != nil {
		return types.Repository{}, err
	}
	if !created {
		_ = s.client.Del(ctx, repoNameKey(id)).Err()
		return s.FindRepository(ctx, name)
	}
	return types.Repository{ID: id, Name: name}, nil
}

func (s *keydbStore) FindRepository(ctx context.Context, name string) (types.Repository, error) {
	if name == "" {
		return types.Repository{}, &ValidationError{Message: "repository name is required"}
	}

	id, err := s.client.Get(ctx, repoIDKey(name)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Repository{}, &NotFoundError{Resource: "repository", Key: name}
		}
		return types.Repository{}, err
	}
	return types.Repository{ID: id, Name: name}, nil
}

func (s *keydbStore) UpsertPlaceholder(ctx context.Context, repoID int64, revision string, ts time.Time) (types.Commit, error) {
	if revision == "" {
		return types.Commit{}, &ValidationError{Message: "revision is required"}
	}
	if err := ValidateTime(ts); err != nil {
		return types.Commit{}, err
	}

	commit, err := s.updateCommit(ctx, repoID, revision, func(existing *types.Commit) (types.Commit, bool) {
		if existing != nil {
			return *existing, false
		}
		return newPlaceholder(repoID, revision, ts, 0), true
	})
	return commit, err
}

func (s *keydbStore) UpsertReport(ctx context.Context, req CommitReport) (ReportResult, error) {
	if err := req.validate(); err != nil {
		return ReportResult{}, err
	}

	var outcome Outcome
	commit, err := s.updateCommit(ctx, req.RepositoryID, req.Revision, func(existing *types.Commit) (types.Commit, bool) {
		var merged types.Commit
		merged, outcome = applyReport(existing, req, 0)
		return merged, outcome != OutcomeUnchanged
	})
	if err != nil {
		return ReportResult{}, err
	}

	return ReportResult{
		Commit:      commit,
		Outcome:     outcome,
		Discrepancy: reportDiscrepancy(commit, req),
	}, nil
}

// updateCommit runs fn against the current record under WATCH and writes its
// result when fn asks for it. Lost races are retried up to maxRetries times.
func (s *keydbStore) updateCommit(ctx context.Context, repoID int64, revision string, fn func(existing *types.Commit) (types.Commit, bool)) (types.Commit, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	key := commitKey(repoID, revision)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var result types.Commit

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			exists, err := tx.Exists(ctx, repoNameKey(repoID)).Result()
			if err != nil {
				return err
			}
			if exists == 0 {
				return &NotFoundError{Resource: "repository", Key: formatID(repoID)}
			}

			var existing *types.Commit
			commitBytes, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				// first writer
			} else if err != nil {
				return err
			} else {
				var commit types.Commit
				if err := json.Unmarshal(commitBytes, &commit); err != nil {
					return err
				}
				existing = &commit
			}

			commit, write := fn(existing)
			result = commit
			if !write {
				return nil
			}

			if existing == nil {
				seq, err := tx.Incr(ctx, commitSeqKey).Result()
				if err != nil {
					return err
				}
				commit.Seq = seq
				result = commit
			}

			payload, err := json.Marshal(commit)
			if err != nil {
				return err
			}

			pipe := tx.TxPipeline()
			pipe.Set(ctx, key, payload, 0)
			if existing == nil {
				pipe.ZAdd(ctx, repoCommitsKey(repoID), redis.Z{Score: float64(commit.Time.UnixMilli()), Member: revision})
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			return nil
		}, key)

		if err == nil {
			return result, nil
		}

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return types.Commit{}, err
	}

	return types.Commit{}, &ConflictError{Resource: "commit", Key: revision}
}

func (s *keydbStore) FindCommit(ctx context.Context, repoID int64, revision string) (types.Commit, error) {
	commitBytes, err := s.client.Get(ctx, commitKey(repoID, revision)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Commit{}, &NotFoundError{Resource: "commit", Key: revision}
		}
		return types.Commit{}, err
	}

	var commit types.Commit
	if err := json.Unmarshal(commitBytes, &commit); err != nil {
		return types.Commit{}, err
	}
	return commit, nil
}

func (s *keydbStore) ListCommits(ctx context.Context, opts ListCommitsOptions) ([]types.Commit, error) {
	// Scores are millisecond-truncated, so the window is widened here and
	// narrowed exactly by selectCommits.
	window := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !opts.From.IsZero() {
		window.Min = strconv.FormatInt(opts.From.UnixMilli(), 10)
	}
	if !opts.To.IsZero() {
		window.Max = strconv.FormatInt(opts.To.UnixMilli(), 10)
	}

	revisions, err := s.client.ZRangeByScore(ctx, repoCommitsKey(opts.RepositoryID), window).Result()
	if err != nil {
		return nil, err
	}
	if len(revisions) == 0 {
		return []types.Commit{}, nil
	}

	keys := make([]string, 0, len(revisions))
	for _, revision := range revisions {
		keys = append(keys, commitKey(opts.RepositoryID, revision))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	commits := make([]types.Commit, 0, len(values))
	for _, value := range values {
		payload, ok := value.(string)
		if !ok {
			continue
		}
		var commit types.Commit
		if err := json.Unmarshal([]byte(payload), &commit); err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	return selectCommits(commits, opts), nil
}

func (s *keydbStore) PutAgent(ctx context.Context, agent types.Agent) error {
	if agent.Name == "" {
		return &ValidationError{Message: "agent name is required"}
	}

	payload, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, agentKey(agent.Name), payload, 0).Err()
}

func (s *keydbStore) GetAgent(ctx context.Context, name string) (types.Agent, error) {
	bytes, err := s.client.Get(ctx, agentKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Agent{}, &NotFoundError{Resource: "agent", Key: name}
		}
		return types.Agent{}, err
	}

	var agent types.Agent
	if err := json.Unmarshal(bytes, &agent); err != nil {
		return types.Agent{}, err
	}
	return agent, nil
}

func (s *keydbStore) Close() error {
	return s.client.Close()
}

func repoIDKey(name string) string {
	return fmt.Sprintf("repo:id:%s", name)
}

func repoNameKey(id int64) string {
	return fmt.Sprintf("repo:name:%d", id)
}

func commitKey(repoID int64, revision string) string {
	return fmt.Sprintf("commit:%d:%s", repoID, revision)
}

func repoCommitsKey(repoID int64) string {
	return fmt.Sprintf("%s:%d", repoCommitsKeyPrefix, repoID)
}

func agentKey(name string) string {
	return fmt.Sprintf("agent:%s", name)
}
