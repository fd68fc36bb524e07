package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/onexay/perf-ledger/internal/types"
)

var (
	boltRepositoriesBucket = []byte("repositories")
	boltRepositoryIDBucket = []byte("repository_ids")
	boltCommitsBucket      = []byte("commits")
	boltTimeIndexBucket    = []byte("commit_times")
	boltAgentsBucket       = []byte("agents")
)

// boltStore keeps the ledger inside a single BoltDB file. Bolt allows one
// writer at a time, which serializes every upsert.
type boltStore struct {
	db   *bolt.DB
	once sync.Once
}

// NewBoltStore opens (or creates) a BoltDB ledger at the provided path.
func NewBoltStore(path string, opts Options) (Store, error) {
	if path == "" {
		return nil, errors.New("bolt path is required")
	}

	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(cleaned, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{boltRepositoriesBucket, boltRepositoryIDBucket, boltCommitsBucket, boltTimeIndexBucket, boltAgentsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &boltStore{db: db}, nil
}

func (s *boltStore) ResolveRepository(ctx context.Context, name string) (types.Repository, error) {
	if name == "" {
		return types.Repository{}, &ValidationError{Message: "repository name is required"}
	}

	var repo types.Repository
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		repos := tx.Bucket(boltRepositoriesBucket)
		if raw := repos.Get([]byte(name)); raw != nil {
			repo = types.Repository{ID: int64(binary.BigEndian.Uint64(raw)), Name: name}
			return nil
		}

		seq, err := repos.NextSequence()
		if err != nil {
			return err
		}
		id := itob(seq)
		if err := repos.Put([]byte(name), id); err != nil {
			return err
		}
		if err := tx.Bucket(boltRepositoryIDBucket).Put(id, []byte(name)); err != nil {
			return err
		}
		if _, err := tx.Bucket(boltCommitsBucket).CreateBucket(id); err != nil {
			return err
		}
		if _, err := tx.Bucket(boltTimeIndexBucket).CreateBucket(id); err != nil {
			return err
		}
		repo = types.Repository{ID: int64(seq), Name: name}
		return nil
	})
	return repo, err
}

func (s *boltStore) FindRepository(ctx context.Context, name string) (types.Repository, error) {
	if name == "" {
		return types.Repository{}, &ValidationError{Message: "repository name is required"}
	}

	var repo types.Repository
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltRepositoriesBucket).Get([]byte(name))
		if raw == nil {
			return &NotFoundError{Resource: "repository", Key: name}
		}
		repo = types.Repository{ID: int64(binary.BigEndian.Uint64(raw)), Name: name}
		return nil
	})
	return repo, err
}

func (s *boltStore) UpsertPlaceholder(ctx context.Context, repoID int64, revision string, ts time.Time) (types.Commit, error) {
	if revision == "" {
		return types.Commit{}, &ValidationError{Message: "revision is required"}
	}
	if err := ValidateTime(ts); err != nil {
		return types.Commit{}, err
	}

	return s.updateCommit(ctx, repoID, revision, func(existing *types.Commit, seq uint64) (types.Commit, bool) {
		if existing != nil {
			return *existing, false
		}
		return newPlaceholder(repoID, revision, ts, int64(seq)), true
	})
}

func (s *boltStore) UpsertReport(ctx context.Context, req CommitReport) (ReportResult, error) {
	if err := req.validate(); err != nil {
		return ReportResult{}, err
	}

	var outcome Outcome
	commit, err := s.updateCommit(ctx, req.RepositoryID, req.Revision, func(existing *types.Commit, seq uint64) (types.Commit, bool) {
		var merged types.Commit
		merged, outcome = applyReport(existing, req, int64(seq))
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

// updateCommit hands fn the current record and the sequence a new record
// would get, then stores fn's result when asked to.
func (s *boltStore) updateCommit(ctx context.Context, repoID int64, revision string, fn func(existing *types.Commit, seq uint64) (types.Commit, bool)) (types.Commit, error) {
	var result types.Commit
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		id := itob(uint64(repoID))
		commits := tx.Bucket(boltCommitsBucket).Bucket(id)
		index := tx.Bucket(boltTimeIndexBucket).Bucket(id)
		if commits == nil || index == nil {
			return &NotFoundError{Resource: "repository", Key: formatID(repoID)}
		}

		var existing *types.Commit
		if raw := commits.Get([]byte(revision)); raw != nil {
			var commit types.Commit
			if err := json.Unmarshal(raw, &commit); err != nil {
				return err
			}
			existing = &commit
		}

		var seq uint64
		if existing == nil {
			next, err := tx.Bucket(boltCommitsBucket).NextSequence()
			if err != nil {
				return err
			}
			seq = next
		}

		commit, write := fn(existing, seq)
		result = commit
		if !write {
			return nil
		}

		payload, err := json.Marshal(commit)
		if err != nil {
			return err
		}
		if err := commits.Put([]byte(revision), payload); err != nil {
			return err
		}
		if existing == nil {
			return index.Put(timeIndexKey(commit.Time, commit.Seq), []byte(revision))
		}
		return nil
	})
	if err != nil {
		return types.Commit{}, err
	}
	return result, nil
}

func (s *boltStore) FindCommit(ctx context.Context, repoID int64, revision string) (types.Commit, error) {
	var commit types.Commit
	err := s.db.View(func(tx *bolt.Tx) error {
		commits := tx.Bucket(boltCommitsBucket).Bucket(itob(uint64(repoID)))
		if commits == nil {
			return &NotFoundError{Resource: "commit", Key: revision}
		}
		raw := commits.Get([]byte(revision))
		if raw == nil {
			return &NotFoundError{Resource: "commit", Key: revision}
		}
		return json.Unmarshal(raw, &commit)
	})
	return commit, err
}

func (s *boltStore) ListCommits(ctx context.Context, opts ListCommitsOptions) ([]types.Commit, error) {
	result := []types.Commit{}
	err := s.db.View(func(tx *bolt.Tx) error {
		id := itob(uint64(opts.RepositoryID))
		commits := tx.Bucket(boltCommitsBucket).Bucket(id)
		index := tx.Bucket(boltTimeIndexBucket).Bucket(id)
		if commits == nil || index == nil {
			return nil
		}

		var upper []byte
		if !opts.To.IsZero() {
			upper = timeIndexKey(opts.To, -1)
		}

		c := index.Cursor()
		k, v := c.First()
		if !opts.From.IsZero() {
			k, v = c.Seek(timeIndexKey(opts.From, 0))
		}
		for ; k != nil; k, v = c.Next() {
			if upper != nil && bytes.Compare(k, upper) > 0 {
				break
			}
			raw := commits.Get(v)
			if raw == nil {
				continue
			}
			var commit types.Commit
			if err := json.Unmarshal(raw, &commit); err != nil {
				return err
			}
			result = append(result, commit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return selectCommits(result, opts), nil
}

func (s *boltStore) PutAgent(ctx context.Context, agent types.Agent) error {
	if agent.Name == "" {
		return &ValidationError{Message: "agent name is required"}
	}

	payload, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltAgentsBucket).Put([]byte(agent.Name), payload)
	})
}

func (s *boltStore) GetAgent(ctx context.Context, name string) (types.Agent, error) {
	var agent types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltAgentsBucket).Get([]byte(name))
		if raw == nil {
			return &NotFoundError{Resource: "agent", Key: name}
		}
		return json.Unmarshal(raw, &agent)
	})
	return agent, err
}

// Close shuts down the Bolt DB.
func (s *boltStore) Close() error {
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// timeIndexKey orders keys by time, then by sequence. The sign bit is
// flipped so times before 1970 still sort first. A negative seq yields the
// largest key for that instant.
func timeIndexKey(ts time.Time, seq int64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], uint64(ts.UnixNano())^(1<<63))
	binary.BigEndian.PutUint64(b[8:], uint64(seq))
	return b
}
