package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/onexay/perf-ledger/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS commits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository INTEGER NOT NULL REFERENCES repositories(id),
	revision TEXT NOT NULL,
	time INTEGER NOT NULL,
	parent TEXT,
	author_name TEXT,
	author_account TEXT,
	message TEXT,
	reported BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (repository, revision)
);

CREATE INDEX IF NOT EXISTS commits_repository_time ON commits (repository, time, id);

CREATE TABLE IF NOT EXISTS agents (
	name TEXT PRIMARY KEY,
	password_hash BLOB NOT NULL
);
`

const commitColumns = `id, repository, revision, time, parent, author_name, author_account, message, reported`

type sqliteStore struct {
	db         *sql.DB
	maxRetries int
}

// NewSQLiteStore opens a SQLite ledger and applies the schema.
func NewSQLiteStore(ctx context.Context, dsn string, opts Options) (Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps read-modify-write transactions from upgrading
	// into SQLITE_BUSY against each other.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &sqliteStore{db: db, maxRetries: opts.maxRetries()}, nil
}

func (s *sqliteStore) ResolveRepository(ctx context.Context, name string) (types.Repository, error) {
	if name == "" {
		return types.Repository{}, &ValidationError{Message: "repository name is required"}
	}

	if _, err := s.db.ExecContext(ctx, `INSERT INTO repositories (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return types.Repository{}, err
	}
	return s.FindRepository(ctx, name)
}

func (s *sqliteStore) FindRepository(ctx context.Context, name string) (types.Repository, error) {
	if name == "" {
		return types.Repository{}, &ValidationError{Message: "repository name is required"}
	}

	repo := types.Repository{Name: name}
	err := s.db.QueryRowContext(ctx, `SELECT id FROM repositories WHERE name = ?`, name).Scan(&repo.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Repository{}, &NotFoundError{Resource: "repository", Key: name}
	}
	if err != nil {
		return types.Repository{}, err
	}
	return repo, nil
}

func (s *sqliteStore) UpsertPlaceholder(ctx context.Context, repoID int64, revision string, ts time.Time) (types.Commit, error) {
	if revision == "" {
		return types.Commit{}, &ValidationError{Message: "revision is required"}
	}
	if err := ValidateTime(ts); err != nil {
		return types.Commit{}, err
	}
	if err := s.requireRepository(ctx, repoID); err != nil {
		return types.Commit{}, err
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO commits (repository, revision, time) VALUES (?, ?, ?) ON CONFLICT (repository, revision) DO NOTHING`,
		repoID, revision, ts.UTC().UnixNano()); err != nil {
		return types.Commit{}, err
	}
	return s.FindCommit(ctx, repoID, revision)
}

func (s *sqliteStore) UpsertReport(ctx context.Context, req CommitReport) (ReportResult, error) {
	if err := req.validate(); err != nil {
		return ReportResult{}, err
	}
	if err := s.requireRepository(ctx, req.RepositoryID); err != nil {
		return ReportResult{}, err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		result, err := s.upsertReportOnce(ctx, req)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, errLostRace) || isSQLiteUniqueErr(err) {
			continue
		}
		return ReportResult{}, err
	}
	return ReportResult{}, &ConflictError{Resource: "commit", Key: req.Revision}
}

var errLostRace = errors.New("commit changed concurrently")

func (s *sqliteStore) upsertReportOnce(ctx context.Context, req CommitReport) (ReportResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReportResult{}, err
	}
	defer tx.Rollback()

	var existing *types.Commit
	commit, err := scanCommit(tx.QueryRowContext(ctx,
		`SELECT `+commitColumns+` FROM commits WHERE repository = ? AND revision = ?`,
		req.RepositoryID, req.Revision))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return ReportResult{}, err
	default:
		existing = &commit
	}

	merged, outcome := applyReport(existing, req, 0)
	switch outcome {
	case OutcomeCreated:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO commits (repository, revision, time, parent, author_name, author_account, message, reported) VALUES (?, ?, ?, ?, ?, ?, ?, TRUE)`,
			merged.RepositoryID, merged.Revision, merged.Time.UnixNano(),
			nullString(merged.Parent), nullString(merged.AuthorName), nullString(merged.AuthorAccount), nullString(merged.Message))
		if err != nil {
			return ReportResult{}, err
		}
		if merged.Seq, err = res.LastInsertId(); err != nil {
			return ReportResult{}, err
		}
	case OutcomeUpgraded:
		res, err := tx.ExecContext(ctx,
			`UPDATE commits SET parent = ?, author_name = ?, author_account = ?, message = ?, reported = TRUE
			 WHERE repository = ? AND revision = ? AND reported = FALSE`,
			nullString(merged.Parent), nullString(merged.AuthorName), nullString(merged.AuthorAccount), nullString(merged.Message),
			merged.RepositoryID, merged.Revision)
		if err != nil {
			return ReportResult{}, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return ReportResult{}, err
		} else if n == 0 {
			return ReportResult{}, errLostRace
		}
	}

	if err := tx.Commit(); err != nil {
		return ReportResult{}, err
	}

	return ReportResult{
		Commit:      merged,
		Outcome:     outcome,
		Discrepancy: reportDiscrepancy(merged, req),
	}, nil
}

func (s *sqliteStore) FindCommit(ctx context.Context, repoID int64, revision string) (types.Commit, error) {
	commit, err := scanCommit(s.db.QueryRowContext(ctx,
		`SELECT `+commitColumns+` FROM commits WHERE repository = ? AND revision = ?`, repoID, revision))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Commit{}, &NotFoundError{Resource: "commit", Key: revision}
	}
	if err != nil {
		return types.Commit{}, err
	}
	return commit, nil
}

func (s *sqliteStore) ListCommits(ctx context.Context, opts ListCommitsOptions) ([]types.Commit, error) {
	conds := []string{"repository = ?"}
	args := []any{opts.RepositoryID}
	if opts.ReportedOnly {
		conds = append(conds, "reported = TRUE")
	}
	if !opts.From.IsZero() {
		conds = append(conds, "time >= ?")
		args = append(args, opts.From.UTC().UnixNano())
	}
	if !opts.To.IsZero() {
		conds = append(conds, "time <= ?")
		args = append(args, opts.To.UTC().UnixNano())
	}

	order := "ASC"
	if opts.Descending {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM commits WHERE %s ORDER BY time %s, id %s`,
		commitColumns, strings.Join(conds, " AND "), order, order)
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []types.Commit{}
	for rows.Next() {
		commit, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, commit)
	}
	return result, rows.Err()
}

func (s *sqliteStore) PutAgent(ctx context.Context, agent types.Agent) error {
	if agent.Name == "" {
		return &ValidationError{Message: "agent name is required"}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (name, password_hash) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET password_hash = excluded.password_hash`,
		agent.Name, agent.PasswordHash)
	return err
}

func (s *sqliteStore) GetAgent(ctx context.Context, name string) (types.Agent, error) {
	agent := types.Agent{Name: name}
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM agents WHERE name = ?`, name).Scan(&agent.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Agent{}, &NotFoundError{Resource: "agent", Key: name}
	}
	if err != nil {
		return types.Agent{}, err
	}
	return agent, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) requireRepository(ctx context.Context, repoID int64) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM repositories WHERE id = ?`, repoID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return &NotFoundError{Resource: "repository", Key: formatID(repoID)}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommit(row rowScanner) (types.Commit, error) {
	var (
		commit                                 types.Commit
		nanos                                  int64
		parent, authorName, authorAccount, msg sql.NullString
	)
	if err := row.Scan(&commit.Seq, &commit.RepositoryID, &commit.Revision, &nanos,
		&parent, &authorName, &authorAccount, &msg, &commit.Reported); err != nil {
		return types.Commit{}, err
	}
	commit.Time = time.Unix(0, nanos).UTC()
	commit.Parent = stringPtr(parent)
	commit.AuthorName = stringPtr(authorName)
	commit.AuthorAccount = stringPtr(authorAccount)
	commit.Message = stringPtr(msg)
	return commit, nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isSQLiteUniqueErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
