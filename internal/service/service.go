package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/onexay/perf-ledger/internal/config"
	"github.com/onexay/perf-ledger/internal/metrics"
	"github.com/onexay/perf-ledger/internal/storage"
	"github.com/onexay/perf-ledger/internal/types"
)

const maxReportBytes = 8 << 20

// Service holds business logic and storage dependencies.
type Service struct {
	store  storage.Store
	logger zerolog.Logger
	repos  singleflight.Group
}

// New constructs the service wiring.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Service, error) {
	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := SeedAgents(ctx, store, cfg.Agents); err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Info().
		Str("backend", string(cfg.Storage.Backend)).
		Int("agents", len(cfg.Agents)).
		Msg("opened commit ledger")
	return NewWithStore(store, logger), nil
}

// NewWithStore wraps an already opened store.
func NewWithStore(store storage.Store, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// OpenStore opens the backend selected by cfg.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	options := storage.Options{MaxRetries: cfg.MaxRetries}

	switch cfg.Backend {
	case config.StorageBackendKeyDB:
		return storage.NewKeyDBStore(cfg.KeyDB, options)
	case config.StorageBackendBolt:
		return storage.NewBoltStore(cfg.BoltPath, options)
	case config.StorageBackendSQLite:
		return storage.NewSQLiteStore(ctx, cfg.SQLiteDSN, options)
	default:
		return storage.NewMemoryStore(options), nil
	}
}

// Store exposes the underlying ledger store.
func (s *Service) Store() storage.Store {
	return s.store
}

// Close releases the storage backend.
func (s *Service) Close() error {
	return s.store.Close()
}

// Handler builds the REST routes for the service.
func Handler(svc *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/swagger") {
			svc.handleSwagger(w, r, strings.TrimPrefix(r.URL.Path, "/swagger"))
			return
		}

		path := strings.TrimPrefix(r.URL.EscapedPath(), "/api")
		switch {
		case path == "/report-commits" || path == "/report-commits/":
			svc.handleReportCommits(w, r)
		case strings.HasPrefix(path, "/commits/"):
			svc.handleCommits(w, r, strings.TrimPrefix(path, "/commits/"))
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
		}
	})
}

func (s *Service) handleReportCommits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var batch Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBytes)).Decode(&batch); err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: StatusInvalidPayload})
		return
	}

	result, err := s.SubmitBatch(r.Context(), batch)
	if err != nil {
		var validation *storage.ValidationError
		if errors.As(err, &validation) {
			writeJSON(w, http.StatusBadRequest, statusResponse{Status: StatusMalformedEntry})
			return
		}
		s.writeError(w, err)
		return
	}

	if result.Status != StatusOK {
		writeJSON(w, http.StatusBadRequest, reportResponse{Status: result.Status, Entries: result.Failed()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: StatusOK})
}

func (s *Service) handleCommits(w http.ResponseWriter, r *http.Request, tail string) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	query, err := parseCommitQuery(tail, r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: StatusInvalidArguments})
		return
	}

	commits, err := s.QueryCommits(r.Context(), query)
	status, _ := statusFor(err)
	metrics.Queries.WithLabelValues(query.shape(), status).Inc()
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]commitView, 0, len(commits))
	for _, commit := range commits {
		views = append(views, newCommitView(commit))
	}
	writeJSON(w, http.StatusOK, commitsResponse{Status: StatusOK, Commits: views})
}

// parseCommitQuery reads "<repository>[/<selector>]" plus from/to.
func parseCommitQuery(tail string, values url.Values) (CommitQuery, error) {
	parts := strings.SplitN(strings.Trim(tail, "/"), "/", 2)

	repo, err := url.PathUnescape(parts[0])
	if err != nil {
		return CommitQuery{}, err
	}
	if repo == "" {
		return CommitQuery{}, fmt.Errorf("repository name required")
	}

	query := CommitQuery{
		Repository: repo,
		From:       values.Get("from"),
		To:         values.Get("to"),
	}
	if len(parts) == 2 {
		selector, err := url.PathUnescape(strings.Trim(parts[1], "/"))
		if err != nil {
			return CommitQuery{}, err
		}
		query.Selector = selector
	}
	return query, nil
}

type statusResponse struct {
	Status string `json:"status"`
}

type reportResponse struct {
	Status  string        `json:"status"`
	Entries []EntryResult `json:"entries"`
}

type commitsResponse struct {
	Status  string       `json:"status"`
	Commits []commitView `json:"commits"`
}

type commitView struct {
	Revision string     `json:"revision"`
	Time     string     `json:"time"`
	Parent   *string    `json:"parent"`
	Author   authorView `json:"author"`
	Message  *string    `json:"message"`
}

type authorView struct {
	Name    *string `json:"name"`
	Account *string `json:"account"`
}

func newCommitView(commit types.Commit) commitView {
	return commitView{
		Revision: commit.Revision,
		Time:     types.FormatTime(commit.Time),
		Parent:   commit.Parent,
		Author: authorView{
			Name:    commit.AuthorName,
			Account: commit.AuthorAccount,
		},
		Message: commit.Message,
	}
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, statusResponse{Status: status})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
