package types

import "time"

// Repository is a tracked source-control repository.
type Repository struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Commit is a single revision recorded in a repository's ledger.
//
// A commit created only as another commit's parent is a placeholder: it has a
// time but no author, message or parent, and Reported is false. A full report
// from a build agent fills those fields in and sets Reported.
type Commit struct {
	RepositoryID  int64     `json:"repository"`
	Revision      string    `json:"revision"`
	Time          time.Time `json:"time"`
	Parent        *string   `json:"parent,omitempty"`
	AuthorName    *string   `json:"authorName,omitempty"`
	AuthorAccount *string   `json:"authorAccount,omitempty"`
	Message       *string   `json:"message,omitempty"`
	Reported      bool      `json:"reported"`
	Seq           int64     `json:"seq"`
}

// IsPlaceholder reports whether the commit has not been reported yet.
func (c Commit) IsPlaceholder() bool {
	return !c.Reported
}

// Agent is a build agent allowed to report commits.
type Agent struct {
	Name         string `json:"name"`
	PasswordHash []byte `json:"passwordHash"`
}

// TimeLayout is the canonical wire format for commit times.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
