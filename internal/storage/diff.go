package storage

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/onexay/perf-ledger/internal/types"
)

// reportDiscrepancy diffs the stored commit against what a report claimed.
// It returns an empty string when they agree.
func reportDiscrepancy(stored types.Commit, req CommitReport) string {
	previous := describeCommit(stored.Time.UTC().Format(types.TimeLayout), stored.Parent, stored.AuthorName, stored.AuthorAccount, stored.Message)
	current := describeCommit(req.Time.UTC().Format(types.TimeLayout), req.Parent, req.AuthorName, req.AuthorAccount, req.Message)
	if previous == current {
		return ""
	}

	d := difflib.UnifiedDiff{
		A:        difflib.SplitLines(previous),
		B:        difflib.SplitLines(current),
		FromFile: "stored",
		ToFile:   "reported",
		Context:  1,
	}

	res, err := difflib.GetUnifiedDiffString(d)
	if err != nil {
		return strings.TrimSpace(current)
	}

	return strings.TrimSpace(res)
}

func describeCommit(ts string, parent, authorName, authorAccount, message *string) string {
	var b strings.Builder
	writeField(&b, "time", &ts)
	writeField(&b, "parent", parent)
	writeField(&b, "author", authorName)
	writeField(&b, "account", authorAccount)
	writeField(&b, "message", message)
	return b.String()
}

func writeField(b *strings.Builder, name string, value *string) {
	b.WriteString(name)
	b.WriteString(": ")
	if value == nil {
		b.WriteString("<null>")
	} else {
		// Keep multi-line messages on one diff line.
		b.WriteString(strings.ReplaceAll(*value, "\n", `\n`))
	}
	b.WriteString("\n")
}
