package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func TestBoltStoreLedger(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) Store {
		store, err := NewBoltStore(filepath.Join(t.TempDir(), "ledger.db"), Options{})
		if err != nil {
			t.Fatalf("open bolt store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestTimeIndexKeyOrdering(t *testing.T) {
	before := time.Date(1969, 12, 31, 23, 59, 59, 0, time.UTC)
	after := time.Date(2017, 1, 20, 3, 49, 37, 887000000, time.UTC)

	if string(timeIndexKey(before, 1)) >= string(timeIndexKey(after, 1)) {
		t.Fatalf("pre-epoch time must sort before post-epoch time")
	}
	if string(timeIndexKey(after, 1)) >= string(timeIndexKey(after, 2)) {
		t.Fatalf("sequence must break ties")
	}
	if string(timeIndexKey(after, 1<<40)) >= string(timeIndexKey(after, -1)) {
		t.Fatalf("negative sequence must be the upper bound for an instant")
	}
}
