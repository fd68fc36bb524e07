package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteStoreLedger(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) Store {
		dsn := "file:" + filepath.Join(t.TempDir(), "ledger.db")
		store, err := NewSQLiteStore(context.Background(), dsn, Options{})
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
