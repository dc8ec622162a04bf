package sql

import (
	"testing"

	"github.com/dexidp/idpd/internal/storage"
	"github.com/dexidp/idpd/internal/storage/storagetest"
)

func TestSQLiteStore(t *testing.T) {
	storagetest.RunTests(t, func(t *testing.T) storage.Store {
		s, err := OpenSQLite(":memory:")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
