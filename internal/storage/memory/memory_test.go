package memory

import (
	"testing"

	"github.com/dexidp/idpd/internal/storage"
	"github.com/dexidp/idpd/internal/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	storagetest.RunTests(t, func(t *testing.T) storage.Store {
		return New()
	})
}
