package storage

import (
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"

	"phasespace/internal/fault"
)

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	gt.NoError(t, err)
	gt.NotNil(t, store)
	gt.NoError(t, CloseIfSupported(store))
}

func TestNewStoreSQLite(t *testing.T) {
	store, err := NewStore("sqlite", filepath.Join(t.TempDir(), "s.db"))
	gt.NoError(t, err)
	_, ok := store.(*SQLiteStore)
	gt.True(t, ok)
	gt.NoError(t, CloseIfSupported(store))

	_, err = NewStore("sqlite", "")
	gt.True(t, fault.IsConfiguration(err))
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	gt.True(t, fault.IsConfiguration(err))
}
