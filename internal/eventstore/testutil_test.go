package eventstore

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
)

// openTestStore creates a store in a temporary directory. The store is
// automatically closed when the test completes.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), log.New(io.Discard, "", 0))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
