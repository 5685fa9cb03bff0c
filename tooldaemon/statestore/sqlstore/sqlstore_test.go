package sqlstore_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/tooldaemon"
	"github.com/domeai/dome/tooldaemon/statestore/sqlstore"
	"github.com/domeai/dome/tooldaemon/statestoretest"
)

func TestStoreSatisfiesStateStoreContract(t *testing.T) {
	statestoretest.Run(t, func(t *testing.T) tooldaemon.StateStore {
		t.Helper()
		dir := t.TempDir()
		s, err := sqlstore.Open(filepath.Join(dir, "state.db"))
		require.NoError(t, err)
		return s
	})
}
