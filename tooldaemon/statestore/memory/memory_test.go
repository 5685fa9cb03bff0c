package memory_test

import (
	"testing"

	"github.com/domeai/dome/tooldaemon"
	"github.com/domeai/dome/tooldaemon/statestore/memory"
	"github.com/domeai/dome/tooldaemon/statestoretest"
)

func TestStoreSatisfiesStateStoreContract(t *testing.T) {
	statestoretest.Run(t, func(t *testing.T) tooldaemon.StateStore {
		return memory.New()
	})
}
