package all

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vycore/schema"
)

func TestEveryOwnerHasHandler(t *testing.T) {
	s, err := schema.Load()
	require.NoError(t, err)
	handlers := Handlers()
	owners := map[string]bool{}
	for _, b := range s.Bindings() {
		owners[b.Owner] = true
		assert.Contains(t, handlers, b.Owner)
	}
	for owner := range handlers {
		assert.True(t, owners[owner], "handler %s has no schema binding", owner)
	}
}
