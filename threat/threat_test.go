package threat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopProviderLookup(t *testing.T) {
	rep, err := NoopProvider{}.Lookup(context.Background(), "203.0.113.7")
	require.ErrorIs(t, err, ErrNoProvider)
	assert.Nil(t, rep)
}
