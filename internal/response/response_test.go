package response

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridedge/der-utility-server/internal/store"
)

func TestResolveListSlug(t *testing.T) {
	doe, err := ResolveListSlug("doe")
	require.NoError(t, err)
	assert.Equal(t, store.ResponseSetDynamicOperatingEnvelopes, doe)

	price, err := ResolveListSlug("price")
	require.NoError(t, err)
	assert.Equal(t, store.ResponseSetTariffGeneratedRates, price)
}

func TestResolveListSlug_Unrecognised(t *testing.T) {
	_, err := ResolveListSlug("bogus")
	require.Error(t, err)
}
