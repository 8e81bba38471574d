package feed_test

import (
	"PerpCurve/internal/apperr"
	"PerpCurve/internal/feed"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_UpdateIgnoresStaleSequence(t *testing.T) {
	r := feed.NewRegistry()

	applied, err := r.Update("BTC_USD", decimal.NewFromInt(20000), 5, 100)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = r.Update("BTC_USD", decimal.NewFromInt(19000), 4, 101)
	require.NoError(t, err)
	assert.False(t, applied)

	p, ok := r.Price("BTC_USD")
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(20000)))
}

func TestRegistry_RejectsNonPositivePrice(t *testing.T) {
	r := feed.NewRegistry()
	_, err := r.Update("BTC_USD", decimal.Zero, 1, 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRef_Resolve(t *testing.T) {
	src := feed.Static{"BTC_USD": decimal.NewFromInt(20000)}
	ref, err := feed.ParseRef("BTC_USD*0.0001")
	require.NoError(t, err)

	p, ok := ref.Resolve(src)
	require.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(2)), "got %s", p)

	_, ok = feed.Ref{Name: "ETH_USD", Multiplier: decimal.NewFromInt(1)}.Resolve(src)
	assert.False(t, ok)
}

func TestParseRef_Invalid(t *testing.T) {
	for _, s := range []string{"", "BTC*abc", "BTC*-1", "*2"} {
		_, err := feed.ParseRef(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestRegistry_SnapshotRestore(t *testing.T) {
	r := feed.NewRegistry()
	_, _ = r.Update("A", decimal.NewFromInt(3), 1, 1)
	_, _ = r.Update("B", decimal.NewFromInt(4), 1, 1)

	r2 := feed.NewRegistry()
	r2.Restore(r.Snapshot())
	assert.Equal(t, []string{"A", "B"}, r2.Names())
}
