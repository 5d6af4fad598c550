package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func table() *ContractTable {
	return NewContractTable([]ContractSpec{
		{Symbol: "MNQ", PointValue: 2.0, TickSize: 0.25},
		{Symbol: "MES", PointValue: 5.0, TickSize: 0.25},
		{Symbol: "M2K", PointValue: 5.0, TickSize: 0.1},
	})
}

func TestSpecExactMatch(t *testing.T) {
	spec, ok := table().Spec("MNQ")
	require.True(t, ok)
	assert.Equal(t, 2.0, spec.PointValue)
	assert.Equal(t, 0.25, spec.TickSize)
}

func TestSpecStripsExpiry(t *testing.T) {
	tbl := table()
	for _, ticker := range []string{"MNQZ5", "MNQH26", "MNQM2026", "mnqz5", " MNQU5 "} {
		spec, ok := tbl.Spec(ticker)
		require.True(t, ok, "ticker %q", ticker)
		assert.Equal(t, "MNQ", spec.Symbol, "ticker %q", ticker)
	}
}

func TestSpecDigitsInRoot(t *testing.T) {
	// M2K's root contains a digit; only a trailing month-code+year pair
	// is an expiry.
	spec, ok := table().Spec("M2KZ5")
	require.True(t, ok)
	assert.Equal(t, "M2K", spec.Symbol)
}

func TestSpecUnknownTicker(t *testing.T) {
	_, ok := table().Spec("CL")
	assert.False(t, ok)
	_, ok = table().Spec("")
	assert.False(t, ok)
}

func TestRootSymbol(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"MNQZ5", "MNQ"},
		{"MNQH26", "MNQ"},
		{"MNQM2026", "MNQ"},
		{"MES", "MES"},
		{"M2K", "M2K"}, // trailing digit but no month code
		{"ESU5", "ES"},
	} {
		assert.Equal(t, tc.want, rootSymbol(tc.in), "input %q", tc.in)
	}
}
