package orchestrator

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galleria-labs/galleria/internal/domain"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"1.5", "1500000000000000000"},
		{"0.01", "10000000000000000"},
		{"0.000000000000000001", "1"},
		{"2500", "2500000000000000000000"},
	}
	for _, tc := range cases {
		got, err := ParsePrice(tc.in)
		require.NoError(t, err, tc.in)
		want, _ := new(big.Int).SetString(tc.want, 10)
		assert.Zero(t, want.Cmp(got), "parse %q", tc.in)
	}
}

func TestParsePriceRejectsInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"abc",
		"1,5",
		"0",
		"-1",
		"0.0000000000000000001", // 19 fractional digits
	} {
		_, err := ParsePrice(in)
		assert.ErrorIs(t, err, domain.ErrInvalidPriceFormat, "input %q", in)
	}
}

func TestFormatWei(t *testing.T) {
	assert.Equal(t, "0", FormatWei(nil))
	assert.Equal(t, "0", FormatWei(new(big.Int)))
	assert.Equal(t, "1", FormatWei(big.NewInt(1e18)))
	assert.Equal(t, "1.5", FormatWei(big.NewInt(15e17)))
	assert.Equal(t, "0.01", FormatWei(big.NewInt(1e16)))
	assert.Equal(t, "0.000000000000000001", FormatWei(big.NewInt(1)))
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"1", "1.5", "0.01", "123.456789"} {
		wei, err := ParsePrice(s)
		require.NoError(t, err)
		assert.Equal(t, s, FormatWei(wei))
	}
}
