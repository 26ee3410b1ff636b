package wallet

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEther(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "hundredth", input: "0.01", want: "10000000000000000"},
		{name: "whole", input: "1", want: "1000000000000000000"},
		{name: "smallest unit", input: "0.000000000000000001", want: "1"},
		{name: "zero", input: "0", want: "0"},
		{name: "surrounding whitespace", input: " 2.5 ", want: "2500000000000000000"},
		{name: "negative", input: "-1", wantErr: true},
		{name: "too precise", input: "0.0000000000000000001", wantErr: true},
		{name: "not a number", input: "abc", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "exponent notation", input: "1.5e-3", want: "1500000000000000"},
		{name: "trailing zeros past wei", input: "1.0000000000000000000", want: "1000000000000000000"},
		{name: "zero with huge exponent", input: "0e5000000", want: "0"},
		{name: "above uint256", input: "1e100", wantErr: true},
		{name: "huge exponent", input: "1e5000000", wantErr: true},
		{name: "huge negative exponent", input: "1e-5000000", wantErr: true},
		{name: "just above uint256", input: "115792089237316195423570985008687907853269984665640564039457.584007913129639936", wantErr: true},
		{name: "max uint256", input: "115792089237316195423570985008687907853269984665640564039457.584007913129639935", want: "115792089237316195423570985008687907853269984665640564039457584007913129639935"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEther(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidAmount)
				assert.ErrorIs(t, err, ErrInvalidIntent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormatUnits(t *testing.T) {
	wei, ok := new(big.Int).SetString("10000000000000000", 10)
	require.True(t, ok)
	assert.Equal(t, "0.01", FormatEther(wei))

	assert.Equal(t, "1.5", FormatUnits(big.NewInt(1500000), 6))
	assert.Equal(t, "0", FormatEther(nil))
}

func TestParseUnits_TokenDecimals(t *testing.T) {
	got, err := ParseUnits("12.345678", 6)
	require.NoError(t, err)
	assert.Equal(t, int64(12345678), got.Int64())

	_, err = ParseUnits("12.3456789", 6)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
