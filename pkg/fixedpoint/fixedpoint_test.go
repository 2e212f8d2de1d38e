package fixedpoint

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulDivRounding(t *testing.T) {
	tests := []struct {
		name     string
		x, y, d  uint64
		rounding Rounding
		want     uint64
	}{
		{"exact down", 10, 10, 5, Down, 20},
		{"exact up", 10, 10, 5, Up, 20},
		{"inexact down", 10, 1, 3, Down, 3},
		{"inexact up", 10, 1, 3, Up, 4},
		{"zero numerator up", 0, 7, 3, Up, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MulDiv(uint256.NewInt(tt.x), uint256.NewInt(tt.y), uint256.NewInt(tt.d), tt.rounding)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Uint64())
		})
	}
}

func TestMulDivWideIntermediate(t *testing.T) {
	// MaxUint256 * 2 / 2 overflows a 256-bit product but not the result.
	max := new(uint256.Int).SetAllOne()
	got, err := MulDiv(max, uint256.NewInt(2), uint256.NewInt(2), Down)
	require.NoError(t, err)
	assert.Equal(t, max, got)
}

func TestMulDivErrors(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	_, err := MulDiv(max, uint256.NewInt(2), uint256.NewInt(1), Down)
	assert.True(t, errors.Is(err, ErrArithmeticOverflow))

	_, err = MulDiv(max, uint256.NewInt(1), uint256.NewInt(1), Up)
	assert.NoError(t, err)

	_, err = MulDiv(uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(0), Down)
	assert.ErrorIs(t, err, ErrDivisionByZero)
}

func TestAddSub(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	_, err := Add(max, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	_, err = Sub(uint256.NewInt(1), uint256.NewInt(2))
	assert.ErrorIs(t, err, ErrArithmeticOverflow)

	z, err := Sub(uint256.NewInt(5), uint256.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), z.Uint64())

	assert.True(t, SaturatingSub(uint256.NewInt(1), uint256.NewInt(2)).IsZero())
}

func TestApplyBps(t *testing.T) {
	z, err := ApplyBps(uint256.NewInt(1_000_001), 50, Down)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), z.Uint64())

	z, err = ApplyBps(uint256.NewInt(1_000_001), 50, Up)
	require.NoError(t, err)
	assert.Equal(t, uint64(5001), z.Uint64())
}

func TestParseWad(t *testing.T) {
	t.Run("Integer", func(t *testing.T) {
		z, err := ParseWad("10")
		require.NoError(t, err)
		assert.Equal(t, "10000000000000000000", z.Dec())
		assert.Equal(t, "10", FormatWad(z))
	})

	t.Run("Fraction", func(t *testing.T) {
		z, err := ParseWad("2.5")
		require.NoError(t, err)
		assert.Equal(t, "2500000000000000000", z.Dec())
		assert.Equal(t, "2.5", FormatWad(z))
	})

	t.Run("Rejects", func(t *testing.T) {
		for _, s := range []string{"", "abc", "-1", "0.0000000000000000001"} {
			_, err := ParseWad(s)
			assert.ErrorIs(t, err, ErrInvalidNumber, s)
		}
	})
}

func TestParseAmount(t *testing.T) {
	z, err := ParseAmount("500000000000")
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000_000_000), z.Uint64())

	_, err = ParseAmount("1e6")
	assert.ErrorIs(t, err, ErrInvalidNumber)
}
