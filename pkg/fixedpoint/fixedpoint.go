// Package fixedpoint provides the integer arithmetic used by vault accounting:
// 512-bit intermediate mul-div, explicit rounding and conversion between the
// decimal bases of the underlying, vault and LP tokens.
package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrDivisionByZero     = errors.New("division by zero")
	ErrInvalidBase        = errors.New("invalid decimal base")
	ErrInvalidNumber      = errors.New("invalid number")
)

// Rounding selects the direction of integer division.
type Rounding int

const (
	// Down rounds toward zero. Used when crediting a depositor.
	Down Rounding = iota
	// Up rounds away from zero. Used when debiting a depositor.
	Up
)

func (r Rounding) String() string {
	if r == Up {
		return "up"
	}
	return "down"
}

// WadDecimals is the number of decimals of the WAD fixed-point unit.
const WadDecimals = 18

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10_000

var (
	wad = uint256.NewInt(1_000_000_000_000_000_000)
	bps = uint256.NewInt(BpsDenominator)
)

// Wad returns a fresh 1e18.
func Wad() *uint256.Int { return new(uint256.Int).Set(wad) }

// Zero returns a fresh zero.
func Zero() *uint256.Int { return new(uint256.Int) }

// Clone copies x, treating nil as zero.
func Clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

// IsZero reports whether x is nil or zero.
func IsZero(x *uint256.Int) bool {
	return x == nil || x.IsZero()
}

// Min returns a copy of the smaller of x and y.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Cmp(y) <= 0 {
		return Clone(x)
	}
	return Clone(y)
}

// Add returns x + y.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%s + %s: %w", x.Dec(), y.Dec(), ErrArithmeticOverflow)
	}
	return z, nil
}

// Sub returns x - y; y > x is reported as overflow.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, fmt.Errorf("%s - %s: %w", x.Dec(), y.Dec(), ErrArithmeticOverflow)
	}
	return z, nil
}

// SaturatingSub returns max(x - y, 0).
func SaturatingSub(x, y *uint256.Int) *uint256.Int {
	if x.Cmp(y) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

// MulDiv returns x * y / d with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int, r Rounding) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("%s * %s / %s: %w", x.Dec(), y.Dec(), d.Dec(), ErrArithmeticOverflow)
	}
	if r == Up && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		if _, overflow = z.AddOverflow(z, uint256.NewInt(1)); overflow {
			return nil, fmt.Errorf("rounding up %s * %s / %s: %w", x.Dec(), y.Dec(), d.Dec(), ErrArithmeticOverflow)
		}
	}
	return z, nil
}

// MulWad returns x * y / 1e18.
func MulWad(x, y *uint256.Int, r Rounding) (*uint256.Int, error) {
	return MulDiv(x, y, wad, r)
}

// DivWad returns x * 1e18 / y.
func DivWad(x, y *uint256.Int, r Rounding) (*uint256.Int, error) {
	return MulDiv(x, wad, y, r)
}

// ApplyBps returns x * b / 10000.
func ApplyBps(x *uint256.Int, b uint64, r Rounding) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(b), bps, r)
}

// ParseWad converts a decimal string such as "10" or "2.5" into WAD units.
func ParseWad(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", s, ErrInvalidNumber)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%q is negative: %w", s, ErrInvalidNumber)
	}
	scaled := d.Shift(WadDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%q has more than %d decimals: %w", s, WadDecimals, ErrInvalidNumber)
	}
	z, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%q: %w", s, ErrArithmeticOverflow)
	}
	return z, nil
}

// FormatWad renders a WAD value as a decimal string.
func FormatWad(x *uint256.Int) string {
	return decimal.NewFromBigInt(Clone(x).ToBig(), -WadDecimals).String()
}

// ParseAmount parses a base-10 integer string.
func ParseAmount(s string) (*uint256.Int, error) {
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", s, ErrInvalidNumber)
	}
	return z, nil
}

// MustAmount is ParseAmount for constants.
func MustAmount(s string) *uint256.Int {
	z, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return z
}
