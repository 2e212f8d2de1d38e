package fixedpoint

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Ledger converts amounts between the decimal bases of a vault. A base is the
// number of smallest units in one whole token (1e6 for USDC, 1e18 for WETH).
type Ledger struct {
	underlying *uint256.Int
	vaultToken *uint256.Int
	lp         *uint256.Int
}

// NewLedger validates the bases. A nil lpBase defaults to the underlying base.
func NewLedger(underlyingBase, vaultTokenBase, lpBase *uint256.Int) (*Ledger, error) {
	if IsZero(underlyingBase) {
		return nil, fmt.Errorf("underlying base: %w", ErrInvalidBase)
	}
	if IsZero(vaultTokenBase) {
		return nil, fmt.Errorf("vault token base: %w", ErrInvalidBase)
	}
	if lpBase == nil {
		lpBase = underlyingBase
	}
	if lpBase.IsZero() {
		return nil, fmt.Errorf("lp base: %w", ErrInvalidBase)
	}
	return &Ledger{
		underlying: Clone(underlyingBase),
		vaultToken: Clone(vaultTokenBase),
		lp:         Clone(lpBase),
	}, nil
}

func (l *Ledger) UnderlyingBase() *uint256.Int { return Clone(l.underlying) }
func (l *Ledger) VaultTokenBase() *uint256.Int { return Clone(l.vaultToken) }
func (l *Ledger) LPBase() *uint256.Int         { return Clone(l.lp) }

// ToVaultToken converts underlying units into vault-token units.
func (l *Ledger) ToVaultToken(underlying *uint256.Int, r Rounding) (*uint256.Int, error) {
	return MulDiv(underlying, l.vaultToken, l.underlying, r)
}

// ToUnderlying converts vault-token units into underlying units.
func (l *Ledger) ToUnderlying(vaultToken *uint256.Int, r Rounding) (*uint256.Int, error) {
	return MulDiv(vaultToken, l.underlying, l.vaultToken, r)
}

// ToLP converts vault-token units into LP units at a 1:1 whole-token rate.
func (l *Ledger) ToLP(vaultToken *uint256.Int, r Rounding) (*uint256.Int, error) {
	return MulDiv(vaultToken, l.lp, l.vaultToken, r)
}

// FromLP converts LP units into vault-token units at a 1:1 whole-token rate.
func (l *Ledger) FromLP(lp *uint256.Int, r Rounding) (*uint256.Int, error) {
	return MulDiv(lp, l.vaultToken, l.lp, r)
}

// Precision returns the number of underlying units that collapse into one
// vault-token unit (1 when the vault token is at least as precise).
func (l *Ledger) Precision() *uint256.Int {
	if l.underlying.Cmp(l.vaultToken) <= 0 {
		return uint256.NewInt(1)
	}
	return new(uint256.Int).Div(l.underlying, l.vaultToken)
}
