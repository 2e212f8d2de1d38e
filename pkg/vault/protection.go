package vault

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/luxfi/ppv/pkg/fixedpoint"
)

// PnL is a signed profit-or-loss amount in vault-token units.
type PnL struct {
	Amount *uint256.Int
	Loss   bool
}

// ZeroPnL returns a flat result.
func ZeroPnL() PnL { return PnL{Amount: new(uint256.Int)} }

// Gain returns a profit of amount.
func Gain(amount *uint256.Int) PnL { return PnL{Amount: fixedpoint.Clone(amount)} }

// Loss returns a loss of amount.
func Loss(amount *uint256.Int) PnL { return PnL{Amount: fixedpoint.Clone(amount), Loss: true} }

// IsZero reports a flat result.
func (p PnL) IsZero() bool { return fixedpoint.IsZero(p.Amount) }

func (p PnL) String() string {
	if p.IsZero() {
		return "0"
	}
	if p.Loss {
		return "-" + p.Amount.Dec()
	}
	return "+" + p.Amount.Dec()
}

// ApplyTo adds a gain to or subtracts a loss from x, saturating at zero.
func (p PnL) ApplyTo(x *uint256.Int) (*uint256.Int, error) {
	if p.IsZero() {
		return fixedpoint.Clone(x), nil
	}
	if p.Loss {
		return fixedpoint.SaturatingSub(x, p.Amount), nil
	}
	return fixedpoint.Add(x, p.Amount)
}

// Settle books p against idle and a carried deficit, both in vault-token
// units. A gain pays the deficit down before it adds to idle; a loss draws
// idle down and carries whatever idle cannot cover as deficit.
func (p PnL) Settle(idle, deficit *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	idle, deficit = fixedpoint.Clone(idle), fixedpoint.Clone(deficit)
	if p.IsZero() {
		return idle, deficit, nil
	}
	if p.Loss {
		if !p.Amount.Gt(idle) {
			return new(uint256.Int).Sub(idle, p.Amount), deficit, nil
		}
		short := new(uint256.Int).Sub(p.Amount, idle)
		debt, err := fixedpoint.Add(deficit, short)
		if err != nil {
			return nil, nil, err
		}
		return new(uint256.Int), debt, nil
	}
	if !p.Amount.Gt(deficit) {
		return idle, new(uint256.Int).Sub(deficit, p.Amount), nil
	}
	credit, err := fixedpoint.Add(idle, new(uint256.Int).Sub(p.Amount, deficit))
	if err != nil {
		return nil, nil, err
	}
	return credit, new(uint256.Int), nil
}

// prorate returns the part/whole share of p. Gains round down and losses
// round up so the slice never favours the account it is credited to.
func (p PnL) prorate(part, whole *uint256.Int) (PnL, error) {
	if p.IsZero() || whole.IsZero() {
		return ZeroPnL(), nil
	}
	r := fixedpoint.Down
	if p.Loss {
		r = fixedpoint.Up
	}
	amt, err := fixedpoint.MulDiv(p.Amount, part, whole, r)
	if err != nil {
		return PnL{}, err
	}
	return PnL{Amount: fixedpoint.Min(amt, p.Amount), Loss: p.Loss}, nil
}

// Protector is the principal-protection strategy of a vault. Protect bounds
// the exposure P&L that may be recognised against principal; Unwind settles
// a closed slice of exposure and returns what is credited to (or debited
// from) the vault.
type Protector interface {
	Protect(principal *uint256.Int, pnl PnL) (PnL, error)
	Unwind(ctx context.Context, settled PnL) (PnL, error)
}

// ReserveBuffer caps exposure losses at MaxLossBps of principal. Zero gives
// full principal protection. Gains are not capped.
type ReserveBuffer struct {
	MaxLossBps uint64
}

// Protect implements Protector.
func (b ReserveBuffer) Protect(principal *uint256.Int, pnl PnL) (PnL, error) {
	if !pnl.Loss || pnl.IsZero() {
		return pnl, nil
	}
	if b.MaxLossBps > fixedpoint.BpsDenominator {
		return PnL{}, fmt.Errorf("max loss %d bps exceeds 100%%", b.MaxLossBps)
	}
	limit, err := fixedpoint.ApplyBps(fixedpoint.Clone(principal), b.MaxLossBps, fixedpoint.Down)
	if err != nil {
		return PnL{}, err
	}
	if pnl.Amount.Gt(limit) {
		return Loss(limit), nil
	}
	return pnl, nil
}

// Unwind implements Protector. The buffer settles book P&L as is.
func (ReserveBuffer) Unwind(_ context.Context, settled PnL) (PnL, error) {
	return settled, nil
}
