package vault

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/ppv/pkg/fixedpoint"
	"github.com/luxfi/ppv/pkg/gauge"
	"github.com/luxfi/ppv/pkg/swap"
)

// PositionState is the lifecycle of a vault's leveraged exposure.
type PositionState int

const (
	Flat PositionState = iota
	Exposed
	Unwinding
)

func (s PositionState) String() string {
	switch s {
	case Flat:
		return "flat"
	case Exposed:
		return "exposed"
	case Unwinding:
		return "unwinding"
	default:
		return fmt.Sprintf("PositionState(%d)", int(s))
	}
}

// Position is the exposure and staked liquidity owned by a vault.
// Unrealized P&L is derived from the mark price on every read.
type Position struct {
	State      PositionState
	Size       *uint256.Int // notional, vault-token units
	EntryPrice *uint256.Int // WAD
	StakedLP   *uint256.Int
}

func flatPosition() Position {
	return Position{
		State:      Flat,
		Size:       new(uint256.Int),
		EntryPrice: new(uint256.Int),
		StakedLP:   new(uint256.Int),
	}
}

func (p Position) clone() Position {
	return Position{
		State:      p.State,
		Size:       fixedpoint.Clone(p.Size),
		EntryPrice: fixedpoint.Clone(p.EntryPrice),
		StakedLP:   fixedpoint.Clone(p.StakedLP),
	}
}

// PriceFeed marks the exposure. Prices are WAD.
type PriceFeed interface {
	Price(ctx context.Context, token common.Address) (*uint256.Int, error)
}

// PositionManager sizes the exposure and moves liquidity in and out of the
// gauge. It never commits anything itself: every method takes a Position by
// value and returns the next one.
type PositionManager struct {
	cfg       Config
	ledger    *fixedpoint.Ledger
	adapter   *swap.Adapter
	gauge     gauge.Gauge
	feed      PriceFeed
	protector Protector
	slippage  uint64
	logger    log.Logger
}

// Mark returns the current price of the index token, or 1.0 when the vault
// has no price feed.
func (m *PositionManager) Mark(ctx context.Context) (*uint256.Int, error) {
	if m.feed == nil {
		return fixedpoint.Wad(), nil
	}
	price, err := m.feed.Price(ctx, m.cfg.Index())
	if err != nil {
		return nil, fmt.Errorf("mark price: %w: %w", ErrExternalCallFailed, err)
	}
	if price.IsZero() {
		return nil, fmt.Errorf("mark price: %w: zero price", ErrExternalCallFailed)
	}
	return price, nil
}

// Target returns the notional for totalAssets at the configured leverage.
func (m *PositionManager) Target(totalAssets *uint256.Int) (*uint256.Int, error) {
	return fixedpoint.MulWad(totalAssets, m.cfg.LeverageRatio, fixedpoint.Down)
}

// UnrealizedPnL marks pos at mark.
func (m *PositionManager) UnrealizedPnL(pos Position, mark *uint256.Int) (PnL, error) {
	if pos.State == Flat || fixedpoint.IsZero(pos.Size) || fixedpoint.IsZero(pos.EntryPrice) {
		return ZeroPnL(), nil
	}
	var diff *uint256.Int
	up := mark.Gt(pos.EntryPrice)
	if up {
		diff = new(uint256.Int).Sub(mark, pos.EntryPrice)
	} else {
		diff = new(uint256.Int).Sub(pos.EntryPrice, mark)
	}
	loss := up != m.cfg.IsLong
	r := fixedpoint.Down
	if loss {
		r = fixedpoint.Up
	}
	amt, err := fixedpoint.MulDiv(pos.Size, diff, pos.EntryPrice, r)
	if err != nil {
		return PnL{}, err
	}
	return PnL{Amount: amt, Loss: loss && !amt.IsZero()}, nil
}

// ProtectedPnL is the part of the unrealized P&L that counts toward NAV.
func (m *PositionManager) ProtectedPnL(pos Position, mark, principal *uint256.Int) (PnL, error) {
	raw, err := m.UnrealizedPnL(pos, mark)
	if err != nil {
		return PnL{}, err
	}
	return m.protector.Protect(principal, raw)
}

// Rescale moves the exposure to target notional. Opening from Flat sets the
// entry at mark; growing blends the entry price; shrinking realizes the
// proportional protected P&L through the protector.
func (m *PositionManager) Rescale(ctx context.Context, pos Position, target, mark, principal *uint256.Int) (Position, PnL, error) {
	next := pos.clone()
	if target.IsZero() {
		return m.Close(ctx, next, mark, principal)
	}

	switch {
	case next.State == Flat || next.Size.IsZero():
		next.State = Exposed
		next.Size = fixedpoint.Clone(target)
		next.EntryPrice = fixedpoint.Clone(mark)
		m.logger.Debug("position opened", "vault", m.cfg.Symbol, "size", target.Dec(), "long", m.cfg.IsLong)
		return next, ZeroPnL(), nil

	case target.Gt(next.Size):
		delta := new(uint256.Int).Sub(target, next.Size)
		entry, err := blendEntry(next.Size, next.EntryPrice, delta, mark)
		if err != nil {
			return Position{}, PnL{}, err
		}
		next.Size = fixedpoint.Clone(target)
		next.EntryPrice = entry
		return next, ZeroPnL(), nil

	case target.Lt(next.Size):
		cut := new(uint256.Int).Sub(next.Size, target)
		protected, err := m.ProtectedPnL(next, mark, principal)
		if err != nil {
			return Position{}, PnL{}, err
		}
		slice, err := protected.prorate(cut, next.Size)
		if err != nil {
			return Position{}, PnL{}, err
		}
		realized, err := m.protector.Unwind(ctx, slice)
		if err != nil {
			return Position{}, PnL{}, fmt.Errorf("unwind %s of %s: %w: %w", cut.Dec(), next.Size.Dec(), ErrExternalCallFailed, err)
		}
		next.Size = fixedpoint.Clone(target)
		return next, realized, nil
	}
	return next, ZeroPnL(), nil
}

// Close fully unwinds the exposure: Exposed -> Unwinding -> Flat. Staked
// liquidity is left untouched.
func (m *PositionManager) Close(ctx context.Context, pos Position, mark, principal *uint256.Int) (Position, PnL, error) {
	next := pos.clone()
	if next.State == Flat {
		return next, ZeroPnL(), nil
	}

	next.State = Unwinding
	protected, err := m.ProtectedPnL(next, mark, principal)
	if err != nil {
		return Position{}, PnL{}, err
	}
	realized, err := m.protector.Unwind(ctx, protected)
	if err != nil {
		return Position{}, PnL{}, fmt.Errorf("close %s: %w: %w", next.Size.Dec(), ErrExternalCallFailed, err)
	}
	m.logger.Debug("position closed", "vault", m.cfg.Symbol, "size", next.Size.Dec(), "pnl", realized.String())

	next.State = Flat
	next.Size = new(uint256.Int)
	next.EntryPrice = new(uint256.Int)
	return next, realized, nil
}

// blendEntry returns the entry price of size@entry plus delta@mark, where
// sizes are notional: entry' = (size + delta) / (size/entry + delta/mark).
func blendEntry(size, entry, delta, mark *uint256.Int) (*uint256.Int, error) {
	qtyOld, err := fixedpoint.DivWad(size, entry, fixedpoint.Down)
	if err != nil {
		return nil, err
	}
	qtyNew, err := fixedpoint.DivWad(delta, mark, fixedpoint.Down)
	if err != nil {
		return nil, err
	}
	qty, err := fixedpoint.Add(qtyOld, qtyNew)
	if err != nil {
		return nil, err
	}
	notional, err := fixedpoint.Add(size, delta)
	if err != nil {
		return nil, err
	}
	if qty.IsZero() {
		return fixedpoint.Clone(mark), nil
	}
	return fixedpoint.DivWad(notional, qty, fixedpoint.Down)
}

// LPValue quotes the staked liquidity in underlying units.
func (m *PositionManager) LPValue(ctx context.Context, pos Position) (*uint256.Int, error) {
	if m.cfg.Direct() || fixedpoint.IsZero(pos.StakedLP) {
		return new(uint256.Int), nil
	}
	return m.adapter.Quote(ctx, m.cfg.LPToken, m.cfg.Underlying, pos.StakedLP)
}

// Deploy converts underlying into LP and stakes it.
func (m *PositionManager) Deploy(ctx context.Context, pos Position, underlying *uint256.Int) (Position, *uint256.Int, error) {
	next := pos.clone()
	if m.cfg.Direct() || fixedpoint.IsZero(underlying) {
		return next, new(uint256.Int), nil
	}

	minOut, err := m.adapter.MinOut(ctx, m.cfg.Underlying, m.cfg.LPToken, underlying, m.slippage)
	if err != nil {
		return Position{}, nil, err
	}
	lp, err := m.adapter.Swap(ctx, m.cfg.Underlying, m.cfg.LPToken, underlying, minOut)
	if err != nil {
		return Position{}, nil, err
	}
	if err := m.gauge.Stake(ctx, m.cfg.LPToken, lp); err != nil {
		return Position{}, nil, fmt.Errorf("stake %s lp: %w: %w", lp.Dec(), ErrExternalCallFailed, err)
	}
	staked, err := fixedpoint.Add(next.StakedLP, lp)
	if err != nil {
		return Position{}, nil, err
	}
	next.StakedLP = staked
	return next, lp, nil
}

// Release unstakes lp and converts it back into underlying.
func (m *PositionManager) Release(ctx context.Context, pos Position, lp *uint256.Int) (Position, *uint256.Int, error) {
	next := pos.clone()
	if m.cfg.Direct() || fixedpoint.IsZero(lp) {
		return next, new(uint256.Int), nil
	}
	remaining, err := fixedpoint.Sub(next.StakedLP, lp)
	if err != nil {
		return Position{}, nil, err
	}

	if err := m.gauge.Unstake(ctx, lp); err != nil {
		return Position{}, nil, fmt.Errorf("unstake %s lp: %w: %w", lp.Dec(), ErrExternalCallFailed, err)
	}
	minOut, err := m.adapter.MinOut(ctx, m.cfg.LPToken, m.cfg.Underlying, lp, m.slippage)
	if err != nil {
		return Position{}, nil, err
	}
	out, err := m.adapter.Swap(ctx, m.cfg.LPToken, m.cfg.Underlying, lp, minOut)
	if err != nil {
		return Position{}, nil, err
	}
	next.StakedLP = remaining
	return next, out, nil
}
