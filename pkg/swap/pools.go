package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/luxfi/ppv/pkg/fixedpoint"
)

var (
	ErrNoPool                = errors.New("no pool for pair")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInvalidFee            = errors.New("invalid fee tier")
	ErrPoolExists            = errors.New("pool already exists")
)

// FeeDenominator is the unit of pool fee tiers (3000 = 0.3%).
const FeeDenominator = 1_000_000

// Common fee tiers.
const (
	FeeTierLow    uint32 = 500
	FeeTierMedium uint32 = 3000
	FeeTierHigh   uint32 = 10000
)

type pairKey struct {
	token0, token1 common.Address
}

func keyFor(a, b common.Address) (pairKey, bool) {
	if a.Cmp(b) < 0 {
		return pairKey{a, b}, false
	}
	return pairKey{b, a}, true
}

type pool struct {
	reserve0, reserve1 *uint256.Int
	fee                uint32
}

func (p *pool) clone() *pool {
	return &pool{
		reserve0: fixedpoint.Clone(p.reserve0),
		reserve1: fixedpoint.Clone(p.reserve1),
		fee:      p.fee,
	}
}

// Pools is an in-memory constant-product exchange holding one pool per token
// pair. It stands in for the on-chain exchange in tests and simulations and
// supports snapshot/revert so vault calls can be rolled back.
type Pools struct {
	pools   map[pairKey]*pool
	journal []map[pairKey]*pool
	mu      sync.Mutex
}

// NewPools creates an empty exchange.
func NewPools() *Pools {
	return &Pools{pools: make(map[pairKey]*pool)}
}

// AddPool seeds a pool for tokenA/tokenB with the given reserves and fee tier.
func (p *Pools) AddPool(tokenA, tokenB common.Address, reserveA, reserveB *uint256.Int, fee uint32) error {
	if tokenA == tokenB {
		return fmt.Errorf("identical tokens %s", tokenA.Hex())
	}
	if fee >= FeeDenominator {
		return fmt.Errorf("fee %d: %w", fee, ErrInvalidFee)
	}
	if fixedpoint.IsZero(reserveA) || fixedpoint.IsZero(reserveB) {
		return ErrInsufficientLiquidity
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key, flipped := keyFor(tokenA, tokenB)
	if _, exists := p.pools[key]; exists {
		return fmt.Errorf("%s/%s: %w", tokenA.Hex(), tokenB.Hex(), ErrPoolExists)
	}
	r0, r1 := fixedpoint.Clone(reserveA), fixedpoint.Clone(reserveB)
	if flipped {
		r0, r1 = r1, r0
	}
	p.pools[key] = &pool{reserve0: r0, reserve1: r1, fee: fee}
	return nil
}

// Reserves returns the reserves of the pair ordered as (tokenA, tokenB).
func (p *Pools) Reserves(tokenA, tokenB common.Address) (*uint256.Int, *uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pl, flipped, err := p.lookup(tokenA, tokenB)
	if err != nil {
		return nil, nil, err
	}
	if flipped {
		return fixedpoint.Clone(pl.reserve1), fixedpoint.Clone(pl.reserve0), nil
	}
	return fixedpoint.Clone(pl.reserve0), fixedpoint.Clone(pl.reserve1), nil
}

func (p *Pools) lookup(tokenIn, tokenOut common.Address) (*pool, bool, error) {
	key, flipped := keyFor(tokenIn, tokenOut)
	pl, ok := p.pools[key]
	if !ok {
		return nil, false, fmt.Errorf("%s/%s: %w", tokenIn.Hex(), tokenOut.Hex(), ErrNoPool)
	}
	return pl, flipped, nil
}

// amountOut applies the fee and the constant-product curve.
func amountOut(amountIn, reserveIn, reserveOut *uint256.Int, fee uint32) (*uint256.Int, error) {
	inAfterFee, err := fixedpoint.MulDiv(amountIn, uint256.NewInt(uint64(FeeDenominator-fee)), uint256.NewInt(FeeDenominator), fixedpoint.Down)
	if err != nil {
		return nil, err
	}
	denominator, err := fixedpoint.Add(reserveIn, inAfterFee)
	if err != nil {
		return nil, err
	}
	out, err := fixedpoint.MulDiv(inAfterFee, reserveOut, denominator, fixedpoint.Down)
	if err != nil {
		return nil, err
	}
	if out.IsZero() || !out.Lt(reserveOut) {
		return nil, ErrInsufficientLiquidity
	}
	return out, nil
}

// Quote implements Exchange.
func (p *Pools) Quote(_ context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pl, flipped, err := p.lookup(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	rIn, rOut := pl.reserve0, pl.reserve1
	if flipped {
		rIn, rOut = rOut, rIn
	}
	return amountOut(amountIn, rIn, rOut, pl.fee)
}

// Swap implements Exchange.
func (p *Pools) Swap(_ context.Context, tokenIn, tokenOut common.Address, amountIn, minOut *uint256.Int) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pl, flipped, err := p.lookup(tokenIn, tokenOut)
	if err != nil {
		return nil, err
	}
	rIn, rOut := pl.reserve0, pl.reserve1
	if flipped {
		rIn, rOut = rOut, rIn
	}
	out, err := amountOut(amountIn, rIn, rOut, pl.fee)
	if err != nil {
		return nil, err
	}
	if minOut != nil && out.Lt(minOut) {
		return nil, fmt.Errorf("pool out %s < min %s: %w", out.Dec(), minOut.Dec(), ErrSlippageExceeded)
	}

	newIn, err := fixedpoint.Add(rIn, amountIn)
	if err != nil {
		return nil, err
	}
	rIn.Set(newIn)
	rOut.Sub(rOut, out)
	return out, nil
}

// Snapshot records the current reserves and returns a revision id.
func (p *Pools) Snapshot() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	saved := make(map[pairKey]*pool, len(p.pools))
	for k, v := range p.pools {
		saved[k] = v.clone()
	}
	p.journal = append(p.journal, saved)
	return len(p.journal) - 1
}

// RevertToSnapshot restores the reserves recorded by Snapshot(id) and drops
// every later snapshot.
func (p *Pools) RevertToSnapshot(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < 0 || id >= len(p.journal) {
		return
	}
	p.pools = p.journal[id]
	p.journal = p.journal[:id]
}

// DiscardSnapshot drops the snapshot id and every later one.
func (p *Pools) DiscardSnapshot(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id < 0 || id >= len(p.journal) {
		return
	}
	p.journal = p.journal[:id]
}
