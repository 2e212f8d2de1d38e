// Package gauge defines the staking gauge collaborator of a vault and an
// in-memory gauge used by simulations and tests.
package gauge

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
	ErrWrongToken        = errors.New("lp token not accepted by gauge")
	ErrInsufficientStake = errors.New("insufficient staked balance")
	ErrZeroAmount        = errors.New("zero amount")
	ErrPaused            = errors.New("gauge is paused")
)

// Gauge accrues reward tokens against a staked LP balance.
type Gauge interface {
	Stake(ctx context.Context, lpToken common.Address, amount *uint256.Int) error
	Unstake(ctx context.Context, amount *uint256.Int) error
	ClaimRewards(ctx context.Context) (*uint256.Int, error)
}

type poolState struct {
	staked  *uint256.Int
	pending *uint256.Int
	claimed *uint256.Int
	paused  bool
}

func (s poolState) clone() poolState {
	return poolState{
		staked:  fixedpoint.Clone(s.staked),
		pending: fixedpoint.Clone(s.pending),
		claimed: fixedpoint.Clone(s.claimed),
		paused:  s.paused,
	}
}

// Pool is a single-staker gauge: it holds one vault's LP stake and the rewards
// emitted to it.
type Pool struct {
	lpToken     common.Address
	rewardToken common.Address

	state   poolState
	journal []poolState
	mu      sync.Mutex
}

// NewPool creates a gauge that accepts lpToken and pays rewardToken.
func NewPool(lpToken, rewardToken common.Address) *Pool {
	return &Pool{
		lpToken:     lpToken,
		rewardToken: rewardToken,
		state: poolState{
			staked:  new(uint256.Int),
			pending: new(uint256.Int),
			claimed: new(uint256.Int),
		},
	}
}

func (p *Pool) LPToken() common.Address     { return p.lpToken }
func (p *Pool) RewardToken() common.Address { return p.rewardToken }

// Stake implements Gauge.
func (p *Pool) Stake(_ context.Context, lpToken common.Address, amount *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.paused {
		return ErrPaused
	}
	if lpToken != p.lpToken {
		return fmt.Errorf("%s: %w", lpToken.Hex(), ErrWrongToken)
	}
	if fixedpoint.IsZero(amount) {
		return ErrZeroAmount
	}
	staked, err := fixedpoint.Add(p.state.staked, amount)
	if err != nil {
		return err
	}
	p.state.staked = staked
	return nil
}

// Unstake implements Gauge.
func (p *Pool) Unstake(_ context.Context, amount *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.paused {
		return ErrPaused
	}
	if fixedpoint.IsZero(amount) {
		return ErrZeroAmount
	}
	if amount.Gt(p.state.staked) {
		return fmt.Errorf("unstake %s of %s: %w", amount.Dec(), p.state.staked.Dec(), ErrInsufficientStake)
	}
	p.state.staked = new(uint256.Int).Sub(p.state.staked, amount)
	return nil
}

// ClaimRewards implements Gauge. Pending rewards are paid once.
func (p *Pool) ClaimRewards(context.Context) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.paused {
		return nil, ErrPaused
	}
	out := p.state.pending
	p.state.claimed = new(uint256.Int).Add(p.state.claimed, out)
	p.state.pending = new(uint256.Int)
	return out, nil
}

// Accrue emits rewards to the current stake. Nothing accrues while the
// stake is empty.
func (p *Pool) Accrue(amount *uint256.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.staked.IsZero() || fixedpoint.IsZero(amount) {
		return
	}
	p.state.pending = new(uint256.Int).Add(p.state.pending, amount)
}

// SetPaused toggles the gauge; a paused gauge fails every call.
func (p *Pool) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.paused = paused
}

// Staked returns the staked LP balance.
func (p *Pool) Staked() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fixedpoint.Clone(p.state.staked)
}

// Pending returns the unclaimed rewards.
func (p *Pool) Pending() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fixedpoint.Clone(p.state.pending)
}

// Claimed returns the lifetime claimed rewards.
func (p *Pool) Claimed() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fixedpoint.Clone(p.state.claimed)
}

// Snapshot records the gauge state and returns a revision id.
func (p *Pool) Snapshot() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.journal = append(p.journal, p.state.clone())
	return len(p.journal) - 1
}

// RevertToSnapshot restores the state recorded by Snapshot(id).
func (p *Pool) RevertToSnapshot(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.journal) {
		return
	}
	p.state = p.journal[id]
	p.journal = p.journal[:id]
}

// DiscardSnapshot drops the snapshot id and every later one.
func (p *Pool) DiscardSnapshot(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.journal) {
		return
	}
	p.journal = p.journal[:id]
}
