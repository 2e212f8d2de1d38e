package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/ppv/pkg/vault"
)

// Op names a routed call.
type Op string

const (
	OpDeposit  Op = "deposit"
	OpWithdraw Op = "withdraw"
	OpCompound Op = "compound"
)

// Outcome describes one routed call.
type Outcome struct {
	VaultID  string
	Op       Op
	Account  common.Address
	Amount   *uint256.Int // deposit amount or shares withdrawn
	Duration time.Duration
	Err      error
}

// Observer is told about every routed call after it returns.
type Observer interface {
	Observe(Outcome)
}

// Router forwards deposits and withdrawals to registered vaults. Mutating
// calls run one at a time: vaults may share a market, and a market rolls back
// by snapshot revision, so calls on different vaults must not interleave.
// Reads wait for any mutating call in flight so they never price a shared
// market that is about to be rolled back.
type Router struct {
	registry  *Registry
	observers []Observer
	logger    log.Logger
	exec      sync.RWMutex
}

// New creates a router over registry.
func New(registry *Registry, logger log.Logger, observers ...Observer) *Router {
	if logger == nil {
		logger = log.Root().New("module", "router")
	}
	return &Router{registry: registry, observers: observers, logger: logger}
}

// Registry returns the registry the router resolves vaults from.
func (r *Router) Registry() *Registry { return r.registry }

// RouteDeposit forwards a deposit of amount of token to vault id and returns
// its result verbatim.
func (r *Router) RouteDeposit(ctx context.Context, id string, depositor, token common.Address, amount *uint256.Int) (*vault.DepositReceipt, error) {
	start := time.Now()
	e, err := r.registry.Lookup(id)
	if err == nil && !e.Accepts(token) {
		err = fmt.Errorf("%s into %s: %w", token.Hex(), id, ErrUnsupportedToken)
	}
	if err != nil {
		r.observe(Outcome{VaultID: id, Op: OpDeposit, Account: depositor, Amount: amount, Duration: time.Since(start), Err: err})
		return nil, err
	}

	r.exec.Lock()
	receipt, err := e.Vault.Deposit(ctx, depositor, token, amount)
	r.exec.Unlock()
	r.observe(Outcome{VaultID: id, Op: OpDeposit, Account: depositor, Amount: amount, Duration: time.Since(start), Err: err})
	return receipt, err
}

// RouteWithdraw forwards a withdrawal of shares from vault id.
func (r *Router) RouteWithdraw(ctx context.Context, id string, depositor common.Address, shares *uint256.Int) (*vault.WithdrawReceipt, error) {
	start := time.Now()
	e, err := r.registry.Lookup(id)
	if err != nil {
		r.observe(Outcome{VaultID: id, Op: OpWithdraw, Account: depositor, Amount: shares, Duration: time.Since(start), Err: err})
		return nil, err
	}

	r.exec.Lock()
	receipt, err := e.Vault.Withdraw(ctx, depositor, shares)
	r.exec.Unlock()
	r.observe(Outcome{VaultID: id, Op: OpWithdraw, Account: depositor, Amount: shares, Duration: time.Since(start), Err: err})
	return receipt, err
}

// RouteCompound triggers a harvest of vault id.
func (r *Router) RouteCompound(ctx context.Context, id string) (*vault.HarvestReport, error) {
	start := time.Now()
	e, err := r.registry.Lookup(id)
	if err != nil {
		r.observe(Outcome{VaultID: id, Op: OpCompound, Duration: time.Since(start), Err: err})
		return nil, err
	}

	r.exec.Lock()
	report, err := e.Vault.Compound(ctx)
	r.exec.Unlock()
	r.observe(Outcome{VaultID: id, Op: OpCompound, Duration: time.Since(start), Err: err})
	return report, err
}

// NAV values vault id.
func (r *Router) NAV(ctx context.Context, id string) (vault.NAV, error) {
	e, err := r.registry.Lookup(id)
	if err != nil {
		return vault.NAV{}, err
	}
	r.exec.RLock()
	defer r.exec.RUnlock()
	return e.Vault.NAV(ctx)
}

// PreviewDeposit returns the shares amount of underlying would mint in
// vault id.
func (r *Router) PreviewDeposit(ctx context.Context, id string, amount *uint256.Int) (*uint256.Int, error) {
	e, err := r.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	r.exec.RLock()
	defer r.exec.RUnlock()
	return e.Vault.PreviewDeposit(ctx, amount)
}

// CompoundAll harvests every registered vault and returns the first error.
// A failing vault does not stop the others.
func (r *Router) CompoundAll(ctx context.Context) error {
	var first error
	for _, id := range r.registry.IDs() {
		if _, err := r.RouteCompound(ctx, id); err != nil {
			r.logger.Warn("compound failed", "vault", id, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (r *Router) observe(o Outcome) {
	for _, obs := range r.observers {
		obs.Observe(o)
	}
}
