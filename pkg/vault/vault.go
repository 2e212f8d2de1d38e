// Package vault implements the accounting engine of leveraged,
// principal-protected vaults: share accounting against NAV, a leveraged
// exposure kept at a fixed ratio of assets, liquidity staked in a gauge and
// permissionless compounding of gauge rewards.
package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/ppv/pkg/fixedpoint"
	"github.com/luxfi/ppv/pkg/gauge"
	"github.com/luxfi/ppv/pkg/swap"
)

// Dependencies are the collaborators a vault calls into.
type Dependencies struct {
	Adapter   *swap.Adapter
	Gauge     gauge.Gauge // nil for direct vaults
	Feed      PriceFeed   // nil: exposure is never marked away from entry
	Protector Protector   // nil: ReserveBuffer{} (full protection)
	Sink      Sink
	Logger    log.Logger
	Now       func() time.Time
}

// NAV is a valuation of the vault.
type NAV struct {
	TotalAssets   *uint256.Int // vault-token units
	TotalShares   *uint256.Int
	PricePerShare *uint256.Int // WAD
	Idle          *uint256.Int
	LPValue       *uint256.Int // vault-token units
	PnL           PnL          // protected, unrealized
	Deficit       *uint256.Int // realized loss idle could not cover
	Mark          *uint256.Int
}

// DepositReceipt is returned by a successful deposit.
type DepositReceipt struct {
	Depositor   common.Address
	Token       common.Address
	Amount      *uint256.Int // as passed in
	Underlying  *uint256.Int // after conversion into the underlying
	Principal   *uint256.Int // vault-token units
	Shares      *uint256.Int
	TotalShares *uint256.Int
	Position    PositionState
}

// WithdrawReceipt is returned by a successful withdrawal.
type WithdrawReceipt struct {
	Depositor   common.Address
	Shares      *uint256.Int
	Owed        *uint256.Int // NAV value of the shares, vault-token units
	Amount      *uint256.Int // underlying released
	Realized    PnL
	TotalShares *uint256.Int
	Position    PositionState
}

// HarvestReport is returned by Compound.
type HarvestReport struct {
	Skipped     bool
	Rewards     *uint256.Int
	Reinvested  *uint256.Int // underlying units
	FeeShares   *uint256.Int
	PriceBefore *uint256.Int
	PriceAfter  *uint256.Int
}

// Vault is a single leveraged, principal-protected vault. Calls are
// serialized; each either commits completely or leaves no trace.
type Vault struct {
	deps   Dependencies
	logger log.Logger
	now    func() time.Time

	cfg    Config
	ledger *fixedpoint.Ledger
	pm     *PositionManager

	shares      *ShareLedger
	principal   *uint256.Int
	idle        *uint256.Int
	deficit     *uint256.Int
	position    Position
	lastHarvest time.Time
	paused      bool
	sequence    uint64

	initialized  bool
	initializing bool

	mu sync.Mutex
}

// New creates an uninitialized vault.
func New(deps Dependencies) *Vault {
	if deps.Protector == nil {
		deps.Protector = ReserveBuffer{}
	}
	if deps.Sink == nil {
		deps.Sink = discard{}
	}
	if deps.Logger == nil {
		deps.Logger = log.Root().New("module", "vault")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Vault{
		deps:      deps,
		logger:    deps.Logger,
		now:       deps.Now,
		shares:    NewShareLedger(),
		principal: new(uint256.Int),
		idle:      new(uint256.Int),
		deficit:   new(uint256.Int),
		position:  flatPosition(),
	}
}

// Initialize sets the vault configuration. It runs once: repeating it with
// the same config is a no-op, a different config or a call made while
// initialization is in progress fails with ErrReentrantInitialization.
func (v *Vault) Initialize(cfg Config) error {
	v.mu.Lock()
	switch {
	case v.initializing:
		v.mu.Unlock()
		return fmt.Errorf("%w: initialization of %s in progress", ErrReentrantInitialization, cfg.Symbol)
	case v.initialized:
		same := v.cfg.Equal(cfg)
		symbol := v.cfg.Symbol
		v.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("%w: %s already initialized with a different config", ErrReentrantInitialization, symbol)
	}
	v.initializing = true
	v.mu.Unlock()

	ledger, pm, err := v.build(cfg)

	v.mu.Lock()
	v.initializing = false
	if err != nil {
		v.mu.Unlock()
		return err
	}
	v.cfg = cfg.clone()
	v.ledger = ledger
	v.pm = pm
	v.initialized = true
	rec := v.record(RecordInitialize)
	v.mu.Unlock()

	v.logger.Info("vault initialized",
		"vault", cfg.Symbol,
		"name", cfg.Name,
		"leverage", fixedpoint.FormatWad(cfg.LeverageRatio),
		"direction", cfg.Direction(),
		"cap", cfg.DepositCap.Dec(),
		"direct", cfg.Direct(),
	)
	v.deps.Sink.Publish(rec)
	return nil
}

func (v *Vault) build(cfg Config) (*fixedpoint.Ledger, *PositionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if v.deps.Adapter == nil {
		return nil, nil, fmt.Errorf("%w: swap adapter is required", ErrInvalidConfig)
	}
	if !cfg.Direct() && v.deps.Gauge == nil {
		return nil, nil, fmt.Errorf("%w: lp vault %s requires a gauge collaborator", ErrInvalidConfig, cfg.Symbol)
	}
	ledger, err := fixedpoint.NewLedger(cfg.UnderlyingBase, cfg.VaultTokenBase, cfg.LPTokenBase)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	pm := &PositionManager{
		cfg:       cfg.clone(),
		ledger:    ledger,
		adapter:   v.deps.Adapter,
		gauge:     v.deps.Gauge,
		feed:      v.deps.Feed,
		protector: v.deps.Protector,
		slippage:  cfg.SlippageBps,
		logger:    v.logger,
	}
	return ledger, pm, nil
}

func (v *Vault) ready() error {
	if !v.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (v *Vault) checkpoint() *checkpoint {
	collaborators := []interface{}{v.deps.Adapter.Exchange(), v.deps.Protector}
	if v.deps.Gauge != nil {
		collaborators = append(collaborators, v.deps.Gauge)
	}
	if v.deps.Feed != nil {
		collaborators = append(collaborators, v.deps.Feed)
	}
	return newCheckpoint(collaborators...)
}

// valuation computes NAV from the committed state.
func (v *Vault) valuation(ctx context.Context) (NAV, error) {
	mark, err := v.pm.Mark(ctx)
	if err != nil {
		return NAV{}, err
	}
	lpUnderlying, err := v.pm.LPValue(ctx, v.position)
	if err != nil {
		return NAV{}, err
	}
	lpValue, err := v.ledger.ToVaultToken(lpUnderlying, fixedpoint.Down)
	if err != nil {
		return NAV{}, err
	}
	pnl, err := v.pm.ProtectedPnL(v.position, mark, v.principal)
	if err != nil {
		return NAV{}, err
	}
	gross, err := fixedpoint.Add(v.idle, lpValue)
	if err != nil {
		return NAV{}, err
	}
	total, err := pnl.ApplyTo(gross)
	if err != nil {
		return NAV{}, err
	}
	total = fixedpoint.SaturatingSub(total, v.deficit)

	supply := v.shares.Total()
	price := fixedpoint.Wad()
	if !supply.IsZero() {
		if price, err = fixedpoint.DivWad(total, supply, fixedpoint.Down); err != nil {
			return NAV{}, err
		}
	}
	return NAV{
		TotalAssets:   total,
		TotalShares:   supply,
		PricePerShare: price,
		Idle:          fixedpoint.Clone(v.idle),
		LPValue:       lpValue,
		PnL:           pnl,
		Deficit:       fixedpoint.Clone(v.deficit),
		Mark:          mark,
	}, nil
}

// previewShares prices principal (vault-token units) against nav. The first
// deposit mints 1:1.
func previewShares(principal *uint256.Int, nav NAV) (*uint256.Int, error) {
	if nav.TotalShares.IsZero() {
		return fixedpoint.Clone(principal), nil
	}
	if nav.TotalAssets.IsZero() {
		return nil, ErrNoAssets
	}
	return fixedpoint.MulDiv(principal, nav.TotalShares, nav.TotalAssets, fixedpoint.Down)
}

// NAV values the vault.
func (v *Vault) NAV(ctx context.Context) (NAV, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ready(); err != nil {
		return NAV{}, err
	}
	return v.valuation(ctx)
}

// PreviewDeposit returns the shares amount of underlying would mint now.
func (v *Vault) PreviewDeposit(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ready(); err != nil {
		return nil, err
	}
	if fixedpoint.IsZero(amount) {
		return nil, ErrZeroAmount
	}
	principal, err := v.ledger.ToVaultToken(amount, fixedpoint.Down)
	if err != nil {
		return nil, err
	}
	nav, err := v.valuation(ctx)
	if err != nil {
		return nil, err
	}
	return previewShares(principal, nav)
}

// PreviewWithdraw returns the NAV value of shares in underlying units,
// before swap costs.
func (v *Vault) PreviewWithdraw(ctx context.Context, shares *uint256.Int) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ready(); err != nil {
		return nil, err
	}
	if fixedpoint.IsZero(shares) {
		return nil, ErrZeroAmount
	}
	nav, err := v.valuation(ctx)
	if err != nil {
		return nil, err
	}
	if shares.Gt(nav.TotalShares) {
		return nil, fmt.Errorf("%s of %s: %w", shares.Dec(), nav.TotalShares.Dec(), ErrInsufficientShares)
	}
	owed, err := fixedpoint.MulDiv(shares, nav.TotalAssets, nav.TotalShares, fixedpoint.Down)
	if err != nil {
		return nil, err
	}
	return v.ledger.ToUnderlying(owed, fixedpoint.Down)
}

// Deposit takes amount of token from depositor and mints shares at the NAV
// preceding the call. Tokens other than the underlying are swapped into the
// underlying first.
func (v *Vault) Deposit(ctx context.Context, depositor, token common.Address, amount *uint256.Int) (*DepositReceipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ready(); err != nil {
		return nil, err
	}
	if v.paused {
		return nil, ErrPaused
	}
	if fixedpoint.IsZero(amount) {
		return nil, ErrZeroAmount
	}

	cp := v.checkpoint()
	receipt, commit, err := v.deposit(ctx, depositor, token, amount)
	if err != nil {
		cp.revert()
		v.logger.Debug("deposit failed", "vault", v.cfg.Symbol, "depositor", depositor.Hex(), "amount", amount.Dec(), "error", err)
		return nil, err
	}
	cp.commit()
	commit()

	rec := v.record(RecordDeposit)
	rec.Account = depositor
	rec.Token = token
	rec.Amount = fixedpoint.Clone(receipt.Underlying)
	rec.Shares = fixedpoint.Clone(receipt.Shares)
	v.deps.Sink.Publish(rec)

	v.logger.Info("deposit",
		"vault", v.cfg.Symbol,
		"depositor", depositor.Hex(),
		"underlying", receipt.Underlying.Dec(),
		"shares", receipt.Shares.Dec(),
		"position", receipt.Position.String(),
	)
	return receipt, nil
}

// deposit stages a deposit. Nothing is written to the vault until the
// returned commit func runs.
func (v *Vault) deposit(ctx context.Context, depositor, token common.Address, amount *uint256.Int) (*DepositReceipt, func(), error) {
	nav, err := v.valuation(ctx)
	if err != nil {
		return nil, nil, err
	}

	underlying := fixedpoint.Clone(amount)
	if token != v.cfg.Underlying {
		minOut, err := v.deps.Adapter.MinOut(ctx, token, v.cfg.Underlying, amount, v.pm.slippage)
		if err != nil {
			return nil, nil, err
		}
		if underlying, err = v.deps.Adapter.Swap(ctx, token, v.cfg.Underlying, amount, minOut); err != nil {
			return nil, nil, err
		}
	}

	principal, err := v.ledger.ToVaultToken(underlying, fixedpoint.Down)
	if err != nil {
		return nil, nil, err
	}
	if principal.IsZero() {
		return nil, nil, fmt.Errorf("%w: %s underlying is below one vault-token unit", ErrZeroAmount, underlying.Dec())
	}
	newPrincipal, err := fixedpoint.Add(v.principal, principal)
	if err != nil {
		return nil, nil, err
	}
	if newPrincipal.Gt(v.cfg.DepositCap) {
		return nil, nil, fmt.Errorf("principal %s + %s > cap %s: %w", v.principal.Dec(), principal.Dec(), v.cfg.DepositCap.Dec(), ErrCapExceeded)
	}

	shares, err := previewShares(principal, nav)
	if err != nil {
		return nil, nil, err
	}
	if shares.IsZero() {
		return nil, nil, fmt.Errorf("%w: deposit mints no shares", ErrZeroAmount)
	}
	if err := v.shares.CanMint(shares); err != nil {
		return nil, nil, err
	}

	idle := fixedpoint.Clone(v.idle)
	pos := v.position.clone()
	if v.cfg.Direct() {
		if idle, err = fixedpoint.Add(idle, principal); err != nil {
			return nil, nil, err
		}
	} else if pos, _, err = v.pm.Deploy(ctx, pos, underlying); err != nil {
		return nil, nil, err
	}

	assetsAfter, err := fixedpoint.Add(nav.TotalAssets, principal)
	if err != nil {
		return nil, nil, err
	}
	target, err := v.pm.Target(assetsAfter)
	if err != nil {
		return nil, nil, err
	}
	pos, realized, err := v.pm.Rescale(ctx, pos, target, nav.Mark, newPrincipal)
	if err != nil {
		return nil, nil, err
	}
	idle, deficit, err := realized.Settle(idle, v.deficit)
	if err != nil {
		return nil, nil, err
	}

	totalShares, _ := fixedpoint.Add(nav.TotalShares, shares)
	receipt := &DepositReceipt{
		Depositor:   depositor,
		Token:       token,
		Amount:      fixedpoint.Clone(amount),
		Underlying:  underlying,
		Principal:   principal,
		Shares:      shares,
		TotalShares: totalShares,
		Position:    pos.State,
	}
	commit := func() {
		v.shares.mint(depositor, shares)
		v.principal = newPrincipal
		v.idle = idle
		v.deficit = deficit
		v.position = pos
	}
	return receipt, commit, nil
}

// Withdraw burns shares of depositor and releases their NAV value in the
// underlying. The exposure is unwound before any funds leave; redeeming the
// last share closes it.
func (v *Vault) Withdraw(ctx context.Context, depositor common.Address, shares *uint256.Int) (*WithdrawReceipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ready(); err != nil {
		return nil, err
	}
	if fixedpoint.IsZero(shares) {
		return nil, ErrZeroAmount
	}
	if err := v.shares.CanBurn(depositor, shares); err != nil {
		return nil, err
	}

	cp := v.checkpoint()
	receipt, commit, err := v.withdraw(ctx, depositor, shares)
	if err != nil {
		cp.revert()
		v.logger.Debug("withdraw failed", "vault", v.cfg.Symbol, "depositor", depositor.Hex(), "shares", shares.Dec(), "error", err)
		return nil, err
	}
	cp.commit()
	commit()

	rec := v.record(RecordWithdraw)
	rec.Account = depositor
	rec.Token = v.cfg.Underlying
	rec.Amount = fixedpoint.Clone(receipt.Amount)
	rec.Shares = fixedpoint.Clone(receipt.Shares)
	v.deps.Sink.Publish(rec)

	v.logger.Info("withdraw",
		"vault", v.cfg.Symbol,
		"depositor", depositor.Hex(),
		"shares", shares.Dec(),
		"underlying", receipt.Amount.Dec(),
		"realized", receipt.Realized.String(),
		"position", receipt.Position.String(),
	)
	return receipt, nil
}

func (v *Vault) withdraw(ctx context.Context, depositor common.Address, shares *uint256.Int) (*WithdrawReceipt, func(), error) {
	nav, err := v.valuation(ctx)
	if err != nil {
		return nil, nil, err
	}
	supply := nav.TotalShares
	full := shares.Eq(supply)

	owed, err := fixedpoint.MulDiv(shares, nav.TotalAssets, supply, fixedpoint.Down)
	if err != nil {
		return nil, nil, err
	}
	principalOut := fixedpoint.Clone(v.principal)
	idleSlice := fixedpoint.Clone(v.idle)
	deficitSlice := fixedpoint.Clone(v.deficit)
	if !full {
		if principalOut, err = fixedpoint.MulDiv(v.principal, shares, supply, fixedpoint.Down); err != nil {
			return nil, nil, err
		}
		if idleSlice, err = fixedpoint.MulDiv(v.idle, shares, supply, fixedpoint.Down); err != nil {
			return nil, nil, err
		}
		if deficitSlice, err = fixedpoint.MulDiv(v.deficit, shares, supply, fixedpoint.Up); err != nil {
			return nil, nil, err
		}
		deficitSlice = fixedpoint.Min(deficitSlice, v.deficit)
	}

	principal := new(uint256.Int).Sub(v.principal, principalOut)

	// Unwind the withdrawer's slice of the exposure before releasing
	// anything; its realized P&L belongs to the withdrawer.
	pos := v.position.clone()
	var realized PnL
	if full {
		pos, realized, err = v.pm.Close(ctx, pos, nav.Mark, v.principal)
	} else {
		var cut *uint256.Int
		if cut, err = fixedpoint.MulDiv(pos.Size, shares, supply, fixedpoint.Down); err != nil {
			return nil, nil, err
		}
		pos, realized, err = v.pm.Rescale(ctx, pos, new(uint256.Int).Sub(pos.Size, cut), nav.Mark, v.principal)
	}
	if err != nil {
		return nil, nil, err
	}
	idleOut, debtOut, err := realized.Settle(idleSlice, deficitSlice)
	if err != nil {
		return nil, nil, err
	}

	lpOut := fixedpoint.Clone(pos.StakedLP)
	if !full {
		if lpOut, err = fixedpoint.MulDiv(pos.StakedLP, shares, supply, fixedpoint.Down); err != nil {
			return nil, nil, err
		}
	}
	pos, fromLP, err := v.pm.Release(ctx, pos, lpOut)
	if err != nil {
		return nil, nil, err
	}

	fromIdle, err := v.ledger.ToUnderlying(idleOut, fixedpoint.Down)
	if err != nil {
		return nil, nil, err
	}
	released, err := fixedpoint.Add(fromIdle, fromLP)
	if err != nil {
		return nil, nil, err
	}
	// The withdrawer's share of losses idle could not cover comes out of
	// what was released.
	debt, err := v.ledger.ToUnderlying(debtOut, fixedpoint.Up)
	if err != nil {
		return nil, nil, err
	}
	if debt.Gt(released) {
		return nil, nil, fmt.Errorf("%w: loss %s, released %s", ErrUncoveredLoss, debt.Dec(), released.Dec())
	}
	payout := new(uint256.Int).Sub(released, debt)

	// Never pay above NAV; a better fill than the quote stays in the vault.
	idle := new(uint256.Int).Sub(v.idle, idleSlice)
	deficit := new(uint256.Int).Sub(v.deficit, deficitSlice)
	owedUnderlying, err := v.ledger.ToUnderlying(owed, fixedpoint.Down)
	if err != nil {
		return nil, nil, err
	}
	if payout.Gt(owedUnderlying) {
		surplus, err := v.ledger.ToVaultToken(new(uint256.Int).Sub(payout, owedUnderlying), fixedpoint.Down)
		if err != nil {
			return nil, nil, err
		}
		if idle, deficit, err = Gain(surplus).Settle(idle, deficit); err != nil {
			return nil, nil, err
		}
		payout = owedUnderlying
	}

	// Re-leverage what stays in the vault.
	if !full {
		target, err := v.pm.Target(fixedpoint.SaturatingSub(nav.TotalAssets, owed))
		if err != nil {
			return nil, nil, err
		}
		var rebalanced PnL
		if pos, rebalanced, err = v.pm.Rescale(ctx, pos, target, nav.Mark, principal); err != nil {
			return nil, nil, err
		}
		if idle, deficit, err = rebalanced.Settle(idle, deficit); err != nil {
			return nil, nil, err
		}
	}

	receipt := &WithdrawReceipt{
		Depositor:   depositor,
		Shares:      fixedpoint.Clone(shares),
		Owed:        owed,
		Amount:      payout,
		Realized:    realized,
		TotalShares: new(uint256.Int).Sub(supply, shares),
		Position:    pos.State,
	}
	commit := func() {
		v.shares.burn(depositor, shares)
		v.principal = principal
		v.idle = idle
		v.deficit = deficit
		v.position = pos
	}
	return receipt, commit, nil
}

// Compound claims gauge rewards, swaps them into the underlying, restakes the
// proceeds and re-leverages. Anyone may call it. Calls within the harvest
// interval of the previous harvest, or while no shares exist, do nothing.
func (v *Vault) Compound(ctx context.Context) (*HarvestReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ready(); err != nil {
		return nil, err
	}
	now := v.now()
	if v.cfg.Direct() || v.shares.Total().IsZero() {
		return skippedHarvest(), nil
	}
	if !v.lastHarvest.IsZero() && now.Sub(v.lastHarvest) < v.cfg.HarvestInterval {
		return skippedHarvest(), nil
	}

	cp := v.checkpoint()
	report, commit, err := v.compound(ctx)
	if err != nil {
		cp.revert()
		v.logger.Warn("harvest failed", "vault", v.cfg.Symbol, "error", err)
		return nil, err
	}
	cp.commit()
	commit()
	v.lastHarvest = now

	if report.Rewards.IsZero() {
		return report, nil
	}

	rec := v.record(RecordHarvest)
	rec.Account = v.cfg.Rewards
	rec.Token = v.cfg.RewardToken
	rec.Amount = fixedpoint.Clone(report.Rewards)
	rec.Shares = fixedpoint.Clone(report.FeeShares)
	v.deps.Sink.Publish(rec)

	v.logger.Info("harvest",
		"vault", v.cfg.Symbol,
		"rewards", report.Rewards.Dec(),
		"reinvested", report.Reinvested.Dec(),
		"feeShares", report.FeeShares.Dec(),
		"pricePerShare", fixedpoint.FormatWad(report.PriceAfter),
	)
	return report, nil
}

func skippedHarvest() *HarvestReport {
	return &HarvestReport{
		Skipped:    true,
		Rewards:    new(uint256.Int),
		Reinvested: new(uint256.Int),
		FeeShares:  new(uint256.Int),
	}
}

func (v *Vault) compound(ctx context.Context) (*HarvestReport, func(), error) {
	nav, err := v.valuation(ctx)
	if err != nil {
		return nil, nil, err
	}
	report := &HarvestReport{
		Rewards:     new(uint256.Int),
		Reinvested:  new(uint256.Int),
		FeeShares:   new(uint256.Int),
		PriceBefore: nav.PricePerShare,
		PriceAfter:  nav.PricePerShare,
	}

	rewards, err := v.deps.Gauge.ClaimRewards(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("claim rewards: %w: %w", ErrExternalCallFailed, err)
	}
	if fixedpoint.IsZero(rewards) {
		return report, func() {}, nil
	}
	report.Rewards = fixedpoint.Clone(rewards)

	minOut, err := v.deps.Adapter.MinOut(ctx, v.cfg.RewardToken, v.cfg.Underlying, rewards, v.pm.slippage)
	if err != nil {
		return nil, nil, err
	}
	underlying, err := v.deps.Adapter.Swap(ctx, v.cfg.RewardToken, v.cfg.Underlying, rewards, minOut)
	if err != nil {
		return nil, nil, err
	}
	report.Reinvested = underlying

	pos, _, err := v.pm.Deploy(ctx, v.position.clone(), underlying)
	if err != nil {
		return nil, nil, err
	}
	gain, err := v.ledger.ToVaultToken(underlying, fixedpoint.Down)
	if err != nil {
		return nil, nil, err
	}
	assetsAfter, err := fixedpoint.Add(nav.TotalAssets, gain)
	if err != nil {
		return nil, nil, err
	}

	feeShares := new(uint256.Int)
	if v.cfg.HarvestFeeBps > 0 && v.cfg.Rewards != (common.Address{}) {
		fee, err := fixedpoint.ApplyBps(gain, v.cfg.HarvestFeeBps, fixedpoint.Down)
		if err != nil {
			return nil, nil, err
		}
		if base := fixedpoint.SaturatingSub(assetsAfter, fee); !fee.IsZero() && !base.IsZero() {
			if feeShares, err = fixedpoint.MulDiv(fee, nav.TotalShares, base, fixedpoint.Down); err != nil {
				return nil, nil, err
			}
		}
		if err := v.shares.CanMint(feeShares); err != nil {
			return nil, nil, err
		}
	}
	report.FeeShares = feeShares

	target, err := v.pm.Target(assetsAfter)
	if err != nil {
		return nil, nil, err
	}
	pos, realized, err := v.pm.Rescale(ctx, pos, target, nav.Mark, v.principal)
	if err != nil {
		return nil, nil, err
	}
	idle, deficit, err := realized.Settle(v.idle, v.deficit)
	if err != nil {
		return nil, nil, err
	}

	supplyAfter, _ := fixedpoint.Add(nav.TotalShares, feeShares)
	if report.PriceAfter, err = fixedpoint.DivWad(assetsAfter, supplyAfter, fixedpoint.Down); err != nil {
		return nil, nil, err
	}

	commit := func() {
		v.shares.mint(v.cfg.Rewards, feeShares)
		v.idle = idle
		v.deficit = deficit
		v.position = pos
	}
	return report, commit, nil
}

// Pause stops deposits. Withdrawals stay open.
func (v *Vault) Pause() error {
	return v.setPaused(true)
}

// Unpause reopens deposits.
func (v *Vault) Unpause() error {
	return v.setPaused(false)
}

func (v *Vault) setPaused(paused bool) error {
	v.mu.Lock()
	if err := v.ready(); err != nil {
		v.mu.Unlock()
		return err
	}
	if v.paused == paused {
		v.mu.Unlock()
		return nil
	}
	v.paused = paused
	kind := RecordUnpause
	if paused {
		kind = RecordPause
	}
	rec := v.record(kind)
	v.mu.Unlock()

	v.logger.Info("vault pause state changed", "vault", rec.Vault, "paused", paused)
	v.deps.Sink.Publish(rec)
	return nil
}

// SetSlippage changes the tolerance the vault applies to its swaps.
func (v *Vault) SetSlippage(bps uint64) error {
	if bps > fixedpoint.BpsDenominator {
		return fmt.Errorf("slippage %d bps exceeds 100%%", bps)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.ready(); err != nil {
		return err
	}
	v.pm.slippage = bps
	return nil
}

// record builds a record from the committed state. Callers hold v.mu.
func (v *Vault) record(kind RecordKind) Record {
	v.sequence++
	return Record{
		Kind:           kind,
		Vault:          v.cfg.Symbol,
		Sequence:       v.sequence,
		Amount:         new(uint256.Int),
		Shares:         new(uint256.Int),
		TotalShares:    v.shares.Total(),
		BookAssets:     v.bookAssets(),
		TotalPrincipal: fixedpoint.Clone(v.principal),
		Position:       v.position.State,
		PositionSize:   fixedpoint.Clone(v.position.Size),
		Timestamp:      v.now(),
	}
}

// bookAssets is idle plus staked LP at a 1:1 rate, less the carried
// deficit.
func (v *Vault) bookAssets() *uint256.Int {
	idle := fixedpoint.SaturatingSub(v.idle, v.deficit)
	if v.ledger == nil {
		return idle
	}
	lp, err := v.ledger.FromLP(v.position.StakedLP, fixedpoint.Down)
	if err != nil {
		return idle
	}
	total, err := fixedpoint.Add(v.idle, lp)
	if err != nil {
		return idle
	}
	return fixedpoint.SaturatingSub(total, v.deficit)
}

// Config returns a copy of the vault configuration.
func (v *Vault) Config() Config {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cfg.clone()
}

// Symbol returns the vault symbol.
func (v *Vault) Symbol() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cfg.Symbol
}

// BalanceOf returns the shares held by account.
func (v *Vault) BalanceOf(account common.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shares.BalanceOf(account)
}

// TotalShares returns the share supply.
func (v *Vault) TotalShares() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.shares.Total()
}

// TotalPrincipal returns the principal counted against the deposit cap.
func (v *Vault) TotalPrincipal() *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fixedpoint.Clone(v.principal)
}

// Position returns a copy of the current position.
func (v *Vault) Position() Position {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.position.clone()
}

// Paused reports whether deposits are stopped.
func (v *Vault) Paused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

// CheckInvariants verifies the ledger sums to the share supply and principal
// is within the cap.
func (v *Vault) CheckInvariants() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.shares.Check(); err != nil {
		return err
	}
	if v.initialized && v.principal.Gt(v.cfg.DepositCap) {
		return fmt.Errorf("principal %s above cap %s", v.principal.Dec(), v.cfg.DepositCap.Dec())
	}
	return nil
}
