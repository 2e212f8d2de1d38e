package vault

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/luxfi/ppv/pkg/fixedpoint"
)

// Config is the configuration tuple a vault is initialized with. It is
// immutable once the vault is initialized.
type Config struct {
	Name     string
	Symbol   string
	Decimals uint8

	VaultToken   common.Address
	Underlying   common.Address
	LPToken      common.Address // zero for a direct vault
	Gauge        common.Address
	GaugeFactory common.Address
	Rewards      common.Address // receives harvest fee shares
	RewardToken  common.Address
	IndexToken   common.Address // priced to mark the exposure, defaults to Underlying

	LeverageRatio *uint256.Int // WAD, >= 1e18
	IsLong        bool
	DepositCap    *uint256.Int // vault-token units

	VaultTokenBase *uint256.Int
	UnderlyingBase *uint256.Int
	LPTokenBase    *uint256.Int // optional, defaults to UnderlyingBase

	SlippageBps     uint64
	HarvestFeeBps   uint64
	HarvestInterval time.Duration
}

// Direct reports whether the vault keeps principal idle instead of providing
// liquidity and staking it.
func (c Config) Direct() bool {
	return c.LPToken == (common.Address{})
}

// Direction renders IsLong the way vault names do.
func (c Config) Direction() string {
	if c.IsLong {
		return "UP"
	}
	return "DOWN"
}

// Index returns the token whose price marks the exposure.
func (c Config) Index() common.Address {
	if c.IndexToken == (common.Address{}) {
		return c.Underlying
	}
	return c.IndexToken
}

// Validate checks the invariants of a config.
func (c Config) Validate() error {
	if c.Name == "" || c.Symbol == "" {
		return fmt.Errorf("%w: name and symbol are required", ErrInvalidConfig)
	}
	if c.Underlying == (common.Address{}) {
		return fmt.Errorf("%w: underlying token is required", ErrInvalidConfig)
	}
	if c.VaultToken == (common.Address{}) {
		return fmt.Errorf("%w: vault token is required", ErrInvalidConfig)
	}
	if !c.Direct() && c.Gauge == (common.Address{}) {
		return fmt.Errorf("%w: lp vault %s requires a gauge", ErrInvalidConfig, c.Symbol)
	}
	if c.LeverageRatio == nil || c.LeverageRatio.Lt(fixedpoint.Wad()) {
		return fmt.Errorf("%w: leverage ratio must be at least 1.0", ErrInvalidConfig)
	}
	if fixedpoint.IsZero(c.DepositCap) {
		return fmt.Errorf("%w: deposit cap must be positive", ErrInvalidConfig)
	}
	if fixedpoint.IsZero(c.VaultTokenBase) || fixedpoint.IsZero(c.UnderlyingBase) {
		return fmt.Errorf("%w: decimal bases must be positive", ErrInvalidConfig)
	}
	if c.LPTokenBase != nil && c.LPTokenBase.IsZero() {
		return fmt.Errorf("%w: lp token base must be positive", ErrInvalidConfig)
	}
	if c.SlippageBps > fixedpoint.BpsDenominator || c.HarvestFeeBps > fixedpoint.BpsDenominator {
		return fmt.Errorf("%w: basis points above 100%%", ErrInvalidConfig)
	}
	if c.HarvestInterval < 0 {
		return fmt.Errorf("%w: negative harvest interval", ErrInvalidConfig)
	}
	return nil
}

// Equal compares two configs field by field.
func (c Config) Equal(o Config) bool {
	return c.Name == o.Name &&
		c.Symbol == o.Symbol &&
		c.Decimals == o.Decimals &&
		c.VaultToken == o.VaultToken &&
		c.Underlying == o.Underlying &&
		c.LPToken == o.LPToken &&
		c.Gauge == o.Gauge &&
		c.GaugeFactory == o.GaugeFactory &&
		c.Rewards == o.Rewards &&
		c.RewardToken == o.RewardToken &&
		c.IndexToken == o.IndexToken &&
		eqInt(c.LeverageRatio, o.LeverageRatio) &&
		c.IsLong == o.IsLong &&
		eqInt(c.DepositCap, o.DepositCap) &&
		eqInt(c.VaultTokenBase, o.VaultTokenBase) &&
		eqInt(c.UnderlyingBase, o.UnderlyingBase) &&
		eqInt(c.LPTokenBase, o.LPTokenBase) &&
		c.SlippageBps == o.SlippageBps &&
		c.HarvestFeeBps == o.HarvestFeeBps &&
		c.HarvestInterval == o.HarvestInterval
}

func (c Config) clone() Config {
	out := c
	out.LeverageRatio = fixedpoint.Clone(c.LeverageRatio)
	out.DepositCap = fixedpoint.Clone(c.DepositCap)
	out.VaultTokenBase = fixedpoint.Clone(c.VaultTokenBase)
	out.UnderlyingBase = fixedpoint.Clone(c.UnderlyingBase)
	if c.LPTokenBase != nil {
		out.LPTokenBase = fixedpoint.Clone(c.LPTokenBase)
	}
	return out
}

func eqInt(a, b *uint256.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Eq(b)
}
