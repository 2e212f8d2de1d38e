// Package config loads a vault deployment from YAML: tokens, the simulated
// markets the vaults trade against, and the vaults themselves.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/ppv/pkg/fixedpoint"
	"github.com/luxfi/ppv/pkg/gauge"
	"github.com/luxfi/ppv/pkg/oracle"
	"github.com/luxfi/ppv/pkg/router"
	"github.com/luxfi/ppv/pkg/swap"
	"github.com/luxfi/ppv/pkg/vault"
)

var ErrInvalid = errors.New("invalid config")

// File is the YAML document.
type File struct {
	Factory string           `yaml:"factory"`
	Hub     string           `yaml:"hub"` // token name swaps route through, optional
	Server  Server           `yaml:"server"`
	Tokens  map[string]Token `yaml:"tokens"`
	Pools   []Pool           `yaml:"pools"`
	Oracle  Oracle           `yaml:"oracle"`
	Vaults  []Vault          `yaml:"vaults"`
}

// Server holds listener addresses. Empty disables a listener.
type Server struct {
	RPC          string        `yaml:"rpc"`
	WebSocket    string        `yaml:"websocket"`
	Metrics      string        `yaml:"metrics"`
	NATS         string        `yaml:"nats"`
	NATSPrefix   string        `yaml:"natsPrefix"`
	HarvestEvery time.Duration `yaml:"harvestEvery"`
}

// Token is an ERC-20 the deployment refers to by name.
type Token struct {
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
}

// Pool seeds a constant-product pool. Reserves are base-unit integers.
type Pool struct {
	Tokens   [2]string `yaml:"tokens"`
	Reserves [2]string `yaml:"reserves"`
	Fee      uint32    `yaml:"fee"`
}

// Oracle configures the mark price feed. Prices are decimals.
type Oracle struct {
	StaleAfter      time.Duration     `yaml:"staleAfter"`
	MaxDeviationBps uint64            `yaml:"maxDeviationBps"`
	Prices          map[string]string `yaml:"prices"`
}

// Vault describes one product.
type Vault struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	Symbol          string        `yaml:"symbol"`
	Underlying      string        `yaml:"underlying"`
	LPToken         string        `yaml:"lpToken"` // empty for a direct vault
	RewardToken     string        `yaml:"rewardToken"`
	IndexToken      string        `yaml:"indexToken"`
	Rewards         string        `yaml:"rewards"`
	Leverage        string        `yaml:"leverage"`
	Long            bool          `yaml:"long"`
	DepositCap      string        `yaml:"depositCap"`
	SlippageBps     uint64        `yaml:"slippageBps"`
	HarvestFeeBps   uint64        `yaml:"harvestFeeBps"`
	HarvestInterval time.Duration `yaml:"harvestInterval"`
	MaxLossBps      uint64        `yaml:"maxLossBps"`
	Accepts         []string      `yaml:"accepts"`
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a YAML document. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if f.Server.NATSPrefix == "" {
		f.Server.NATSPrefix = "ppv"
	}
	return &f, nil
}

// Deployment is a File resolved into live collaborators.
type Deployment struct {
	Factory common.Address
	Hub     common.Address
	Pools   *swap.Pools
	Feed    *oracle.Feed
	Vaults  []VaultSpec
}

// VaultSpec is everything needed to create and register one vault.
type VaultSpec struct {
	ID        string
	Address   common.Address
	Config    vault.Config
	Gauge     *gauge.Pool // nil for a direct vault
	Protector vault.Protector
	Accepts   []common.Address
}

// Build resolves token names, seeds pools and prices, and validates every
// vault config.
func (f *File) Build() (*Deployment, error) {
	d := &Deployment{
		Pools: swap.NewPools(),
		Feed:  oracle.NewFeed(f.Oracle.StaleAfter, f.Oracle.MaxDeviationBps),
	}
	if !common.IsHexAddress(f.Factory) {
		return nil, fmt.Errorf("%w: factory %q", ErrInvalid, f.Factory)
	}
	d.Factory = common.HexToAddress(f.Factory)

	var err error
	if f.Hub != "" {
		if d.Hub, err = f.address(f.Hub); err != nil {
			return nil, err
		}
	}

	for i, p := range f.Pools {
		if err := f.addPool(d.Pools, p); err != nil {
			return nil, fmt.Errorf("pool %d: %w", i, err)
		}
	}

	for name, s := range f.Oracle.Prices {
		token, err := f.address(name)
		if err != nil {
			return nil, err
		}
		price, err := fixedpoint.ParseWad(s)
		if err != nil {
			return nil, fmt.Errorf("%w: price of %s: %v", ErrInvalid, name, err)
		}
		if err := d.Feed.Update(token, price); err != nil {
			return nil, fmt.Errorf("%w: price of %s: %v", ErrInvalid, name, err)
		}
	}

	ids := make(map[string]bool, len(f.Vaults))
	for _, v := range f.Vaults {
		if ids[v.ID] {
			return nil, fmt.Errorf("%w: duplicate vault id %q", ErrInvalid, v.ID)
		}
		ids[v.ID] = true
		spec, err := f.vault(d.Factory, v)
		if err != nil {
			return nil, fmt.Errorf("vault %s: %w", v.ID, err)
		}
		d.Vaults = append(d.Vaults, spec)
	}
	return d, nil
}

func (f *File) token(name string) (Token, common.Address, error) {
	t, ok := f.Tokens[name]
	if !ok {
		return Token{}, common.Address{}, fmt.Errorf("%w: unknown token %q", ErrInvalid, name)
	}
	if !common.IsHexAddress(t.Address) {
		return Token{}, common.Address{}, fmt.Errorf("%w: token %s address %q", ErrInvalid, name, t.Address)
	}
	return t, common.HexToAddress(t.Address), nil
}

// address resolves a token name, or accepts a literal hex address.
func (f *File) address(name string) (common.Address, error) {
	if _, ok := f.Tokens[name]; !ok && common.IsHexAddress(name) {
		return common.HexToAddress(name), nil
	}
	_, addr, err := f.token(name)
	return addr, err
}

func base(decimals uint8) (*uint256.Int, error) {
	if decimals > 77 {
		return nil, fmt.Errorf("%w: %d decimals", ErrInvalid, decimals)
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals))), nil
}

func (f *File) addPool(pools *swap.Pools, p Pool) error {
	a, err := f.address(p.Tokens[0])
	if err != nil {
		return err
	}
	b, err := f.address(p.Tokens[1])
	if err != nil {
		return err
	}
	ra, err := fixedpoint.ParseAmount(p.Reserves[0])
	if err != nil {
		return fmt.Errorf("%w: reserve: %v", ErrInvalid, err)
	}
	rb, err := fixedpoint.ParseAmount(p.Reserves[1])
	if err != nil {
		return fmt.Errorf("%w: reserve: %v", ErrInvalid, err)
	}
	fee := p.Fee
	if fee == 0 {
		fee = swap.FeeTierMedium
	}
	return pools.AddPool(a, b, ra, rb, fee)
}

func (f *File) vault(factory common.Address, v Vault) (VaultSpec, error) {
	if v.ID == "" || v.Symbol == "" {
		return VaultSpec{}, fmt.Errorf("%w: id and symbol are required", ErrInvalid)
	}
	underlying, underlyingAddr, err := f.token(v.Underlying)
	if err != nil {
		return VaultSpec{}, err
	}
	ubase, err := base(underlying.Decimals)
	if err != nil {
		return VaultSpec{}, err
	}
	leverage, err := fixedpoint.ParseWad(v.Leverage)
	if err != nil {
		return VaultSpec{}, fmt.Errorf("%w: leverage: %v", ErrInvalid, err)
	}
	depositCap, err := fixedpoint.ParseAmount(v.DepositCap)
	if err != nil {
		return VaultSpec{}, fmt.Errorf("%w: depositCap: %v", ErrInvalid, err)
	}

	addr := router.DeriveAddress(factory, v.Symbol)
	cfg := vault.Config{
		Name:            v.Name,
		Symbol:          v.Symbol,
		Decimals:        underlying.Decimals,
		VaultToken:      addr,
		Underlying:      underlyingAddr,
		LeverageRatio:   leverage,
		IsLong:          v.Long,
		DepositCap:      depositCap,
		VaultTokenBase:  ubase,
		UnderlyingBase:  fixedpoint.Clone(ubase),
		SlippageBps:     v.SlippageBps,
		HarvestFeeBps:   v.HarvestFeeBps,
		HarvestInterval: v.HarvestInterval,
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("Vovo %s %s", v.Symbol, cfg.Direction())
	}
	if v.IndexToken != "" {
		if cfg.IndexToken, err = f.address(v.IndexToken); err != nil {
			return VaultSpec{}, err
		}
	}
	if v.Rewards != "" {
		if !common.IsHexAddress(v.Rewards) {
			return VaultSpec{}, fmt.Errorf("%w: rewards %q", ErrInvalid, v.Rewards)
		}
		cfg.Rewards = common.HexToAddress(v.Rewards)
	}

	spec := VaultSpec{
		ID:        v.ID,
		Address:   addr,
		Protector: vault.ReserveBuffer{MaxLossBps: v.MaxLossBps},
	}
	if v.LPToken != "" {
		lp, lpAddr, err := f.token(v.LPToken)
		if err != nil {
			return VaultSpec{}, err
		}
		if cfg.LPTokenBase, err = base(lp.Decimals); err != nil {
			return VaultSpec{}, err
		}
		if cfg.RewardToken, err = f.address(v.RewardToken); err != nil {
			return VaultSpec{}, err
		}
		cfg.LPToken = lpAddr
		cfg.Gauge = router.DeriveAddress(factory, v.Symbol+"/gauge")
		spec.Gauge = gauge.NewPool(lpAddr, cfg.RewardToken)
	}

	for _, name := range v.Accepts {
		token, err := f.address(name)
		if err != nil {
			return VaultSpec{}, err
		}
		spec.Accepts = append(spec.Accepts, token)
	}

	if err := cfg.Validate(); err != nil {
		return VaultSpec{}, err
	}
	spec.Config = cfg
	return spec, nil
}
