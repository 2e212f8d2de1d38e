package store

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/luxfi/ppv/pkg/fixedpoint"
	"github.com/luxfi/ppv/pkg/vault"
)

// Amounts are stored as base-10 strings and the leverage as a decimal.

type configDTO struct {
	Name            string         `json:"name"`
	Symbol          string         `json:"symbol"`
	Decimals        uint8          `json:"decimals"`
	VaultToken      common.Address `json:"vaultToken"`
	Underlying      common.Address `json:"underlying"`
	LPToken         common.Address `json:"lpToken"`
	Gauge           common.Address `json:"gauge"`
	GaugeFactory    common.Address `json:"gaugeFactory"`
	Rewards         common.Address `json:"rewards"`
	RewardToken     common.Address `json:"rewardToken"`
	IndexToken      common.Address `json:"indexToken"`
	LeverageRatio   string         `json:"leverageRatio"`
	IsLong          bool           `json:"isLong"`
	DepositCap      string         `json:"depositCap"`
	VaultTokenBase  string         `json:"vaultTokenBase"`
	UnderlyingBase  string         `json:"underlyingBase"`
	LPTokenBase     string         `json:"lpTokenBase,omitempty"`
	SlippageBps     uint64         `json:"slippageBps"`
	HarvestFeeBps   uint64         `json:"harvestFeeBps"`
	HarvestInterval string         `json:"harvestInterval"`
}

type positionDTO struct {
	State      string `json:"state"`
	Size       string `json:"size"`
	EntryPrice string `json:"entryPrice"`
	StakedLP   string `json:"stakedLP"`
}

type snapshotDTO struct {
	Version     int               `json:"version"`
	Config      configDTO         `json:"config"`
	Balances    map[string]string `json:"balances"`
	TotalShares string            `json:"totalShares"`
	Principal   string            `json:"principal"`
	Idle        string            `json:"idle"`
	Deficit     string            `json:"deficit,omitempty"`
	Position    positionDTO       `json:"position"`
	LastHarvest time.Time         `json:"lastHarvest"`
	Paused      bool              `json:"paused"`
	Sequence    uint64            `json:"sequence"`
}

func dec(x *uint256.Int) string {
	if x == nil {
		return ""
	}
	return x.Dec()
}

func toDTO(s vault.Snapshot) snapshotDTO {
	c := s.Config
	out := snapshotDTO{
		Version: s.Version,
		Config: configDTO{
			Name:            c.Name,
			Symbol:          c.Symbol,
			Decimals:        c.Decimals,
			VaultToken:      c.VaultToken,
			Underlying:      c.Underlying,
			LPToken:         c.LPToken,
			Gauge:           c.Gauge,
			GaugeFactory:    c.GaugeFactory,
			Rewards:         c.Rewards,
			RewardToken:     c.RewardToken,
			IndexToken:      c.IndexToken,
			LeverageRatio:   fixedpoint.FormatWad(c.LeverageRatio),
			IsLong:          c.IsLong,
			DepositCap:      dec(c.DepositCap),
			VaultTokenBase:  dec(c.VaultTokenBase),
			UnderlyingBase:  dec(c.UnderlyingBase),
			LPTokenBase:     dec(c.LPTokenBase),
			SlippageBps:     c.SlippageBps,
			HarvestFeeBps:   c.HarvestFeeBps,
			HarvestInterval: c.HarvestInterval.String(),
		},
		Balances:    make(map[string]string, len(s.Balances)),
		TotalShares: dec(s.TotalShares),
		Principal:   dec(s.Principal),
		Idle:        dec(s.Idle),
		Deficit:     dec(s.Deficit),
		Position: positionDTO{
			State:      s.Position.State.String(),
			Size:       dec(s.Position.Size),
			EntryPrice: dec(s.Position.EntryPrice),
			StakedLP:   dec(s.Position.StakedLP),
		},
		LastHarvest: s.LastHarvest,
		Paused:      s.Paused,
		Sequence:    s.Sequence,
	}
	for a, bal := range s.Balances {
		out.Balances[a.Hex()] = bal.Dec()
	}
	return out
}

func parseState(s string) (vault.PositionState, error) {
	for _, st := range []vault.PositionState{vault.Flat, vault.Exposed, vault.Unwinding} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: position state %q", ErrCorrupt, s)
}

// amounts parses a list of decimal strings in order, stopping at the first
// failure.
type amounts struct {
	err error
}

func (p *amounts) parse(field, s string) *uint256.Int {
	if p.err != nil {
		return nil
	}
	x, err := fixedpoint.ParseAmount(s)
	if err != nil {
		p.err = fmt.Errorf("%w: %s: %w", ErrCorrupt, field, err)
		return nil
	}
	return x
}

func fromDTO(d snapshotDTO) (vault.Snapshot, error) {
	var p amounts
	c := d.Config
	cfg := vault.Config{
		Name:           c.Name,
		Symbol:         c.Symbol,
		Decimals:       c.Decimals,
		VaultToken:     c.VaultToken,
		Underlying:     c.Underlying,
		LPToken:        c.LPToken,
		Gauge:          c.Gauge,
		GaugeFactory:   c.GaugeFactory,
		Rewards:        c.Rewards,
		RewardToken:    c.RewardToken,
		IndexToken:     c.IndexToken,
		IsLong:         c.IsLong,
		DepositCap:     p.parse("depositCap", c.DepositCap),
		VaultTokenBase: p.parse("vaultTokenBase", c.VaultTokenBase),
		UnderlyingBase: p.parse("underlyingBase", c.UnderlyingBase),
		SlippageBps:    c.SlippageBps,
		HarvestFeeBps:  c.HarvestFeeBps,
	}
	if c.LPTokenBase != "" {
		cfg.LPTokenBase = p.parse("lpTokenBase", c.LPTokenBase)
	}
	snap := vault.Snapshot{
		Version:     d.Version,
		Config:      cfg,
		Balances:    make(map[common.Address]*uint256.Int, len(d.Balances)),
		TotalShares: p.parse("totalShares", d.TotalShares),
		Principal:   p.parse("principal", d.Principal),
		Idle:        p.parse("idle", d.Idle),
		Position: vault.Position{
			Size:       p.parse("position.size", d.Position.Size),
			EntryPrice: p.parse("position.entryPrice", d.Position.EntryPrice),
			StakedLP:   p.parse("position.stakedLP", d.Position.StakedLP),
		},
		LastHarvest: d.LastHarvest,
		Paused:      d.Paused,
		Sequence:    d.Sequence,
	}
	if d.Deficit != "" {
		snap.Deficit = p.parse("deficit", d.Deficit)
	}
	for a, bal := range d.Balances {
		if !common.IsHexAddress(a) {
			return vault.Snapshot{}, fmt.Errorf("%w: holder %q", ErrCorrupt, a)
		}
		snap.Balances[common.HexToAddress(a)] = p.parse("balance", bal)
	}
	if p.err != nil {
		return vault.Snapshot{}, p.err
	}

	var err error
	if snap.Config.LeverageRatio, err = fixedpoint.ParseWad(c.LeverageRatio); err != nil {
		return vault.Snapshot{}, fmt.Errorf("%w: leverageRatio: %w", ErrCorrupt, err)
	}
	if snap.Config.HarvestInterval, err = time.ParseDuration(c.HarvestInterval); err != nil {
		return vault.Snapshot{}, fmt.Errorf("%w: harvestInterval: %w", ErrCorrupt, err)
	}
	if snap.Position.State, err = parseState(d.Position.State); err != nil {
		return vault.Snapshot{}, err
	}
	return snap, nil
}
