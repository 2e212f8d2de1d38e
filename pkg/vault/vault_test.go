package vault

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ppv/pkg/fixedpoint"
	"github.com/luxfi/ppv/pkg/gauge"
	"github.com/luxfi/ppv/pkg/oracle"
	"github.com/luxfi/ppv/pkg/swap"
)

var (
	usdc       = common.HexToAddress("0xFF970A61A04b1cA14834A43f5dE4533eBDDB5CC8")
	lpToken    = common.HexToAddress("0x7f90122BF0700F9E7e1F688fe926940E8839F353")
	crv        = common.HexToAddress("0x11cDb42B0EB46D95f990BeDD4695A6e3fA034978")
	wbtc       = common.HexToAddress("0x2f2a2543B76A4166549F7aaB2e75Bef0aefC5B0f")
	weth       = common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1")
	gaugeAddr  = common.HexToAddress("0xbF7E49483881C76487b0989CD7d9A8239B20CA41")
	vaultToken = common.HexToAddress("0x0000000000000000000000000000000000005001")
	treasury   = common.HexToAddress("0x0000000000000000000000000000000000007e57")
	alice      = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob        = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type pair struct{ in, out common.Address }

// rateExchange swaps at fixed WAD rates. A shortfall makes Swap deliver less
// than Quote promised.
type rateExchange struct {
	rates     map[pair]*uint256.Int
	shortfall map[pair]uint64
	fail      error
	swaps     int
}

func newRateExchange() *rateExchange {
	return &rateExchange{
		rates:     make(map[pair]*uint256.Int),
		shortfall: make(map[pair]uint64),
	}
}

func (e *rateExchange) set(in, out common.Address, rate string) {
	r, err := fixedpoint.ParseWad(rate)
	if err != nil {
		panic(err)
	}
	e.rates[pair{in, out}] = r
}

func (e *rateExchange) Quote(_ context.Context, in, out common.Address, amount *uint256.Int) (*uint256.Int, error) {
	rate, ok := e.rates[pair{in, out}]
	if !ok {
		return nil, fmt.Errorf("no rate %s->%s", in.Hex(), out.Hex())
	}
	return fixedpoint.MulWad(amount, rate, fixedpoint.Down)
}

func (e *rateExchange) Swap(ctx context.Context, in, out common.Address, amount, minOut *uint256.Int) (*uint256.Int, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	got, err := e.Quote(ctx, in, out, amount)
	if err != nil {
		return nil, err
	}
	if bps := e.shortfall[pair{in, out}]; bps > 0 {
		if got, err = fixedpoint.ApplyBps(got, fixedpoint.BpsDenominator-bps, fixedpoint.Down); err != nil {
			return nil, err
		}
	}
	if minOut != nil && got.Lt(minOut) {
		return nil, fmt.Errorf("got %s, min %s: %w", got.Dec(), minOut.Dec(), swap.ErrSlippageExceeded)
	}
	e.swaps++
	return got, nil
}

func wad(t *testing.T, s string) *uint256.Int {
	t.Helper()
	w, err := fixedpoint.ParseWad(s)
	require.NoError(t, err)
	return w
}

func lpConfig(t *testing.T) Config {
	return Config{
		Name:           "Vovo BTC UP USDC",
		Symbol:         "vbtcUP",
		Decimals:       6,
		VaultToken:     vaultToken,
		Underlying:     usdc,
		LPToken:        lpToken,
		Gauge:          gaugeAddr,
		Rewards:        treasury,
		RewardToken:    crv,
		IndexToken:     wbtc,
		LeverageRatio:  wad(t, "3"),
		IsLong:         true,
		DepositCap:     uint256.NewInt(10_000_000),
		VaultTokenBase: uint256.NewInt(1_000_000),
		UnderlyingBase: uint256.NewInt(1_000_000),
		SlippageBps:    50,
		HarvestFeeBps:  1_000,
	}
}

func directConfig(t *testing.T) Config {
	cfg := lpConfig(t)
	cfg.Name = "Vovo BTC DOWN USDC"
	cfg.Symbol = "vbtcDOWN"
	cfg.LPToken = common.Address{}
	cfg.Gauge = common.Address{}
	cfg.LeverageRatio = wad(t, "2")
	cfg.IsLong = false
	return cfg
}

type fixture struct {
	vault    *Vault
	exchange *rateExchange
	gauge    *gauge.Pool
	feed     *oracle.Feed
	records  []Record
	now      time.Time
}

func newFixture(t *testing.T, cfg Config, protector Protector, withFeed bool) *fixture {
	t.Helper()

	level, _ := log.ToLevel("debug")
	f := &fixture{
		exchange: newRateExchange(),
		now:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.exchange.set(usdc, lpToken, "1")
	f.exchange.set(lpToken, usdc, "1")
	f.exchange.set(crv, usdc, "0.5")
	f.exchange.set(weth, usdc, "2000")

	deps := Dependencies{
		Adapter:   swap.NewAdapter(f.exchange, common.Address{}),
		Protector: protector,
		Sink:      SinkFunc(func(r Record) { f.records = append(f.records, r) }),
		Logger:    log.NewTestLogger(level),
		Now:       func() time.Time { return f.now },
	}
	if !cfg.Direct() {
		f.gauge = gauge.NewPool(lpToken, crv)
		deps.Gauge = f.gauge
	}
	if withFeed {
		f.feed = oracle.NewFeed(0, 0)
		require.NoError(t, f.feed.Update(cfg.Index(), wad(t, "100")))
		deps.Feed = f.feed
	}

	f.vault = New(deps)
	require.NoError(t, f.vault.Initialize(cfg))
	return f
}

func (f *fixture) deposit(t *testing.T, who common.Address, amount uint64) *DepositReceipt {
	t.Helper()
	r, err := f.vault.Deposit(context.Background(), who, usdc, uint256.NewInt(amount))
	require.NoError(t, err)
	require.NoError(t, f.vault.CheckInvariants())
	return r
}

func (f *fixture) withdrawAll(t *testing.T, who common.Address) *WithdrawReceipt {
	t.Helper()
	r, err := f.vault.Withdraw(context.Background(), who, f.vault.BalanceOf(who))
	require.NoError(t, err)
	require.NoError(t, f.vault.CheckInvariants())
	return r
}

func TestDepositBootstrap(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)

	r := f.deposit(t, alice, 1_000_000)

	assert.Equal(t, uint64(1_000_000), r.Shares.Uint64())
	assert.Equal(t, uint64(1_000_000), f.vault.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(1_000_000), f.vault.TotalPrincipal().Uint64())

	pos := f.vault.Position()
	assert.Equal(t, Exposed, pos.State)
	assert.Equal(t, uint64(3_000_000), pos.Size.Uint64())
	assert.Equal(t, fixedpoint.Wad(), pos.EntryPrice)
	assert.Equal(t, uint64(1_000_000), pos.StakedLP.Uint64())
	assert.Equal(t, uint64(1_000_000), f.gauge.Staked().Uint64())

	require.Len(t, f.records, 2)
	assert.Equal(t, RecordInitialize, f.records[0].Kind)
	assert.Equal(t, RecordDeposit, f.records[1].Kind)
	assert.Equal(t, alice, f.records[1].Account)
	assert.Equal(t, uint64(2), f.records[1].Sequence)
}

func TestDepositBootstrapScalesBases(t *testing.T) {
	cfg := lpConfig(t)
	cfg.VaultTokenBase = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18))
	cfg.DepositCap = fixedpoint.MustAmount("10000000000000000000000")
	f := newFixture(t, cfg, nil, false)

	r := f.deposit(t, alice, 1_000_000)

	want := fixedpoint.MustAmount("1000000000000000000") // 1e6 * 1e18 / 1e6
	assert.Equal(t, want, r.Shares)
	assert.Equal(t, fixedpoint.MustAmount("3000000000000000000"), f.vault.Position().Size)
}

func TestDepositPricesAgainstNAV(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)
	f.deposit(t, alice, 1_000_000)

	preview, err := f.vault.PreviewDeposit(context.Background(), uint256.NewInt(500_000))
	require.NoError(t, err)

	r := f.deposit(t, bob, 500_000)
	assert.Equal(t, preview, r.Shares)
	assert.Equal(t, uint64(500_000), r.Shares.Uint64())
	assert.Equal(t, uint64(1_500_000), f.vault.TotalShares().Uint64())
	assert.Equal(t, uint64(4_500_000), f.vault.Position().Size.Uint64())

	nav, err := f.vault.NAV(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), nav.TotalAssets.Uint64())
	assert.Equal(t, fixedpoint.Wad(), nav.PricePerShare)
}

func TestDepositRejectsZero(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)

	_, err := f.vault.Deposit(context.Background(), alice, usdc, uint256.NewInt(0))
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = f.vault.PreviewDeposit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrZeroAmount)
}

func TestDepositOtherToken(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)

	r, err := f.vault.Deposit(context.Background(), alice, weth, uint256.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), r.Underlying.Uint64())
	assert.Equal(t, uint64(1_000_000), r.Shares.Uint64())
	assert.Equal(t, weth, f.records[len(f.records)-1].Token)
}

func TestDepositCapExceeded(t *testing.T) {
	cfg := lpConfig(t)
	cfg.DepositCap = uint256.NewInt(1_000_000)
	f := newFixture(t, cfg, nil, false)
	f.deposit(t, alice, 990_000)

	before, err := f.vault.Export()
	require.NoError(t, err)
	swaps := f.exchange.swaps
	records := len(f.records)

	_, err = f.vault.Deposit(context.Background(), bob, usdc, uint256.NewInt(20_000))
	require.ErrorIs(t, err, ErrCapExceeded)

	after, err := f.vault.Export()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.True(t, f.vault.BalanceOf(bob).IsZero())
	assert.Equal(t, swaps, f.exchange.swaps)
	assert.Equal(t, records, len(f.records))
	assert.Equal(t, uint64(990_000), f.gauge.Staked().Uint64())

	// Filling the cap exactly is allowed.
	f.deposit(t, bob, 10_000)
	assert.Equal(t, uint64(1_000_000), f.vault.TotalPrincipal().Uint64())
}

func TestWithdrawSlippageExceeded(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)
	f.deposit(t, alice, 1_000_000)
	before, err := f.vault.Export()
	require.NoError(t, err)

	f.exchange.shortfall[pair{lpToken, usdc}] = 200

	_, err = f.vault.Withdraw(context.Background(), alice, uint256.NewInt(1_000_000))
	require.ErrorIs(t, err, ErrSlippageExceeded)

	assert.Equal(t, uint64(1_000_000), f.vault.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(1_000_000), f.gauge.Staked().Uint64(), "unstake must be reverted")
	after, err := f.vault.Export()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, Exposed, f.vault.Position().State)

	// Within tolerance the same withdrawal goes through.
	f.exchange.shortfall[pair{lpToken, usdc}] = 20
	r := f.withdrawAll(t, alice)
	assert.Equal(t, uint64(998_000), r.Amount.Uint64())
	assert.Equal(t, Flat, r.Position)
}

func TestWithdrawExternalFailure(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)
	f.deposit(t, alice, 1_000_000)

	f.exchange.fail = errors.New("router reverted")
	_, err := f.vault.Withdraw(context.Background(), alice, uint256.NewInt(400_000))
	require.ErrorIs(t, err, ErrExternalCallFailed)
	assert.Equal(t, uint64(1_000_000), f.vault.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(1_000_000), f.gauge.Staked().Uint64())
	assert.Equal(t, uint64(3_000_000), f.vault.Position().Size.Uint64())
}

func TestWithdrawValidation(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)
	f.deposit(t, alice, 1_000_000)

	_, err := f.vault.Withdraw(context.Background(), alice, uint256.NewInt(0))
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = f.vault.Withdraw(context.Background(), alice, uint256.NewInt(1_000_001))
	assert.ErrorIs(t, err, ErrInsufficientShares)

	_, err = f.vault.Withdraw(context.Background(), bob, uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestWithdrawPartial(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)
	f.deposit(t, alice, 1_000_000)

	r, err := f.vault.Withdraw(context.Background(), alice, uint256.NewInt(400_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(400_000), r.Amount.Uint64())
	assert.Equal(t, Exposed, r.Position)

	pos := f.vault.Position()
	assert.Equal(t, uint64(1_800_000), pos.Size.Uint64())
	assert.Equal(t, uint64(600_000), pos.StakedLP.Uint64())
	assert.Equal(t, uint64(600_000), f.vault.TotalPrincipal().Uint64())
	assert.Equal(t, uint64(600_000), f.gauge.Staked().Uint64())
}

func TestRoundTripNeverExceedsInput(t *testing.T) {
	pools := swap.NewPools()
	reserve := uint256.NewInt(1_000_000_000_000)
	require.NoError(t, pools.AddPool(usdc, lpToken, reserve, reserve, swap.FeeTierMedium))
	require.NoError(t, pools.AddPool(crv, usdc, reserve, reserve, swap.FeeTierMedium))

	cfg := lpConfig(t)
	cfg.DepositCap = uint256.NewInt(1_000_000_000)
	cfg.SlippageBps = 100
	g := gauge.NewPool(lpToken, crv)
	level, _ := log.ToLevel("info")
	v := New(Dependencies{
		Adapter: swap.NewAdapter(pools, common.Address{}),
		Gauge:   g,
		Logger:  log.NewTestLogger(level),
	})
	require.NoError(t, v.Initialize(cfg))
	ctx := context.Background()

	deposits := []struct {
		who    common.Address
		amount uint64
	}{
		{alice, 1_000_000},
		{bob, 500_000},
		{alice, 12_345},
	}
	paid := map[common.Address]uint64{}
	for _, d := range deposits {
		_, err := v.Deposit(ctx, d.who, usdc, uint256.NewInt(d.amount))
		require.NoError(t, err)
		require.NoError(t, v.CheckInvariants())
		paid[d.who] += d.amount
	}

	for _, who := range []common.Address{bob, alice} {
		r, err := v.Withdraw(ctx, who, v.BalanceOf(who))
		require.NoError(t, err)
		require.NoError(t, v.CheckInvariants())
		assert.LessOrEqual(t, r.Amount.Uint64(), paid[who])
		assert.Greater(t, r.Amount.Uint64(), paid[who]*98/100)
	}
	assert.True(t, v.TotalShares().IsZero())
	assert.True(t, g.Staked().IsZero())
	assert.Equal(t, Flat, v.Position().State)
}

func TestShareSupplyMatchesBalances(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)
	ctx := context.Background()

	ops := []struct {
		who      common.Address
		deposit  uint64
		withdraw uint64
	}{
		{who: alice, deposit: 700_000},
		{who: bob, deposit: 300_000},
		{who: alice, withdraw: 250_000},
		{who: bob, deposit: 1_000},
		{who: bob, withdraw: 301_000},
		{who: alice, deposit: 5},
		{who: alice, withdraw: 450_005},
	}
	for i, op := range ops {
		var err error
		if op.deposit > 0 {
			_, err = f.vault.Deposit(ctx, op.who, usdc, uint256.NewInt(op.deposit))
		} else {
			_, err = f.vault.Withdraw(ctx, op.who, uint256.NewInt(op.withdraw))
		}
		require.NoError(t, err, "op %d", i)
		require.NoError(t, f.vault.CheckInvariants(), "op %d", i)

		sum := new(uint256.Int).Add(f.vault.BalanceOf(alice), f.vault.BalanceOf(bob))
		assert.Equal(t, f.vault.TotalShares(), sum, "op %d", i)
	}
	assert.Equal(t, Flat, f.vault.Position().State)
}

func TestCompound(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)
	ctx := context.Background()
	f.deposit(t, alice, 1_000_000)
	f.gauge.Accrue(uint256.NewInt(10_000))

	report, err := f.vault.Compound(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, uint64(10_000), report.Rewards.Uint64())
	assert.Equal(t, uint64(5_000), report.Reinvested.Uint64())
	// 10% of 5000 as shares priced at 1_004_500 / 1_000_000
	assert.Equal(t, uint64(497), report.FeeShares.Uint64())
	assert.Equal(t, uint64(497), f.vault.BalanceOf(treasury).Uint64())
	assert.True(t, report.PriceAfter.Gt(report.PriceBefore))

	pos := f.vault.Position()
	assert.Equal(t, uint64(1_005_000), pos.StakedLP.Uint64())
	assert.Equal(t, uint64(3_015_000), pos.Size.Uint64())
	assert.Equal(t, uint64(1_000_000), f.vault.TotalPrincipal().Uint64(), "harvest is not principal")
	assert.Equal(t, RecordHarvest, f.records[len(f.records)-1].Kind)

	supply := f.vault.TotalShares()
	aliceShares := f.vault.BalanceOf(alice)
	second, err := f.vault.Compound(ctx)
	require.NoError(t, err)
	assert.True(t, second.Rewards.IsZero())
	assert.True(t, second.FeeShares.IsZero())
	assert.Equal(t, supply, f.vault.TotalShares())
	assert.Equal(t, aliceShares, f.vault.BalanceOf(alice))
	require.NoError(t, f.vault.CheckInvariants())
}

func TestCompoundRespectsInterval(t *testing.T) {
	cfg := lpConfig(t)
	cfg.HarvestInterval = time.Hour
	f := newFixture(t, cfg, nil, false)
	ctx := context.Background()

	report, err := f.vault.Compound(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped, "no shares yet")

	f.deposit(t, alice, 1_000_000)
	f.gauge.Accrue(uint256.NewInt(10_000))
	report, err = f.vault.Compound(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)

	f.gauge.Accrue(uint256.NewInt(10_000))
	f.now = f.now.Add(30 * time.Minute)
	report, err = f.vault.Compound(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, uint64(10_000), f.gauge.Pending().Uint64())

	f.now = f.now.Add(31 * time.Minute)
	report, err = f.vault.Compound(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, uint64(10_000), report.Rewards.Uint64())
}

func TestCompoundFailureRevertsClaim(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)
	f.deposit(t, alice, 1_000_000)
	f.gauge.Accrue(uint256.NewInt(10_000))
	f.exchange.shortfall[pair{crv, usdc}] = 500

	_, err := f.vault.Compound(context.Background())
	require.ErrorIs(t, err, ErrSlippageExceeded)
	assert.Equal(t, uint64(10_000), f.gauge.Pending().Uint64())
	assert.True(t, f.vault.BalanceOf(treasury).IsZero())
}

func TestInitialize(t *testing.T) {
	level, _ := log.ToLevel("debug")
	deps := Dependencies{
		Adapter: swap.NewAdapter(newRateExchange(), common.Address{}),
		Gauge:   gauge.NewPool(lpToken, crv),
		Logger:  log.NewTestLogger(level),
	}

	t.Run("not initialized", func(t *testing.T) {
		v := New(deps)
		_, err := v.Deposit(context.Background(), alice, usdc, uint256.NewInt(1))
		assert.ErrorIs(t, err, ErrNotInitialized)
		_, err = v.NAV(context.Background())
		assert.ErrorIs(t, err, ErrNotInitialized)
	})

	t.Run("idempotent", func(t *testing.T) {
		v := New(deps)
		require.NoError(t, v.Initialize(lpConfig(t)))
		require.NoError(t, v.Initialize(lpConfig(t)))
	})

	t.Run("different config", func(t *testing.T) {
		v := New(deps)
		require.NoError(t, v.Initialize(lpConfig(t)))
		other := lpConfig(t)
		other.DepositCap = uint256.NewInt(1)
		assert.ErrorIs(t, v.Initialize(other), ErrReentrantInitialization)
		assert.Equal(t, uint64(10_000_000), v.Config().DepositCap.Uint64())
	})

	t.Run("reentrant", func(t *testing.T) {
		v := New(deps)
		v.initializing = true
		assert.ErrorIs(t, v.Initialize(lpConfig(t)), ErrReentrantInitialization)
	})

	t.Run("invalid", func(t *testing.T) {
		cases := map[string]func(*Config){
			"leverage below one": func(c *Config) { c.LeverageRatio = wad(t, "0.5") },
			"zero cap":           func(c *Config) { c.DepositCap = new(uint256.Int) },
			"missing gauge":      func(c *Config) { c.Gauge = common.Address{} },
			"slippage":           func(c *Config) { c.SlippageBps = 10_001 },
			"no symbol":          func(c *Config) { c.Symbol = "" },
		}
		for name, mutate := range cases {
			t.Run(name, func(t *testing.T) {
				cfg := lpConfig(t)
				mutate(&cfg)
				v := New(deps)
				assert.ErrorIs(t, v.Initialize(cfg), ErrInvalidConfig)
				_, err := v.Deposit(context.Background(), alice, usdc, uint256.NewInt(1))
				assert.ErrorIs(t, err, ErrNotInitialized)
			})
		}
	})
}

func TestPause(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)
	f.deposit(t, alice, 1_000_000)

	require.NoError(t, f.vault.Pause())
	assert.True(t, f.vault.Paused())

	_, err := f.vault.Deposit(context.Background(), bob, usdc, uint256.NewInt(1_000))
	assert.ErrorIs(t, err, ErrPaused)

	r, err := f.vault.Withdraw(context.Background(), alice, uint256.NewInt(500_000))
	require.NoError(t, err, "withdrawals stay open while paused")
	assert.Equal(t, uint64(500_000), r.Amount.Uint64())

	require.NoError(t, f.vault.Unpause())
	f.deposit(t, bob, 1_000)
	assert.Equal(t, RecordDeposit, f.records[len(f.records)-1].Kind)
	assert.Equal(t, RecordUnpause, f.records[len(f.records)-2].Kind)
}

func TestDirectVault(t *testing.T) {
	f := newFixture(t, directConfig(t), nil, false)

	f.deposit(t, alice, 1_000_000)
	pos := f.vault.Position()
	assert.Equal(t, Exposed, pos.State)
	assert.Equal(t, uint64(2_000_000), pos.Size.Uint64())
	assert.True(t, pos.StakedLP.IsZero())

	r, err := f.vault.Withdraw(context.Background(), alice, uint256.NewInt(500_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), r.Amount.Uint64())
	assert.Equal(t, 0, f.exchange.swaps)

	report, err := f.vault.Compound(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestExposureProtection(t *testing.T) {
	ctx := context.Background()
	deposit := func(t *testing.T, protector Protector) *fixture {
		cfg := directConfig(t)
		cfg.VaultTokenBase = wad(t, "1")
		cfg.DepositCap = wad(t, "100")
		f := newFixture(t, cfg, protector, true)
		f.deposit(t, alice, 1_000_000)
		require.Equal(t, wad(t, "2"), f.vault.Position().Size)
		require.Equal(t, wad(t, "100"), f.vault.Position().EntryPrice)
		return f
	}
	navOf := func(t *testing.T, f *fixture) *uint256.Int {
		nav, err := f.vault.NAV(ctx)
		require.NoError(t, err)
		return nav.TotalAssets
	}

	t.Run("full protection", func(t *testing.T) {
		f := deposit(t, ReserveBuffer{})
		require.NoError(t, f.feed.Update(wbtc, wad(t, "110")))
		assert.Equal(t, wad(t, "1"), navOf(t, f))

		r := f.withdrawAll(t, alice)
		assert.Equal(t, uint64(1_000_000), r.Amount.Uint64())
		assert.Equal(t, Flat, r.Position)
	})

	t.Run("capped loss", func(t *testing.T) {
		f := deposit(t, ReserveBuffer{MaxLossBps: 500})
		require.NoError(t, f.feed.Update(wbtc, wad(t, "110")))
		// a 20% raw loss on a short is capped at 5% of principal
		assert.Equal(t, wad(t, "0.95"), navOf(t, f))

		r := f.withdrawAll(t, alice)
		assert.Equal(t, uint64(950_000), r.Amount.Uint64())
		assert.True(t, r.Realized.Loss)
	})

	t.Run("gain", func(t *testing.T) {
		f := deposit(t, nil)
		require.NoError(t, f.feed.Update(wbtc, wad(t, "90")))
		assert.Equal(t, wad(t, "1.2"), navOf(t, f))

		r, err := f.vault.Withdraw(ctx, alice, wad(t, "0.5"))
		require.NoError(t, err)
		assert.Equal(t, uint64(600_000), r.Amount.Uint64())
		assert.Equal(t, wad(t, "0.1"), r.Realized.Amount)
		assert.False(t, r.Realized.Loss)

		// the remaining half is still worth 0.6 and re-leveraged to 1.2 notional
		assert.InDelta(t, 0.6, toFloat(navOf(t, f)), 1e-9)
		assert.Equal(t, wad(t, "1.2"), f.vault.Position().Size)

		r = f.withdrawAll(t, alice)
		assert.InDelta(t, 600_000, float64(r.Amount.Uint64()), 1)
		assert.True(t, f.vault.TotalShares().IsZero())
	})

	t.Run("feed failure", func(t *testing.T) {
		f := deposit(t, nil)
		stale := oracle.NewFeed(time.Minute, 0)
		stale.SetClock(func() time.Time { return time.Unix(0, 0) })
		require.NoError(t, stale.Update(wbtc, wad(t, "100")))
		stale.SetClock(func() time.Time { return time.Unix(3600, 0) })
		f.vault.pm.feed = stale

		_, err := f.vault.Withdraw(ctx, alice, wad(t, "0.5"))
		assert.ErrorIs(t, err, ErrExternalCallFailed)
		assert.Equal(t, wad(t, "1"), f.vault.BalanceOf(alice))
	})
}

func TestLPExposureLoss(t *testing.T) {
	ctx := context.Background()
	navOf := func(t *testing.T, f *fixture) NAV {
		nav, err := f.vault.NAV(ctx)
		require.NoError(t, err)
		return nav
	}
	paidAtMost := func(t *testing.T, f *fixture, r *WithdrawReceipt) {
		owed, err := f.vault.ledger.ToUnderlying(r.Owed, fixedpoint.Down)
		require.NoError(t, err)
		assert.False(t, r.Amount.Gt(owed), "paid %s for %s owed", r.Amount.Dec(), owed.Dec())
	}

	t.Run("withdrawals pay the loss", func(t *testing.T) {
		f := newFixture(t, lpConfig(t), ReserveBuffer{MaxLossBps: 5_000}, true)
		f.deposit(t, alice, 1_000_000)
		f.deposit(t, bob, 1_000_000)
		require.Equal(t, uint64(6_000_000), f.vault.Position().Size.Uint64())

		require.NoError(t, f.feed.Update(wbtc, wad(t, "90")))
		assert.Equal(t, uint64(1_400_000), navOf(t, f).TotalAssets.Uint64())

		r := f.withdrawAll(t, alice)
		paidAtMost(t, f, r)
		assert.Equal(t, uint64(700_000), r.Owed.Uint64())
		assert.Equal(t, uint64(700_000), r.Amount.Uint64())
		assert.Equal(t, Loss(uint256.NewInt(300_000)), r.Realized)

		// re-leveraging bob's half realized 90k that idle could not cover
		nav := navOf(t, f)
		assert.Equal(t, uint64(700_000), nav.TotalAssets.Uint64())
		assert.Equal(t, uint64(90_000), nav.Deficit.Uint64())
		assert.Equal(t, uint64(2_100_000), f.vault.Position().Size.Uint64())
		last := f.records[len(f.records)-1]
		assert.Equal(t, RecordWithdraw, last.Kind)
		assert.Equal(t, uint64(910_000), last.BookAssets.Uint64())

		r = f.withdrawAll(t, bob)
		paidAtMost(t, f, r)
		assert.Equal(t, uint64(700_000), r.Owed.Uint64())
		assert.Equal(t, uint64(700_000), r.Amount.Uint64())
		assert.True(t, navOf(t, f).Deficit.IsZero())
		assert.True(t, f.vault.TotalShares().IsZero())
	})

	t.Run("deposit carries the loss", func(t *testing.T) {
		f := newFixture(t, lpConfig(t), ReserveBuffer{MaxLossBps: 5_000}, true)
		f.deposit(t, alice, 1_000_000)
		require.NoError(t, f.feed.Update(wbtc, wad(t, "90")))
		require.Equal(t, uint64(700_000), navOf(t, f).TotalAssets.Uint64())

		d := f.deposit(t, bob, 100_000)
		assert.Equal(t, uint64(142_857), d.Shares.Uint64())

		// the deposit shrank the exposure from 3M to 2.4M and realized 60k
		nav := navOf(t, f)
		assert.Equal(t, uint64(800_000), nav.TotalAssets.Uint64())
		assert.Equal(t, uint64(60_000), nav.Deficit.Uint64())
		assert.True(t, nav.Idle.IsZero())

		r := f.withdrawAll(t, alice)
		paidAtMost(t, f, r)
		assert.InDelta(t, 700_000, float64(r.Amount.Uint64()), 2)

		snap, err := f.vault.Export()
		require.NoError(t, err)
		assert.Equal(t, navOf(t, f).Deficit, snap.Deficit)
	})
}

func TestPnLSettle(t *testing.T) {
	tests := []struct {
		name        string
		pnl         PnL
		idle, debt  uint64
		wantIdle    uint64
		wantDeficit uint64
	}{
		{"flat", ZeroPnL(), 10, 5, 10, 5},
		{"loss within idle", Loss(uint256.NewInt(4)), 10, 0, 6, 0},
		{"loss beyond idle", Loss(uint256.NewInt(14)), 10, 1, 0, 5},
		{"gain pays deficit", Gain(uint256.NewInt(3)), 10, 5, 10, 2},
		{"gain beyond deficit", Gain(uint256.NewInt(8)), 10, 5, 13, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idle, deficit, err := tt.pnl.Settle(uint256.NewInt(tt.idle), uint256.NewInt(tt.debt))
			require.NoError(t, err)
			assert.Equal(t, tt.wantIdle, idle.Uint64())
			assert.Equal(t, tt.wantDeficit, deficit.Uint64())
		})
	}
}

func toFloat(x *uint256.Int) float64 {
	f, _ := x.ToBig().Float64()
	return f / 1e18
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t, lpConfig(t), nil, false)
	f.deposit(t, alice, 1_000_000)
	f.deposit(t, bob, 250_000)
	require.NoError(t, f.vault.Pause())

	snap, err := f.vault.Export()
	require.NoError(t, err)

	level, _ := log.ToLevel("debug")
	factory := NewFactory(Dependencies{
		Adapter: swap.NewAdapter(f.exchange, common.Address{}),
		Logger:  log.NewTestLogger(level),
	})
	restored, err := factory.Load(snap, WithGauge(f.gauge))
	require.NoError(t, err)

	assert.Equal(t, f.vault.BalanceOf(alice), restored.BalanceOf(alice))
	assert.Equal(t, f.vault.BalanceOf(bob), restored.BalanceOf(bob))
	assert.Equal(t, f.vault.Position(), restored.Position())
	assert.True(t, restored.Paused())

	want, err := f.vault.NAV(context.Background())
	require.NoError(t, err)
	got, err := restored.NAV(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.ErrorIs(t, restored.Restore(snap), ErrReentrantInitialization)

	snap.Version = SchemaVersion + 1
	_, err = factory.Load(snap, WithGauge(f.gauge))
	assert.ErrorIs(t, err, ErrSchemaVersion)

	snap.Version = SchemaVersion
	snap.TotalShares = uint256.NewInt(1)
	_, err = factory.Load(snap, WithGauge(f.gauge))
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
}

func TestFactoryCreate(t *testing.T) {
	level, _ := log.ToLevel("debug")
	factory := NewFactory(Dependencies{
		Adapter: swap.NewAdapter(newRateExchange(), common.Address{}),
		Logger:  log.NewTestLogger(level),
	})

	_, err := factory.Create(lpConfig(t))
	assert.ErrorIs(t, err, ErrInvalidConfig, "lp vault without gauge collaborator")

	v, err := factory.Create(lpConfig(t), WithGauge(gauge.NewPool(lpToken, crv)), WithProtector(ReserveBuffer{MaxLossBps: 100}))
	require.NoError(t, err)
	var products []Capabilities
	products = append(products, v)

	direct, err := factory.Create(directConfig(t))
	require.NoError(t, err)
	products = append(products, direct)

	for _, p := range products {
		nav, err := p.NAV(context.Background())
		require.NoError(t, err)
		assert.True(t, nav.TotalShares.IsZero())
		assert.Equal(t, fixedpoint.Wad(), nav.PricePerShare)
	}
}
