package main

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ppv/pkg/api"
	"github.com/luxfi/ppv/pkg/config"
)

const deployment = `
factory: "0x000000000000000000000000000000000000fac7"
tokens:
  usdc: {address: "0xFF970A61A04b1cA14834A43f5dE4533eBDDB5CC8", decimals: 6}
  weth: {address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", decimals: 18}
  crv:  {address: "0x11cDb42B0EB46D95f990BeDD4695A6e3fA034978", decimals: 18}
  2crv: {address: "0x7f90122BF0700F9E7e1F688fe926940E8839F353", decimals: 6}
pools:
  - tokens: [usdc, 2crv]
    reserves: ["1000000000000000", "1000000000000000"]
    fee: 500
  - tokens: [weth, usdc]
    reserves: ["1000000000000000000000", "2000000000000"]
    fee: 500
oracle:
  prices:
    weth: "2000"
vaults:
  - id: eth-up
    symbol: vETHUP
    underlying: usdc
    lpToken: 2crv
    rewardToken: crv
    indexToken: weth
    leverage: "3"
    long: true
    depositCap: "100000000000"
    slippageBps: 100
    accepts: [weth]
  - id: eth-down
    symbol: vETHDOWN
    underlying: usdc
    indexToken: weth
    leverage: "2"
    depositCap: "100000000000"
`

var alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

func testLogger() log.Logger {
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

func parse(t *testing.T) *config.File {
	t.Helper()
	f, err := config.Parse([]byte(deployment))
	require.NoError(t, err)
	return f
}

func TestNodeRestoresFromStore(t *testing.T) {
	ctx := context.Background()
	db := memdb.New()

	n, err := NewNode(parse(t), db, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, n.Router().Registry().Len())

	usdc := common.HexToAddress("0xFF970A61A04b1cA14834A43f5dE4533eBDDB5CC8")
	receipt, err := n.Router().RouteDeposit(ctx, "eth-up", alice, usdc, uint256.NewInt(1_000_000_000))
	require.NoError(t, err)
	_, err = n.Router().RouteDeposit(ctx, "eth-down", alice, usdc, uint256.NewInt(5_000_000))
	require.NoError(t, err)
	require.NoError(t, n.syncer.Flush())

	before, err := api.LookupNAV(ctx, n.Router(), "eth-up")
	require.NoError(t, err)

	restored, err := NewNode(parse(t), db, testLogger())
	require.NoError(t, err)
	e, err := restored.registry.Lookup("eth-up")
	require.NoError(t, err)
	assert.Equal(t, receipt.Shares, e.Vault.BalanceOf(alice))

	down, err := restored.registry.Lookup("eth-down")
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), down.Vault.BalanceOf(alice).Uint64())

	after, err := api.LookupNAV(ctx, restored.Router(), "eth-up")
	require.NoError(t, err)
	assert.Equal(t, before.TotalShares, after.TotalShares)
	assert.Equal(t, before.Idle, after.Idle)

	out, err := restored.Router().RouteWithdraw(ctx, "eth-up", alice, receipt.Shares)
	require.NoError(t, err)
	assert.True(t, out.Amount.Gt(uint256.NewInt(990_000_000)), out.Amount.Dec())
	assert.True(t, e.Vault.BalanceOf(alice).IsZero())
}

func TestNodeRejectsChangedConfig(t *testing.T) {
	db := memdb.New()
	_, err := NewNode(parse(t), db, testLogger())
	require.NoError(t, err)

	f := parse(t)
	f.Vaults[0].Leverage = "4"
	_, err = NewNode(f, db, testLogger())
	assert.Error(t, err)
}

func TestNavOf(t *testing.T) {
	n, err := NewNode(parse(t), memdb.New(), testLogger())
	require.NoError(t, err)

	nav, err := n.navOf(context.Background(), "vETHDOWN")
	require.NoError(t, err)
	assert.Equal(t, "vETHDOWN", nav.(api.NAVResult).Vault)
	assert.Equal(t, "1", nav.(api.NAVResult).PricePerShare)

	_, err = n.navOf(context.Background(), "vBTCUP")
	assert.Error(t, err)
}
