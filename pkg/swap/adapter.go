// Package swap converts between tokens through an external exchange.
package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/luxfi/ppv/pkg/fixedpoint"
)

var (
	ErrSlippageExceeded   = errors.New("slippage exceeded")
	ErrExternalCallFailed = errors.New("external call failed")
	ErrZeroAmount         = errors.New("zero swap amount")
)

// Exchange is the external swap primitive. Fee tiers are fixed when the
// exchange is deployed.
type Exchange interface {
	Swap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minOut *uint256.Int) (*uint256.Int, error)
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error)
}

// Adapter wraps an Exchange. It holds no balances and no tolerance settings;
// callers pass the minimum they accept on every swap.
type Adapter struct {
	exchange Exchange
	hub      common.Address
}

// NewAdapter creates an adapter. A non-zero hub routes every swap between two
// non-hub tokens through the hub token (tokenIn -> hub -> tokenOut).
func NewAdapter(exchange Exchange, hub common.Address) *Adapter {
	return &Adapter{exchange: exchange, hub: hub}
}

// Exchange returns the wrapped exchange.
func (a *Adapter) Exchange() Exchange { return a.exchange }

// Path returns the hops a swap from tokenIn to tokenOut takes.
func (a *Adapter) Path(tokenIn, tokenOut common.Address) []common.Address {
	if a.hub == (common.Address{}) || tokenIn == a.hub || tokenOut == a.hub {
		return []common.Address{tokenIn, tokenOut}
	}
	return []common.Address{tokenIn, a.hub, tokenOut}
}

// Quote returns the amount a swap would currently return.
func (a *Adapter) Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*uint256.Int, error) {
	if tokenIn == tokenOut || fixedpoint.IsZero(amountIn) {
		return fixedpoint.Clone(amountIn), nil
	}
	path := a.Path(tokenIn, tokenOut)
	amount := fixedpoint.Clone(amountIn)
	for i := 0; i+1 < len(path); i++ {
		out, err := a.exchange.Quote(ctx, path[i], path[i+1], amount)
		if err != nil {
			return nil, fmt.Errorf("quote %s->%s: %w: %w", path[i].Hex(), path[i+1].Hex(), ErrExternalCallFailed, err)
		}
		amount = out
	}
	return amount, nil
}

// MinOut quotes the swap and subtracts slippageBps of the quote.
func (a *Adapter) MinOut(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *uint256.Int, slippageBps uint64) (*uint256.Int, error) {
	if slippageBps > fixedpoint.BpsDenominator {
		return nil, fmt.Errorf("slippage %d bps exceeds 100%%", slippageBps)
	}
	quote, err := a.Quote(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	return fixedpoint.ApplyBps(quote, fixedpoint.BpsDenominator-slippageBps, fixedpoint.Down)
}

// Swap exchanges amountIn of tokenIn for tokenOut and fails with
// ErrSlippageExceeded if less than minOut arrives. Intermediate hops carry no
// minimum; the bound is enforced on the final amount.
func (a *Adapter) Swap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minOut *uint256.Int) (*uint256.Int, error) {
	if fixedpoint.IsZero(amountIn) {
		return nil, ErrZeroAmount
	}
	if minOut == nil {
		minOut = new(uint256.Int)
	}
	if tokenIn == tokenOut {
		if amountIn.Lt(minOut) {
			return nil, fmt.Errorf("received %s < min %s: %w", amountIn.Dec(), minOut.Dec(), ErrSlippageExceeded)
		}
		return fixedpoint.Clone(amountIn), nil
	}

	path := a.Path(tokenIn, tokenOut)
	amount := fixedpoint.Clone(amountIn)
	for i := 0; i+1 < len(path); i++ {
		hopMin := new(uint256.Int)
		if i+2 == len(path) {
			hopMin = minOut
		}
		out, err := a.exchange.Swap(ctx, path[i], path[i+1], amount, hopMin)
		if err != nil {
			if errors.Is(err, ErrSlippageExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("swap %s->%s: %w: %w", path[i].Hex(), path[i+1].Hex(), ErrExternalCallFailed, err)
		}
		amount = out
	}

	if amount.Lt(minOut) {
		return nil, fmt.Errorf("received %s < min %s: %w", amount.Dec(), minOut.Dec(), ErrSlippageExceeded)
	}
	return amount, nil
}
