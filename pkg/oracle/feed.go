// Package oracle provides the mark prices used to value leveraged exposure.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/luxfi/ppv/pkg/fixedpoint"
)

var (
	ErrNoPrice       = errors.New("no price for token")
	ErrStalePrice    = errors.New("stale price")
	ErrCircuitBroken = errors.New("price deviation breaker tripped")
)

// PriceData is a single WAD-denominated observation.
type PriceData struct {
	Price     *uint256.Int
	Timestamp time.Time
}

// Feed stores pushed prices per token. Reads fail when a price is older than
// the stale threshold; pushes that move the price by more than the breaker
// threshold are rejected.
type Feed struct {
	prices         map[common.Address]PriceData
	staleThreshold time.Duration
	maxDeviation   uint64 // bps, 0 disables the breaker
	now            func() time.Time
	mu             sync.RWMutex
}

// NewFeed creates a feed. A zero staleThreshold disables staleness checks.
func NewFeed(staleThreshold time.Duration, maxDeviationBps uint64) *Feed {
	return &Feed{
		prices:         make(map[common.Address]PriceData),
		staleThreshold: staleThreshold,
		maxDeviation:   maxDeviationBps,
		now:            time.Now,
	}
}

// SetClock replaces the time source.
func (f *Feed) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Update records a price for token.
func (f *Feed) Update(token common.Address, price *uint256.Int) error {
	if fixedpoint.IsZero(price) {
		return fmt.Errorf("zero price for %s", token.Hex())
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.prices[token]; ok && f.maxDeviation > 0 {
		diff := new(uint256.Int)
		if price.Gt(prev.Price) {
			diff.Sub(price, prev.Price)
		} else {
			diff.Sub(prev.Price, price)
		}
		limit, err := fixedpoint.ApplyBps(prev.Price, f.maxDeviation, fixedpoint.Down)
		if err != nil {
			return err
		}
		if diff.Gt(limit) {
			return fmt.Errorf("%s moved %s (limit %s): %w", token.Hex(), diff.Dec(), limit.Dec(), ErrCircuitBroken)
		}
	}

	f.prices[token] = PriceData{Price: fixedpoint.Clone(price), Timestamp: f.now()}
	return nil
}

// Price returns the latest WAD price of token.
func (f *Feed) Price(_ context.Context, token common.Address) (*uint256.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, ok := f.prices[token]
	if !ok {
		return nil, fmt.Errorf("%s: %w", token.Hex(), ErrNoPrice)
	}
	if f.staleThreshold > 0 && f.now().Sub(data.Timestamp) > f.staleThreshold {
		return nil, fmt.Errorf("%s last updated %s: %w", token.Hex(), data.Timestamp.Format(time.RFC3339), ErrStalePrice)
	}
	return fixedpoint.Clone(data.Price), nil
}
