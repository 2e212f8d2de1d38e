package vault

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/luxfi/ppv/pkg/fixedpoint"
)

// ShareLedger maps depositors to share balances. The sum of all balances
// always equals Total.
type ShareLedger struct {
	balances map[common.Address]*uint256.Int
	total    *uint256.Int
}

// NewShareLedger creates an empty ledger.
func NewShareLedger() *ShareLedger {
	return &ShareLedger{
		balances: make(map[common.Address]*uint256.Int),
		total:    new(uint256.Int),
	}
}

// BalanceOf returns a copy of the account's balance.
func (l *ShareLedger) BalanceOf(account common.Address) *uint256.Int {
	return fixedpoint.Clone(l.balances[account])
}

// Total returns a copy of the total supply.
func (l *ShareLedger) Total() *uint256.Int {
	return fixedpoint.Clone(l.total)
}

// Holders returns the number of accounts with a non-zero balance.
func (l *ShareLedger) Holders() int {
	return len(l.balances)
}

// Accounts returns holder addresses in ascending order.
func (l *ShareLedger) Accounts() []common.Address {
	out := make([]common.Address, 0, len(l.balances))
	for a := range l.balances {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// CanMint reports whether amount can be minted without overflowing.
func (l *ShareLedger) CanMint(amount *uint256.Int) error {
	_, err := fixedpoint.Add(l.total, amount)
	return err
}

// CanBurn reports whether account holds at least amount.
func (l *ShareLedger) CanBurn(account common.Address, amount *uint256.Int) error {
	bal := l.balances[account]
	if bal == nil || bal.Lt(amount) {
		return fmt.Errorf("%s holds %s, needs %s: %w", account.Hex(), fixedpoint.Clone(bal).Dec(), amount.Dec(), ErrInsufficientShares)
	}
	return nil
}

// Mint credits amount to account.
func (l *ShareLedger) Mint(account common.Address, amount *uint256.Int) error {
	if err := l.CanMint(amount); err != nil {
		return err
	}
	l.mint(account, amount)
	return nil
}

// Burn debits amount from account.
func (l *ShareLedger) Burn(account common.Address, amount *uint256.Int) error {
	if err := l.CanBurn(account, amount); err != nil {
		return err
	}
	l.burn(account, amount)
	return nil
}

func (l *ShareLedger) mint(account common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	bal := fixedpoint.Clone(l.balances[account])
	l.balances[account] = bal.Add(bal, amount)
	l.total = new(uint256.Int).Add(l.total, amount)
}

func (l *ShareLedger) burn(account common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	bal := new(uint256.Int).Sub(l.balances[account], amount)
	if bal.IsZero() {
		delete(l.balances, account)
	} else {
		l.balances[account] = bal
	}
	l.total = new(uint256.Int).Sub(l.total, amount)
}

// Check verifies sum(balances) == total.
func (l *ShareLedger) Check() error {
	sum := new(uint256.Int)
	for a, bal := range l.balances {
		if bal.IsZero() {
			return fmt.Errorf("%w: zero balance entry for %s", ErrCorruptSnapshot, a.Hex())
		}
		next, err := fixedpoint.Add(sum, bal)
		if err != nil {
			return err
		}
		sum = next
	}
	if !sum.Eq(l.total) {
		return fmt.Errorf("%w: balances sum to %s, total is %s", ErrCorruptSnapshot, sum.Dec(), l.total.Dec())
	}
	return nil
}

func (l *ShareLedger) snapshot() map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int, len(l.balances))
	for a, bal := range l.balances {
		out[a] = fixedpoint.Clone(bal)
	}
	return out
}

func restoreLedger(balances map[common.Address]*uint256.Int, total *uint256.Int) (*ShareLedger, error) {
	l := NewShareLedger()
	for a, bal := range balances {
		if fixedpoint.IsZero(bal) {
			continue
		}
		l.balances[a] = fixedpoint.Clone(bal)
	}
	l.total = fixedpoint.Clone(total)
	if err := l.Check(); err != nil {
		return nil, err
	}
	return l, nil
}
