package vault

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RecordKind names a committed vault event.
type RecordKind string

const (
	RecordInitialize RecordKind = "initialize"
	RecordDeposit    RecordKind = "deposit"
	RecordWithdraw   RecordKind = "withdraw"
	RecordHarvest    RecordKind = "harvest"
	RecordPause      RecordKind = "pause"
	RecordUnpause    RecordKind = "unpause"
)

// Record describes a state change after it was committed. Records are never
// emitted for failed calls.
type Record struct {
	Kind     RecordKind
	Vault    string
	Sequence uint64

	Account common.Address
	Token   common.Address
	Amount  *uint256.Int // underlying in or out, rewards for a harvest
	Shares  *uint256.Int

	TotalShares    *uint256.Int
	// BookAssets values staked LP at par and leaves out unrealized P&L, so
	// it can be built without calling out. Use Vault.NAV for market value.
	BookAssets     *uint256.Int
	TotalPrincipal *uint256.Int
	Position       PositionState
	PositionSize   *uint256.Int

	Timestamp time.Time
}

// Sink receives committed records. Implementations must not call back into
// the vault that published the record.
type Sink interface {
	Publish(Record)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Record)

// Publish implements Sink.
func (f SinkFunc) Publish(r Record) { f(r) }

type discard struct{}

func (discard) Publish(Record) {}
