// Package events fans committed vault records out to subscribers.
package events

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/luxfi/ppv/pkg/vault"
)

// Message is the wire form of a vault.Record. Amounts are base-10 strings.
type Message struct {
	Kind           string         `json:"kind"`
	Vault          string         `json:"vault"`
	Sequence       uint64         `json:"sequence"`
	Account        common.Address `json:"account"`
	Token          common.Address `json:"token"`
	Amount         string         `json:"amount"`
	Shares         string         `json:"shares"`
	TotalShares    string         `json:"totalShares"`
	BookAssets     string         `json:"bookAssets"`
	TotalPrincipal string         `json:"totalPrincipal"`
	Position       string         `json:"position"`
	PositionSize   string         `json:"positionSize"`
	Timestamp      time.Time      `json:"timestamp"`
}

func dec(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

// NewMessage converts a record.
func NewMessage(r vault.Record) Message {
	return Message{
		Kind:           string(r.Kind),
		Vault:          r.Vault,
		Sequence:       r.Sequence,
		Account:        r.Account,
		Token:          r.Token,
		Amount:         dec(r.Amount),
		Shares:         dec(r.Shares),
		TotalShares:    dec(r.TotalShares),
		BookAssets:     dec(r.BookAssets),
		TotalPrincipal: dec(r.TotalPrincipal),
		Position:       r.Position.String(),
		PositionSize:   dec(r.PositionSize),
		Timestamp:      r.Timestamp,
	}
}

// Encode marshals a record as JSON.
func Encode(r vault.Record) ([]byte, error) {
	return json.Marshal(NewMessage(r))
}

// Multi publishes every record to each sink in order.
type Multi []vault.Sink

// Publish implements vault.Sink.
func (m Multi) Publish(r vault.Record) {
	for _, s := range m {
		s.Publish(r)
	}
}
