package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/ppv/pkg/vault"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func testRecord() vault.Record {
	return vault.Record{
		Kind:           vault.RecordDeposit,
		Vault:          "vbtcUP",
		Sequence:       7,
		Account:        common.HexToAddress("0x00000000000000000000000000000000000a11ce"),
		Token:          common.HexToAddress("0xFF970A61A04b1cA14834A43f5dE4533eBDDB5CC8"),
		Amount:         uint256.NewInt(1_000_000),
		Shares:         uint256.NewInt(1_000_000),
		TotalShares:    uint256.NewInt(4_000_000),
		BookAssets:     uint256.NewInt(4_100_000),
		TotalPrincipal: uint256.NewInt(4_000_000),
		Position:       vault.Exposed,
		PositionSize:   uint256.NewInt(12_300_000),
		Timestamp:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNATSPublisher(t *testing.T) {
	level, _ := log.ToLevel("debug")
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "", log.NewTestLogger(level))

	p.Publish(testRecord())
	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "ppv.vbtcUP.deposit", conn.subjects[0])

	var msg Message
	require.NoError(t, json.Unmarshal(conn.payloads[0], &msg))
	assert.Equal(t, "deposit", msg.Kind)
	assert.Equal(t, "1000000", msg.Amount)
	assert.Equal(t, "exposed", msg.Position)
	assert.Equal(t, "12300000", msg.PositionSize)
	assert.Equal(t, "4100000", msg.BookAssets)
	assert.Equal(t, uint64(7), msg.Sequence)

	conn.err = errors.New("nats: connection closed")
	p.Publish(testRecord())
	assert.Len(t, conn.subjects, 1)
}

func TestSubjectPrefix(t *testing.T) {
	p := NewNATSPublisher(&fakeConn{}, "staging.vaults", nil)
	r := testRecord()
	r.Kind = vault.RecordHarvest
	assert.Equal(t, "staging.vaults.vbtcUP.harvest", p.Subject(r))
}

func TestMulti(t *testing.T) {
	var a, b []vault.Record
	m := Multi{
		vault.SinkFunc(func(r vault.Record) { a = append(a, r) }),
		vault.SinkFunc(func(r vault.Record) { b = append(b, r) }),
	}
	m.Publish(testRecord())
	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
}

func TestNewMessageNilAmounts(t *testing.T) {
	msg := NewMessage(vault.Record{Kind: vault.RecordPause, Vault: "vbtcUP"})
	assert.Equal(t, "0", msg.Amount)
	assert.Equal(t, "flat", msg.Position)
}
