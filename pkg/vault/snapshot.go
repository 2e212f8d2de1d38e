package vault

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/luxfi/ppv/pkg/fixedpoint"
)

// SchemaVersion tags the persisted layout of a vault.
const SchemaVersion = 1

// Snapshot is the persisted state of a vault. Unrealized P&L is not part of
// it; it is recomputed from the mark price after a restore.
type Snapshot struct {
	Version     int
	Config      Config
	Balances    map[common.Address]*uint256.Int
	TotalShares *uint256.Int
	Principal   *uint256.Int
	Idle        *uint256.Int
	Deficit     *uint256.Int // nil restores as zero
	Position    Position
	LastHarvest time.Time
	Paused      bool
	Sequence    uint64
}

// Export captures the committed state of an initialized vault.
func (v *Vault) Export() (Snapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ready(); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Version:     SchemaVersion,
		Config:      v.cfg.clone(),
		Balances:    v.shares.snapshot(),
		TotalShares: v.shares.Total(),
		Principal:   fixedpoint.Clone(v.principal),
		Idle:        fixedpoint.Clone(v.idle),
		Deficit:     fixedpoint.Clone(v.deficit),
		Position:    v.position.clone(),
		LastHarvest: v.lastHarvest,
		Paused:      v.paused,
		Sequence:    v.sequence,
	}, nil
}

// Restore loads s into a vault that has not been initialized yet.
func (v *Vault) Restore(s Snapshot) error {
	if s.Version != SchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrSchemaVersion, s.Version, SchemaVersion)
	}
	if s.Principal == nil || s.Idle == nil || s.TotalShares == nil {
		return fmt.Errorf("%w: missing amounts", ErrCorruptSnapshot)
	}
	if s.Position.Size == nil || s.Position.EntryPrice == nil || s.Position.StakedLP == nil {
		return fmt.Errorf("%w: incomplete position", ErrCorruptSnapshot)
	}
	pos := s.Position.clone()
	if pos.State == Unwinding {
		return fmt.Errorf("%w: position persisted mid-unwind", ErrCorruptSnapshot)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.initialized || v.initializing {
		return fmt.Errorf("%w: restore into an initialized vault", ErrReentrantInitialization)
	}
	ledger, pm, err := v.build(s.Config)
	if err != nil {
		return err
	}
	if s.Principal.Gt(s.Config.DepositCap) {
		return fmt.Errorf("%w: principal %s above cap %s", ErrCorruptSnapshot, s.Principal.Dec(), s.Config.DepositCap.Dec())
	}
	shares, err := restoreLedger(s.Balances, s.TotalShares)
	if err != nil {
		return err
	}

	v.cfg = s.Config.clone()
	v.ledger = ledger
	v.pm = pm
	v.shares = shares
	v.principal = fixedpoint.Clone(s.Principal)
	v.idle = fixedpoint.Clone(s.Idle)
	v.deficit = fixedpoint.Clone(s.Deficit)
	v.position = pos
	v.lastHarvest = s.LastHarvest
	v.paused = s.Paused
	v.sequence = s.Sequence
	v.initialized = true

	v.logger.Info("vault restored",
		"vault", s.Config.Symbol,
		"holders", shares.Holders(),
		"totalShares", s.TotalShares.Dec(),
		"position", pos.State.String(),
	)
	return nil
}
