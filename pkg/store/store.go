// Package store persists vault snapshots in a key-value database. Each vault
// lives under its own prefix; a versioned header guards the layout.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"github.com/luxfi/log"

	"github.com/luxfi/ppv/pkg/vault"
)

var (
	ErrSchemaVersion = vault.ErrSchemaVersion
	ErrCorrupt       = vault.ErrCorruptSnapshot
	ErrNotFound      = errors.New("vault snapshot not found")
)

var (
	indexPrefix  = []byte("index")
	vaultsPrefix = []byte("vault")

	versionKey  = []byte("version")
	snapshotKey = []byte("snapshot")
)

// Store reads and writes vault snapshots.
type Store struct {
	db     database.Database
	index  database.Database
	vaults database.Database
	logger log.Logger
	mu     sync.Mutex
}

// New wraps db.
func New(db database.Database, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root().New("module", "store")
	}
	return &Store{
		db:     db,
		index:  prefixdb.New(indexPrefix, db),
		vaults: prefixdb.New(vaultsPrefix, db),
		logger: logger,
	}
}

func (s *Store) vaultDB(symbol string) database.Database {
	return prefixdb.New([]byte(symbol), s.vaults)
}

// Save writes a snapshot. The version header and the body are written in one
// batch.
func (s *Store) Save(snap vault.Snapshot) error {
	if snap.Version != vault.SchemaVersion {
		return fmt.Errorf("%w: refusing to write version %d", ErrSchemaVersion, snap.Version)
	}
	symbol := snap.Config.Symbol
	body, err := json.Marshal(toDTO(snap))
	if err != nil {
		return fmt.Errorf("encode %s: %w", symbol, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.vaultDB(symbol).NewBatch()
	if err := batch.Put(versionKey, encodeVersion(vault.SchemaVersion)); err != nil {
		return err
	}
	if err := batch.Put(snapshotKey, body); err != nil {
		return err
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write %s: %w", symbol, err)
	}
	if err := s.index.Put([]byte(symbol), nil); err != nil {
		return fmt.Errorf("index %s: %w", symbol, err)
	}

	s.logger.Debug("snapshot saved", "vault", symbol, "sequence", snap.Sequence, "bytes", len(body))
	return nil
}

// Load reads the snapshot of symbol.
func (s *Store) Load(symbol string) (vault.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vdb := s.vaultDB(symbol)
	raw, err := vdb.Get(versionKey)
	if errors.Is(err, database.ErrNotFound) {
		return vault.Snapshot{}, fmt.Errorf("%s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return vault.Snapshot{}, err
	}
	version, err := decodeVersion(raw)
	if err != nil {
		return vault.Snapshot{}, fmt.Errorf("%s: %w", symbol, err)
	}
	if version != vault.SchemaVersion {
		return vault.Snapshot{}, fmt.Errorf("%w: %s stored with version %d, want %d", ErrSchemaVersion, symbol, version, vault.SchemaVersion)
	}

	body, err := vdb.Get(snapshotKey)
	if err != nil {
		return vault.Snapshot{}, fmt.Errorf("%s: %w: %w", symbol, ErrCorrupt, err)
	}
	var dto snapshotDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return vault.Snapshot{}, fmt.Errorf("%s: %w: %w", symbol, ErrCorrupt, err)
	}
	if uint32(dto.Version) != version {
		return vault.Snapshot{}, fmt.Errorf("%w: %s header %d, body %d", ErrSchemaVersion, symbol, version, dto.Version)
	}
	return fromDTO(dto)
}

// Symbols lists the vaults that have a snapshot.
func (s *Store) Symbols() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.index.NewIterator()
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(it.Key()))
	}
	return out, it.Error()
}

// LoadAll reads every stored snapshot.
func (s *Store) LoadAll() ([]vault.Snapshot, error) {
	symbols, err := s.Symbols()
	if err != nil {
		return nil, err
	}
	out := make([]vault.Snapshot, 0, len(symbols))
	for _, symbol := range symbols {
		snap, err := s.Load(symbol)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func encodeVersion(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func decodeVersion(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: version header is %d bytes", ErrCorrupt, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
