package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/ppv/pkg/vault"
)

// Exporter is a vault whose state can be snapshotted.
type Exporter interface {
	Symbol() string
	Export() (vault.Snapshot, error)
}

// Syncer persists vaults after they change. It is a vault.Sink: Publish only
// marks the vault dirty, and Run writes dirty vaults from its own goroutine,
// so publishing never blocks on the database or re-enters the vault.
type Syncer struct {
	store  *Store
	logger log.Logger

	vaults  map[string]Exporter
	pending map[string]struct{}
	wake    chan struct{}
	mu      sync.Mutex
}

// NewSyncer creates a syncer writing to store.
func NewSyncer(store *Store, logger log.Logger) *Syncer {
	if logger == nil {
		logger = log.Root().New("module", "syncer")
	}
	return &Syncer{
		store:   store,
		logger:  logger,
		vaults:  make(map[string]Exporter),
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Track registers a vault for persistence.
func (s *Syncer) Track(v Exporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vaults[v.Symbol()] = v
}

// Publish implements vault.Sink.
func (s *Syncer) Publish(r vault.Record) {
	s.mu.Lock()
	s.pending[r.Vault] = struct{}{}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run writes dirty vaults until ctx is done, then flushes everything.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return s.Flush()
		case <-s.wake:
			if err := s.flushPending(); err != nil {
				s.logger.Error("snapshot write failed", "error", err)
			}
		}
	}
}

func (s *Syncer) flushPending() error {
	s.mu.Lock()
	var dirty []Exporter
	for symbol := range s.pending {
		if v, ok := s.vaults[symbol]; ok {
			dirty = append(dirty, v)
		}
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()

	return s.save(dirty)
}

// Flush writes every tracked vault.
func (s *Syncer) Flush() error {
	s.mu.Lock()
	all := make([]Exporter, 0, len(s.vaults))
	for _, v := range s.vaults {
		all = append(all, v)
	}
	s.pending = make(map[string]struct{})
	s.mu.Unlock()

	return s.save(all)
}

func (s *Syncer) save(vaults []Exporter) error {
	sort.Slice(vaults, func(i, j int) bool { return vaults[i].Symbol() < vaults[j].Symbol() })

	var errs []error
	for _, v := range vaults {
		snap, err := v.Export()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.store.Save(snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
