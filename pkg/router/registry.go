// Package router is the single front door to a set of vaults. It validates a
// call against the registry and forwards it unchanged; it never holds funds.
package router

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/ppv/pkg/vault"
)

var (
	ErrUnknownVault     = errors.New("unknown vault")
	ErrUnsupportedToken = errors.New("token not accepted by vault")
	ErrVaultExists      = errors.New("vault already registered")
	ErrInvalidEntry     = errors.New("invalid registry entry")
)

// Entry is a registered vault.
type Entry struct {
	ID       string
	Address  common.Address
	Vault    vault.Capabilities
	accepted map[common.Address]struct{}
}

// Accepts reports whether token can be deposited into the vault.
func (e *Entry) Accepts(token common.Address) bool {
	_, ok := e.accepted[token]
	return ok
}

// Tokens returns the accepted deposit tokens in ascending order.
func (e *Entry) Tokens() []common.Address {
	out := make([]common.Address, 0, len(e.accepted))
	for t := range e.accepted {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Registry maps vault ids to vaults. Entries are only ever added.
type Registry struct {
	entries   map[string]*Entry
	byAddress map[common.Address]*Entry
	order     []string
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[string]*Entry),
		byAddress: make(map[common.Address]*Entry),
	}
}

// Register adds a vault under id. The vault's underlying token is always
// accepted; accepted lists further tokens the vault converts on entry.
func (r *Registry) Register(id string, address common.Address, v vault.Capabilities, accepted ...common.Address) error {
	if id == "" || v == nil {
		return fmt.Errorf("%w: id and vault are required", ErrInvalidEntry)
	}
	if address == (common.Address{}) {
		return fmt.Errorf("%w: %s has no address", ErrInvalidEntry, id)
	}

	e := &Entry{
		ID:       id,
		Address:  address,
		Vault:    v,
		accepted: map[common.Address]struct{}{v.Config().Underlying: {}},
	}
	for _, t := range accepted {
		e.accepted[t] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%s: %w", id, ErrVaultExists)
	}
	if prev, ok := r.byAddress[address]; ok {
		return fmt.Errorf("%s at %s (registered as %s): %w", id, address.Hex(), prev.ID, ErrVaultExists)
	}
	r.entries[id] = e
	r.byAddress[address] = e
	r.order = append(r.order, id)
	return nil
}

// Lookup returns the entry registered under id.
func (r *Registry) Lookup(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrUnknownVault)
	}
	return e, nil
}

// LookupAddress returns the entry registered at address.
func (r *Registry) LookupAddress(address common.Address) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byAddress[address]
	if !ok {
		return nil, fmt.Errorf("%s: %w", address.Hex(), ErrUnknownVault)
	}
	return e, nil
}

// IDs returns vault ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered vaults.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
