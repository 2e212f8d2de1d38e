package vault

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/log"

	"github.com/luxfi/ppv/pkg/gauge"
)

// Capabilities is what the router needs from a vault product.
type Capabilities interface {
	Symbol() string
	Config() Config
	Deposit(ctx context.Context, depositor, token common.Address, amount *uint256.Int) (*DepositReceipt, error)
	Withdraw(ctx context.Context, depositor common.Address, shares *uint256.Int) (*WithdrawReceipt, error)
	PreviewDeposit(ctx context.Context, amount *uint256.Int) (*uint256.Int, error)
	Compound(ctx context.Context) (*HarvestReport, error)
	NAV(ctx context.Context) (NAV, error)
	BalanceOf(account common.Address) *uint256.Int
}

var _ Capabilities = (*Vault)(nil)

// Factory builds initialized vaults that share one set of collaborators.
type Factory struct {
	deps   Dependencies
	logger log.Logger
}

// NewFactory returns a factory for vaults built over deps. Per-vault
// collaborators (gauge, protector) can be supplied to Create.
func NewFactory(deps Dependencies) *Factory {
	if deps.Logger == nil {
		deps.Logger = log.Root().New("module", "vault")
	}
	return &Factory{deps: deps, logger: deps.Logger}
}

// Option overrides a collaborator for a single vault.
type Option func(*Dependencies)

// WithGauge sets the gauge a vault stakes into.
func WithGauge(g gauge.Gauge) Option {
	return func(d *Dependencies) { d.Gauge = g }
}

// WithProtector sets the protection strategy of a vault.
func WithProtector(p Protector) Option {
	return func(d *Dependencies) { d.Protector = p }
}

// WithSink sets where a vault publishes its records.
func WithSink(s Sink) Option {
	return func(d *Dependencies) { d.Sink = s }
}

// Create builds and initializes a vault from cfg.
func (f *Factory) Create(cfg Config, opts ...Option) (*Vault, error) {
	deps := f.deps
	for _, opt := range opts {
		opt(&deps)
	}
	v := New(deps)
	if err := v.Initialize(cfg); err != nil {
		return nil, fmt.Errorf("create %s: %w", cfg.Symbol, err)
	}
	f.logger.Debug("vault created", "vault", cfg.Symbol, "direct", cfg.Direct())
	return v, nil
}

// Load builds a vault from a persisted snapshot.
func (f *Factory) Load(s Snapshot, opts ...Option) (*Vault, error) {
	deps := f.deps
	for _, opt := range opts {
		opt(&deps)
	}
	v := New(deps)
	if err := v.Restore(s); err != nil {
		return nil, fmt.Errorf("load %s: %w", s.Config.Symbol, err)
	}
	return v, nil
}
