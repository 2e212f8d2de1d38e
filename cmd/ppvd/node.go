package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/ppv/pkg/api"
	"github.com/luxfi/ppv/pkg/config"
	"github.com/luxfi/ppv/pkg/events"
	"github.com/luxfi/ppv/pkg/fixedpoint"
	"github.com/luxfi/ppv/pkg/metrics"
	"github.com/luxfi/ppv/pkg/router"
	"github.com/luxfi/ppv/pkg/store"
	"github.com/luxfi/ppv/pkg/swap"
	"github.com/luxfi/ppv/pkg/vault"
	"github.com/luxfi/ppv/pkg/websocket"
)

// Node owns every long-lived component of the daemon.
type Node struct {
	file   *config.File
	logger log.Logger

	db       database.Database
	store    *store.Store
	syncer   *store.Syncer
	metrics  *metrics.VaultMetrics
	ws       *websocket.Server
	nc       *nats.Conn
	registry *router.Registry
	router   *router.Router
	bySymbol map[string]string // vault symbol to router id

	servers []*http.Server
	wg      sync.WaitGroup
}

// NewNode builds the deployment described by f over db. Vaults with a stored
// snapshot are restored; the rest are created.
func NewNode(f *config.File, db database.Database, logger log.Logger) (*Node, error) {
	d, err := f.Build()
	if err != nil {
		return nil, err
	}

	n := &Node{
		file:     f,
		logger:   logger,
		db:       db,
		store:    store.New(db, logger.New("module", "store")),
		metrics:  metrics.New("ppv"),
		registry: router.NewRegistry(),
		bySymbol: make(map[string]string),
	}
	n.syncer = store.NewSyncer(n.store, logger.New("module", "syncer"))

	wsConfig := websocket.DefaultConfig()
	wsConfig.Addr = f.Server.WebSocket
	n.ws = websocket.NewServer(n.navOf, logger.New("module", "websocket"), wsConfig)

	sinks := events.Multi{n.syncer, n.metrics, n.ws}
	if f.Server.NATS != "" {
		nc, err := events.Connect(f.Server.NATS, "ppvd")
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		n.nc = nc
		sinks = append(sinks, events.NewNATSPublisher(nc, f.Server.NATSPrefix, logger.New("module", "nats")))
	}

	// A feed without prices would fail every mark.
	var feed vault.PriceFeed
	if len(f.Oracle.Prices) > 0 {
		feed = d.Feed
	}
	factory := vault.NewFactory(vault.Dependencies{
		Adapter: swap.NewAdapter(d.Pools, d.Hub),
		Feed:    feed,
		Sink:    sinks,
		Logger:  logger.New("module", "vault"),
	})

	for _, spec := range d.Vaults {
		v, err := n.open(factory, spec)
		if err != nil {
			n.Close()
			return nil, err
		}
		if err := n.registry.Register(spec.ID, spec.Address, v, spec.Accepts...); err != nil {
			n.Close()
			return nil, err
		}
		n.syncer.Track(v)
		n.bySymbol[spec.Config.Symbol] = spec.ID
	}
	n.router = router.New(n.registry, logger.New("module", "router"), n.metrics)

	if err := n.syncer.Flush(); err != nil {
		n.Close()
		return nil, fmt.Errorf("persist vaults: %w", err)
	}
	return n, nil
}

func (n *Node) open(factory *vault.Factory, spec config.VaultSpec) (*vault.Vault, error) {
	opts := []vault.Option{vault.WithProtector(spec.Protector)}
	if spec.Gauge != nil {
		opts = append(opts, vault.WithGauge(spec.Gauge))
	}

	snap, err := n.store.Load(spec.Config.Symbol)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return factory.Create(spec.Config, opts...)
	case err != nil:
		return nil, err
	}
	if !snap.Config.Equal(spec.Config) {
		return nil, fmt.Errorf("%s: stored config differs from the configured one: %w", spec.ID, vault.ErrInvalidConfig)
	}
	// The simulated gauge starts empty; give it back the vault's stake.
	if spec.Gauge != nil && !fixedpoint.IsZero(snap.Position.StakedLP) {
		if err := spec.Gauge.Stake(context.Background(), spec.Config.LPToken, snap.Position.StakedLP); err != nil {
			return nil, fmt.Errorf("%s: restake: %w", spec.ID, err)
		}
	}
	v, err := factory.Load(snap, opts...)
	if err != nil {
		return nil, err
	}
	n.logger.Info("vault loaded from store", "vault", spec.ID, "sequence", snap.Sequence)
	return v, nil
}

func (n *Node) navOf(ctx context.Context, symbol string) (interface{}, error) {
	id, ok := n.bySymbol[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, router.ErrUnknownVault)
	}
	nav, err := n.router.NAV(ctx, id)
	if err != nil {
		return nil, err
	}
	return api.NewNAVResult(symbol, nav), nil
}

// Router returns the router every surface calls through.
func (n *Node) Router() *router.Router { return n.router }

// Run starts the listeners and background loops and blocks until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.syncer.Run(ctx); err != nil {
			n.logger.Error("final snapshot flush failed", "error", err)
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.metrics.CollectSystemMetrics(ctx)
	}()

	if every := n.file.Server.HarvestEvery; every > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.harvestLoop(ctx, every)
		}()
	}

	if addr := n.file.Server.Metrics; addr != "" {
		n.servers = append(n.servers, n.metrics.StartServer(addr))
	}
	if addr := n.file.Server.WebSocket; addr != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.ws.Start(); err != nil {
				n.logger.Error("WebSocket server failed", "error", err)
				cancel()
			}
		}()
	}

	errc := make(chan error, 1)
	if addr := n.file.Server.RPC; addr != "" {
		go func() { errc <- api.StartJSONRPCServer(ctx, addr, n.router, n.logger.New("module", "api")) }()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
		cancel()
	}

	n.ws.Stop()
	for _, s := range n.servers {
		s.Shutdown(context.Background())
	}
	n.wg.Wait()
	return err
}

func (n *Node) harvestLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.router.CompoundAll(ctx); err != nil {
				n.logger.Warn("harvest round finished with errors", "error", err)
			}
		}
	}
}

// Close releases the NATS connection and the database.
func (n *Node) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return n.db.Close()
}
