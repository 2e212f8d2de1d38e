package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"runtime"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/ppv/pkg/router"
	"github.com/luxfi/ppv/pkg/vault"
)

// VaultMetrics exports vault activity to Prometheus. It is both a vault.Sink
// and a router.Observer.
type VaultMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Vault records
	records       *prometheus.CounterVec
	volume        *prometheus.CounterVec
	totalShares   *prometheus.GaugeVec
	bookAssets    *prometheus.GaugeVec
	principal     *prometheus.GaugeVec
	positionSize  *prometheus.GaugeVec
	positionState *prometheus.GaugeVec

	// Routed calls
	routed   *prometheus.CounterVec
	failures *prometheus.CounterVec
	latency  *prometheus.HistogramVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

var (
	_ vault.Sink      = (*VaultMetrics)(nil)
	_ router.Observer = (*VaultMetrics)(nil)
)

// New creates the collectors on a fresh registry.
func New(namespace string) *VaultMetrics {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	m := &VaultMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_records_total",
			Help:      "Committed vault records by kind",
		}, []string{"vault", "kind"}),

		volume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_volume_total",
			Help:      "Underlying moved by deposits, withdrawals and harvests, in base units",
		}, []string{"vault", "kind"}),

		totalShares: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_total_shares",
			Help:      "Outstanding vault shares",
		}, []string{"vault"}),

		bookAssets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_book_assets",
			Help:      "Idle plus staked LP at par less carried losses, in vault token units; excludes unrealized P&L",
		}, []string{"vault"}),

		principal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_total_principal",
			Help:      "Principal counted against the deposit cap",
		}, []string{"vault"}),

		positionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_position_size",
			Help:      "Notional of the leveraged position",
		}, []string{"vault"}),

		positionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_position_exposed",
			Help:      "1 while the vault holds exposure",
		}, []string{"vault"}),

		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_calls_total",
			Help:      "Routed calls by vault and operation",
		}, []string{"vault", "op"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_failures_total",
			Help:      "Failed routed calls by error kind",
		}, []string{"vault", "op", "kind"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "router_latency_seconds",
			Help:      "Routed call latency",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}, []string{"op"}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.records,
		m.volume,
		m.totalShares,
		m.bookAssets,
		m.principal,
		m.positionSize,
		m.positionState,
		m.routed,
		m.failures,
		m.latency,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Registry returns the registry holding every collector.
func (m *VaultMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *VaultMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr in the background.
func (m *VaultMetrics) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", "error", err)
		}
	}()
	m.logger.Info("Prometheus metrics available", "addr", addr, "path", "/metrics")
	return server
}

// Publish implements vault.Sink.
func (m *VaultMetrics) Publish(r vault.Record) {
	kind := string(r.Kind)
	m.records.WithLabelValues(r.Vault, kind).Inc()
	if r.Amount != nil && !r.Amount.IsZero() {
		m.volume.WithLabelValues(r.Vault, kind).Add(toFloat(r.Amount))
	}
	if r.TotalShares != nil {
		m.totalShares.WithLabelValues(r.Vault).Set(toFloat(r.TotalShares))
	}
	if r.BookAssets != nil {
		m.bookAssets.WithLabelValues(r.Vault).Set(toFloat(r.BookAssets))
	}
	if r.TotalPrincipal != nil {
		m.principal.WithLabelValues(r.Vault).Set(toFloat(r.TotalPrincipal))
	}
	if r.PositionSize != nil {
		m.positionSize.WithLabelValues(r.Vault).Set(toFloat(r.PositionSize))
	}
	exposed := 0.0
	if r.Position == vault.Exposed {
		exposed = 1
	}
	m.positionState.WithLabelValues(r.Vault).Set(exposed)
}

// Observe implements router.Observer.
func (m *VaultMetrics) Observe(o router.Outcome) {
	op := string(o.Op)
	m.routed.WithLabelValues(o.VaultID, op).Inc()
	m.latency.WithLabelValues(op).Observe(o.Duration.Seconds())
	if o.Err != nil {
		m.failures.WithLabelValues(o.VaultID, op, ErrorKind(o.Err)).Inc()
	}
}

var kinds = []struct {
	err  error
	name string
}{
	{vault.ErrZeroAmount, "zero_amount"},
	{vault.ErrCapExceeded, "cap_exceeded"},
	{vault.ErrInsufficientShares, "insufficient_shares"},
	{vault.ErrSlippageExceeded, "slippage_exceeded"},
	{vault.ErrExternalCallFailed, "external_call_failed"},
	{vault.ErrPaused, "paused"},
	{vault.ErrNotInitialized, "not_initialized"},
	{vault.ErrArithmeticOverflow, "overflow"},
	{router.ErrUnknownVault, "unknown_vault"},
	{router.ErrUnsupportedToken, "unsupported_token"},
}

// ErrorKind maps an error to a low-cardinality label.
func ErrorKind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "other"
}

// CollectSystemMetrics samples runtime stats until ctx is done.
func (m *VaultMetrics) CollectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}

func toFloat(x *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(x.ToBig()).Float64()
	return f
}
