// Package metrics exposes supervisor and loop counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing,
// so components can be built without observability in tests.
type Metrics struct {
	registry *prometheus.Registry

	Phase                  prometheus.Gauge
	WatchdogMisses         prometheus.Counter
	WatchdogRelaunches     prometheus.Counter
	TargetLaunchFailures   prometheus.Counter
	EnforcementTicks       prometheus.Counter
	EnforcementTickFailure prometheus.Counter
	SurfaceErrors          prometheus.Counter
	PersistenceFailures    prometheus.Counter
}

// New creates collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kioskd_supervisor_phase",
			Help: "Current supervisor phase (0=idle ... 7=exiting)",
		}),
		WatchdogMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kioskd_watchdog_misses_total",
			Help: "Polls where the target application was not detected",
		}),
		WatchdogRelaunches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kioskd_watchdog_relaunches_total",
			Help: "Target relaunches issued by the watchdog",
		}),
		TargetLaunchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kioskd_target_launch_failures_total",
			Help: "Target launch attempts that failed",
		}),
		EnforcementTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kioskd_enforcement_ticks_total",
			Help: "Enforcement ticks executed",
		}),
		EnforcementTickFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kioskd_enforcement_tick_failures_total",
			Help: "Enforcement ticks that failed to re-apply navigation suppression",
		}),
		SurfaceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kioskd_surface_errors_total",
			Help: "Window-system attach/detach failures",
		}),
		PersistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kioskd_persistence_failures_total",
			Help: "Lockdown state writes that failed",
		}),
	}

	m.registry.MustRegister(
		m.Phase,
		m.WatchdogMisses,
		m.WatchdogRelaunches,
		m.TargetLaunchFailures,
		m.EnforcementTicks,
		m.EnforcementTickFailure,
		m.SurfaceErrors,
		m.PersistenceFailures,
	)
	return m
}

// Registry returns the underlying registry (for tests and custom handlers).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetPhase(p domain.Phase) {
	if m != nil {
		m.Phase.Set(float64(p))
	}
}

func (m *Metrics) WatchdogMiss() {
	if m != nil {
		m.WatchdogMisses.Inc()
	}
}

func (m *Metrics) Relaunch() {
	if m != nil {
		m.WatchdogRelaunches.Inc()
	}
}

func (m *Metrics) LaunchFailure() {
	if m != nil {
		m.TargetLaunchFailures.Inc()
	}
}

// EnforcementTick counts a tick and, when ok is false, a failed one.
func (m *Metrics) EnforcementTick(ok bool) {
	if m == nil {
		return
	}
	m.EnforcementTicks.Inc()
	if !ok {
		m.EnforcementTickFailure.Inc()
	}
}

func (m *Metrics) SurfaceError() {
	if m != nil {
		m.SurfaceErrors.Inc()
	}
}

func (m *Metrics) PersistenceFailure() {
	if m != nil {
		m.PersistenceFailures.Inc()
	}
}

// Serve exposes /metrics on addr until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
