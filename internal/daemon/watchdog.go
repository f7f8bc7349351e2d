package daemon

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
	"github.com/eliteGoblin/focusd/kioskd/internal/metrics"
)

// WatchdogConfig holds target watchdog configuration.
type WatchdogConfig struct {
	InitialDelay     time.Duration // Cold-start grace before the first poll
	PollInterval     time.Duration // How often to check the target
	MissThreshold    uint32        // Consecutive misses that trigger a relaunch
	RelaunchCooldown time.Duration // Extra wait after a relaunch
}

// DefaultWatchdogConfig returns default watchdog configuration.
func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		InitialDelay:     10 * time.Second,
		PollInterval:     8 * time.Second,
		MissThreshold:    2,
		RelaunchCooldown: 10 * time.Second,
	}
}

// OverlayKeeper is the slice of the overlay renderer the watchdog needs.
type OverlayKeeper interface {
	IsAttached(kind domain.SurfaceKind) bool
	Reshow(kind domain.SurfaceKind) error
}

// Watchdog keeps the target application alive. It is the only component
// that relaunches the target.
type Watchdog struct {
	config   WatchdogConfig
	target   domain.TargetApp
	probe    domain.LivenessProbe
	launcher domain.Launcher
	overlay  OverlayKeeper
	logger   *zap.Logger
	metrics  *metrics.Metrics

	misses     atomic.Uint32
	relaunches atomic.Uint64
}

// NewWatchdog creates a new target watchdog.
func NewWatchdog(
	config WatchdogConfig,
	target domain.TargetApp,
	probe domain.LivenessProbe,
	launcher domain.Launcher,
	overlay OverlayKeeper,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Watchdog {
	if config.MissThreshold == 0 {
		config.MissThreshold = 1
	}
	return &Watchdog{
		config:   config,
		target:   target,
		probe:    probe,
		launcher: launcher,
		overlay:  overlay,
		logger:   logger,
		metrics:  m,
	}
}

func (w *Watchdog) Name() string { return "target-watchdog" }

// Run polls until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info("target watchdog started",
		zap.String("target", w.target.ID),
		zap.Duration("initial_delay", w.config.InitialDelay),
		zap.Duration("poll_interval", w.config.PollInterval))

	if !sleepCtx(ctx, w.config.InitialDelay) {
		return nil
	}

	for {
		if !sleepCtx(ctx, w.config.PollInterval) {
			return nil
		}
		if w.Poll(ctx) {
			if !sleepCtx(ctx, w.config.RelaunchCooldown) {
				return nil
			}
		}
	}
}

// Poll performs one liveness check and returns true if it issued a relaunch.
func (w *Watchdog) Poll(ctx context.Context) (relaunched bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("watchdog poll panicked", zap.Any("panic", r))
			relaunched = false
		}
	}()

	if w.probe.IsTargetAlive(ctx, w.target) {
		w.misses.Store(0)
		w.ensureOverlay()
		return false
	}

	misses := w.misses.Add(1)
	w.metrics.WatchdogMiss()
	w.logger.Info("target not detected",
		zap.String("target", w.target.ID),
		zap.Uint32("consecutive_misses", misses))

	if misses < w.config.MissThreshold {
		return false
	}

	w.logger.Info("relaunching target", zap.String("target", w.target.ID))
	if err := w.launcher.Launch(ctx, w.target); err != nil {
		w.metrics.LaunchFailure()
		w.logger.Warn("target relaunch failed", zap.String("target", w.target.ID), zap.Error(err))
	}
	// Reset even on failure so a broken launcher cannot cause a relaunch storm.
	w.misses.Store(0)
	w.relaunches.Add(1)
	w.metrics.Relaunch()
	return true
}

// ensureOverlay re-shows the primary overlay if the host dropped it.
func (w *Watchdog) ensureOverlay() {
	if w.overlay == nil || w.overlay.IsAttached(domain.SurfacePrimary) {
		return
	}
	w.logger.Info("target alive but overlay missing, reshowing")
	if err := w.overlay.Reshow(domain.SurfacePrimary); err != nil {
		w.logger.Warn("overlay reshow failed", zap.Error(err))
	}
}

// Misses returns the current consecutive-miss count.
func (w *Watchdog) Misses() uint32 { return w.misses.Load() }

// Relaunches returns how many relaunches this watchdog issued.
func (w *Watchdog) Relaunches() uint64 { return w.relaunches.Load() }
