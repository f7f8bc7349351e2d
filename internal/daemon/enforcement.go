package daemon

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
	"github.com/eliteGoblin/focusd/kioskd/internal/metrics"
)

// EnforcementConfig holds enforcement loop configuration.
type EnforcementConfig struct {
	Interval time.Duration // How often to re-assert suppressed navigation
}

// DefaultEnforcementConfig returns default enforcement configuration.
func DefaultEnforcementConfig() EnforcementConfig {
	return EnforcementConfig{Interval: time.Second}
}

// EnforcementLoop re-applies the suppressed-navigation state on every tick
// and broadcasts the enforcement topic so surface owners can heal themselves.
type EnforcementLoop struct {
	config     EnforcementConfig
	suppressor domain.NavigationSuppressor
	publisher  domain.Publisher
	logger     *zap.Logger
	metrics    *metrics.Metrics

	ticks atomic.Uint64
}

// NewEnforcementLoop creates a new enforcement loop.
func NewEnforcementLoop(
	config EnforcementConfig,
	suppressor domain.NavigationSuppressor,
	publisher domain.Publisher,
	logger *zap.Logger,
	m *metrics.Metrics,
) *EnforcementLoop {
	if config.Interval <= 0 {
		config.Interval = DefaultEnforcementConfig().Interval
	}
	return &EnforcementLoop{
		config:     config,
		suppressor: suppressor,
		publisher:  publisher,
		logger:     logger,
		metrics:    m,
	}
}

func (l *EnforcementLoop) Name() string { return "enforcement" }

// Run ticks until ctx is canceled.
func (l *EnforcementLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Warn("enforcement tick failed", zap.Error(err))
			}
		}
	}
}

// Tick re-applies suppression and emits one broadcast. The broadcast goes
// out even when suppression fails so surfaces still heal.
func (l *EnforcementLoop) Tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enforcement tick panicked: %v", r)
		}
		l.ticks.Add(1)
		l.metrics.EnforcementTick(err == nil)
	}()

	if l.suppressor != nil {
		err = l.suppressor.Suppress(ctx)
	}
	delivered := l.publisher.Publish(domain.EnforcementTopic)
	l.logger.Debug("enforcement tick", zap.Int("delivered", delivered), zap.Error(err))
	return err
}

// Ticks returns how many ticks have run.
func (l *EnforcementLoop) Ticks() uint64 { return l.ticks.Load() }
