package infra

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

// DefaultActivityWindow is how long after a launch the target counts as alive
// even if the process table does not show it yet.
const DefaultActivityWindow = 20 * time.Second

// ProcessLivenessProbe implements domain.LivenessProbe from two signals:
// process-table presence and recent launch activity. It is biased toward
// alive: any alive signal wins, and when every signal is inconclusive the
// target is assumed alive.
type ProcessLivenessProbe struct {
	pm             domain.ProcessManager
	launcher       domain.Launcher
	activityWindow time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewProcessLivenessProbe creates a probe. launcher may be nil to disable the
// activity signal.
func NewProcessLivenessProbe(pm domain.ProcessManager, launcher domain.Launcher, activityWindow time.Duration, logger *zap.Logger) *ProcessLivenessProbe {
	return &ProcessLivenessProbe{
		pm:             pm,
		launcher:       launcher,
		activityWindow: activityWindow,
		logger:         logger,
		now:            time.Now,
	}
}

// IsTargetAlive combines the signals.
func (p *ProcessLivenessProbe) IsTargetAlive(ctx context.Context, target domain.TargetApp) bool {
	process := p.processSignal(ctx, target)
	activity := p.activitySignal()
	alive := CombineSignals(process, activity)

	if p.logger != nil {
		p.logger.Debug("liveness probe",
			zap.String("target", target.ID),
			zap.Int("process_signal", int(process)),
			zap.Int("activity_signal", int(activity)),
			zap.Bool("alive", alive))
	}
	return alive
}

// processSignal looks the target up in the process table.
func (p *ProcessLivenessProbe) processSignal(ctx context.Context, target domain.TargetApp) domain.Signal {
	if len(target.ProcessNames) == 0 {
		return domain.SignalInconclusive
	}
	failures := 0
	for _, pattern := range target.ProcessNames {
		pids, err := p.pm.FindByName(ctx, pattern)
		if err != nil {
			failures++
			continue
		}
		if len(pids) > 0 {
			return domain.SignalAlive
		}
	}
	if failures == len(target.ProcessNames) {
		return domain.SignalInconclusive
	}
	return domain.SignalDead
}

// activitySignal reports alive within the window after a launch. Absence of
// recent activity says nothing about liveness.
func (p *ProcessLivenessProbe) activitySignal() domain.Signal {
	if p.launcher == nil || p.activityWindow <= 0 {
		return domain.SignalInconclusive
	}
	last := p.launcher.LastLaunch()
	if last.IsZero() {
		return domain.SignalInconclusive
	}
	if p.now().Sub(last) <= p.activityWindow {
		return domain.SignalAlive
	}
	return domain.SignalInconclusive
}

// CombineSignals applies the alive bias: any alive wins, then any dead, and
// all inconclusive means alive.
func CombineSignals(signals ...domain.Signal) bool {
	dead := false
	for _, s := range signals {
		switch s {
		case domain.SignalAlive:
			return true
		case domain.SignalDead:
			dead = true
		}
	}
	return !dead
}

// Ensure ProcessLivenessProbe implements domain.LivenessProbe.
var _ domain.LivenessProbe = (*ProcessLivenessProbe)(nil)
