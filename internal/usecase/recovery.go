package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

// RecoveryDecision is what the boot trigger decided to do.
type RecoveryDecision int

const (
	// RecoveryNone means lockdown was not active; nothing to do.
	RecoveryNone RecoveryDecision = iota
	// RecoveryReenter means the supervisor entry point was invoked again.
	RecoveryReenter
	// RecoveryFallback means the target was launched without lockdown.
	RecoveryFallback
)

func (d RecoveryDecision) String() string {
	switch d {
	case RecoveryNone:
		return "none"
	case RecoveryReenter:
		return "reenter"
	case RecoveryFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Starter is the supervisor entry point.
type Starter interface {
	Start(ctx context.Context) error
}

// Recovery re-enters lockdown after a host or process restart.
type Recovery struct {
	store         domain.StateStore
	privileges    domain.PrivilegeGateway
	launcher      domain.Launcher
	starter       Starter
	target        domain.TargetApp
	stabilization time.Duration
	logger        *zap.Logger
}

// NewRecovery creates the boot/recovery trigger.
func NewRecovery(
	store domain.StateStore,
	privileges domain.PrivilegeGateway,
	launcher domain.Launcher,
	starter Starter,
	target domain.TargetApp,
	stabilization time.Duration,
	logger *zap.Logger,
) *Recovery {
	return &Recovery{
		store:         store,
		privileges:    privileges,
		launcher:      launcher,
		starter:       starter,
		target:        target,
		stabilization: stabilization,
		logger:        logger,
	}
}

// Decide consults the persisted flag and the overlay grant.
func (r *Recovery) Decide() (RecoveryDecision, error) {
	state, err := r.store.LoadState()
	if err != nil {
		return RecoveryNone, fmt.Errorf("%w: load lockdown state: %v", domain.ErrPersistence, err)
	}
	if !state.Active {
		return RecoveryNone, nil
	}
	if !r.privileges.IsGranted(domain.PrivilegeOverlay) {
		return RecoveryFallback, nil
	}
	return RecoveryReenter, nil
}

// HandleBoot runs the restart path. When re-entry is possible it waits for
// the host to stabilise and calls the supervisor entry point; otherwise, or
// when entry fails, it launches the target plainly so the user is never
// left without it.
func (r *Recovery) HandleBoot(ctx context.Context) (RecoveryDecision, error) {
	decision, err := r.Decide()
	if err != nil {
		return decision, err
	}

	r.logger.Info("boot recovery", zap.String("decision", decision.String()))

	switch decision {
	case RecoveryReenter:
		if r.stabilization > 0 {
			t := time.NewTimer(r.stabilization)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return decision, ctx.Err()
			case <-t.C:
			}
		}

		err := r.starter.Start(ctx)
		if err == nil || errors.Is(err, domain.ErrAlreadyStarted) {
			return RecoveryReenter, nil
		}
		r.logger.Warn("lockdown re-entry failed, falling back to plain launch", zap.Error(err))
		return RecoveryFallback, r.fallback(ctx)

	case RecoveryFallback:
		r.logger.Warn("overlay privilege revoked, skipping lockdown re-entry")
		return RecoveryFallback, r.fallback(ctx)
	}
	return RecoveryNone, nil
}

func (r *Recovery) fallback(ctx context.Context) error {
	if err := r.launcher.Launch(ctx, r.target); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTargetLaunch, err)
	}
	return nil
}
