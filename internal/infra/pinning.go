package infra

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

// ErrNoPinCommand means lock-task mode is not available on this host.
var ErrNoPinCommand = errors.New("no pin command configured")

// CommandPinner implements domain.LockTask by running host commands:
// pin_command <app_id> to engage and unpin_command to release.
type CommandPinner struct {
	pinArgv   []string
	unpinArgv []string
	runner    CommandRunner
	logger    *zap.Logger
	engaged   atomic.Bool
}

// NewCommandPinner creates a pinner. An empty pinArgv makes every Engage fail,
// which degrades lockdown to limited mode.
func NewCommandPinner(pinArgv, unpinArgv []string, runner CommandRunner, logger *zap.Logger) *CommandPinner {
	return &CommandPinner{
		pinArgv:   pinArgv,
		unpinArgv: unpinArgv,
		runner:    runner,
		logger:    logger,
	}
}

// Engage pins the device to target.
func (p *CommandPinner) Engage(ctx context.Context, target domain.TargetApp) error {
	if len(p.pinArgv) == 0 {
		return ErrNoPinCommand
	}
	argv := append(append([]string{}, p.pinArgv...), target.ID)
	if err := p.runner.Run(ctx, argv); err != nil {
		return fmt.Errorf("pin %s: %w", target.ID, err)
	}
	p.engaged.Store(true)
	p.logger.Info("lock-task engaged", zap.String("target", target.ID))
	return nil
}

// Release unpins the device. The pinned flag stays set if the command fails.
func (p *CommandPinner) Release(ctx context.Context) error {
	if len(p.unpinArgv) > 0 {
		if err := p.runner.Run(ctx, p.unpinArgv); err != nil {
			return fmt.Errorf("unpin: %w", err)
		}
	}
	p.engaged.Store(false)
	p.logger.Info("lock-task released")
	return nil
}

// Engaged reports whether lock-task mode is on.
func (p *CommandPinner) Engaged() bool {
	return p.engaged.Load()
}

// Ensure CommandPinner implements domain.LockTask.
var _ domain.LockTask = (*CommandPinner)(nil)
