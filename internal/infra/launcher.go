package infra

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

// CommandLauncher implements domain.Launcher by starting the target's
// launch command detached. It records when the target was last launched;
// the liveness probe uses that as its activity signal.
type CommandLauncher struct {
	runner CommandRunner
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
	pid  int
}

// NewCommandLauncher creates a launcher.
func NewCommandLauncher(runner CommandRunner, logger *zap.Logger) *CommandLauncher {
	return &CommandLauncher{runner: runner, logger: logger, now: time.Now}
}

// Launch starts the target. Fire-and-forget: it does not wait for the
// application to come up.
func (l *CommandLauncher) Launch(ctx context.Context, target domain.TargetApp) error {
	if len(target.LaunchCommand) == 0 {
		return fmt.Errorf("%w: no launch command for %s", domain.ErrTargetLaunch, target.ID)
	}

	l.logInfo("launching target", zap.String("target", target.ID), zap.Strings("argv", target.LaunchCommand))
	pid, err := l.runner.Start(target.LaunchCommand)
	if err != nil {
		l.logError("failed to launch target", zap.String("target", target.ID), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", domain.ErrTargetLaunch, target.ID, err)
	}

	l.mu.Lock()
	l.last = l.now()
	l.pid = pid
	l.mu.Unlock()
	return nil
}

// LastLaunch returns when the target was last launched (zero if never).
func (l *CommandLauncher) LastLaunch() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// LastPID returns the PID of the last launched process (0 if never).
func (l *CommandLauncher) LastPID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid
}

// Logging helpers that handle nil logger
func (l *CommandLauncher) logInfo(msg string, fields ...zap.Field) {
	if l.logger != nil {
		l.logger.Info(msg, fields...)
	}
}

func (l *CommandLauncher) logError(msg string, fields ...zap.Field) {
	if l.logger != nil {
		l.logger.Error(msg, fields...)
	}
}

// Ensure CommandLauncher implements domain.Launcher.
var _ domain.Launcher = (*CommandLauncher)(nil)
