package infra

import (
	"context"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

// CommandSuppressor implements domain.NavigationSuppressor by running the
// configured suppress command (for example hiding system bars) each tick.
type CommandSuppressor struct {
	argv   []string
	runner CommandRunner
}

// NewCommandSuppressor creates a suppressor. An empty argv makes Suppress a no-op.
func NewCommandSuppressor(argv []string, runner CommandRunner) *CommandSuppressor {
	return &CommandSuppressor{argv: argv, runner: runner}
}

// Suppress re-applies the suppressed-navigation state.
func (s *CommandSuppressor) Suppress(ctx context.Context) error {
	if len(s.argv) == 0 {
		return nil
	}
	return s.runner.Run(ctx, s.argv)
}

var _ domain.NavigationSuppressor = (*CommandSuppressor)(nil)
