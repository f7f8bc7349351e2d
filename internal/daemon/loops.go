// Package daemon implements the background loops of an active lockdown
// (target watchdog, enforcement loop) and the daemon process spawner.
package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Loop is a long-lived background task that returns when ctx is canceled.
type Loop interface {
	Name() string
	Run(ctx context.Context) error
}

// LoopFunc adapts a function to Loop.
type LoopFunc struct {
	LoopName string
	Fn       func(ctx context.Context) error
}

func (l LoopFunc) Name() string                  { return l.LoopName }
func (l LoopFunc) Run(ctx context.Context) error { return l.Fn(ctx) }

// LoopGroup runs loops concurrently under one cancellation scope. Loops do
// not cancel each other: one returning early leaves the rest running.
type LoopGroup struct {
	cancel  context.CancelFunc
	group   errgroup.Group
	logger  *zap.Logger
	stopped sync.Once
	err     error
}

// StartLoops launches every loop in its own goroutine.
func StartLoops(parent context.Context, logger *zap.Logger, loops ...Loop) *LoopGroup {
	ctx, cancel := context.WithCancel(parent)
	lg := &LoopGroup{cancel: cancel, logger: logger}

	for _, l := range loops {
		l := l
		lg.group.Go(func() error {
			logger.Info("loop started", zap.String("loop", l.Name()))
			err := l.Run(ctx)
			logger.Info("loop stopped", zap.String("loop", l.Name()), zap.Error(err))
			return err
		})
	}
	return lg
}

// Stop cancels every loop and waits for all of them to return.
// Safe to call more than once.
func (lg *LoopGroup) Stop() error {
	lg.stopped.Do(func() {
		lg.cancel()
		lg.err = lg.group.Wait()
	})
	return lg.err
}

// sleepCtx waits for d or until ctx is canceled. Returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
