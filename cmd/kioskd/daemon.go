package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/kioskd/internal/broadcast"
	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
	"github.com/eliteGoblin/focusd/kioskd/internal/infra"
	"github.com/eliteGoblin/focusd/kioskd/internal/metrics"
	"github.com/eliteGoblin/focusd/kioskd/internal/overlay"
	"github.com/eliteGoblin/focusd/kioskd/internal/usecase"
)

// shutdownTimeout bounds teardown on SIGTERM.
const shutdownTimeout = 10 * time.Second

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, _, path, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open state store", zap.Error(err))
		return err
	}
	defer store.Close()

	// Initialize host bindings
	pm := infra.NewProcessManager()
	runner := infra.NewExecCommandRunner(cfg.Host.CommandTimeout)
	target := cfg.TargetApp()
	m := metrics.New()

	pinner := infra.NewCommandPinner(cfg.Host.PinCommand, cfg.Host.UnpinCommand, runner, logger.Named("pinner"))
	gateway := infra.NewFilePrivilegeGateway(cfg.Host.GrantsDir, cfg.Host.GrantHelper, runner, pinner, logger.Named("privileges"))
	launcher := infra.NewCommandLauncher(runner, logger.Named("launcher"))
	probe := infra.NewProcessLivenessProbe(pm, launcher, cfg.Target.ActivityWindow, logger.Named("liveness"))
	suppressor := infra.NewCommandSuppressor(cfg.Host.SuppressCommand, runner)
	windows := infra.NewHelperWindowSystem(cfg.Host.OverlayHelper, cfg.EdgeHeightMap(), runner, pm, logger.Named("windows"))
	defer windows.Close()

	renderer := overlay.NewRenderer(windows, cfg.Host.OverlayHeight, logger.Named("overlay"), m)
	bus := broadcast.NewBus()

	sup := usecase.NewSupervisor(cfg.SupervisorConfig(), usecase.SupervisorDeps{
		Store:      store,
		Privileges: gateway,
		Pinner:     pinner,
		Launcher:   launcher,
		Probe:      probe,
		Suppressor: suppressor,
		Renderer:   renderer,
		Bus:        bus,
		Metrics:    m,
	}, logger.Named("supervisor"))

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 4)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return sup.Run(gctx)
	})
	g.Go(func() error {
		return gateway.Watch(gctx, sup.OnGrantResult)
	})
	if cfg.Metrics.ListenAddr != "" {
		g.Go(func() error {
			if err := m.Serve(gctx, cfg.Metrics.ListenAddr, logger); err != nil {
				// Metrics are optional
				logger.Warn("metrics endpoint stopped", zap.Error(err))
			}
			return nil
		})
	}

	if err := enterLockdown(gctx, sup, store, gateway, launcher, target, cfg.Timing.StabilizationDelay, logger); err != nil {
		if !errors.Is(err, errNothingToSupervise) {
			logger.Error("lockdown entry failed", zap.Error(err))
		}
		cancel()
		waitErr := g.Wait()
		if errors.Is(err, errNothingToSupervise) {
			return waitErr
		}
		return err
	}

	rec := domain.DaemonRecord{
		PID:        os.Getpid(),
		SessionID:  sup.Status().SessionID,
		StartedAt:  time.Now().Unix(),
		AppVersion: Version,
	}
	if err := store.RecordDaemon(rec); err != nil {
		logger.Warn("failed to record daemon", zap.Error(err))
	}
	defer func() {
		if err := store.ClearDaemon(); err != nil {
			logger.Warn("failed to clear daemon record", zap.Error(err))
		}
	}()
	logger.Info("daemon started",
		zap.Int("pid", rec.PID),
		zap.String("session", rec.SessionID),
		zap.String("target", target.ID))

	for {
		select {
		case <-gctx.Done():
			return g.Wait()
		case sig := <-sigChan:
			if done := handleSignal(gctx, sig, sup, logger); done {
				cancel()
			}
		}
	}
}

var errNothingToSupervise = errors.New("lockdown not re-entered")

// enterLockdown runs either a fresh entry or boot recovery.
func enterLockdown(
	ctx context.Context,
	sup *usecase.Supervisor,
	store domain.StateStore,
	gateway domain.PrivilegeGateway,
	launcher domain.Launcher,
	target domain.TargetApp,
	stabilization time.Duration,
	logger *zap.Logger,
) error {
	if !daemonRecover {
		return sup.Start(ctx)
	}

	recovery := usecase.NewRecovery(store, gateway, launcher, sup, target, stabilization, logger.Named("recovery"))
	decision, err := recovery.HandleBoot(ctx)
	if err != nil {
		return err
	}
	if decision != usecase.RecoveryReenter {
		return errNothingToSupervise
	}
	return nil
}

// handleSignal maps process signals onto supervisor operations. It reports
// whether the daemon should exit.
func handleSignal(ctx context.Context, sig os.Signal, sup *usecase.Supervisor, logger *zap.Logger) bool {
	switch sig {
	case syscall.SIGUSR1:
		res, err := sup.RequestExit(ctx)
		if res == usecase.ExitIncomplete {
			logger.Warn("exit incomplete, lockdown stays set until the clear succeeds", zap.Error(err))
			return false
		}
		logger.Info("exit gesture", zap.String("result", res.String()), zap.Error(err))
		return res == usecase.ExitCompleted || sup.Phase() == domain.PhaseIdle

	case syscall.SIGUSR2:
		if err := sup.Release(ctx); err != nil {
			logger.Warn("release failed", zap.Error(err))
		} else {
			logger.Info("lockdown released")
		}
		return sup.Phase() == domain.PhaseIdle

	default:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sup.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
		return true
	}
}
