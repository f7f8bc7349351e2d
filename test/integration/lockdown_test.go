//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/broadcast"
	"github.com/eliteGoblin/focusd/kioskd/internal/daemon"
	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
	"github.com/eliteGoblin/focusd/kioskd/internal/infra"
	"github.com/eliteGoblin/focusd/kioskd/internal/metrics"
	"github.com/eliteGoblin/focusd/kioskd/internal/overlay"
	"github.com/eliteGoblin/focusd/kioskd/internal/usecase"
)

// host is one daemon's worth of real bindings over a temp data directory.
type host struct {
	dataDir  string
	store    *infra.EncryptedStateStore
	gateway  *infra.FilePrivilegeGateway
	pinner   *infra.CommandPinner
	launcher *infra.CommandLauncher
	windows  *infra.HelperWindowSystem
	renderer *overlay.Renderer
	pm       domain.ProcessManager
	sup      *usecase.Supervisor
	target   domain.TargetApp

	cancel context.CancelFunc
	done   chan struct{}
}

func testSupervisorConfig(target domain.TargetApp) usecase.SupervisorConfig {
	cfg := usecase.DefaultSupervisorConfig(target)
	cfg.SettleDelay = 20 * time.Millisecond
	cfg.ReevaluateDelay = 20 * time.Millisecond
	cfg.OverlayRetryDelay = time.Hour
	cfg.EntryStepDelay = 20 * time.Millisecond
	cfg.Watchdog = daemon.WatchdogConfig{
		InitialDelay:     time.Hour,
		PollInterval:     time.Hour,
		MissThreshold:    2,
		RelaunchCooldown: time.Hour,
	}
	cfg.Enforcement = daemon.EnforcementConfig{Interval: 50 * time.Millisecond}
	return cfg
}

// newHost opens the store in dataDir and runs a supervisor with a grants watcher.
func newHost(dataDir string) *host {
	logger := zap.NewNop()
	h := &host{
		dataDir: dataDir,
		pm:      infra.NewProcessManager(),
		target: domain.TargetApp{
			ID:            "org.example.kiosk",
			LaunchCommand: []string{"sleep", "30"},
			ProcessNames:  []string{"sleep"},
		},
	}

	var err error
	h.store, err = infra.OpenEncryptedStateStore(dataDir)
	Expect(err).NotTo(HaveOccurred())

	runner := infra.NewExecCommandRunner(time.Second)
	h.pinner = infra.NewCommandPinner([]string{"true"}, []string{"true"}, runner, logger)
	h.gateway = infra.NewFilePrivilegeGateway(filepath.Join(dataDir, "grants"), nil, runner, h.pinner, logger)
	h.launcher = infra.NewCommandLauncher(runner, logger)
	h.windows = infra.NewHelperWindowSystem(nil,
		map[domain.Edge]int{domain.EdgeTop: 24, domain.EdgeBottom: 48}, runner, h.pm, logger)
	m := metrics.New()
	h.renderer = overlay.NewRenderer(h.windows, 0, logger, m)

	h.sup = usecase.NewSupervisor(testSupervisorConfig(h.target), usecase.SupervisorDeps{
		Store:      h.store,
		Privileges: h.gateway,
		Pinner:     h.pinner,
		Launcher:   h.launcher,
		Probe:      infra.NewProcessLivenessProbe(h.pm, h.launcher, infra.DefaultActivityWindow, logger),
		Suppressor: infra.NewCommandSuppressor([]string{"true"}, runner),
		Renderer:   h.renderer,
		Bus:        broadcast.NewBus(),
		Metrics:    m,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		_ = h.sup.Run(ctx)
	}()
	go func() { _ = h.gateway.Watch(ctx, h.sup.OnGrantResult) }()

	// Let the watcher register before tests write markers
	Eventually(func() error {
		_, err := os.Stat(h.gateway.Dir())
		return err
	}).Should(Succeed())
	time.Sleep(50 * time.Millisecond)
	return h
}

func (h *host) stop() {
	h.cancel()
	Eventually(h.done).Should(BeClosed())
	if pid := h.launcher.LastPID(); pid > 0 && h.pm.IsRunning(pid) {
		_ = h.pm.Kill(pid)
	}
	Expect(h.store.Close()).To(Succeed())
}

func (h *host) phase() domain.Phase {
	return h.sup.Phase()
}

func (h *host) persisted() domain.LockdownState {
	state, err := h.store.LoadState()
	Expect(err).NotTo(HaveOccurred())
	return state
}

var _ = Describe("Lockdown lifecycle", func() {
	var (
		dataDir string
		h       *host
	)

	BeforeEach(func() {
		var err error
		dataDir, err = os.MkdirTemp("", "kioskd-integration-*")
		Expect(err).NotTo(HaveOccurred())
		h = newHost(dataDir)
	})

	AfterEach(func() {
		if h != nil {
			h.stop()
		}
		os.RemoveAll(dataDir)
	})

	Describe("full lockdown", func() {
		BeforeEach(func() {
			Expect(h.gateway.WriteOutcome(domain.PrivilegeOverlay, domain.GrantGranted)).To(Succeed())
			Expect(h.gateway.WriteOutcome(domain.PrivilegeAdmin, domain.GrantGranted)).To(Succeed())
		})

		It("pins, covers the screen and launches the target", func() {
			Expect(h.sup.Start(context.Background())).To(Succeed())
			Eventually(h.phase).Should(Equal(domain.PhaseFullActive))

			Expect(h.pinner.Engaged()).To(BeTrue())
			Expect(h.gateway.LockModeEngaged()).To(BeTrue())
			Expect(h.renderer.LiveCount()).To(Equal(3))
			Expect(h.launcher.LastPID()).To(BeNumerically(">", 0))
			Expect(h.persisted()).To(And(
				HaveField("Active", BeTrue()),
				HaveField("Mode", Equal(domain.ModeFull)),
			))
			Expect(h.sup.Status().LoopsRunning).To(BeTrue())
		})

		It("blocks the exit gesture until released", func() {
			Expect(h.sup.Start(context.Background())).To(Succeed())
			Eventually(h.phase).Should(Equal(domain.PhaseFullActive))

			for i := 0; i < 3; i++ {
				res, err := h.sup.RequestExit(context.Background())
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(Equal(usecase.ExitBlocked))
			}

			Expect(h.sup.Release(context.Background())).To(Succeed())
			Expect(h.phase()).To(Equal(domain.PhaseIdle))
			Expect(h.pinner.Engaged()).To(BeFalse())
			Expect(h.renderer.LiveCount()).To(Equal(0))
			Expect(h.persisted().Active).To(BeFalse())
		})

		It("degrades to limited when the administrator grant is revoked", func() {
			Expect(h.sup.Start(context.Background())).To(Succeed())
			Eventually(h.phase).Should(Equal(domain.PhaseFullActive))

			Expect(h.gateway.WriteOutcome(domain.PrivilegeAdmin, domain.GrantDenied)).To(Succeed())

			Eventually(h.phase, 2*time.Second).Should(Equal(domain.PhaseLimitedActive))
			Expect(h.pinner.Engaged()).To(BeFalse())
			Expect(h.persisted().Mode).To(Equal(domain.ModeLimited))
		})
	})

	Describe("limited lockdown", func() {
		BeforeEach(func() {
			Expect(h.gateway.WriteOutcome(domain.PrivilegeOverlay, domain.GrantGranted)).To(Succeed())
		})

		It("enters limited mode after the administrator request is denied", func() {
			Expect(h.sup.Start(context.Background())).To(Succeed())
			Eventually(h.phase).Should(Equal(domain.PhaseAcquiringAdmin))

			Expect(h.gateway.WriteOutcome(domain.PrivilegeAdmin, domain.GrantDenied)).To(Succeed())

			Eventually(h.phase, 2*time.Second).Should(Equal(domain.PhaseLimitedActive))
			Expect(h.pinner.Engaged()).To(BeFalse())
			Expect(h.sup.Status().AdminAttempted).To(BeTrue())
			Expect(h.persisted().Mode).To(Equal(domain.ModeLimited))
		})

		It("exits after two gestures inside the confirmation window", func() {
			Expect(h.sup.Start(context.Background())).To(Succeed())
			Eventually(h.phase).Should(Equal(domain.PhaseAcquiringAdmin))
			Expect(h.gateway.WriteOutcome(domain.PrivilegeAdmin, domain.GrantDenied)).To(Succeed())
			Eventually(h.phase, 2*time.Second).Should(Equal(domain.PhaseLimitedActive))

			res, err := h.sup.RequestExit(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(usecase.ExitPendingConfirm))

			res, err = h.sup.RequestExit(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(res).To(Equal(usecase.ExitCompleted))

			Expect(h.phase()).To(Equal(domain.PhaseIdle))
			Expect(h.persisted().Active).To(BeFalse())
		})
	})

	Describe("restart", func() {
		BeforeEach(func() {
			Expect(h.gateway.WriteOutcome(domain.PrivilegeOverlay, domain.GrantGranted)).To(Succeed())
			Expect(h.gateway.WriteOutcome(domain.PrivilegeAdmin, domain.GrantGranted)).To(Succeed())
			Expect(h.sup.Start(context.Background())).To(Succeed())
			Eventually(h.phase).Should(Equal(domain.PhaseFullActive))
		})

		It("keeps the lockdown flag across shutdown and re-enters on boot", func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			Expect(h.sup.Shutdown(shutdownCtx)).To(Succeed())
			h.stop()
			h = nil

			// Same data directory, fresh process
			h = newHost(dataDir)
			Expect(h.persisted().Active).To(BeTrue())

			recovery := usecase.NewRecovery(h.store, h.gateway, h.launcher, h.sup, h.target, 10*time.Millisecond, zap.NewNop())
			decision, err := recovery.HandleBoot(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(decision).To(Equal(usecase.RecoveryReenter))
			Eventually(h.phase).Should(Equal(domain.PhaseFullActive))
		})

		It("launches the target plainly when the overlay grant is gone", func() {
			h.stop()
			h = nil

			h = newHost(dataDir)
			Expect(h.gateway.WriteOutcome(domain.PrivilegeOverlay, domain.GrantDenied)).To(Succeed())

			recovery := usecase.NewRecovery(h.store, h.gateway, h.launcher, h.sup, h.target, 0, zap.NewNop())
			decision, err := recovery.HandleBoot(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(decision).To(Equal(usecase.RecoveryFallback))
			Expect(h.launcher.LastPID()).To(BeNumerically(">", 0))
			Expect(h.phase()).To(Equal(domain.PhaseIdle))
		})
	})
})
