// Package usecase contains the lockdown business logic: the Supervisor state
// machine, the exit gate and boot recovery.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/broadcast"
	"github.com/eliteGoblin/focusd/kioskd/internal/daemon"
	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
	"github.com/eliteGoblin/focusd/kioskd/internal/metrics"
	"github.com/eliteGoblin/focusd/kioskd/internal/overlay"
)

// eventQueueSize bounds pending events. Grant callbacks and timers post
// without waiting for the event to be handled.
const eventQueueSize = 32

// SupervisorConfig holds the supervisor timing and the loop configurations.
type SupervisorConfig struct {
	Target            domain.TargetApp
	SettleDelay       time.Duration // Before requesting the admin privilege
	ReevaluateDelay   time.Duration // After a grant, before re-reading privileges
	OverlayRetryDelay time.Duration // After an overlay denial, before asking again
	EntryStepDelay    time.Duration // Between overlay, pin and initial launch
	ExitConfirmWindow time.Duration // Second exit gesture must land inside this
	Watchdog          daemon.WatchdogConfig
	Enforcement       daemon.EnforcementConfig
}

// DefaultSupervisorConfig returns the default supervisor configuration for target.
func DefaultSupervisorConfig(target domain.TargetApp) SupervisorConfig {
	return SupervisorConfig{
		Target:            target,
		SettleDelay:       2 * time.Second,
		ReevaluateDelay:   time.Second,
		OverlayRetryDelay: 5 * time.Second,
		EntryStepDelay:    2 * time.Second,
		ExitConfirmWindow: 2 * time.Second,
		Watchdog:          daemon.DefaultWatchdogConfig(),
		Enforcement:       daemon.DefaultEnforcementConfig(),
	}
}

// SupervisorDeps are the collaborators the supervisor drives.
type SupervisorDeps struct {
	Store      domain.StateStore
	Privileges domain.PrivilegeGateway
	Pinner     domain.LockTask
	Launcher   domain.Launcher
	Probe      domain.LivenessProbe
	Suppressor domain.NavigationSuppressor
	Renderer   *overlay.Renderer
	Bus        *broadcast.Bus
	Metrics    *metrics.Metrics  // Optional
	Now        func() time.Time // Optional, defaults to time.Now
}

// ExitResult is the outcome of one exit gesture.
type ExitResult int

const (
	// ExitBlocked means the gesture was swallowed.
	ExitBlocked ExitResult = iota
	// ExitPendingConfirm means a second gesture inside the window will exit.
	ExitPendingConfirm
	// ExitCompleted means lockdown was torn down.
	ExitCompleted
	// ExitIncomplete means teardown started but the persisted flag could
	// not be cleared yet. The supervisor stays in Exiting and retries.
	ExitIncomplete
)

func (r ExitResult) String() string {
	switch r {
	case ExitBlocked:
		return "blocked"
	case ExitPendingConfirm:
		return "pending-confirm"
	case ExitCompleted:
		return "completed"
	case ExitIncomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Phase          domain.Phase
	Mode           domain.LockdownMode
	SessionID      string
	AdminAttempted bool
	LoopsRunning   bool
	LastFailure    string
}

// Supervisor is the top-level lockdown state machine. All state transitions
// run on the goroutine executing Run; the public methods post events to it.
type Supervisor struct {
	cfg    SupervisorConfig
	deps   SupervisorDeps
	logger *zap.Logger

	events  chan func()
	stopped chan struct{}
	running atomic.Bool

	// Owned by the Run goroutine.
	runCtx         context.Context
	phase          domain.Phase
	mode           domain.LockdownMode
	session        string
	gen            uint64
	adminAttempted bool
	lastFailure    string
	clearPending   bool
	gate           *ExitGate
	loops          *daemon.LoopGroup
	quit           bool

	mu     sync.RWMutex
	status Status
}

// NewSupervisor creates a supervisor in the Idle phase.
func NewSupervisor(cfg SupervisorConfig, deps SupervisorDeps, logger *zap.Logger) *Supervisor {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Supervisor{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		events:  make(chan func(), eventQueueSize),
		stopped: make(chan struct{}),
		runCtx:  context.Background(),
		gate:    NewExitGate(cfg.ExitConfirmWindow, deps.Now),
	}
	s.publish()
	return s
}

// Run processes events until ctx is canceled or Shutdown is called.
// Cancellation behaves like Shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return domain.ErrAlreadyStarted
	}
	defer close(s.stopped)

	s.runCtx = ctx
	s.logger.Info("supervisor running", zap.String("target", s.cfg.Target.ID))

	for {
		select {
		case <-ctx.Done():
			s.suspend()
			return nil
		case fn := <-s.events:
			fn()
			if s.quit {
				return nil
			}
		}
	}
}

// Start is the lockdown entry point, used for both user launch and recovery.
// It returns once the first transition has been taken; the rest of the
// acquisition and entry sequence continues asynchronously.
func (s *Supervisor) Start(ctx context.Context) error {
	var err error
	if callErr := s.call(ctx, func() { err = s.handleStart() }); callErr != nil {
		return callErr
	}
	return err
}

// OnGrantResult is the activation callback for privilege outcomes, including
// later revocations. It does not wait for the outcome to be handled.
func (s *Supervisor) OnGrantResult(kind domain.PrivilegeKind, outcome domain.GrantOutcome) {
	s.post(func() { s.handleGrant(kind, outcome) })
}

// RequestExit handles one exit gesture.
func (s *Supervisor) RequestExit(ctx context.Context) (ExitResult, error) {
	var (
		res ExitResult
		err error
	)
	if callErr := s.call(ctx, func() { res, err = s.handleExit() }); callErr != nil {
		return ExitBlocked, callErr
	}
	return res, err
}

// Release tears lockdown down without the exit gesture. It is the
// administrative way out of FullActive.
func (s *Supervisor) Release(ctx context.Context) error {
	var err error
	if callErr := s.call(ctx, func() {
		if !s.phase.Active() && s.phase != domain.PhaseEnteringFull && s.phase != domain.PhaseEnteringLimited && !s.clearPending {
			err = domain.ErrNotActive
			return
		}
		s.logger.Info("lockdown release requested", zap.String("phase", s.phase.String()))
		err = s.teardown(true)
	}); callErr != nil {
		return callErr
	}
	return err
}

// Shutdown stops loops and detaches surfaces but leaves the persisted
// lockdown flag set, so the next boot re-enters lockdown. Run returns
// afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.call(ctx, func() {
		s.suspend()
		s.quit = true
	})
	if errors.Is(err, domain.ErrSupervisorStopped) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Phase returns the current phase.
func (s *Supervisor) Phase() domain.Phase {
	return s.Status().Phase
}

// call runs fn on the event goroutine and waits for it to finish.
func (s *Supervisor) call(ctx context.Context, fn func()) error {
	select {
	case <-s.stopped:
		return domain.ErrSupervisorStopped
	default:
	}

	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	select {
	case s.events <- wrapped:
	case <-s.stopped:
		return domain.ErrSupervisorStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-s.stopped:
		select {
		case <-done:
			return nil
		default:
			return domain.ErrSupervisorStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting for it to run.
func (s *Supervisor) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.stopped:
	}
}

// after posts fn once d has elapsed, unless the session has moved on.
func (s *Supervisor) after(d time.Duration, fn func()) {
	gen := s.gen
	time.AfterFunc(d, func() {
		s.post(func() {
			if s.gen != gen {
				return
			}
			fn()
		})
	})
}

func (s *Supervisor) handleStart() error {
	if s.phase != domain.PhaseIdle {
		return domain.ErrAlreadyStarted
	}
	s.gen++
	s.session = uuid.NewString()
	s.adminAttempted = false
	s.lastFailure = ""
	s.logger.Info("lockdown session started", zap.String("session", s.session))
	return s.evaluate()
}

// evaluate reads privileges fresh and takes the first transition out of Idle.
func (s *Supervisor) evaluate() error {
	privs := s.deps.Privileges.Privileges()

	switch {
	case !privs.OverlayGranted:
		s.setPhase(domain.PhaseAcquiringOverlay)
		s.requestGrant(domain.PrivilegeOverlay)
		return nil
	case privs.AdminGranted:
		return s.beginEntry(domain.ModeFull)
	case s.adminAttempted:
		return s.beginEntry(domain.ModeLimited)
	default:
		s.setPhase(domain.PhaseAcquiringAdmin)
		s.after(s.cfg.SettleDelay, func() {
			if s.phase == domain.PhaseAcquiringAdmin {
				s.requestGrant(domain.PrivilegeAdmin)
			}
		})
		return nil
	}
}

func (s *Supervisor) reevaluateLater() {
	s.after(s.cfg.ReevaluateDelay, func() {
		if s.phase != domain.PhaseIdle {
			return
		}
		if err := s.evaluate(); err != nil {
			s.logger.Error("lockdown entry failed", zap.Error(err))
		}
	})
}

// requestGrant hands off to the host grant UI. A request that cannot even be
// issued counts as a denial.
func (s *Supervisor) requestGrant(kind domain.PrivilegeKind) {
	s.logger.Info("requesting privilege", zap.String("privilege", string(kind)))
	if err := s.deps.Privileges.RequestGrant(s.runCtx, kind); err != nil {
		s.logger.Warn("privilege request failed", zap.String("privilege", string(kind)), zap.Error(err))
		s.handleGrant(kind, domain.GrantDenied)
	}
}

func (s *Supervisor) handleGrant(kind domain.PrivilegeKind, outcome domain.GrantOutcome) {
	s.logger.Info("privilege result",
		zap.String("privilege", string(kind)),
		zap.String("outcome", string(outcome)),
		zap.String("phase", s.phase.String()))

	granted := outcome == domain.GrantGranted

	switch {
	case s.phase == domain.PhaseAcquiringOverlay && kind == domain.PrivilegeOverlay:
		if granted {
			s.setFailure("")
			s.setPhase(domain.PhaseIdle)
			s.reevaluateLater()
			return
		}
		s.setFailure(fmt.Errorf("%w: overlay permission is required to start lockdown", domain.ErrPrivilegeDenied).Error())
		s.after(s.cfg.OverlayRetryDelay, func() {
			if s.phase == domain.PhaseAcquiringOverlay {
				s.requestGrant(domain.PrivilegeOverlay)
			}
		})

	case s.phase == domain.PhaseAcquiringAdmin && kind == domain.PrivilegeAdmin:
		if granted {
			s.setPhase(domain.PhaseIdle)
			s.reevaluateLater()
			return
		}
		s.adminAttempted = true
		if err := s.beginEntry(domain.ModeLimited); err != nil {
			s.logger.Error("limited entry failed", zap.Error(err))
		}

	case s.phase == domain.PhaseFullActive && kind == domain.PrivilegeAdmin && !granted:
		s.degradeToLimited("device administrator revoked")

	default:
		s.logger.Debug("privilege result ignored in current phase")
	}
}

// beginEntry persists the lockdown flag, attaches surfaces and schedules the
// remaining entry steps.
func (s *Supervisor) beginEntry(mode domain.LockdownMode) error {
	if mode == domain.ModeFull {
		s.setPhase(domain.PhaseEnteringFull)
	} else {
		s.setPhase(domain.PhaseEnteringLimited)
	}

	if err := s.persist(true, mode); err != nil {
		s.setFailure(err.Error())
		s.setPhase(domain.PhaseIdle)
		return err
	}
	s.mode = mode
	s.publish()

	if err := s.deps.Renderer.AttachAll(); err != nil {
		s.logger.Warn("overlay attach incomplete, self-heal will retry", zap.Error(err))
	}

	if mode == domain.ModeFull {
		s.after(s.cfg.EntryStepDelay, func() {
			if s.phase == domain.PhaseEnteringFull {
				s.pinStep()
			}
		})
		return nil
	}
	s.after(s.cfg.EntryStepDelay, func() {
		if s.phase == domain.PhaseEnteringLimited {
			s.launchStep()
		}
	})
	return nil
}

// pinStep engages lock-task mode. Any failure degrades to limited entry.
func (s *Supervisor) pinStep() {
	if !s.deps.Privileges.IsGranted(domain.PrivilegeAdmin) {
		s.degradeEntry("device administrator no longer granted")
	} else if err := s.deps.Pinner.Engage(s.runCtx, s.cfg.Target); err != nil {
		s.degradeEntry(fmt.Sprintf("pin failed: %v", err))
	}

	phase := s.phase
	s.after(s.cfg.EntryStepDelay, func() {
		if s.phase == phase {
			s.launchStep()
		}
	})
}

// launchStep starts the target once and completes entry. A failed launch is
// left to the watchdog.
func (s *Supervisor) launchStep() {
	if err := s.deps.Launcher.Launch(s.runCtx, s.cfg.Target); err != nil {
		s.deps.Metrics.LaunchFailure()
		s.logger.Warn("initial target launch failed",
			zap.String("target", s.cfg.Target.ID),
			zap.Error(fmt.Errorf("%w: %v", domain.ErrTargetLaunch, err)))
	}
	s.completeEntry()
}

func (s *Supervisor) completeEntry() {
	if s.phase == domain.PhaseEnteringFull {
		privs := s.deps.Privileges.Privileges()
		if !privs.OverlayGranted || !privs.AdminGranted || !s.deps.Pinner.Engaged() {
			s.degradeEntry("privileges changed during entry")
		}
	}

	s.startLoops()
	s.gate.Reset()
	if s.phase == domain.PhaseEnteringFull {
		s.setPhase(domain.PhaseFullActive)
	} else {
		s.setPhase(domain.PhaseLimitedActive)
	}
}

// degradeEntry switches an in-progress full entry to limited.
func (s *Supervisor) degradeEntry(reason string) {
	s.logger.Warn("full lockdown unavailable, degrading to limited", zap.String("reason", reason))
	s.unpin()
	s.mode = domain.ModeLimited
	if err := s.persist(true, domain.ModeLimited); err != nil {
		s.logger.Warn("failed to record lockdown mode", zap.Error(err))
	}
	s.setPhase(domain.PhaseEnteringLimited)
}

// degradeToLimited leaves FullActive for LimitedActive. Loops keep running.
func (s *Supervisor) degradeToLimited(reason string) {
	s.logger.Warn("leaving full lockdown", zap.String("reason", reason))
	s.unpin()
	s.mode = domain.ModeLimited
	if err := s.persist(true, domain.ModeLimited); err != nil {
		s.logger.Warn("failed to record lockdown mode", zap.Error(err))
	}
	s.gate.Reset()
	s.setPhase(domain.PhaseLimitedActive)
}

func (s *Supervisor) startLoops() {
	watchdog := daemon.NewWatchdog(
		s.cfg.Watchdog, s.cfg.Target, s.deps.Probe, s.deps.Launcher, s.deps.Renderer,
		s.logger.Named("watchdog"), s.deps.Metrics)
	enforcement := daemon.NewEnforcementLoop(
		s.cfg.Enforcement, s.deps.Suppressor, s.deps.Bus,
		s.logger.Named("enforcement"), s.deps.Metrics)
	selfHeal := daemon.LoopFunc{
		LoopName: "overlay-self-heal",
		Fn: func(ctx context.Context) error {
			return s.deps.Renderer.SelfHeal(ctx, s.deps.Bus)
		},
	}

	s.loops = daemon.StartLoops(s.runCtx, s.logger, watchdog, enforcement, selfHeal)
	s.publish()
}

func (s *Supervisor) stopLoops() {
	if s.loops == nil {
		return
	}
	if err := s.loops.Stop(); err != nil {
		s.logger.Warn("loop exited with error", zap.Error(err))
	}
	s.loops = nil
	s.publish()
}

func (s *Supervisor) unpin() {
	if !s.deps.Pinner.Engaged() {
		return
	}
	if err := s.deps.Pinner.Release(s.runCtx); err != nil {
		s.logger.Warn("failed to release pin", zap.Error(err))
	}
}

func (s *Supervisor) handleExit() (ExitResult, error) {
	switch s.phase {
	case domain.PhaseIdle:
		return ExitBlocked, domain.ErrNotActive
	case domain.PhaseFullActive:
		if s.deps.Privileges.IsGranted(domain.PrivilegeAdmin) {
			s.logger.Info("exit gesture blocked in full lockdown")
			return ExitBlocked, nil
		}
		s.degradeToLimited("device administrator no longer granted")
	case domain.PhaseLimitedActive:
	case domain.PhaseExiting:
		if s.clearPending {
			s.logger.Info("exit gesture retries lockdown clear")
			return s.finishExit()
		}
		s.logger.Info("exit gesture ignored", zap.String("phase", s.phase.String()))
		return ExitBlocked, nil
	default:
		s.logger.Info("exit gesture ignored", zap.String("phase", s.phase.String()))
		return ExitBlocked, nil
	}

	if !s.gate.Press() {
		s.logger.Info("exit gesture pending confirmation", zap.Duration("window", s.cfg.ExitConfirmWindow))
		return ExitPendingConfirm, nil
	}
	return s.finishExit()
}

func (s *Supervisor) finishExit() (ExitResult, error) {
	if err := s.teardown(true); err != nil {
		return ExitIncomplete, err
	}
	return ExitCompleted, nil
}

// teardown stops loops, then removes surfaces. With clear set it also
// unpins and clears the persisted flag, last. The flag is written only once
// every surface is detached; until then the phase stays Exiting.
func (s *Supervisor) teardown(clear bool) error {
	s.setPhase(domain.PhaseExiting)
	s.gen++

	s.stopLoops()
	if clear {
		s.unpin()
	}
	if err := s.deps.Renderer.DetachAll(); err != nil {
		if clear {
			return s.holdExit(err)
		}
		s.logger.Warn("surface detach incomplete", zap.Error(err))
	}

	if clear {
		if err := s.persist(false, domain.ModeNone); err != nil {
			return s.holdExit(err)
		}
		if s.clearPending {
			s.lastFailure = ""
		}
		s.mode = domain.ModeNone
	}
	s.clearPending = false
	s.gate.Reset()
	s.setPhase(domain.PhaseIdle)
	if clear {
		s.logger.Info("lockdown cleared", zap.String("session", s.session))
	}
	return nil
}

// holdExit parks an unfinished clear in Exiting and schedules another try.
// An exit gesture or Release retries sooner.
func (s *Supervisor) holdExit(err error) error {
	s.clearPending = true
	s.setFailure(err.Error())
	s.logger.Warn("lockdown clear incomplete",
		zap.Duration("retry_in", s.cfg.OverlayRetryDelay),
		zap.Error(err))
	s.after(s.cfg.OverlayRetryDelay, func() {
		if s.phase == domain.PhaseExiting && s.clearPending {
			_ = s.teardown(true)
		}
	})
	return err
}

// suspend is teardown for process termination: the persisted flag stays set.
func (s *Supervisor) suspend() {
	if s.phase == domain.PhaseIdle && s.loops == nil {
		return
	}
	s.logger.Info("suspending lockdown session", zap.String("phase", s.phase.String()))
	if err := s.teardown(false); err != nil {
		s.logger.Warn("suspend failed", zap.Error(err))
	}
}

func (s *Supervisor) persist(active bool, mode domain.LockdownMode) error {
	state := domain.LockdownState{Active: active, Mode: mode, UpdatedAt: s.deps.Now().Unix()}
	if err := s.deps.Store.SaveState(state); err != nil {
		s.deps.Metrics.PersistenceFailure()
		return fmt.Errorf("%w: save lockdown state: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (s *Supervisor) setPhase(p domain.Phase) {
	if p != s.phase {
		s.logger.Info("phase transition",
			zap.String("from", s.phase.String()),
			zap.String("to", p.String()))
	}
	s.phase = p
	s.deps.Metrics.SetPhase(p)
	s.publish()
}

func (s *Supervisor) setFailure(msg string) {
	s.lastFailure = msg
	s.publish()
}

func (s *Supervisor) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Status{
		Phase:          s.phase,
		Mode:           s.mode,
		SessionID:      s.session,
		AdminAttempted: s.adminAttempted,
		LoopsRunning:   s.loops != nil,
		LastFailure:    s.lastFailure,
	}
}
