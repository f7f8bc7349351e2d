package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/broadcast"
	"github.com/eliteGoblin/focusd/kioskd/internal/daemon"
	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
	"github.com/eliteGoblin/focusd/kioskd/internal/overlay"
)

// mockStateStore implements domain.StateStore for testing
type mockStateStore struct {
	mu      sync.Mutex
	state   domain.LockdownState
	saves   []domain.LockdownState
	saveErr error
	loadErr error
	daemon  *domain.DaemonRecord
}

func (m *mockStateStore) LoadState() (domain.LockdownState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return domain.LockdownState{}, m.loadErr
	}
	return m.state, nil
}

func (m *mockStateStore) SaveState(state domain.LockdownState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.state = state
	m.saves = append(m.saves, state)
	return nil
}

func (m *mockStateStore) RecordDaemon(rec domain.DaemonRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daemon = &rec
	return nil
}

func (m *mockStateStore) Daemon() (*domain.DaemonRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.daemon, nil
}

func (m *mockStateStore) ClearDaemon() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daemon = nil
	return nil
}

func (m *mockStateStore) Path() string { return "/tmp/mock-state" }
func (m *mockStateStore) Close() error { return nil }

func (m *mockStateStore) current() domain.LockdownState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockStateStore) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// mockPrivileges implements domain.PrivilegeGateway for testing
type mockPrivileges struct {
	mu         sync.Mutex
	granted    map[domain.PrivilegeKind]bool
	requests   []domain.PrivilegeKind
	requestErr error
	pinner     *mockPinner
}

func newMockPrivileges(overlay, admin bool) *mockPrivileges {
	return &mockPrivileges{granted: map[domain.PrivilegeKind]bool{
		domain.PrivilegeOverlay: overlay,
		domain.PrivilegeAdmin:   admin,
	}}
}

func (m *mockPrivileges) IsGranted(kind domain.PrivilegeKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted[kind]
}

func (m *mockPrivileges) Privileges() domain.PrivilegeSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.PrivilegeSet{
		OverlayGranted: m.granted[domain.PrivilegeOverlay],
		AdminGranted:   m.granted[domain.PrivilegeAdmin],
	}
}

func (m *mockPrivileges) RequestGrant(ctx context.Context, kind domain.PrivilegeKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, kind)
	return m.requestErr
}

func (m *mockPrivileges) LockModeEngaged() bool {
	return m.pinner != nil && m.pinner.Engaged()
}

func (m *mockPrivileges) Watch(ctx context.Context, cb domain.GrantCallback) error {
	<-ctx.Done()
	return nil
}

func (m *mockPrivileges) set(kind domain.PrivilegeKind, granted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted[kind] = granted
}

func (m *mockPrivileges) requestCount(kind domain.PrivilegeKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.requests {
		if k == kind {
			n++
		}
	}
	return n
}

// mockPinner implements domain.LockTask for testing
type mockPinner struct {
	mu        sync.Mutex
	engaged   bool
	engageErr error
	onEngage  func()
	engages   int
	releases  int
}

func (m *mockPinner) Engage(ctx context.Context, target domain.TargetApp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engages++
	if m.onEngage != nil {
		m.onEngage()
	}
	if m.engageErr != nil {
		return m.engageErr
	}
	m.engaged = true
	return nil
}

func (m *mockPinner) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	m.engaged = false
	return nil
}

func (m *mockPinner) Engaged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engaged
}

// mockLauncher implements domain.Launcher for testing
type mockLauncher struct {
	mu       sync.Mutex
	launches int
	err      error
	last     time.Time
}

func (m *mockLauncher) Launch(ctx context.Context, target domain.TargetApp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launches++
	m.last = time.Now()
	return m.err
}

func (m *mockLauncher) LastLaunch() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *mockLauncher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.launches
}

// mockProbe implements domain.LivenessProbe for testing
type mockProbe struct {
	mu    sync.Mutex
	alive bool
}

func (m *mockProbe) IsTargetAlive(ctx context.Context, target domain.TargetApp) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *mockProbe) set(alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = alive
}

// mockSuppressor implements domain.NavigationSuppressor for testing
type mockSuppressor struct {
	mu    sync.Mutex
	calls int
}

func (m *mockSuppressor) Suppress(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return nil
}

func (m *mockSuppressor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockWindowSystem implements domain.WindowSystem for testing
type mockWindowSystem struct {
	mu        sync.Mutex
	live      map[domain.SurfaceHandle]domain.SurfaceSpec
	next      int
	removeErr error
}

func newMockWindowSystem() *mockWindowSystem {
	return &mockWindowSystem{live: make(map[domain.SurfaceHandle]domain.SurfaceSpec)}
}

func (m *mockWindowSystem) Add(spec domain.SurfaceSpec) (domain.SurfaceHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	h := domain.SurfaceHandle(fmt.Sprintf("surface-%d", m.next))
	m.live[h] = spec
	return h, nil
}

func (m *mockWindowSystem) Remove(handle domain.SurfaceHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	delete(m.live, handle)
	return nil
}

func (m *mockWindowSystem) IsLive(handle domain.SurfaceHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[handle]
	return ok
}

func (m *mockWindowSystem) EdgeHeight(edge domain.Edge) int { return 24 }

func (m *mockWindowSystem) setRemoveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeErr = err
}

func (m *mockWindowSystem) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// mockStarter implements Starter for testing
type mockStarter struct {
	calls int
	err   error
}

func (m *mockStarter) Start(ctx context.Context) error {
	m.calls++
	return m.err
}

var errHost = errors.New("host unavailable")

var testTarget = domain.TargetApp{
	ID:            "com.example.browser",
	LaunchCommand: []string{"/usr/bin/browser"},
	ProcessNames:  []string{"browser"},
}

// harness wires a supervisor to mocks with every delay collapsed.
type harness struct {
	store      *mockStateStore
	privileges *mockPrivileges
	pinner     *mockPinner
	launcher   *mockLauncher
	probe      *mockProbe
	suppressor *mockSuppressor
	windows    *mockWindowSystem
	renderer   *overlay.Renderer
	bus        *broadcast.Bus
	sup        *Supervisor
	cancel     context.CancelFunc
	done       chan struct{}
}

func testSupervisorConfig() SupervisorConfig {
	cfg := DefaultSupervisorConfig(testTarget)
	cfg.SettleDelay = 0
	cfg.ReevaluateDelay = 0
	cfg.OverlayRetryDelay = time.Hour
	cfg.EntryStepDelay = 0
	cfg.Watchdog = daemon.WatchdogConfig{
		InitialDelay:     time.Hour,
		PollInterval:     time.Hour,
		MissThreshold:    2,
		RelaunchCooldown: time.Hour,
	}
	cfg.Enforcement = daemon.EnforcementConfig{Interval: 5 * time.Millisecond}
	return cfg
}

func newHarness(t *testing.T, overlayGranted, adminGranted bool, now func() time.Time) *harness {
	return newHarnessWithConfig(t, overlayGranted, adminGranted, now, testSupervisorConfig())
}

func newHarnessWithConfig(t *testing.T, overlayGranted, adminGranted bool, now func() time.Time, cfg SupervisorConfig) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{
		store:      &mockStateStore{},
		privileges: newMockPrivileges(overlayGranted, adminGranted),
		pinner:     &mockPinner{},
		launcher:   &mockLauncher{},
		probe:      &mockProbe{alive: true},
		suppressor: &mockSuppressor{},
		windows:    newMockWindowSystem(),
		bus:        broadcast.NewBus(),
		done:       make(chan struct{}),
	}
	h.privileges.pinner = h.pinner
	h.renderer = overlay.NewRenderer(h.windows, 0, logger, nil)

	h.sup = NewSupervisor(cfg, SupervisorDeps{
		Store:      h.store,
		Privileges: h.privileges,
		Pinner:     h.pinner,
		Launcher:   h.launcher,
		Probe:      h.probe,
		Suppressor: h.suppressor,
		Renderer:   h.renderer,
		Bus:        h.bus,
		Now:        now,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = h.sup.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}
