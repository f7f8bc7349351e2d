package infra

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

type surfaceEntry struct {
	spec domain.SurfaceSpec
	pid  int // 0 when kept in-process
}

// HelperWindowSystem implements domain.WindowSystem. Each surface is an
// overlay helper process; with no helper configured surfaces live in an
// in-process table only. All mutations are serialised.
type HelperWindowSystem struct {
	helperArgv  []string
	edgeHeights map[domain.Edge]int
	runner      CommandRunner
	pm          domain.ProcessManager
	logger      *zap.Logger

	mu       sync.Mutex
	surfaces map[domain.SurfaceHandle]surfaceEntry
}

// NewHelperWindowSystem creates a window system.
func NewHelperWindowSystem(
	helperArgv []string,
	edgeHeights map[domain.Edge]int,
	runner CommandRunner,
	pm domain.ProcessManager,
	logger *zap.Logger,
) *HelperWindowSystem {
	return &HelperWindowSystem{
		helperArgv:  helperArgv,
		edgeHeights: edgeHeights,
		runner:      runner,
		pm:          pm,
		logger:      logger,
		surfaces:    make(map[domain.SurfaceHandle]surfaceEntry),
	}
}

// HelperArgs builds the helper command line for spec.
func HelperArgs(helperArgv []string, spec domain.SurfaceSpec) []string {
	argv := append([]string{}, helperArgv...)
	argv = append(argv,
		"--surface", string(spec.Kind),
		"--edge", string(spec.Edge),
		"--height", strconv.Itoa(spec.Height),
	)
	if spec.Passthrough {
		argv = append(argv, "--passthrough")
	}
	if !spec.Focusable {
		argv = append(argv, "--no-focus")
	}
	return argv
}

// Add attaches a surface and returns its handle.
func (w *HelperWindowSystem) Add(spec domain.SurfaceSpec) (domain.SurfaceHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := surfaceEntry{spec: spec}
	if len(w.helperArgv) > 0 {
		pid, err := w.runner.Start(HelperArgs(w.helperArgv, spec))
		if err != nil {
			return "", fmt.Errorf("start overlay helper: %w", err)
		}
		entry.pid = pid
	}

	h := domain.SurfaceHandle(uuid.NewString())
	w.surfaces[h] = entry
	w.logger.Debug("surface added",
		zap.String("handle", string(h)),
		zap.String("surface", string(spec.Kind)),
		zap.Int("pid", entry.pid))
	return h, nil
}

// Remove detaches a surface. Unknown handles are ignored. A helper that
// cannot be stopped keeps its entry so the surface stays live and Remove
// can be retried.
func (w *HelperWindowSystem) Remove(handle domain.SurfaceHandle) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.surfaces[handle]
	if !ok {
		return nil
	}
	if entry.pid != 0 && w.pm.IsRunning(entry.pid) {
		if err := w.pm.Kill(entry.pid); err != nil {
			return fmt.Errorf("stop overlay helper %d: %w", entry.pid, err)
		}
	}
	delete(w.surfaces, handle)
	return nil
}

// IsLive reports whether the surface is still attached. A helper-backed
// surface is live while its process runs.
func (w *HelperWindowSystem) IsLive(handle domain.SurfaceHandle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.surfaces[handle]
	if !ok {
		return false
	}
	if entry.pid == 0 {
		return true
	}
	return w.pm.IsRunning(entry.pid)
}

// EdgeHeight returns the configured system bar height at edge.
func (w *HelperWindowSystem) EdgeHeight(edge domain.Edge) int {
	return w.edgeHeights[edge]
}

// Count returns how many surfaces are recorded.
func (w *HelperWindowSystem) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.surfaces)
}

// Close removes every surface.
func (w *HelperWindowSystem) Close() error {
	w.mu.Lock()
	handles := make([]domain.SurfaceHandle, 0, len(w.surfaces))
	for h := range w.surfaces {
		handles = append(handles, h)
	}
	w.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := w.Remove(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ domain.WindowSystem = (*HelperWindowSystem)(nil)
