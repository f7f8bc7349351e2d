package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

// FilePrivilegeGateway implements domain.PrivilegeGateway over marker files:
// <dir>/<kind> holds "granted" or "denied". The host grant UI (or
// `kioskd grant`) writes the markers; Watch turns marker changes into
// activation callbacks, including revocations.
type FilePrivilegeGateway struct {
	dir        string
	helperArgv []string
	runner     CommandRunner
	lockTask   domain.LockTask
	logger     *zap.Logger
}

// NewFilePrivilegeGateway creates a gateway over dir. helperArgv is the host
// grant UI; it receives the privilege kind as its last argument.
func NewFilePrivilegeGateway(dir string, helperArgv []string, runner CommandRunner, lockTask domain.LockTask, logger *zap.Logger) *FilePrivilegeGateway {
	return &FilePrivilegeGateway{
		dir:        dir,
		helperArgv: helperArgv,
		runner:     runner,
		lockTask:   lockTask,
		logger:     logger,
	}
}

// Dir returns the grants directory.
func (g *FilePrivilegeGateway) Dir() string {
	return g.dir
}

func (g *FilePrivilegeGateway) markerPath(kind domain.PrivilegeKind) string {
	return filepath.Join(g.dir, string(kind))
}

// outcome reads the marker for kind. A missing or unreadable marker is a denial.
func (g *FilePrivilegeGateway) outcome(kind domain.PrivilegeKind) domain.GrantOutcome {
	data, err := os.ReadFile(g.markerPath(kind))
	if err != nil {
		return domain.GrantDenied
	}
	if domain.GrantOutcome(strings.TrimSpace(string(data))) == domain.GrantGranted {
		return domain.GrantGranted
	}
	return domain.GrantDenied
}

// IsGranted returns the current grant status of kind.
func (g *FilePrivilegeGateway) IsGranted(kind domain.PrivilegeKind) bool {
	return g.outcome(kind) == domain.GrantGranted
}

// Privileges reads both grants.
func (g *FilePrivilegeGateway) Privileges() domain.PrivilegeSet {
	return domain.PrivilegeSet{
		OverlayGranted: g.IsGranted(domain.PrivilegeOverlay),
		AdminGranted:   g.IsGranted(domain.PrivilegeAdmin),
	}
}

// RequestGrant starts the host grant UI for kind and returns immediately.
// Without a helper the request waits for an operator to run `kioskd grant`.
func (g *FilePrivilegeGateway) RequestGrant(ctx context.Context, kind domain.PrivilegeKind) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown privilege %q", kind)
	}
	if len(g.helperArgv) == 0 {
		g.logger.Info("privilege requested, awaiting grant marker",
			zap.String("privilege", string(kind)),
			zap.String("marker", g.markerPath(kind)))
		return nil
	}
	argv := append(append([]string{}, g.helperArgv...), string(kind))
	if _, err := g.runner.Start(argv); err != nil {
		return fmt.Errorf("start grant helper: %w", err)
	}
	return nil
}

// LockModeEngaged reports whether the device is currently pinned.
func (g *FilePrivilegeGateway) LockModeEngaged() bool {
	return g.lockTask != nil && g.lockTask.Engaged()
}

// WriteOutcome records an outcome for kind. The marker is replaced by
// rename so watchers see exactly one event per write.
func (g *FilePrivilegeGateway) WriteOutcome(kind domain.PrivilegeKind, outcome domain.GrantOutcome) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown privilege %q", kind)
	}
	if err := os.MkdirAll(g.dir, 0700); err != nil {
		return fmt.Errorf("failed to create grants directory: %w", err)
	}

	tmp, err := os.CreateTemp(g.dir, ".grant-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(string(outcome) + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, g.markerPath(kind)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Watch delivers grant outcomes to cb until ctx is canceled. Every write to
// a marker is delivered, even when the outcome did not change, because a
// repeated denial still answers a pending request.
func (g *FilePrivilegeGateway) Watch(ctx context.Context, cb domain.GrantCallback) error {
	if err := os.MkdirAll(g.dir, 0700); err != nil {
		return fmt.Errorf("failed to create grants directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create grants watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(g.dir); err != nil {
		return fmt.Errorf("watch %s: %w", g.dir, err)
	}
	g.logger.Info("watching privilege grants", zap.String("dir", g.dir))
	g.replayGrants(cb)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			g.handleEvent(event, cb)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.Warn("grants watcher error", zap.Error(err))
		case <-ctx.Done():
			return nil
		}
	}
}

// replayGrants delivers markers that already read granted, covering a grant
// written before the watch was in place. Denials are not replayed: a stale
// denial must not answer a request that has not been made yet.
func (g *FilePrivilegeGateway) replayGrants(cb domain.GrantCallback) {
	for _, kind := range domain.AllPrivileges {
		if g.outcome(kind) != domain.GrantGranted {
			continue
		}
		g.logger.Debug("privilege already granted", zap.String("privilege", string(kind)))
		cb(kind, domain.GrantGranted)
	}
}

func (g *FilePrivilegeGateway) handleEvent(event fsnotify.Event, cb domain.GrantCallback) {
	kind := domain.PrivilegeKind(filepath.Base(event.Name))
	if !kind.Valid() {
		return
	}

	var outcome domain.GrantOutcome
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		outcome = g.outcome(kind)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		outcome = domain.GrantDenied
	default:
		return
	}

	g.logger.Debug("privilege marker changed",
		zap.String("privilege", string(kind)),
		zap.String("op", event.Op.String()),
		zap.String("outcome", string(outcome)))
	cb(kind, outcome)
}

// Ensure FilePrivilegeGateway implements domain.PrivilegeGateway.
var _ domain.PrivilegeGateway = (*FilePrivilegeGateway)(nil)
