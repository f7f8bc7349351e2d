package domain

import (
	"context"
	"os"
	"time"
)

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes whose name contains pattern (case-insensitive).
	FindByName(ctx context.Context, pattern string) ([]int, error)

	// Signal delivers sig to pid.
	Signal(pid int, sig os.Signal) error

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error

	// IsRunning checks if a PID exists and is not a zombie.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// StateStore durably persists the lockdown flag and the daemon record.
// Writes must be synchronous: when SaveState returns nil the state survives
// a crash.
type StateStore interface {
	// LoadState returns the persisted lockdown state (zero value if never written).
	LoadState() (LockdownState, error)

	// SaveState persists the lockdown state.
	SaveState(state LockdownState) error

	// RecordDaemon stores the running supervisor's PID for CLI discovery.
	RecordDaemon(rec DaemonRecord) error

	// Daemon returns the recorded daemon, or nil if none.
	Daemon() (*DaemonRecord, error)

	// ClearDaemon removes the daemon record.
	ClearDaemon() error

	// Path returns the backing file path (for status and tests).
	Path() string

	// Close releases resources.
	Close() error
}

// GrantCallback receives privilege outcomes, both for requests and for
// later changes such as revocation.
type GrantCallback func(kind PrivilegeKind, outcome GrantOutcome)

// PrivilegeGateway queries and requests host privileges.
// Request only hands off to host UI; the outcome arrives via the callback
// registered with Watch.
type PrivilegeGateway interface {
	// IsGranted returns the current grant status of kind.
	IsGranted(kind PrivilegeKind) bool

	// Privileges reads both grants.
	Privileges() PrivilegeSet

	// RequestGrant asks the host to show its grant UI for kind. It does not wait.
	RequestGrant(ctx context.Context, kind PrivilegeKind) error

	// LockModeEngaged reports whether the device is currently pinned.
	LockModeEngaged() bool

	// Watch delivers grant outcomes to cb until ctx is canceled.
	Watch(ctx context.Context, cb GrantCallback) error
}

// LockTask pins and unpins the device to the target application.
// Requires the device-administrator privilege.
type LockTask interface {
	Engage(ctx context.Context, target TargetApp) error
	Release(ctx context.Context) error
	Engaged() bool
}

// Launcher starts the target application. Best effort, fire-and-forget.
type Launcher interface {
	Launch(ctx context.Context, target TargetApp) error

	// LastLaunch returns when the target was last launched (zero if never).
	LastLaunch() time.Time
}

// LivenessProbe answers whether the target is alive/frontmost.
// It may be wrong in either direction but is biased toward reporting alive:
// when every signal is inconclusive the answer is true.
type LivenessProbe interface {
	IsTargetAlive(ctx context.Context, target TargetApp) bool
}

// NavigationSuppressor re-applies the suppressed-navigation visual state.
type NavigationSuppressor interface {
	Suppress(ctx context.Context) error
}

// WindowSystem is the host surface list. Implementations serialise their
// own mutations.
type WindowSystem interface {
	// Add attaches a surface and returns its handle.
	Add(spec SurfaceSpec) (SurfaceHandle, error)

	// Remove detaches a surface. Removing an unknown handle is not an error.
	Remove(handle SurfaceHandle) error

	// IsLive reports whether the handle is still attached.
	IsLive(handle SurfaceHandle) bool

	// EdgeHeight returns the height of the system bar at edge (0 if none).
	EdgeHeight(edge Edge) int
}

// Publisher emits fire-and-forget broadcasts.
type Publisher interface {
	// Publish delivers at most once to each current subscriber and returns
	// how many received it.
	Publish(topic string) int
}

// Subscriber receives broadcasts on a topic until cancel is called.
type Subscriber interface {
	Subscribe(topic string) (ch <-chan Broadcast, cancel func())
}

// AutostartManager installs the host-restart hook that runs the boot trigger.
type AutostartManager interface {
	// Install writes and enables the unit.
	Install(execPath string) error

	// Uninstall disables and removes the unit.
	Uninstall() error

	// IsInstalled checks if the unit file exists.
	IsInstalled() bool

	// NeedsUpdate checks if the unit exists but differs from the expected content.
	NeedsUpdate(execPath string) bool

	// UnitPath returns the unit file path.
	UnitPath() string
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
