// Package domain contains core lockdown entities and host-facing interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// Phase is the Supervisor's current step. It lives in memory only and is
// re-derived from the privilege set and persisted state after every restart.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAcquiringOverlay
	PhaseAcquiringAdmin
	PhaseEnteringFull
	PhaseEnteringLimited
	PhaseFullActive
	PhaseLimitedActive
	PhaseExiting
)

var phaseNames = map[Phase]string{
	PhaseIdle:             "idle",
	PhaseAcquiringOverlay: "acquiring-overlay",
	PhaseAcquiringAdmin:   "acquiring-admin",
	PhaseEnteringFull:     "entering-full",
	PhaseEnteringLimited:  "entering-limited",
	PhaseFullActive:       "full-active",
	PhaseLimitedActive:    "limited-active",
	PhaseExiting:          "exiting",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Active reports whether the phase is one of the two steady lockdown phases.
func (p Phase) Active() bool {
	return p == PhaseFullActive || p == PhaseLimitedActive
}

// LockdownMode records which flavour of lockdown was engaged.
type LockdownMode string

const (
	ModeNone    LockdownMode = ""
	ModeFull    LockdownMode = "full"
	ModeLimited LockdownMode = "limited"
)

// LockdownState is the persisted singleton consulted on boot.
// Active is the only field recovery decisions are based on; Mode and
// UpdatedAt are informational.
type LockdownState struct {
	Active    bool         `json:"active"`
	Mode      LockdownMode `json:"mode,omitempty"`
	UpdatedAt int64        `json:"updated_at"`
}

// PrivilegeKind identifies a host-granted capability.
type PrivilegeKind string

const (
	PrivilegeOverlay PrivilegeKind = "overlay-draw"
	PrivilegeAdmin   PrivilegeKind = "device-administrator"
)

// AllPrivileges lists the kinds in acquisition order.
var AllPrivileges = []PrivilegeKind{PrivilegeOverlay, PrivilegeAdmin}

// Valid reports whether k is a known privilege kind.
func (k PrivilegeKind) Valid() bool {
	return k == PrivilegeOverlay || k == PrivilegeAdmin
}

// PrivilegeSet is a fresh read of both grants. Never cache it across decisions.
type PrivilegeSet struct {
	OverlayGranted bool
	AdminGranted   bool
}

// GrantOutcome is what the host reports after a grant request or a revocation.
type GrantOutcome string

const (
	GrantGranted GrantOutcome = "granted"
	GrantDenied  GrantOutcome = "denied"
)

// TargetApp is the single application the device is pinned to.
type TargetApp struct {
	ID            string
	LaunchCommand []string
	ProcessNames  []string // Process name patterns used for liveness
}

// SurfaceKind names one of the three logical overlay surfaces.
type SurfaceKind string

const (
	SurfacePrimary       SurfaceKind = "primary"
	SurfaceTopBlocker    SurfaceKind = "top-blocker"
	SurfaceBottomBlocker SurfaceKind = "bottom-blocker"
)

// AllSurfaces lists every logical surface in attach order.
var AllSurfaces = []SurfaceKind{SurfacePrimary, SurfaceTopBlocker, SurfaceBottomBlocker}

// Edge is the screen edge a surface is anchored to.
type Edge string

const (
	EdgeTop    Edge = "top"
	EdgeBottom Edge = "bottom"
)

// SurfaceSpec describes how a surface is placed. Surfaces never take focus
// and never consume input.
type SurfaceSpec struct {
	Kind        SurfaceKind
	Edge        Edge
	Height      int // Pixels; 0 means wrap content
	Passthrough bool
	Focusable   bool
}

// SurfaceHandle identifies a surface attached to the window system.
type SurfaceHandle string

// DaemonRecord lets CLI commands find the running supervisor process.
type DaemonRecord struct {
	PID        int    `json:"pid"`
	SessionID  string `json:"session_id"`
	StartedAt  int64  `json:"started_at"`
	AppVersion string `json:"app_version,omitempty"`
}

// Signal is one liveness signal's verdict.
type Signal int

const (
	SignalInconclusive Signal = iota
	SignalAlive
	SignalDead
)

// EnforcementTopic is the fixed broadcast topic emitted once per enforcement tick.
const EnforcementTopic = "kioskd.enforce-immersive"

// Broadcast is a payload-free delivery on a topic.
type Broadcast struct {
	Topic string
	At    time.Time
}
