package domain

import "errors"

// Failure taxonomy. Callers classify with errors.Is.
var (
	// ErrPrivilegeDenied means the user or host refused a grant. Never fatal.
	ErrPrivilegeDenied = errors.New("privilege denied")

	// ErrTransientSurface is a window-system attach/detach failure; the next tick retries.
	ErrTransientSurface = errors.New("transient surface error")

	// ErrTargetLaunch is a failed target launch; the next poll cycle retries.
	ErrTargetLaunch = errors.New("target launch failed")

	// ErrPersistence is a failed State Store write. It halts the current transition.
	ErrPersistence = errors.New("persistence failure")
)

// Supervisor guard errors.
var (
	ErrAlreadyStarted    = errors.New("supervisor already started")
	ErrNotActive         = errors.New("lockdown not active")
	ErrSupervisorStopped = errors.New("supervisor stopped")
)
