package daemon

import (
	"os"
	"os/exec"
	"syscall"
)

// SpawnOptions controls how the supervisor daemon is started.
type SpawnOptions struct {
	ConfigPath string // Passed through as --config when set
	Recover    bool   // Start in boot/recovery mode instead of a fresh start
}

// DaemonArgs builds the hidden daemon command line.
func DaemonArgs(opts SpawnOptions) []string {
	args := []string{"daemon"}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	if opts.Recover {
		args = append(args, "--recover")
	}
	return args
}

// StartDaemon spawns the supervisor daemon from our own executable.
func StartDaemon(opts SpawnOptions) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	return StartDaemonWithPath(executable, opts)
}

// StartDaemonWithPath spawns the supervisor daemon from binaryPath.
// The daemon is detached from the parent process (runs independently).
func StartDaemonWithPath(binaryPath string, opts SpawnOptions) error {
	cmd := exec.Command(binaryPath, DaemonArgs(opts)...)

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	// No stdin/stdout/stderr - fully detached
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
