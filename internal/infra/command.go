package infra

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// DefaultCommandTimeout bounds host commands that are waited on.
const DefaultCommandTimeout = 5 * time.Second

// CommandRunner abstracts command execution for testing
type CommandRunner interface {
	// Run executes argv and waits for it to complete.
	Run(ctx context.Context, argv []string) error

	// Output executes argv and returns its stdout.
	Output(ctx context.Context, argv []string) ([]byte, error)

	// Start launches argv in its own session without waiting and returns its PID.
	Start(argv []string) (int, error)
}

// ExecCommandRunner executes real system commands.
type ExecCommandRunner struct {
	Timeout time.Duration // Per Run/Output call; 0 means DefaultCommandTimeout
}

// NewExecCommandRunner creates a runner with the given timeout.
func NewExecCommandRunner(timeout time.Duration) *ExecCommandRunner {
	return &ExecCommandRunner{Timeout: timeout}
}

func (r *ExecCommandRunner) timeout() time.Duration {
	if r.Timeout <= 0 {
		return DefaultCommandTimeout
	}
	return r.Timeout
}

// Run executes argv and waits for it to complete.
func (r *ExecCommandRunner) Run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Run()
}

// Output executes argv and returns its stdout.
func (r *ExecCommandRunner) Output(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
}

// Start launches argv detached from our session. The child is reaped in the
// background so it never lingers as a zombie.
func (r *ExecCommandRunner) Start(argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Survives the daemon restarting
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// Ensure ExecCommandRunner implements CommandRunner.
var _ CommandRunner = (*ExecCommandRunner)(nil)
