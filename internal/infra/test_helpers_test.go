package infra

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
)

// mockProcessManager is a test double for ProcessManager
type mockProcessManager struct {
	mu          sync.Mutex
	runningPIDs map[int]bool
	byName      map[string][]int
	findErr     error
	killErr     error
	killedPIDs  []int
}

func newMockProcessManager() *mockProcessManager {
	return &mockProcessManager{
		runningPIDs: make(map[int]bool),
		byName:      make(map[string][]int),
	}
}

func (m *mockProcessManager) FindByName(ctx context.Context, pattern string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.byName[pattern], nil
}

func (m *mockProcessManager) Signal(pid int, sig os.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.runningPIDs[pid] {
		return errors.New("no such process")
	}
	return nil
}

func (m *mockProcessManager) Kill(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.killErr != nil {
		return m.killErr
	}
	m.killedPIDs = append(m.killedPIDs, pid)
	delete(m.runningPIDs, pid)
	return nil
}

func (m *mockProcessManager) IsRunning(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningPIDs[pid]
}

func (m *mockProcessManager) GetCurrentPID() int {
	return os.Getpid()
}

func (m *mockProcessManager) setKillErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killErr = err
}

func (m *mockProcessManager) SetRunning(pid int, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runningPIDs[pid] = running
}

// mockCommandRunner records commands instead of executing them
type mockCommandRunner struct {
	mu      sync.Mutex
	runs    [][]string
	starts  [][]string
	runErr  error
	output  []byte
	nextPID int
	pm      *mockProcessManager // marks started PIDs running when set
}

func (m *mockCommandRunner) Run(ctx context.Context, argv []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, argv)
	return m.runErr
}

func (m *mockCommandRunner) Output(ctx context.Context, argv []string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, argv)
	return m.output, m.runErr
}

func (m *mockCommandRunner) Start(argv []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, argv)
	if m.runErr != nil {
		return 0, m.runErr
	}
	m.nextPID++
	pid := 1000 + m.nextPID
	if m.pm != nil {
		m.pm.SetRunning(pid, true)
	}
	return pid, nil
}

func (m *mockCommandRunner) ran() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.runs))
	for _, argv := range m.runs {
		out = append(out, strings.Join(argv, " "))
	}
	return out
}

func (m *mockCommandRunner) started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.starts))
	for _, argv := range m.starts {
		out = append(out, strings.Join(argv, " "))
	}
	return out
}
