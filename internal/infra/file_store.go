package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

const stateFileName = ".kioskd_state.json"

// fileStateEntry is the on-disk JSON document.
type fileStateEntry struct {
	Version int                  `json:"version"`
	State   domain.LockdownState `json:"state"`
	Daemon  *domain.DaemonRecord `json:"daemon,omitempty"`
	Mode    string               `json:"exec_mode,omitempty"`
}

// FileStateStore implements domain.StateStore using a hidden JSON file.
// Writes are flock-serialised and land via write-then-rename followed by
// fsync, so readers never see a torn document.
type FileStateStore struct {
	path string
}

// NewFileStateStore creates a file-backed store in dataDir.
func NewFileStateStore(dataDir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStateStore{path: filepath.Join(dataDir, stateFileName)}, nil
}

// NewFileStateStoreWithPath creates a store at a specific path (for testing).
func NewFileStateStoreWithPath(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// LoadState returns the persisted lockdown state, or the zero value if none was written.
func (s *FileStateStore) LoadState() (domain.LockdownState, error) {
	entry, err := s.read()
	if err != nil || entry == nil {
		return domain.LockdownState{}, err
	}
	return entry.State, nil
}

// SaveState persists the lockdown state.
func (s *FileStateStore) SaveState(state domain.LockdownState) error {
	return s.update(func(e *fileStateEntry) {
		e.State = state
	})
}

// RecordDaemon saves the running supervisor's PID.
func (s *FileStateStore) RecordDaemon(rec domain.DaemonRecord) error {
	return s.update(func(e *fileStateEntry) {
		e.Daemon = &rec
		// Auto-detect and store execution mode
		if os.Geteuid() == 0 {
			e.Mode = "system"
		} else {
			e.Mode = "user"
		}
	})
}

// Daemon returns the recorded supervisor, or nil if none.
func (s *FileStateStore) Daemon() (*domain.DaemonRecord, error) {
	entry, err := s.read()
	if err != nil || entry == nil {
		return nil, err
	}
	if entry.Daemon == nil || entry.Daemon.PID == 0 {
		return nil, nil
	}
	return entry.Daemon, nil
}

// ClearDaemon removes the daemon record, keeping the lockdown state.
func (s *FileStateStore) ClearDaemon() error {
	return s.update(func(e *fileStateEntry) {
		e.Daemon = nil
	})
}

// Path returns the hidden state file path.
func (s *FileStateStore) Path() string {
	return s.path
}

// Close is a no-op; every operation opens and closes the file.
func (s *FileStateStore) Close() error {
	return nil
}

func (s *FileStateStore) read() (*fileStateEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry fileStateEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt state file %s: %w", s.path, err)
	}
	return &entry, nil
}

// update applies fn to the current document under an exclusive lock.
func (s *FileStateStore) update(fn func(e *fileStateEntry)) error {
	// Lock file serialises the CLI and the daemon
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	entry, err := s.read()
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &fileStateEntry{Version: 1}
	}
	fn(entry)
	return s.atomicWrite(entry)
}

// atomicWrite writes the document to a temp file, syncs it, then renames.
func (s *FileStateStore) atomicWrite(entry *fileStateEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// Temp file unique per process
	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath) // Clean up on failure
		return err
	}
	return nil
}

// Ensure FileStateStore implements domain.StateStore.
var _ domain.StateStore = (*FileStateStore)(nil)
