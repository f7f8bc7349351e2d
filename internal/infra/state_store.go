package infra

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const stateDBName = "state.db"

// EncryptedStateStore implements domain.StateStore on a SQLCipher encrypted
// SQLite database. Every write is a single autocommit statement, so a nil
// error means the row is on disk.
type EncryptedStateStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStateStore opens (or creates) the encrypted state database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStateStore(dataDir string, key []byte) (*EncryptedStateStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, stateDBName)
	keyHex := hex.EncodeToString(key)

	// Full synchronous mode: the lockdown flag must survive power loss.
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_synchronous=FULL", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// One writer; the flag is tiny and contention is not worth a pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &EncryptedStateStore{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *EncryptedStateStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lockdown_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		active INTEGER NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daemon (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pid INTEGER NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		app_version TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LoadState returns the persisted lockdown state, or the zero value if none was written.
func (s *EncryptedStateStore) LoadState() (domain.LockdownState, error) {
	var (
		state  domain.LockdownState
		active int
		mode   string
	)
	err := s.db.QueryRow(`SELECT active, mode, updated_at FROM lockdown_state WHERE id = 1`).
		Scan(&active, &mode, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LockdownState{}, nil
	}
	if err != nil {
		return domain.LockdownState{}, err
	}
	state.Active = active != 0
	state.Mode = domain.LockdownMode(mode)
	return state, nil
}

// SaveState persists the lockdown state.
func (s *EncryptedStateStore) SaveState(state domain.LockdownState) error {
	active := 0
	if state.Active {
		active = 1
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO lockdown_state (id, active, mode, updated_at)
		VALUES (1, ?, ?, ?)`,
		active, string(state.Mode), state.UpdatedAt,
	)
	return err
}

// RecordDaemon saves the running supervisor's PID.
func (s *EncryptedStateStore) RecordDaemon(rec domain.DaemonRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daemon (id, pid, session_id, started_at, app_version)
		VALUES (1, ?, ?, ?, ?)`,
		rec.PID, rec.SessionID, rec.StartedAt, rec.AppVersion,
	)
	if err != nil {
		return err
	}

	// Read back by `kioskd status`
	mode := ExecModeUser
	if os.Geteuid() == 0 {
		mode = ExecModeSystem
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('exec_mode', ?)`, string(mode))
	return err
}

// Daemon returns the recorded supervisor, or nil if none.
func (s *EncryptedStateStore) Daemon() (*domain.DaemonRecord, error) {
	var rec domain.DaemonRecord
	err := s.db.QueryRow(`SELECT pid, session_id, started_at, app_version FROM daemon WHERE id = 1`).
		Scan(&rec.PID, &rec.SessionID, &rec.StartedAt, &rec.AppVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.PID == 0 {
		return nil, nil
	}
	return &rec, nil
}

// ClearDaemon removes the daemon record.
func (s *EncryptedStateStore) ClearDaemon() error {
	_, err := s.db.Exec(`DELETE FROM daemon`)
	return err
}

// ExecMode returns the mode recorded by the last daemon ("user" or "system").
func (s *EncryptedStateStore) ExecMode() string {
	var mode string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'exec_mode'`).Scan(&mode); err != nil {
		return ""
	}
	return mode
}

// Path returns the database file path.
func (s *EncryptedStateStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedStateStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure EncryptedStateStore implements domain.StateStore.
var _ domain.StateStore = (*EncryptedStateStore)(nil)
