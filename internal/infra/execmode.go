package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser runs as user with a systemd user unit (no sudo required)
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root with a systemd system unit (sudo required)
	ExecModeSystem ExecMode = "system"
)

// UnitName is the systemd unit that runs the boot trigger.
const UnitName = "kioskd-boot.service"

// ExecModeConfig holds paths and settings based on execution mode.
type ExecModeConfig struct {
	Mode     ExecMode
	UnitDir  string // Where the unit file goes
	UnitPath string // Full path to unit file
	DataDir  string // Where state, key, grants and config live
	LogDir   string // Where daemon logs go
	IsRoot   bool   // Whether running as root
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 {
		return systemModeConfig()
	}
	home, _ := os.UserHomeDir()
	return userModeConfig(home, false)
}

func systemModeConfig() *ExecModeConfig {
	return &ExecModeConfig{
		Mode:     ExecModeSystem,
		UnitDir:  "/etc/systemd/system",
		UnitPath: filepath.Join("/etc/systemd/system", UnitName),
		DataDir:  "/var/lib/kioskd",
		LogDir:   "/var/log/kioskd",
		IsRoot:   true,
	}
}

func userModeConfig(home string, isRoot bool) *ExecModeConfig {
	unitDir := filepath.Join(home, ".config", "systemd", "user")
	dataDir := filepath.Join(home, ".kioskd")
	return &ExecModeConfig{
		Mode:     ExecModeUser,
		UnitDir:  unitDir,
		UnitPath: filepath.Join(unitDir, UnitName),
		DataDir:  dataDir,
		LogDir:   filepath.Join(dataDir, "logs"),
		IsRoot:   isRoot,
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (systemd system unit, root)"
	case ExecModeUser:
		return "user (systemd user unit, non-root)"
	default:
		return "unknown"
	}
}

// GetUserModeConfig returns user mode config regardless of current euid.
// Used when running with sudo but wanting to install in user mode (--mode user).
func GetUserModeConfig() *ExecModeConfig {
	return userModeConfig(GetRealUserHome(), os.Geteuid() == 0)
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns /root, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
