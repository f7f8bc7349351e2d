package infra

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/template"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

// Unit template. The boot trigger is a oneshot: it spawns the daemon (or the
// plain target launch) and exits.
const bootUnitTemplate = `[Unit]
Description=kioskd lockdown recovery
After={{.After}}

[Service]
Type=oneshot
ExecStart={{.ExecutablePath}} boot{{if .ConfigPath}} --config {{.ConfigPath}}{{end}}
RemainAfterExit=no

[Install]
WantedBy={{.WantedBy}}
`

type unitConfig struct {
	ExecutablePath string
	ConfigPath     string
	After          string
	WantedBy       string
}

// SystemdUnitManager implements domain.AutostartManager with a systemd unit
// that runs `kioskd boot` when the host (or the user session) starts.
type SystemdUnitManager struct {
	mode       ExecMode
	unitDir    string
	unitPath   string
	configPath string
	runner     CommandRunner
}

// NewSystemdUnitManager creates a unit manager based on execution mode.
func NewSystemdUnitManager(config *ExecModeConfig, configPath string, runner CommandRunner) *SystemdUnitManager {
	return &SystemdUnitManager{
		mode:       config.Mode,
		unitDir:    config.UnitDir,
		unitPath:   config.UnitPath,
		configPath: configPath,
		runner:     runner,
	}
}

// generateUnitContent renders the unit for execPath.
func (m *SystemdUnitManager) generateUnitContent(execPath string) ([]byte, error) {
	cfg := unitConfig{
		ExecutablePath: execPath,
		ConfigPath:     m.configPath,
		After:          "graphical-session.target",
		WantedBy:       "default.target",
	}
	if m.mode == ExecModeSystem {
		cfg.After = "graphical.target"
		cfg.WantedBy = "graphical.target"
	}

	tmpl, err := template.New("unit").Parse(bootUnitTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to execute unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes and enables the unit.
func (m *SystemdUnitManager) Install(execPath string) error {
	if err := os.MkdirAll(m.unitDir, 0755); err != nil {
		return err
	}

	content, err := m.generateUnitContent(execPath)
	if err != nil {
		return fmt.Errorf("failed to generate unit content: %w", err)
	}
	if err := os.WriteFile(m.unitPath, content, 0644); err != nil {
		return err
	}

	if err := m.systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	return m.systemctl("enable", UnitName)
}

// Uninstall disables and removes the unit.
func (m *SystemdUnitManager) Uninstall() error {
	// Disable first (ignore errors if not enabled)
	_ = m.systemctl("disable", UnitName)

	if err := os.Remove(m.unitPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = m.systemctl("daemon-reload")
	return nil
}

// IsInstalled checks if the unit file exists.
func (m *SystemdUnitManager) IsInstalled() bool {
	_, err := os.Stat(m.unitPath)
	return err == nil
}

// NeedsUpdate checks if the unit exists but has different content than expected.
func (m *SystemdUnitManager) NeedsUpdate(execPath string) bool {
	if !m.IsInstalled() {
		return false // Doesn't exist, needs install not update
	}
	current, err := os.ReadFile(m.unitPath)
	if err != nil {
		return true
	}
	expected, err := m.generateUnitContent(execPath)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

// UnitPath returns the unit file path.
func (m *SystemdUnitManager) UnitPath() string {
	return m.unitPath
}

// Mode returns the current execution mode.
func (m *SystemdUnitManager) Mode() ExecMode {
	return m.mode
}

func (m *SystemdUnitManager) systemctl(args ...string) error {
	argv := []string{"systemctl"}
	if m.mode == ExecModeUser {
		argv = append(argv, "--user")
	}
	return m.runner.Run(context.Background(), append(argv, args...))
}

// Ensure SystemdUnitManager implements domain.AutostartManager.
var _ domain.AutostartManager = (*SystemdUnitManager)(nil)
