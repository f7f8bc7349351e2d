// Package main is the CLI entry point for kioskd.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/kioskd/internal/config"
	"github.com/eliteGoblin/focusd/kioskd/internal/daemon"
	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
	"github.com/eliteGoblin/focusd/kioskd/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kioskd",
	Short: "Lockdown supervisor - keeps a device pinned to one application",
	Long: `kioskd keeps a device locked to a single target application.
It acquires the overlay and device-administrator privileges, blocks the
system bars, pins the device to the target and relaunches the target
whenever it dies. Lockdown survives reboots until it is exited.

In full lockdown the exit gesture is swallowed; use 'kioskd release'.`,
	Version: Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Enter lockdown (launches the supervisor daemon)",
	Long: `Starts the supervisor daemon, which acquires privileges and enters
lockdown. Also installs the autostart unit so lockdown resumes after a reboot.`,
	RunE: runStart,
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Resume lockdown after a restart (run by the autostart unit)",
	RunE:  runBoot,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lockdown status",
	RunE:  runStatus,
}

var exitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Send the exit gesture (twice within the window to confirm)",
	Long: `Delivers one exit gesture to the supervisor. In limited lockdown a second
gesture inside the confirmation window ends lockdown. In full lockdown the
gesture is blocked.`,
	RunE: runExit,
}

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "End lockdown, including full lockdown",
	RunE:  runRelease,
}

var grantCmd = &cobra.Command{
	Use:   "grant <overlay|admin>",
	Short: "Record a privilege grant outcome (headless hosts)",
	Args:  cobra.ExactArgs(1),
	RunE:  runGrant,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the autostart unit",
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the autostart unit",
	RunE:  runUninstall,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

// Hidden daemon command - used for self-exec when spawning the supervisor
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Hidden: true,
	RunE:   runDaemon,
}

var (
	configPath    string
	daemonRecover bool
	grantDeny     bool
	installMode   string
	jsonOutput    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <data_dir>/kioskd.yaml)")
	daemonCmd.Flags().BoolVar(&daemonRecover, "recover", false, "Resume a persisted lockdown instead of starting one")
	grantCmd.Flags().BoolVar(&grantDeny, "deny", false, "Record a denial or revocation instead of a grant")
	installCmd.Flags().StringVar(&installMode, "mode", "", "Install mode: user or system (default: detect from euid)")
	uninstallCmd.Flags().StringVar(&installMode, "mode", "", "Install mode: user or system (default: detect from euid)")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(bootCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(exitCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

// loadConfig resolves the config path from the exec mode and loads it.
// An explicit --config must exist.
func loadConfig() (*config.Config, *infra.ExecModeConfig, string, error) {
	execMode := infra.DetectExecMode()

	path := configPath
	if path == "" {
		path = filepath.Join(execMode.DataDir, config.FileName)
	} else if _, err := os.Stat(path); err != nil {
		return nil, nil, "", fmt.Errorf("config file: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, "", err
	}
	cfg.ResolveDirs(execMode.DataDir, execMode.LogDir)
	return cfg, execMode, path, nil
}

// openStore opens the configured state store backend.
func openStore(cfg *config.Config) (domain.StateStore, error) {
	if cfg.Store.Backend == config.BackendFile {
		return infra.NewFileStateStore(cfg.Store.DataDir)
	}
	return infra.OpenEncryptedStateStore(cfg.Store.DataDir)
}

// runningDaemon returns the recorded supervisor if its process is alive.
func runningDaemon(store domain.StateStore, pm domain.ProcessManager) *domain.DaemonRecord {
	rec, err := store.Daemon()
	if err != nil || rec == nil {
		return nil
	}
	if !pm.IsRunning(rec.PID) {
		return nil
	}
	return rec
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, execMode, path, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pm := infra.NewProcessManager()
	if rec := runningDaemon(store, pm); rec != nil {
		fmt.Printf("kioskd is already running (pid %d)\n", rec.PID)
		return nil
	}

	fmt.Printf("Execution mode: %s\n", execMode.Mode)

	// Autostart unit resumes lockdown after a reboot
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	units := infra.NewSystemdUnitManager(execMode, configPath, infra.NewExecCommandRunner(cfg.Host.CommandTimeout))
	if !units.IsInstalled() || units.NeedsUpdate(executable) {
		if err := units.Install(executable); err != nil {
			fmt.Printf("Warning: Could not install %s: %v\n", units.UnitPath(), err)
			fmt.Println("         (lockdown will run, but won't resume after a reboot)")
		} else {
			fmt.Printf("Installed autostart unit %s\n", units.UnitPath())
		}
	}

	if err := daemon.StartDaemon(daemon.SpawnOptions{ConfigPath: configPath}); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Wait a moment for the daemon to register
	time.Sleep(500 * time.Millisecond)

	fmt.Println("\n=== kioskd Started ===")
	fmt.Printf("Target: %s\n", cfg.Target.AppID)
	fmt.Printf("Grants: %s\n", cfg.Host.GrantsDir)
	if rec := runningDaemon(store, pm); rec != nil {
		fmt.Printf("Daemon: pid %d\n", rec.PID)
	} else {
		fmt.Printf("Daemon: starting (see %s)\n", filepath.Join(cfg.Log.Dir, "kioskd.log"))
	}
	fmt.Println("======================")
	return nil
}

func runBoot(cmd *cobra.Command, args []string) error {
	cfg, _, path, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if rec := runningDaemon(store, infra.NewProcessManager()); rec != nil {
		fmt.Printf("kioskd is already running (pid %d)\n", rec.PID)
		return nil
	}
	state, err := store.LoadState()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if !state.Active {
		fmt.Println("Lockdown not active, nothing to resume")
		return nil
	}
	return daemon.StartDaemon(daemon.SpawnOptions{ConfigPath: configPath, Recover: true})
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, execMode, _, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Println("\n=== kioskd Status ===")

	state, err := store.LoadState()
	if err != nil {
		fmt.Printf("State: UNREADABLE (%v)\n", err)
	} else if state.Active {
		fmt.Printf("Lockdown: ACTIVE (%s)\n", state.Mode)
	} else {
		fmt.Println("Lockdown: INACTIVE")
	}
	if err == nil && state.UpdatedAt > 0 {
		fmt.Printf("Last change: %s ago\n", time.Since(time.Unix(state.UpdatedAt, 0)).Round(time.Second))
	}

	if rec := runningDaemon(store, infra.NewProcessManager()); rec != nil {
		fmt.Printf("Daemon: running (pid %d, session %s)\n", rec.PID, rec.SessionID)
		fmt.Printf("Uptime: %s\n", time.Since(time.Unix(rec.StartedAt, 0)).Round(time.Second))
	} else {
		fmt.Println("Daemon: NOT RUNNING")
	}

	gateway := infra.NewFilePrivilegeGateway(cfg.Host.GrantsDir, nil, nil, nil, zap.NewNop())
	privs := gateway.Privileges()
	fmt.Println("\nPrivileges:")
	fmt.Printf("  %-22s %s\n", domain.PrivilegeOverlay, grantWord(privs.OverlayGranted))
	fmt.Printf("  %-22s %s\n", domain.PrivilegeAdmin, grantWord(privs.AdminGranted))

	units := infra.NewSystemdUnitManager(execMode, configPath, infra.NewExecCommandRunner(cfg.Host.CommandTimeout))
	fmt.Printf("\nExecution mode: %s\n", execMode.Mode)
	if line := daemonModeLine(store, execMode.Mode); line != "" {
		fmt.Println(line)
	}
	fmt.Printf("State store: %s (%s)\n", store.Path(), cfg.Store.Backend)
	if units.IsInstalled() {
		fmt.Printf("Autostart: enabled (%s)\n", units.UnitPath())
	} else {
		fmt.Println("Autostart: disabled (unit missing)")
	}
	fmt.Println("=====================")
	return nil
}

// daemonModeLine reports the mode the last daemon recorded next to the one
// detected for this invocation. Stores that keep no record yield "".
func daemonModeLine(store domain.StateStore, detected infra.ExecMode) string {
	rec, ok := store.(interface{ ExecMode() string })
	if !ok {
		return ""
	}
	recorded := rec.ExecMode()
	switch recorded {
	case "":
		return "Daemon mode: not recorded"
	case string(detected):
		return fmt.Sprintf("Daemon mode: %s", recorded)
	default:
		return fmt.Sprintf("Daemon mode: %s (this shell is %s; unit commands must run as the daemon's user)", recorded, detected)
	}
}

func grantWord(granted bool) string {
	if granted {
		return "granted"
	}
	return "not granted"
}

// signalDaemon delivers sig to the running supervisor.
func signalDaemon(sig syscall.Signal) (domain.StateStore, error) {
	cfg, _, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	pm := infra.NewProcessManager()
	rec := runningDaemon(store, pm)
	if rec == nil {
		store.Close()
		return nil, errors.New("kioskd is not running")
	}
	if err := pm.Signal(rec.PID, sig); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to signal daemon %d: %w", rec.PID, err)
	}
	return store, nil
}

func runExit(cmd *cobra.Command, args []string) error {
	store, err := signalDaemon(syscall.SIGUSR1)
	if err != nil {
		return err
	}
	defer store.Close()

	time.Sleep(300 * time.Millisecond)
	state, err := store.LoadState()
	if err == nil && !state.Active {
		fmt.Println("Lockdown cleared")
		return nil
	}
	if state.Mode == domain.ModeFull {
		fmt.Println("Exit gesture blocked in full lockdown (use 'kioskd release')")
		return nil
	}
	fmt.Println("Exit gesture sent; repeat within the confirmation window to exit")
	return nil
}

func runRelease(cmd *cobra.Command, args []string) error {
	store, err := signalDaemon(syscall.SIGUSR2)
	if err != nil {
		return err
	}
	defer store.Close()

	time.Sleep(500 * time.Millisecond)
	if state, err := store.LoadState(); err == nil && !state.Active {
		fmt.Println("Lockdown released")
		return nil
	}
	fmt.Println("Release requested")
	return nil
}

// parsePrivilege accepts the full kind name or a short alias.
func parsePrivilege(s string) (domain.PrivilegeKind, error) {
	switch s {
	case "overlay", string(domain.PrivilegeOverlay):
		return domain.PrivilegeOverlay, nil
	case "admin", string(domain.PrivilegeAdmin):
		return domain.PrivilegeAdmin, nil
	}
	return "", fmt.Errorf("unknown privilege %q (want overlay or admin)", s)
}

func runGrant(cmd *cobra.Command, args []string) error {
	kind, err := parsePrivilege(args[0])
	if err != nil {
		return err
	}
	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}

	outcome := domain.GrantGranted
	if grantDeny {
		outcome = domain.GrantDenied
	}
	gateway := infra.NewFilePrivilegeGateway(cfg.Host.GrantsDir, nil, nil, nil, zap.NewNop())
	if err := gateway.WriteOutcome(kind, outcome); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", kind, outcome)
	return nil
}

func unitExecMode() (*infra.ExecModeConfig, error) {
	switch installMode {
	case "":
		return infra.DetectExecMode(), nil
	case string(infra.ExecModeUser):
		return infra.GetUserModeConfig(), nil
	case string(infra.ExecModeSystem):
		if os.Geteuid() != 0 {
			return nil, errors.New("system mode requires root")
		}
		return infra.DetectExecMode(), nil
	}
	return nil, fmt.Errorf("unknown mode %q (want user or system)", installMode)
}

func runInstall(cmd *cobra.Command, args []string) error {
	execMode, err := unitExecMode()
	if err != nil {
		return err
	}
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	path := configPath
	if path == "" {
		path = filepath.Join(execMode.DataDir, config.FileName)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := config.Default().Save(path); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("Wrote default config to %s (set target.app_id and target.launch_command)\n", path)
	}

	units := infra.NewSystemdUnitManager(execMode, configPath, infra.NewExecCommandRunner(infra.DefaultCommandTimeout))
	if err := units.Install(executable); err != nil {
		return err
	}
	fmt.Printf("Installed %s (%s)\n", units.UnitPath(), execMode.Mode)
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	execMode, err := unitExecMode()
	if err != nil {
		return err
	}
	units := infra.NewSystemdUnitManager(execMode, configPath, infra.NewExecCommandRunner(infra.DefaultCommandTimeout))
	if !units.IsInstalled() {
		fmt.Println("Autostart unit not installed")
		return nil
	}
	if err := units.Uninstall(); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", units.UnitPath())
	return nil
}

func createLogger(cfg *config.Config) *zap.Logger {
	zapConfig := zap.NewProductionConfig()
	if level, err := zapcore.ParseLevel(cfg.Log.Level); err == nil {
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}
	zapConfig.EncoderConfig.TimeKey = "time"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if err := os.MkdirAll(cfg.Log.Dir, 0700); err == nil {
		zapConfig.OutputPaths = []string{filepath.Join(cfg.Log.Dir, "kioskd.log")}
		zapConfig.ErrorOutputPaths = []string{filepath.Join(cfg.Log.Dir, "kioskd.error.log")}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// Fallback to stdout if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("kioskd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
