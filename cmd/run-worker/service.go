// cmd/run-worker/service.go
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

const (
	serviceName     = "run-worker"
	systemdUnitPath = "/etc/systemd/system/run-worker.service"
)

const systemdUnitTemplate = `[Unit]
Description=Run Orchestrator Worker
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=always
RestartSec=10
{{if .User}}User={{.User}}{{end}}
{{if .Group}}Group={{.Group}}{{end}}

NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
PrivateTmp=true
ReadWritePaths={{.WorkDir}}

KillSignal=SIGTERM
TimeoutStopSec=60

StandardOutput=journal
StandardError=journal
SyslogIdentifier=run-worker

[Install]
WantedBy=multi-user.target
`

type unitConfig struct {
	ExecStart string
	User      string
	Group     string
	WorkDir   string
}

var (
	serviceUser    string
	serviceGroup   string
	serviceWorkDir string
	serviceConfig  string
	serviceServers []string
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the run-worker systemd service",
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install run-worker as a systemd service",
		Long: `Validates the worker config, installs it to /etc/run-worker/config.toml,
creates a systemd unit file pointing at it and enables the service.
The unit restarts the worker on failure. Requires root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "User to run the service as")
	installCmd.Flags().StringVar(&serviceGroup, "group", "", "Group to run the service as")
	installCmd.Flags().StringVar(&serviceWorkDir, "work-dir", "/var/lib/run-worker", "Working directory for subtask commands")
	installCmd.Flags().StringVar(&serviceConfig, "config", "", "Config file to install (default: the installed config, if any)")
	installCmd.Flags().StringSliceVar(&serviceServers, "server", nil, "Orchestrator WebSocket URL (repeatable, overrides config)")

	serviceCmd.AddCommand(installCmd, &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the run-worker systemd service",
		RunE:  runServiceUninstall,
	}, &cobra.Command{
		Use:   "status",
		Short: "Show run-worker service status",
		RunE:  runServiceStatus,
	})

	for _, action := range []string{"start", "stop", "restart"} {
		action := action
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the run-worker service", strings.ToUpper(action[:1])+action[1:]),
			RunE: func(cmd *cobra.Command, args []string) error {
				return systemctl(action)
			},
		})
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show run-worker service logs",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	logsCmd.Flags().IntP("lines", "n", 50, "Number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func requireLinux() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("systemd service management is only supported on Linux")
	}
	return nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !isRoot() {
		return fmt.Errorf("root privileges required to install service. Try: sudo %s service install", os.Args[0])
	}

	cfg, err := serviceWorkerConfig(serviceConfig, serviceServers, serviceWorkDir)
	if err != nil {
		return err
	}
	execPath, err := findBinary()
	if err != nil {
		return err
	}
	cfgPath := defaultConfigPaths[0]
	if err := installConfig(cfg, cfgPath); err != nil {
		return err
	}
	fmt.Printf("Installed config: %s\n", cfgPath)

	if err := os.MkdirAll(cfg.Worker.WorkDir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", cfg.Worker.WorkDir, err)
	}
	if serviceUser != "" {
		if err := runCmd("chown", "-R", serviceUser+":"+serviceGroup, cfg.Worker.WorkDir); err != nil {
			fmt.Printf("Warning: could not set ownership on %s: %v\n", cfg.Worker.WorkDir, err)
		}
	}

	unit, err := renderUnit(newUnitConfig(execPath, cfgPath, cfg, serviceUser, serviceGroup))
	if err != nil {
		return err
	}
	if err := os.WriteFile(systemdUnitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", systemdUnitPath)

	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	if err := runCmd("systemctl", "enable", serviceName); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}

	fmt.Printf("\nService installed and enabled.\n")
	fmt.Printf("  Worker: %s -> %s\n", cfg.Worker.ID, strings.Join(cfg.Server.URLs, ", "))
	fmt.Printf("  Start:  run-worker service start\n")
	fmt.Printf("  Logs:   run-worker service logs -f\n")
	return nil
}

// serviceWorkerConfig resolves the config the service will run with.
// The work dir flag only applies when the config leaves it unset.
func serviceWorkerConfig(path string, servers []string, workDir string) (Config, error) {
	cfg, _, err := loadWorkerConfig(path)
	if err != nil {
		return cfg, err
	}
	if len(servers) > 0 {
		cfg.Server.URLs = servers
	}
	if cfg.Worker.WorkDir == "" {
		cfg.Worker.WorkDir = workDir
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config not installable: %w", err)
	}
	return cfg, nil
}

// installConfig writes cfg as TOML to path, readable by the service user only
func installConfig(cfg Config, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

func newUnitConfig(execPath, cfgPath string, cfg Config, user, group string) unitConfig {
	return unitConfig{
		ExecStart: fmt.Sprintf("%s --config %s", execPath, cfgPath),
		User:      user,
		Group:     group,
		WorkDir:   cfg.Worker.WorkDir,
	}
}

func renderUnit(cfg unitConfig) (string, error) {
	tmpl, err := template.New("unit").Parse(systemdUnitTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing unit template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, cfg); err != nil {
		return "", fmt.Errorf("executing unit template: %w", err)
	}
	return b.String(), nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !isRoot() {
		return fmt.Errorf("root privileges required. Try: sudo %s service uninstall", os.Args[0])
	}

	_ = runCmd("systemctl", "stop", serviceName)
	_ = runCmd("systemctl", "disable", serviceName)

	if err := os.Remove(systemdUnitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}

	fmt.Printf("Service uninstalled. Config at %s was not removed.\n", defaultConfigPaths[0])
	return nil
}

// systemctl runs a lifecycle action, escalating with sudo when not root
func systemctl(action string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !serviceInstalled() {
		return fmt.Errorf("service not installed. Run: run-worker service install")
	}
	if !isRoot() {
		return runCmdInteractive("sudo", "systemctl", action, serviceName)
	}
	if err := runCmd("systemctl", action, serviceName); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !serviceInstalled() {
		fmt.Printf("Service not installed. Install with: run-worker service install\n")
		return nil
	}
	return runCmdInteractive("systemctl", "status", serviceName, "--no-pager")
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	follow, _ := cmd.Flags().GetBool("follow")
	lines, _ := cmd.Flags().GetInt("lines")

	jArgs := []string{"-u", serviceName, "-n", fmt.Sprintf("%d", lines), "--no-pager"}
	if follow {
		jArgs = append(jArgs, "-f")
	}
	return runCmdInteractive("journalctl", jArgs...)
}

func isRoot() bool {
	return os.Geteuid() == 0
}

func serviceInstalled() bool {
	_, err := os.Stat(systemdUnitPath)
	return err == nil
}

func findBinary() (string, error) {
	if execPath, err := os.Executable(); err == nil {
		if execPath, err = filepath.EvalSymlinks(execPath); err == nil {
			return execPath, nil
		}
	}
	if path, err := exec.LookPath(serviceName); err == nil {
		return filepath.Abs(path)
	}
	return "", fmt.Errorf("could not find %s binary. Ensure it's installed in PATH", serviceName)
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func runCmdInteractive(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
