package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"cmdgate/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.cmdgate.gateway"
	systemdUnit  = "cmdgate.service"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the gateway as a user service (launchd/systemd)",
	}
	cmd.AddCommand(installDaemonCmd(), uninstallDaemonCmd())
	return cmd
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install cmdgate as a user service that runs 'cmdgate serve'",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, cfgPath)
			case "linux":
				return installSystemd(execPath, cfgPath)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the cmdgate user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := servicePath()
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Daemon uninstalled: %s\n", path)
			return nil
		},
	}
}

func servicePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	}
	return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
}

func renderService(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func writeService(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(body), 0o644)
}

func installLaunchd(execPath, cfgPath string) error {
	path, err := servicePath()
	if err != nil {
		return err
	}
	logDir := filepath.Join(config.DefaultConfigDir(), "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	plist := renderService(launchdTemplate, map[string]string{
		"LABEL":   launchdLabel,
		"EXEC":    execPath,
		"CONFIG":  cfgPath,
		"LOG":     filepath.Join(logDir, "cmdgate.log"),
		"ERR_LOG": filepath.Join(logDir, "cmdgate-error.log"),
	})
	if err := writeService(path, plist); err != nil {
		return err
	}

	fmt.Printf("Daemon installed: %s\n", path)
	fmt.Printf("To start: launchctl load %s\n", path)
	fmt.Printf("To stop:  launchctl unload %s\n", path)
	return nil
}

func installSystemd(execPath, cfgPath string) error {
	path, err := servicePath()
	if err != nil {
		return err
	}
	unit := renderService(systemdTemplate, map[string]string{
		"EXEC":   execPath,
		"CONFIG": cfgPath,
	})
	if err := writeService(path, unit); err != nil {
		return err
	}

	name := strings.TrimSuffix(systemdUnit, ".service")
	fmt.Printf("Daemon installed: %s\n", path)
	fmt.Printf("To start:  systemctl --user start %s\n", name)
	fmt.Printf("To enable: systemctl --user enable %s\n", name)
	fmt.Printf("To stop:   systemctl --user stop %s\n", name)
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=cmdgate command gateway
After=network.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
