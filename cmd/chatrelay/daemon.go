package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"chatrelay/internal/config"
)

const (
	launchdLabel = "io.chatrelay.serve"
	systemdUnit  = "chatrelay.service"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Install or remove chatrelay as a user service (launchd/systemd)",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install a service that runs 'chatrelay serve' at login",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			unit, path, err := serviceFile(execPath, resolveConfigPath())
			if err != nil {
				return err
			}
			if err := ensureDir(path); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Join(config.DefaultConfigDir(), "logs"), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
				return err
			}
			fmt.Printf("Service installed: %s\n", path)
			if runtime.GOOS == "darwin" {
				fmt.Printf("To start: launchctl load %s\n", path)
			} else {
				fmt.Printf("To start: systemctl --user enable --now %s\n", systemdUnit)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the user service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, err := serviceFile("", "")
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	})
	return cmd
}

// serviceFile renders the unit for this OS and returns where it belongs.
func serviceFile(execPath, cfgPath string) (string, string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	r := strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(config.DefaultConfigDir(), "logs", "chatrelay.log"),
	)
	switch runtime.GOOS {
	case "darwin":
		return r.Replace(launchdTemplate), filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return r.Replace(systemdTemplate), filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	default:
		return "", "", fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
	}
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
    <key>StandardErrorPath</key>
    <string>{{LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=chatrelay multi-platform chat relay
After=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
