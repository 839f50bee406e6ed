package main

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/comflowy/comfyd/internal/launch"
)

const serviceLabel = "io.comflowy.comfyd"

// daemonArgs is the command line a login service runs.
func daemonArgs(binary, cfg string) []string {
	args := []string{binary, "daemon"}
	if cfg != "" {
		args = append(args, "--config", cfg)
	}
	return args
}

func launchdPlist(args []string, logPath string) string {
	var b strings.Builder
	for _, a := range args {
		fmt.Fprintf(&b, "        <string>%s</string>\n", html.EscapeString(a))
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
%s    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
</dict>
</plist>
`, serviceLabel, b.String(), html.EscapeString(logPath), html.EscapeString(logPath))
}

func systemdUnit(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = launch.Quote(a)
	}
	return fmt.Sprintf(`[Unit]
Description=comfyd ComfyUI supervisor

[Service]
ExecStart=%s
Restart=on-failure
KillSignal=SIGTERM
TimeoutStopSec=30

[Install]
WantedBy=default.target
`, strings.Join(quoted, " "))
}

// serviceBinary returns the resolved path of the running executable.
func serviceBinary() (string, error) {
	binary, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("finding binary path: %w", err)
	}
	binary, err = filepath.EvalSymlinks(binary)
	if err != nil {
		return "", fmt.Errorf("resolving binary path: %w", err)
	}
	return binary, nil
}
