//go:build !darwin

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

func unitPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("finding config dir: %w", err)
	}
	return filepath.Join(dir, "systemd", "user", "comfyd.service"), nil
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install comfyd as a systemd user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		binary, err := serviceBinary()
		if err != nil {
			return err
		}
		path, err := unitPath()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("creating unit dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(systemdUnit(daemonArgs(binary, cfgFile))), 0644); err != nil {
			return fmt.Errorf("writing unit: %w", err)
		}
		if err := exec.Command("systemctl", "--user", "daemon-reload").Run(); err != nil {
			return fmt.Errorf("systemctl daemon-reload: %w", err)
		}
		if err := exec.Command("systemctl", "--user", "enable", "--now", "comfyd.service").Run(); err != nil {
			return fmt.Errorf("systemctl enable: %w", err)
		}
		fmt.Printf("Installed systemd unit: %s\n", path)
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the comfyd systemd user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := unitPath()
		if err != nil {
			return err
		}
		// May not be enabled.
		_ = exec.Command("systemctl", "--user", "disable", "--now", "comfyd.service").Run()

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing unit: %w", err)
		}
		_ = exec.Command("systemctl", "--user", "daemon-reload").Run()
		fmt.Println("Uninstalled comfyd systemd unit.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
}
