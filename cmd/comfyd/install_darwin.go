//go:build darwin

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install comfyd as a LaunchAgent (starts on login)",
	RunE: func(cmd *cobra.Command, args []string) error {
		binary, err := serviceBinary()
		if err != nil {
			return err
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("finding home dir: %w", err)
		}

		plistDir := filepath.Join(home, "Library", "LaunchAgents")
		plistPath := filepath.Join(plistDir, serviceLabel+".plist")
		logPath := filepath.Join(comfydHome(), "daemon.log")

		if err := os.MkdirAll(plistDir, 0755); err != nil {
			return fmt.Errorf("creating LaunchAgents dir: %w", err)
		}
		if err := os.MkdirAll(comfydHome(), 0755); err != nil {
			return fmt.Errorf("creating home dir: %w", err)
		}

		plist := launchdPlist(daemonArgs(binary, cfgFile), logPath)
		if err := os.WriteFile(plistPath, []byte(plist), 0644); err != nil {
			return fmt.Errorf("writing plist: %w", err)
		}
		if err := exec.Command("launchctl", "load", plistPath).Run(); err != nil {
			return fmt.Errorf("launchctl load: %w", err)
		}

		fmt.Printf("Installed LaunchAgent: %s\n", plistPath)
		fmt.Printf("Logs: %s\n", logPath)
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the comfyd LaunchAgent",
	RunE: func(cmd *cobra.Command, args []string) error {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("finding home dir: %w", err)
		}
		plistPath := filepath.Join(home, "Library", "LaunchAgents", serviceLabel+".plist")

		// May not be loaded.
		_ = exec.Command("launchctl", "unload", plistPath).Run()

		if err := os.Remove(plistPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing plist: %w", err)
		}
		fmt.Println("Uninstalled comfyd LaunchAgent.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
}
