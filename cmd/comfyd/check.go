package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/comflowy/comfyd/internal/config"
	"github.com/comflowy/comfyd/internal/launch"
)

type checkResult struct {
	Path       string `json:"path"`
	Valid      bool   `json:"valid"`
	Error      string `json:"error,omitempty"`
	InstallDir string `json:"install_dir,omitempty"`
	Launch     string `json:"launch,omitempty"`
	Reinstall  string `json:"reinstall,omitempty"`
	Proxy      string `json:"proxy,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and show the launch command",
	Long:  "Parse and validate the daemon config, then print the command line the backend would be launched with and the proxy pip would use.",
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	path := configPath()

	res := checkResult{Path: path}
	cfg, err := config.Load(path)
	if err != nil {
		res.Error = err.Error()
		if jsonOut {
			printJSON(res)
		}
		return err
	}

	res.Valid = true
	res.InstallDir = cfg.Backend.InstallDir
	res.Launch = launch.Build(cfg.Backend, false).String()
	res.Reinstall = launch.Build(cfg.Backend, true).String()
	proxy, err := launch.ResolveProxy(launch.Environment(cfg.Backend, os.Environ()), launch.PackageIndexURL)
	if err != nil {
		return fmt.Errorf("resolving proxy: %w", err)
	}
	if proxy != nil {
		res.Proxy = proxy.Redacted()
	}

	if jsonOut {
		return printJSON(res)
	}

	fmt.Printf("OK    %s\n", res.Path)
	fmt.Printf("      install:   %s\n", res.InstallDir)
	fmt.Printf("      launch:    %s\n", res.Launch)
	fmt.Printf("      reinstall: %s\n", res.Reinstall)
	if res.Proxy != "" {
		fmt.Printf("      proxy:     %s\n", res.Proxy)
	} else {
		fmt.Printf("      proxy:     direct\n")
	}
	if _, err := os.Stat(cfg.Backend.InstallDir); err != nil {
		fmt.Fprintf(os.Stderr, "WARN  install_dir: %v\n", err)
	}
	return nil
}
