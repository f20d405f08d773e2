package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jlia0/tinyclaw/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("tinyclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Settings: %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: tinyclaw onboard)")
		return
	}
	fmt.Println(" (OK)")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Settings load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Settings invalid: %s\n", err)
	}

	ws := cfg.WorkspacePath()
	fmt.Printf("  Workspace: %s", ws)
	if err := checkWritable(ws); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Agents:")
	if len(cfg.Agents) == 0 {
		fmt.Println("    (none configured)")
	}
	for id, a := range cfg.Agents {
		fmt.Printf("    %-12s %s/%s\n", id+":", a.Provider, a.Model)
	}

	fmt.Println()
	fmt.Println("  Providers:")
	providers := map[string]bool{}
	for _, a := range cfg.Agents {
		providers[a.Provider] = true
	}
	if len(providers) == 0 {
		providers["claude"] = true
	}
	for name := range providers {
		checkBinary(name)
	}

	fmt.Println()
	fmt.Printf("  Memory:    enabled=%v", cfg.Memory.Enabled)
	if cfg.Memory.Enabled {
		fmt.Printf(" gate=%s", cfg.OpenViking.GateMode)
	}
	fmt.Println()
	fmt.Printf("  Console:   enabled=%v", cfg.API.Enabled)
	if cfg.API.Enabled {
		fmt.Printf(" http://%s:%d", cfg.API.Host, cfg.API.Port)
	}
	fmt.Println()

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}
