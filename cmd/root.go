package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jlia0/tinyclaw/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/jlia0/tinyclaw/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tinyclaw",
	Short: "TinyClaw — queue-driven multi-agent daemon",
	Long:  "TinyClaw routes channel messages through a file queue to CLI-backed agents, with team fan-out, memory prefetch, and a local console.",
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "settings file (default: ~/.tinyclaw/settings.json or $TINYCLAW_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tinyclaw %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("TINYCLAW_CONFIG"); v != "" {
		return v
	}
	return config.ExpandHome("~/.tinyclaw/settings.json")
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
