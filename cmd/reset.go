package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/internal/queue"
)

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <agent>",
		Short: "Start a fresh provider session before the agent's next message",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "cannot load settings: %s\n", err)
				os.Exit(1)
			}
			agentID := args[0]
			if _, ok := cfg.Agents[agentID]; !ok {
				fmt.Fprintf(os.Stderr, "unknown agent %q\n", agentID)
				os.Exit(1)
			}
			q, err := queue.Open(cfg.WorkspacePath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "cannot open queue: %s\n", err)
				os.Exit(1)
			}
			if err := q.RequestReset(agentID); err != nil {
				fmt.Fprintf(os.Stderr, "reset failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("session reset requested for %s\n", agentID)
		},
	}
}
