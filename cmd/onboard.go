package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jlia0/tinyclaw/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			if !runOnboard(resolveConfigPath()) {
				os.Exit(1)
			}
		},
	}
}

// runOnboard walks the setup form and writes the settings file. Returns false
// when the user aborts or the write fails.
func runOnboard(cfgPath string) bool {
	cfg := config.Default()

	workspace := cfg.Workspace.Path
	provider := "claude"
	model := ""
	agentName := "Assistant"
	enableAPI := true
	enableMemory := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("Queue directories, transcripts, and outbound files live here.").
				Value(&workspace).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("workspace is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Default agent provider").
				Options(
					huh.NewOption("Claude Code (claude)", "claude"),
					huh.NewOption("Codex CLI (codex)", "codex"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Model").
				Description("Leave empty for the provider default.").
				Value(&model),
			huh.NewInput().
				Title("Agent display name").
				Value(&agentName),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the local HTTP console?").
				Description("Message injection and live event stream on 127.0.0.1.").
				Value(&enableAPI),
			huh.NewConfirm().
				Title("Enable conversation memory?").
				Description("Persists turns and prefetches relevant history into prompts.").
				Value(&enableMemory),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "setup aborted: %s\n", err)
		return false
	}

	if model == "" {
		model = "sonnet"
		if provider == "codex" {
			model = "gpt-5"
		}
	}

	cfg.Workspace.Path = workspace
	cfg.Agents[config.DefaultAgentID] = config.AgentConfig{
		Name:     agentName,
		Provider: provider,
		Model:    model,
	}
	cfg.API.Enabled = enableAPI
	cfg.Memory.Enabled = enableMemory

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "settings invalid: %s\n", err)
		return false
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "cannot write settings: %s\n", err)
		return false
	}

	fmt.Printf("Settings written to %s\n", cfgPath)
	fmt.Println("Start the daemon with:  tinyclaw start")
	return true
}
