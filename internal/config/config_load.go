package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Settings with sensible defaults.
func Default() *Settings {
	return &Settings{
		Workspace: WorkspaceSettings{
			Path: "~/tinyclaw-workspace",
		},
		Agents: map[string]AgentConfig{},
		Security: SecuritySettings{
			RequireSenderAllowlist: true,
			// Locally originated channels are trusted out of the box;
			// network channels must be allow-listed explicitly.
			AllowedSenders: map[string][]string{
				"cli":  {"*"},
				"http": {"*"},
				"cron": {"*"},
			},
		},
		Queue: QueueSettings{
			PollIntervalMs:   1000,
			EventRetentionMs: 3600_000,
		},
		Conversation: ConversationSettings{
			MessageBudget: 50,
		},
		Plugins: PluginSettings{
			Enabled:        true,
			HookTimeoutMs:  2000,
			HookBudgetMs:   8000,
			DrainTimeoutMs: 30_000,
		},
		OpenViking: OpenVikingSettings{
			GateMode:         "rule",
			AmbiguityLow:     0.35,
			AmbiguityHigh:    0.65,
			PrefetchMaxChars: 1200,
			MinBudgetMs:      500,
		},
		API: APISettings{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8787,
		},
		Telemetry: TelemetrySettings{
			ServiceName: "tinyclaw",
			Protocol:    "http",
		},
	}
}

// Load reads the settings document (JSON5, tolerant of comments and trailing
// commas), then overlays env vars. A missing file yields defaults; any other
// read or parse failure is fatal at startup.
func Load(path string) (*Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.applyEnvOverrides()
			return s, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	if err := json5.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	s.applyEnvOverrides()
	return s, nil
}

// applyEnvOverrides overlays TINYCLAW_* env vars onto the settings.
// Env vars take precedence over file values.
func (s *Settings) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("TINYCLAW_WORKSPACE", &s.Workspace.Path)
	envInt("TINYCLAW_API_PORT", &s.API.Port)
	envInt("TINYCLAW_PLUGIN_HOOK_TIMEOUT_MS", &s.Plugins.HookTimeoutMs)
	envInt("TINYCLAW_PLUGIN_HOOK_BUDGET_MS", &s.Plugins.HookBudgetMs)
	envInt("TINYCLAW_EVENT_RETENTION_MS", &s.Queue.EventRetentionMs)
	envInt("TINYCLAW_POLL_INTERVAL_MS", &s.Queue.PollIntervalMs)
	envInt("TINYCLAW_MESSAGE_BUDGET", &s.Conversation.MessageBudget)

	envStr("TINYCLAW_OPENVIKING_GATE_MODE", &s.OpenViking.GateMode)
	envInt("TINYCLAW_OPENVIKING_PREFETCH_MAX_CHARS", &s.OpenViking.PrefetchMaxChars)
	envInt("TINYCLAW_OPENVIKING_MIN_BUDGET_MS", &s.OpenViking.MinBudgetMs)
	if v := os.Getenv("TINYCLAW_OPENVIKING_AMBIGUITY_LOW"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.OpenViking.AmbiguityLow = f
		}
	}
	if v := os.Getenv("TINYCLAW_OPENVIKING_AMBIGUITY_HIGH"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.OpenViking.AmbiguityHigh = f
		}
	}
	if v := os.Getenv("TINYCLAW_MEMORY_ENABLED"); v != "" {
		s.Memory.Enabled = v == "true" || v == "1"
	}

	envStr("TINYCLAW_TELEMETRY_ENDPOINT", &s.Telemetry.Endpoint)
	envStr("TINYCLAW_TELEMETRY_PROTOCOL", &s.Telemetry.Protocol)
	envStr("TINYCLAW_TELEMETRY_SERVICE_NAME", &s.Telemetry.ServiceName)
	if v := os.Getenv("TINYCLAW_TELEMETRY_ENABLED"); v != "" {
		s.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TINYCLAW_TELEMETRY_INSECURE"); v != "" {
		s.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the settings document atomically (temp + rename) so the
// dispatcher's hot reads never observe a partial write.
func Save(path string, s *Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) == 1 {
		return home
	}
	if path[1] == '/' {
		return home + path[1:]
	}
	return path
}
