package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultAgentID is the agent used when a message carries no routable mention.
const DefaultAgentID = "default"

// Settings is the single settings document read by the core. The dispatcher
// takes a fresh snapshot on every tick; writers (admin endpoints, onboard)
// persist via Save which uses write-to-temp + rename.
type Settings struct {
	Workspace    WorkspaceSettings      `json:"workspace"`
	Agents       map[string]AgentConfig `json:"agents"`
	Teams        map[string]TeamConfig  `json:"teams,omitempty"`
	Security     SecuritySettings       `json:"security"`
	Queue        QueueSettings          `json:"queue"`
	Conversation ConversationSettings   `json:"conversation"`
	Plugins      PluginSettings         `json:"plugins"`
	Memory       MemorySettings         `json:"memory"`
	OpenViking   OpenVikingSettings     `json:"openviking"`
	API          APISettings            `json:"api"`
	Schedules    []ScheduleConfig       `json:"schedules,omitempty"`
	Telemetry    TelemetrySettings      `json:"telemetry"`
}

// WorkspaceSettings locates the on-disk workspace holding the queue
// directories, team transcripts, and outbound files.
type WorkspaceSettings struct {
	Path string `json:"path"`
}

// AgentConfig binds one worker identity to a provider, model, and working
// directory. Name, Provider, and Model are mandatory; the working directory
// is created on first use.
type AgentConfig struct {
	Name             string            `json:"name"`
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	SystemPrompt     string            `json:"system_prompt,omitempty"`
	PromptFile       string            `json:"prompt_file,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// TeamConfig names a collaboration group. Leader must be a member; members
// must be configured agents.
type TeamConfig struct {
	Name        string   `json:"name"`
	Agents      []string `json:"agents"`
	LeaderAgent string   `json:"leader_agent"`
}

// SecuritySettings controls admission and outbound file policy.
type SecuritySettings struct {
	RequireSenderAllowlist bool                `json:"require_sender_allowlist"`
	AllowedSenders         map[string][]string `json:"allowed_senders,omitempty"`
	// AllowOutboundFilePathsOutsideFilesDir permits [send_file:] paths that
	// live outside <workspace>/files. Off by default.
	AllowOutboundFilePathsOutsideFilesDir bool `json:"allow_outbound_file_paths_outside_files_dir,omitempty"`
}

// QueueSettings tunes the dispatcher polling loop.
type QueueSettings struct {
	PollIntervalMs   int `json:"poll_interval_ms"`
	EventRetentionMs int `json:"event_retention_ms"`
}

// ConversationSettings bounds team conversations.
type ConversationSettings struct {
	MessageBudget int `json:"message_budget"`
}

// PluginSettings configures the hook pipeline.
type PluginSettings struct {
	Enabled bool `json:"enabled"`
	// HookTimeoutMs bounds a single hook call.
	HookTimeoutMs int `json:"hook_timeout_ms"`
	// HookBudgetMs is the global budget shared by beforeModel hooks and
	// memory prefetch for one invocation.
	HookBudgetMs int `json:"hook_budget_ms"`
	// DrainTimeoutMs bounds onSessionEnd draining at shutdown.
	DrainTimeoutMs int `json:"drain_timeout_ms"`
}

// MemorySettings enables turn persistence for later retrieval.
type MemorySettings struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // defaults to <workspace>/memory
}

// OpenVikingSettings configures the prefetch gate and retrieval bounds.
type OpenVikingSettings struct {
	// GateMode is one of "never", "always", "rule", "rule_then_llm".
	GateMode         string   `json:"gate_mode"`
	ForcePatterns    []string `json:"force_patterns,omitempty"`
	SkipPatterns     []string `json:"skip_patterns,omitempty"`
	AmbiguityLow     float64  `json:"ambiguity_low"`
	AmbiguityHigh    float64  `json:"ambiguity_high"`
	PrefetchMaxChars int      `json:"prefetch_max_chars"`
	MinBudgetMs      int      `json:"min_budget_ms"`
}

// APISettings configures the local HTTP/SSE console.
type APISettings struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// ScheduleConfig enqueues a message on a cron cadence, the same way an
// external scheduler would.
type ScheduleConfig struct {
	ID      string `json:"id"`
	Cron    string `json:"cron"`
	Agent   string `json:"agent,omitempty"`
	Channel string `json:"channel,omitempty"` // defaults to "cron"
	Message string `json:"message"`
}

// TelemetrySettings enables OTLP trace export.
type TelemetrySettings struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "http" or "grpc"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// WorkspacePath returns the expanded absolute workspace path.
func (s *Settings) WorkspacePath() string {
	p := ExpandHome(s.Workspace.Path)
	if !filepath.IsAbs(p) {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
	}
	return p
}

// Agent returns the config for id, case-insensitively.
func (s *Settings) Agent(id string) (AgentConfig, bool) {
	if a, ok := s.Agents[id]; ok {
		return a, true
	}
	for k, a := range s.Agents {
		if strings.EqualFold(k, id) {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Team returns the config for id, case-insensitively.
func (s *Settings) Team(id string) (TeamConfig, bool) {
	if t, ok := s.Teams[id]; ok {
		return t, true
	}
	for k, t := range s.Teams {
		if strings.EqualFold(k, id) {
			return t, true
		}
	}
	return TeamConfig{}, false
}

// TeamOf returns the ID of the team containing agentID, if any. Iteration is
// in sorted ID order so collisions resolve deterministically.
func (s *Settings) TeamOf(agentID string) (string, TeamConfig, bool) {
	ids := make([]string, 0, len(s.Teams))
	for id := range s.Teams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := s.Teams[id]
		for _, m := range t.Agents {
			if strings.EqualFold(m, agentID) {
				return id, t, true
			}
		}
	}
	return "", TeamConfig{}, false
}

// FallbackAgentID resolves the agent used when no mention matches: "default"
// if configured, otherwise the first configured agent in sorted ID order.
func (s *Settings) FallbackAgentID() string {
	if _, ok := s.Agents[DefaultAgentID]; ok {
		return DefaultAgentID
	}
	ids := make([]string, 0, len(s.Agents))
	for id := range s.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// SenderAllowed checks the admission allow-list for (channel, senderID).
// Internal messages never reach this check.
func (s *Settings) SenderAllowed(channel, senderID string) bool {
	if !s.Security.RequireSenderAllowlist {
		return true
	}
	for _, v := range s.Security.AllowedSenders[channel] {
		if v == "*" || v == senderID {
			return true
		}
	}
	return false
}

// AgentWorkingDirectory resolves an agent's working directory against the
// workspace and creates it if missing.
func (s *Settings) AgentWorkingDirectory(id string) (string, error) {
	a, ok := s.Agent(id)
	if !ok {
		return "", fmt.Errorf("agent %s not configured", id)
	}
	dir := a.WorkingDirectory
	if dir == "" {
		dir = filepath.Join(s.WorkspacePath(), "agents", id)
	} else {
		dir = ExpandHome(dir)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(s.WorkspacePath(), dir)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}
	return dir, nil
}

// Validate checks the cross-references the core relies on: mandatory agent
// fields, team members configured, leader among members.
func (s *Settings) Validate() error {
	for id, a := range s.Agents {
		if a.Name == "" || a.Provider == "" || a.Model == "" {
			return fmt.Errorf("agent %s: name, provider, and model are required", id)
		}
	}
	for id, t := range s.Teams {
		if len(t.Agents) == 0 {
			return fmt.Errorf("team %s: no members", id)
		}
		leaderOK := false
		for _, m := range t.Agents {
			if _, ok := s.Agent(m); !ok {
				return fmt.Errorf("team %s: member %s is not a configured agent", id, m)
			}
			if strings.EqualFold(m, t.LeaderAgent) {
				leaderOK = true
			}
		}
		if !leaderOK {
			return fmt.Errorf("team %s: leader %s is not a member", id, t.LeaderAgent)
		}
	}
	return nil
}
