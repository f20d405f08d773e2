package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jlia0/tinyclaw/internal/config"
)

// Gate modes.
const (
	GateNever       = "never"
	GateAlways      = "always"
	GateRule        = "rule"
	GateRuleThenLLM = "rule_then_llm"
)

// LLMGateFunc asks the agent's own model whether retrieval is worthwhile. The
// prompt demands a JSON verdict; the raw model output comes back unparsed.
type LLMGateFunc func(ctx context.Context, agentID, prompt string) (string, error)

// Decision is the gate's verdict for one message.
type Decision struct {
	Prefetch bool
	Reason   string
}

// Gate decides whether a message warrants memory retrieval before invocation.
type Gate struct {
	mode  string
	force []*regexp.Regexp
	skip  []*regexp.Regexp
	low   float64
	high  float64
	llm   LLMGateFunc
}

// NewGate compiles the configured pattern lists. An invalid regex or an
// unknown mode is a configuration error.
func NewGate(cfg config.OpenVikingSettings, llm LLMGateFunc) (*Gate, error) {
	switch cfg.GateMode {
	case GateNever, GateAlways, GateRule, GateRuleThenLLM:
	default:
		return nil, fmt.Errorf("unknown gate mode %q", cfg.GateMode)
	}
	g := &Gate{mode: cfg.GateMode, low: cfg.AmbiguityLow, high: cfg.AmbiguityHigh, llm: llm}
	for _, p := range cfg.ForcePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("force pattern %q: %w", p, err)
		}
		g.force = append(g.force, re)
	}
	for _, p := range cfg.SkipPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("skip pattern %q: %w", p, err)
		}
		g.skip = append(g.skip, re)
	}
	return g, nil
}

// Evaluate runs the configured gate over the message. In rule mode an
// ambiguous score means no prefetch; rule_then_llm escalates it to the model.
func (g *Gate) Evaluate(ctx context.Context, agentID, message string) Decision {
	switch g.mode {
	case GateNever:
		return Decision{Prefetch: false, Reason: "gate_never"}
	case GateAlways:
		return Decision{Prefetch: true, Reason: "gate_always"}
	}

	score := g.ruleScore(message)
	switch {
	case score > g.high:
		return Decision{Prefetch: true, Reason: "rule_force"}
	case score < g.low:
		return Decision{Prefetch: false, Reason: "rule_skip"}
	}

	if g.mode != GateRuleThenLLM || g.llm == nil {
		return Decision{Prefetch: false, Reason: "rule_ambiguous"}
	}
	return g.llmDecision(ctx, agentID, message)
}

// ruleScore starts at 0.5 and moves toward 1 for each force-pattern match and
// toward 0 for each skip-pattern match.
func (g *Gate) ruleScore(message string) float64 {
	score := 0.5
	for _, re := range g.force {
		if re.MatchString(message) {
			score += 0.25
		}
	}
	for _, re := range g.skip {
		if re.MatchString(message) {
			score -= 0.25
		}
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

const llmGatePrompt = `Decide whether answering the following message benefits from retrieving the user's prior conversation context. Reply with only a JSON object of the form {"needMemory": true|false, "reason": "short explanation"}.

Message:
%s`

type llmVerdict struct {
	NeedMemory bool   `json:"needMemory"`
	Reason     string `json:"reason"`
}

// llmDecision escalates to the agent's model. Any failure, timeout, or
// unparseable reply defaults to no prefetch.
func (g *Gate) llmDecision(ctx context.Context, agentID, message string) Decision {
	raw, err := g.llm(ctx, agentID, fmt.Sprintf(llmGatePrompt, message))
	if err != nil {
		slog.Warn("memory: llm gate failed, skipping prefetch", "agent", agentID, "error", err)
		return Decision{Prefetch: false, Reason: "llm_gate_failed"}
	}
	v, err := parseVerdict(raw)
	if err != nil {
		slog.Warn("memory: llm gate reply unparseable", "agent", agentID, "error", err)
		return Decision{Prefetch: false, Reason: "llm_gate_unparseable"}
	}
	reason := "llm_gate"
	if v.Reason != "" {
		reason = "llm_gate: " + v.Reason
	}
	return Decision{Prefetch: v.NeedMemory, Reason: reason}
}

// parseVerdict tolerates prose around the JSON object by extracting the
// outermost braces.
func parseVerdict(raw string) (llmVerdict, error) {
	var v llmVerdict
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return v, fmt.Errorf("no JSON object in gate reply")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return v, fmt.Errorf("decode gate reply: %w", err)
	}
	return v, nil
}
