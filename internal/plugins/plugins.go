// Package plugins runs an ordered chain of hooks around each model
// invocation. Hooks execute sequentially with per-hook timeouts; a hook that
// errors or times out is logged and skipped, never poisoning the pipeline.
package plugins

import (
	"context"
	"time"
)

// Invocation is the hook view of one model call.
type Invocation struct {
	Channel   string
	Sender    string
	SenderID  string
	AgentID   string
	MessageID string
	// Message is the current prompt text. BeforeModel hooks may replace it;
	// later hooks see the latest version.
	Message string
	// Internal marks a team handoff rather than an external utterance.
	Internal bool
	// Reset requests a fresh provider session.
	Reset bool
}

// HookResult is the tagged result of a BeforeModel hook: an optional
// replacement message and optional opaque state echoed back to AfterModel.
// A nil result means "no change, no state".
type HookResult struct {
	Message *string
	State   any
}

// Plugin is one hook provider. Implementations embed Base and override only
// the hooks they care about.
type Plugin interface {
	Name() string
	OnStartup(ctx context.Context) error
	OnHealth(ctx context.Context) error
	BeforeModel(ctx context.Context, inv *Invocation) (*HookResult, error)
	AfterModel(ctx context.Context, inv *Invocation, state any, response string) error
	OnSessionReset(ctx context.Context, agentID string) error
	OnSessionEnd(ctx context.Context, reason string) error
	TransformIncoming(ctx context.Context, message string) (string, error)
	TransformOutgoing(ctx context.Context, message string) (string, error)
}

// Base is a no-op Plugin for embedding.
type Base struct{}

func (Base) OnStartup(context.Context) error { return nil }
func (Base) OnHealth(context.Context) error  { return nil }
func (Base) BeforeModel(context.Context, *Invocation) (*HookResult, error) {
	return nil, nil
}
func (Base) AfterModel(context.Context, *Invocation, any, string) error { return nil }
func (Base) OnSessionReset(context.Context, string) error               { return nil }
func (Base) OnSessionEnd(context.Context, string) error                 { return nil }
func (Base) TransformIncoming(_ context.Context, m string) (string, error) {
	return m, nil
}
func (Base) TransformOutgoing(_ context.Context, m string) (string, error) {
	return m, nil
}

// DefaultHookTimeout bounds a single hook call when no explicit timeout is
// configured.
const DefaultHookTimeout = 2 * time.Second

var builtins []Plugin

// Register adds a plugin to the set the daemon loads at startup. Plugin
// packages call this from init.
func Register(p Plugin) { builtins = append(builtins, p) }

// Builtins returns the registered plugin set in registration order.
func Builtins() []Plugin { return builtins }
