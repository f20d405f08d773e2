package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pipeline runs hooks in declared order, one plugin at a time, so
// transformations compose deterministically.
type Pipeline struct {
	plugins     []Plugin
	hookTimeout time.Duration
}

// NewPipeline builds a pipeline over the given plugins. hookTimeout bounds
// each individual hook call; zero selects DefaultHookTimeout.
func NewPipeline(hookTimeout time.Duration, plugins ...Plugin) *Pipeline {
	if hookTimeout <= 0 {
		hookTimeout = DefaultHookTimeout
	}
	return &Pipeline{plugins: plugins, hookTimeout: hookTimeout}
}

// Plugins returns the declared order.
func (p *Pipeline) Plugins() []Plugin { return p.plugins }

// call runs fn with the per-hook timeout. A timeout is treated like a thrown
// error: reported to the caller, who logs and skips.
func (p *Pipeline) call(ctx context.Context, fn func(ctx context.Context) error) error {
	hctx, cancel := context.WithTimeout(ctx, p.hookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(hctx) }()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return fmt.Errorf("hook timed out after %s", p.hookTimeout)
	}
}

// OnStartup runs every plugin's startup hook.
func (p *Pipeline) OnStartup(ctx context.Context) {
	for _, pl := range p.plugins {
		pl := pl
		if err := p.call(ctx, func(c context.Context) error { return pl.OnStartup(c) }); err != nil {
			slog.Warn("plugins: onStartup failed", "plugin", pl.Name(), "error", err)
		}
	}
}

// OnHealth runs every health hook and returns plugin→error for failures.
func (p *Pipeline) OnHealth(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, pl := range p.plugins {
		pl := pl
		if err := p.call(ctx, func(c context.Context) error { return pl.OnHealth(c) }); err != nil {
			failures[pl.Name()] = err
		}
	}
	return failures
}

// BeforeModel threads the message through every plugin in order. Each plugin
// may replace the message and stash opaque state; states are keyed by plugin
// name and echoed back to AfterModel. Failed hooks keep the previous message.
func (p *Pipeline) BeforeModel(ctx context.Context, inv *Invocation) (string, map[string]any) {
	states := make(map[string]any)
	for _, pl := range p.plugins {
		pl := pl
		var res *HookResult
		err := p.call(ctx, func(c context.Context) error {
			var herr error
			res, herr = pl.BeforeModel(c, inv)
			return herr
		})
		if err != nil {
			slog.Warn("plugins: beforeModel failed, skipping", "plugin", pl.Name(), "error", err)
			continue
		}
		if res == nil {
			continue
		}
		if res.Message != nil {
			inv.Message = *res.Message
		}
		if res.State != nil {
			states[pl.Name()] = res.State
		}
	}
	return inv.Message, states
}

// AfterModel is best-effort: each plugin gets its own state back and its own
// timeout; nothing here blocks response emission past that.
func (p *Pipeline) AfterModel(ctx context.Context, inv *Invocation, states map[string]any, response string) {
	for _, pl := range p.plugins {
		pl := pl
		state := states[pl.Name()]
		if err := p.call(ctx, func(c context.Context) error {
			return pl.AfterModel(c, inv, state, response)
		}); err != nil {
			slog.Warn("plugins: afterModel failed", "plugin", pl.Name(), "error", err)
		}
	}
}

// OnSessionReset notifies every plugin of a session reset for agentID.
func (p *Pipeline) OnSessionReset(ctx context.Context, agentID string) {
	for _, pl := range p.plugins {
		pl := pl
		if err := p.call(ctx, func(c context.Context) error { return pl.OnSessionReset(c, agentID) }); err != nil {
			slog.Warn("plugins: onSessionReset failed", "plugin", pl.Name(), "error", err)
		}
	}
}

// OnSessionEnd runs the end hooks, typically during shutdown draining.
func (p *Pipeline) OnSessionEnd(ctx context.Context, reason string) {
	for _, pl := range p.plugins {
		pl := pl
		if err := p.call(ctx, func(c context.Context) error { return pl.OnSessionEnd(c, reason) }); err != nil {
			slog.Warn("plugins: onSessionEnd failed", "plugin", pl.Name(), "error", err)
		}
	}
}

// TransformIncoming composes the channel-adapter transforms over an inbound
// message body. Failed hooks keep the previous text.
func (p *Pipeline) TransformIncoming(ctx context.Context, message string) string {
	for _, pl := range p.plugins {
		pl := pl
		cur := message
		err := p.call(ctx, func(c context.Context) error {
			out, herr := pl.TransformIncoming(c, cur)
			if herr == nil {
				cur = out
			}
			return herr
		})
		if err != nil {
			slog.Warn("plugins: transformIncoming failed", "plugin", pl.Name(), "error", err)
			continue
		}
		message = cur
	}
	return message
}

// TransformOutgoing composes the outbound transforms.
func (p *Pipeline) TransformOutgoing(ctx context.Context, message string) string {
	for _, pl := range p.plugins {
		pl := pl
		cur := message
		err := p.call(ctx, func(c context.Context) error {
			out, herr := pl.TransformOutgoing(c, cur)
			if herr == nil {
				cur = out
			}
			return herr
		})
		if err != nil {
			slog.Warn("plugins: transformOutgoing failed", "plugin", pl.Name(), "error", err)
			continue
		}
		message = cur
	}
	return message
}
