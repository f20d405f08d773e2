// Package dispatch drives the queue processor: it polls the incoming queue,
// admits and routes messages, and hands work to per-agent scheduler chains.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/internal/conversation"
	"github.com/jlia0/tinyclaw/internal/events"
	"github.com/jlia0/tinyclaw/internal/invoker"
	"github.com/jlia0/tinyclaw/internal/memory"
	"github.com/jlia0/tinyclaw/internal/plugins"
	"github.com/jlia0/tinyclaw/internal/queue"
	"github.com/jlia0/tinyclaw/internal/router"
	"github.com/jlia0/tinyclaw/internal/scheduler"
)

// Canned replies for locally handled failures.
const (
	deniedResponse       = "You are not authorized to use this bot."
	malformedResponse    = "Sorry, this message could not be processed."
	multiMentionResponse = "Multiple agent mentions in one message are not supported. Please mention a single agent."
)

// invokeTimeout bounds one model subprocess.
const invokeTimeout = 10 * time.Minute

// Options wires a Dispatcher.
type Options struct {
	// SettingsPath, when set, is re-read on every tick so config edits take
	// effect without a restart. Static is the startup snapshot and the
	// fallback when a re-read fails.
	SettingsPath string
	Static       *config.Settings

	Queue      *queue.FileQueue
	Pipeline   *plugins.Pipeline
	Invoker    invoker.Invoker
	Prefetcher *memory.Prefetcher // nil disables memory
	Bus        *events.Bus
}

// Dispatcher owns the tick loop and the worker logic.
type Dispatcher struct {
	settingsPath string
	static       *config.Settings
	last         *config.Settings

	q        *queue.FileQueue
	pipeline *plugins.Pipeline
	inv      invoker.Invoker
	pre      *memory.Prefetcher
	bus      *events.Bus

	convs *conversation.Registry
	sched *scheduler.Scheduler

	pollInterval time.Duration
	hookBudget   time.Duration
	drainTimeout time.Duration
}

// New builds a Dispatcher from opts. Tunables come from the static snapshot.
func New(opts Options) *Dispatcher {
	s := opts.Static
	return &Dispatcher{
		settingsPath: opts.SettingsPath,
		static:       s,
		last:         s,
		q:            opts.Queue,
		pipeline:     opts.Pipeline,
		inv:          opts.Invoker,
		pre:          opts.Prefetcher,
		bus:          opts.Bus,
		convs:        conversation.NewRegistry(s.Conversation.MessageBudget),
		pollInterval: msOrDefault(s.Queue.PollIntervalMs, time.Second),
		hookBudget:   msOrDefault(s.Plugins.HookBudgetMs, 8*time.Second),
		drainTimeout: msOrDefault(s.Plugins.DrainTimeoutMs, 30*time.Second),
	}
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Run recovers the queue, then loops until ctx is cancelled: one tick per poll
// interval, plus an immediate tick whenever the incoming directory changes.
// On cancellation it stops admission, drains in-flight chains, and runs the
// onSessionEnd hooks, all within the drain timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.q.Recover(); err != nil {
		slog.Warn("dispatch: queue recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("dispatch: recovered interrupted messages", "count", n)
	}

	d.sched = scheduler.New(ctx)
	d.pipeline.OnStartup(ctx)

	wake := d.watchIncoming(ctx)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	slog.Info("dispatch: running", "poll_interval", d.pollInterval)
	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-ticker.C:
		case <-wake:
		}
		d.tick(ctx)
	}
}

func (d *Dispatcher) shutdown() error {
	slog.Info("dispatch: shutting down", "drain_timeout", d.drainTimeout)
	dctx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	if err := d.sched.Shutdown(dctx); err != nil {
		slog.Warn("dispatch: drain incomplete, abandoning in-flight work", "error", err)
	}
	d.pipeline.OnSessionEnd(dctx, "shutdown")
	return nil
}

// watchIncoming wakes the loop when a file lands in incoming/. Polling still
// covers the case where the watcher cannot be established.
func (d *Dispatcher) watchIncoming(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("dispatch: fsnotify unavailable, relying on polling", "error", err)
		return wake
	}
	if err := w.Add(d.q.IncomingDir()); err != nil {
		slog.Warn("dispatch: cannot watch incoming dir", "error", err)
		w.Close()
		return wake
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("dispatch: watcher error", "error", err)
			}
		}
	}()
	return wake
}

// snapshot returns the settings for this tick: a fresh read when a path is
// configured, otherwise the static document. A failed re-read keeps the last
// good snapshot.
func (d *Dispatcher) snapshot() *config.Settings {
	if d.settingsPath == "" {
		return d.static
	}
	s, err := config.Load(d.settingsPath)
	if err != nil {
		slog.Warn("dispatch: settings re-read failed, keeping previous", "error", err)
		return d.last
	}
	d.last = s
	return s
}

// tick scans incoming in mtime order, admits and routes each new file, and
// submits worker tasks. Files already tracked by the scheduler are skipped;
// claiming happens inside the worker so an unclaimed file survives a crash.
func (d *Dispatcher) tick(ctx context.Context) {
	s := d.snapshot()

	names, err := d.q.Scan()
	if err != nil {
		slog.Warn("dispatch: scan failed", "error", err)
		return
	}
	for _, name := range names {
		if d.sched.Tracked(name) {
			continue
		}
		d.admit(ctx, s, name)
	}
}

// admit reads (without claiming) one incoming file, applies the sender
// allow-list, routes it, and submits the worker task.
func (d *Dispatcher) admit(ctx context.Context, s *config.Settings, name string) {
	msg, err := d.peek(name)
	if err != nil {
		slog.Warn("dispatch: malformed incoming file", "file", name, "error", err)
		d.consumeWithReply(name, nil, malformedResponse)
		return
	}

	if !msg.Internal() && s.Security.RequireSenderAllowlist {
		senderID := msg.SenderID
		if senderID == "" {
			senderID = msg.Sender
		}
		if !s.SenderAllowed(msg.Channel, senderID) {
			slog.Warn("dispatch: sender not in allowlist", "channel", msg.Channel, "sender", senderID)
			d.bus.Publish(events.TypeMessageDenied, map[string]any{
				"channel": msg.Channel, "sender": senderID, "messageId": msg.MessageID,
			})
			d.consumeWithReply(name, msg, deniedResponse)
			return
		}
	}

	var dec router.Decision
	if msg.Internal() {
		// Internal handoffs carry a resolved agent; the router is bypassed.
		dec = router.Decision{AgentID: msg.Agent, Body: msg.Message}
		if _, ok := s.Agent(msg.Agent); !ok {
			slog.Error("dispatch: internal message for unknown agent", "agent", msg.Agent, "file", name)
			d.consumeInternal(ctx, s, name, msg)
			return
		}
	} else {
		dec, err = router.Resolve(s, msg)
		switch {
		case err == router.ErrMultiAgentMention:
			d.consumeWithReply(name, msg, multiMentionResponse)
			return
		case err != nil:
			slog.Error("dispatch: routing failed", "file", name, "error", err)
			return
		}
	}

	d.bus.Publish(events.TypeMessageReceived, map[string]any{
		"channel": msg.Channel, "agent": dec.AgentID, "messageId": msg.MessageID, "internal": msg.Internal(),
	})
	d.sched.Submit(dec.AgentID, name, func(tctx context.Context) {
		d.process(tctx, s, name, dec)
	})
}

// peek parses an incoming file in place.
func (d *Dispatcher) peek(name string) (*queue.IncomingMessage, error) {
	data, err := os.ReadFile(filepath.Join(d.q.IncomingDir(), name))
	if err != nil {
		return nil, err
	}
	var msg queue.IncomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// consumeWithReply removes an inadmissible file and emits the canned reply as
// the only output. When the file never parsed, channel and message ID are
// recovered from the file name.
func (d *Dispatcher) consumeWithReply(name string, msg *queue.IncomingMessage, reply string) {
	rec := &queue.OutgoingResponse{Message: reply, Timestamp: time.Now().UnixMilli()}
	if msg != nil {
		rec.Channel = msg.Channel
		rec.Sender = msg.Sender
		rec.MessageID = msg.MessageID
		rec.OriginalMessage = msg.Message
	} else {
		rec.Channel, rec.MessageID = splitQueueName(name)
	}
	if _, err := d.q.CommitOut(rec); err != nil {
		slog.Warn("dispatch: canned reply write failed", "file", name, "error", err)
	}
	if err := os.Remove(filepath.Join(d.q.IncomingDir(), name)); err != nil {
		slog.Warn("dispatch: consuming incoming file failed", "file", name, "error", err)
	}
}

// consumeInternal drops an internal message that can no longer be delivered,
// finishing its conversation branch so quiescence is preserved. The file is
// already gone, so a failed aggregate write cannot be replayed; the
// conversation is dropped rather than leaked.
func (d *Dispatcher) consumeInternal(ctx context.Context, s *config.Settings, name string, msg *queue.IncomingMessage) {
	if err := os.Remove(filepath.Join(d.q.IncomingDir(), name)); err != nil {
		slog.Warn("dispatch: consuming internal file failed", "file", name, "error", err)
	}
	if conv, ok := d.convs.Get(msg.ConversationID); ok {
		if conv.FinishBranch() && !d.emitAggregate(ctx, s, conv) {
			slog.Error("dispatch: dropping conversation without a response", "conversation", conv.ID)
			d.convs.Remove(conv.ID)
		}
	}
}

// splitQueueName recovers (channel, messageId) from a
// "<channel>_<messageId>[_suffix].json" file name.
func splitQueueName(name string) (string, string) {
	base := strings.TrimSuffix(name, ".json")
	channel, rest, ok := strings.Cut(base, "_")
	if !ok {
		return base, ""
	}
	return channel, rest
}
