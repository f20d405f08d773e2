package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jlia0/tinyclaw/internal/assemble"
	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/internal/conversation"
	"github.com/jlia0/tinyclaw/internal/events"
	"github.com/jlia0/tinyclaw/internal/invoker"
	"github.com/jlia0/tinyclaw/internal/memory"
	"github.com/jlia0/tinyclaw/internal/plugins"
	"github.com/jlia0/tinyclaw/internal/queue"
	"github.com/jlia0/tinyclaw/internal/router"
)

var tracer = otel.Tracer("github.com/jlia0/tinyclaw/internal/dispatch")

// process is the scheduler task for one message: claim, hooks, prefetch,
// invoke, conversation step, emit. It never returns an error; every path
// either emits a response or releases the file for retry.
func (d *Dispatcher) process(ctx context.Context, s *config.Settings, name string, dec router.Decision) {
	msg, err := d.q.Claim(name)
	switch {
	case errors.Is(err, queue.ErrAlreadyClaimed):
		return
	case errors.Is(err, queue.ErrMalformed):
		// The file moved to processing/ but never parsed.
		channel, messageID := splitQueueName(name)
		d.q.CommitOut(&queue.OutgoingResponse{
			Channel: channel, MessageID: messageID,
			Message: malformedResponse, Timestamp: time.Now().UnixMilli(),
		})
		d.q.Remove(name)
		return
	case err != nil:
		slog.Warn("dispatch: claim failed", "file", name, "error", err)
		return
	}

	ctx, span := tracer.Start(ctx, "message.process", trace.WithAttributes(
		attribute.String("agent", dec.AgentID),
		attribute.String("channel", msg.Channel),
		attribute.String("message.id", msg.MessageID),
		attribute.Bool("internal", msg.Internal()),
	))
	defer span.End()

	agent, _ := s.Agent(dec.AgentID)

	body := d.pipeline.TransformIncoming(ctx, attachFiles(dec.Body, msg.Files))

	inv := &plugins.Invocation{
		Channel:   msg.Channel,
		Sender:    msg.Sender,
		SenderID:  msg.SenderID,
		AgentID:   dec.AgentID,
		MessageID: msg.MessageID,
		Message:   body,
		Internal:  msg.Internal(),
	}

	hookStart := time.Now()
	hookCtx, cancelHooks := context.WithTimeout(ctx, d.hookBudget)
	final, states := d.pipeline.BeforeModel(hookCtx, inv)

	if d.pre != nil {
		remaining := d.hookBudget - time.Since(hookStart)
		final, _ = d.pre.Prefetch(hookCtx, memory.Request{
			Channel:  msg.Channel,
			SenderID: msg.SenderID,
			AgentID:  dec.AgentID,
			Message:  final,
			Internal: msg.Internal(),
		}, remaining)
	}
	cancelHooks()

	conv := d.conversationFor(s, msg, dec)

	reset := d.q.TakeReset(dec.AgentID)
	if reset {
		slog.Info("dispatch: resetting agent session", "agent", dec.AgentID)
		d.pipeline.OnSessionReset(ctx, dec.AgentID)
	}

	responseText := d.invoke(ctx, s, dec.AgentID, agent, final, reset)

	d.pipeline.AfterModel(ctx, inv, states, responseText)

	if d.pre != nil && !msg.Internal() {
		d.pre.Persist(ctx, memory.Request{
			Channel: msg.Channel, SenderID: msg.SenderID, AgentID: dec.AgentID, Message: final,
		}, responseText)
	}

	d.bus.Publish(events.TypeAgentResponded, map[string]any{
		"agent": dec.AgentID, "messageId": msg.MessageID, "conversation": msg.ConversationID,
	})

	if conv == nil {
		d.finalizeSingle(ctx, s, name, msg, dec.AgentID, responseText)
		return
	}
	if !d.conversationStep(ctx, s, conv, dec.AgentID, responseText) {
		// The aggregate could not be written. The step was rewound; releasing
		// the file replays it. An external origin begins a fresh conversation
		// on retry, so the rewound one is dropped.
		if !msg.Internal() {
			d.convs.Remove(conv.ID)
		}
		d.q.Release(name)
		return
	}
	d.q.Remove(name)
}

// invoke runs the model subprocess. Any failure collapses to the canned
// apology; the branch still completes.
func (d *Dispatcher) invoke(ctx context.Context, s *config.Settings, agentID string, agent config.AgentConfig, prompt string, reset bool) string {
	workingDir, err := s.AgentWorkingDirectory(agentID)
	if err != nil {
		slog.Error("dispatch: agent working directory", "agent", agentID, "error", err)
		return invoker.ErrorResponse
	}
	if sys := systemPrompt(agent); sys != "" {
		prompt = sys + "\n\n" + prompt
	}

	d.bus.Publish(events.TypeAgentInvoked, map[string]any{"agent": agentID})

	ictx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()
	res, err := d.inv.Invoke(ictx, invoker.Request{
		AgentID:    agentID,
		Agent:      agent,
		Prompt:     prompt,
		WorkingDir: workingDir,
		Reset:      reset,
	})
	if err != nil {
		slog.Error("dispatch: invocation failed", "agent", agentID, "error", err)
		d.bus.Publish(events.TypeAgentFailed, map[string]any{"agent": agentID, "error": err.Error()})
		return invoker.ErrorResponse
	}
	return res.Text
}

// conversationFor returns the conversation this message belongs to, creating
// one when an external message lands on a team (or a team member). Agents
// outside any team process standalone.
func (d *Dispatcher) conversationFor(s *config.Settings, msg *queue.IncomingMessage, dec router.Decision) *conversation.Conversation {
	if msg.Internal() {
		conv, ok := d.convs.Get(msg.ConversationID)
		if !ok {
			slog.Warn("dispatch: internal message for unknown conversation", "conversation", msg.ConversationID)
			return nil
		}
		return conv
	}

	teamID := dec.TeamID
	var team config.TeamConfig
	var ok bool
	if teamID != "" {
		team, ok = s.Team(teamID)
	} else {
		teamID, team, ok = s.TeamOf(dec.AgentID)
	}
	if !ok {
		return nil
	}
	return d.convs.Begin(uuid.NewString(), teamID, team, msg.Channel, msg.Sender, msg.SenderID, msg.Message, msg.MessageID)
}

// conversationStep records the response, fans out validated mentions as
// internal messages, and emits the aggregate at quiescence. It reports false
// when the aggregate could not be written; the step is rewound so the caller
// can release the message for retry.
func (d *Dispatcher) conversationStep(ctx context.Context, s *config.Settings, conv *conversation.Conversation, agentID, responseText string) bool {
	conv.RecordResponse(agentID, responseText)

	if !conv.BudgetExhausted() {
		edges := conversation.ValidateEdges(agentID, conv.Team, conversation.ParseMentions(responseText))
		if len(edges) > 0 {
			conv.AddBranches(len(edges))
			for _, edge := range edges {
				siblings := len(edges) - 1
				handoff := &queue.IncomingMessage{
					Channel:        conv.Channel,
					Sender:         conv.Sender,
					SenderID:       conv.SenderID,
					Message:        conversation.SynthesizeHandoffBody(edge.Speaker, edge.Body, siblings),
					Timestamp:      time.Now().UnixMilli(),
					MessageID:      uuid.NewString(),
					Agent:          edge.Target,
					ConversationID: conv.ID,
					FromAgent:      edge.Speaker,
				}
				if err := d.q.Enqueue(handoff, ""); err != nil {
					slog.Error("dispatch: enqueue handoff failed", "target", edge.Target, "error", err)
					conv.FinishBranch()
				}
			}
		}
	}

	if conv.FinishBranch() {
		if !d.emitAggregate(ctx, s, conv) {
			conv.Rewind()
			return false
		}
	}
	return true
}

// emitAggregate writes the transcript, applies the outbound transforms, and
// commits the single aggregate response for a completed conversation. On
// success the conversation leaves the registry; on a commit failure it stays
// so the caller can decide between retry and drop.
func (d *Dispatcher) emitAggregate(ctx context.Context, s *config.Settings, conv *conversation.Conversation) bool {
	conv.WriteTranscript(s.WorkspacePath())

	text := d.pipeline.TransformOutgoing(ctx, conv.Aggregate())
	asm := assemble.New(d.q, s.Security.AllowOutboundFilePathsOutsideFilesDir, 0)
	name, err := asm.Finalize(text, conv.FileRefs(), assemble.Meta{
		Channel:         conv.Channel,
		Sender:          conv.Sender,
		AgentID:         conv.Team.LeaderAgent,
		MessageID:       conv.OriginatingMessageID,
		OriginalMessage: conv.OriginalMessage,
	})
	if err != nil {
		slog.Error("dispatch: aggregate emit failed", "conversation", conv.ID, "error", err)
		return false
	}
	d.bus.Publish(events.TypeResponseEmitted, map[string]any{"file": name, "conversation": conv.ID})
	d.bus.Publish(events.TypeConversationDone, map[string]any{
		"conversation": conv.ID, "state": conv.State().String(), "messages": conv.TotalMessages(),
	})
	d.convs.Remove(conv.ID)
	return true
}

// finalizeSingle commits a standalone agent response. A commit failure
// releases the file so the message retries.
func (d *Dispatcher) finalizeSingle(ctx context.Context, s *config.Settings, name string, msg *queue.IncomingMessage, agentID, responseText string) {
	text := d.pipeline.TransformOutgoing(ctx, responseText)
	asm := assemble.New(d.q, s.Security.AllowOutboundFilePathsOutsideFilesDir, 0)
	out, err := asm.Finalize(text, nil, assemble.Meta{
		Channel:         msg.Channel,
		Sender:          msg.Sender,
		AgentID:         agentID,
		MessageID:       msg.MessageID,
		OriginalMessage: msg.Message,
	})
	if err != nil {
		slog.Error("dispatch: response emit failed, releasing message", "file", name, "error", err)
		d.q.Release(name)
		return
	}
	d.bus.Publish(events.TypeResponseEmitted, map[string]any{"file": out, "agent": agentID})
	d.q.Remove(name)
}

// systemPrompt resolves the agent's prompt override, preferring the inline
// prompt over a prompt file.
func systemPrompt(agent config.AgentConfig) string {
	if agent.SystemPrompt != "" {
		return agent.SystemPrompt
	}
	if agent.PromptFile == "" {
		return ""
	}
	data, err := os.ReadFile(config.ExpandHome(agent.PromptFile))
	if err != nil {
		slog.Warn("dispatch: prompt file unreadable", "path", agent.PromptFile, "error", err)
		return ""
	}
	return string(data)
}

// attachFiles appends inbound attachment paths to the prompt body.
func attachFiles(body string, files []string) string {
	if len(files) == 0 {
		return body
	}
	out := body + "\n\nAttached files:"
	for _, f := range files {
		out += "\n- " + f
	}
	return out
}
