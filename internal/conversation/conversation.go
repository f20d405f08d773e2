// Package conversation tracks in-flight team conversations: pending-branch
// counters, accumulated responses, message budgets, and the control tags
// agents use to hand work to each other.
package conversation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jlia0/tinyclaw/internal/config"
)

// State of a conversation.
type State int

const (
	StateRunning State = iota
	StateComplete
	StateAbortedBudget
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateAbortedBudget:
		return "aborted_budget"
	default:
		return "unknown"
	}
}

// Response is one agent's contribution, ordered by completion time.
type Response struct {
	AgentID string
	Text    string
}

// Conversation is one in-flight team task. Counters and the responses list
// are guarded by a single coarse critical section; pendingBranches reaching
// zero is the sole observable termination condition.
type Conversation struct {
	ID                   string
	TeamID               string
	Team                 config.TeamConfig
	Channel              string
	Sender               string
	SenderID             string
	OriginalMessage      string
	OriginatingMessageID string
	Started              time.Time

	mu              sync.Mutex
	state           State
	pendingBranches int
	totalMessages   int
	messageBudget   int
	responses       []Response
	fileRefs        map[string]struct{}
}

// AggregateSeparator joins team responses in the final outbound text.
const AggregateSeparator = "\n\n------\n\n"

// RecordResponse appends one completed invocation: the message counter
// advances, the response joins the completion-ordered list, and any
// [send_file:] paths are remembered for the outbound record.
func (c *Conversation) RecordResponse(agentID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalMessages++
	c.responses = append(c.responses, Response{AgentID: agentID, Text: text})
	for _, p := range ExtractSendFiles(text) {
		c.fileRefs[p] = struct{}{}
	}
	if c.totalMessages >= c.messageBudget && c.state == StateRunning {
		c.state = StateAbortedBudget
		slog.Warn("conversation: message budget exhausted, dropping further mentions",
			"conversation", c.ID, "team", c.TeamID, "budget", c.messageBudget)
	}
}

// BudgetExhausted reports whether further mentions must be dropped.
func (c *Conversation) BudgetExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalMessages >= c.messageBudget
}

// AddBranches registers n newly fanned-out branches.
func (c *Conversation) AddBranches(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingBranches += n
}

// FinishBranch decrements the pending counter and reports whether the
// conversation just completed. Completion fires exactly once.
func (c *Conversation) FinishBranch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingBranches <= 0 {
		return false
	}
	c.pendingBranches--
	if c.pendingBranches > 0 {
		return false
	}
	if c.state == StateRunning {
		c.state = StateComplete
	}
	return true
}

// Rewind drops the most recent response and restores one pending branch so a
// failed aggregate emission can be replayed by re-processing the final
// message.
func (c *Conversation) Rewind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.responses); n > 0 {
		c.responses = c.responses[:n-1]
	}
	if c.totalMessages > 0 {
		c.totalMessages--
	}
	c.pendingBranches++
	if c.state == StateComplete {
		c.state = StateRunning
	}
}

// PendingBranches returns the current branch count.
func (c *Conversation) PendingBranches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingBranches
}

// TotalMessages returns the number of completed invocations.
func (c *Conversation) TotalMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalMessages
}

// State returns the current state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Aggregate joins responses in completion order, each block prefixed with
// its speaker unless there is exactly one response. Tags are stripped.
func (c *Conversation) Aggregate() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.responses) == 1 {
		return StripTags(c.responses[0].Text)
	}
	parts := make([]string, 0, len(c.responses))
	for _, r := range c.responses {
		text := StripTags(r.Text)
		if text == "" {
			continue
		}
		parts = append(parts, "@"+r.AgentID+": "+text)
	}
	return strings.Join(parts, AggregateSeparator)
}

// FileRefs returns the collected [send_file:] paths in sorted order.
func (c *Conversation) FileRefs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := make([]string, 0, len(c.fileRefs))
	for p := range c.fileRefs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// WriteTranscript persists the chat log to the per-team directory using an
// ISO-UTC filename. Best effort; failures are logged only.
func (c *Conversation) WriteTranscript(workspace string) {
	c.mu.Lock()
	responses := make([]Response, len(c.responses))
	copy(responses, c.responses)
	c.mu.Unlock()

	dir := filepath.Join(workspace, "teams", c.TeamID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("conversation: transcript dir", "error", err)
		return
	}
	name := fmt.Sprintf("chat_%s.log", time.Now().UTC().Format("2006-01-02T15-04-05Z"))

	var b strings.Builder
	fmt.Fprintf(&b, "conversation %s (team %s, channel %s, sender %s)\n", c.ID, c.TeamID, c.Channel, c.Sender)
	fmt.Fprintf(&b, "original: %s\n\n", c.OriginalMessage)
	for _, r := range responses {
		fmt.Fprintf(&b, "@%s:\n%s\n\n", r.AgentID, r.Text)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
		slog.Warn("conversation: transcript write", "error", err)
	}
}

// Registry owns every in-flight Conversation. A conversation exists in
// exactly one pending set; it is removed on completion.
type Registry struct {
	mu     sync.Mutex
	byID   map[string]*Conversation
	budget int
}

// NewRegistry creates a Registry whose conversations default to budget
// messages each.
func NewRegistry(budget int) *Registry {
	if budget <= 0 {
		budget = 50
	}
	return &Registry{byID: make(map[string]*Conversation), budget: budget}
}

// Begin registers a new conversation with one pending branch.
func (r *Registry) Begin(id, teamID string, team config.TeamConfig, channel, sender, senderID, original, messageID string) *Conversation {
	c := &Conversation{
		ID:                   id,
		TeamID:               teamID,
		Team:                 team,
		Channel:              channel,
		Sender:               sender,
		SenderID:             senderID,
		OriginalMessage:      original,
		OriginatingMessageID: messageID,
		Started:              time.Now(),
		state:                StateRunning,
		pendingBranches:      1,
		messageBudget:        r.budget,
		fileRefs:             make(map[string]struct{}),
	}
	r.mu.Lock()
	r.byID[id] = c
	r.mu.Unlock()
	return c
}

// Get looks up an in-flight conversation.
func (r *Registry) Get(id string) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	return c, ok
}

// Remove drops a completed conversation.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

// Len returns the number of in-flight conversations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
