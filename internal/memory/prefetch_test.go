package memory

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestPrefetcher(t *testing.T, mode string, maxChars int) *Prefetcher {
	t.Helper()
	s := openTestStore(t)
	g, err := NewGate(gateSettings(mode), nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewPrefetcher(s, g, maxChars, 500*time.Millisecond)
}

func TestPrefetch_BudgetInsufficient(t *testing.T) {
	p := newTestPrefetcher(t, GateAlways, 1200)
	msg, reason := p.Prefetch(context.Background(), Request{Message: "remember the plan"}, 300*time.Millisecond)
	if msg != "remember the plan" || reason != ReasonBudgetInsufficient {
		t.Errorf("got (%q, %q), want unchanged message with %s", msg, reason, ReasonBudgetInsufficient)
	}
}

func TestPrefetch_InternalSkipped(t *testing.T) {
	p := newTestPrefetcher(t, GateAlways, 1200)
	msg, reason := p.Prefetch(context.Background(), Request{Message: "handoff body", Internal: true}, time.Second)
	if msg != "handoff body" || reason != "internal_message" {
		t.Errorf("got (%q, %q)", msg, reason)
	}
}

func TestPrefetch_GateSkip(t *testing.T) {
	p := newTestPrefetcher(t, GateNever, 1200)
	msg, reason := p.Prefetch(context.Background(), Request{Message: "remember"}, time.Second)
	if msg != "remember" || reason != "gate_never" {
		t.Errorf("got (%q, %q)", msg, reason)
	}
}

func TestPrefetch_AugmentsAndFrames(t *testing.T) {
	p := newTestPrefetcher(t, GateAlways, 1200)
	ctx := context.Background()
	req := Request{Channel: "telegram", SenderID: "u1", AgentID: "a"}

	p.store.Append(ctx, Turn{
		Role: "assistant", Text: "the staging database runs on port 5433",
		Channel: "telegram", SenderID: "u1", AgentID: "a", Timestamp: 1,
	})

	req.Message = "which port does the staging database use?"
	msg, reason := p.Prefetch(ctx, req, 5*time.Second)
	if reason != "" {
		t.Fatalf("prefetch skipped: %s", reason)
	}
	if !strings.HasPrefix(msg, req.Message) {
		t.Errorf("original message not preserved: %q", msg)
	}
	if !strings.Contains(msg, ContextOpen) || !strings.Contains(msg, ContextClose) {
		t.Errorf("context block not framed: %q", msg)
	}
	if !strings.Contains(msg, "port 5433") {
		t.Errorf("snippet missing: %q", msg)
	}
}

func TestPrefetch_EmptyRetrievalLeavesMessage(t *testing.T) {
	p := newTestPrefetcher(t, GateAlways, 1200)
	msg, reason := p.Prefetch(context.Background(), Request{Message: "anything at all here"}, 5*time.Second)
	if msg != "anything at all here" || reason != "no_results" {
		t.Errorf("got (%q, %q)", msg, reason)
	}
}

func TestPrefetch_GlobalRetryOnEmptyScope(t *testing.T) {
	p := newTestPrefetcher(t, GateAlways, 1200)
	ctx := context.Background()

	// Turn persisted under a different session than the request's scope.
	p.store.Append(ctx, Turn{
		Role: "user", Text: "release checklist includes migration dry-run",
		Channel: "discord", SenderID: "other", AgentID: "b", Timestamp: 1,
	})

	req := Request{Channel: "telegram", SenderID: "u1", AgentID: "a", Message: "what was on the release checklist?"}
	msg, reason := p.Prefetch(ctx, req, 5*time.Second)
	if reason != "" {
		t.Fatalf("prefetch skipped: %s", reason)
	}
	if !strings.Contains(msg, "migration dry-run") {
		t.Errorf("global retry did not surface cross-session turn: %q", msg)
	}
}

func TestPrefetch_BlockBounded(t *testing.T) {
	p := newTestPrefetcher(t, GateAlways, 80)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		p.store.Append(ctx, Turn{
			Role: "user", Text: "deployment notes batch alpha bravo charlie delta echo foxtrot",
			Channel: "c", SenderID: "u", AgentID: "a", Timestamp: int64(i),
		})
	}

	msg, _ := p.Prefetch(ctx, Request{Channel: "c", SenderID: "u", AgentID: "a", Message: "deployment notes"}, 5*time.Second)
	open := strings.Index(msg, ContextOpen)
	closing := strings.Index(msg, ContextClose)
	if open < 0 || closing < 0 {
		t.Fatalf("block not framed: %q", msg)
	}
	block := msg[open+len(ContextOpen) : closing]
	if len(strings.TrimSpace(block)) > 80 {
		t.Errorf("block exceeds bound: %d chars", len(block))
	}
}

func TestStripInjectedContext(t *testing.T) {
	original := "which port does staging use?"
	augmented := original + "\n\n" + ContextOpen + "\n- staging runs on 5433\n" + ContextClose
	if got := StripInjectedContext(augmented); got != original {
		t.Errorf("StripInjectedContext = %q, want %q", got, original)
	}
	if got := StripInjectedContext(original); got != original {
		t.Errorf("plain text mangled: %q", got)
	}
}

func TestPersist_StripsInjectedContext(t *testing.T) {
	p := newTestPrefetcher(t, GateAlways, 1200)
	ctx := context.Background()

	req := Request{
		Channel: "c", SenderID: "u", AgentID: "a",
		Message: "original question\n\n" + ContextOpen + "\n- leaked snippet\n" + ContextClose,
	}
	p.Persist(ctx, req, "the answer")

	results, err := p.store.Search(ctx, "leaked snippet", Scope{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		p.store.Hydrate(&r)
		if strings.Contains(r.Snippet, ContextOpen) {
			t.Errorf("injected context persisted: %q", r.Snippet)
		}
	}

	results, err = p.store.Search(ctx, "original question", Scope{}, 10)
	if err != nil || len(results) == 0 {
		t.Fatalf("user turn not persisted: %v %v", results, err)
	}
}

func TestRerank(t *testing.T) {
	results := []Result{
		{Score: 0.4, Snippet: "maybe it was possibly broken", Turn: Turn{Timestamp: 1}},
		{Score: 0.4, Snippet: "yes, confirmed the fix works", Turn: Turn{Timestamp: 2}},
		{Score: 0.4, Snippet: "use `docker compose up` to start", Turn: Turn{Timestamp: 3}},
		{Score: 0.3, Snippet: "", Turn: Turn{Timestamp: 4}},
		{Score: 0.1, Snippet: "barely relevant", Turn: Turn{Timestamp: 5}},
	}
	got := Rerank(results)

	if len(got) != 3 {
		t.Fatalf("kept %d results, want 3 (empty and low-confidence dropped)", len(got))
	}
	if !strings.Contains(got[0].Snippet, "docker compose") {
		t.Errorf("code snippet should rank first: %+v", got[0])
	}
	for _, r := range got {
		if strings.Contains(r.Snippet, "possibly") && r.Score >= 0.4 {
			t.Errorf("hedge penalty not applied: %+v", r)
		}
	}
}
