package memory

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Context block framing injected around retrieved snippets.
const (
	ContextOpen  = "[OpenViking Retrieved Context]"
	ContextClose = "[End OpenViking Context]"
)

// ReasonBudgetInsufficient is reported when too little of the hook budget
// remains to attempt retrieval.
const ReasonBudgetInsufficient = "hook_budget_insufficient"

// searchMargin is reserved out of the remaining budget so retrieval never
// consumes the whole window the invocation still needs.
const searchMargin = 200 * time.Millisecond

const maxSearchResults = 10

// Request identifies the message a prefetch would enrich.
type Request struct {
	Channel  string
	SenderID string
	AgentID  string
	Message  string
	Internal bool
}

// Prefetcher gates and runs retrieval, producing an augmented message bounded
// by maxChars. Every failure path returns the message unchanged; prefetch
// never fails an invocation.
type Prefetcher struct {
	store     *Store
	gate      *Gate
	maxChars  int
	minBudget time.Duration
}

// NewPrefetcher wires a gate to a store. maxChars bounds the injected block;
// minBudget is the floor below which prefetch is skipped outright.
func NewPrefetcher(store *Store, gate *Gate, maxChars int, minBudget time.Duration) *Prefetcher {
	return &Prefetcher{store: store, gate: gate, maxChars: maxChars, minBudget: minBudget}
}

// Prefetch returns the possibly-augmented message and, when unchanged, the
// reason retrieval was skipped. remaining is what is left of the hook budget.
func (p *Prefetcher) Prefetch(ctx context.Context, req Request, remaining time.Duration) (string, string) {
	if req.Internal {
		return req.Message, "internal_message"
	}
	if remaining < p.minBudget {
		slog.Debug("memory: prefetch skipped", "reason", ReasonBudgetInsufficient, "remaining", remaining)
		return req.Message, ReasonBudgetInsufficient
	}

	dctx, cancel := context.WithTimeout(ctx, remaining-searchMargin)
	defer cancel()

	if d := p.gate.Evaluate(dctx, req.AgentID, req.Message); !d.Prefetch {
		slog.Debug("memory: prefetch skipped", "reason", d.Reason, "agent", req.AgentID)
		return req.Message, d.Reason
	}

	results, err := p.retrieve(dctx, req)
	if err != nil {
		slog.Warn("memory: retrieval failed, proceeding without context", "agent", req.AgentID, "error", err)
		return req.Message, "retrieval_failed"
	}
	block := p.buildBlock(results)
	if block == "" {
		return req.Message, "no_results"
	}
	return req.Message + "\n\n" + ContextOpen + "\n" + block + "\n" + ContextClose, ""
}

// retrieve searches scoped to the session, retrying once globally on empty,
// then hydrates and reranks.
func (p *Prefetcher) retrieve(ctx context.Context, req Request) ([]Result, error) {
	scope := Scope{Channel: req.Channel, SenderID: req.SenderID, AgentID: req.AgentID}
	results, err := p.store.Search(ctx, req.Message, scope, maxSearchResults)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 && !scope.Global() {
		results, err = p.store.Search(ctx, req.Message, Scope{}, maxSearchResults)
		if err != nil {
			return nil, err
		}
	}
	for i := range results {
		if err := p.store.Hydrate(&results[i]); err != nil {
			slog.Debug("memory: snippet hydration failed", "error", err)
		}
	}
	return Rerank(results), nil
}

// buildBlock joins snippets newest-ranked first, stopping before maxChars.
func (p *Prefetcher) buildBlock(results []Result) string {
	var b strings.Builder
	for _, r := range results {
		line := "- " + strings.ReplaceAll(strings.TrimSpace(r.Snippet), "\n", " ")
		if b.Len() > 0 {
			if b.Len()+1+len(line) > p.maxChars {
				break
			}
			b.WriteByte('\n')
		} else if len(line) > p.maxChars {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

// Persist records the user turn and the agent's reply. Injected context is
// stripped first so retrieval never feeds on its own output.
func (p *Prefetcher) Persist(ctx context.Context, req Request, response string) {
	now := time.Now().UnixMilli()
	turns := []Turn{
		{Role: "user", Text: StripInjectedContext(req.Message), Channel: req.Channel, SenderID: req.SenderID, AgentID: req.AgentID, Timestamp: now},
		{Role: "assistant", Text: response, Channel: req.Channel, SenderID: req.SenderID, AgentID: req.AgentID, Timestamp: now},
	}
	for _, t := range turns {
		if t.Text == "" {
			continue
		}
		if err := p.store.Append(ctx, t); err != nil {
			slog.Warn("memory: persist turn failed", "role", t.Role, "error", err)
		}
	}
}

var injectedContextRe = regexp.MustCompile(`(?s)\n*` + regexp.QuoteMeta(ContextOpen) + `.*?` + regexp.QuoteMeta(ContextClose) + `\n*`)

// StripInjectedContext removes any framed context block from text.
func StripInjectedContext(text string) string {
	return strings.TrimSpace(injectedContextRe.ReplaceAllString(text, "\n"))
}
