package conversation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jlia0/tinyclaw/internal/config"
)

var testTeam = config.TeamConfig{
	Name:        "Builders",
	Agents:      []string{"a", "b", "c"},
	LeaderAgent: "a",
}

func begin(r *Registry, id string) *Conversation {
	return r.Begin(id, "builders", testTeam, "cli", "alice", "u1", "@builders go", "m1")
}

func TestLifecycle_SingleBranch(t *testing.T) {
	r := NewRegistry(50)
	c := begin(r, "conv1")

	if c.State() != StateRunning || c.PendingBranches() != 1 {
		t.Fatalf("fresh conversation: state=%v pending=%d", c.State(), c.PendingBranches())
	}

	c.RecordResponse("a", "all done")
	if done := c.FinishBranch(); !done {
		t.Fatal("single branch drain should complete the conversation")
	}
	if c.State() != StateComplete {
		t.Errorf("state = %v, want complete", c.State())
	}
	if got := c.Aggregate(); got != "all done" {
		t.Errorf("single response aggregate should be unprefixed, got %q", got)
	}
}

func TestFanOutAndQuiescence(t *testing.T) {
	r := NewRegistry(50)
	c := begin(r, "conv1")

	// Leader responds mentioning b and c.
	c.RecordResponse("a", "splitting [@b: one] [@c: two]")
	c.AddBranches(2)
	if done := c.FinishBranch(); done {
		t.Fatal("completion fired with branches still pending")
	}
	if c.PendingBranches() != 2 {
		t.Errorf("pending = %d, want 2", c.PendingBranches())
	}

	c.RecordResponse("b", "one done")
	if done := c.FinishBranch(); done {
		t.Fatal("completion fired early")
	}

	c.RecordResponse("c", "two done")
	if done := c.FinishBranch(); !done {
		t.Fatal("last branch drain should complete")
	}

	agg := c.Aggregate()
	for _, want := range []string{"@a:", "@b: one done", "@c: two done"} {
		if !strings.Contains(agg, want) {
			t.Errorf("aggregate missing %q: %q", want, agg)
		}
	}
	if strings.Contains(agg, "[@") {
		t.Errorf("aggregate contains raw tags: %q", agg)
	}
	if parts := strings.Split(agg, AggregateSeparator); len(parts) != 3 {
		t.Errorf("aggregate has %d blocks, want 3", len(parts))
	}
}

// Completion must fire exactly once even when branches finish concurrently.
func TestQuiescence_ExactlyOnce(t *testing.T) {
	r := NewRegistry(500)
	c := begin(r, "conv1")
	c.AddBranches(99) // 100 total

	var completions int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.RecordResponse("a", fmt.Sprintf("r%d", i))
			if c.FinishBranch() {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if completions != 1 {
		t.Errorf("completion fired %d times, want exactly 1", completions)
	}
	if c.PendingBranches() != 0 {
		t.Errorf("pending = %d after drain", c.PendingBranches())
	}
}

func TestBudgetExhaustion(t *testing.T) {
	r := NewRegistry(3)
	c := begin(r, "conv1")

	for i := 0; i < 3; i++ {
		c.RecordResponse("a", fmt.Sprintf("msg %d", i))
	}
	if !c.BudgetExhausted() {
		t.Error("budget should be exhausted at messageBudget")
	}
	if c.State() != StateAbortedBudget {
		t.Errorf("state = %v, want aborted_budget", c.State())
	}

	// Drain still completes and the aggregate carries what accumulated.
	if done := c.FinishBranch(); !done {
		t.Fatal("drain after budget abort should still complete")
	}
	if agg := c.Aggregate(); !strings.Contains(agg, "msg 0") {
		t.Errorf("aggregate lost accumulated responses: %q", agg)
	}
}

func TestBudgetBoundary_ExactlyAtBudget(t *testing.T) {
	r := NewRegistry(2)
	c := begin(r, "conv1")

	c.RecordResponse("a", "one")
	if c.BudgetExhausted() {
		t.Error("budget exhausted one message early")
	}
	c.RecordResponse("b", "two")
	if !c.BudgetExhausted() {
		t.Error("budget not exhausted at exactly messageBudget")
	}
}

func TestFileRefs(t *testing.T) {
	r := NewRegistry(50)
	c := begin(r, "conv1")

	c.RecordResponse("a", "see [send_file: /ws/files/b.txt] and [send_file: /ws/files/a.txt]")
	c.RecordResponse("b", "also [send_file: /ws/files/a.txt]")

	refs := c.FileRefs()
	if len(refs) != 2 || refs[0] != "/ws/files/a.txt" || refs[1] != "/ws/files/b.txt" {
		t.Errorf("FileRefs = %v, want deduped sorted pair", refs)
	}
}

func TestRegistryOwnership(t *testing.T) {
	r := NewRegistry(50)
	begin(r, "conv1")

	if _, ok := r.Get("conv1"); !ok {
		t.Fatal("conversation not registered")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d", r.Len())
	}
	r.Remove("conv1")
	if _, ok := r.Get("conv1"); ok {
		t.Error("conversation still present after Remove")
	}
}

func TestWriteTranscript(t *testing.T) {
	ws := t.TempDir()
	r := NewRegistry(50)
	c := begin(r, "conv1")
	c.RecordResponse("a", "hello from a")
	c.WriteTranscript(ws)

	entries, err := os.ReadDir(filepath.Join(ws, "teams", "builders"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "chat_") {
		t.Fatalf("transcript entries = %v", entries)
	}
	data, err := os.ReadFile(filepath.Join(ws, "teams", "builders", entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello from a") {
		t.Errorf("transcript content: %s", data)
	}
}
