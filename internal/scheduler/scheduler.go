// Package scheduler enforces per-agent serialization with cross-agent
// parallelism. Each agent gets an in-order work chain served by its own
// goroutine; chains are garbage-collected when drained.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one unit of agent work. The context is the scheduler's base
// context and is cancelled on shutdown.
type Task func(ctx context.Context)

type entry struct {
	key  string
	task Task
}

type chain struct {
	queue []entry
}

// Scheduler maps agent IDs to FIFO work chains. Submitting a task for agent X
// appends it to X's chain; the chain executes tasks one at a time while
// chains for different agents run concurrently.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	chains map[string]*chain
	// pending tracks keys (queue file names) already appended to some chain,
	// preventing duplicate enqueue across dispatch ticks before the claim
	// rename happens.
	pending map[string]struct{}
	closed  bool

	wg sync.WaitGroup
}

// New creates a Scheduler whose tasks observe ctx.
func New(ctx context.Context) *Scheduler {
	sctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		ctx:     sctx,
		cancel:  cancel,
		chains:  make(map[string]*chain),
		pending: make(map[string]struct{}),
	}
}

// Submit appends a task to agentID's chain. It returns false when the key is
// already tracked (duplicate tick) or the scheduler has shut down. The key is
// released once the task completes.
func (s *Scheduler) Submit(agentID, key string, task Task) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, dup := s.pending[key]; dup {
		s.mu.Unlock()
		return false
	}
	s.pending[key] = struct{}{}

	c, ok := s.chains[agentID]
	if !ok {
		c = &chain{}
		s.chains[agentID] = c
	}
	c.queue = append(c.queue, entry{key: key, task: task})
	start := !ok
	if start {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if start {
		go s.run(agentID)
	}
	return true
}

// Tracked reports whether key is currently queued or running.
func (s *Scheduler) Tracked(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// run drains agentID's chain one task at a time, then removes the chain.
func (s *Scheduler) run(agentID string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		c := s.chains[agentID]
		if c == nil || len(c.queue) == 0 {
			delete(s.chains, agentID)
			s.mu.Unlock()
			return
		}
		e := c.queue[0]
		c.queue = c.queue[1:]
		s.mu.Unlock()

		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("scheduler: task panicked", "agent", agentID, "key", e.key, "panic", r)
				}
				s.mu.Lock()
				delete(s.pending, e.key)
				s.mu.Unlock()
			}()
			e.task(s.ctx)
		}()
	}
}

// Shutdown stops admitting work and waits for all chains to drain, bounded by
// ctx. In-flight tasks see the scheduler context cancelled only after the
// deadline passes.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
