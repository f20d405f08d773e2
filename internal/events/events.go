// Package events writes structured observability events to the queue's
// events/ directory and broadcasts them to SSE subscribers.
//
// Event writes are best-effort: a failed write is logged and dropped, never
// surfaced to the processing path.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Event types emitted by the core.
const (
	TypeMessageReceived  = "message_received"
	TypeMessageDenied    = "message_denied"
	TypeAgentInvoked     = "agent_invoked"
	TypeAgentResponded   = "agent_responded"
	TypeAgentFailed      = "agent_failed"
	TypeConversationDone = "conversation_done"
	TypeResponseEmitted  = "response_emitted"
)

// Event is one observability record.
type Event struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to disk and live subscribers.
type Bus struct {
	dir       string
	retention time.Duration
	limiter   *rate.Limiter

	mu   sync.Mutex
	subs map[chan Event]struct{}
	seq  int
}

// NewBus writes events under dir, deleting files older than retention on a
// throttled cadence. retention <= 0 disables cleanup.
func NewBus(dir string, retention time.Duration) *Bus {
	return &Bus{
		dir:       dir,
		retention: retention,
		limiter:   rate.NewLimiter(rate.Every(30*time.Second), 1),
		subs:      make(map[chan Event]struct{}),
	}
}

// Publish records one event. Disk write and subscriber delivery are both
// best-effort; a slow subscriber loses events rather than blocking.
func (b *Bus) Publish(eventType string, data map[string]any) {
	ev := Event{Type: eventType, Timestamp: time.Now().UnixMilli(), Data: data}

	if err := b.write(ev); err != nil {
		slog.Warn("events: write failed", "type", eventType, "error", err)
	}

	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	if b.retention > 0 && b.limiter.Allow() {
		b.cleanup()
	}
}

// Subscribe returns a live event channel and its cancel function. The channel
// is buffered; overflow drops events for that subscriber only.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

func (b *Bus) write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.seq++
	name := fmt.Sprintf("%d%03d_%s.json", ev.Timestamp, b.seq%1000, ev.Type)
	b.mu.Unlock()

	path := filepath.Join(b.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// cleanup removes event files whose timestamp prefix is past retention.
func (b *Bus) cleanup() {
	cutoff := time.Now().Add(-b.retention).UnixMilli()
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok || len(prefix) < 4 {
			continue
		}
		// Trim the 3-digit sequence suffix off the millisecond prefix.
		ts, err := strconv.ParseInt(prefix[:len(prefix)-3], 10, 64)
		if err != nil {
			continue
		}
		if ts < cutoff {
			os.Remove(filepath.Join(b.dir, name))
		}
	}
}
