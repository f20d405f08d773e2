package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// ErrAlreadyClaimed is returned when a claim target already exists in
// processing/, meaning another worker owns the file.
var ErrAlreadyClaimed = errors.New("queue: file already claimed")

// ErrMalformed wraps a parse failure for a claimed file. The dispatcher
// treats it as an admission error: canned denial, file deleted.
var ErrMalformed = errors.New("queue: malformed message file")

// FileQueue is the durable hand-off between channel adapters and the core.
// Atomic rename is the sole synchronization primitive: a file lives in
// exactly one of incoming/, processing/, or outgoing/ at any instant, and
// partial writes are invisible because producers write to a dot-prefixed temp
// name first.
type FileQueue struct {
	base       string
	incoming   string
	processing string
	outgoing   string
	events     string
	files      string

	seq atomic.Int64 // monotonic suffix for outgoing names
}

// Open creates the queue directory layout under base.
func Open(base string) (*FileQueue, error) {
	q := &FileQueue{
		base:       base,
		incoming:   filepath.Join(base, "incoming"),
		processing: filepath.Join(base, "processing"),
		outgoing:   filepath.Join(base, "outgoing"),
		events:     filepath.Join(base, "events"),
		files:      filepath.Join(base, "files"),
	}
	for _, dir := range []string{q.incoming, q.processing, q.outgoing, q.events, q.files} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	return q, nil
}

func (q *FileQueue) Base() string          { return q.base }
func (q *FileQueue) IncomingDir() string   { return q.incoming }
func (q *FileQueue) ProcessingDir() string { return q.processing }
func (q *FileQueue) OutgoingDir() string   { return q.outgoing }
func (q *FileQueue) EventsDir() string     { return q.events }
func (q *FileQueue) FilesDir() string      { return q.files }

// Enqueue writes an incoming record via temp + rename. Used by the console
// channel, the cron enqueuer, internal team handoffs, and tests. The optional
// suffix disambiguates multiple records sharing a messageId (fan-out).
func (q *FileQueue) Enqueue(msg *IncomingMessage, suffix string) error {
	name := fmt.Sprintf("%s_%s.json", msg.Channel, msg.MessageID)
	if suffix != "" {
		name = fmt.Sprintf("%s_%s_%s.json", msg.Channel, msg.MessageID, suffix)
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal incoming: %w", err)
	}
	tmp := filepath.Join(q.incoming, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write incoming: %w", err)
	}
	return os.Rename(tmp, filepath.Join(q.incoming, name))
}

// Scan lists claimable incoming files in mtime order (oldest first).
// Dotfiles and non-JSON entries are skipped.
func (q *FileQueue) Scan() ([]string, error) {
	entries, err := os.ReadDir(q.incoming)
	if err != nil {
		return nil, fmt.Errorf("scan incoming: %w", err)
	}

	type candidate struct {
		name  string
		mtime time.Time
	}
	var found []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{name, info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].mtime.Equal(found[j].mtime) {
			return found[i].name < found[j].name
		}
		return found[i].mtime.Before(found[j].mtime)
	})

	names := make([]string, len(found))
	for i, c := range found {
		names[i] = c.name
	}
	return names, nil
}

// Claim moves incoming/name to processing/name and parses it. Claiming is
// the only admission point: possession of the processing file proves
// ownership. If the processing target already exists, ErrAlreadyClaimed is
// returned and the caller skips the file.
func (q *FileQueue) Claim(name string) (*IncomingMessage, error) {
	src := filepath.Join(q.incoming, name)
	dst := filepath.Join(q.processing, name)

	if _, err := os.Stat(dst); err == nil {
		return nil, ErrAlreadyClaimed
	}
	if err := os.Rename(src, dst); err != nil {
		return nil, fmt.Errorf("claim %s: %w", name, err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		return nil, fmt.Errorf("read claimed %s: %w", name, err)
	}
	var msg IncomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return &msg, nil
}

// Release returns processing/name to incoming/ after a transient failure so
// a later tick retries it.
func (q *FileQueue) Release(name string) error {
	return os.Rename(filepath.Join(q.processing, name), filepath.Join(q.incoming, name))
}

// Remove deletes processing/name after a successful completion.
func (q *FileQueue) Remove(name string) error {
	return os.Remove(filepath.Join(q.processing, name))
}

// CommitOut atomically writes an outgoing record. The monotonic suffix keeps
// names unique and lexicographically ordered within a process lifetime.
func (q *FileQueue) CommitOut(rec *OutgoingResponse) (string, error) {
	seq := q.seq.Add(1)
	name := fmt.Sprintf("%s_%s_%d%03d.json", rec.Channel, rec.MessageID, time.Now().UnixMilli(), seq%1000)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal outgoing: %w", err)
	}
	tmp := filepath.Join(q.outgoing, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write outgoing: %w", err)
	}
	path := filepath.Join(q.outgoing, name)
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit outgoing: %w", err)
	}
	return path, nil
}

// RequestReset drops a reset marker for agentID. The dispatcher consumes the
// marker before the agent's next invocation, which then starts a fresh
// provider session.
func (q *FileQueue) RequestReset(agentID string) error {
	dir := filepath.Join(q.base, "reset")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create reset dir: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(filepath.Join(dir, resetMarkerName(agentID)), []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("write reset marker: %w", err)
	}
	return nil
}

// TakeReset consumes a pending reset marker for agentID, reporting whether
// one existed.
func (q *FileQueue) TakeReset(agentID string) bool {
	return os.Remove(filepath.Join(q.base, "reset", resetMarkerName(agentID))) == nil
}

// resetMarkerName flattens an agent ID into a safe file name.
func resetMarkerName(agentID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, agentID)
	return safe + ".reset"
}

// Recover returns every processing/ entry to incoming/ on startup. Files
// stranded by a crash are re-dispatched exactly as if they had just arrived
// (at-least-once semantics).
func (q *FileQueue) Recover() (int, error) {
	entries, err := os.ReadDir(q.processing)
	if err != nil {
		return 0, fmt.Errorf("scan processing: %w", err)
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if err := q.Release(name); err != nil {
			slog.Warn("queue: recover failed for file", "file", name, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
