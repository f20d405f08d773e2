// Package assemble turns an aggregated agent response into the final outgoing
// record: tags stripped, referenced files vetted, long responses attached as
// files.
package assemble

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/jlia0/tinyclaw/internal/conversation"
	"github.com/jlia0/tinyclaw/internal/queue"
)

// DefaultLongResponseThreshold is the character count past which the response
// body moves into an attached file.
const DefaultLongResponseThreshold = 3000

// previewWidth bounds the inline preview shown when the full response is
// attached.
const previewWidth = 500

// attachmentSentinel tells the reader where the rest of the response went.
const attachmentSentinel = "Full response attached as file."

// Meta is the channel metadata carried from the originating message.
type Meta struct {
	Channel         string
	Sender          string
	AgentID         string
	MessageID       string
	OriginalMessage string
}

// Assembler finalizes responses into the outgoing queue.
type Assembler struct {
	q             *queue.FileQueue
	filesDir      string
	allowOutside  bool
	longThreshold int
}

// New builds an assembler writing through q. threshold <= 0 selects the
// default. allowOutside permits outbound file paths outside the queue's
// files/ directory.
func New(q *queue.FileQueue, allowOutside bool, threshold int) *Assembler {
	if threshold <= 0 {
		threshold = DefaultLongResponseThreshold
	}
	return &Assembler{q: q, filesDir: q.FilesDir(), allowOutside: allowOutside, longThreshold: threshold}
}

// Finalize strips tags from text, harvests and vets file references, spills
// long responses to an attached file, and commits the outgoing record. extra
// file refs (from a team conversation) are vetted the same way as inline
// [send_file: …] tags. Returns the committed file name.
func (a *Assembler) Finalize(text string, extraRefs []string, meta Meta) (string, error) {
	refs := append(conversation.ExtractSendFiles(text), extraRefs...)
	body := conversation.StripTags(text)

	files := a.vetFiles(refs)

	if len(body) > a.longThreshold {
		path, err := a.spill(body)
		if err != nil {
			slog.Warn("assemble: spilling long response failed, sending inline", "error", err)
		} else {
			files = append(files, path)
			body = runewidth.Truncate(body, previewWidth, "…") + "\n\n" + attachmentSentinel
		}
	}

	rec := &queue.OutgoingResponse{
		Channel:         meta.Channel,
		Sender:          meta.Sender,
		Message:         body,
		OriginalMessage: meta.OriginalMessage,
		Timestamp:       time.Now().UnixMilli(),
		MessageID:       meta.MessageID,
		Agent:           meta.AgentID,
		Files:           files,
	}
	return a.q.CommitOut(rec)
}

// vetFiles keeps refs that exist on disk and pass the outbound-path policy.
// Duplicates collapse, first occurrence wins.
func (a *Assembler) vetFiles(refs []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, ref := range refs {
		path := filepath.Clean(ref)
		if !filepath.IsAbs(path) {
			path = filepath.Join(a.filesDir, path)
		}
		if seen[path] {
			continue
		}
		seen[path] = true
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			slog.Warn("assemble: dropping missing outbound file", "path", ref)
			continue
		}
		if !a.allowOutside && !underDir(path, a.filesDir) {
			slog.Warn("assemble: dropping outbound file outside files dir", "path", ref)
			continue
		}
		out = append(out, path)
	}
	return out
}

// spill writes the body to files/response_<ts>.md via temp+rename.
func (a *Assembler) spill(body string) (string, error) {
	name := fmt.Sprintf("response_%d.md", time.Now().UnixMilli())
	path := filepath.Join(a.filesDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return path, nil
}

func underDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
