package invoker

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// streamResult accumulates what the provider emitted during one invocation.
type streamResult struct {
	text       string
	sessionID  string
	activities []string
}

// claudeEvent is one stream-json line from the claude CLI. Assistant events
// carry content blocks; the final result event carries the response text and
// session ID.
type claudeEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Result    string          `json:"result,omitempty"`
	Message   *claudeMessage  `json:"message,omitempty"`
	Item      json.RawMessage `json:"item,omitempty"` // codex item.completed payload
	Msg       json.RawMessage `json:"msg,omitempty"`  // codex legacy envelope
}

type claudeMessage struct {
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type codexItem struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
}

var uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// parseStream reads JSON lines from r, tracking the latest assistant text,
// tool activity summaries, and any session ID. Malformed lines are skipped.
// onActivity, when non-nil, receives each summary as it is parsed.
func parseStream(provider string, r io.Reader, onActivity func(string)) streamResult {
	var res streamResult
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	record := func(activity string) {
		res.activities = append(res.activities, activity)
		if onActivity != nil {
			onActivity(activity)
		}
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev claudeEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.SessionID != "" {
			res.sessionID = ev.SessionID
		} else if res.sessionID == "" {
			if id := uuidRe.FindString(line); id != "" {
				res.sessionID = id
			}
		}

		switch ev.Type {
		case "assistant":
			if ev.Message == nil {
				continue
			}
			var texts []string
			for _, block := range ev.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						texts = append(texts, block.Text)
					}
				case "tool_use":
					record(summarizeTool(block.Name, block.Input))
				}
			}
			if len(texts) > 0 {
				res.text = strings.Join(texts, "\n")
			}
		case "result":
			if ev.Result != "" {
				res.text = ev.Result
			}
		case "item.completed":
			var item codexItem
			if err := json.Unmarshal(ev.Item, &item); err != nil {
				continue
			}
			switch item.Type {
			case "agent_message":
				if item.Text != "" {
					res.text = item.Text
				}
			case "command_execution":
				record("Ran " + item.Command)
			case "file_read":
				record("Read " + item.Path)
			}
		}
	}
	return res
}

// summarizeTool turns a tool_use block into a one-line human summary.
func summarizeTool(name string, input map[string]any) string {
	str := func(key string) string {
		if v, ok := input[key].(string); ok {
			return v
		}
		return ""
	}
	switch name {
	case "Read":
		if p := str("file_path"); p != "" {
			return "Read " + p
		}
	case "Write", "Edit":
		if p := str("file_path"); p != "" {
			return "Edited " + p
		}
	case "Bash":
		if c := str("command"); c != "" {
			return "Ran " + c
		}
	}
	return "Used " + name
}

// sessionFromDisk inspects the provider's on-disk session store for the most
// recent session ID. Used when the stream carried none.
func sessionFromDisk(provider, workingDir string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	var dir string
	switch provider {
	case "codex":
		dir = filepath.Join(home, ".codex", "sessions")
	default:
		// claude keys project session logs by the munged working directory.
		munged := strings.ReplaceAll(workingDir, string(os.PathSeparator), "-")
		dir = filepath.Join(home, ".claude", "projects", munged)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	type candidate struct {
		id  string
		mod int64
	}
	var cands []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := uuidRe.FindString(e.Name())
		if id == "" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cands = append(cands, candidate{id: id, mod: info.ModTime().UnixNano()})
	}
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mod > cands[j].mod })
	return cands[0].id
}
