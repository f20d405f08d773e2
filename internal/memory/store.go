// Package memory persists conversation turns and retrieves prior context for
// prefetch. Turns live in append-only JSONL files; a SQLite index over
// normalized terms makes them searchable without loading every file.
package memory

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"
)

// Turn is one persisted utterance, user or assistant.
type Turn struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Channel   string `json:"channel"`
	SenderID  string `json:"senderId"`
	AgentID   string `json:"agent"`
	Timestamp int64  `json:"timestamp"`
}

// Scope narrows a search to one session. Zero-value fields are not filtered,
// so the zero Scope searches globally.
type Scope struct {
	Channel  string
	SenderID string
	AgentID  string
}

// Global reports whether the scope filters nothing.
func (s Scope) Global() bool { return s.Channel == "" && s.SenderID == "" && s.AgentID == "" }

// Result is one index hit. Snippet is empty until Hydrate fills it from the
// turn file.
type Result struct {
	Turn    Turn
	Score   float64
	Snippet string

	file string
	line int
}

// Store indexes JSONL turn files under dir with a SQLite database.
type Store struct {
	dir string
	db  *sql.DB
}

const schema = `CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	role TEXT NOT NULL,
	ts INTEGER NOT NULL,
	file TEXT NOT NULL,
	line INTEGER NOT NULL,
	terms TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_scope ON turns (channel, sender_id, agent_id);`

// OpenStore opens (creating if needed) the turn store rooted at dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "turns"), 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open memory index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory index: %w", err)
	}
	return &Store{dir: dir, db: db}, nil
}

// Close releases the index database.
func (s *Store) Close() error { return s.db.Close() }

var unsafeNameRe = regexp.MustCompile(`[^\w.-]`)

func (s *Store) turnFile(channel, senderID string) string {
	name := unsafeNameRe.ReplaceAllString(channel, "_") + "_" + unsafeNameRe.ReplaceAllString(senderID, "_")
	return filepath.Join(s.dir, "turns", name+".jsonl")
}

// Append persists one turn: a line in the session's JSONL file plus an index
// row recording where to find it.
func (s *Store) Append(ctx context.Context, t Turn) error {
	path := s.turnFile(t.Channel, t.SenderID)

	line, err := countLines(path)
	if err != nil {
		return fmt.Errorf("count turn lines: %w", err)
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open turn file: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append turn: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close turn file: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turns (channel, sender_id, agent_id, role, ts, file, line, terms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Channel, t.SenderID, t.AgentID, t.Role, t.Timestamp, path, line, strings.Join(tokenize(t.Text), " "))
	if err != nil {
		return fmt.Errorf("index turn: %w", err)
	}
	return nil
}

// Search scores indexed turns against the query by term overlap: the score is
// the fraction of query terms present in the turn. Rows with no overlap are
// dropped. Results come back ordered by score descending, capped at limit.
func (s *Store) Search(ctx context.Context, query string, scope Scope, limit int) ([]Result, error) {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	q := `SELECT channel, sender_id, agent_id, role, ts, file, line, terms FROM turns`
	var conds []string
	var args []any
	if scope.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, scope.Channel)
	}
	if scope.SenderID != "" {
		conds = append(conds, "sender_id = ?")
		args = append(args, scope.SenderID)
	}
	if scope.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, scope.AgentID)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search turns: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var terms string
		if err := rows.Scan(&r.Turn.Channel, &r.Turn.SenderID, &r.Turn.AgentID, &r.Turn.Role,
			&r.Turn.Timestamp, &r.file, &r.line, &terms); err != nil {
			continue
		}
		have := make(map[string]bool)
		for _, t := range strings.Fields(terms) {
			have[t] = true
		}
		matched := 0
		for _, t := range queryTerms {
			if have[t] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		r.Score = float64(matched) / float64(len(queryTerms))
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search turns: %w", err)
	}

	sortResults(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Hydrate reads the result's snippet text from its turn file. A turn that has
// since disappeared leaves the snippet empty.
func (s *Store) Hydrate(r *Result) error {
	f, err := os.Open(r.file)
	if err != nil {
		return fmt.Errorf("hydrate snippet: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for i := 0; sc.Scan(); i++ {
		if i != r.line {
			continue
		}
		var t Turn
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil {
			return fmt.Errorf("hydrate snippet: %w", err)
		}
		r.Turn.Text = t.Text
		r.Snippet = t.Text
		return nil
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("hydrate snippet: %w", err)
	}
	return fmt.Errorf("hydrate snippet: line %d missing from %s", r.line, filepath.Base(r.file))
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "you": true, "are": true, "was": true, "what": true,
	"have": true, "can": true, "did": true, "about": true, "from": true,
}

var termRe = regexp.MustCompile(`[a-z0-9_]+`)

// tokenize lowercases and splits text into search terms, dropping short words
// and stopwords. Duplicate terms collapse.
func tokenize(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range termRe.FindAllString(strings.ToLower(text), -1) {
		if len(w) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
