package queue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func openQueue(t *testing.T) *FileQueue {
	t.Helper()
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestEnqueueClaimRemove(t *testing.T) {
	q := openQueue(t)

	msg := &IncomingMessage{
		Channel:   "cli",
		Sender:    "alice",
		SenderID:  "u1",
		Message:   "hi",
		Timestamp: time.Now().UnixMilli(),
		MessageID: "m1",
	}
	if err := q.Enqueue(msg, ""); err != nil {
		t.Fatal(err)
	}

	names, err := q.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "cli_m1.json" {
		t.Fatalf("Scan = %v, want [cli_m1.json]", names)
	}

	got, err := q.Claim(names[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.Message != "hi" || got.MessageID != "m1" {
		t.Errorf("claimed = %+v", got)
	}

	// Claimed file is gone from incoming and lives in processing.
	if names, _ := q.Scan(); len(names) != 0 {
		t.Errorf("incoming not empty after claim: %v", names)
	}
	if _, err := os.Stat(filepath.Join(q.ProcessingDir(), "cli_m1.json")); err != nil {
		t.Errorf("processing file missing: %v", err)
	}

	if err := q.Remove("cli_m1.json"); err != nil {
		t.Fatal(err)
	}
}

func TestClaim_SkipsAlreadyClaimed(t *testing.T) {
	q := openQueue(t)
	msg := &IncomingMessage{Channel: "cli", MessageID: "m1", Message: "x"}
	if err := q.Enqueue(msg, ""); err != nil {
		t.Fatal(err)
	}
	// Simulate another worker owning the processing file.
	if err := os.WriteFile(filepath.Join(q.ProcessingDir(), "cli_m1.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim("cli_m1.json"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("err = %v, want ErrAlreadyClaimed", err)
	}
}

func TestClaim_Malformed(t *testing.T) {
	q := openQueue(t)
	if err := os.WriteFile(filepath.Join(q.IncomingDir(), "cli_bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := q.Claim("cli_bad.json")
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
	// The file stays claimed so the dispatcher can consume it.
	if _, statErr := os.Stat(filepath.Join(q.ProcessingDir(), "cli_bad.json")); statErr != nil {
		t.Errorf("malformed file should remain in processing: %v", statErr)
	}
}

func TestScan_OrderAndFiltering(t *testing.T) {
	q := openQueue(t)

	write := func(name string, mtime time.Time) {
		path := filepath.Join(q.IncomingDir(), name)
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now()
	write("cli_b.json", now)
	write("cli_a.json", now.Add(-2*time.Second))
	write(".cli_tmp.json.tmp", now.Add(-time.Hour))
	write("notes.txt", now.Add(-time.Hour))

	names, err := q.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "cli_a.json" || names[1] != "cli_b.json" {
		t.Errorf("Scan = %v, want [cli_a.json cli_b.json]", names)
	}
}

func TestRelease(t *testing.T) {
	q := openQueue(t)
	if err := q.Enqueue(&IncomingMessage{Channel: "cli", MessageID: "m1"}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Claim("cli_m1.json"); err != nil {
		t.Fatal(err)
	}
	if err := q.Release("cli_m1.json"); err != nil {
		t.Fatal(err)
	}
	names, _ := q.Scan()
	if len(names) != 1 {
		t.Errorf("released file not back in incoming: %v", names)
	}
}

func TestRecover(t *testing.T) {
	q := openQueue(t)
	for _, id := range []string{"m1", "m2"} {
		if err := q.Enqueue(&IncomingMessage{Channel: "cli", MessageID: id}, ""); err != nil {
			t.Fatal(err)
		}
	}
	names, _ := q.Scan()
	for _, n := range names {
		if _, err := q.Claim(n); err != nil {
			t.Fatal(err)
		}
	}

	// Simulate restart.
	n, err := q.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("recovered %d files, want 2", n)
	}
	names, _ = q.Scan()
	if len(names) != 2 {
		t.Errorf("incoming after recover = %v", names)
	}
}

func TestResetMarkers(t *testing.T) {
	q := openQueue(t)

	if q.TakeReset("default") {
		t.Error("TakeReset with no marker should report false")
	}
	if err := q.RequestReset("default"); err != nil {
		t.Fatal(err)
	}
	if !q.TakeReset("default") {
		t.Error("TakeReset should consume a pending marker")
	}
	if q.TakeReset("default") {
		t.Error("marker should be consumed at most once")
	}

	// Path separators must not escape the reset directory.
	if err := q.RequestReset("../evil"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(q.Base(), "reset", "---evil.reset")); err != nil {
		t.Errorf("sanitized marker missing: %v", err)
	}
	if !q.TakeReset("../evil") {
		t.Error("sanitized marker should round-trip")
	}
}

func TestCommitOut(t *testing.T) {
	q := openQueue(t)
	rec := &OutgoingResponse{
		Channel:         "cli",
		Sender:          "alice",
		Message:         "pong",
		OriginalMessage: "ping",
		Timestamp:       time.Now().UnixMilli(),
		MessageID:       "m1",
		Agent:           "default",
	}
	path, err := q.CommitOut(rec)
	if err != nil {
		t.Fatal(err)
	}
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "cli_m1_") || !strings.HasSuffix(base, ".json") {
		t.Errorf("outgoing name = %q", base)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got OutgoingResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, *rec) {
		t.Errorf("round-trip = %+v, want %+v", got, *rec)
	}
}

func TestIncomingRoundTrip_PreservesAllFields(t *testing.T) {
	in := IncomingMessage{
		Channel:        "telegram",
		Sender:         "bob",
		SenderID:       "42",
		Message:        "@team do it",
		Timestamp:      1700000000000,
		MessageID:      "m9",
		Agent:          "default",
		ConversationID: "conv-1",
		FromAgent:      "a",
		Files:          []string{"/tmp/x.png"},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out IncomingMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Channel != in.Channel || out.SenderID != in.SenderID ||
		out.ConversationID != in.ConversationID || out.FromAgent != in.FromAgent ||
		len(out.Files) != 1 || out.Files[0] != in.Files[0] {
		t.Errorf("round-trip = %+v, want %+v", out, in)
	}
}
