package invoker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jlia0/tinyclaw/internal/config"
)

func TestBuildArgv(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		reset    bool
		want     []string
		absent   []string
	}{
		{
			name:     "claude continues by default",
			provider: "claude",
			model:    "sonnet",
			want:     []string{"-p", "--output-format", "stream-json", "--model", "sonnet", "--continue"},
		},
		{
			name:     "claude reset drops continue",
			provider: "claude",
			reset:    true,
			absent:   []string{"--continue"},
		},
		{
			name:     "codex exec json",
			provider: "codex",
			want:     []string{"exec", "--json", "resume", "--last"},
		},
		{
			name:     "codex reset starts fresh",
			provider: "codex",
			reset:    true,
			absent:   []string{"resume"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv := strings.Join(buildArgv(tt.provider, tt.model, "hello", tt.reset), " ")
			for _, w := range tt.want {
				if !strings.Contains(argv, w) {
					t.Errorf("argv %q missing %q", argv, w)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(argv, a) {
					t.Errorf("argv %q should not contain %q", argv, a)
				}
			}
			if !strings.Contains(argv, "hello") {
				t.Errorf("argv %q missing prompt", argv)
			}
		})
	}
}

func TestParseStream_Claude(t *testing.T) {
	stream := `{"type":"system","subtype":"init","session_id":"11111111-2222-4333-8444-555555555555"}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"main.go"}}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}}]}}
not json at all
{"type":"assistant","message":{"content":[{"type":"text","text":"interim answer"}]}}
{"type":"result","result":"final answer","session_id":"11111111-2222-4333-8444-555555555555"}`

	res := parseStream("claude", strings.NewReader(stream), nil)
	if res.text != "final answer" {
		t.Errorf("text = %q, want final answer", res.text)
	}
	if res.sessionID != "11111111-2222-4333-8444-555555555555" {
		t.Errorf("sessionID = %q", res.sessionID)
	}
	if len(res.activities) != 2 || res.activities[0] != "Read main.go" || res.activities[1] != "Ran go test ./..." {
		t.Errorf("activities = %v", res.activities)
	}
}

func TestParseStream_LatestAssistantTextWins(t *testing.T) {
	stream := `{"type":"assistant","message":{"content":[{"type":"text","text":"first"}]}}
{"type":"assistant","message":{"content":[{"type":"text","text":"second"}]}}`
	res := parseStream("claude", strings.NewReader(stream), nil)
	if res.text != "second" {
		t.Errorf("text = %q, want second", res.text)
	}
}

func TestParseStream_Codex(t *testing.T) {
	stream := `{"type":"item.completed","item":{"type":"command_execution","command":"ls -la"}}
{"type":"item.completed","item":{"type":"agent_message","text":"all done"}}`
	res := parseStream("codex", strings.NewReader(stream), nil)
	if res.text != "all done" {
		t.Errorf("text = %q", res.text)
	}
	if len(res.activities) != 1 || res.activities[0] != "Ran ls -la" {
		t.Errorf("activities = %v", res.activities)
	}
}

func TestParseStream_SessionFromAnyUUIDField(t *testing.T) {
	stream := `{"type":"system","note":"session is aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee"}`
	res := parseStream("claude", strings.NewReader(stream), nil)
	if res.sessionID != "aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee" {
		t.Errorf("sessionID = %q", res.sessionID)
	}
}

func TestParseStream_ActivityCallback(t *testing.T) {
	stream := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"a.go"}}]}}`
	var got []string
	parseStream("claude", strings.NewReader(stream), func(a string) { got = append(got, a) })
	if len(got) != 1 || got[0] != "Read a.go" {
		t.Errorf("callback got %v", got)
	}
}

func TestInvocationError_Message(t *testing.T) {
	err := &InvocationError{ExitCode: 3, Stderr: "model exploded\n"}
	if err.Error() != "model exploded" {
		t.Errorf("Error() = %q", err.Error())
	}
	err = &InvocationError{ExitCode: 3}
	if err.Error() != "exited with code 3" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-provider")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInvoke_Success(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"main.go"}}]}}'
echo '{"type":"result","result":"final answer","session_id":"11111111-2222-4333-8444-555555555555"}'
`)
	inv := &CLIInvoker{Binary: script}
	res, err := inv.Invoke(context.Background(), Request{
		AgentID:    "default",
		Agent:      config.AgentConfig{Provider: "claude"},
		Prompt:     "hello",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Text, "Read main.go") || !strings.Contains(res.Text, "final answer") {
		t.Errorf("Text = %q, want activity prologue then answer", res.Text)
	}
	if res.SessionID != "11111111-2222-4333-8444-555555555555" {
		t.Errorf("SessionID = %q", res.SessionID)
	}
}

func TestInvoke_NonZeroExit(t *testing.T) {
	script := writeScript(t, `
echo "model exploded" >&2
exit 3
`)
	inv := &CLIInvoker{Binary: script}
	_, err := inv.Invoke(context.Background(), Request{
		Agent:      config.AgentConfig{Provider: "claude"},
		Prompt:     "hello",
		WorkingDir: t.TempDir(),
	})
	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("err = %v, want InvocationError", err)
	}
	if invErr.ExitCode != 3 || !strings.Contains(invErr.Error(), "model exploded") {
		t.Errorf("InvocationError = %+v", invErr)
	}
}

func TestInvoke_ContextCancellation(t *testing.T) {
	script := writeScript(t, "sleep 10\n")
	inv := &CLIInvoker{Binary: script}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := inv.Invoke(ctx, Request{
		Agent:      config.AgentConfig{Provider: "claude"},
		Prompt:     "hello",
		WorkingDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("cancelled invocation returned nil error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not kill the subprocess promptly")
	}
}

func TestOverlayEnv(t *testing.T) {
	env := overlayEnv([]string{"PATH=/bin"}, map[string]string{"B": "2", "A": "1"})
	joined := strings.Join(env, " ")
	if !strings.Contains(joined, "A=1") || !strings.Contains(joined, "B=2") {
		t.Errorf("env = %v", env)
	}
	if env[0] != "PATH=/bin" {
		t.Errorf("base env not preserved first: %v", env)
	}
}
