// Package invoker runs one model invocation as a provider CLI subprocess and
// parses its stream-json output into a final response text.
package invoker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/jlia0/tinyclaw/internal/config"
)

// ErrorResponse is the canned reply sent when an invocation fails.
const ErrorResponse = "Sorry, I encountered an error processing your request."

// Request describes one invocation.
type Request struct {
	AgentID    string
	Agent      config.AgentConfig
	Prompt     string
	WorkingDir string
	// Reset starts a fresh provider session instead of continuing the last one.
	Reset bool
	// OnActivity, when set, receives tool-activity summaries as they happen.
	// When nil, activities are prepended to the response text instead.
	OnActivity func(string)
}

// Result is a successful invocation.
type Result struct {
	Text       string
	SessionID  string
	Activities []string
}

// InvocationError carries the subprocess failure detail.
type InvocationError struct {
	ExitCode int
	Stderr   string
}

func (e *InvocationError) Error() string {
	if s := strings.TrimSpace(e.Stderr); s != "" {
		return s
	}
	return fmt.Sprintf("exited with code %d", e.ExitCode)
}

// Invoker runs model invocations. The CLI implementation spawns provider
// binaries; tests substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// CLIInvoker spawns the provider's command-line binary per invocation.
type CLIInvoker struct {
	// Binary overrides the provider binary path. Empty means the provider
	// name is resolved on PATH.
	Binary string
}

// NewCLIInvoker returns a subprocess-backed invoker.
func NewCLIInvoker() *CLIInvoker { return &CLIInvoker{} }

// buildArgv selects provider-specific flags. Without Reset the previous
// session is continued.
func buildArgv(provider, model, prompt string, reset bool) []string {
	switch provider {
	case "codex":
		args := []string{"exec", "--json"}
		if model != "" {
			args = append(args, "--model", model)
		}
		if !reset {
			args = append(args, "resume", "--last")
		}
		return append(args, prompt)
	default: // claude
		args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
		if model != "" {
			args = append(args, "--model", model)
		}
		if !reset {
			args = append(args, "--continue")
		}
		return args
	}
}

// stderrLimit caps captured stderr so a chatty subprocess cannot balloon
// memory.
const stderrLimit = 16 * 1024

// Invoke runs the provider subprocess in the agent's working directory with
// its environment overlay, streaming stdout through the provider parser. The
// context deadline kills the subprocess.
func (inv *CLIInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	provider := req.Agent.Provider
	if provider == "" {
		provider = "claude"
	}
	bin := inv.Binary
	if bin == "" {
		bin = provider
	}

	argv := buildArgv(provider, req.Agent.Model, req.Prompt, req.Reset)
	cmd := exec.CommandContext(ctx, bin, argv...)
	cmd.Dir = req.WorkingDir
	cmd.Env = overlayEnv(os.Environ(), req.Agent.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr cappedBuffer
	cmd.Stderr = &stderr

	slog.Debug("invoker: spawning", "agent", req.AgentID, "provider", provider, "reset", req.Reset)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", provider, err)
	}

	parsed := parseStream(provider, stdout, req.OnActivity)

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("invocation cancelled: %w", ctxErr)
	}
	if waitErr != nil {
		code := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		return nil, &InvocationError{ExitCode: code, Stderr: stderr.String()}
	}

	if parsed.sessionID == "" {
		parsed.sessionID = sessionFromDisk(provider, req.WorkingDir)
	}
	text := parsed.text
	if req.OnActivity == nil && len(parsed.activities) > 0 && text != "" {
		text = strings.Join(parsed.activities, "\n") + "\n\n" + text
	}
	return &Result{Text: text, SessionID: parsed.sessionID, Activities: parsed.activities}, nil
}

// overlayEnv appends the agent's env on top of the base environment in sorted
// key order so later entries win.
func overlayEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}

// cappedBuffer accepts all writes but keeps only the first stderrLimit bytes.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remaining := stderrLimit - c.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			c.buf.Write(p[:remaining])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
