// Package toolhost implements the tool side of the gateway: the exec tool
// served by the eclia-toolhost child process, the in-process tools, the
// safety policy, result sanitization, and the dispatcher tying them together.
package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/p3lera/eclia/internal/mcp"
)

// Exec error codes.
const (
	ExecErrTimeout        = "timeout"
	ExecErrAborted        = "aborted"
	ExecErrNonzeroExit    = "nonzero_exit"
	ExecErrSpawnFailed    = "spawn_failed"
	ExecErrBadCwd         = "bad_cwd"
	ExecErrMissingCommand = "missing_command"
)

// Defaults for the exec tool.
const (
	defaultExecTimeout = 60 * time.Second
	maxExecTimeout     = 10 * time.Minute
	defaultMaxCapture  = 256 * 1024
)

// ExecArgs are the arguments to the exec tool. Exactly one of Cmd or Command
// is used.
type ExecArgs struct {
	Cmd            string            `json:"cmd,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Command        string            `json:"command,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	TimeoutMs      int               `json:"timeoutMs,omitempty"`
	MaxStdoutBytes int               `json:"maxStdoutBytes,omitempty"`
	MaxStderrBytes int               `json:"maxStderrBytes,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// ExecError describes why an exec invocation failed.
type ExecError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExecTruncated flags which captured streams hit their byte budget.
type ExecTruncated struct {
	Stdout bool `json:"stdout"`
	Stderr bool `json:"stderr"`
}

// ExecResult is the exec tool's result payload.
type ExecResult struct {
	Type       string        `json:"type"` // always "exec_result"
	OK         bool          `json:"ok"`
	ExitCode   int           `json:"exitCode"`
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	Truncated  ExecTruncated `json:"truncated"`
	DurationMs int64         `json:"durationMs"`
	Error      *ExecError    `json:"error,omitempty"`
	Artifacts  []Artifact    `json:"artifacts,omitempty"`
}

// NewExecTool creates the exec tool definition.
func NewExecTool() mcp.Tool {
	return mcp.Tool{
		Name: "exec",
		Description: `Execute a program or shell command on the host.
Pass either "cmd" (+ optional "args") to run a program directly, or "command" to run a shell line.
Relative "cwd" is resolved against the project root and may not escape it.
stdout/stderr are captured up to the byte budgets and truncated at UTF-8 boundaries.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"cmd":            {"type": "string", "description": "Executable path to run directly"},
				"args":           {"type": "array", "items": {"type": "string"}, "description": "Arguments for cmd"},
				"command":        {"type": "string", "description": "Shell command line"},
				"cwd":            {"type": "string", "description": "Working directory (relative to project root)"},
				"timeoutMs":      {"type": "integer", "description": "Timeout in milliseconds (default 60000)"},
				"maxStdoutBytes": {"type": "integer", "description": "Stdout capture budget in bytes"},
				"maxStderrBytes": {"type": "integer", "description": "Stderr capture budget in bytes"},
				"env":            {"type": "object", "additionalProperties": {"type": "string"}, "description": "Extra environment variables"}
			}
		}`),
	}
}

// ExecHandler handles exec tool calls. Root anchors relative cwd resolution.
type ExecHandler struct {
	Root string
}

// Handle implements mcp.ToolHandler.
func (h *ExecHandler) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args ExecArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return mcp.TextResult(execFailure(ExecErrMissingCommand, fmt.Sprintf("invalid arguments: %v", err)), false)
	}
	result := h.Run(ctx, args)
	return mcp.TextResult(result, result.OK)
}

// Run executes the command and captures its output.
func (h *ExecHandler) Run(ctx context.Context, args ExecArgs) *ExecResult {
	argv, errCode, errMsg := resolveArgv(args)
	if errCode != "" {
		return execFailure(errCode, errMsg)
	}

	cwd, err := resolveCwd(h.Root, args.Cwd)
	if err != nil {
		return execFailure(ExecErrBadCwd, err.Error())
	}

	timeout := defaultExecTimeout
	if args.TimeoutMs > 0 {
		timeout = time.Duration(args.TimeoutMs) * time.Millisecond
	}
	if timeout > maxExecTimeout {
		timeout = maxExecTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxStdout := args.MaxStdoutBytes
	if maxStdout <= 0 {
		maxStdout = defaultMaxCapture
	}
	maxStderr := args.MaxStderrBytes
	if maxStderr <= 0 {
		maxStderr = defaultMaxCapture
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = buildEnv(args.Env)
	setProcGroup(cmd)

	stdout := newCapWriter(maxStdout)
	stderr := newCapWriter(maxStderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return execFailure(ExecErrSpawnFailed, err.Error())
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-runCtx.Done():
		// Kill the whole process group so shell children die too.
		killTree(cmd)
		waitErr = <-waitDone
	}
	duration := time.Since(start).Milliseconds()

	result := &ExecResult{
		Type:       "exec_result",
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  ExecTruncated{Stdout: stdout.truncated, Stderr: stderr.truncated},
		DurationMs: duration,
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.Error = &ExecError{Code: ExecErrTimeout, Message: fmt.Sprintf("command timed out after %s", timeout)}
	case runCtx.Err() != nil:
		result.ExitCode = -1
		result.Error = &ExecError{Code: ExecErrAborted, Message: "command aborted"}
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Error = &ExecError{Code: ExecErrNonzeroExit, Message: fmt.Sprintf("exit code %d", result.ExitCode)}
		} else {
			result.ExitCode = -1
			result.Error = &ExecError{Code: ExecErrSpawnFailed, Message: waitErr.Error()}
		}
	default:
		result.OK = true
	}

	log.Debug().Str("cmd", argv[0]).Int("exit", result.ExitCode).Int64("ms", duration).Msg("exec finished")
	return result
}

// resolveArgv turns ExecArgs into the argv to spawn, applying the cmd→command
// promotion rule: a whitespace-bearing cmd with no args whose path does not
// exist is treated as a shell line.
func resolveArgv(args ExecArgs) (argv []string, errCode, errMsg string) {
	cmd := strings.TrimSpace(args.Cmd)
	command := strings.TrimSpace(args.Command)

	if cmd != "" && strings.ContainsAny(cmd, " \t") && len(args.Args) == 0 {
		if _, err := os.Stat(cmd); err != nil {
			command = cmd
			cmd = ""
		}
	}

	switch {
	case cmd != "":
		return append([]string{cmd}, args.Args...), "", ""
	case command != "":
		return append(shellArgv(), command), "", ""
	default:
		return nil, ExecErrMissingCommand, "one of cmd or command is required"
	}
}

// shellArgv returns the platform shell prefix for running a command line.
func shellArgv() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/bin/zsh", "-lc"}
	case "windows":
		return []string{"cmd.exe", "/d", "/s", "/c"}
	default:
		if sh := os.Getenv("SHELL"); sh != "" {
			return []string{sh, "-lc"}
		}
		return []string{"/bin/bash", "-lc"}
	}
}

// resolveCwd resolves a requested cwd against root. Relative paths may not
// escape the root; absolute paths are an intentional escape hatch.
func resolveCwd(root, cwd string) (string, error) {
	if cwd == "" {
		return root, nil
	}
	if filepath.IsAbs(cwd) {
		return cwd, nil
	}
	resolved := filepath.Join(root, cwd)
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd %q escapes the project root", cwd)
	}
	return resolved, nil
}

// buildEnv merges extra variables over the parent environment, augmenting
// PATH with the Homebrew prefixes on darwin.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	if runtime.GOOS == "darwin" {
		for i, kv := range env {
			if strings.HasPrefix(kv, "PATH=") {
				env[i] = kv + ":/opt/homebrew/bin:/opt/homebrew/sbin"
				break
			}
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func execFailure(code, message string) *ExecResult {
	return &ExecResult{
		Type:     "exec_result",
		ExitCode: -1,
		Error:    &ExecError{Code: code, Message: message},
	}
}

// capWriter captures up to max bytes, then discards and flags truncation.
// The captured prefix is trimmed back to a UTF-8 code point boundary.
type capWriter struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newCapWriter(max int) *capWriter {
	return &capWriter{max: max}
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if remaining := w.max - len(w.buf); remaining > 0 {
		if len(p) > remaining {
			w.buf = append(w.buf, p[:remaining]...)
			w.truncated = true
		} else {
			w.buf = append(w.buf, p...)
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	return len(p), nil
}

func (w *capWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := w.buf
	if w.truncated {
		buf = trimToUTF8Boundary(buf)
	}
	return string(buf)
}

// trimToUTF8Boundary drops a trailing partial rune left by a byte-budget cut.
func trimToUTF8Boundary(b []byte) []byte {
	for len(b) > 0 {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size != 1 {
			return b
		}
		b = b[:len(b)-1]
	}
	return b
}
