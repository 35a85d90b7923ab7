//go:build !windows

package toolhost

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func runExec(t *testing.T, args ExecArgs) *ExecResult {
	t.Helper()
	h := &ExecHandler{Root: t.TempDir()}
	return h.Run(context.Background(), args)
}

func TestExec_CommandHappyPath(t *testing.T) {
	result := runExec(t, ExecArgs{Command: "echo hi"})
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}
	if result.Stdout != "hi\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if result.ExitCode != 0 || result.Error != nil {
		t.Errorf("exit = %d err = %+v", result.ExitCode, result.Error)
	}
}

func TestExec_CmdWithArgs(t *testing.T) {
	result := runExec(t, ExecArgs{Cmd: "/bin/echo", Args: []string{"a", "b"}})
	if !result.OK || result.Stdout != "a b\n" {
		t.Fatalf("result = %+v", result)
	}
}

func TestExec_CmdPromotedToCommand(t *testing.T) {
	// A whitespace-bearing cmd with no args and no such path runs as a
	// shell line.
	result := runExec(t, ExecArgs{Cmd: "echo promoted line"})
	if !result.OK || result.Stdout != "promoted line\n" {
		t.Fatalf("result = %+v", result)
	}
}

func TestExec_MissingCommand(t *testing.T) {
	result := runExec(t, ExecArgs{})
	if result.OK || result.Error == nil || result.Error.Code != ExecErrMissingCommand {
		t.Fatalf("result = %+v", result)
	}
}

func TestExec_NonzeroExit(t *testing.T) {
	result := runExec(t, ExecArgs{Command: "exit 3"})
	if result.OK {
		t.Fatal("expected failure")
	}
	if result.ExitCode != 3 || result.Error.Code != ExecErrNonzeroExit {
		t.Errorf("result = %+v", result)
	}
}

func TestExec_Timeout(t *testing.T) {
	start := time.Now()
	result := runExec(t, ExecArgs{Command: "sleep 30", TimeoutMs: 100})
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not kill the process group promptly")
	}
	if result.OK || result.Error == nil || result.Error.Code != ExecErrTimeout {
		t.Fatalf("result = %+v", result)
	}
}

func TestExec_BadCwdEscape(t *testing.T) {
	result := runExec(t, ExecArgs{Command: "pwd", Cwd: "../.."})
	if result.OK || result.Error == nil || result.Error.Code != ExecErrBadCwd {
		t.Fatalf("result = %+v", result)
	}
}

func TestExec_RelativeCwdResolved(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0750); err != nil {
		t.Fatal(err)
	}
	h := &ExecHandler{Root: root}
	result := h.Run(context.Background(), ExecArgs{Command: "pwd", Cwd: "sub"})
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}
	if !strings.HasSuffix(strings.TrimSpace(result.Stdout), "/sub") {
		t.Errorf("pwd = %q", result.Stdout)
	}
}

func TestExec_AbsoluteCwdAllowed(t *testing.T) {
	other := t.TempDir()
	result := runExec(t, ExecArgs{Command: "pwd", Cwd: other})
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}
}

func TestExec_StdoutBudgetBoundary(t *testing.T) {
	// Exactly the budget: no truncation flag.
	result := runExec(t, ExecArgs{Command: "printf 'aaaaaaaaaa'", MaxStdoutBytes: 10})
	if result.Truncated.Stdout {
		t.Errorf("exact-budget output flagged truncated: %+v", result)
	}
	if len(result.Stdout) != 10 {
		t.Errorf("stdout length = %d", len(result.Stdout))
	}

	// One extra byte: truncated, captured prefix intact.
	result = runExec(t, ExecArgs{Command: "printf 'aaaaaaaaaab'", MaxStdoutBytes: 10})
	if !result.Truncated.Stdout {
		t.Error("over-budget output not flagged")
	}
	if len(result.Stdout) != 10 {
		t.Errorf("stdout length = %d, want the 10-byte prefix", len(result.Stdout))
	}
}

func TestExec_TruncationKeepsValidUTF8(t *testing.T) {
	// é is two bytes; a 3-byte budget cuts through the second é.
	result := runExec(t, ExecArgs{Command: "printf 'éé'", MaxStdoutBytes: 3})
	if !result.Truncated.Stdout {
		t.Fatal("expected truncation")
	}
	if !utf8.ValidString(result.Stdout) {
		t.Errorf("captured prefix %q is not valid UTF-8", result.Stdout)
	}
	if result.Stdout != "é" {
		t.Errorf("stdout = %q, want the whole first rune only", result.Stdout)
	}
}

func TestExec_EnvPassedThrough(t *testing.T) {
	result := runExec(t, ExecArgs{Command: "echo $ECLIA_TEST_VALUE", Env: map[string]string{"ECLIA_TEST_VALUE": "42"}})
	if !result.OK || strings.TrimSpace(result.Stdout) != "42" {
		t.Fatalf("result = %+v", result)
	}
}
