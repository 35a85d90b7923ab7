package toolhost

import "testing"

func execArgs(command string) map[string]any {
	return map[string]any{"command": command}
}

func TestCheckTool_FullModeNeverGates(t *testing.T) {
	for _, name := range []string{"exec", "web", "send_to_adapter", "whatever"} {
		check := CheckTool(name, execArgs("rm -rf /"), ModeFull)
		if check.RequireApproval {
			t.Errorf("full mode gated %s", name)
		}
	}
}

func TestCheckTool_SafeModeExec(t *testing.T) {
	tests := []struct {
		name    string
		command string
		gated   bool
	}{
		{"read-only single", "ls -la", false},
		{"read-only pipeline", "cat go.mod | grep module | wc -l", false},
		{"read-only list", "pwd && ls", false},
		{"git read subcommand", "git status", false},
		{"git log", "git log --oneline", false},
		{"git mutating subcommand", "git push origin main", true},
		{"mutating command", "rm -rf build", true},
		{"mixed pipeline", "ls | xargs rm", true},
		{"command substitution", "echo $(curl example.com)", true},
		{"variable expansion", "cat $FILE", true},
		{"unparseable", "if then fi ((", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := CheckTool("exec", execArgs(tt.command), ModeSafe)
			if check.RequireApproval != tt.gated {
				t.Errorf("CheckTool(exec, %q) gated=%v, want %v (%s)",
					tt.command, check.RequireApproval, tt.gated, check.Reason)
			}
		})
	}
}

func TestCheckTool_SafeModeDirectCmd(t *testing.T) {
	check := CheckTool("exec", map[string]any{"cmd": "ls", "args": []any{"-la"}}, ModeSafe)
	if check.RequireApproval {
		t.Errorf("direct ls gated: %+v", check)
	}
	if check.MatchedAllowlist != "ls" {
		t.Errorf("matched = %q", check.MatchedAllowlist)
	}

	check = CheckTool("exec", map[string]any{"cmd": "rm", "args": []any{"-rf", "x"}}, ModeSafe)
	if !check.RequireApproval {
		t.Error("direct rm not gated")
	}
}

func TestCheckTool_OtherTools(t *testing.T) {
	if CheckTool("web", map[string]any{"url": "example.com"}, ModeSafe).RequireApproval {
		t.Error("web fetch should not gate")
	}
	if !CheckTool("send_to_adapter", map[string]any{}, ModeSafe).RequireApproval {
		t.Error("send_to_adapter should gate in safe mode")
	}
	if !CheckTool("mystery", map[string]any{}, ModeSafe).RequireApproval {
		t.Error("unknown tools should gate in safe mode")
	}
}
