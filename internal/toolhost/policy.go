package toolhost

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Tool access modes.
const (
	ModeSafe = "safe"
	ModeFull = "full"
)

// SafetyCheck is the outcome of the declarative tool policy.
type SafetyCheck struct {
	RequireApproval  bool
	Reason           string
	MatchedAllowlist string
}

// readOnlyCommands are commands a safe-mode exec may run without approval.
var readOnlyCommands = map[string]struct{}{
	"ls": {}, "cat": {}, "head": {}, "tail": {}, "wc": {}, "pwd": {},
	"echo": {}, "grep": {}, "rg": {}, "find": {}, "which": {}, "file": {},
	"stat": {}, "du": {}, "df": {}, "date": {}, "uname": {}, "basename": {},
	"dirname": {}, "sort": {}, "uniq": {}, "cut": {}, "tr": {}, "diff": {},
}

// gitReadSubcommands are git subcommands considered read-only.
var gitReadSubcommands = map[string]struct{}{
	"status": {}, "log": {}, "diff": {}, "show": {}, "branch": {},
	"remote": {}, "blame": {}, "describe": {},
}

// CheckTool maps (toolName, parsedArgs, mode) to a safety decision. Full
// mode never gates; safe mode gates exec unless every command in the line
// is on the read-only allowlist.
func CheckTool(name string, args map[string]any, mode string) SafetyCheck {
	if mode == ModeFull {
		return SafetyCheck{Reason: "full access mode"}
	}

	switch name {
	case "exec":
		return checkExec(args)
	case "web":
		return SafetyCheck{Reason: "read-only web fetch"}
	case "send_to_adapter":
		return SafetyCheck{RequireApproval: true, Reason: "sends content to an external adapter"}
	default:
		return SafetyCheck{RequireApproval: true, Reason: "unrecognized tool in safe mode"}
	}
}

// checkExec inspects the requested command line. A direct cmd invocation is
// judged by its argv; a shell command line is parsed and every call in it
// (pipelines, lists, substitutions) must be allowlisted.
func checkExec(args map[string]any) SafetyCheck {
	if cmd, ok := args["cmd"].(string); ok && strings.TrimSpace(cmd) != "" {
		words := []string{cmd}
		if rawArgs, ok := args["args"].([]any); ok {
			for _, a := range rawArgs {
				if s, ok := a.(string); ok {
					words = append(words, s)
				}
			}
		}
		if allowed, matched := argvAllowed(words); allowed {
			return SafetyCheck{Reason: "read-only command", MatchedAllowlist: matched}
		}
		return SafetyCheck{RequireApproval: true, Reason: "command not on the read-only allowlist"}
	}

	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return SafetyCheck{RequireApproval: true, Reason: "empty exec request"}
	}

	calls, err := parseShellCalls(command)
	if err != nil || len(calls) == 0 {
		return SafetyCheck{RequireApproval: true, Reason: "command could not be parsed"}
	}

	var matched []string
	for _, call := range calls {
		allowed, m := argvAllowed(call)
		if !allowed {
			return SafetyCheck{RequireApproval: true, Reason: "command not on the read-only allowlist"}
		}
		matched = append(matched, m)
	}
	return SafetyCheck{Reason: "read-only command", MatchedAllowlist: strings.Join(matched, ",")}
}

// parseShellCalls extracts every simple-command argv from a shell line.
// Words that are not plain literals (expansions, substitutions) make the
// argv empty, which fails the allowlist check.
func parseShellCalls(command string) ([][]string, error) {
	parsed, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, err
	}

	var calls [][]string
	syntax.Walk(parsed, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok {
			return true
		}
		var argv []string
		for _, word := range call.Args {
			lit := literalWord(word)
			if lit == "" {
				argv = nil
				break
			}
			argv = append(argv, lit)
		}
		calls = append(calls, argv)
		return true
	})
	return calls, nil
}

// literalWord returns the word's literal text, or "" when it contains any
// expansion.
func literalWord(word *syntax.Word) string {
	var b strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return ""
				}
				b.WriteString(lit.Value)
			}
		default:
			return ""
		}
	}
	return b.String()
}

// argvAllowed reports whether one argv is read-only, and which allowlist
// entry matched.
func argvAllowed(argv []string) (bool, string) {
	if len(argv) == 0 {
		return false, ""
	}
	name := argv[0]
	if _, ok := readOnlyCommands[name]; ok {
		return true, name
	}
	if name == "git" && len(argv) > 1 {
		if _, ok := gitReadSubcommands[argv[1]]; ok {
			return true, "git " + argv[1]
		}
	}
	return false, ""
}
