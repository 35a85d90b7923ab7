package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/p3lera/eclia/internal/jsonx"
	"github.com/p3lera/eclia/internal/mcp"
	"github.com/p3lera/eclia/internal/transcript"
)

// Tool-layer error codes surfaced inside tool results.
const (
	ToolErrHostUnreachable = "tool_host_unreachable"
	ToolErrBadArgs         = "bad_tool_args"
	ToolErrUnknownTool     = "unknown_tool"
	ToolErrDenied          = "denied_by_user"
	ToolErrApprovalTimeout = "approval_timeout"
)

// Dispatcher routes tool calls to in-process handlers or the tool-host
// child, then post-processes the results. Tool failures are data: they come
// back as ok:false results, never as Go errors.
type Dispatcher struct {
	mu            sync.RWMutex
	upstream      mcp.UpstreamClient
	localTools    map[string]mcp.Tool
	localHandlers map[string]mcp.ToolHandler
	sanitizer     *Sanitizer
}

// NewDispatcher creates a dispatcher over an optional upstream tool host.
func NewDispatcher(upstream mcp.UpstreamClient, sanitizer *Sanitizer) *Dispatcher {
	return &Dispatcher{
		upstream:      upstream,
		localTools:    make(map[string]mcp.Tool),
		localHandlers: make(map[string]mcp.ToolHandler),
		sanitizer:     sanitizer,
	}
}

// RegisterTool registers an in-process tool.
func (d *Dispatcher) RegisterTool(tool mcp.Tool, handler mcp.ToolHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localTools[tool.Name] = tool
	d.localHandlers[tool.Name] = handler
}

// Initialize performs the upstream MCP handshake if an upstream exists.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	if d.upstream == nil {
		return nil
	}
	resp, err := d.upstream.Initialize(ctx, map[string]interface{}{
		"name":    "eclia-gateway",
		"version": "1.0.0",
	})
	if err != nil {
		return fmt.Errorf("initialize tool host: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("tool host error: %s", resp.Error.Message)
	}
	return nil
}

// ListTools returns all available tools (local + upstream).
func (d *Dispatcher) ListTools(ctx context.Context) []mcp.Tool {
	d.mu.RLock()
	tools := make([]mcp.Tool, 0, len(d.localTools))
	for _, t := range d.localTools {
		tools = append(tools, t)
	}
	upstream := d.upstream
	d.mu.RUnlock()

	if upstream != nil {
		upstreamTools, err := upstream.ListTools(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to list tool host tools")
		} else {
			tools = append(tools, upstreamTools...)
		}
	}
	return tools
}

// ToolNames returns the set of dispatchable tool names.
func (d *Dispatcher) ToolNames(ctx context.Context) map[string]bool {
	names := make(map[string]bool)
	for _, t := range d.ListTools(ctx) {
		names[t.Name] = true
	}
	return names
}

// Dispatch executes one tool call and returns its sanitized result.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, call transcript.ToolCall) transcript.ToolResult {
	args := jsonx.ParseArgs(call.ArgsRaw)
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return ErrorResult(call, ToolErrBadArgs, err.Error())
	}

	d.mu.RLock()
	handler, isLocal := d.localHandlers[call.Name]
	upstream := d.upstream
	d.mu.RUnlock()

	var result *mcp.ToolResult
	switch {
	case isLocal:
		result, err = handler(ctx, argsJSON)
		if err != nil {
			return ErrorResult(call, ToolErrBadArgs, err.Error())
		}
	case upstream != nil:
		result, err = upstream.CallTool(ctx, call.Name, args)
		if err != nil {
			log.Warn().Err(err).Str("tool", call.Name).Msg("tool host call failed")
			return ErrorResult(call, ToolErrHostUnreachable, err.Error())
		}
	default:
		return ErrorResult(call, ToolErrUnknownTool, fmt.Sprintf("tool not found: %s", call.Name))
	}

	payload := extractText(result.Content)
	raw := json.RawMessage(payload)
	if !json.Valid(raw) {
		wrapped, _ := json.Marshal(map[string]string{"output": payload})
		raw = wrapped
	}
	if d.sanitizer != nil {
		raw = d.sanitizer.SanitizeResult(sessionID, call.CallID, raw)
	}

	return transcript.ToolResult{
		CallID:  call.CallID,
		Name:    call.Name,
		Content: raw,
		OK:      !result.IsError,
	}
}

// Close shuts down the upstream connection if it supports closing.
func (d *Dispatcher) Close() error {
	d.mu.RLock()
	upstream := d.upstream
	d.mu.RUnlock()
	if closer, ok := upstream.(interface{ Close() error }); ok && upstream != nil {
		return closer.Close()
	}
	return nil
}

// ErrorResult synthesizes an ok:false tool result carrying an error code.
// Used both for dispatch failures and for approval denials.
func ErrorResult(call transcript.ToolCall, code, message string) transcript.ToolResult {
	content, _ := json.Marshal(map[string]any{
		"ok":    false,
		"error": map[string]string{"code": code, "message": message},
	})
	return transcript.ToolResult{
		CallID:  call.CallID,
		Name:    call.Name,
		Content: content,
		OK:      false,
	}
}

// extractText concatenates the text content blocks of a tool result.
func extractText(content []mcp.ContentBlock) string {
	var text string
	for _, block := range content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}
