package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// stderrTailLines is how many trailing stderr lines are kept for diagnostics.
const stderrTailLines = 50

// StdioClient speaks newline-delimited JSON-RPC to a child MCP server over
// its standard streams. One long-lived child serves the whole process;
// concurrent calls are multiplexed on the shared stream with serialized
// writes and responses correlated by request id.
type StdioClient struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	requestID atomic.Int64

	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[int64]chan *Response
	exitErr    error
	stderrTail []string

	exited chan struct{}
}

// NewStdioClient spawns command with args and begins reading its stdout.
func NewStdioClient(command string, args ...string) (*StdioClient, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}

	c := &StdioClient{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *Response),
		exited:  make(chan struct{}),
	}

	go c.readStdout(stdout)
	go c.readStderr(stderr)
	go c.waitExit()

	return c, nil
}

func (c *StdioClient) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil || resp.JSONRPC != "2.0" {
			log.Warn().Str("line", truncateLine(line, 200)).Msg("tool host emitted non-JSON-RPC stdout")
			continue
		}
		id, ok := idToInt64(resp.ID)
		if !ok {
			continue
		}
		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- &resp
		}
	}
}

func (c *StdioClient) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.mu.Lock()
		c.stderrTail = append(c.stderrTail, scanner.Text())
		if len(c.stderrTail) > stderrTailLines {
			c.stderrTail = c.stderrTail[len(c.stderrTail)-stderrTailLines:]
		}
		c.mu.Unlock()
	}
}

func (c *StdioClient) waitExit() {
	err := c.cmd.Wait()

	c.mu.Lock()
	tail := strings.Join(c.stderrTail, "\n")
	if err != nil {
		c.exitErr = fmt.Errorf("tool host exited: %v; stderr:\n%s", err, tail)
	} else {
		c.exitErr = fmt.Errorf("tool host exited; stderr:\n%s", tail)
	}
	pending := c.pending
	c.pending = make(map[int64]chan *Response)
	c.mu.Unlock()

	close(c.exited)
	for _, ch := range pending {
		ch <- nil
	}
}

// Call sends a request and waits for its response, the context, or child exit.
func (c *StdioClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.exitErr != nil {
		err := c.exitErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeLine(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			c.mu.Lock()
			err := c.exitErr
			c.mu.Unlock()
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a notification (no response expected).
func (c *StdioClient) Notify(_ context.Context, method string, params interface{}) error {
	req := &Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return c.writeLine(req)
}

func (c *StdioClient) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write to tool host: %w", err)
	}
	return nil
}

// Initialize performs the MCP handshake and the initialized notification.
func (c *StdioClient) Initialize(ctx context.Context, clientInfo map[string]interface{}) (*Response, error) {
	params := map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      clientInfo,
	}
	resp, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return resp, nil
	}
	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}
	return resp, nil
}

// ListTools requests the list of available tools from the server.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the server.
func (c *StdioClient) CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
	var argsJSON json.RawMessage
	if arguments != nil {
		data, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		argsJSON = data
	}

	resp, err := c.Call(ctx, "tools/call", CallToolParams{Name: name, Arguments: argsJSON})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("Error: %s", resp.Error.Message)}},
			IsError: true,
		}, nil
	}
	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &result, nil
}

// Close shuts the child down: stdin closes first to let it exit cleanly,
// then the process is killed if still running.
func (c *StdioClient) Close() error {
	c.stdin.Close()
	select {
	case <-c.exited:
		return nil
	default:
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	<-c.exited
	return nil
}

func idToInt64(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
