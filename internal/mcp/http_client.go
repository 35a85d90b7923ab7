package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPClient is an MCP client for a Streamable-HTTP upstream. Used when the
// tool host runs as a remote service instead of a spawned child.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	requestID  atomic.Int64
	sessionID  string
}

// NewHTTPClient creates a client for the given endpoint.
func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Call makes an MCP request and returns the response.
func (c *HTTPClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	req, err := NewRequest(c.requestID.Add(1), method, params)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.send(ctx, req)
}

func (c *HTTPClient) send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if c.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	httpReq.Header.Set("MCP-Protocol-Version", ProtocolVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close response body")
		}
	}()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("http error %d: %s", httpResp.StatusCode, string(respBody))
	}

	if sessionID := httpResp.Header.Get("Mcp-Session-Id"); sessionID != "" {
		c.sessionID = sessionID
	}

	if strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return parseSSEResponse(httpResp.Body)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// parseSSEResponse parses a Server-Sent Events stream for MCP responses.
func parseSSEResponse(body io.Reader) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		} else if line == "" && len(dataLines) > 0 {
			data := strings.Join(dataLines, "")
			dataLines = nil

			var resp Response
			if err := json.Unmarshal([]byte(data), &resp); err != nil {
				continue // skip malformed events
			}
			if resp.ID != nil {
				return &resp, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read SSE stream: %w", err)
	}

	if len(dataLines) > 0 {
		data := strings.Join(dataLines, "")
		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			return nil, fmt.Errorf("unmarshal final SSE data: %w", err)
		}
		return &resp, nil
	}
	return nil, fmt.Errorf("no response in SSE stream")
}

// Notify sends a notification (no response expected).
func (c *HTTPClient) Notify(ctx context.Context, method string, params interface{}) error {
	req := &Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if c.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	httpReq.Header.Set("MCP-Protocol-Version", ProtocolVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close response body")
		}
	}()

	if sessionID := httpResp.Header.Get("Mcp-Session-Id"); sessionID != "" {
		c.sessionID = sessionID
	}
	if httpResp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("http error %d: %s", httpResp.StatusCode, string(respBody))
	}
	return nil
}

// Initialize sends the initialize request and completes the handshake.
func (c *HTTPClient) Initialize(ctx context.Context, clientInfo map[string]interface{}) (*Response, error) {
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
func (c *HTTPClient) ListTools(ctx context.Context) ([]Tool, error) {
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
func (c *HTTPClient) CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
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

// Close closes idle HTTP connections.
func (c *HTTPClient) Close() error {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}
