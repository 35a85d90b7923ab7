package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ServerInfo identifies the server in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// StdioServer is a newline-delimited JSON-RPC MCP server. It refuses tools/*
// requests until the client has sent notifications/initialized.
type StdioServer struct {
	info     ServerInfo
	tools    []Tool
	handlers map[string]ToolHandler

	writeMu sync.Mutex
	out     io.Writer

	mu          sync.Mutex
	initialized bool
}

// NewStdioServer creates a server with no tools registered.
func NewStdioServer(info ServerInfo) *StdioServer {
	return &StdioServer{
		info:     info,
		handlers: make(map[string]ToolHandler),
	}
}

// RegisterTool adds a tool and its handler.
func (s *StdioServer) RegisterTool(tool Tool, handler ToolHandler) {
	s.tools = append(s.tools, tool)
	s.handlers[tool.Name] = handler
}

// Run reads requests from r until EOF, writing responses to w. Tool calls
// run concurrently; writes are serialized.
func (s *StdioServer) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = w
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.send(NewErrorResponse(nil, ErrorCodeParseError, "parse error"))
			continue
		}

		if req.ID == nil {
			s.handleNotification(&req)
			continue
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			s.send(s.handleRequest(ctx, &req))
		}(req)
	}
	wg.Wait()
	return scanner.Err()
}

func (s *StdioServer) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
	default:
		log.Debug().Str("method", req.Method).Msg("ignoring notification")
	}
}

func (s *StdioServer) handleRequest(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		result := map[string]interface{}{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      s.info,
		}
		resp, err := NewResponse(req.ID, result)
		if err != nil {
			return NewErrorResponse(req.ID, ErrorCodeInternalError, err.Error())
		}
		return resp

	case "ping":
		resp, _ := NewResponse(req.ID, map[string]interface{}{})
		return resp

	case "tools/list", "tools/call":
		s.mu.Lock()
		ready := s.initialized
		s.mu.Unlock()
		if !ready {
			return NewErrorResponse(req.ID, ErrorCodeInvalidRequest, "server not initialized")
		}
		if req.Method == "tools/list" {
			resp, err := NewResponse(req.ID, ListToolsResult{Tools: s.tools})
			if err != nil {
				return NewErrorResponse(req.ID, ErrorCodeInternalError, err.Error())
			}
			return resp
		}
		return s.handleToolCall(ctx, req)

	default:
		return NewErrorResponse(req.ID, ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *StdioServer) handleToolCall(ctx context.Context, req *Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrorCodeInvalidParams, "invalid tools/call params")
	}

	handler, ok := s.handlers[params.Name]
	if !ok {
		result := &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("tool not found: %s", params.Name)}},
			IsError: true,
		}
		resp, _ := NewResponse(req.ID, result)
		return resp
	}

	result, err := handler(ctx, params.Arguments)
	if err != nil {
		result = &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("Error: %v", err)}},
			IsError: true,
		}
	}
	resp, err := NewResponse(req.ID, result)
	if err != nil {
		return NewErrorResponse(req.ID, ErrorCodeInternalError, err.Error())
	}
	return resp
}

func (s *StdioServer) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal response")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}
