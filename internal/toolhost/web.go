package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/rs/zerolog/log"

	"github.com/p3lera/eclia/internal/mcp"
)

const (
	webFetchTimeout = 30 * time.Second
	webMaxBodySize  = 10 * 1024 * 1024
	webMaxMarkdown  = 40_000
	webCacheTTL     = 24 * time.Hour
)

// WebArgs are the arguments to the web tool.
type WebArgs struct {
	URL string `json:"url"`
}

// NewWebTool creates the in-process web tool definition.
func NewWebTool() mcp.Tool {
	return mcp.Tool{
		Name:        "web",
		Description: "Fetch a web page over HTTP(S) and return its content converted to Markdown. Partial URLs get an https:// prefix.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "The URL to fetch"}
			},
			"required": ["url"]
		}`),
	}
}

// webCacheEntry stores a cached page with its timestamp.
type webCacheEntry struct {
	markdown  string
	createdAt time.Time
}

// WebHandler fetches pages and converts them to Markdown, with a small
// in-memory cache keyed by URL.
type WebHandler struct {
	mu      sync.RWMutex
	entries map[string]webCacheEntry
	client  *http.Client
}

// NewWebHandler creates a handler with an empty cache.
func NewWebHandler() *WebHandler {
	return &WebHandler{
		entries: make(map[string]webCacheEntry),
		client:  &http.Client{Timeout: webFetchTimeout},
	}
}

// Handle implements mcp.ToolHandler.
func (h *WebHandler) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args WebArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return webError("invalid arguments: %v", err)
	}
	if strings.TrimSpace(args.URL) == "" {
		return webError("url is required")
	}

	pageURL := args.URL
	if !strings.Contains(pageURL, "://") {
		pageURL = "https://" + pageURL
	}

	if md, ok := h.cached(pageURL); ok {
		return mcp.TextResult(map[string]any{"url": pageURL, "markdown": md, "cached": true}, true)
	}

	md, finalURL, err := h.fetch(ctx, pageURL)
	if err != nil {
		return webError("fetch failed: %v", err)
	}
	h.store(pageURL, md)

	return mcp.TextResult(map[string]any{"url": finalURL, "markdown": md}, true)
}

func (h *WebHandler) fetch(ctx context.Context, pageURL string) (markdown, finalURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", "eclia-gateway/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, webMaxBodySize))
	if err != nil {
		return "", "", err
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "html") {
		md, err := htmltomarkdown.ConvertString(string(body))
		if err != nil {
			log.Warn().Err(err).Str("url", pageURL).Msg("html conversion failed, returning raw body")
			md = string(body)
		}
		markdown = md
	} else {
		markdown = string(body)
	}

	if len(markdown) > webMaxMarkdown {
		markdown = markdown[:webMaxMarkdown] + "\n\n... [truncated]"
	}
	return markdown, resp.Request.URL.String(), nil
}

func (h *WebHandler) cached(key string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.entries[key]
	if !ok || time.Since(entry.createdAt) > webCacheTTL {
		return "", false
	}
	return entry.markdown, true
}

func (h *WebHandler) store(key, markdown string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[key] = webCacheEntry{markdown: markdown, createdAt: time.Now()}
}

func webError(format string, args ...any) (*mcp.ToolResult, error) {
	return &mcp.ToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}, nil
}
