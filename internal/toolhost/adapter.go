package toolhost

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/p3lera/eclia/internal/mcp"
)

// SendToAdapterArgs are the arguments to the send_to_adapter tool.
type SendToAdapterArgs struct {
	Adapter string `json:"adapter"`
	Text    string `json:"text"`
}

// NewSendToAdapterTool creates the send_to_adapter tool definition.
func NewSendToAdapterTool() mcp.Tool {
	return mcp.Tool{
		Name:        "send_to_adapter",
		Description: "Deliver a message to a configured chat adapter (discord, telegram, ...) out of band.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"adapter": {"type": "string", "description": "Adapter name from the gateway configuration"},
				"text":    {"type": "string", "description": "Message text to deliver"}
			},
			"required": ["adapter", "text"]
		}`),
	}
}

// AdapterNotifier posts messages to adapter webhook endpoints.
type AdapterNotifier struct {
	Webhooks map[string]string // adapter name -> URL
	client   *http.Client
}

// NewAdapterNotifier creates a notifier for the configured webhooks.
func NewAdapterNotifier(webhooks map[string]string) *AdapterNotifier {
	return &AdapterNotifier{
		Webhooks: webhooks,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Handle implements mcp.ToolHandler.
func (n *AdapterNotifier) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args SendToAdapterArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return webError("invalid arguments: %v", err)
	}
	url, ok := n.Webhooks[args.Adapter]
	if !ok {
		return webError("unknown adapter: %s", args.Adapter)
	}

	body, _ := json.Marshal(map[string]string{"text": args.Text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return webError("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return webError("deliver to %s: %v", args.Adapter, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return webError("adapter %s returned status %d", args.Adapter, resp.StatusCode)
	}

	return mcp.TextResult(map[string]any{"delivered": true, "adapter": args.Adapter}, true)
}
