package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/p3lera/eclia/internal/jsonx"
	"github.com/p3lera/eclia/internal/transcript"
)

const (
	anthropicVersion        = "2023-06-01"
	defaultAnthropicBudget  = 180_000
	defaultAnthropicMaxToks = 8192
)

// Anthropic speaks the Messages API SSE protocol.
type Anthropic struct {
	base
	name        string
	baseURL     string
	model       string
	temperature float64
	tokenBudget int
	httpClient  *http.Client
}

// NewAnthropic creates a provider for an Anthropic Messages endpoint.
func NewAnthropic(name, endpoint, model string, temperature float64, tokenBudget int) *Anthropic {
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if tokenBudget <= 0 {
		tokenBudget = defaultAnthropicBudget
	}
	return &Anthropic{
		name:        name,
		baseURL:     strings.TrimRight(endpoint, "/"),
		model:       model,
		temperature: temperature,
		tokenBudget: tokenBudget,
		httpClient:  &http.Client{},
	}
}

func (p *Anthropic) Name() string     { return p.name }
func (p *Anthropic) Kind() string     { return KindAnthropic }
func (p *Anthropic) TokenBudget() int { return p.tokenBudget }

// Anthropic Messages API request types.

type anthropicRequest struct {
	Model       string                `json:"model"`
	Messages    []anthropicMessage    `json:"messages"`
	System      []anthropicCacheBlock `json:"system,omitempty"`
	MaxTokens   int                   `json:"max_tokens"`
	Temperature float64               `json:"temperature,omitempty"`
	TopP        *float64              `json:"top_p,omitempty"`
	TopK        *int                  `json:"top_k,omitempty"`
	Stream      bool                  `json:"stream"`
	Tools       []anthropicTool       `json:"tools,omitempty"`
}

// anthropicCacheControl marks a block for prompt caching.
type anthropicCacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// anthropicCacheBlock is a system prompt content block with optional cache_control.
type anthropicCacheBlock struct {
	Type         string                 `json:"type"` // "text"
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []block
}

// anthropicTextBlock is a "text" content block.
type anthropicTextBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// anthropicToolUseBlock is a "tool_use" content block.
type anthropicToolUseBlock struct {
	Type  string          `json:"type"` // "tool_use"
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// anthropicToolResultBlock is a "tool_result" content block.
type anthropicToolResultBlock struct {
	Type      string `json:"type"` // "tool_result"
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  json.RawMessage        `json:"input_schema"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

// StreamTurn implements Provider. A 400 on a request carrying top_k is
// retried exactly once without it — some Messages-compatible backends reject
// the parameter.
func (p *Anthropic) StreamTurn(ctx context.Context, headers map[string]string, messages []transcript.Message,
	tools []Tool, sampling SamplingOverrides, onDelta DeltaFunc) (*TurnResult, error) {

	req := p.buildRequest(messages, tools, sampling)

	reader, err := p.open(ctx, headers, req)
	var ue *upstreamError
	if err != nil && errors.As(err, &ue) && ue.status == 400 && req.TopK != nil {
		log.Warn().Str("provider", p.name).Msg("400 with top_k set, retrying without it")
		req.TopK = nil
		reader, err = p.open(ctx, headers, req)
	}
	if err != nil {
		if errors.As(err, &ue) {
			return nil, errors.New(upstreamErrorMessage(ue))
		}
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer reader.Close()
		parseAnthropicStream(ctx, reader, ch)
	}()

	result, err := collectTurn(ch, onDelta)
	if err != nil {
		return nil, err
	}
	if result.FinishReason == "tool_use" {
		result.FinishReason = FinishToolCalls
	}
	return result, nil
}

func (p *Anthropic) buildRequest(messages []transcript.Message, tools []Tool, sampling SamplingOverrides) anthropicRequest {
	system, wireMsgs := toAnthropicMessages(messages)
	req := anthropicRequest{
		Model:       p.model,
		Messages:    wireMsgs,
		System:      system,
		MaxTokens:   defaultAnthropicMaxToks,
		Temperature: p.temperature,
		Stream:      true,
		Tools:       toAnthropicTools(tools),
	}
	if sampling.Temperature != nil {
		req.Temperature = *sampling.Temperature
	}
	if sampling.MaxTokens != nil {
		req.MaxTokens = *sampling.MaxTokens
	}
	req.TopP = sampling.TopP
	req.TopK = sampling.TopK
	return req
}

func (p *Anthropic) open(ctx context.Context, headers map[string]string, req anthropicRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	merged := map[string]string{"anthropic-version": anthropicVersion}
	for k, v := range headers {
		merged[k] = v
	}
	return httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      p.baseURL + "/v1/messages",
		body:     body,
		headers:  merged,
		provider: p.name,
		model:    p.model,
	})
}

// upstreamErrorMessage extracts error.message from an error body, truncated
// to 200 chars, falling back to the raw body.
func upstreamErrorMessage(ue *upstreamError) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := ue.body
	if err := json.Unmarshal([]byte(ue.body), &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}
	return "Upstream error: " + strconv.Itoa(ue.status) + ": " + truncateMessage(msg, 200)
}

// Close closes idle HTTP connections.
func (p *Anthropic) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

// toAnthropicMessages converts canonical messages to Messages API format.
// Returns (system blocks, messages) — system is hoisted out. Consecutive
// tool results merge into a single user message; tool_use blocks whose
// results were truncated away are dropped, since the API rejects a tool_use
// without its tool_result in the very next user message.
func toAnthropicMessages(messages []transcript.Message) ([]anthropicCacheBlock, []anthropicMessage) {
	var systemParts []string
	var result []anthropicMessage

	// callID -> whether a tool message answers it before the next assistant
	// message, for orphan detection.
	answered := make(map[string]bool)
	for i, m := range messages {
		if m.Kind != transcript.KindAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			for _, later := range messages[i+1:] {
				if later.Kind == transcript.KindAssistant {
					break
				}
				if later.Kind == transcript.KindTool && later.ToolCallID == tc.CallID {
					answered[tc.CallID] = true
					break
				}
			}
		}
	}

	for i := 0; i < len(messages); i++ {
		m := messages[i]
		switch m.Kind {
		case transcript.KindSystem:
			systemParts = append(systemParts, m.Content)

		case transcript.KindTool:
			// Merge this run of tool results into one user message.
			var blocks []anthropicToolResultBlock
			for ; i < len(messages) && messages[i].Kind == transcript.KindTool; i++ {
				blocks = append(blocks, anthropicToolResultBlock{
					Type:      "tool_result",
					ToolUseID: messages[i].ToolCallID,
					Content:   messages[i].Content,
					IsError:   toolResultIsError(messages[i].Content),
				})
			}
			i--
			result = append(result, anthropicMessage{Role: "user", Content: blocks})

		case transcript.KindAssistant:
			if len(m.ToolCalls) == 0 {
				result = append(result, anthropicMessage{Role: "assistant", Content: m.Content})
				continue
			}
			var blocks []interface{}
			if m.Content != "" {
				blocks = append(blocks, anthropicTextBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				if !answered[tc.CallID] {
					continue
				}
				blocks = append(blocks, anthropicToolUseBlock{
					Type:  "tool_use",
					ID:    tc.CallID,
					Name:  tc.Name,
					Input: toolUseInput(tc.ArgsRaw),
				})
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropicMessage{Role: "assistant", Content: blocks})

		default:
			result = append(result, anthropicMessage{Role: m.Kind, Content: m.Content})
		}
	}

	var system []anthropicCacheBlock
	if len(systemParts) > 0 {
		system = make([]anthropicCacheBlock, len(systemParts))
		for i, part := range systemParts {
			system[i] = anthropicCacheBlock{Type: "text", Text: part}
		}
		// Mark last system block for prompt caching.
		system[len(system)-1].CacheControl = &anthropicCacheControl{Type: "ephemeral"}
	}
	return system, result
}

// toolUseInput converts verbatim argsRaw into a tool_use input object,
// repairing malformed JSON along the way.
func toolUseInput(argsRaw string) json.RawMessage {
	return json.RawMessage(jsonx.RepairRaw(argsRaw))
}

// toolResultIsError peeks at a serialized tool result for its ok flag.
func toolResultIsError(content string) bool {
	var probe struct {
		OK *bool `json:"ok"`
	}
	if err := json.Unmarshal([]byte(content), &probe); err != nil || probe.OK == nil {
		return false
	}
	return !*probe.OK
}

// toAnthropicTools converts tool definitions to the Messages API format.
// InputSchema passes through as raw JSON to preserve serialization order.
func toAnthropicTools(tools []Tool) []anthropicTool {
	if tools == nil {
		return nil
	}
	emptySchema := json.RawMessage(`{"type":"object","properties":{}}`)
	result := make([]anthropicTool, len(tools))
	for i, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = emptySchema
		}
		result[i] = anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		}
	}
	// Mark last tool for prompt caching. Tools + system form a stable cached
	// prefix across turns.
	if len(result) > 0 {
		result[len(result)-1].CacheControl = &anthropicCacheControl{Type: "ephemeral"}
	}
	return result
}
