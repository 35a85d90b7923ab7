package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/p3lera/eclia/internal/transcript"
)

// defaultOpenAIBudget is the context token budget for OpenAI-compatible
// profiles without an explicit configuration.
const defaultOpenAIBudget = 96_000

// OpenAICompat speaks the Chat Completions SSE protocol against any
// OpenAI-compatible endpoint, including local servers and proxies that
// stream cumulatively.
type OpenAICompat struct {
	base
	name        string
	baseURL     string
	model       string
	temperature float64
	tokenBudget int
	httpClient  *http.Client
}

// NewOpenAICompat creates a provider for an OpenAI-compatible endpoint.
func NewOpenAICompat(name, endpoint, model string, temperature float64, tokenBudget int) *OpenAICompat {
	if tokenBudget <= 0 {
		tokenBudget = defaultOpenAIBudget
	}
	return &OpenAICompat{
		name:        name,
		baseURL:     strings.TrimRight(endpoint, "/"),
		model:       model,
		temperature: temperature,
		tokenBudget: tokenBudget,
		httpClient:  &http.Client{},
	}
}

func (p *OpenAICompat) Name() string     { return p.name }
func (p *OpenAICompat) Kind() string     { return KindOpenAICompatible }
func (p *OpenAICompat) TokenBudget() int { return p.tokenBudget }

// chatStreamOptions requests usage info in the streaming response.
type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// oaChatRequest is the Chat Completions request body.
type oaChatRequest struct {
	Model         string                         `json:"model"`
	Messages      []openai.ChatCompletionMessage `json:"messages"`
	Tools         []openai.Tool                  `json:"tools,omitempty"`
	Temperature   float64                        `json:"temperature,omitempty"`
	TopP          *float64                       `json:"top_p,omitempty"`
	MaxTokens     *int                           `json:"max_tokens,omitempty"`
	Stream        bool                           `json:"stream"`
	StreamOptions *chatStreamOptions             `json:"stream_options,omitempty"`
}

// StreamTurn implements Provider.
func (p *OpenAICompat) StreamTurn(ctx context.Context, headers map[string]string, messages []transcript.Message,
	tools []Tool, sampling SamplingOverrides, onDelta DeltaFunc) (*TurnResult, error) {

	req := oaChatRequest{
		Model:         p.model,
		Messages:      toOpenAIMessages(messages),
		Tools:         toOpenAITools(tools),
		Temperature:   p.temperature,
		Stream:        true,
		StreamOptions: &chatStreamOptions{IncludeUsage: true},
	}
	if sampling.Temperature != nil {
		req.Temperature = *sampling.Temperature
	}
	req.TopP = sampling.TopP
	req.MaxTokens = sampling.MaxTokens

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	reader, err := httpDoSSE(ctx, httpRequestConfig{
		client:   p.httpClient,
		url:      p.baseURL + "/chat/completions",
		body:     body,
		headers:  headers,
		provider: p.name,
		model:    p.model,
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer reader.Close()
		parseOpenAIStream(ctx, reader, ch)
	}()

	return collectTurn(ch, onDelta)
}

// Close closes idle HTTP connections.
func (p *OpenAICompat) Close() error {
	if p.httpClient != nil {
		p.httpClient.CloseIdleConnections()
	}
	return nil
}

// Chat Completions SSE frame types. Both the streaming delta shape and the
// non-streaming message shape appear in the wild; some proxies also still
// emit the legacy function_call field.

type oaStreamResponse struct {
	Choices []oaStreamChoice `json:"choices"`
	Error   *oaStreamError   `json:"error,omitempty"`
}

type oaStreamError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (e *oaStreamError) Error() string { return "upstream stream error: " + e.Message }

type oaStreamChoice struct {
	Delta        *oaStreamDelta `json:"delta,omitempty"`
	Message      *oaStreamDelta `json:"message,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

type oaStreamDelta struct {
	Role         string            `json:"role,omitempty"`
	Content      string            `json:"content,omitempty"`
	ToolCalls    []oaStreamCall    `json:"tool_calls,omitempty"`
	FunctionCall *oaStreamFunction `json:"function_call,omitempty"`
}

type oaStreamCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function oaStreamFunction `json:"function"`
}

type oaStreamFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// parseOpenAIStream reads SSE lines from a reader and sends parsed stream
// events on the channel. Returns when the stream ends, an error frame
// arrives, or ctx is cancelled. Caller must close the reader.
func parseOpenAIStream(ctx context.Context, reader io.Reader, ch chan<- StreamEvent) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			trySend(ctx, ch, StreamEvent{Type: EventDone})
			return
		}

		var chunk oaStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Warn().Err(err).Str("data", data).Msg("Failed to parse SSE chunk")
			continue
		}
		if chunk.Error != nil {
			trySend(ctx, ch, StreamEvent{Type: EventError, Err: chunk.Error})
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		if !emitOpenAIChoice(ctx, ch, chunk.Choices[0]) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: err})
		return
	}
	trySend(ctx, ch, StreamEvent{Type: EventDone})
}

// emitOpenAIChoice sends stream events for one choice. Returns false if ctx
// cancelled.
func emitOpenAIChoice(ctx context.Context, ch chan<- StreamEvent, choice oaStreamChoice) bool {
	delta := choice.Delta
	if delta == nil {
		delta = choice.Message
	}
	if delta != nil {
		if delta.Content != "" {
			if !trySend(ctx, ch, StreamEvent{Type: EventContent, Content: delta.Content}) {
				return false
			}
		}
		for _, tc := range delta.ToolCalls {
			evt := StreamEvent{Type: EventToolCall, Tool: ToolCallDelta{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			}}
			if tc.Index != nil {
				evt.Tool.HasIndex = true
				evt.Tool.Index = *tc.Index
			}
			if !trySend(ctx, ch, evt) {
				return false
			}
		}
		if fc := delta.FunctionCall; fc != nil {
			if !trySend(ctx, ch, StreamEvent{Type: EventToolCall, Tool: ToolCallDelta{
				Name: fc.Name,
				Args: fc.Arguments,
			}}) {
				return false
			}
		}
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		return trySend(ctx, ch, StreamEvent{Type: EventFinish, FinishReason: *choice.FinishReason})
	}
	return true
}

// toOpenAIMessages converts canonical messages to Chat Completions message
// format. Tool results stay one message per call.
func toOpenAIMessages(messages []transcript.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:    m.Kind,
			Content: m.Content,
		}
		if m.Kind == transcript.KindTool {
			msg.ToolCallID = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				msg.ToolCalls[j] = openai.ToolCall{
					ID:   tc.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.ArgsRaw,
					},
				}
			}
		}
		result = append(result, msg)
	}
	return result
}

// toOpenAITools converts tool definitions to the Chat Completions format.
// Parameters pass through as raw JSON to preserve serialization order.
func toOpenAITools(tools []Tool) []openai.Tool {
	if tools == nil {
		return nil
	}
	emptyParams := json.RawMessage(`{"type":"object","properties":{}}`)
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParams
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}
