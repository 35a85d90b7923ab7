package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/p3lera/eclia/internal/codexrpc"
	"github.com/p3lera/eclia/internal/transcript"
)

const (
	defaultCodexBudget = 64_000
	codexTurnTimeout   = 300 * time.Second
)

// Codex drives a locally spawned codex app-server over line JSON-RPC. One
// child per turn; it is torn down when the turn ends.
type Codex struct {
	base
	name        string
	model       string
	cwd         string
	tokenBudget int
}

// NewCodex creates a provider for the codex app-server.
func NewCodex(name, model, cwd string, tokenBudget int) *Codex {
	if tokenBudget <= 0 {
		tokenBudget = defaultCodexBudget
	}
	return &Codex{name: name, model: model, cwd: cwd, tokenBudget: tokenBudget}
}

func (p *Codex) Name() string     { return p.name }
func (p *Codex) Kind() string     { return KindCodexOAuth }
func (p *Codex) TokenBudget() int { return p.tokenBudget }
func (p *Codex) Close() error     { return nil }

// StreamTurn implements Provider. The app-server has its own session model,
// so the canonical history is rendered into a single prompt. Tool calls are
// not surfaced; inbound approval requests are declined.
func (p *Codex) StreamTurn(ctx context.Context, _ map[string]string, messages []transcript.Message,
	_ []Tool, _ SamplingOverrides, onDelta DeltaFunc) (*TurnResult, error) {

	client, err := codexrpc.Spawn("app-server")
	if err != nil {
		return nil, fmt.Errorf("spawn codex app-server: %w", err)
	}
	defer client.Close()

	// Decline whatever the child asks for; tool integration is not wired.
	client.Handler = func(_ context.Context, method string, _ json.RawMessage) (interface{}, error) {
		if strings.Contains(method, "requestApproval") {
			return map[string]string{"decision": "denied"}, nil
		}
		return nil, errors.New("Unsupported server request")
	}

	var textMu sync.Mutex
	var text textMerger
	client.OnNotification = func(method string, params json.RawMessage) {
		if method != "item/agentMessage/delta" {
			return
		}
		var delta struct {
			Delta string `json:"delta"`
			Text  string `json:"text"`
		}
		if err := json.Unmarshal(params, &delta); err != nil {
			return
		}
		value := delta.Delta
		if value == "" {
			value = delta.Text
		}
		textMu.Lock()
		suffix := text.apply(value)
		textMu.Unlock()
		if suffix != "" && onDelta != nil {
			onDelta(suffix)
		}
	}

	// Cancellation tears the child down, failing anything pending.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	if err := p.handshake(ctx, client); err != nil {
		return nil, err
	}

	threadID, err := p.startThread(ctx, client)
	if err != nil {
		return nil, err
	}

	prompt := renderPrompt(messages)
	if _, err := client.Request(ctx, "turn/start", map[string]interface{}{
		"threadId": threadID,
		"input":    []map[string]string{{"type": "text", "text": prompt}},
	}); err != nil {
		return nil, fmt.Errorf("turn/start: %w", err)
	}

	if _, err := client.WaitNotification(ctx, "turn/completed", nil, codexTurnTimeout); err != nil {
		return nil, err
	}

	textMu.Lock()
	assistantText := text.String()
	textMu.Unlock()
	return &TurnResult{AssistantText: assistantText, FinishReason: FinishStop}, nil
}

func (p *Codex) handshake(ctx context.Context, client *codexrpc.Client) error {
	if _, err := client.Request(ctx, "initialize", map[string]interface{}{
		"clientInfo": map[string]string{"name": "eclia-gateway", "version": "1.0.0"},
	}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := client.Notify("initialized", nil); err != nil {
		return err
	}

	result, err := client.Request(ctx, "account/read", nil)
	if err != nil {
		return fmt.Errorf("account/read: %w", err)
	}
	var account struct {
		Account      json.RawMessage `json:"account"`
		RequiresAuth bool            `json:"requiresAuth"`
	}
	if err := json.Unmarshal(result, &account); err == nil {
		missing := len(account.Account) == 0 || string(account.Account) == "null"
		if account.RequiresAuth && missing {
			return errors.New("codex is not authenticated: run `codex login` first")
		}
	}
	return nil
}

func (p *Codex) startThread(ctx context.Context, client *codexrpc.Client) (string, error) {
	result, err := client.Request(ctx, "thread/start", map[string]interface{}{
		"model":          p.model,
		"cwd":            p.cwd,
		"approvalPolicy": "never",
		"sandbox":        "readOnly",
	})
	if err != nil {
		return "", fmt.Errorf("thread/start: %w", err)
	}
	var thread struct {
		ThreadID string `json:"threadId"`
		Thread   struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(result, &thread); err != nil {
		return "", fmt.Errorf("thread/start result: %w", err)
	}
	id := thread.ThreadID
	if id == "" {
		id = thread.Thread.ID
	}
	if id == "" {
		return "", errors.New("thread/start returned no thread id")
	}
	return id, nil
}

// renderPrompt flattens canonical history into one text prompt for the
// app-server's thread model.
func renderPrompt(messages []transcript.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Kind {
		case transcript.KindSystem:
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		case transcript.KindUser:
			b.WriteString("User: ")
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		case transcript.KindAssistant:
			if m.Content != "" {
				b.WriteString("Assistant: ")
				b.WriteString(m.Content)
				b.WriteString("\n\n")
			}
		}
	}
	prompt := strings.TrimSpace(b.String())
	if prompt == "" {
		log.Warn().Msg("codex turn started with empty prompt")
	}
	return prompt
}
