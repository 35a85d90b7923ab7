// Package orchestrator drives the chat turn loop: provider streaming, tool
// dispatch with approval gating, transcript bookkeeping, and SSE emission.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/p3lera/eclia/internal/approval"
	"github.com/p3lera/eclia/internal/auth"
	"github.com/p3lera/eclia/internal/contextbuild"
	"github.com/p3lera/eclia/internal/jsonx"
	"github.com/p3lera/eclia/internal/provider"
	"github.com/p3lera/eclia/internal/sse"
	"github.com/p3lera/eclia/internal/toolhost"
	"github.com/p3lera/eclia/internal/transcript"
)

// Defaults for the turn loop.
const (
	DefaultMaxTurns        = 24
	DefaultApprovalTimeout = 5 * time.Minute
)

// Stream modes.
const (
	StreamFull  = "full"
	StreamFinal = "final"
)

// ChatRequest is one /api/chat invocation.
type ChatRequest struct {
	SessionID      string
	UserText       string
	RouteKey       string
	ToolAccessMode string // safe|full, default safe
	StreamMode     string // full|final, default full
	Sampling       provider.SamplingOverrides
}

// CredentialFunc resolves the auth headers for a provider profile.
type CredentialFunc func(p provider.Provider) (map[string]string, error)

// Orchestrator owns the per-process collaborators of the turn loop. All
// fields are required unless noted.
type Orchestrator struct {
	Store       *transcript.Store
	Registry    *provider.Registry
	Credentials CredentialFunc
	Dispatcher  *toolhost.Dispatcher
	Approvals   *approval.Hub

	SystemPrompt    string        // optional
	MaxTurns        int           // default DefaultMaxTurns
	ApprovalTimeout time.Duration // default DefaultApprovalTimeout
}

// Event payloads on the /api/chat stream.

type metaPayload struct {
	SessionID  string `json:"sessionId"`
	Model      string `json:"model"`
	UsedTokens int    `json:"usedTokens"`
	Dropped    int    `json:"dropped"`
}

type deltaPayload struct {
	Text string `json:"text"`
}

type approvalPayload struct {
	Required bool   `json:"required"`
	ID       string `json:"id,omitempty"`
	Reason   string `json:"reason"`
}

type toolCallArgsPayload struct {
	Raw      string          `json:"raw"`
	Approval approvalPayload `json:"approval"`
}

type toolCallPayload struct {
	CallID  string              `json:"callId"`
	Name    string              `json:"name"`
	Args    toolCallArgsPayload `json:"args"`
	Warning string              `json:"warning,omitempty"`
}

type toolResultPayload struct {
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
}

type finalPayload struct {
	Text string `json:"text"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// emitter filters events per stream mode before they reach the queue.
type emitter struct {
	queue *eventQueue
	mode  string
}

func (e *emitter) emit(name string, data interface{}) {
	if e.mode == StreamFinal {
		switch name {
		case sse.EventMeta, sse.EventFinal, sse.EventDone, sse.EventError:
		default:
			return
		}
	}
	e.queue.push(sse.Event{Name: name, Data: data})
}

// Run executes one chat turn to fixpoint. The caller holds the session lock
// and has validated the session id. Events stream onto writer; Run returns
// once the stream is fully drained.
func (o *Orchestrator) Run(ctx context.Context, req ChatRequest, writer *sse.Writer) {
	queue := newEventQueue(writer)
	em := &emitter{queue: queue, mode: req.StreamMode}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("session", req.SessionID).Msg("turn panicked")
			em.emit(sse.EventError, errorPayload{Message: "internal error"})
		}
		em.emit(sse.EventDone, struct{}{})
		queue.close()
		queue.wait()
	}()

	prov, err := o.Registry.Resolve(provider.ParseRouteKey(req.RouteKey))
	if err != nil {
		em.emit(sse.EventError, errorPayload{Message: "no provider for route key " + req.RouteKey})
		return
	}

	if err := o.beginTurn(req, prov); err != nil {
		em.emit(sse.EventError, errorPayload{Message: err.Error()})
		return
	}

	built, err := o.buildContext(req.SessionID, prov)
	if err != nil {
		em.emit(sse.EventError, errorPayload{Message: err.Error()})
		return
	}

	em.emit(sse.EventMeta, metaPayload{
		SessionID:  req.SessionID,
		Model:      prov.Kind() + ":" + prov.Name(),
		UsedTokens: built.UsedTokens,
		Dropped:    built.Dropped,
	})

	if err := o.turnLoop(ctx, req, prov, em, built.Messages); err != nil {
		em.emit(sse.EventError, errorPayload{Message: err.Error()})
	}
}

// beginTurn appends the user record and the turn metadata record.
func (o *Orchestrator) beginTurn(req ChatRequest, prov provider.Provider) error {
	if err := o.Store.Append(req.SessionID, transcript.NewMsgRecord(transcript.Message{
		Kind:      transcript.KindUser,
		Content:   req.UserText,
		CreatedAt: time.Now(),
	})); err != nil {
		return fmt.Errorf("append user record: %w", err)
	}
	o.Store.SetTitle(req.SessionID, titleFrom(req.UserText))

	meta := transcript.TurnMeta{
		Upstream:    prov.Kind() + ":" + prov.Name(),
		TokenBudget: prov.TokenBudget(),
	}
	if req.Sampling.Temperature != nil {
		meta.Sampling = map[string]float64{"temperature": *req.Sampling.Temperature}
	}
	return o.Store.Append(req.SessionID, transcript.NewTurnRecord(meta))
}

func (o *Orchestrator) buildContext(sessionID string, prov provider.Provider) (contextbuild.Result, error) {
	effective, err := o.Store.Effective(sessionID)
	if err != nil {
		return contextbuild.Result{}, fmt.Errorf("read transcript: %w", err)
	}
	if o.SystemPrompt != "" {
		effective = append([]transcript.Message{{
			Kind:    transcript.KindSystem,
			Content: o.SystemPrompt,
		}}, effective...)
	}
	return contextbuild.Build(effective, prov.TokenBudget()), nil
}

// turnLoop runs provider → tools → provider until a text-only turn or the
// iteration cap.
func (o *Orchestrator) turnLoop(ctx context.Context, req ChatRequest, prov provider.Provider,
	em *emitter, ctxMsgs []transcript.Message) error {

	maxTurns := o.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	mode := req.ToolAccessMode
	if mode == "" {
		mode = toolhost.ModeSafe
	}

	tools, allowed := o.providerTools(ctx)

	for i := 0; i < maxTurns; i++ {
		headers, err := o.Credentials(prov)
		if err != nil {
			var missing *auth.MissingCredentialError
			if errors.As(err, &missing) {
				return missing
			}
			return fmt.Errorf("resolve credentials: %w", err)
		}

		em.emit(sse.EventAssistantStart, struct{}{})
		result, err := prov.StreamTurn(ctx, headers, ctxMsgs, tools, req.Sampling, func(text string) {
			em.emit(sse.EventDelta, deltaPayload{Text: text})
		})
		if err != nil {
			return err
		}
		em.emit(sse.EventAssistantEnd, struct{}{})

		calls := result.ToolCalls
		warning := ""
		if len(calls) == 0 {
			if fallback := parsePlaintextToolCalls(result.AssistantText, allowed); len(fallback) > 0 {
				calls = fallback
				warning = "tool calls parsed from assistant text"
			}
		}

		if len(calls) == 0 || (warning == "" && !result.WantsTools()) {
			if err := o.Store.Append(req.SessionID, transcript.NewMsgRecord(
				prov.AssistantMessage(result.AssistantText, nil))); err != nil {
				return fmt.Errorf("append assistant record: %w", err)
			}
			em.emit(sse.EventFinal, finalPayload{Text: result.AssistantText})
			return nil
		}

		if err := o.Store.Append(req.SessionID, transcript.NewMsgRecord(
			prov.AssistantMessage(result.AssistantText, calls))); err != nil {
			return fmt.Errorf("append assistant record: %w", err)
		}

		if err := o.runToolRound(ctx, req.SessionID, mode, warning, calls, em); err != nil {
			return err
		}

		built, err := o.buildContext(req.SessionID, prov)
		if err != nil {
			return err
		}
		ctxMsgs = built.Messages
	}

	return errors.New("too_many_turns: turn loop exceeded " + fmt.Sprint(maxTurns) + " iterations")
}

// runToolRound gates, dispatches and records one round of tool calls, in
// declaration order.
func (o *Orchestrator) runToolRound(ctx context.Context, sessionID, mode, warning string,
	calls []transcript.ToolCall, em *emitter) error {

	timeout := o.ApprovalTimeout
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}

	for _, call := range calls {
		parsedArgs := jsonx.ParseArgs(call.ArgsRaw)
		check := toolhost.CheckTool(call.Name, parsedArgs, mode)

		var result transcript.ToolResult
		if check.RequireApproval {
			id, decisionCh := o.Approvals.Create(sessionID, timeout)
			em.emit(sse.EventToolCall, toolCallPayload{
				CallID:  call.CallID,
				Name:    call.Name,
				Args:    toolCallArgsPayload{Raw: call.ArgsRaw, Approval: approvalPayload{Required: true, ID: id, Reason: check.Reason}},
				Warning: warning,
			})

			select {
			case decision := <-decisionCh:
				switch {
				case decision.TimedOut:
					result = toolhost.ErrorResult(call, toolhost.ToolErrApprovalTimeout, "Approval timed out")
				case !decision.Approved:
					result = toolhost.ErrorResult(call, toolhost.ToolErrDenied, "Denied by user")
				default:
					result = o.Dispatcher.Dispatch(ctx, sessionID, call)
				}
			case <-ctx.Done():
				// The approval entry stays registered and expires on its own.
				return ctx.Err()
			}
		} else {
			em.emit(sse.EventToolCall, toolCallPayload{
				CallID:  call.CallID,
				Name:    call.Name,
				Args:    toolCallArgsPayload{Raw: call.ArgsRaw, Approval: approvalPayload{Required: false, Reason: check.Reason}},
				Warning: warning,
			})
			result = o.Dispatcher.Dispatch(ctx, sessionID, call)
		}

		if err := o.Store.Append(sessionID, transcript.NewMsgRecord(transcript.Message{
			Kind:       transcript.KindTool,
			Content:    string(result.Content),
			ToolCallID: call.CallID,
			CreatedAt:  time.Now(),
		})); err != nil {
			return fmt.Errorf("append tool record: %w", err)
		}

		em.emit(sse.EventToolResult, toolResultPayload{
			CallID: call.CallID,
			Name:   call.Name,
			OK:     result.OK,
			Result: result.Content,
		})
	}
	return nil
}

// providerTools converts the dispatcher's tool definitions for the upstream
// and returns the allowed-name set used by the plaintext fallback.
func (o *Orchestrator) providerTools(ctx context.Context) ([]provider.Tool, map[string]bool) {
	mcpTools := o.Dispatcher.ListTools(ctx)
	tools := make([]provider.Tool, 0, len(mcpTools))
	allowed := make(map[string]bool, len(mcpTools))
	for _, t := range mcpTools {
		tools = append(tools, provider.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
		allowed[t.Name] = true
	}
	return tools, allowed
}

// titleFrom derives a session title from the first user message.
func titleFrom(userText string) string {
	const max = 50
	title := userText
	if len(title) > max {
		title = title[:max]
	}
	return title
}
