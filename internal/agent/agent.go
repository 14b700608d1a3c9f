// Package agent runs the conversation loop: build context from stored
// history, invoke the model with the advertised tools, dispatch requested
// tool calls over the protocol channel, re-invoke once, persist the answer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/medicoaqui/medicoaqui/internal/gemini"
	"github.com/medicoaqui/medicoaqui/internal/guardrails"
	"github.com/medicoaqui/medicoaqui/internal/i18n"
	"github.com/medicoaqui/medicoaqui/internal/mcp"
	"github.com/medicoaqui/medicoaqui/internal/session"
)

// DefaultSystemPrompt seeds every new session.
const DefaultSystemPrompt = "Você é um assistente chamado MédicoAqui útil especializado em responder dúvidas sobre receituários médicos."

// Model is the generation backend the loop drives.
type Model interface {
	Generate(ctx context.Context, req gemini.Request) (*gemini.Response, error)
}

// ToolChannel is the protocol client the loop dispatches tool calls through.
type ToolChannel interface {
	Tools(ctx context.Context) ([]mcp.ToolDef, error)
	Call(ctx context.Context, name string, args map[string]any) (*mcp.Result, error)
}

// Store is the conversation persistence the loop depends on.
type Store interface {
	GetOrCreate(ctx context.Context, chatKey string) (*session.Session, error)
	Messages(ctx context.Context, sessionID uuid.UUID) ([]session.Message, error)
	Append(ctx context.Context, sessionID uuid.UUID, msgs ...session.Message) error
	Reset(ctx context.Context, chatKey string) error
}

// Config for the agent.
type Config struct {
	// SystemPrompt overrides DefaultSystemPrompt when non-empty.
	SystemPrompt string
	// GuardrailsMode is config.GuardrailAdvisory or config.GuardrailMandatory.
	// In mandatory mode every final answer passes check_output before it is
	// persisted; in advisory mode the model decides whether to call the
	// guardrail tools.
	GuardrailsMode string
}

// Agent orchestrates one conversation turn at a time.
//
// Agent is safe for concurrent use across sessions; turns within one session
// serialize through the store's row locking.
type Agent struct {
	model    Model
	tools    ToolChannel
	store    Store
	catalog  *i18n.Catalog
	logger   *slog.Logger
	system   string
	enforced bool
}

// New creates an Agent.
func New(cfg Config, model Model, tools ToolChannel, store Store, catalog *i18n.Catalog, logger *slog.Logger) (*Agent, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if tools == nil {
		return nil, fmt.Errorf("tool channel is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if catalog == nil {
		catalog = i18n.New("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	return &Agent{
		model:    model,
		tools:    tools,
		store:    store,
		catalog:  catalog,
		logger:   logger,
		system:   system,
		enforced: cfg.GuardrailsMode == "mandatory",
	}, nil
}

// Ask runs one text turn. The user message is persisted before the model is
// invoked, so a failed turn never loses it. On any model or tool failure the
// returned string is a fixed localized fallback and the error carries the
// cause for logging; history persisted so far is retained.
func (a *Agent) Ask(ctx context.Context, prompt, chatKey string) (string, error) {
	history, sess, err := a.buildContext(ctx, chatKey, session.TextMessage(session.RoleUser, prompt))
	if err != nil {
		return a.catalog.T("fallback.model"), err
	}

	decls, defs, err := a.toolDecls(ctx)
	if err != nil {
		a.logger.Error("tool channel unavailable", "error", err)
		return a.catalog.T("fallback.model"), err
	}

	resp, err := a.model.Generate(ctx, gemini.Request{
		System:   a.system,
		Messages: history,
		Tools:    decls,
	})
	if err != nil {
		a.logger.Error("model invocation failed", "chat_key", chatKey, "error", err)
		return a.catalog.T("fallback.model"), err
	}

	if len(resp.ToolCalls) > 0 {
		resp, err = a.dispatch(ctx, history, resp.ToolCalls, defs)
		if err != nil {
			a.logger.Error("tool dispatch failed", "chat_key", chatKey, "error", err)
			return a.catalog.T("fallback.model"), err
		}
	}

	return a.finalize(ctx, sess, resp.Text)
}

// AskWithAttachment runs one attachment turn: a multipart user message with
// the decoded bytes inline, a single model invocation with no tool round,
// and the same persistence as a text turn.
func (a *Agent) AskWithAttachment(ctx context.Context, data []byte, mediaType, prompt, chatKey string) (string, error) {
	userMsg := session.Message{
		Role: session.RoleUser,
		Parts: []session.Part{
			{Type: session.PartText, Text: prompt},
			{Type: session.PartMedia, MediaType: mediaType, Data: data},
		},
		Metadata: map[string]any{"media_type": mediaType},
	}

	history, sess, err := a.buildContext(ctx, chatKey, userMsg)
	if err != nil {
		return a.catalog.T("fallback.file"), err
	}

	resp, err := a.model.Generate(ctx, gemini.Request{
		System:   a.system,
		Messages: history,
	})
	if err != nil {
		a.logger.Error("attachment turn failed", "chat_key", chatKey, "error", err)
		return a.catalog.T("fallback.file"), err
	}

	return a.finalize(ctx, sess, resp.Text)
}

// ResetSession drops the stored history for chatKey. The next message
// starts a fresh session with a new system seed.
func (a *Agent) ResetSession(ctx context.Context, chatKey string) error {
	return a.store.Reset(ctx, chatKey)
}

// buildContext loads or seeds the session and persists the user message
// before any model call. Returns the working history including the new turn.
func (a *Agent) buildContext(ctx context.Context, chatKey string, userMsg session.Message) ([]session.Message, *session.Session, error) {
	sess, err := a.store.GetOrCreate(ctx, chatKey)
	if err != nil {
		return nil, nil, fmt.Errorf("get session: %w", err)
	}

	history, err := a.store.Messages(ctx, sess.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load history: %w", err)
	}

	var toPersist []session.Message
	if len(history) == 0 {
		seed := session.TextMessage(session.RoleSystem, a.system)
		toPersist = append(toPersist, seed)
		history = append(history, seed)
	}
	toPersist = append(toPersist, userMsg)
	history = append(history, userMsg)

	if err := a.store.Append(ctx, sess.ID, toPersist...); err != nil {
		return nil, nil, fmt.Errorf("persist user turn: %w", err)
	}
	return history, sess, nil
}

// toolDecls fetches the cached descriptors and converts them for the model.
func (a *Agent) toolDecls(ctx context.Context) ([]gemini.ToolDecl, map[string]mcp.ToolDef, error) {
	defs, err := a.tools.Tools(ctx)
	if err != nil {
		return nil, nil, err
	}
	decls := make([]gemini.ToolDecl, 0, len(defs))
	byName := make(map[string]mcp.ToolDef, len(defs))
	for _, def := range defs {
		schema, err := gemini.ToGenaiSchema(def.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("tool %s schema: %w", def.Name, err)
		}
		decls = append(decls, gemini.ToolDecl{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  schema,
		})
		byName[def.Name] = def
	}
	return decls, byName, nil
}

// dispatch runs the requested tool calls strictly in model order, one at a
// time, appending each call and its result to the working context. It then
// re-invokes the model exactly once, without tool declarations, which bounds
// every turn to a single dispatch round.
func (a *Agent) dispatch(ctx context.Context, history []session.Message, calls []gemini.ToolCall, defs map[string]mcp.ToolDef) (*gemini.Response, error) {
	working := make([]session.Message, len(history))
	copy(working, history)

	for _, call := range calls {
		if _, known := defs[call.Name]; !known {
			return nil, fmt.Errorf("model requested unknown tool %q", call.Name)
		}

		res, err := a.tools.Call(ctx, call.Name, call.Args)
		if err != nil {
			return nil, fmt.Errorf("invoke %s: %w", call.Name, err)
		}
		if res.IsError {
			return nil, fmt.Errorf("tool %s failed: %s", call.Name, res.Text)
		}

		working = append(working,
			session.Message{
				Role:  session.RoleAssistant,
				Parts: []session.Part{{Type: session.PartFunctionCall, Name: call.Name, Args: call.Args}},
			},
			session.Message{
				Role: session.RoleUser,
				Parts: []session.Part{{
					Type:     session.PartFunctionResponse,
					Name:     call.Name,
					Response: map[string]any{"output": res.Text},
				}},
			},
		)
		a.logger.Debug("tool dispatched", "tool", call.Name, "result_len", len(res.Text))
	}

	resp, err := a.model.Generate(ctx, gemini.Request{
		System:   a.system,
		Messages: working,
	})
	if err != nil {
		return nil, fmt.Errorf("re-invoke model: %w", err)
	}
	return resp, nil
}

// finalize normalizes the answer, enforces the output guardrail when
// configured, persists the assistant message, and returns the text.
// Intermediate tool exchanges are never persisted.
func (a *Agent) finalize(ctx context.Context, sess *session.Session, text string) (string, error) {
	answer := NormalizePlainText(text)
	if answer == "" {
		return a.catalog.T("fallback.empty"), nil
	}

	if a.enforced {
		verdict, err := a.checkOutput(ctx, answer)
		if err != nil {
			// The enforcement call itself failing keeps the documented
			// fail-open posture of the validators.
			a.logger.Warn("output guardrail enforcement unavailable", "error", err)
		} else if !verdict.Approved {
			a.logger.Info("answer rejected by output guardrail", "feedback", verdict.Feedback)
			return a.catalog.T("fallback.safety"), nil
		}
	}

	if err := a.store.Append(ctx, sess.ID, session.TextMessage(session.RoleAssistant, answer)); err != nil {
		a.logger.Error("persist answer failed", "error", err)
		return a.catalog.T("fallback.model"), err
	}
	return answer, nil
}

func (a *Agent) checkOutput(ctx context.Context, answer string) (*guardrails.OutputVerdict, error) {
	res, err := a.tools.Call(ctx, mcp.ToolCheckOutput, map[string]any{"draftResponse": answer})
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, fmt.Errorf("check_output failed: %s", res.Text)
	}
	var verdict guardrails.OutputVerdict
	if err := json.Unmarshal([]byte(res.Text), &verdict); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	return &verdict, nil
}

// NormalizePlainText strips chat-markup emphasis from model output so the
// text renders cleanly on transports without markdown support.
func NormalizePlainText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimLeft(line, " ")
		if strings.HasPrefix(trimmed, "#") {
			line = strings.TrimLeft(trimmed, "# ")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	out := b.String()
	out = strings.NewReplacer("**", "", "*", "", "__", "", "`", "").Replace(out)
	return strings.TrimSpace(out)
}
