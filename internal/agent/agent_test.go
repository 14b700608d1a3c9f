package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"

	"github.com/medicoaqui/medicoaqui/internal/gemini"
	"github.com/medicoaqui/medicoaqui/internal/i18n"
	"github.com/medicoaqui/medicoaqui/internal/log"
	"github.com/medicoaqui/medicoaqui/internal/mcp"
	"github.com/medicoaqui/medicoaqui/internal/session"
	"github.com/medicoaqui/medicoaqui/internal/testutil"
)

// memStore is an in-memory conversation store honoring the append-only,
// creation-ordered contract.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	messages map[uuid.UUID][]session.Message
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]*session.Session{},
		messages: map[uuid.UUID][]session.Message{},
	}
}

func (s *memStore) GetOrCreate(_ context.Context, chatKey string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[chatKey]; ok {
		return sess, nil
	}
	sess := &session.Session{ID: uuid.New(), ChatKey: chatKey}
	s.sessions[chatKey] = sess
	return sess, nil
}

func (s *memStore) Messages(_ context.Context, sessionID uuid.UUID) ([]session.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Message, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out, nil
}

func (s *memStore) Append(_ context.Context, sessionID uuid.UUID, msgs ...session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		m.Sequence = int64(len(s.messages[sessionID]) + 1)
		s.messages[sessionID] = append(s.messages[sessionID], m)
	}
	return nil
}

func (s *memStore) Reset(_ context.Context, chatKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[chatKey]; ok {
		delete(s.messages, sess.ID)
		delete(s.sessions, chatKey)
	}
	return nil
}

func (s *memStore) stored(t *testing.T, chatKey string) []session.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[chatKey]
	if !ok {
		return nil
	}
	return s.messages[sess.ID]
}

// fakeTools scripts the protocol channel per tool name.
type fakeTools struct {
	defs    []mcp.ToolDef
	results map[string]*mcp.Result
	errs    map[string]error
	calls   []string
}

func newFakeTools() *fakeTools {
	schema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"query": {Type: "string"},
		},
		Required: []string{"query"},
	}
	return &fakeTools{
		defs: []mcp.ToolDef{
			{Name: mcp.ToolMedicationContext, Description: "busca bulas ANVISA", InputSchema: schema},
		},
		results: map[string]*mcp.Result{},
		errs:    map[string]error{},
	}
}

func (f *fakeTools) Tools(context.Context) ([]mcp.ToolDef, error) {
	return f.defs, nil
}

func (f *fakeTools) Call(_ context.Context, name string, _ map[string]any) (*mcp.Result, error) {
	f.calls = append(f.calls, name)
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return &mcp.Result{Text: "{}"}, nil
}

func newAgent(t *testing.T, cfg Config, model Model, tools ToolChannel, store Store) *Agent {
	t.Helper()
	a, err := New(cfg, model, tools, store, i18n.New("pt-BR"), log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAskSeedsNewSession(t *testing.T) {
	model := (&testutil.MockModel{}).
		On("tudo bem", &gemini.Response{Text: "Olá! Como posso ajudar com seu receituário?"})
	store := newMemStore()
	a := newAgent(t, Config{}, model, newFakeTools(), store)

	answer, err := a.Ask(context.Background(), "oi, tudo bem?", "tg:1")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(answer, "receituário") {
		t.Errorf("answer = %q", answer)
	}

	msgs := store.stored(t, "tg:1")
	if len(msgs) != 3 {
		t.Fatalf("stored %d messages, want 3 (system, user, assistant)", len(msgs))
	}
	if msgs[0].Role != session.RoleSystem || msgs[0].Text() != DefaultSystemPrompt {
		t.Errorf("first message = %+v, want system seed", msgs[0])
	}
	if msgs[1].Role != session.RoleUser || msgs[2].Role != session.RoleAssistant {
		t.Errorf("roles = %s, %s", msgs[1].Role, msgs[2].Role)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Sequence <= msgs[i-1].Sequence {
			t.Errorf("sequence not increasing at %d: %d then %d", i, msgs[i-1].Sequence, msgs[i].Sequence)
		}
	}
}

func TestAskExistingSessionNotReseeded(t *testing.T) {
	model := (&testutil.MockModel{}).On("", &gemini.Response{Text: "claro"})
	store := newMemStore()
	a := newAgent(t, Config{}, model, newFakeTools(), store)

	if _, err := a.Ask(context.Background(), "primeira", "tg:1"); err != nil {
		t.Fatalf("first Ask: %v", err)
	}
	if _, err := a.Ask(context.Background(), "segunda", "tg:1"); err != nil {
		t.Fatalf("second Ask: %v", err)
	}

	systems := 0
	for _, m := range store.stored(t, "tg:1") {
		if m.Role == session.RoleSystem {
			systems++
		}
	}
	if systems != 1 {
		t.Errorf("session has %d system messages, want exactly 1", systems)
	}
}

func TestAskDipironaToolRound(t *testing.T) {
	model := (&testutil.MockModel{}).
		On("Para que serve dipirona?", &gemini.Response{
			ToolCalls: []gemini.ToolCall{{
				Name: mcp.ToolMedicationContext,
				Args: map[string]any{"query": "Para que serve dipirona?"},
			}},
		}).
		On("BULAS ANVISA", &gemini.Response{
			Text: "A **dipirona** é indicada para *dor* e febre.",
		})

	tools := newFakeTools()
	tools.results[mcp.ToolMedicationContext] = &mcp.Result{
		Text: `{"tem_contexto": true, "contexto": "CONTEXTO DA BASE DE CONHECIMENTO (BULAS ANVISA): dipirona é indicada para dor e febre"}`,
	}

	store := newMemStore()
	a := newAgent(t, Config{}, model, tools, store)

	answer, err := a.Ask(context.Background(), "Para que serve dipirona?", "tg:7")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(answer, "dipirona") {
		t.Errorf("answer = %q", answer)
	}
	if strings.ContainsAny(answer, "*`") {
		t.Errorf("answer contains emphasis markup: %q", answer)
	}

	reqs := model.Requests()
	if len(reqs) != 2 {
		t.Fatalf("model invoked %d times, want exactly 2", len(reqs))
	}
	if len(reqs[0].Tools) == 0 {
		t.Error("first invocation carried no tool declarations")
	}
	if len(reqs[1].Tools) != 0 {
		t.Error("re-invocation must not carry tool declarations")
	}
	if len(tools.calls) != 1 || tools.calls[0] != mcp.ToolMedicationContext {
		t.Errorf("tool calls = %v", tools.calls)
	}

	// Intermediate tool exchanges are never persisted.
	msgs := store.stored(t, "tg:7")
	if len(msgs) != 3 {
		t.Fatalf("stored %d messages, want 3", len(msgs))
	}
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Type == session.PartFunctionCall || p.Type == session.PartFunctionResponse {
				t.Errorf("tool exchange persisted: %+v", m)
			}
		}
	}
}

func TestAskSequentialDispatchOrder(t *testing.T) {
	model := (&testutil.MockModel{}).
		On("pergunta", &gemini.Response{
			ToolCalls: []gemini.ToolCall{
				{Name: mcp.ToolMedicationContext, Args: map[string]any{"query": "a"}},
				{Name: mcp.ToolCheckInput, Args: map[string]any{"userMessage": "b"}},
			},
		}).
		On("", &gemini.Response{Text: "resposta final"})

	tools := newFakeTools()
	tools.defs = append(tools.defs, mcp.ToolDef{
		Name:        mcp.ToolCheckInput,
		Description: "valida entrada",
		InputSchema: &jsonschema.Schema{Type: "object"},
	})

	a := newAgent(t, Config{}, model, tools, newMemStore())
	if _, err := a.Ask(context.Background(), "pergunta", "tg:1"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	want := []string{mcp.ToolMedicationContext, mcp.ToolCheckInput}
	if len(tools.calls) != len(want) {
		t.Fatalf("tool calls = %v, want %v", tools.calls, want)
	}
	for i := range want {
		if tools.calls[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q (model order must be preserved)", i, tools.calls[i], want[i])
		}
	}
}

func TestAskModelFailureKeepsHistory(t *testing.T) {
	model := (&testutil.MockModel{}).
		On("primeira", &gemini.Response{Text: "ok"}).
		OnError("segunda", errors.New("upstream 500"))
	store := newMemStore()
	a := newAgent(t, Config{}, model, newFakeTools(), store)

	if _, err := a.Ask(context.Background(), "primeira", "tg:9"); err != nil {
		t.Fatalf("first Ask: %v", err)
	}
	before := len(store.stored(t, "tg:9"))

	answer, err := a.Ask(context.Background(), "segunda", "tg:9")
	if err == nil {
		t.Fatal("expected error from failed turn")
	}
	if answer != "Erro ao consultar a IA. Tente novamente mais tarde." {
		t.Errorf("fallback = %q", answer)
	}

	after := store.stored(t, "tg:9")
	if len(after) != before+1 {
		t.Fatalf("stored %d messages after failed turn, want %d (only the user message added)", len(after), before+1)
	}
	if last := after[len(after)-1]; last.Role != session.RoleUser || last.Text() != "segunda" {
		t.Errorf("last message = %+v, want the user turn", last)
	}
}

func TestAskToolFailureAborts(t *testing.T) {
	model := (&testutil.MockModel{}).
		On("", &gemini.Response{
			ToolCalls: []gemini.ToolCall{{Name: mcp.ToolMedicationContext, Args: map[string]any{"query": "x"}}},
		})
	tools := newFakeTools()
	tools.results[mcp.ToolMedicationContext] = &mcp.Result{Text: "handler exploded", IsError: true}

	store := newMemStore()
	a := newAgent(t, Config{}, model, tools, store)

	answer, err := a.Ask(context.Background(), "pergunta", "tg:2")
	if err == nil {
		t.Fatal("expected error from tool failure")
	}
	if answer != "Erro ao consultar a IA. Tente novamente mais tarde." {
		t.Errorf("fallback = %q", answer)
	}
	for _, m := range store.stored(t, "tg:2") {
		if m.Role == session.RoleAssistant {
			t.Error("assistant message persisted for an aborted turn")
		}
	}
}

func TestAskUnknownToolAborts(t *testing.T) {
	model := (&testutil.MockModel{}).
		On("", &gemini.Response{
			ToolCalls: []gemini.ToolCall{{Name: "fabricate_prescription", Args: map[string]any{}}},
		})
	a := newAgent(t, Config{}, model, newFakeTools(), newMemStore())

	if _, err := a.Ask(context.Background(), "pergunta", "tg:3"); err == nil {
		t.Fatal("expected error for unknown tool request")
	}
}

func TestAskMandatoryGuardrailRejects(t *testing.T) {
	model := (&testutil.MockModel{}).
		On("", &gemini.Response{Text: "Você está com gripe, tome antibiótico."})
	tools := newFakeTools()
	tools.results[mcp.ToolCheckOutput] = &mcp.Result{
		Text: `{"aprovado": false, "feedback": "diagnóstico proibido"}`,
	}

	store := newMemStore()
	a := newAgent(t, Config{GuardrailsMode: "mandatory"}, model, tools, store)

	answer, err := a.Ask(context.Background(), "estou doente", "tg:4")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(answer, "reformule") {
		t.Errorf("rejected answer = %q, want safety fallback", answer)
	}
	for _, m := range store.stored(t, "tg:4") {
		if m.Role == session.RoleAssistant {
			t.Error("rejected answer was persisted")
		}
	}
}

func TestAskMandatoryGuardrailApproves(t *testing.T) {
	model := (&testutil.MockModel{}).
		On("", &gemini.Response{Text: "Dipirona é indicada para dor e febre."})
	tools := newFakeTools()
	tools.results[mcp.ToolCheckOutput] = &mcp.Result{Text: `{"aprovado": true, "feedback": "OK"}`}

	store := newMemStore()
	a := newAgent(t, Config{GuardrailsMode: "mandatory"}, model, tools, store)

	answer, err := a.Ask(context.Background(), "para que serve dipirona?", "tg:5")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(answer, "Dipirona") {
		t.Errorf("answer = %q", answer)
	}

	msgs := store.stored(t, "tg:5")
	if last := msgs[len(msgs)-1]; last.Role != session.RoleAssistant {
		t.Errorf("approved answer not persisted, last = %+v", last)
	}
}

func TestAskAdvisoryModeSkipsEnforcement(t *testing.T) {
	model := (&testutil.MockModel{}).On("", &gemini.Response{Text: "resposta"})
	tools := newFakeTools()
	a := newAgent(t, Config{}, model, tools, newMemStore())

	if _, err := a.Ask(context.Background(), "oi", "tg:6"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	for _, name := range tools.calls {
		if name == mcp.ToolCheckOutput {
			t.Error("advisory mode must not force check_output")
		}
	}
}

func TestAskWithAttachment(t *testing.T) {
	model := (&testutil.MockModel{}).
		On("receituário", &gemini.Response{Text: "A receita contém dipirona 500mg."})
	store := newMemStore()
	a := newAgent(t, Config{}, model, newFakeTools(), store)

	data := []byte{0x25, 0x50, 0x44, 0x46}
	answer, err := a.AskWithAttachment(context.Background(), data, "application/pdf",
		"Este arquivo é um receituário em PDF.", "tg:8")
	if err != nil {
		t.Fatalf("AskWithAttachment: %v", err)
	}
	if !strings.Contains(answer, "dipirona") {
		t.Errorf("answer = %q", answer)
	}

	reqs := model.Requests()
	if len(reqs) != 1 {
		t.Fatalf("model invoked %d times, want 1 (no tool round for attachments)", len(reqs))
	}
	if len(reqs[0].Tools) != 0 {
		t.Error("attachment turn advertised tools")
	}

	msgs := store.stored(t, "tg:8")
	user := msgs[1]
	if len(user.Parts) != 2 || user.Parts[1].Type != session.PartMedia {
		t.Fatalf("user message parts = %+v, want text plus media", user.Parts)
	}
	if user.Parts[1].MediaType != "application/pdf" {
		t.Errorf("media type = %q", user.Parts[1].MediaType)
	}
}

func TestAskEmptyAnswer(t *testing.T) {
	model := (&testutil.MockModel{}).On("", &gemini.Response{Text: "   "})
	a := newAgent(t, Config{}, model, newFakeTools(), newMemStore())

	answer, err := a.Ask(context.Background(), "oi", "tg:10")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer != "Não foi gerada uma resposta." {
		t.Errorf("answer = %q", answer)
	}
}

func TestResetSession(t *testing.T) {
	model := (&testutil.MockModel{}).On("", &gemini.Response{Text: "ok"})
	store := newMemStore()
	a := newAgent(t, Config{}, model, newFakeTools(), store)

	if _, err := a.Ask(context.Background(), "antes", "tg:11"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if err := a.ResetSession(context.Background(), "tg:11"); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if got := store.stored(t, "tg:11"); len(got) != 0 {
		t.Fatalf("history after reset = %d messages, want 0", len(got))
	}

	// Next turn starts a fresh seeded session.
	if _, err := a.Ask(context.Background(), "depois", "tg:11"); err != nil {
		t.Fatalf("Ask after reset: %v", err)
	}
	msgs := store.stored(t, "tg:11")
	if len(msgs) == 0 || msgs[0].Role != session.RoleSystem {
		t.Fatalf("session not reseeded: %+v", msgs)
	}
}

func TestNormalizePlainText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"**negrito** e *itálico*", "negrito e itálico"},
		{"`código`", "código"},
		{"# Título\ntexto", "Título\ntexto"},
		{"texto simples", "texto simples"},
		{"  \n", ""},
	}
	for _, tt := range tests {
		if got := NormalizePlainText(tt.in); got != tt.want {
			t.Errorf("NormalizePlainText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
