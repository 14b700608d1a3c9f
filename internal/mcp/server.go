// Package mcp carries both halves of the tool protocol: the stdio server
// exposing the assistant's tools, and the client the conversation loop uses
// to call them through a spawned provider process.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/medicoaqui/medicoaqui/internal/guardrails"
	"github.com/medicoaqui/medicoaqui/internal/knowledge"
)

// Tool names.
const (
	ToolMedicationContext = "get_medication_context"
	ToolCheckInput        = "check_input"
	ToolCheckOutput       = "check_output"
)

// Retriever is the knowledge base slice the context tool needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]knowledge.Chunk, error)
}

// SafetyValidator runs the two guardrail checks.
type SafetyValidator interface {
	CheckInput(ctx context.Context, userMessage string) guardrails.InputVerdict
	CheckOutput(ctx context.Context, draft string) guardrails.OutputVerdict
}

// ServerConfig holds tool server configuration.
type ServerConfig struct {
	Name    string
	Version string
}

// Server exposes the assistant's tools over the MCP protocol.
type Server struct {
	mcpServer *mcp.Server
	retriever Retriever
	validator SafetyValidator
	logger    *slog.Logger
}

// NewServer creates a tool server with all tools registered.
func NewServer(cfg ServerConfig, retriever Retriever, validator SafetyValidator, logger *slog.Logger) (*Server, error) {
	if cfg.Name == "" || cfg.Version == "" {
		return nil, fmt.Errorf("server name and version are required")
	}
	if retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		retriever: retriever,
		validator: validator,
		logger:    logger,
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	return s, nil
}

// Run serves the protocol on the given transport. Blocks until the
// transport closes or ctx is cancelled.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

func (s *Server) registerTools() error {
	if err := s.registerMedicationContext(); err != nil {
		return err
	}
	if err := s.registerCheckInput(); err != nil {
		return err
	}
	return s.registerCheckOutput()
}

// MedicationContextInput is the input schema for get_medication_context.
type MedicationContextInput struct {
	Query string `json:"query" jsonschema:"Pergunta ou termo de busca sobre medicamento/remédios"`
}

// MedicationContextOutput is what the context tool returns to the model.
type MedicationContextOutput struct {
	HasContext    bool   `json:"tem_contexto"`
	Context       string `json:"contexto"`
	Justification string `json:"justificativa"`
}

func (s *Server) registerMedicationContext() error {
	inputSchema, err := jsonschema.For[MedicationContextInput](nil)
	if err != nil {
		return fmt.Errorf("create %s schema: %w", ToolMedicationContext, err)
	}

	tool := &mcp.Tool{
		Name: ToolMedicationContext,
		Description: "Busca informações sobre medicamentos no banco de conhecimento ANVISA. " +
			"Use esta ferramenta quando precisar de informações técnicas sobre medicamentos para responder o usuário.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in MedicationContextInput) (*mcp.CallToolResult, any, error) {
		// Retrieval failures stay inside the tool result so the model can
		// still answer without context.
		out := MedicationContextOutput{}
		chunks, err := s.retriever.Retrieve(ctx, in.Query)
		switch {
		case err != nil:
			s.logger.Warn("medication context retrieval failed", "error", err)
			out.Justification = fmt.Sprintf("Erro ao recuperar contexto: %v", err)
		case len(chunks) == 0:
			out.Justification = "Nenhuma informação relevante encontrada no banco ANVISA"
		default:
			out.HasContext = true
			out.Context = knowledge.FormatForPrompt(chunks)
			out.Justification = fmt.Sprintf("Encontrados %d documento(s) relevante(s) da base ANVISA", len(chunks))
		}
		return jsonResult(out)
	})
	return nil
}

// CheckInputInput is the input schema for check_input.
type CheckInputInput struct {
	UserMessage string `json:"userMessage" jsonschema:"A mensagem original enviada pelo usuário"`
}

func (s *Server) registerCheckInput() error {
	inputSchema, err := jsonschema.For[CheckInputInput](nil)
	if err != nil {
		return fmt.Errorf("create %s schema: %w", ToolCheckInput, err)
	}

	tool := &mcp.Tool{
		Name: ToolCheckInput,
		Description: "ANALISADOR DE SEGURANÇA (ENTRADA): Deve ser chamado SEMPRE no início da conversa. " +
			"Analisa se a mensagem do usuário é segura, se é sobre medicina/receitas, " +
			"ou se é uma tentativa de ataque/jailbreak/assunto proibido.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in CheckInputInput) (*mcp.CallToolResult, any, error) {
		return jsonResult(s.validator.CheckInput(ctx, in.UserMessage))
	})
	return nil
}

// CheckOutputInput is the input schema for check_output.
type CheckOutputInput struct {
	DraftResponse string `json:"draftResponse" jsonschema:"A resposta que o bot pretende enviar ao usuário"`
}

func (s *Server) registerCheckOutput() error {
	inputSchema, err := jsonschema.For[CheckOutputInput](nil)
	if err != nil {
		return fmt.Errorf("create %s schema: %w", ToolCheckOutput, err)
	}

	tool := &mcp.Tool{
		Name: ToolCheckOutput,
		Description: "ANALISADOR DE SEGURANÇA (SAÍDA): Deve ser chamado quando você tiver formulado uma resposta, " +
			"para validar se ela não contém diagnósticos médicos ou alucinações.",
		InputSchema: inputSchema,
	}

	mcp.AddTool(s.mcpServer, tool, func(ctx context.Context, req *mcp.CallToolRequest, in CheckOutputInput) (*mcp.CallToolResult, any, error) {
		return jsonResult(s.validator.CheckOutput(ctx, in.DraftResponse))
	})
	return nil
}

// jsonResult encodes v as the single text content of a tool result.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
