// Package gemini wraps the Gemini API behind the three operations the
// assistant needs: conversational generation with tool declarations,
// single-shot classification, and text embedding.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/medicoaqui/medicoaqui/internal/session"
)

// ErrEmptyResponse is returned when the model produced no candidates.
var ErrEmptyResponse = errors.New("gemini: empty response")

// Config for the client.
type Config struct {
	APIKey          string
	Model           string
	ClassifierModel string
	EmbeddingModel  string
	EmbeddingDim    int32
	Temperature     float32
	// RateLimitPerMin caps outgoing model calls. Zero disables limiting.
	RateLimitPerMin int
}

// ToolDecl advertises one callable tool to the model.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  *genai.Schema
}

// Request is one generation call.
type Request struct {
	System   string
	Messages []session.Message
	// Tools, when non-empty, lets the model emit tool calls instead of text.
	Tools       []ToolDecl
	Temperature *float32
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	Name string
	Args map[string]any
}

// Response is the model's reply: text, tool calls, or both.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Client talks to the Gemini API.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	genai   *genai.Client
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a Gemini client.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimitPerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMin)/60), cfg.RateLimitPerMin)
	}

	return &Client{genai: gc, cfg: cfg, limiter: limiter, logger: logger}, nil
}

// Generate runs one conversational model call.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	contents, err := toContents(req.Messages)
	if err != nil {
		return nil, err
	}

	temp := c.cfg.Temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	gcfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(temp)}
	if req.System != "" {
		gcfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(req.System)},
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		gcfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := c.genai.Models.GenerateContent(ctx, c.cfg.Model, contents, gcfg)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	out := &Response{Text: resp.Text()}
	for _, fc := range resp.FunctionCalls() {
		out.ToolCalls = append(out.ToolCalls, ToolCall{Name: fc.Name, Args: fc.Args})
	}
	if out.Text == "" && len(out.ToolCalls) == 0 {
		return nil, ErrEmptyResponse
	}

	c.logger.Debug("model responded",
		"text_len", len(out.Text), "tool_calls", len(out.ToolCalls))
	return out, nil
}

// Classify runs a single-shot call on the classifier model and returns the
// raw text. Used by the safety validators, which parse JSON out of it.
func (c *Client) Classify(ctx context.Context, system, input string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	model := c.cfg.ClassifierModel
	if model == "" {
		model = c.cfg.Model
	}
	gcfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(float32(0))}
	if system != "" {
		gcfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(system)},
		}
	}

	contents := []*genai.Content{
		genai.NewContentFromText(input, genai.RoleUser),
	}
	resp, err := c.genai.Models.GenerateContent(ctx, model, contents, gcfg)
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Embed returns one vector per input text. Implements knowledge.Embedder.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}

	dim := c.cfg.EmbeddingDim
	resp, err := c.genai.Models.EmbedContent(ctx, c.cfg.EmbeddingModel, contents,
		&genai.EmbedContentConfig{OutputDimensionality: &dim})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d texts", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if len(e.Values) == 0 {
			return nil, fmt.Errorf("empty embedding at index %d", i)
		}
		out[i] = e.Values
	}
	return out, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// toContents maps stored messages onto the wire format. Assistant turns map
// to the model role; tool results travel as user-role function responses.
func toContents(msgs []session.Message) ([]*genai.Content, error) {
	var contents []*genai.Content
	for _, m := range msgs {
		role := genai.RoleUser
		if m.Role == session.RoleAssistant {
			role = genai.RoleModel
		}
		if m.Role == session.RoleSystem {
			// System turns are carried via SystemInstruction; persisted
			// system messages become plain user-visible context.
			role = genai.RoleUser
		}

		var parts []*genai.Part
		for _, p := range m.Parts {
			switch p.Type {
			case session.PartText:
				parts = append(parts, genai.NewPartFromText(p.Text))
			case session.PartMedia:
				parts = append(parts, genai.NewPartFromBytes(p.Data, p.MediaType))
			case session.PartFunctionCall:
				parts = append(parts, genai.NewPartFromFunctionCall(p.Name, p.Args))
			case session.PartFunctionResponse:
				parts = append(parts, genai.NewPartFromFunctionResponse(p.Name, p.Response))
			default:
				return nil, fmt.Errorf("unknown part type %q", p.Type)
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("no content to send")
	}
	return contents, nil
}
