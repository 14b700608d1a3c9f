package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrTransport wraps protocol-level failures: the provider process died,
// the handshake failed, or a call could not be delivered. Tool-level
// failures never surface here, they travel inside the Result.
var ErrTransport = errors.New("mcp: transport failure")

// ToolDef is one tool descriptor learned from the provider's handshake.
type ToolDef struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Result is the outcome of one tool call. IsError marks a tool-level
// failure reported in-band by the provider.
type Result struct {
	Text    string
	IsError bool
}

// DialFunc creates the transport for one connection attempt.
type DialFunc func(ctx context.Context) (mcp.Transport, error)

// CommandDial returns a DialFunc that spawns command with args and speaks
// the protocol over its stdio.
func CommandDial(command string, args ...string) DialFunc {
	return func(ctx context.Context) (mcp.Transport, error) {
		return &mcp.CommandTransport{Command: exec.Command(command, args...)}, nil
	}
}

// ClientConfig holds tool client configuration.
type ClientConfig struct {
	Name    string
	Version string
}

// Client connects lazily to a tool provider and dispatches calls to it.
//
// Client is safe for concurrent use by multiple goroutines. The first
// operation triggers the connect and handshake; a failed connect is retried
// by the next operation.
type Client struct {
	cfg    ClientConfig
	dial   DialFunc
	logger *slog.Logger

	mu      sync.Mutex
	session *mcp.ClientSession
	tools   []ToolDef
	closed  bool
}

// NewClient creates a client. No connection is made until the first call.
func NewClient(cfg ClientConfig, dial DialFunc, logger *slog.Logger) (*Client, error) {
	if cfg.Name == "" || cfg.Version == "" {
		return nil, fmt.Errorf("client name and version are required")
	}
	if dial == nil {
		return nil, fmt.Errorf("dial func is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, dial: dial, logger: logger}, nil
}

// connect establishes the session and caches the tool list. Caller holds mu.
func (c *Client) connect(ctx context.Context) error {
	if c.closed {
		return fmt.Errorf("%w: client closed", ErrTransport)
	}
	if c.session != nil {
		return nil
	}

	transport, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: c.cfg.Name, Version: c.cfg.Version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("%w: connect: %v", ErrTransport, err)
	}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("%w: list tools: %v", ErrTransport, err)
	}

	tools := make([]ToolDef, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		schema, err := decodeSchema(t.InputSchema)
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("%w: tool %s input schema: %v", ErrTransport, t.Name, err)
		}
		tools = append(tools, ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	c.session = session
	c.tools = tools
	c.logger.Info("tool provider connected", "tools", len(tools))
	return nil
}

// decodeSchema converts the wire-decoded tool input schema into a
// *jsonschema.Schema. Over the in-memory transport the concrete pointer
// arrives intact; over a real channel it is decoded JSON, so it is
// round-tripped through JSON into the schema type.
func decodeSchema(v any) (*jsonschema.Schema, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(*jsonschema.Schema); ok {
		return s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Tools returns the provider's tool descriptors, connecting if needed.
// The returned slice is shared; callers must not mutate it.
func (c *Client) Tools(ctx context.Context) ([]ToolDef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c.tools, nil
}

// Call invokes one tool. Unknown tool names and provider-side tool failures
// come back as Result.IsError; only protocol failures return an error, which
// wraps ErrTransport. A delivery failure drops the session, so the next
// operation reconnects; a call that failed only because ctx was cancelled or
// timed out keeps the session, since the channel itself is not suspect.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		if ctx.Err() == nil {
			_ = c.session.Close()
			c.session = nil
			c.tools = nil
		}
		return nil, fmt.Errorf("%w: call %s: %v", ErrTransport, name, err)
	}

	out := &Result{IsError: res.IsError}
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			out.Text += tc.Text
		}
	}
	return out, nil
}

// Close shuts the session down. Safe to call more than once; after Close
// the client refuses new connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.tools = nil
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
