package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// Handler executes a validated function call and returns its result text.
type Handler func(ctx context.Context, name string, args json.RawMessage) (string, error)

// OpenAITools returns the catalogue as OpenAI chat-completion tools.
func (r *Registry) OpenAITools() ([]oai.ChatCompletionToolParam, error) {
	tools := make([]oai.ChatCompletionToolParam, 0, len(r.funcs))
	for _, fn := range r.funcs {
		params, err := schemaMap(fn.Parameters)
		if err != nil {
			return nil, fmt.Errorf("functions: %s: convert schema: %w", fn.Name, err)
		}
		tools = append(tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        fn.Name,
				Description: param.NewOpt(fn.Description),
				Parameters:  shared.FunctionParameters(params),
			},
		})
	}
	return tools, nil
}

// MCPTools returns the catalogue as MCP tool descriptors.
func (r *Registry) MCPTools() ([]*mcp.Tool, error) {
	tools := make([]*mcp.Tool, 0, len(r.funcs))
	for _, fn := range r.funcs {
		schema, err := schemaMap(fn.Parameters)
		if err != nil {
			return nil, fmt.Errorf("functions: %s: convert schema: %w", fn.Name, err)
		}
		tools = append(tools, &mcp.Tool{
			Name:        fn.Name,
			Description: fn.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// NewMCPServer returns an MCP server exposing every function as a tool.
// Calls are validated before h runs; invalid calls and handler errors are
// reported to the client as tool errors.
func (r *Registry) NewMCPServer(h Handler) (*mcp.Server, error) {
	if h == nil {
		return nil, errors.New("functions: handler must not be nil")
	}
	tools, err := r.MCPTools()
	if err != nil {
		return nil, err
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: "murmur-functions", Version: "1.0.0"}, nil)
	for _, tool := range tools {
		name := tool.Name
		srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.Params.Arguments
			if err := r.Validate(name, args); err != nil {
				return toolError(err), nil
			}
			out, err := h(ctx, name, args)
			if err != nil {
				slog.Warn("functions: tool call failed", "function", name, "err", err)
				return toolError(err), nil
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: out}}}, nil
		})
	}
	return srv, nil
}

func toolError(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}
