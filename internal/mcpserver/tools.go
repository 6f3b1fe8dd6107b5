// Package mcpserver registers MCP tools that read from the FreeAgent API.
// A server is built per HTTP request and bound to that request's
// upstream access token.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/freeagent-mcp/internal/freeagent"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerName is the MCP implementation name reported to clients.
const ServerName = "freeagent-mcp"

// API is the subset of the FreeAgent client the tools call.
type API interface {
	GetCompany(ctx context.Context, token string) (*freeagent.Company, error)
	GetCurrentUser(ctx context.Context, token string) (*freeagent.User, error)
}

// NewServer builds an MCP server whose tools act with upstreamToken.
func NewServer(version string, api API, upstreamToken string) *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{Name: ServerName, Version: version},
		nil,
	)
	RegisterTools(server, api, upstreamToken)

	return server
}

// RegisterTools adds all FreeAgent tools to the given MCP server.
func RegisterTools(server *mcp.Server, api API, upstreamToken string) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "freeagent_get_company",
		Description: "Get the FreeAgent company for the authorized account: name, type, currency, start date and registration details.",
	}, companyHandler(api, upstreamToken))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "freeagent_get_current_user",
		Description: "Get the FreeAgent user who authorized this connection: name, email, role and permission level.",
	}, currentUserHandler(api, upstreamToken))
}

// --- Input types ---

// GetCompanyInput has no parameters.
type GetCompanyInput struct{}

// GetCurrentUserInput has no parameters.
type GetCurrentUserInput struct{}

// --- Handlers ---

func companyHandler(api API, token string) mcp.ToolHandlerFor[GetCompanyInput, *freeagent.Company] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ GetCompanyInput) (*mcp.CallToolResult, *freeagent.Company, error) {
		result, err := api.GetCompany(ctx, token)
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), result, nil
	}
}

func currentUserHandler(api API, token string) mcp.ToolHandlerFor[GetCurrentUserInput, *freeagent.User] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ GetCurrentUserInput) (*mcp.CallToolResult, *freeagent.User, error) {
		result, err := api.GetCurrentUser(ctx, token)
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
