// Package transport connects the pool to remote workers over MCP. Each
// worker is an MCP server exposing an execute_agent tool; health probes map
// to MCP pings.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dhalvorsen/drover/pkg/models"
)

// ExecuteToolName is the tool every worker must expose.
const ExecuteToolName = "execute_agent"

const clientName = "drover"

// Version is set at build time via ldflags.
var Version = "dev"

// Client is one worker connection.
type Client struct {
	address string
	mcp     *mcpclient.Client
}

// Dial opens and initializes an MCP connection to a worker. A non-empty
// authToken is sent as a bearer Authorization header on every request.
func Dial(ctx context.Context, address, authToken string) (*Client, error) {
	var opts []mcptransport.StreamableHTTPCOption
	if authToken != "" {
		opts = append(opts, mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + authToken,
		}))
	}

	c, err := mcpclient.NewStreamableHttpClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("create mcp client for %s: %w", address, err)
	}

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start mcp transport for %s: %w", address, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: Version}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize worker %s: %w", address, err)
	}

	return &Client{address: address, mcp: c}, nil
}

// Address returns the worker's base address.
func (c *Client) Address() string { return c.address }

// ExecuteAgent invokes the worker's execute_agent tool for one feature.
func (c *Client) ExecuteAgent(ctx context.Context, capability string, payload map[string]any) (*models.ExecutionResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = ExecuteToolName
	req.Params.Arguments = BuildArguments(capability, payload)

	result, err := c.mcp.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", ExecuteToolName, c.address, err)
	}
	return ParseResult(result), nil
}

// Ping probes the worker.
func (c *Client) Ping(ctx context.Context) error {
	return c.mcp.Ping(ctx)
}

// Close shuts the connection down.
func (c *Client) Close() error {
	return c.mcp.Close()
}

// BuildArguments shapes the execute_agent tool arguments.
func BuildArguments(capability string, payload map[string]any) map[string]any {
	args := map[string]any{"capability": capability}
	if len(payload) > 0 {
		args["task"] = payload
	}
	return args
}

// ParseResult maps a tool call result onto an ExecutionResult. Workers reply
// with a JSON body {success, execution_id, error}; a worker that only
// returns plain text is treated as a success with that text as the
// execution ID, and IsError always wins.
func ParseResult(result *mcp.CallToolResult) *models.ExecutionResult {
	text := firstText(result)

	if result.IsError {
		return &models.ExecutionResult{Success: false, Error: text}
	}

	var body struct {
		Success     *bool  `json:"success"`
		ExecutionID string `json:"execution_id"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal([]byte(text), &body); err == nil && body.Success != nil {
		return &models.ExecutionResult{
			Success:     *body.Success,
			ExecutionID: body.ExecutionID,
			Error:       body.Error,
		}
	}

	return &models.ExecutionResult{Success: true, ExecutionID: strings.TrimSpace(text)}
}

func firstText(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
