// Package mcp connects the execution engine to tools over the Model Context Protocol
// and provides the built-in tool server.
package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/ATHARVA262005/mcp-control-plane/pkg/tool"
)

const (
	clientName    = "mcp-control-plane-client"
	clientVersion = "1.0.0"
)

// Logger is the logging interface used by the MCP client.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Invoker calls tools on a connected MCP server. It is safe for concurrent use.
type Invoker struct {
	client *client.Client
	logger Logger
}

var _ tool.Invoker = (*Invoker)(nil)

// NewStdioInvoker launches command as a subprocess and speaks MCP over its stdio.
func NewStdioInvoker(ctx context.Context, logger Logger, command string, args ...string) (*Invoker, error) {
	logger.Infof("[MCP] Connecting to tool server %s %s", command, strings.Join(args, " "))
	c, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "start tool server %s", command)
	}
	return connect(ctx, c, logger)
}

// NewInProcessInvoker talks to srv without a subprocess.
func NewInProcessInvoker(ctx context.Context, logger Logger, srv *server.MCPServer) (*Invoker, error) {
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, errors.Wrap(err, "create in-process client")
	}
	if err := c.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "start in-process client")
	}
	return connect(ctx, c, logger)
}

func connect(ctx context.Context, c *client.Client, logger Logger) (*Invoker, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		logger.Errorf("[MCP] Connection Failed: %v", err)
		return nil, errors.Wrap(err, "initialize MCP session")
	}

	inv := &Invoker{client: c, logger: logger}
	names, err := inv.Tools(ctx)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	logger.Infof("[MCP] Connected, available tools: %s", strings.Join(names, ", "))
	return inv, nil
}

// Tools lists the tool names the server advertises.
func (i *Invoker) Tools(ctx context.Context) ([]string, error) {
	res, err := i.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, errors.Wrap(err, "list tools")
	}
	names := make([]string, 0, len(res.Tools))
	for _, t := range res.Tools {
		names = append(names, t.Name)
	}
	return names, nil
}

// Invoke calls the named tool. A map input becomes the call arguments; any other
// input is passed as {"input": value}. The first text content is decoded as JSON
// and returned verbatim when it is not JSON.
func (i *Invoker) Invoke(ctx context.Context, name string, input models.Value) (models.Value, error) {
	args, ok := input.Interface().(map[string]any)
	if !ok {
		args = map[string]any{}
		if !input.IsNull() {
			args["input"] = input.Interface()
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := i.client.CallTool(ctx, req)
	if err != nil {
		return models.Null(), errors.Wrapf(err, "call tool %s", name)
	}

	text, found := firstText(res.Content)
	if res.IsError {
		return models.Null(), errors.Errorf("tool %s failed: %s", name, text)
	}
	if !found {
		return models.Null(), nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return models.String(text), nil
	}
	return models.ValueOf(decoded), nil
}

func (i *Invoker) Close() error {
	return i.client.Close()
}

func firstText(content []mcp.Content) (string, bool) {
	for _, c := range content {
		switch t := c.(type) {
		case mcp.TextContent:
			return t.Text, true
		case *mcp.TextContent:
			return t.Text, true
		}
	}
	return "", false
}
