package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/germanamz/panelsync/pkg/tools/toolbox"
)

func stateTool() toolbox.Tool {
	return toolbox.Tool{
		Name:        "panel_get_state",
		Description: "Get the state of one device",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
		Handler: func(_ context.Context, input json.RawMessage) (string, error) {
			args, err := toolbox.Decode[struct {
				ID string `json:"id"`
			}](input)
			if err != nil {
				return "", err
			}
			if args.ID != "wb1" {
				return "", errors.New("unknown device " + args.ID)
			}
			return toolbox.JSON(map[string]float64{"power": 120})
		},
	}
}

func listTool() toolbox.Tool {
	return toolbox.Tool{
		Name:        "panel_list_devices",
		Description: "List devices",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(context.Context, json.RawMessage) (string, error) {
			return `["wb1"]`, nil
		},
	}
}

// connect runs a Server on in-memory transports and returns a client session.
func connect(t *testing.T, tb *toolbox.ToolBox) *mcp.ClientSession {
	t.Helper()

	s := New("panelsync-test", "0.0.0", tb, nil)
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.run(ctx, serverTransport) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestListTools(t *testing.T) {
	tb := toolbox.New()
	tb.Register(stateTool(), listTool())
	session := connect(t, tb)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"panel_get_state", "panel_list_devices"}, names)
}

func TestCallTool(t *testing.T) {
	tb := toolbox.New()
	tb.Register(stateTool())
	session := connect(t, tb)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "panel_get_state",
		Arguments: map[string]any{"id": "wb1"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"power":120}`, text(t, res))
}

func TestCallToolError(t *testing.T) {
	tb := toolbox.New()
	tb.Register(stateTool())
	session := connect(t, tb)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "panel_get_state",
		Arguments: map[string]any{"id": "ghost"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "unknown device ghost", text(t, res))
}

func TestCallUnknownTool(t *testing.T) {
	session := connect(t, nil)

	_, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "missing",
		Arguments: map[string]any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New("srv", "1.0.0", nil, nil)
	serverTransport, _ := mcp.NewInMemoryTransports()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.run(ctx, serverTransport), context.Canceled)
}
