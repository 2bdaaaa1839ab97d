package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/mcpbridge/internal/jsonrpc"
	"github.com/relaykit/mcpbridge/mcp"
	"github.com/relaykit/mcpbridge/service"
	"github.com/relaykit/mcpbridge/sessions"
)

type captureTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureTransport) SessionID() string                  { return "capture" }
func (c *captureTransport) Family() sessions.TransportFamily   { return sessions.FamilyStreamable }
func (c *captureTransport) Close(ctx context.Context) error    { return nil }
func (c *captureTransport) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *captureTransport) requests(t *testing.T) []jsonrpc.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]jsonrpc.Request, 0, len(c.sent))
	for _, b := range c.sent {
		var req jsonrpc.Request
		require.NoError(t, json.Unmarshal(b, &req))
		out = append(out, req)
	}
	return out
}

func newTestServer() (*captureTransport, *sessions.Session, *service.Server) {
	transport := &captureTransport{}
	sess := &sessions.Session{ID: "capture", Family: sessions.FamilyStreamable, Transport: transport}
	srv := newToolServer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return transport, sess, srv
}

func callTool(t *testing.T, name, args string) *jsonrpc.Request {
	t.Helper()
	params, err := json.Marshal(mcp.CallToolRequestReceived{
		Name:      name,
		Arguments: json.RawMessage(args),
	})
	require.NoError(t, err)
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ToolsCallMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(1),
	}
}

func TestGreetTool(t *testing.T) {
	_, sess, srv := newTestServer()

	resp := srv.HandleRequest(context.Background(), sess, callTool(t, "greet", `{"name":"Ada"}`))
	require.Nil(t, resp.Error)

	var res mcp.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Content, 1)
	assert.Equal(t, "Hello, Ada!", res.Content[0].Text)
}

func TestMultiGreetEmitsNotifications(t *testing.T) {
	transport, sess, srv := newTestServer()

	resp := srv.HandleRequest(context.Background(), sess, callTool(t, "multi-greet", `{"name":"Ada","count":2}`))
	require.Nil(t, resp.Error)

	var res mcp.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Content, 1)
	assert.Equal(t, "Good morning, Ada!", res.Content[0].Text)

	// Each greeting pushes a log message and a progress update through the
	// session's transport.
	reqs := transport.requests(t)
	var messages, progresses []jsonrpc.Request
	for _, req := range reqs {
		switch mcp.Method(req.Method) {
		case mcp.LoggingMessageNotificationMethod:
			messages = append(messages, req)
		case mcp.ProgressNotificationMethod:
			progresses = append(progresses, req)
		}
	}
	assert.Len(t, messages, 2)
	require.Len(t, progresses, 2)

	var last mcp.ProgressNotificationParams
	require.NoError(t, json.Unmarshal(progresses[1].Params, &last))
	assert.Equal(t, 2.0, last.Progress)
	assert.Equal(t, 2.0, last.Total)
}
