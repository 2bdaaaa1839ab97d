package service_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/mcpbridge/internal/jsonrpc"
	"github.com/relaykit/mcpbridge/mcp"
	"github.com/relaykit/mcpbridge/service"
	"github.com/relaykit/mcpbridge/sessions"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Message to echo"`
	Loud    bool   `json:"loud,omitempty"`
}

func newEchoServer() *service.Server {
	tools := service.NewStaticTools(
		service.NewTool("echo", func(ctx context.Context, _ *sessions.Session, args echoArgs) (*mcp.CallToolResult, error) {
			return service.TextResult("you said: " + args.Message), nil
		}, service.WithToolDescription("Echo a message back to the caller")),
	)
	return service.NewServer(
		service.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "0.1.0"}),
		service.WithTools(tools),
	)
}

func request(t *testing.T, method string, params any) *jsonrpc.Request {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	return &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		Params:         raw,
		ID:             jsonrpc.NewRequestID("1"),
	}
}

func TestToolSchemaReflection(t *testing.T) {
	tools := service.NewStaticTools(
		service.NewTool("echo", func(ctx context.Context, _ *sessions.Session, args echoArgs) (*mcp.CallToolResult, error) {
			return service.TextResult(args.Message), nil
		}, service.WithToolDescription("Echo")),
	)

	list := tools.List()
	require.Len(t, list, 1)
	desc := list[0]
	assert.Equal(t, "echo", desc.Name)
	assert.Equal(t, "object", desc.InputSchema.Type)
	require.Contains(t, desc.InputSchema.Properties, "message")
	assert.Equal(t, "string", desc.InputSchema.Properties["message"].Type)
	assert.Equal(t, "Message to echo", desc.InputSchema.Properties["message"].Description)
	require.Contains(t, desc.InputSchema.Properties, "loud")
	assert.Equal(t, "boolean", desc.InputSchema.Properties["loud"].Type)
	assert.Contains(t, desc.InputSchema.Required, "message")
	assert.NotContains(t, desc.InputSchema.Required, "loud")
}

func TestInitializeNegotiatesProtocolVersion(t *testing.T) {
	srv := newEchoServer()

	res := srv.Initialize(context.Background(), &mcp.InitializeRequest{ProtocolVersion: "2025-03-26"})
	assert.Equal(t, "2025-03-26", res.ProtocolVersion)
	assert.Equal(t, "test-server", res.ServerInfo.Name)
	require.NotNil(t, res.Capabilities.Tools)

	res = srv.Initialize(context.Background(), &mcp.InitializeRequest{ProtocolVersion: "1999-01-01"})
	assert.Equal(t, mcp.LatestProtocolVersion, res.ProtocolVersion,
		"unsupported requested version falls back to the latest supported one")
}

func TestHandleRequestToolsList(t *testing.T) {
	srv := newEchoServer()
	sess := &sessions.Session{ID: "s1", Family: sessions.FamilyStreamable}

	resp := srv.HandleRequest(context.Background(), sess, request(t, string(mcp.ToolsListMethod), nil))
	require.Nil(t, resp.Error)

	var res mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Tools, 1)
	assert.Equal(t, "echo", res.Tools[0].Name)
}

func TestHandleRequestToolsCall(t *testing.T) {
	srv := newEchoServer()
	sess := &sessions.Session{ID: "s1", Family: sessions.FamilyStreamable}

	resp := srv.HandleRequest(context.Background(), sess, request(t, string(mcp.ToolsCallMethod), mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":"hi"}`),
	}))
	require.Nil(t, resp.Error)

	var res mcp.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Content, 1)
	assert.Equal(t, "you said: hi", res.Content[0].Text)
	assert.False(t, res.IsError)
}

func TestHandleRequestUnknownTool(t *testing.T) {
	srv := newEchoServer()
	sess := &sessions.Session{ID: "s1", Family: sessions.FamilyStreamable}

	resp := srv.HandleRequest(context.Background(), sess, request(t, string(mcp.ToolsCallMethod), mcp.CallToolRequestReceived{
		Name: "nope",
	}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidParams, resp.Error.Code)
}

func TestHandleRequestRejectsUnknownArguments(t *testing.T) {
	srv := newEchoServer()
	sess := &sessions.Session{ID: "s1", Family: sessions.FamilyStreamable}

	resp := srv.HandleRequest(context.Background(), sess, request(t, string(mcp.ToolsCallMethod), mcp.CallToolRequestReceived{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":"hi","bogus":true}`),
	}))
	require.Nil(t, resp.Error, "argument failures are tool results, not protocol errors")

	var res mcp.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.True(t, res.IsError)
}

func TestHandleRequestPingAndUnknownMethod(t *testing.T) {
	srv := newEchoServer()
	sess := &sessions.Session{ID: "s1", Family: sessions.FamilyStreamable}

	resp := srv.HandleRequest(context.Background(), sess, request(t, string(mcp.PingMethod), nil))
	require.Nil(t, resp.Error)

	resp = srv.HandleRequest(context.Background(), sess, request(t, "bogus/method", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, resp.Error.Code)

	resp = srv.HandleRequest(context.Background(), sess, request(t, string(mcp.InitializeMethod), mcp.InitializeRequest{}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidRequest, resp.Error.Code)
}

func TestHandleNotificationIgnoresUnknown(t *testing.T) {
	srv := newEchoServer()
	sess := &sessions.Session{ID: "s1", Family: sessions.FamilyStreamable}

	notif := request(t, string(mcp.InitializedNotificationMethod), nil)
	notif.ID = nil
	require.NoError(t, srv.HandleNotification(context.Background(), sess, notif))

	unknown := request(t, "notifications/bogus", nil)
	unknown.ID = nil
	require.NoError(t, srv.HandleNotification(context.Background(), sess, unknown))
}
