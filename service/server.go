// Package service is the tool-dispatch collaborator behind the router: it
// answers the JSON-RPC methods a bound transport forwards to it (initialize,
// ping, tools/list, tools/call) against a fixed, statically-declared tool
// set. It knows nothing about HTTP or session lifecycles.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/relaykit/mcpbridge/internal/jsonrpc"
	"github.com/relaykit/mcpbridge/mcp"
	"github.com/relaykit/mcpbridge/sessions"
)

// Server dispatches protocol requests to the static tool set.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        *StaticTools
	log          *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets the optional usage instructions returned from
// initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) { s.instructions = instructions }
}

// WithTools sets the tool container requests dispatch against.
func WithTools(tools *StaticTools) ServerOption {
	return func(s *Server) { s.tools = tools }
}

// WithLogger sets the logger. If not provided, logs go to slog.Default().
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer builds a dispatch server. A Server with no tools is valid: it
// advertises an empty tool list.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		info: mcp.ImplementationInfo{Name: "mcpbridge", Version: "0.0.0"},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tools == nil {
		s.tools = NewStaticTools()
	}
	return s
}

// Initialize negotiates the protocol version and reports server
// capabilities. It is called exactly once per session, by whichever
// transport performs the handshake.
func (s *Server) Initialize(ctx context.Context, req *mcp.InitializeRequest) *mcp.InitializeResult {
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.NegotiateProtocolVersion(req.ProtocolVersion),
		Capabilities: mcp.ServerCapabilities{
			Logging: &struct{}{},
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}
}

// HandleRequest answers one JSON-RPC request for the given session. Failures
// are encoded as JSON-RPC error responses; the returned response is never
// nil.
func (s *Server) HandleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	switch mcp.Method(req.Method) {
	case mcp.PingMethod:
		resp, err := jsonrpc.NewResultResponse(req.ID, struct{}{})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error")
		}
		return resp

	case mcp.InitializeMethod:
		// The router performs the handshake before a session exists; an
		// initialize on an established session is a protocol violation.
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized")

	case mcp.ToolsListMethod:
		resp, err := jsonrpc.NewResultResponse(req.ID, mcp.ListToolsResult{Tools: s.tools.List()})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error")
		}
		return resp

	case mcp.ToolsCallMethod:
		var call mcp.CallToolRequestReceived
		if err := json.Unmarshal(req.Params, &call); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tool call params")
		}
		res, err := s.tools.Call(ctx, sess, &call)
		if err != nil {
			if errors.Is(err, ErrUnknownTool) {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+call.Name)
			}
			s.log.ErrorContext(ctx, "tool.call.fail",
				slog.String("tool", call.Name),
				slog.String("err", err.Error()),
			)
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "tool execution failed")
		}
		resp, err := jsonrpc.NewResultResponse(req.ID, res)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error")
		}
		return resp

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method)
	}
}

// HandleNotification consumes a client notification. Unrecognized
// notifications are ignored, per protocol.
func (s *Server) HandleNotification(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) error {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		s.log.InfoContext(ctx, "session.initialized")
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotificationParams
		if err := json.Unmarshal(req.Params, &params); err == nil {
			s.log.InfoContext(ctx, "request.cancelled", slog.String("request_id", params.RequestID))
		}
	default:
		s.log.DebugContext(ctx, "notification.ignored", slog.String("method", req.Method))
	}
	return nil
}
