package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/relaykit/mcpbridge/internal/jsonrpc"
	"github.com/relaykit/mcpbridge/mcp"
	"github.com/relaykit/mcpbridge/service"
	"github.com/relaykit/mcpbridge/sessions"
)

type greetArgs struct {
	Name string `json:"name" jsonschema:"description=Name to greet"`
}

type multiGreetArgs struct {
	Name  string `json:"name" jsonschema:"description=Name to greet"`
	Count int    `json:"count,omitempty" jsonschema:"description=Number of greetings to send"`
}

// newToolServer declares the fixed tool set every session is bound to.
func newToolServer(log *slog.Logger) *service.Server {
	tools := service.NewStaticTools(
		service.NewTool("greet", func(ctx context.Context, _ *sessions.Session, args greetArgs) (*mcp.CallToolResult, error) {
			return service.TextResult("Hello, " + args.Name + "!"), nil
		}, service.WithToolDescription("A simple greeting tool")),

		service.NewTool("multi-greet", func(ctx context.Context, sess *sessions.Session, args multiGreetArgs) (*mcp.CallToolResult, error) {
			count := args.Count
			if count <= 0 {
				count = 3
			}
			for i := 0; i < count; i++ {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(200 * time.Millisecond):
				}
				if err := notify(ctx, sess, mcp.LoggingLevelDebug, "sending greeting "+args.Name); err != nil {
					log.WarnContext(ctx, "greeting.notify.fail", slog.String("err", err.Error()))
				}
				if err := progress(ctx, sess, float64(i+1), float64(count)); err != nil {
					log.WarnContext(ctx, "greeting.progress.fail", slog.String("err", err.Error()))
				}
			}
			return service.TextResult("Good morning, " + args.Name + "!"), nil
		}, service.WithToolDescription("A tool that sends greetings with notifications in between")),
	)

	return service.NewServer(
		service.WithServerInfo(mcp.ImplementationInfo{Name: "mcpbridged", Version: "1.0.0"}),
		service.WithTools(tools),
		service.WithLogger(log),
	)
}

// notify pushes a notifications/message to the session's client through its
// transport; for streamable sessions it lands in the resumable event log.
func notify(ctx context.Context, sess *sessions.Session, level mcp.LoggingLevel, text string) error {
	params, err := json.Marshal(mcp.LoggingMessageParams{Level: level, Data: text})
	if err != nil {
		return err
	}
	msg, err := json.Marshal(jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.LoggingMessageNotificationMethod),
		Params:         params,
	})
	if err != nil {
		return err
	}
	return sess.Transport.Send(ctx, msg)
}

// progress reports how far a multi-step tool call has come.
func progress(ctx context.Context, sess *sessions.Session, done, total float64) error {
	params, err := json.Marshal(mcp.ProgressNotificationParams{
		ProgressToken: "multi-greet",
		Progress:      done,
		Total:         total,
	})
	if err != nil {
		return err
	}
	msg, err := json.Marshal(jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ProgressNotificationMethod),
		Params:         params,
	})
	if err != nil {
		return err
	}
	return sess.Transport.Send(ctx, msg)
}
