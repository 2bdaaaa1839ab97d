package compathttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/relaykit/mcpbridge/internal/jsonrpc"
	"github.com/relaykit/mcpbridge/mcp"
	"github.com/relaykit/mcpbridge/sessions"
	"github.com/relaykit/mcpbridge/service"
)

// sseTransport serves one session of the legacy protocol generation. The
// stream-establishment GET owns the outbound channel for the session's whole
// lifetime; submitted messages are answered on that stream, not on the POST
// that carried them. There is no resume: a dropped stream ends the session.
type sseTransport struct {
	sessionID string
	svc       *service.Server
	log       *slog.Logger

	// wf is the locked writer bound to the establishment request's
	// connection.
	wf *lockedWriteFlusher

	session *sessions.Session

	closeOnce sync.Once
	done      chan struct{}
}

func newSSETransport(sessionID string, wf *lockedWriteFlusher, svc *service.Server, log *slog.Logger) *sseTransport {
	return &sseTransport{
		sessionID: sessionID,
		svc:       svc,
		log:       log,
		wf:        wf,
		done:      make(chan struct{}),
	}
}

var _ sessions.Transport = (*sseTransport)(nil)

func (t *sseTransport) SessionID() string { return t.sessionID }

func (t *sseTransport) Family() sessions.TransportFamily { return sessions.FamilyLegacySSE }

func (t *sseTransport) Send(ctx context.Context, data []byte) error {
	select {
	case <-t.done:
		return errors.New("transport closed")
	default:
	}
	return writeSSEEvent(t.wf, "message", "", data)
}

// Close wakes the establishment handler, which ends the client's stream.
func (t *sseTransport) Close(ctx context.Context) error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// announceEndpoint tells the client where to submit messages for this
// session. It must be the first event on the stream.
func (t *sseTransport) announceEndpoint(messagePath string) error {
	return writeSSEEvent(t.wf, "endpoint", "", []byte(messagePath+"?sessionId="+t.sessionID))
}

// handleMessage processes one message submitted on the message-submission
// endpoint. Responses to requests are delivered on the session's stream; the
// POST itself is acknowledged with 202.
func (t *sseTransport) handleMessage(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage) {
	if req := msg.AsRequest(); req != nil {
		if req.ID.IsNil() {
			if err := t.svc.HandleNotification(ctx, t.session, req); err != nil {
				writeEnvelope(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal server error")
				t.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
				return
			}
			w.WriteHeader(http.StatusAccepted)
			return
		}

		var resp *jsonrpc.Response
		if mcp.Method(req.Method) == mcp.InitializeMethod {
			// The legacy family has no init gate: the session already
			// exists, the handshake only negotiates versions.
			resp = t.initialize(ctx, req)
		} else {
			resp = t.svc.HandleRequest(ctx, t.session, req)
		}

		b, err := json.Marshal(resp)
		if err != nil {
			writeEnvelope(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal server error")
			t.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
			return
		}
		if err := t.Send(ctx, b); err != nil {
			writeEnvelope(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "session stream unavailable")
			t.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		t.log.InfoContext(ctx, "rpc.inbound.ok")
		return
	}

	resp := msg.AsResponse()
	w.WriteHeader(http.StatusAccepted)
	t.log.InfoContext(ctx, "response.inbound.ok", slog.String("id", resp.ID.String()))
}

func (t *sseTransport) initialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params")
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, t.svc.Initialize(ctx, &initReq))
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error")
	}
	return resp
}
