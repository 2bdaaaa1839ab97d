package compathttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/relaykit/mcpbridge/eventstore"
	"github.com/relaykit/mcpbridge/internal/jsonrpc"
	"github.com/relaykit/mcpbridge/internal/metrics"
	"github.com/relaykit/mcpbridge/mcp"
	"github.com/relaykit/mcpbridge/sessions"
	"github.com/relaykit/mcpbridge/service"
)

// streamableTransport serves one session of the newer protocol generation.
// Server-initiated messages go through the session's event store scope so a
// reconnecting GET stream can replay them from its Last-Event-ID.
type streamableTransport struct {
	sessionID string
	store     eventstore.EventStore
	svc       *service.Server
	log       *slog.Logger
	metrics   *metrics.Metrics

	// session is the registry entry this transport is bound to. Assigned
	// once during initialization, before any message is processed.
	session *sessions.Session

	// lastAppendedID is the id of the most recent Send. The registry holds
	// the session's only transport reference, so this bounds the backlog a
	// resuming stream can replay.
	mu             sync.Mutex
	lastAppendedID string

	closeOnce sync.Once
	done      chan struct{}
}

func newStreamableTransport(sessionID string, store eventstore.EventStore, svc *service.Server, log *slog.Logger, m *metrics.Metrics) *streamableTransport {
	return &streamableTransport{
		sessionID: sessionID,
		store:     store,
		svc:       svc,
		log:       log,
		metrics:   m,
		done:      make(chan struct{}),
	}
}

var _ sessions.Transport = (*streamableTransport)(nil)

func (t *streamableTransport) SessionID() string { return t.sessionID }

func (t *streamableTransport) Family() sessions.TransportFamily { return sessions.FamilyStreamable }

func (t *streamableTransport) Send(ctx context.Context, data []byte) error {
	select {
	case <-t.done:
		return errors.New("transport closed")
	default:
	}
	id, err := t.store.Append(ctx, t.sessionID, data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.lastAppendedID = id
	t.mu.Unlock()
	return nil
}

func (t *streamableTransport) Close(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.store.Drop(ctx, t.sessionID)
	})
	return err
}

// handlePost handles one message submitted to an established session.
// Requests are answered on a per-request event stream; notifications and
// client responses are accepted with 202.
func (t *streamableTransport) handlePost(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage) {
	if req := msg.AsRequest(); req != nil {
		if mcp.Method(req.Method) == mcp.InitializeMethod {
			writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "session already initialized")
			t.log.WarnContext(ctx, "session.initialize.redundant")
			return
		}

		if req.ID.IsNil() {
			if err := t.svc.HandleNotification(ctx, t.session, req); err != nil {
				writeEnvelope(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "internal server error")
				t.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
				return
			}
			w.WriteHeader(http.StatusAccepted)
			t.log.InfoContext(ctx, "notification.inbound.ok")
			return
		}

		if !acceptsEventStream(r) {
			writeEnvelope(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "accept header must include text/event-stream")
			t.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeEnvelope(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
			t.log.ErrorContext(ctx, "flusher.missing")
			return
		}
		wf := &lockedWriteFlusher{Writer: w, Flusher: flusher, ctx: ctx}

		writeSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
		wf.Flush()

		resp := t.svc.HandleRequest(ctx, t.session, req)
		b, err := json.Marshal(resp)
		if err != nil {
			t.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
			return
		}
		// The response rides the request's own stream without an event id:
		// it is not part of the session's resumable backlog.
		if err := writeSSEEvent(wf, "message", "", b); err != nil {
			t.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
		t.log.InfoContext(ctx, "rpc.inbound.ok")
		return
	}

	// A bare response from the client: nothing in this core awaits one, so
	// acknowledge and drop.
	resp := msg.AsResponse()
	w.WriteHeader(http.StatusAccepted)
	t.log.InfoContext(ctx, "response.inbound.ok", slog.String("id", resp.ID.String()))
}

// serveStream feeds the session's event backlog and live tail onto an open
// GET stream, resuming after lastEventID when one is supplied. It blocks
// until the client disconnects or the transport closes.
func (t *streamableTransport) serveStream(ctx context.Context, wf *lockedWriteFlusher, lastEventID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Everything appended before the subscription starts is backlog; events
	// past that boundary are live deliveries, not replays.
	t.mu.Lock()
	replayBoundary := t.lastAppendedID
	t.mu.Unlock()
	replaying := lastEventID != "" && replayBoundary != "" && replayBoundary != lastEventID

	return t.store.Subscribe(ctx, t.sessionID, lastEventID, func(cbCtx context.Context, eventID string, data []byte) error {
		if err := writeSSEEvent(wf, "message", eventID, data); err != nil {
			return err
		}
		if replaying {
			t.metrics.EventsReplayed.Inc()
			if eventID == replayBoundary {
				replaying = false
			}
		}
		t.log.InfoContext(cbCtx, "sse.message.deliver", slog.String("event_id", eventID))
		return nil
	})
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
