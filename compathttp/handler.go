package compathttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/relaykit/mcpbridge/eventstore"
	"github.com/relaykit/mcpbridge/internal/jsonrpc"
	"github.com/relaykit/mcpbridge/internal/logctx"
	"github.com/relaykit/mcpbridge/internal/metrics"
	"github.com/relaykit/mcpbridge/mcp"
	"github.com/relaykit/mcpbridge/sessions"
	"github.com/relaykit/mcpbridge/service"
)

var _ http.Handler = (*Handler)(nil)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	mcpSessionIDHeader = "Mcp-Session-Id"
	lastEventIDHeader  = "Last-Event-ID"

	tokenQueryParam     = "token"
	sessionIDQueryParam = "sessionId"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	metrics        *metrics.Metrics
	streamablePath string
	ssePath        string
	messagePath    string
}

// WithLogger sets the slog logger used by the handler. If not provided, logs
// go to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithMetrics sets the Prometheus collectors the handler reports into. If
// not provided, metrics are collected into a throwaway registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithStreamablePath sets the multiplexed endpoint path for the newer
// protocol generation. Default "/mcp".
func WithStreamablePath(path string) Option {
	return func(c *newConfig) { c.streamablePath = path }
}

// WithLegacyPaths sets the stream-establishment and message-submission
// endpoint paths for the legacy generation. Defaults "/sse" and "/messages".
func WithLegacyPaths(ssePath, messagePath string) Option {
	return func(c *newConfig) {
		c.ssePath = ssePath
		c.messagePath = messagePath
	}
}

// Handler routes every inbound request against the session registry: it
// starts a new session, resumes an existing one, or rejects the request with
// a protocol error envelope. The registry is the single piece of state
// shared across concurrent requests; the handler never keeps transport
// references of its own.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	registry *sessions.Registry
	store    eventstore.EventStore
	svc      *service.Server
	metrics  *metrics.Metrics

	streamablePath string
	ssePath        string
	messagePath    string
}

// New constructs a Handler.
//
// Required:
//   - registry: the process-wide session registry, also drained by the
//     shutdown coordinator
//   - store: event log backing resumable delivery for streamable sessions
//   - svc: the tool-dispatch server every new transport is bound to
func New(registry *sessions.Registry, store eventstore.EventStore, svc *service.Server, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if svc == nil {
		return nil, fmt.Errorf("dispatch server is required")
	}

	cfg := &newConfig{
		logger:         slog.Default(),
		streamablePath: "/mcp",
		ssePath:        "/sse",
		messagePath:    "/messages",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.Nop()
	}

	h := &Handler{
		log:            slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		registry:       registry,
		store:          store,
		svc:            svc,
		metrics:        cfg.metrics,
		streamablePath: cfg.streamablePath,
		ssePath:        cfg.ssePath,
		messagePath:    cfg.messagePath,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", h.streamablePath), h.handleStreamablePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", h.streamablePath), h.handleStreamableGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", h.streamablePath), h.handleStreamableDelete)
	mux.HandleFunc(fmt.Sprintf("GET %s", h.ssePath), h.handleSSEOpen)
	mux.HandleFunc(fmt.Sprintf("POST %s", h.messagePath), h.handleLegacyMessage)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// reject emits a classification rejection without touching the registry.
func (h *Handler) reject(ctx context.Context, w http.ResponseWriter, endpoint string, e routeError) {
	writeRouteError(w, e)
	h.metrics.RequestsTotal.WithLabelValues(endpoint, e.outcome()).Inc()
	h.log.WarnContext(ctx, "route.reject",
		slog.String("endpoint", endpoint),
		slog.String("reason", e.outcome()),
	)
}

// handleStreamablePost handles message submission on the multiplexed
// endpoint. With no session header and an initialize body it performs the
// handshake: construct the transport, register the session under a fresh
// id, then answer — a single synchronous factory, so by the time the client
// sees its session id the registry entry exists.
func (h *Handler) handleStreamablePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeEnvelope(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	if sessID := r.Header.Get(mcpSessionIDHeader); sessID != "" {
		st, ok := h.resolveStreamable(ctx, w, "streamable_post", sessID)
		if !ok {
			return
		}
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
			SessionID: sessID,
			Family:    sessions.FamilyStreamable.String(),
		})
		h.dispatch(ctx, w, "streamable_post", func(tw *trackingResponseWriter) {
			st.handlePost(ctx, tw, r, &msg)
		})
		h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	// No session header: only a well-formed initialize request may proceed.
	req := msg.AsRequest()
	if req == nil || mcp.Method(req.Method) != mcp.InitializeMethod || req.ID.IsNil() {
		h.reject(ctx, w, "streamable_post", errInvalidSession)
		return
	}
	if r.URL.Query().Get(tokenQueryParam) == "" {
		h.reject(ctx, w, "streamable_post", errMissingToken)
		return
	}
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params")
		h.log.WarnContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return
	}

	sessionID := uuid.NewString()
	transport := newStreamableTransport(sessionID, h.store, h.svc, h.log, h.metrics)
	sess := &sessions.Session{ID: sessionID, Family: sessions.FamilyStreamable, Transport: transport}
	transport.session = sess

	if err := h.registry.Insert(sess); err != nil {
		h.reject(ctx, w, "streamable_post", errInternal)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sessionID,
		Family:    sessions.FamilyStreamable.String(),
	})

	initRes := h.svc.Initialize(ctx, &initReq)
	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		h.registry.Remove(sessionID)
		_ = transport.Close(ctx)
		h.reject(ctx, w, "streamable_post", errInternal)
		return
	}

	w.Header().Set(mcpSessionIDHeader, sessionID)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}

	h.metrics.SessionsOpened.WithLabelValues(sessions.FamilyStreamable.String()).Inc()
	h.metrics.SessionsActive.WithLabelValues(sessions.FamilyStreamable.String()).Inc()
	h.metrics.RequestsTotal.WithLabelValues("streamable_post", "ok").Inc()
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleStreamableGet opens (or resumes) the session's event stream.
func (h *Handler) handleStreamableGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeEnvelope(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "accept header must include text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.reject(ctx, w, "streamable_get", errInternal)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.reject(ctx, w, "streamable_get", errInvalidSession)
		return
	}
	st, ok := h.resolveStreamable(ctx, w, "streamable_get", sessID)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sessID,
		Family:    sessions.FamilyStreamable.String(),
	})

	lastEventID := r.Header.Get(lastEventIDHeader)
	wf := &lockedWriteFlusher{Writer: w, Flusher: flusher, ctx: ctx}

	writeSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.metrics.RequestsTotal.WithLabelValues("streamable_get", "ok").Inc()
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))

	if err := st.serveStream(ctx, wf, lastEventID); err != nil && ctx.Err() == nil {
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleStreamableDelete terminates a session at the client's request.
func (h *Handler) handleStreamableDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.reject(ctx, w, "streamable_delete", errInvalidSession)
		return
	}
	st, ok := h.resolveStreamable(ctx, w, "streamable_delete", sessID)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sessID,
		Family:    sessions.FamilyStreamable.String(),
	})

	// Explicit close removes the entry; the shutdown drain's removal of the
	// same id is an idempotent no-op.
	h.registry.Remove(sessID)
	if err := st.Close(ctx); err != nil {
		h.log.ErrorContext(ctx, "session.close.fail", slog.String("err", err.Error()))
	}

	h.metrics.SessionsClosed.WithLabelValues(sessions.FamilyStreamable.String()).Inc()
	h.metrics.SessionsActive.WithLabelValues(sessions.FamilyStreamable.String()).Dec()
	h.metrics.RequestsTotal.WithLabelValues("streamable_delete", "ok").Inc()
	h.log.InfoContext(ctx, "session.delete.ok")
	w.WriteHeader(http.StatusNoContent)
}

// handleSSEOpen establishes a legacy session. Every GET creates a brand-new
// session: the legacy generation has no handshake gate and no resume.
func (h *Handler) handleSSEOpen(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.reject(ctx, w, "sse_open", errInternal)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	sessionID := uuid.NewString()
	wf := &lockedWriteFlusher{Writer: w, Flusher: flusher, ctx: ctx}
	transport := newSSETransport(sessionID, wf, h.svc, h.log)
	sess := &sessions.Session{ID: sessionID, Family: sessions.FamilyLegacySSE, Transport: transport}
	transport.session = sess

	if err := h.registry.Insert(sess); err != nil {
		h.reject(ctx, w, "sse_open", errInternal)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sessionID,
		Family:    sessions.FamilyLegacySSE.String(),
	})

	writeSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := transport.announceEndpoint(h.messagePath); err != nil {
		h.registry.Remove(sessionID)
		_ = transport.Close(ctx)
		h.log.ErrorContext(ctx, "sse.endpoint.write.fail", slog.String("err", err.Error()))
		return
	}

	h.metrics.SessionsOpened.WithLabelValues(sessions.FamilyLegacySSE.String()).Inc()
	h.metrics.SessionsActive.WithLabelValues(sessions.FamilyLegacySSE.String()).Inc()
	h.metrics.RequestsTotal.WithLabelValues("sse_open", "ok").Inc()
	h.log.InfoContext(ctx, "sse.session.open")

	// Hold the stream until the client goes away or the transport is
	// closed (DELETE has no legacy analog; this is Drain or Send failure).
	select {
	case <-ctx.Done():
	case <-transport.done:
	}

	h.registry.Remove(sessionID)
	_ = transport.Close(context.Background())

	h.metrics.SessionsClosed.WithLabelValues(sessions.FamilyLegacySSE.String()).Inc()
	h.metrics.SessionsActive.WithLabelValues(sessions.FamilyLegacySSE.String()).Dec()
	h.log.InfoContext(ctx, "sse.session.close", slog.Duration("dur", time.Since(start)))
}

// handleLegacyMessage accepts a message for an established legacy session.
func (h *Handler) handleLegacyMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessID := r.URL.Query().Get(sessionIDQueryParam)
	if sessID == "" {
		h.reject(ctx, w, "legacy_message", errInvalidSession)
		return
	}
	sess, ok := h.registry.Lookup(sessID)
	if !ok {
		h.reject(ctx, w, "legacy_message", errWrongTransport)
		return
	}
	// Family classification comes before the identifier is trusted: an id
	// that resolves to the other family is a mismatch, not a session.
	switch sess.Family {
	case sessions.FamilyLegacySSE:
	case sessions.FamilyStreamable:
		h.reject(ctx, w, "legacy_message", errWrongTransport)
		return
	default:
		h.reject(ctx, w, "legacy_message", errInternal)
		return
	}
	transport, ok := sess.Transport.(*sseTransport)
	if !ok {
		h.reject(ctx, w, "legacy_message", errInternal)
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeEnvelope(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}
	var msg jsonrpc.AnyMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message")
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sessID,
		Family:    sessions.FamilyLegacySSE.String(),
	})
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	h.dispatch(ctx, w, "legacy_message", func(tw *trackingResponseWriter) {
		transport.handleMessage(ctx, tw, &msg)
	})
}

// resolveStreamable looks up a session id on the streamable endpoint and
// enforces the family tag before the id is trusted.
func (h *Handler) resolveStreamable(ctx context.Context, w http.ResponseWriter, endpoint string, sessID string) (*streamableTransport, bool) {
	sess, ok := h.registry.Lookup(sessID)
	if !ok {
		h.reject(ctx, w, endpoint, errInvalidSession)
		return nil, false
	}
	switch sess.Family {
	case sessions.FamilyStreamable:
	case sessions.FamilyLegacySSE:
		h.reject(ctx, w, endpoint, errWrongTransport)
		return nil, false
	default:
		h.reject(ctx, w, endpoint, errInternal)
		return nil, false
	}
	st, ok := sess.Transport.(*streamableTransport)
	if !ok {
		// The registry is owned by this handler; a family/instance mismatch
		// is a bug, not a client error.
		h.reject(ctx, w, endpoint, errInternal)
		return nil, false
	}
	return st, true
}

// dispatch hands the request to the resolved transport, translating a panic
// into a generic server-error envelope when no response bytes have been
// sent; afterwards the response channel is no longer usable, so the failure
// is only logged.
func (h *Handler) dispatch(ctx context.Context, w http.ResponseWriter, endpoint string, fn func(tw *trackingResponseWriter)) {
	tw := &trackingResponseWriter{ResponseWriter: w}
	if flusher, ok := w.(http.Flusher); ok {
		tw.flusher = flusher
	}
	defer func() {
		if rec := recover(); rec != nil {
			h.log.ErrorContext(ctx, "transport.handle.panic", slog.Any("panic", rec))
			if !tw.wrote {
				h.reject(ctx, tw, endpoint, errInternal)
			}
			return
		}
		h.metrics.RequestsTotal.WithLabelValues(endpoint, tw.outcome()).Inc()
	}()
	fn(tw)
}

// acceptsEventStream reports whether the request is willing to receive a
// text/event-stream response. An absent Accept header counts as willing.
func acceptsEventStream(r *http.Request) bool {
	if r.Header.Get("Accept") == "" {
		return true
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}
