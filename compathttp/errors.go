package compathttp

import (
	"encoding/json"
	"net/http"

	"github.com/relaykit/mcpbridge/internal/jsonrpc"
)

// routeErrorKind classifies router-level rejections. Classification errors
// are terminal for the single request that triggered them and never mutate
// the registry.
type routeErrorKind int

const (
	kindMissingToken routeErrorKind = iota + 1
	kindWrongTransport
	kindInvalidSession
	kindInternal
)

type routeError struct {
	kind    routeErrorKind
	message string
}

var (
	errMissingToken = routeError{
		kind:    kindMissingToken,
		message: "missing token query parameter",
	}
	errWrongTransport = routeError{
		kind:    kindWrongTransport,
		message: "session exists but uses a different transport protocol",
	}
	errInvalidSession = routeError{
		kind:    kindInvalidSession,
		message: "no valid session id provided",
	}
	errInternal = routeError{
		kind:    kindInternal,
		message: "internal server error",
	}
)

func (e routeError) httpStatus() int {
	if e.kind == kindInternal {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func (e routeError) rpcCode() jsonrpc.ErrorCode {
	switch e.kind {
	case kindMissingToken:
		return jsonrpc.ErrorCodeInvalidRequest
	case kindWrongTransport, kindInvalidSession:
		return jsonrpc.ErrorCodeSessionError
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}

// outcome is the metrics label for the rejection.
func (e routeError) outcome() string {
	switch e.kind {
	case kindMissingToken:
		return "missing_token"
	case kindWrongTransport:
		return "wrong_transport"
	case kindInvalidSession:
		return "invalid_session"
	default:
		return "internal_error"
	}
}

// writeEnvelope emits the protocol-level error envelope:
//
//	{"jsonrpc":"2.0","error":{"code":<int>,"message":"..."},"id":null}
func writeEnvelope(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": jsonrpc.ProtocolVersion,
		"error":   map[string]any{"code": code, "message": message},
		"id":      nil,
	})
}

func writeRouteError(w http.ResponseWriter, e routeError) {
	writeEnvelope(w, e.httpStatus(), e.rpcCode(), e.message)
}
