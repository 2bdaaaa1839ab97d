// Package sessions defines the session entity shared by all request
// handlers: a service-generated identifier bound for its whole lifetime to
// exactly one transport instance of exactly one protocol family.
package sessions

import (
	"context"
)

// TransportFamily distinguishes the two mutually incompatible protocol
// generations a session can be bound to. The family of a session never
// changes; routing code switches on it exhaustively instead of inspecting
// transport implementations.
type TransportFamily int

const (
	// FamilyStreamable is the newer generation: one multiplexed endpoint
	// with POST/GET/DELETE verbs and resumable event streams.
	FamilyStreamable TransportFamily = iota + 1
	// FamilyLegacySSE is the older generation: a stream-establishment
	// endpoint plus a separate message-submission endpoint.
	FamilyLegacySSE
)

func (f TransportFamily) String() string {
	switch f {
	case FamilyStreamable:
		return "streamable"
	case FamilyLegacySSE:
		return "legacy_sse"
	default:
		return "unknown"
	}
}

// Transport is the live protocol-version-specific handler bound to a
// session. The registry holds the single authoritative reference; once the
// session is removed no other component may retain the transport.
type Transport interface {
	// SessionID returns the service-generated session identifier.
	SessionID() string
	// Family reports which protocol generation this transport implements.
	Family() TransportFamily
	// Send pushes a server-initiated JSON-RPC message to the client. For
	// the streamable family the message lands in the session's event store
	// so a reconnecting stream can replay it; for the legacy family it is
	// written straight to the open stream.
	Send(ctx context.Context, data []byte) error
	// Close releases the transport. It must be idempotent: the shutdown
	// drain and a client-initiated termination may race on it.
	Close(ctx context.Context) error
}

// Session binds a session identifier to its transport. Family duplicates
// Transport.Family so that routing decisions never depend on the dynamic
// type of the transport value.
type Session struct {
	ID        string
	Family    TransportFamily
	Transport Transport
}
