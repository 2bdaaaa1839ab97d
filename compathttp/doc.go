// Package compathttp serves one logical MCP service over two incompatible
// protocol generations at once.
//
// The newer, streamable generation multiplexes a single endpoint: POST
// carries messages (and, with no session header, the initialization
// handshake), GET opens a resumable event stream, DELETE terminates the
// session. The legacy generation splits the same conversation across a
// stream-establishment endpoint and a message-submission endpoint addressed
// by a sessionId query parameter.
//
// A session is bound to exactly one transport family at creation and the
// router refuses to serve it through the other: requests that reference an
// existing session via the wrong family's endpoint are rejected with a
// JSON-RPC error envelope, never silently redirected.
package compathttp
