// Package mcp contains the wire-level types of the Model Context Protocol
// that the router needs to recognize: the initialization handshake, the
// tools surface, and the notification shapes server components emit.
//
// The package is deliberately small. The router classifies and forwards
// messages; it does not interpret most of the protocol surface, so only the
// types that participate in session establishment and tool dispatch live
// here.
package mcp
