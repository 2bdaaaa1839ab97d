// Package eventstore defines the append/replay log used by streamable
// sessions to resume delivery after a reconnect.
//
// Events are ordered per session scope with monotonically increasing ids. A
// subscriber that supplies the last event id it saw receives every event
// appended strictly after that point, in append order, and then follows the
// live tail until its context ends. Records live only as long as their
// owning session: Drop discards the scope when the session closes.
package eventstore

import (
	"context"
	"errors"
)

// ErrUnknownEventID is returned by Subscribe when the supplied last event id
// does not identify a stored event for the scope.
var ErrUnknownEventID = errors.New("unknown last event id")

// MessageHandler receives one stored event. Returning an error stops the
// subscription and propagates out of Subscribe.
type MessageHandler func(ctx context.Context, eventID string, data []byte) error

// EventStore is the per-session append/replay log. Implementations must be
// safe for concurrent use across sessions and within one session.
type EventStore interface {
	// Append stores data under the session scope and returns the assigned
	// event id. Ids are monotonic within a scope.
	Append(ctx context.Context, sessionID string, data []byte) (string, error)

	// Subscribe replays every event after lastEventID in append order, then
	// delivers new events as they are appended, until ctx is done, the
	// handler errors, or the scope is dropped. An empty lastEventID starts
	// at the live tail. Subscribe blocks for the subscription's lifetime
	// and is restartable with the id of the last delivered event.
	Subscribe(ctx context.Context, sessionID string, lastEventID string, fn MessageHandler) error

	// Drop discards the scope and terminates its subscribers. Dropping an
	// absent scope is a no-op.
	Drop(ctx context.Context, sessionID string) error
}
